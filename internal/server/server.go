// Package server exposes the chat service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/szaher/debatechat/internal/chat"
	"github.com/szaher/debatechat/internal/llm"
	"github.com/szaher/debatechat/internal/telemetry"
)

const maxMessageChars = 4000

// Conversation ids are lowercase ULIDs.
var convIDRe = regexp.MustCompile(`^[0-9a-hjkmnp-tv-z]{26}$`)

// ContextManager is the surface of the conversation context manager the
// transport needs.
type ContextManager interface {
	GetOrCreateConversation(ctx context.Context, suppliedID, firstMessage string) (*chat.Conversation, bool, error)
	AppendMessage(ctx context.Context, conversationID string, role chat.Role, text string) ([]chat.Message, error)
	FetchWindow(ctx context.Context, conversationID string) ([]chat.Message, error)
	CachedReply(ctx context.Context, conversationID, userText string) (string, bool)
	RememberReply(ctx context.Context, conversationID, userText, reply string)
	NoteTurn(ctx context.Context, conversationID string)
}

// Server is the HTTP transport for the chat service.
type Server struct {
	manager   ContextManager
	generator llm.Client
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	mux       *http.ServeMux
	server    *http.Server
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics collector and enables /metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

// NewServer creates the HTTP transport over a context manager and a reply
// generator.
func NewServer(manager ContextManager, generator llm.Client, opts ...Option) *Server {
	s := &Server{
		manager:   manager,
		generator: generator,
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.correlationMiddleware(s.mux)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("chat server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type messageItem struct {
	Role    chat.Role `json:"role"`
	Message string    `json:"message"`
}

type chatResponse struct {
	ConversationID string        `json:"conversation_id"`
	Message        []messageItem `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	req.Message = strings.TrimSpace(req.Message)
	req.ConversationID = strings.ToLower(strings.TrimSpace(req.ConversationID))
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message cannot be empty")
		return
	}
	if len(req.Message) > maxMessageChars {
		writeError(w, http.StatusBadRequest, "invalid_request", "message exceeds 4000 characters")
		return
	}
	if req.ConversationID != "" && !convIDRe.MatchString(req.ConversationID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversation_id must be a 26-char lowercase ULID")
		return
	}

	ctx := r.Context()
	conv, created, err := s.manager.GetOrCreateConversation(ctx, req.ConversationID, req.Message)
	if err != nil {
		s.writeStoreError(w, ctx, req.ConversationID, err)
		return
	}
	logger := telemetry.RequestLogger(s.logger, ctx, conv.ID)

	// Replay an immediately repeated turn from the reply cache instead of
	// generating twice.
	if !created {
		if reply, ok := s.manager.CachedReply(ctx, conv.ID, req.Message); ok {
			logger.Debug("replaying cached reply")
			win, err := s.appendTurn(ctx, conv.ID, req.Message, reply)
			if err != nil {
				s.writeStoreError(w, ctx, conv.ID, err)
				return
			}
			s.recordTurn("replayed")
			writeJSON(w, http.StatusOK, toResponse(conv.ID, win))
			return
		}
	}

	win, err := s.manager.AppendMessage(ctx, conv.ID, chat.RoleUser, req.Message)
	if err != nil {
		s.writeStoreError(w, ctx, conv.ID, err)
		return
	}

	start := time.Now()
	reply, err := s.generator.Generate(ctx, llm.Exchange{
		Topic:           conv.Topic,
		Stance:          conv.Stance,
		OpeningArgument: conv.OpeningArgument,
		Window:          win,
		Latest:          req.Message,
	})
	if s.metrics != nil {
		s.metrics.RecordGeneration(time.Since(start))
	}
	if err != nil {
		// The user message is already durable; only the reply is missing.
		logger.Error("reply generation failed", "error", err)
		if errors.Is(err, chat.ErrGenerationTimeout) {
			s.recordTurn("generation_timeout")
			writeError(w, http.StatusGatewayTimeout, "generation_timeout", "Reply generation timed out")
			return
		}
		s.recordTurn("generation_error")
		writeError(w, http.StatusBadGateway, "generation_error", "Reply generation failed")
		return
	}

	win, err = s.manager.AppendMessage(ctx, conv.ID, chat.RoleBot, reply)
	if err != nil {
		s.writeStoreError(w, ctx, conv.ID, err)
		return
	}

	s.manager.RememberReply(ctx, conv.ID, req.Message, reply)
	s.manager.NoteTurn(ctx, conv.ID)
	s.recordTurn("ok")

	writeJSON(w, http.StatusOK, toResponse(conv.ID, win))
}

func (s *Server) appendTurn(ctx context.Context, conversationID, userText, botText string) ([]chat.Message, error) {
	if _, err := s.manager.AppendMessage(ctx, conversationID, chat.RoleUser, userText); err != nil {
		return nil, err
	}
	win, err := s.manager.AppendMessage(ctx, conversationID, chat.RoleBot, botText)
	if err != nil {
		return nil, err
	}
	s.manager.NoteTurn(ctx, conversationID)
	return win, nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, ctx context.Context, conversationID string, err error) {
	telemetry.RequestLogger(s.logger, ctx, conversationID).Error("durable store failure", "error", err)
	s.recordTurn("store_unavailable")
	writeError(w, http.StatusServiceUnavailable, "store_unavailable", "The conversation store is temporarily unavailable")
}

func (s *Server) recordTurn(status string) {
	if s.metrics != nil {
		s.metrics.RecordTurn(status)
	}
}

func toResponse(conversationID string, win []chat.Message) chatResponse {
	items := make([]messageItem, len(win))
	for i, msg := range win {
		items[i] = messageItem{Role: msg.Role, Message: msg.Text}
	}
	return chatResponse{ConversationID: conversationID, Message: items}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
