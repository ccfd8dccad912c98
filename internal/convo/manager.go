// Package convo implements the conversation context manager: it keeps the
// durable message log and the fast window cache consistent, owns the
// sliding-window and rehydration algorithms, and serializes writes per
// conversation.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/szaher/debatechat/internal/chat"
	"github.com/szaher/debatechat/internal/store"
	"github.com/szaher/debatechat/internal/telemetry"
)

// DefaultWindowSize is the number of recent messages kept hot.
const DefaultWindowSize = 5

// Window is the fast store surface the manager needs. It is a disposable
// cache of the durable log, never a source of truth.
type Window interface {
	GetWindow(ctx context.Context, conversationID string) ([]chat.Message, error)
	SetWindow(ctx context.Context, conversationID string, msgs []chat.Message) error
	ClearWindow(ctx context.Context, conversationID string) error
	GetMeta(ctx context.Context, conversationID string) (map[string]string, error)
	SetMeta(ctx context.Context, conversationID string, meta map[string]string) error
	GetCachedReply(ctx context.Context, conversationID, userText string) (string, error)
	SetCachedReply(ctx context.Context, conversationID, userText, reply string) error
}

// Manager orchestrates reads and writes across the durable log and the fast
// window store.
type Manager struct {
	log     store.Store
	window  Window
	size    int
	locks   *lockRegistry
	flight  singleflight.Group
	logger  *slog.Logger
	metrics *telemetry.Metrics

	// dirty marks conversations whose cached window could not be updated or
	// dropped after a durable write. Reads bypass the cache for a dirty
	// conversation until a rebuild lands.
	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithWindowSize overrides the window size. Values below one keep the
// default.
func WithWindowSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.size = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a context manager over the given stores.
func NewManager(log store.Store, window Window, opts ...Option) *Manager {
	m := &Manager{
		log:    log,
		window: window,
		size:   DefaultWindowSize,
		locks:  newLockRegistry(),
		logger: slog.Default(),
		dirty:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WindowSize returns the configured window size.
func (m *Manager) WindowSize() int {
	return m.size
}

// newConversationID returns a fresh lowercase ULID.
func newConversationID() string {
	return strings.ToLower(ulid.Make().String())
}

// GetOrCreateConversation resolves a conversation. An empty or unknown
// supplied id creates a new conversation whose topic, stance and opening
// argument are derived from the first message; a known id returns its
// existing metadata and ignores firstMessage. The returned bool reports
// whether a conversation was created.
func (m *Manager) GetOrCreateConversation(ctx context.Context, suppliedID, firstMessage string) (*chat.Conversation, bool, error) {
	if suppliedID != "" {
		conv, err := m.log.FindConversation(ctx, suppliedID)
		if err == nil {
			m.refreshMeta(ctx, conv)
			return conv, false, nil
		}
		if !errors.Is(err, chat.ErrConversationNotFound) {
			return nil, false, err
		}
		telemetry.RequestLogger(m.logger, ctx, suppliedID).
			Warn("unknown conversation id, starting a new conversation")
	}

	opening := chat.ParseOpening(firstMessage)
	conv := &chat.Conversation{
		ID:              newConversationID(),
		Topic:           opening.Topic,
		Stance:          opening.Stance,
		OpeningArgument: opening.OpeningArgument,
	}
	if err := m.log.CreateConversation(ctx, conv); err != nil {
		return nil, false, err
	}

	// Mirror metadata into the cache; a cache failure never fails creation.
	if err := m.window.SetMeta(ctx, conv.ID, metaFields(conv, 0)); err != nil {
		telemetry.RequestLogger(m.logger, ctx, conv.ID).
			Warn("metadata cache write failed", "error", err)
	}

	return conv, true, nil
}

// refreshMeta restores the cached metadata hash for an existing conversation
// after its TTL expired, recovering the turn counter from the durable message
// count. Best effort.
func (m *Manager) refreshMeta(ctx context.Context, conv *chat.Conversation) {
	meta, err := m.window.GetMeta(ctx, conv.ID)
	if err != nil || len(meta) > 0 {
		return
	}
	count, err := m.log.CountMessages(ctx, conv.ID)
	if err != nil {
		return
	}
	// One turn is a user message plus the bot reply.
	if err := m.window.SetMeta(ctx, conv.ID, metaFields(conv, count/2)); err != nil {
		telemetry.RequestLogger(m.logger, ctx, conv.ID).
			Debug("metadata cache refresh failed", "error", err)
	}
}

func metaFields(conv *chat.Conversation, turns int64) map[string]string {
	return map[string]string{
		"topic":      conv.Topic,
		"stance":     conv.Stance,
		"opening":    conv.OpeningArgument,
		"created_at": strconv.FormatInt(conv.CreatedAt.Unix(), 10),
		"turn_count": strconv.FormatInt(turns, 10),
	}
}

// AppendMessage durably appends one message, folds it into the cached
// window, trims to the last N by sequence, and returns the window as read
// back from the fast store. The durable write always precedes any cache
// visibility; a cache failure after a successful durable write degrades to
// a log-backed window instead of failing the turn, and the stale cache
// entry is invalidated so later reads rebuild from the log.
func (m *Manager) AppendMessage(ctx context.Context, conversationID string, role chat.Role, text string) ([]chat.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	l := m.locks.acquire(conversationID)
	l.Lock()
	defer func() {
		l.Unlock()
		m.locks.release(conversationID)
	}()

	start := time.Now()
	msg, err := m.log.Append(ctx, conversationID, role, text)
	m.recordStoreOp("append", start)
	if err != nil {
		return nil, err
	}

	next, cacheErr := m.nextWindow(ctx, conversationID, *msg)
	if cacheErr != nil {
		// Durable write succeeded; serve the window straight from the log and
		// drop any cached window that no longer reflects it.
		telemetry.RequestLogger(m.logger, ctx, conversationID).
			Warn("window cache unavailable after append, serving from log", "error", cacheErr)
		m.invalidateWindow(ctx, conversationID)
		m.recordWindowFetch("degraded")
		return m.readLogWindow(ctx, conversationID)
	}

	if err := m.window.SetWindow(ctx, conversationID, next); err != nil {
		telemetry.RequestLogger(m.logger, ctx, conversationID).
			Warn("window cache write failed after append, serving from log", "error", err)
		m.invalidateWindow(ctx, conversationID)
		m.recordWindowFetch("degraded")
		return m.readLogWindow(ctx, conversationID)
	}
	m.clearDirty(conversationID)

	// Read back what was actually cached so the caller observes exactly the
	// stored window, never a hand-composed projection.
	win, err := m.window.GetWindow(ctx, conversationID)
	if err != nil {
		m.recordWindowFetch("degraded")
		return m.readLogWindow(ctx, conversationID)
	}
	return win, nil
}

// nextWindow computes the post-append window from the currently cached one,
// rehydrating from the log on a miss. Caller holds the conversation lock.
func (m *Manager) nextWindow(ctx context.Context, conversationID string, msg chat.Message) ([]chat.Message, error) {
	if m.isDirty(conversationID) {
		// An earlier cache failure left the cached window behind the log;
		// rebuild from the log instead of folding onto a stale list.
		m.recordWindowFetch("miss")
		return m.readLogWindow(ctx, conversationID)
	}

	current, err := m.window.GetWindow(ctx, conversationID)
	switch {
	case err == nil:
		m.recordWindowFetch("hit")
	case errors.Is(err, chat.ErrCacheMiss):
		// The appended message is already durable, so the log read includes
		// it; no separate push needed.
		m.recordWindowFetch("miss")
		return m.readLogWindow(ctx, conversationID)
	default:
		return nil, err
	}

	next := append(current, msg)
	for len(next) > m.size {
		next = next[1:]
	}
	return next, nil
}

// FetchWindow returns the current window oldest first. A cache hit is
// returned directly; a miss rehydrates from the durable log and
// re-establishes the cache. Concurrent misses for the same conversation
// collapse into a single rehydration. Idempotent between appends.
func (m *Manager) FetchWindow(ctx context.Context, conversationID string) ([]chat.Message, error) {
	// A dirty conversation skips the cache entirely: the entry may predate
	// the last durable write and serving it would roll the reader back.
	if !m.isDirty(conversationID) {
		win, err := m.window.GetWindow(ctx, conversationID)
		if err == nil {
			m.recordWindowFetch("hit")
			return win, nil
		}
		if !errors.Is(err, chat.ErrCacheMiss) {
			// Cache outage: absorbed, the log serves the read.
			telemetry.RequestLogger(m.logger, ctx, conversationID).
				Warn("window cache unavailable, serving from log", "error", err)
			m.recordWindowFetch("degraded")
			return m.readLogWindow(ctx, conversationID)
		}
	}

	m.recordWindowFetch("miss")
	v, err, _ := m.flight.Do(conversationID, func() (any, error) {
		return m.rehydrate(ctx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]chat.Message), nil
}

// rehydrate rebuilds the cached window from the durable log. It takes the
// conversation lock so the write-back cannot interleave with a concurrent
// append and clobber a newer window.
func (m *Manager) rehydrate(ctx context.Context, conversationID string) ([]chat.Message, error) {
	l := m.locks.acquire(conversationID)
	l.Lock()
	defer func() {
		l.Unlock()
		m.locks.release(conversationID)
	}()

	win, err := m.readLogWindow(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	// Populate the cache with one atomic set of the whole ordered list; a
	// failure here only costs the next read another rehydration.
	if err := m.window.SetWindow(ctx, conversationID, win); err != nil {
		telemetry.RequestLogger(m.logger, ctx, conversationID).
			Warn("window cache write-back failed", "error", err)
		m.invalidateWindow(ctx, conversationID)
		return win, nil
	}
	m.clearDirty(conversationID)
	return win, nil
}

// invalidateWindow drops a cached window that fell behind the durable log.
// When the drop itself fails the conversation is marked dirty so reads bypass
// the stale entry until a rebuild lands.
func (m *Manager) invalidateWindow(ctx context.Context, conversationID string) {
	if err := m.window.ClearWindow(ctx, conversationID); err != nil {
		m.markDirty(conversationID)
		return
	}
	m.clearDirty(conversationID)
}

func (m *Manager) markDirty(conversationID string) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	m.dirty[conversationID] = struct{}{}
}

func (m *Manager) clearDirty(conversationID string) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	delete(m.dirty, conversationID)
}

func (m *Manager) isDirty(conversationID string) bool {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	_, ok := m.dirty[conversationID]
	return ok
}

// readLogWindow reads the last N messages from the durable log, newest
// first, and reverses them into caller order.
func (m *Manager) readLogWindow(ctx context.Context, conversationID string) ([]chat.Message, error) {
	start := time.Now()
	desc, err := m.log.ReadLastN(ctx, conversationID, m.size)
	m.recordStoreOp("read_last_n", start)
	if err != nil {
		return nil, err
	}

	win := make([]chat.Message, len(desc))
	for i, msg := range desc {
		win[len(desc)-1-i] = msg
	}
	return win, nil
}

// CachedReply returns a recently generated reply for an identical user
// payload, deduplicating immediate retries. The second return reports a hit.
func (m *Manager) CachedReply(ctx context.Context, conversationID, userText string) (string, bool) {
	reply, err := m.window.GetCachedReply(ctx, conversationID, userText)
	if err != nil || reply == "" {
		return "", false
	}
	return reply, true
}

// RememberReply caches the reply for a short period. Best effort.
func (m *Manager) RememberReply(ctx context.Context, conversationID, userText, reply string) {
	if err := m.window.SetCachedReply(ctx, conversationID, userText, reply); err != nil {
		telemetry.RequestLogger(m.logger, ctx, conversationID).
			Debug("reply cache write failed", "error", err)
	}
}

// NoteTurn bumps the cached turn counter. Best effort.
func (m *Manager) NoteTurn(ctx context.Context, conversationID string) {
	meta, err := m.window.GetMeta(ctx, conversationID)
	if err != nil {
		return
	}
	turns, _ := strconv.Atoi(meta["turn_count"])
	if err := m.window.SetMeta(ctx, conversationID, map[string]string{
		"turn_count": strconv.Itoa(turns + 1),
	}); err != nil {
		telemetry.RequestLogger(m.logger, ctx, conversationID).
			Debug("turn count update failed", "error", err)
	}
}

// SweepLocks evicts lock registry entries for conversations with no
// in-flight operation and returns the number evicted.
func (m *Manager) SweepLocks() int {
	return m.locks.sweep()
}

func (m *Manager) recordStoreOp(op string, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordStoreOp(op, time.Since(start))
	}
}

func (m *Manager) recordWindowFetch(result string) {
	if m.metrics != nil {
		m.metrics.RecordWindowFetch(result)
	}
}
