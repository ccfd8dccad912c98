// Package cache implements the fast window store: a disposable Redis
// projection of each conversation's most recent messages, plus conversation
// metadata and a short-lived reply cache. Nothing here is authoritative;
// everything is reconstructable from the durable log.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/szaher/debatechat/internal/chat"
)

// RedisClient is the narrow surface of Redis the cache needs. It abstracts
// the actual client library; Get returns chat.ErrCacheMiss for absent keys
// and chat.ErrCacheUnavailable for transport failures.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Store wraps a RedisClient and exposes the window, metadata and reply-cache
// operations needed by the context manager.
type Store struct {
	client    RedisClient
	prefix    string
	windowTTL time.Duration
	metaTTL   time.Duration
	replyTTL  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithWindowTTL sets the expiry for cached windows.
func WithWindowTTL(ttl time.Duration) Option {
	return func(s *Store) { s.windowTTL = ttl }
}

// WithMetaTTL sets the expiry for cached conversation metadata.
func WithMetaTTL(ttl time.Duration) Option {
	return func(s *Store) { s.metaTTL = ttl }
}

// WithReplyTTL sets the expiry for the short-lived reply cache.
func WithReplyTTL(ttl time.Duration) Option {
	return func(s *Store) { s.replyTTL = ttl }
}

// NewStore creates a fast window store over the given client.
func NewStore(client RedisClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		prefix:    "conv:",
		windowTTL: 7 * 24 * time.Hour,
		metaTTL:   7 * 24 * time.Hour,
		replyTTL:  time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) windowKey(id string) string { return s.prefix + id + ":history" }
func (s *Store) metaKey(id string) string   { return s.prefix + id + ":meta" }

func (s *Store) replyKey(id, userText string) string {
	// Hash the payload to keep keys short and free of message content.
	digest := sha256.Sum256([]byte(userText))
	return "resp:" + id + ":" + hex.EncodeToString(digest[:])
}

// GetWindow returns the cached window oldest first, chat.ErrCacheMiss if no
// window is cached, or chat.ErrCacheUnavailable on transport failure.
func (s *Store) GetWindow(ctx context.Context, conversationID string) ([]chat.Message, error) {
	raw, err := s.client.Get(ctx, s.windowKey(conversationID))
	if err != nil {
		return nil, err
	}

	var msgs []chat.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		// A corrupt window is treated as a miss; the log rebuilds it.
		return nil, fmt.Errorf("corrupt window for %s: %w", conversationID, chat.ErrCacheMiss)
	}
	return msgs, nil
}

// SetWindow replaces the whole cached window in a single SET so a concurrent
// reader never observes a partially written or over-length list.
func (s *Store) SetWindow(ctx context.Context, conversationID string, msgs []chat.Message) error {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}
	if err := s.client.Set(ctx, s.windowKey(conversationID), string(data), s.windowTTL); err != nil {
		return fmt.Errorf("set window: %w", err)
	}
	return nil
}

// ClearWindow drops the cached window. The durable log is unaffected.
func (s *Store) ClearWindow(ctx context.Context, conversationID string) error {
	return s.client.Del(ctx, s.windowKey(conversationID))
}

// SetMeta stores conversation metadata fields and refreshes the TTL.
func (s *Store) SetMeta(ctx context.Context, conversationID string, meta map[string]string) error {
	key := s.metaKey(conversationID)
	if err := s.client.HSet(ctx, key, meta); err != nil {
		return fmt.Errorf("set meta: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.metaTTL); err != nil {
		return fmt.Errorf("expire meta: %w", err)
	}
	return nil
}

// GetMeta returns cached conversation metadata; an empty map when nothing is
// cached.
func (s *Store) GetMeta(ctx context.Context, conversationID string) (map[string]string, error) {
	meta, err := s.client.HGetAll(ctx, s.metaKey(conversationID))
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = map[string]string{}
	}
	return meta, nil
}

// GetCachedReply returns a recently generated reply for the exact same user
// payload, deduplicating immediate retries. Misses and outages both return
// an error; callers treat any error as "generate fresh".
func (s *Store) GetCachedReply(ctx context.Context, conversationID, userText string) (string, error) {
	return s.client.Get(ctx, s.replyKey(conversationID, userText))
}

// SetCachedReply caches a reply for a short period.
func (s *Store) SetCachedReply(ctx context.Context, conversationID, userText, reply string) error {
	return s.client.Set(ctx, s.replyKey(conversationID, userText), reply, s.replyTTL)
}
