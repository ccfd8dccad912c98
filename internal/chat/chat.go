// Package chat defines the conversation domain types and the error taxonomy
// shared across the debatechat service.
package chat

import (
	"errors"
	"time"
)

// Role identifies the sender of a message.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleBot
}

// Conversation holds the immutable metadata captured on the first turn.
type Conversation struct {
	ID              string    `json:"id"`
	Topic           string    `json:"topic,omitempty"`
	Stance          string    `json:"stance,omitempty"`
	OpeningArgument string    `json:"opening_argument,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Message is a single utterance in a conversation. Sequence is assigned by
// the durable store at append time and is the only ordering authority;
// CreatedAt is informational.
type Message struct {
	Sequence       int64     `json:"sequence,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Role           Role      `json:"role"`
	Text           string    `json:"message"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// Sentinel errors for the store and generation layers. Callers classify
// failures with errors.Is; the concrete cause is carried in the wrap.
var (
	// ErrConversationNotFound means the supplied conversation id is unknown
	// to the durable store. Callers treat this as "create new", not a fault.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrCacheMiss means the fast store has no window for the conversation.
	// The window must be rehydrated from the durable log.
	ErrCacheMiss = errors.New("window not cached")

	// ErrStoreUnavailable means the durable store is unreachable or timed
	// out. Fatal to the current turn.
	ErrStoreUnavailable = errors.New("durable store unavailable")

	// ErrCacheUnavailable means the fast store is unreachable or timed out.
	// Non-fatal: reads degrade to rehydration from the durable log.
	ErrCacheUnavailable = errors.New("fast store unavailable")

	// ErrGenerationTimeout means the reply generator exceeded its deadline.
	ErrGenerationTimeout = errors.New("reply generation timed out")

	// ErrGenerationError means the reply generator failed outright.
	ErrGenerationError = errors.New("reply generation failed")
)
