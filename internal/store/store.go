// Package store implements the durable, append-only conversation log.
// The log is the source of truth for message ordering: every append is
// assigned a strictly increasing sequence by the database.
package store

import (
	"context"

	"github.com/szaher/debatechat/internal/chat"
)

// Store is the durable log contract consumed by the context manager.
// Each call is individually atomic; the store offers no cross-call
// transaction, so multi-step consistency belongs to the caller.
type Store interface {
	// CreateConversation persists conversation metadata. The id must be set
	// by the caller and is immutable afterwards.
	CreateConversation(ctx context.Context, conv *chat.Conversation) error

	// FindConversation returns the metadata for id, or
	// chat.ErrConversationNotFound if the id is unknown.
	FindConversation(ctx context.Context, id string) (*chat.Conversation, error)

	// Append durably records one message and returns it with its assigned
	// sequence and timestamp.
	Append(ctx context.Context, conversationID string, role chat.Role, text string) (*chat.Message, error)

	// ReadLastN returns up to n most recent messages for a conversation,
	// newest first. Fewer than n messages means the conversation is short,
	// not an error.
	ReadLastN(ctx context.Context, conversationID string, n int) ([]chat.Message, error)

	// CountMessages returns the total number of messages in a conversation.
	CountMessages(ctx context.Context, conversationID string) (int64, error)
}
