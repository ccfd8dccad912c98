// Package llm defines the reply generator abstraction for the debate chat
// service and its Anthropic implementation.
package llm

import (
	"context"

	"github.com/szaher/debatechat/internal/chat"
)

// Exchange carries everything a generator needs to produce the next debate
// reply: the conversation seed, the recent window oldest first, and the
// latest user message.
type Exchange struct {
	Topic           string
	Stance          string
	OpeningArgument string
	Window          []chat.Message
	Latest          string
}

// Client produces the bot's reply for one turn. Implementations surface
// chat.ErrGenerationTimeout when the deadline is exceeded and
// chat.ErrGenerationError for hard upstream failures.
type Client interface {
	Generate(ctx context.Context, ex Exchange) (string, error)
}
