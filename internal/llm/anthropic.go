package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/szaher/debatechat/internal/chat"
)

const (
	defaultModel       = anthropic.ModelClaudeSonnet4_5
	defaultTimeout     = 20 * time.Second
	defaultMaxTokens   = 400
	defaultTemperature = 0.6
)

// AnthropicClient implements Client using the Anthropic Messages API.
type AnthropicClient struct {
	client      anthropic.Client
	model       anthropic.Model
	timeout     time.Duration
	maxTokens   int64
	temperature float64
}

// AnthropicOption configures an AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// WithModel overrides the model.
func WithModel(model string) AnthropicOption {
	return func(c *AnthropicClient) {
		if model != "" {
			c.model = anthropic.Model(model)
		}
	}
}

// WithTimeout bounds each generation call.
func WithTimeout(d time.Duration) AnthropicOption {
	return func(c *AnthropicClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewAnthropicClient creates a client with an explicit API key; an empty key
// falls back to ANTHROPIC_API_KEY from the environment.
func NewAnthropicClient(apiKey string, opts ...AnthropicOption) *AnthropicClient {
	var client anthropic.Client
	if apiKey != "" {
		client = anthropic.NewClient(option.WithAPIKey(apiKey))
	} else {
		client = anthropic.NewClient()
	}

	c := &AnthropicClient{
		client:      client,
		model:       defaultModel,
		timeout:     defaultTimeout,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate produces the next debate reply. Rate limits and transient
// upstream errors degrade to a stance-keeping fallback reply; a deadline
// overrun surfaces chat.ErrGenerationTimeout and anything else
// chat.ErrGenerationError.
func (c *AnthropicClient) Generate(ctx context.Context, ex Exchange) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: param.NewOpt(c.temperature),
		System: []anthropic.TextBlockParam{
			{Text: BuildSystemPrompt(ex.Topic, ex.Stance, ex.OpeningArgument)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock(BuildUserPrompt(ex.Latest, ex.Window)),
			),
		},
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("anthropic chat: %w", chat.ErrGenerationTimeout)
		}

		var apierr *anthropic.Error
		if errors.As(err, &apierr) && (apierr.StatusCode == 429 || apierr.StatusCode >= 500) {
			// Keep the conversation alive through quota and upstream blips.
			return FallbackReply(), nil
		}
		return "", fmt.Errorf("anthropic chat: %w: %v", chat.ErrGenerationError, err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}

	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("anthropic chat: empty completion: %w", chat.ErrGenerationError)
	}
	return text, nil
}

var _ Client = (*AnthropicClient)(nil)
