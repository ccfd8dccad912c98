package llm

import (
	"fmt"
	"strings"

	"github.com/szaher/debatechat/internal/chat"
)

// Defaults used when the first message yielded no explicit seed.
const (
	defaultTopic  = "Use the initial instruction as the topic."
	defaultStance = "Adopt a clear position based on the initial instruction and defend it."
)

// BuildSystemPrompt produces the system prompt that keeps the assistant on
// topic and on stance across the whole conversation. An opening argument, when
// present, anchors the line of argumentation.
func BuildSystemPrompt(topic, stance, openingArgument string) string {
	if topic == "" {
		topic = defaultTopic
	}
	if stance == "" {
		stance = defaultStance
	}
	opening := ""
	if openingArgument != "" {
		opening = fmt.Sprintf("Opening argument to build on: %s\n", openingArgument)
	}
	return "You are a debate assistant.\n" +
		"Your objective is to firmly defend your assigned position and persuade the other side.\n" +
		"Stay on topic, be coherent, avoid fallacies, and do not switch sides unless explicitly instructed.\n" +
		"Use concise, well-structured arguments, anticipate counterpoints, and remain civil.\n\n" +
		fmt.Sprintf("Topic: %s\n", topic) +
		fmt.Sprintf("Your stance: %s\n", stance) +
		opening + "\n" +
		"Global requirements:\n" +
		"- Always reply in the user's language, detected from the latest user message. " +
		"If the user switches languages, switch accordingly.\n" +
		"- Maintain the same stance throughout the conversation. " +
		"Acknowledge concerns without conceding the core position.\n" +
		"- Be persuasive; provide reasons, short evidence summaries, and analogies when helpful.\n" +
		"- Keep responses within a few paragraphs; avoid excessive verbosity.\n"
}

// BuildUserPrompt folds the recent window (oldest first) and the latest user
// message into a compact transcript prompt.
func BuildUserPrompt(latest string, window []chat.Message) string {
	var lines []string
	for _, msg := range window {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		switch msg.Role {
		case chat.RoleUser:
			lines = append(lines, "User: "+text)
		case chat.RoleBot:
			lines = append(lines, "Assistant: "+text)
		default:
			lines = append(lines, string(msg.Role)+": "+text)
		}
	}

	history := "(no prior context)"
	if len(lines) > 0 {
		history = strings.Join(lines, "\n")
	}

	return "Conversation so far (oldest first):\n" +
		history + "\n\n" +
		"New message from user:\n" +
		latest + "\n\n" +
		"Using the conversation history above and maintaining your stance, provide a persuasive reply."
}

// FallbackReply is the stance-keeping reply used when the upstream model is
// rate limited or transiently failing, so the conversation stays alive.
func FallbackReply() string {
	return "I am experiencing temporary delays. Here is a concise argument maintaining my stance: " +
		"the position remains well supported by the points already presented."
}
