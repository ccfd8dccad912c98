package chat

import (
	"regexp"
	"strings"
)

// Opening is the best-effort reading of a conversation's first message.
// When no explicit markers are present the whole message becomes the topic
// and Explicit is false.
type Opening struct {
	Topic           string
	Stance          string
	OpeningArgument string
	Explicit        bool
}

// Marker patterns are intentionally loose: "Topic: X; Stance: for | ..."
// style first messages, case-insensitive, terminated by ';', '|' or EOL.
var (
	topicRe   = regexp.MustCompile(`(?i)\btopic\s*[:=]\s*(.*?)\s*(?:;|\||$)`)
	stanceRe  = regexp.MustCompile(`(?i)\bstance\s*[:=]\s*(.*?)\s*(?:;|\||$)`)
	openingRe = regexp.MustCompile(`(?i)\bopening(?:\s+argument)?\s*[:=]\s*(.*?)\s*(?:;|\||$)`)
)

// ParseOpening derives topic, stance and opening argument from the first
// user message. Pure function; storage logic never reaches in here.
func ParseOpening(text string) Opening {
	text = strings.TrimSpace(text)
	o := Opening{}

	if m := topicRe.FindStringSubmatch(text); m != nil {
		o.Topic = strings.TrimSpace(m[1])
	}
	if m := stanceRe.FindStringSubmatch(text); m != nil {
		o.Stance = strings.TrimSpace(m[1])
	}
	if m := openingRe.FindStringSubmatch(text); m != nil {
		o.OpeningArgument = strings.TrimSpace(m[1])
	}

	o.Explicit = o.Topic != "" || o.Stance != ""
	if o.Topic == "" {
		o.Topic = text
	}
	return o
}
