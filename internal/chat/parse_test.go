package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOpening(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Opening
	}{
		{
			name: "full markers",
			text: "Topic: The Earth is flat; Stance: for. Opening argument: horizon looks flat.",
			want: Opening{
				Topic:           "The Earth is flat",
				Stance:          "for. Opening argument: horizon looks flat.",
				OpeningArgument: "horizon looks flat.",
				Explicit:        true,
			},
		},
		{
			name: "semicolon separated",
			text: "topic: remote work; stance: against; opening: offices build trust",
			want: Opening{
				Topic:           "remote work",
				Stance:          "against",
				OpeningArgument: "offices build trust",
				Explicit:        true,
			},
		},
		{
			name: "pipe separated with equals",
			text: "Topic = cats | Stance = for",
			want: Opening{Topic: "cats", Stance: "for", Explicit: true},
		},
		{
			name: "no markers falls back to whole text as topic",
			text: "  I think pineapple belongs on pizza  ",
			want: Opening{Topic: "I think pineapple belongs on pizza"},
		},
		{
			name: "stance only still explicit",
			text: "stance: for",
			want: Opening{Topic: "stance: for", Stance: "for", Explicit: true},
		},
		{
			name: "empty message",
			text: "",
			want: Opening{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOpening(tt.text))
		})
	}
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleBot.Valid())
	assert.False(t, Role("assistant").Valid())
	assert.False(t, Role("").Valid())
}
