package contextwindow

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// charsPerToken is the heuristic ratio used when no calibration data is
// available. Good enough for truncation thresholds; real counts come back
// from the provider in Usage.
const charsPerToken = 4

// messageOverheadTokens covers role markers and message framing.
const messageOverheadTokens = 4

// TokenCounter estimates token counts for messages without a tokenizer.
type TokenCounter struct{}

// CountText returns a rough token estimate for a string.
func (TokenCounter) CountText(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	t := n / charsPerToken
	if t == 0 {
		t = 1
	}
	return t
}

// CountMessage estimates tokens for a single message including its
// blocks and tool calls.
func (c TokenCounter) CountMessage(m providers.Message) int {
	total := messageOverheadTokens
	total += c.CountText(m.Content)
	for _, b := range m.Blocks {
		total += c.CountText(b.Text)
		total += c.CountText(b.Thinking)
		if b.Input != nil {
			if raw, err := json.Marshal(b.Input); err == nil {
				total += c.CountText(string(raw))
			}
		}
		total += c.CountText(b.Content)
		// Base64 image payloads are counted by the provider, not here;
		// a flat charge keeps estimates from exploding.
		if b.Type == "image" {
			total += 1600
		}
	}
	for _, tc := range m.ToolCalls {
		total += c.CountText(tc.Name)
		if raw, err := json.Marshal(tc.Arguments); err == nil {
			total += c.CountText(string(raw))
		}
	}
	return total
}

// CountMessages estimates tokens across a slice of messages.
func (c TokenCounter) CountMessages(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.CountMessage(m)
	}
	return total
}
