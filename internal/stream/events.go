// Package stream turns provider event streams into typed StreamEvents
// with tool interleaving, hook callbacks, and usage accounting.
package stream

// EventType identifies a StreamEvent variant.
type EventType string

const (
	EventText             EventType = "text"
	EventThinking         EventType = "thinking"
	EventThinkingSig      EventType = "thinking_signature"
	EventToolStart        EventType = "tool_start"
	EventToolEnd          EventType = "tool_end"
	EventStepStart        EventType = "step_start"
	EventStepEnd          EventType = "step_end"
	EventAgentDone        EventType = "agent_done"
	EventConversationDone EventType = "conversation_done"
	EventError            EventType = "error"
)

// Event is one unit of incremental delivery.
type Event struct {
	Type     EventType              `json:"type"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Hooks observes and optionally transforms the stream. OnTextChunk and
// OnToolEnd may return a replacement with ok=true; ok=false passes the
// original through unchanged.
type Hooks interface {
	OnStreamStart()
	OnTextChunk(chunk string) (replacement string, ok bool)
	OnToolStart(name string, input map[string]interface{})
	OnToolEnd(name, result string) (replacement string, ok bool)
	OnStreamEnd()
}

// NopHooks passes everything through. Embed it to override selectively.
type NopHooks struct{}

func (NopHooks) OnStreamStart()                             {}
func (NopHooks) OnTextChunk(string) (string, bool)          { return "", false }
func (NopHooks) OnToolStart(string, map[string]interface{}) {}
func (NopHooks) OnToolEnd(string, string) (string, bool)    { return "", false }
func (NopHooks) OnStreamEnd()                               {}
