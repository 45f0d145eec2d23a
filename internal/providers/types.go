package providers

import "context"

// Client is the interface all LLM provider clients implement.
//
// Transport-level failures (HTTP non-200, timeout, decode) are returned as a
// typed ErrorResponse inside the CompletionResponse, never as the error
// value. The error value is reserved for context cancellation and
// request-construction bugs. Construction errors (missing key, unknown
// model) fail at client creation in NewClient.
type Client interface {
	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion sends a completion request and returns a channel of
	// provider-level events. The channel is closed after message_stop or a
	// terminal error event.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan RawEvent, error)

	// Model returns the configured model id.
	Model() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// CompletionRequest contains the input for a Complete/StreamCompletion call.
type CompletionRequest struct {
	Messages    []Message        `json:"messages"`
	System      string           `json:"system,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Model       string           `json:"model,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}

// Message represents a conversation message.
// Content carries plain text; Blocks carries structured content when the
// message holds tool_use/tool_result/image blocks. At most one of the two is
// populated by convention; Blocks wins when both are present.
type Message struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content,omitempty"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool" responses
	Name       string         `json:"name,omitempty"`         // originating agent on transfer messages
	MsgID      string         `json:"msg_id,omitempty"`       // assigned by storage on first persistence
}

// ContentBlock is one element of structured message content.
type ContentBlock struct {
	Type string `json:"type"` // "text", "thinking", "tool_use", "tool_result", "image"

	// text / thinking
	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64

	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl marks a block for provider-side prompt caching.
type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption for one call or an accumulated run.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates another usage record by addition.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// ErrorResponse is a typed transport/provider failure carried inside a
// CompletionResponse.
type ErrorResponse struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *ErrorResponse) Error() string { return e.Message }

// CompletionResponse is the result of a completion call: either an assistant
// message or a typed error, with accessor methods over the sum.
type CompletionResponse struct {
	Err *ErrorResponse `json:"error,omitempty"`

	MessageID  string         `json:"id,omitempty"`
	ModelID    string         `json:"model,omitempty"`
	Blocks     []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"` // "end_turn", "tool_use", "max_tokens"
	TokenUsage Usage          `json:"usage"`
}

// ErrResponse wraps a typed error into a CompletionResponse.
func ErrResponse(code, message string) *CompletionResponse {
	return &CompletionResponse{Err: &ErrorResponse{Code: code, Message: message}}
}

// Text returns the concatenated text blocks of the assistant message.
func (r *CompletionResponse) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the tool_use blocks as ToolCall values.
func (r *CompletionResponse) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range r.Blocks {
		if b.Type == "tool_use" {
			calls = append(calls, ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input})
		}
	}
	return calls
}

// Usage returns the token usage for this response.
func (r *CompletionResponse) Usage() Usage { return r.TokenUsage }

// ID returns the provider message id.
func (r *CompletionResponse) ID() string { return r.MessageID }

// ToParams reformats the response as an assistant message suitable for
// re-appending to the conversation buffer.
func (r *CompletionResponse) ToParams() Message {
	if r.Err != nil {
		return Message{Role: "assistant", Content: r.Err.Message}
	}
	msg := Message{Role: "assistant", Blocks: r.Blocks, MsgID: r.MessageID}
	if calls := r.ToolCalls(); len(calls) > 0 {
		msg.ToolCalls = calls
	}
	if len(msg.Blocks) == 0 {
		msg.Content = r.Text()
	}
	return msg
}

// Provider event types produced by StreamCompletion.
const (
	RawMessageStart      = "message_start"
	RawPing              = "ping"
	RawError             = "error"
	RawContentBlockStart = "content_block_start"
	RawContentBlockDelta = "content_block_delta"
	RawContentBlockStop  = "content_block_stop"
	RawMessageDelta      = "message_delta"
	RawMessageStop       = "message_stop"
)

// Delta kinds inside a content_block_delta event.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
	DeltaInputJSON = "input_json_delta"
)

// RawEvent is one provider-level streaming event, normalized across
// provider dialects.
type RawEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// content_block_delta
	DeltaType   string `json:"delta_type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`

	// content_block_start / content_block_stop (complete block at stop)
	Block *ContentBlock `json:"block,omitempty"`

	// message_start / message_delta
	MessageID  string `json:"message_id,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`

	// error
	Err *ErrorResponse `json:"error,omitempty"`
}
