package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OpenAIClient implements Client for OpenAI-compatible APIs. The Gemini and
// Cue-proxy variants reuse it with a different base URL and provider name.
type OpenAIClient struct {
	name        string
	apiKey      string
	apiBase     string
	model       string
	client      *http.Client
	retryConfig RetryConfig
}

func NewOpenAIClient(name, apiKey, apiBase, model string) *OpenAIClient {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		name:        name,
		apiKey:      apiKey,
		apiBase:     strings.TrimRight(apiBase, "/"),
		model:       model,
		client:      &http.Client{Timeout: 120 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
}

func (c *OpenAIClient) Name() string  { return c.name }
func (c *OpenAIClient) Model() string { return c.model }

// isReasoningModel reports whether the model cannot emit structured tool
// calls (o1 family). For these, tool schemas are injected into the system
// prompt and a JSON directive in the text is converted back to a tool call.
func (c *OpenAIClient) isReasoningModel() bool {
	return strings.HasPrefix(c.model, "o1")
}

func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body := c.buildRequestBody(req, false)

	respBody, err := RetryDo(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		return c.doRequest(ctx, body)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return ErrResponse("request_failed", err.Error()), nil
	}
	defer respBody.Close()

	var resp openAIResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return ErrResponse("decode_failed", fmt.Sprintf("%s: decode response: %v", c.name, err)), nil
	}
	return c.parseResponse(&resp), nil
}

// StreamCompletion maps the OpenAI SSE chunk dialect onto the normalized
// RawEvent vocabulary: content deltas become text content_block_deltas, and
// accumulated tool-call fragments are emitted as complete tool_use blocks at
// end of stream.
func (c *OpenAIClient) StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan RawEvent, error) {
	body := c.buildRequestBody(req, true)

	respBody, err := RetryDo(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		return c.doRequest(ctx, body)
	})

	events := make(chan RawEvent, 16)
	if err != nil {
		if ctx.Err() != nil {
			close(events)
			return events, ctx.Err()
		}
		go func() {
			defer close(events)
			events <- RawEvent{Type: RawError, Err: &ErrorResponse{Code: "request_failed", Message: err.Error()}}
		}()
		return events, nil
	}

	go func() {
		defer close(events)
		defer respBody.Close()
		c.readStream(ctx, respBody, events)
	}()
	return events, nil
}

type toolCallAccumulator struct {
	id   string
	name string
	args string
}

func (c *OpenAIClient) readStream(ctx context.Context, r io.Reader, events chan<- RawEvent) {
	emit := func(ev RawEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	accumulators := make(map[int]*toolCallAccumulator)
	started := false
	stopReason := "end_turn"
	var usage *Usage

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if !started {
			if !emit(RawEvent{Type: RawMessageStart, MessageID: chunk.ID}) {
				return
			}
			started = true
		}

		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !emit(RawEvent{Type: RawContentBlockDelta, DeltaType: DeltaText, Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc, ok := accumulators[tc.Index]
				if !ok {
					acc = &toolCallAccumulator{}
					accumulators[tc.Index] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args += tc.Function.Arguments
			}
			switch choice.FinishReason {
			case "tool_calls":
				stopReason = "tool_use"
			case "length":
				stopReason = "max_tokens"
			}
		}
	}

	// Flush accumulated tool calls as complete tool_use blocks.
	for idx := 0; idx < len(accumulators); idx++ {
		acc, ok := accumulators[idx]
		if !ok {
			continue
		}
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(acc.args), &args)
		block := ContentBlock{Type: "tool_use", ID: acc.id, Name: acc.name, Input: args}
		if !emit(RawEvent{Type: RawContentBlockStop, Index: idx, Block: &block}) {
			return
		}
	}

	emit(RawEvent{Type: RawMessageDelta, StopReason: stopReason, Usage: usage})
	emit(RawEvent{Type: RawMessageStop})
}

func (c *OpenAIClient) buildRequestBody(req CompletionRequest, stream bool) map[string]interface{} {
	model := req.Model
	if model == "" {
		model = c.model
	}

	system := req.System
	if c.isReasoningModel() && len(req.Tools) > 0 {
		system = injectToolSchema(system, req.Tools)
	}

	var messages []map[string]interface{}
	if system != "" {
		role := "system"
		if c.isReasoningModel() {
			role = "user" // o1 has no system role
		}
		messages = append(messages, map[string]interface{}{"role": role, "content": system})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			m := map[string]interface{}{"role": "assistant", "content": messageText(msg)}
			if len(msg.ToolCalls) > 0 {
				var calls []map[string]interface{}
				for _, tc := range msg.ToolCalls {
					args, _ := json.Marshal(tc.Arguments)
					calls = append(calls, map[string]interface{}{
						"id":   tc.ID,
						"type": "function",
						"function": map[string]interface{}{
							"name":      tc.Name,
							"arguments": string(args),
						},
					})
				}
				m["tool_calls"] = calls
			}
			messages = append(messages, m)
		case "tool":
			messages = append(messages, map[string]interface{}{
				"role":         "tool",
				"tool_call_id": msg.ToolCallID,
				"content":      messageText(msg),
			})
		default:
			messages = append(messages, map[string]interface{}{
				"role":    msg.Role,
				"content": messageText(msg),
			})
		}
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 && !c.isReasoningModel() {
		body["temperature"] = req.Temperature
	}

	if len(req.Tools) > 0 && !c.isReasoningModel() {
		var tools []map[string]interface{}
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	return body
}

// messageText flattens structured blocks into plain text for the OpenAI
// dialect, which has no block representation outside tool calls.
func messageText(msg Message) string {
	if len(msg.Blocks) == 0 {
		return msg.Content
	}
	var sb strings.Builder
	for _, b := range msg.Blocks {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "tool_result":
			sb.WriteString(b.Content)
		}
	}
	return sb.String()
}

func (c *OpenAIClient) doRequest(ctx context.Context, body map[string]interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &httpStatusError{
			status: resp.StatusCode,
			body:   fmt.Sprintf("%s: HTTP %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(b))),
		}
	}
	return resp.Body, nil
}

func (c *OpenAIClient) parseResponse(resp *openAIResponse) *CompletionResponse {
	out := &CompletionResponse{
		MessageID: resp.ID,
		ModelID:   resp.Model,
		TokenUsage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		out.StopReason = "end_turn"
		return out
	}

	choice := resp.Choices[0]
	switch choice.FinishReason {
	case "tool_calls":
		out.StopReason = "tool_use"
	case "length":
		out.StopReason = "max_tokens"
	default:
		out.StopReason = "end_turn"
	}

	text := choice.Message.Content
	if text != "" {
		out.Blocks = append(out.Blocks, ContentBlock{Type: "text", Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.Blocks = append(out.Blocks, ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  strings.TrimSpace(tc.Function.Name),
			Input: args,
		})
	}

	// Reasoning models emit tool directives as JSON in the text body.
	if c.isReasoningModel() && len(choice.Message.ToolCalls) == 0 {
		if block := parseJSONToolDirective(text); block != nil {
			out.Blocks = []ContentBlock{*block}
			out.StopReason = "tool_use"
		}
	}
	return out
}

// injectToolSchema appends tool definitions to the system prompt for models
// without native function calling.
func injectToolSchema(system string, tools []ToolDefinition) string {
	var sb strings.Builder
	sb.WriteString(system)
	sb.WriteString("\n\nAvailable tools (respond with JSON {\"tool\": name, \"input\": {...}} to invoke):\n")
	for _, t := range tools {
		params, _ := json.Marshal(t.Parameters)
		fmt.Fprintf(&sb, "- %s: %s %s\n", t.Name, t.Description, params)
	}
	return sb.String()
}

// parseJSONToolDirective converts a {"tool": ..., "input": ...} text body
// into a tool_use block. Returns nil when the text is not a directive.
func parseJSONToolDirective(text string) *ContentBlock {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var directive struct {
		Tool  string                 `json:"tool"`
		Input map[string]interface{} `json:"input"`
	}
	if err := json.Unmarshal([]byte(trimmed), &directive); err != nil || directive.Tool == "" {
		return nil
	}
	return &ContentBlock{
		Type:  "tool_use",
		ID:    "call_" + uuid.NewString(),
		Name:  directive.Tool,
		Input: directive.Input,
	}
}

// OpenAI wire types.

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIStreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Delta        struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}
