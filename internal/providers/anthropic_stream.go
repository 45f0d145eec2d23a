package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// StreamCompletion opens an SSE stream and converts Anthropic events into
// normalized RawEvents. Only the connection phase is retried; once streaming
// starts there is no retry.
func (c *AnthropicClient) StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan RawEvent, error) {
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

func (c *AnthropicClient) readStream(ctx context.Context, r io.Reader, events chan<- RawEvent) {
	// Per-index block state: tool_use input JSON accumulates until stop.
	type blockState struct {
		block     ContentBlock
		inputJSON string
	}
	blocks := make(map[int]*blockState)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // large lines for thinking chunks
	var currentEvent string

	emit := func(ev RawEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				usage := Usage{
					InputTokens:              ev.Message.Usage.InputTokens,
					OutputTokens:             ev.Message.Usage.OutputTokens,
					CacheCreationInputTokens: ev.Message.Usage.CacheCreationInputTokens,
					CacheReadInputTokens:     ev.Message.Usage.CacheReadInputTokens,
				}
				if !emit(RawEvent{Type: RawMessageStart, MessageID: ev.Message.ID, Usage: &usage}) {
					return
				}
			}

		case "ping":
			if !emit(RawEvent{Type: RawPing}) {
				return
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				bs := &blockState{block: ContentBlock{
					Type: ev.ContentBlock.Type,
					ID:   ev.ContentBlock.ID,
					Name: strings.TrimSpace(ev.ContentBlock.Name),
				}}
				blocks[ev.Index] = bs
				if !emit(RawEvent{Type: RawContentBlockStart, Index: ev.Index, Block: &ContentBlock{Type: bs.block.Type, ID: bs.block.ID, Name: bs.block.Name}}) {
					return
				}
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			bs := blocks[ev.Index]
			out := RawEvent{Type: RawContentBlockDelta, Index: ev.Index, DeltaType: ev.Delta.Type}
			switch ev.Delta.Type {
			case "text_delta":
				out.Text = ev.Delta.Text
				if bs != nil {
					bs.block.Text += ev.Delta.Text
				}
			case "thinking_delta":
				out.Thinking = ev.Delta.Thinking
				if bs != nil {
					bs.block.Thinking += ev.Delta.Thinking
				}
			case "signature_delta":
				out.Signature = ev.Delta.Signature
				if bs != nil {
					bs.block.Signature += ev.Delta.Signature
				}
			case "input_json_delta":
				out.PartialJSON = ev.Delta.PartialJSON
				if bs != nil {
					bs.inputJSON += ev.Delta.PartialJSON
				}
			}
			if !emit(out) {
				return
			}

		case "content_block_stop":
			var ev anthropicContentBlockStopEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			bs := blocks[ev.Index]
			if bs == nil {
				continue
			}
			if bs.block.Type == "tool_use" && bs.inputJSON != "" {
				args := make(map[string]interface{})
				_ = json.Unmarshal([]byte(bs.inputJSON), &args)
				bs.block.Input = args
			}
			complete := bs.block
			if !emit(RawEvent{Type: RawContentBlockStop, Index: ev.Index, Block: &complete}) {
				return
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				out := RawEvent{Type: RawMessageDelta, StopReason: ev.Delta.StopReason}
				out.Usage = &Usage{
					InputTokens:              ev.Usage.InputTokens,
					OutputTokens:             ev.Usage.OutputTokens,
					CacheCreationInputTokens: ev.Usage.CacheCreationInputTokens,
					CacheReadInputTokens:     ev.Usage.CacheReadInputTokens,
				}
				if !emit(out) {
					return
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				emit(RawEvent{Type: RawError, Err: &ErrorResponse{Code: ev.Error.Type, Message: ev.Error.Message}})
				return
			}

		case "message_stop":
			emit(RawEvent{Type: RawMessageStop})
			return
		}
	}
}

// Anthropic SSE wire types.

type anthropicMessageStartEvent struct {
	Message struct {
		ID    string         `json:"id"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		Signature   string `json:"signature"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type anthropicContentBlockStopEvent struct {
	Index int `json:"index"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
