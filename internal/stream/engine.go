package stream

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// Appender receives the messages the engine produces so the caller's
// buffer stays in sync with the stream.
type Appender interface {
	AddMessages(ctx context.Context, msgs []providers.Message) bool
}

// Request describes one streamed exchange.
type Request struct {
	Messages []providers.Message
	System   string
	Tools    []providers.ToolDefinition
	Model    string
	MaxTurns int
	Dialect  string // "anthropic" shapes tool results as blocks
}

// Engine drives a streamed multi-turn exchange: provider events in,
// StreamEvents out, tool batches dispatched between turns.
type Engine struct {
	client     providers.Client
	dispatcher *tools.Dispatcher
	hooks      Hooks
	log        *slog.Logger
}

func NewEngine(client providers.Client, dispatcher *tools.Dispatcher, hooks Hooks, log *slog.Logger) *Engine {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{client: client, dispatcher: dispatcher, hooks: hooks, log: log}
}

// turnOutcome carries what one streamed turn produced.
type turnOutcome struct {
	text      string
	thinking  []providers.ContentBlock
	toolUses  []providers.ContentBlock
	usage     providers.Usage
	messageID string
	failed    bool
}

// Run streams until the model produces a final text answer, a transfer,
// an error, or the turn budget runs out. Events are delivered on the
// returned channel, which closes when the exchange ends. Messages
// produced along the way are appended to sink.
func (e *Engine) Run(ctx context.Context, req Request, sink Appender) <-chan Event {
	events := make(chan Event, 32)
	go func() {
		defer close(events)
		e.run(ctx, req, sink, events)
	}()
	return events
}

func (e *Engine) run(ctx context.Context, req Request, sink Appender, events chan<- Event) {
	e.hooks.OnStreamStart()
	defer e.hooks.OnStreamEnd()

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}

	var accumulated string
	var totalUsage providers.Usage
	messages := append([]providers.Message(nil), req.Messages...)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	done := func(metadata map[string]interface{}) {
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["usage"] = usageMap(totalUsage)
		emit(Event{Type: EventAgentDone, Content: accumulated, Metadata: metadata})
	}

	for turn := 0; turn < maxTurns; turn++ {
		if !emit(Event{Type: EventStepStart, Metadata: map[string]interface{}{"turn": turn + 1}}) {
			return
		}

		outcome, ok := e.streamTurn(ctx, providers.CompletionRequest{
			Messages: messages,
			System:   req.System,
			Tools:    req.Tools,
			Model:    req.Model,
		}, &accumulated, events)
		if !ok {
			return
		}
		totalUsage.Add(outcome.usage)
		if outcome.failed {
			done(map[string]interface{}{"error": true})
			return
		}

		emit(Event{Type: EventStepEnd, Metadata: map[string]interface{}{"turn": turn + 1}})

		if len(outcome.toolUses) == 0 {
			assistant := providers.Message{Role: "assistant", Content: outcome.text, MsgID: outcome.messageID}
			sink.AddMessages(ctx, []providers.Message{assistant})
			done(nil)
			return
		}

		// Tool turn: the assistant message carries the text plus the
		// tool_use blocks, then the batch executes.
		var blocks []providers.ContentBlock
		if outcome.text != "" {
			blocks = append(blocks, providers.ContentBlock{Type: "text", Text: outcome.text})
		}
		blocks = append(blocks, outcome.thinking...)
		blocks = append(blocks, outcome.toolUses...)

		calls := make([]providers.ToolCall, 0, len(outcome.toolUses))
		for _, tu := range outcome.toolUses {
			calls = append(calls, providers.ToolCall{ID: tu.ID, Name: tu.Name, Arguments: tu.Input})
		}

		assistant := providers.Message{
			Role:      "assistant",
			Blocks:    blocks,
			ToolCalls: calls,
			MsgID:     outcome.messageID,
		}
		messages = append(messages, assistant)
		sink.AddMessages(ctx, []providers.Message{assistant})

		for _, call := range calls {
			e.hooks.OnToolStart(call.Name, call.Arguments)
			if !emit(Event{Type: EventToolStart, Content: call.Name, Metadata: map[string]interface{}{"id": call.ID}}) {
				return
			}
		}

		outcomeBatch := e.dispatcher.ExecuteBatch(ctx, calls)
		for _, cr := range outcomeBatch.Results {
			text := cr.Result.ForLLM
			if replaced, ok := e.hooks.OnToolEnd(cr.Call.Name, text); ok {
				text = replaced
				cr.Result.ForLLM = replaced
			}
			if !emit(Event{Type: EventToolEnd, Content: text, Metadata: map[string]interface{}{
				"id":          cr.Call.ID,
				"name":        cr.Call.Name,
				"is_error":    cr.Result.IsError,
				"accumulated": accumulated,
			}}) {
				return
			}
		}

		resultMsgs := outcomeBatch.ResultMessages(req.Dialect)
		messages = append(messages, resultMsgs...)
		sink.AddMessages(ctx, resultMsgs)

		if outcomeBatch.Transfer != nil {
			done(map[string]interface{}{
				"transfer_to":      outcomeBatch.Transfer.TargetAgentID,
				"transfer_message": outcomeBatch.Transfer.Message,
			})
			return
		}

		if img := outcomeBatch.ImageFollowUp(); img != nil {
			messages = append(messages, *img)
			sink.AddMessages(ctx, []providers.Message{*img})
		}
	}

	done(map[string]interface{}{"max_turns": true})
}

// streamTurn consumes one provider stream. Returns ok=false when the
// context was cancelled mid-stream.
func (e *Engine) streamTurn(ctx context.Context, req providers.CompletionRequest, accumulated *string, events chan<- Event) (turnOutcome, bool) {
	var out turnOutcome

	raw, err := e.client.StreamCompletion(ctx, req)
	if err != nil {
		return out, false
	}

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	seenTools := make(map[string]bool)
	for ev := range raw {
		switch ev.Type {
		case providers.RawMessageStart:
			out.messageID = ev.MessageID
			if ev.Usage != nil {
				out.usage = *ev.Usage
			}

		case providers.RawPing:
			// keepalive only

		case providers.RawError:
			msg := "stream error"
			if ev.Err != nil {
				msg = ev.Err.Message
			}
			e.log.Warn("stream error event", "error", msg)
			emit(Event{Type: EventError, Content: msg})
			out.failed = true
			return out, true

		case providers.RawContentBlockDelta:
			switch ev.DeltaType {
			case providers.DeltaText:
				delta := ev.Text
				if replaced, ok := e.hooks.OnTextChunk(delta); ok {
					delta = replaced
				}
				if delta == "" {
					continue
				}
				*accumulated += delta
				out.text += delta
				if !emit(Event{Type: EventText, Content: delta, Metadata: map[string]interface{}{"accumulated": *accumulated}}) {
					return out, false
				}
			case providers.DeltaThinking:
				if !emit(Event{Type: EventThinking, Content: ev.Thinking}) {
					return out, false
				}
			case providers.DeltaSignature:
				if !emit(Event{Type: EventThinkingSig, Content: ev.Signature}) {
					return out, false
				}
			}
			// input_json_delta accumulates provider-side; the complete
			// input arrives with content_block_stop.

		case providers.RawContentBlockStop:
			if ev.Block == nil {
				continue
			}
			switch ev.Block.Type {
			case "tool_use":
				if ev.Block.ID != "" && seenTools[ev.Block.ID] {
					continue
				}
				seenTools[ev.Block.ID] = true
				out.toolUses = append(out.toolUses, *ev.Block)
			case "thinking":
				out.thinking = append(out.thinking, *ev.Block)
			}

		case providers.RawMessageDelta:
			// Usage on message_delta is cumulative within the stream, so
			// replace rather than add. Fields the delta omits keep their
			// message_start values.
			if ev.Usage != nil {
				replaceUsage(&out.usage, *ev.Usage)
			}

		case providers.RawMessageStop:
			return out, true
		}
	}
	return out, ctx.Err() == nil
}

func replaceUsage(dst *providers.Usage, src providers.Usage) {
	if src.InputTokens > 0 {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens > 0 {
		dst.OutputTokens = src.OutputTokens
	}
	if src.CacheCreationInputTokens > 0 {
		dst.CacheCreationInputTokens = src.CacheCreationInputTokens
	}
	if src.CacheReadInputTokens > 0 {
		dst.CacheReadInputTokens = src.CacheReadInputTokens
	}
}

func usageMap(u providers.Usage) map[string]interface{} {
	return map[string]interface{}{
		"input_tokens":                u.InputTokens,
		"output_tokens":               u.OutputTokens,
		"cache_creation_input_tokens": u.CacheCreationInputTokens,
		"cache_read_input_tokens":     u.CacheReadInputTokens,
	}
}
