package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// TransferName is the tool name that hands the conversation to another
// agent. The dispatcher treats it specially; it never executes.
const TransferName = "transfer_to_agent"

// defaultCallTimeout bounds a single tool execution.
const defaultCallTimeout = 60 * time.Second

// TransferRequest captures a transfer_to_agent call for the manager.
type TransferRequest struct {
	TargetAgentID string
	Message       string
	ToolCallID    string
}

// CallResult pairs a tool call with its execution result.
type CallResult struct {
	Call   providers.ToolCall
	Result *Result
}

// Outcome is the dispatcher's return value: either a full set of
// results, or a transfer that short-circuits the batch. Exactly one of
// Transfer being nil or non-nil distinguishes the two.
type Outcome struct {
	Results  []CallResult
	Transfer *TransferRequest
}

// Dispatcher executes tool call batches against a registry.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	log      *slog.Logger
}

func NewDispatcher(registry *Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: registry, timeout: defaultCallTimeout, log: log}
}

// ExecuteBatch runs a batch of tool calls. Multiple calls run in
// parallel; results come back in input order regardless of completion
// order. A transfer_to_agent call short-circuits the batch: remaining
// calls are answered with a skipped notice instead of executing.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, calls []providers.ToolCall) Outcome {
	if len(calls) == 0 {
		return Outcome{}
	}

	// Transfer short-circuit. Check before executing anything so a
	// transfer alongside other calls does not leave half-run work behind.
	for _, tc := range calls {
		if normalizeName(tc.Name) != TransferName {
			continue
		}
		transfer := parseTransfer(tc)
		results := make([]CallResult, 0, len(calls))
		for _, c := range calls {
			var res *Result
			if c.ID == tc.ID {
				res = SilentResult(fmt.Sprintf("Transferring to agent %s.", transfer.TargetAgentID))
			} else {
				res = SilentResult("Skipped: conversation transferred to another agent.")
			}
			results = append(results, CallResult{Call: c, Result: res})
		}
		return Outcome{Results: results, Transfer: transfer}
	}

	if len(calls) == 1 {
		return Outcome{Results: []CallResult{{Call: calls[0], Result: d.executeOne(ctx, calls[0])}}}
	}

	type indexed struct {
		idx int
		res *Result
	}
	resultCh := make(chan indexed, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			resultCh <- indexed{idx: idx, res: d.executeOne(ctx, tc)}
		}(i, tc)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexed, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	results := make([]CallResult, len(calls))
	for _, r := range collected {
		results[r.idx] = CallResult{Call: calls[r.idx], Result: r.res}
	}
	return Outcome{Results: results}
}

func (d *Dispatcher) executeOne(ctx context.Context, tc providers.ToolCall) *Result {
	name := normalizeName(tc.Name)
	tool, ok := d.registry.Get(name)
	if !ok {
		d.log.Warn("unknown tool requested", "tool", tc.Name)
		return ErrorResult(fmt.Sprintf("unknown tool: %s", tc.Name))
	}

	argsJSON, _ := json.Marshal(tc.Arguments)
	d.log.Info("tool call", "tool", name, "args_len", len(argsJSON))

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan *Result, 1)
	go func() { done <- tool.Execute(ctx, tc.Arguments) }()

	select {
	case res := <-done:
		if res == nil {
			res = ErrorResult("tool returned no result")
		}
		if res.IsError {
			msg := res.ForLLM
			if len(msg) > 200 {
				msg = msg[:200] + "..."
			}
			d.log.Warn("tool error", "tool", name, "error", msg)
		}
		return res
	case <-ctx.Done():
		d.log.Warn("tool timed out", "tool", name, "timeout", d.timeout)
		return ErrorResult(fmt.Sprintf("tool %s timed out after %s", name, d.timeout))
	}
}

// normalizeName strips dotted namespace prefixes some models emit,
// e.g. "functions.bash" resolves to "bash".
func normalizeName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// ResultMessages converts an outcome into provider messages. The
// Anthropic dialect wants tool_result blocks on a user message; every
// other dialect takes role "tool" messages keyed by tool call id.
func (o Outcome) ResultMessages(dialect string) []providers.Message {
	if len(o.Results) == 0 {
		return nil
	}
	if dialect == "anthropic" {
		blocks := make([]providers.ContentBlock, 0, len(o.Results))
		for _, cr := range o.Results {
			blocks = append(blocks, providers.ContentBlock{
				Type:      "tool_result",
				ToolUseID: cr.Call.ID,
				Content:   cr.Result.ForLLM,
				IsError:   cr.Result.IsError,
			})
		}
		return []providers.Message{{Role: "user", Blocks: blocks}}
	}

	msgs := make([]providers.Message, 0, len(o.Results))
	for _, cr := range o.Results {
		msgs = append(msgs, providers.Message{
			Role:       "tool",
			Content:    cr.Result.ForLLM,
			ToolCallID: cr.Call.ID,
			Name:       normalizeName(cr.Call.Name),
		})
	}
	return msgs
}

// ImageFollowUp collects base64 images produced by the batch into one
// user message, or nil when no tool returned images.
func (o Outcome) ImageFollowUp() *providers.Message {
	var blocks []providers.ContentBlock
	for _, cr := range o.Results {
		blocks = append(blocks, cr.Result.Images...)
	}
	if len(blocks) == 0 {
		return nil
	}
	blocks = append(blocks, providers.ContentBlock{
		Type: "text",
		Text: "Images produced by the previous tool calls are attached above.",
	})
	return &providers.Message{Role: "user", Blocks: blocks}
}

func parseTransfer(tc providers.ToolCall) *TransferRequest {
	target, _ := tc.Arguments["agent_id"].(string)
	message, _ := tc.Arguments["message"].(string)
	return &TransferRequest{TargetAgentID: target, Message: message, ToolCallID: tc.ID}
}
