package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// scriptedClient replays canned responses, one per Complete call. The
// last response repeats if the loop outruns the script.
type scriptedClient struct {
	responses []*providers.CompletionResponse
	calls     int
}

func (c *scriptedClient) Complete(context.Context, providers.CompletionRequest) (*providers.CompletionResponse, error) {
	i := c.calls
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	c.calls++
	return c.responses[i], nil
}

func (c *scriptedClient) StreamCompletion(context.Context, providers.CompletionRequest) (<-chan providers.RawEvent, error) {
	return nil, errors.New("not scripted")
}

func (c *scriptedClient) Model() string { return "test-model" }
func (c *scriptedClient) Name() string  { return "test" }

func textResp(text string) *providers.CompletionResponse {
	return &providers.CompletionResponse{
		MessageID:  "msg_text",
		Blocks:     []providers.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		TokenUsage: providers.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolResp(id, name string, args map[string]interface{}) *providers.CompletionResponse {
	return &providers.CompletionResponse{
		MessageID:  "msg_tool",
		Blocks:     []providers.ContentBlock{{Type: "tool_use", ID: id, Name: name, Input: args}},
		StopReason: "tool_use",
		TokenUsage: providers.Usage{InputTokens: 20, OutputTokens: 8},
	}
}

type echoTool struct{}

func (echoTool) Name() string                       { return "echo" }
func (echoTool) Description() string                { return "echoes" }
func (echoTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (echoTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	s, _ := args["text"].(string)
	return tools.SilentResult("echo: " + s)
}

func newTestAgent(t *testing.T, primary bool, client providers.Client) *Agent {
	t.Helper()
	spec := config.AgentSpec{
		ID:               "main",
		IsPrimary:        primary,
		Model:            "claude-sonnet-4",
		Instruction:      "You are the test agent.",
		MaxTurns:         5,
		MaxContextTokens: 8000,
		MinTokensToKeep:  2000,
	}
	if !primary {
		spec.ID = "helper"
	}
	a, err := New(spec, providers.Keys{}, WithClient(client))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	reg := tools.NewRegistry()
	reg.Register(echoTool{})
	reg.Register(tools.NewTransferTool([]string{"helper", "main"}))
	a.Initialize(context.Background(), reg, tools.NewDispatcher(reg, nil))
	return a
}

func meta(maxTurns int) *RunMetadata {
	return &RunMetadata{ID: "run_1", Mode: ModeTest, MaxTurns: maxTurns}
}

func TestLoop_SingleTextTurn(t *testing.T) {
	client := &scriptedClient{responses: []*providers.CompletionResponse{textResp("hello there")}}
	a := newTestAgent(t, true, client)
	a.AddMessage(context.Background(), providers.Message{Role: "user", Content: "hi there"})

	var delivered []*providers.CompletionResponse
	loop := NewLoop(a, config.EnvTest)
	m := meta(5)
	res, err := loop.Run(context.Background(), m, func(r *providers.CompletionResponse) {
		delivered = append(delivered, r)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Transfer != nil {
		t.Fatalf("unexpected transfer: %+v", res.Transfer)
	}
	if got := res.Response.Text(); got != "hello there" {
		t.Errorf("response text = %q", got)
	}
	if m.CurrentTurn != 1 {
		t.Errorf("current turn = %d, want 1", m.CurrentTurn)
	}
	if len(delivered) != 1 {
		t.Errorf("callback fired %d times, want 1", len(delivered))
	}

	msgs := a.Window().GetMessages()
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("buffer = %+v", msgs)
	}
}

func TestLoop_ToolCallThenFinal(t *testing.T) {
	client := &scriptedClient{responses: []*providers.CompletionResponse{
		toolResp("tu_1", "echo", map[string]interface{}{"text": "ping"}),
		textResp("all done"),
	}}
	a := newTestAgent(t, true, client)
	a.AddMessage(context.Background(), providers.Message{Role: "user", Content: "please echo"})

	m := meta(5)
	res, err := NewLoop(a, config.EnvTest).Run(context.Background(), m, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response.Text() != "all done" {
		t.Errorf("final text = %q", res.Response.Text())
	}
	if m.CurrentTurn != 2 {
		t.Errorf("current turn = %d, want 2", m.CurrentTurn)
	}

	// Buffer order: user, assistant tool_use, tool result, assistant text.
	msgs := a.Window().GetMessages()
	if len(msgs) != 4 {
		t.Fatalf("buffer has %d messages: %+v", len(msgs), msgs)
	}
	if msgs[1].Role != "assistant" || len(msgs[1].ToolCalls) != 1 {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
	// Anthropic dialect carries results as a user message of tool_result blocks.
	if msgs[2].Role != "user" || len(msgs[2].Blocks) != 1 || msgs[2].Blocks[0].ToolUseID != "tu_1" {
		t.Errorf("msgs[2] = %+v", msgs[2])
	}
	if !strings.Contains(msgs[2].Blocks[0].Content, "echo: ping") {
		t.Errorf("tool result content = %q", msgs[2].Blocks[0].Content)
	}
	if msgs[3].Role != "assistant" {
		t.Errorf("msgs[3] = %+v", msgs[3])
	}
}

func TestLoop_SecondaryReturnsToPrimary(t *testing.T) {
	client := &scriptedClient{responses: []*providers.CompletionResponse{textResp("subtask finished")}}
	a := newTestAgent(t, false, client)

	res, err := NewLoop(a, config.EnvTest).Run(context.Background(), meta(5), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Transfer == nil || !res.Transfer.TransferToPrimary {
		t.Fatalf("expected transfer to primary, got %+v", res)
	}
	if res.Transfer.Message != "subtask finished" {
		t.Errorf("transfer message = %q", res.Transfer.Message)
	}
}

func TestLoop_TransferToolEndsRun(t *testing.T) {
	client := &scriptedClient{responses: []*providers.CompletionResponse{
		toolResp("tu_t", tools.TransferName, map[string]interface{}{"agent_id": "helper", "message": "take over"}),
	}}
	a := newTestAgent(t, true, client)

	m := meta(5)
	res, err := NewLoop(a, config.EnvTest).Run(context.Background(), m, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Transfer == nil || res.Transfer.ToAgentID != "helper" {
		t.Fatalf("transfer = %+v", res.Transfer)
	}
	if res.Transfer.Message != "take over" {
		t.Errorf("transfer message = %q", res.Transfer.Message)
	}
	if res.Transfer.Run != m {
		t.Errorf("run metadata not attached to transfer")
	}
	if client.calls != 1 {
		t.Errorf("client called %d times, want 1", client.calls)
	}
}

func TestLoop_ErrorResponseContinues(t *testing.T) {
	client := &scriptedClient{responses: []*providers.CompletionResponse{
		providers.ErrResponse("overloaded", "try again later"),
		textResp("recovered"),
	}}
	a := newTestAgent(t, true, client)

	res, err := NewLoop(a, config.EnvTest).Run(context.Background(), meta(5), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response.Text() != "recovered" {
		t.Errorf("final text = %q", res.Response.Text())
	}
	msgs := a.Window().GetMessages()
	if len(msgs) != 2 || !strings.Contains(msgs[0].Content, "try again later") {
		t.Errorf("buffer = %+v", msgs)
	}
}

func TestLoop_ProductionSummarizeAtLimit(t *testing.T) {
	client := &scriptedClient{responses: []*providers.CompletionResponse{
		toolResp("tu_a", "echo", map[string]interface{}{"text": "x"}),
		toolResp("tu_b", "echo", map[string]interface{}{"text": "y"}),
	}}
	a := newTestAgent(t, true, client)

	res, err := NewLoop(a, config.EnvProduction).Run(context.Background(), meta(1), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res == nil {
		t.Fatal("nil result")
	}
	// One normal turn, then the summarize nudge buys exactly one more.
	if client.calls != 2 {
		t.Errorf("client called %d times, want 2", client.calls)
	}
	var sawNudge bool
	for _, m := range a.Window().GetMessages() {
		if m.Role == "user" && strings.Contains(m.Content, "summarize") {
			sawNudge = true
		}
	}
	if !sawNudge {
		t.Error("summarize nudge not appended at turn limit")
	}
}

func TestLoop_DevelopmentConfirmExtends(t *testing.T) {
	client := &scriptedClient{responses: []*providers.CompletionResponse{
		toolResp("tu_a", "echo", map[string]interface{}{"text": "x"}),
		textResp("finished after extension"),
	}}
	a := newTestAgent(t, true, client)

	asked := 0
	loop := NewLoop(a, config.EnvDevelopment, WithConfirm(func(string) bool {
		asked++
		return asked == 1
	}))
	m := meta(1)
	res, err := loop.Run(context.Background(), m, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if asked != 1 {
		t.Errorf("confirm asked %d times, want 1", asked)
	}
	if m.MaxTurns != 11 {
		t.Errorf("max turns = %d, want 11", m.MaxTurns)
	}
	if res.Response.Text() != "finished after extension" {
		t.Errorf("final text = %q", res.Response.Text())
	}
}

func TestLoop_AddUserMessageValidation(t *testing.T) {
	loop := NewLoop(newTestAgent(t, true, &scriptedClient{responses: []*providers.CompletionResponse{textResp("ok")}}), config.EnvTest)

	for _, bad := range []string{"", "a", "hi", "  x  "} {
		if err := loop.AddUserMessage(bad); !errors.Is(err, ErrMessageTooShort) {
			t.Errorf("AddUserMessage(%q) = %v, want ErrMessageTooShort", bad, err)
		}
	}
	if err := loop.AddUserMessage("hello"); err != nil {
		t.Errorf("AddUserMessage(hello) = %v", err)
	}
}

func TestLoop_QueuedMessageInjectedAndResetsTurns(t *testing.T) {
	client := &scriptedClient{responses: []*providers.CompletionResponse{textResp("answered")}}
	a := newTestAgent(t, true, client)

	loop := NewLoop(a, config.EnvTest)
	if err := loop.AddUserMessage("what is the status?"); err != nil {
		t.Fatalf("AddUserMessage: %v", err)
	}
	m := meta(5)
	m.CurrentTurn = 3
	if _, err := loop.Run(context.Background(), m, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := a.Window().GetMessages()
	if len(msgs) == 0 || msgs[0].Role != "user" || msgs[0].Content != "what is the status?" {
		t.Errorf("queued message not injected: %+v", msgs)
	}
	// Injection resets the turn count before the model call.
	if m.CurrentTurn != 1 {
		t.Errorf("current turn = %d, want 1", m.CurrentTurn)
	}
}

func TestLoop_StopBeforeRun(t *testing.T) {
	client := &scriptedClient{responses: []*providers.CompletionResponse{textResp("never")}}
	loop := NewLoop(newTestAgent(t, true, client), config.EnvTest)

	loop.Stop()
	if _, err := loop.Run(context.Background(), meta(5), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if client.calls != 0 {
		t.Errorf("client called %d times after stop, want 0", client.calls)
	}

	loop.ClearStop()
	if _, err := loop.Run(context.Background(), meta(5), nil); err != nil {
		t.Fatalf("Run after ClearStop: %v", err)
	}
	if client.calls != 1 {
		t.Errorf("client called %d times after clear, want 1", client.calls)
	}
}

func TestTransfer_MaxMessagesBounds(t *testing.T) {
	for _, n := range []int{0, 1, 12} {
		if _, err := NewTransfer("helper", "msg", n); err != nil {
			t.Errorf("NewTransfer(max=%d) = %v, want nil", n, err)
		}
	}
	for _, n := range []int{-1, 13, 100} {
		if _, err := NewTransfer("helper", "msg", n); err == nil {
			t.Errorf("NewTransfer(max=%d) succeeded, want error", n)
		}
	}
}

func TestAgent_ResetStateAppliesModelOverride(t *testing.T) {
	client := &scriptedClient{responses: []*providers.CompletionResponse{textResp("ok")}}
	a := newTestAgent(t, true, client)
	a.AddMessage(context.Background(), providers.Message{Role: "user", Content: "remember this"})

	a.SetModelOverride("bogus-model-name")
	if err := a.ResetState(); err == nil {
		t.Error("ResetState with unknown model succeeded, want error")
	}

	a.SetModelOverride("")
	if err := a.ResetState(); err != nil {
		t.Fatalf("ResetState: %v", err)
	}
	if msgs := a.Window().GetMessages(); len(msgs) != 0 {
		t.Errorf("buffer not cleared: %+v", msgs)
	}
	if !a.State().Initialized() {
		t.Error("state not re-initialized after reset")
	}
}
