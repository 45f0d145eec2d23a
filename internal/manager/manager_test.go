package manager

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/errdef"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

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
		Blocks:     []providers.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		TokenUsage: providers.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func transferResp(target, message string) *providers.CompletionResponse {
	return &providers.CompletionResponse{
		Blocks: []providers.ContentBlock{{
			Type: "tool_use", ID: "tu_tr", Name: tools.TransferName,
			Input: map[string]interface{}{"agent_id": target, "message": message},
		}},
		StopReason: "tool_use",
		TokenUsage: providers.Usage{InputTokens: 20, OutputTokens: 8},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvTest,
		Agents: config.AgentsConfig{
			Defaults: config.AgentDefaults{MaxTurns: 5, MaxContextTokens: 8000, MinTokensToKeep: 2000},
		},
	}
}

func testSpec(id string, primary bool) config.AgentSpec {
	return config.AgentSpec{
		ID:               id,
		IsPrimary:        primary,
		Model:            "claude-sonnet-4",
		MaxTurns:         5,
		MaxContextTokens: 8000,
		MinTokensToKeep:  2000,
	}
}

func TestRegisterAgent_Idempotent(t *testing.T) {
	m := New(testConfig(), providers.Keys{})
	client := &scriptedClient{responses: []*providers.CompletionResponse{textResp("ok")}}

	a1, err := m.RegisterAgent(testSpec("main", true), agent.WithClient(client))
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	a2, err := m.RegisterAgent(testSpec("main", true), agent.WithClient(&scriptedClient{}))
	if err != nil {
		t.Fatalf("RegisterAgent (second): %v", err)
	}
	if a1 != a2 {
		t.Error("second registration returned a different instance")
	}
}

func TestRegisterAgent_FirstPrimaryWins(t *testing.T) {
	m := New(testConfig(), providers.Keys{})
	client := func() agent.Option {
		return agent.WithClient(&scriptedClient{responses: []*providers.CompletionResponse{textResp("ok")}})
	}

	if _, err := m.RegisterAgent(testSpec("first", true), client()); err != nil {
		t.Fatal(err)
	}
	second, err := m.RegisterAgent(testSpec("second", true), client())
	if err != nil {
		t.Fatal(err)
	}
	if m.PrimaryAgentID() != "first" {
		t.Errorf("primary = %q, want first", m.PrimaryAgentID())
	}
	if second.IsPrimary() {
		t.Error("second agent kept its primary flag")
	}
}

func TestPrimaryAgentID_PromotesFirstRegistered(t *testing.T) {
	m := New(testConfig(), providers.Keys{})
	client := agent.WithClient(&scriptedClient{responses: []*providers.CompletionResponse{textResp("ok")}})

	a, err := m.RegisterAgent(testSpec("only", false), client)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.PrimaryAgentID(); got != "only" {
		t.Errorf("primary = %q, want only", got)
	}
	if !a.IsPrimary() {
		t.Error("promoted agent does not report primary")
	}
}

func TestStartRun_RequiresReady(t *testing.T) {
	m := New(testConfig(), providers.Keys{})
	client := agent.WithClient(&scriptedClient{responses: []*providers.CompletionResponse{textResp("ok")}})
	if _, err := m.RegisterAgent(testSpec("main", true), client); err != nil {
		t.Fatal(err)
	}

	_, err := m.StartRun(context.Background(), "main", "do something", agent.ModeTest)
	var stateErr *errdef.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("StartRun before Initialize = %v, want StateError", err)
	}
}

func TestStartRun_ShortInitialMessage(t *testing.T) {
	m := New(testConfig(), providers.Keys{})
	client := agent.WithClient(&scriptedClient{responses: []*providers.CompletionResponse{textResp("hello")}})
	if _, err := m.RegisterAgent(testSpec("main", true), client); err != nil {
		t.Fatal(err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A two-character greeting starts a run; the length floor applies
	// only to messages injected into an already-running loop.
	resp, err := m.StartRun(context.Background(), "main", "hi", agent.ModeTest)
	if err != nil {
		t.Fatalf("StartRun(\"hi\"): %v", err)
	}
	if resp.Text() != "hello" {
		t.Errorf("response = %q, want hello", resp.Text())
	}
}

func TestRun_TransferRoundTrip(t *testing.T) {
	m := New(testConfig(), providers.Keys{})

	coordClient := &scriptedClient{responses: []*providers.CompletionResponse{
		transferResp("researcher", "look into this"),
		textResp("final answer"),
	}}
	researchClient := &scriptedClient{responses: []*providers.CompletionResponse{
		textResp("research results"),
	}}

	if _, err := m.RegisterAgent(testSpec("coordinator", true), agent.WithClient(coordClient)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterAgent(testSpec("researcher", false), agent.WithClient(researchClient)); err != nil {
		t.Fatal(err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if m.State() != StateReady {
		t.Fatalf("state after init = %s", m.State())
	}

	resp, err := m.StartRun(context.Background(), "", "coordinate the research", agent.ModeTest)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if resp.Text() != "final answer" {
		t.Errorf("final response = %q", resp.Text())
	}
	if m.State() != StateReady {
		t.Errorf("state after run = %s, want ready", m.State())
	}

	// Outbound transfer to researcher plus the hand-back to primary.
	snap := m.Metrics()
	if snap.TransfersTotal != 2 || snap.TransfersSuccessful != 2 {
		t.Errorf("transfers = %+v", snap)
	}
	if snap.RunsTotal != 1 {
		t.Errorf("runs = %d, want 1", snap.RunsTotal)
	}
	if len(snap.RecentTransfers) != 2 || snap.RecentTransfers[0].To != "researcher" {
		t.Errorf("recent transfers = %+v", snap.RecentTransfers)
	}

	// The researcher received the coordinator's handoff with attribution.
	researcher, _ := m.Agent("researcher")
	var sawHandoff bool
	for _, msg := range researcher.Window().GetMessages() {
		if msg.Role == "assistant" && msg.Name == "coordinator" && msg.Content == "look into this" {
			sawHandoff = true
		}
	}
	if !sawHandoff {
		t.Errorf("handoff message missing from researcher buffer: %+v", researcher.Window().GetMessages())
	}
}

func TestRun_UnknownTransferTargetStaysOnSource(t *testing.T) {
	m := New(testConfig(), providers.Keys{})
	client := &scriptedClient{responses: []*providers.CompletionResponse{
		transferResp("ghost", "take this"),
		textResp("handled it myself"),
	}}
	if _, err := m.RegisterAgent(testSpec("main", true), agent.WithClient(client)); err != nil {
		t.Fatal(err)
	}
	// A peer so the transfer tool is registered.
	if _, err := m.RegisterAgent(testSpec("peer", false), agent.WithClient(&scriptedClient{responses: []*providers.CompletionResponse{textResp("unused")}})); err != nil {
		t.Fatal(err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp, err := m.StartRun(context.Background(), "main", "try the handoff", agent.ModeTest)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if resp.Text() != "handled it myself" {
		t.Errorf("final response = %q", resp.Text())
	}

	snap := m.Metrics()
	if snap.TransfersFailed != 1 {
		t.Errorf("failed transfers = %d, want 1", snap.TransfersFailed)
	}

	main, _ := m.Agent("main")
	var sawNotice bool
	for _, msg := range main.Window().GetMessages() {
		if msg.Role == "user" && strings.Contains(msg.Content, "Transfer failed") {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Error("failure notice missing from source buffer")
	}
}

func TestStopRun_RequiresRunning(t *testing.T) {
	m := New(testConfig(), providers.Keys{})
	client := agent.WithClient(&scriptedClient{responses: []*providers.CompletionResponse{textResp("ok")}})
	if _, err := m.RegisterAgent(testSpec("main", true), client); err != nil {
		t.Fatal(err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	var stateErr *errdef.StateError
	if err := m.StopRun(context.Background()); !errors.As(err, &stateErr) {
		t.Errorf("StopRun while ready = %v, want StateError", err)
	}
}

func TestResume_RecoversFromError(t *testing.T) {
	m := New(testConfig(), providers.Keys{})
	client := agent.WithClient(&scriptedClient{responses: []*providers.CompletionResponse{textResp("ok")}})
	if _, err := m.RegisterAgent(testSpec("main", true), client); err != nil {
		t.Fatal(err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	m.state = StateError
	m.mu.Unlock()

	if err := m.Resume(); err != nil {
		t.Fatalf("Resume from error: %v", err)
	}
	if m.State() != StateReady {
		t.Errorf("state after resume = %s, want ready", m.State())
	}
	if _, err := m.StartRun(context.Background(), "main", "carry on", agent.ModeTest); err != nil {
		t.Errorf("StartRun after recovery: %v", err)
	}
}

func TestCleanUp_ResetsEverything(t *testing.T) {
	m := New(testConfig(), providers.Keys{})
	client := agent.WithClient(&scriptedClient{responses: []*providers.CompletionResponse{textResp("ok")}})
	if _, err := m.RegisterAgent(testSpec("main", true), client); err != nil {
		t.Fatal(err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.CleanUp(context.Background()); err != nil {
		t.Fatalf("CleanUp: %v", err)
	}
	if m.State() != StateUninitialized {
		t.Errorf("state after cleanup = %s", m.State())
	}
	if _, ok := m.Agent("main"); ok {
		t.Error("registry not emptied")
	}
}

func TestNextSequence_StrictlyIncreasing(t *testing.T) {
	m := New(testConfig(), providers.Keys{})
	prev := int64(0)
	for i := 0; i < 1000; i++ {
		n := m.NextSequence()
		if n <= prev {
			t.Fatalf("sequence regressed: %d after %d", n, prev)
		}
		prev = n
	}
}

func TestMetrics_RecentTransfersBounded(t *testing.T) {
	mt := newMetrics()
	for i := 0; i < 15; i++ {
		mt.RecordTransfer(TransferRecord{From: "a", To: "b", Success: true})
	}
	snap := mt.Snapshot()
	if len(snap.RecentTransfers) != maxRecentTransfers {
		t.Errorf("recent transfers = %d, want %d", len(snap.RecentTransfers), maxRecentTransfers)
	}
	if snap.TransfersTotal != 15 {
		t.Errorf("total = %d, want 15", snap.TransfersTotal)
	}
}
