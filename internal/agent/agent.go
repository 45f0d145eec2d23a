// Package agent implements a single conversational agent and the loop
// that drives it across turns, tools, and handoffs.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/contextwindow"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// initialHistoryLimit caps how many persisted messages are replayed on
// Initialize.
const initialHistoryLimit = 10

// Agent owns one AgentSpec, its State, its context window, and a model
// client. It produces a completion for the current buffer on demand.
type Agent struct {
	spec   config.AgentSpec
	keys   providers.Keys
	client providers.Client
	state  *State
	window *contextwindow.Manager
	log    *slog.Logger

	msgStore   *store.MessageStore // nil disables persistence
	registry   *tools.Registry
	dispatcher *tools.Dispatcher

	systemPrompt string
	otherAgents  []string

	// modelOverride, when set, swaps the model on the next ResetState.
	modelOverride string
}

// Option configures an Agent at construction.
type Option func(*Agent)

// WithMessageStore enables message persistence for agents whose feature
// flag includes storage.
func WithMessageStore(s *store.MessageStore) Option {
	return func(a *Agent) { a.msgStore = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithClient injects a pre-built model client, bypassing key-based
// construction.
func WithClient(c providers.Client) Option {
	return func(a *Agent) { a.client = c }
}

// New constructs an agent. Client construction errors (missing key,
// unknown model) fail fast here; nothing else does.
func New(spec config.AgentSpec, keys providers.Keys, opts ...Option) (*Agent, error) {
	a := &Agent{
		spec:  spec,
		keys:  keys,
		state: NewState(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		client, err := providers.NewClient(spec.Model, keys)
		if err != nil {
			return nil, err
		}
		a.client = client
	}
	a.window = contextwindow.NewManager(spec.MaxContextTokens,
		contextwindow.WithMinTokensToKeep(spec.MinTokensToKeep),
		contextwindow.WithSummarizer(&modelSummarizer{client: a.client}),
		contextwindow.WithLogger(a.log),
	)
	return a, nil
}

func (a *Agent) ID() string                    { return a.spec.ID }
func (a *Agent) IsPrimary() bool               { return a.spec.IsPrimary }
func (a *Agent) Spec() config.AgentSpec        { return a.spec }
func (a *Agent) State() *State                 { return a.state }
func (a *Agent) Dialect() string               { return providers.ResolveProvider(a.spec.Model) }
func (a *Agent) Dispatcher() *tools.Dispatcher { return a.dispatcher }

// SetPrimary marks or unmarks this agent as the primary. Called by the
// manager when no registered agent declared itself primary.
func (a *Agent) SetPrimary(v bool) {
	a.spec.IsPrimary = v
}

// SetOtherAgents records peer agent ids for the system prompt and the
// transfer tool target list.
func (a *Agent) SetOtherAgents(ids []string) {
	a.otherAgents = ids
}

// Initialize is idempotent. It wires the tool registry, replays recent
// persisted history, and builds the system prompt. Failures are recorded
// on state rather than returned; an agent with a degraded init still runs.
func (a *Agent) Initialize(ctx context.Context, registry *tools.Registry, dispatcher *tools.Dispatcher) {
	if a.state.Initialized() {
		return
	}
	a.registry = registry
	a.dispatcher = dispatcher

	if a.msgStore != nil && a.spec.FeatureFlag.Has(config.FeatureStorage) {
		msgs, err := a.msgStore.LoadRecent(ctx, a.spec.ID, initialHistoryLimit)
		if err != nil {
			a.log.Warn("could not load persisted history", "agent", a.spec.ID, "error", err)
			a.state.RecordError(err)
		} else if len(msgs) > 0 {
			a.window.AddMessages(ctx, msgs)
			a.state.RecordMessages(len(msgs))
		}
	}

	a.systemPrompt = a.buildSystemPrompt()
	a.refreshTokenStats()
	a.state.MarkInitialized()
	a.log.Info("agent initialized", "agent", a.spec.ID, "model", a.spec.Model, "tools", len(registry.Names()))
}

func (a *Agent) buildSystemPrompt() string {
	var b strings.Builder
	if a.spec.Instruction != "" {
		b.WriteString(a.spec.Instruction)
	} else {
		b.WriteString("You are a helpful assistant.")
	}
	if len(a.otherAgents) > 0 {
		fmt.Fprintf(&b, "\n\nOther agents you can transfer to: %s. Use the %s tool when a request is outside your scope.",
			strings.Join(a.otherAgents, ", "), tools.TransferName)
	}
	return b.String()
}

// AddMessage persists (when storage is enabled and the message has no
// id yet) and appends one message.
func (a *Agent) AddMessage(ctx context.Context, msg providers.Message) {
	a.AddMessages(ctx, []providers.Message{msg})
}

// AddMessages persists and appends a batch, then refreshes stats. A
// truncation triggered by the append refreshes the token breakdown.
func (a *Agent) AddMessages(ctx context.Context, msgs []providers.Message) {
	if len(msgs) == 0 {
		return
	}
	if a.msgStore != nil && a.spec.FeatureFlag.Has(config.FeatureStorage) {
		for i := range msgs {
			if msgs[i].MsgID != "" {
				continue
			}
			id, err := a.msgStore.SaveMessage(ctx, a.spec.ID, "", msgs[i])
			if err != nil {
				a.log.Warn("message persistence failed", "agent", a.spec.ID, "error", err)
				a.state.RecordError(err)
				continue
			}
			msgs[i].MsgID = id
		}
	}

	truncated := a.window.AddMessages(ctx, msgs)
	a.state.RecordMessages(len(msgs))
	for _, m := range msgs {
		if n := len(m.ToolCalls); n > 0 {
			a.state.RecordToolCalls(n)
		}
	}
	if truncated {
		a.refreshTokenStats()
	}
}

// Run sends the current buffer to the model and returns the response.
// Transport failures come back inside the response; only context
// cancellation surfaces as an error.
func (a *Agent) Run(ctx context.Context, meta *RunMetadata) (*providers.CompletionResponse, error) {
	messages := a.window.GetMessages()
	if a.Dialect() == "anthropic" {
		messages = providers.ApplyPromptCaching(messages)
	}

	var defs []providers.ToolDefinition
	if a.registry != nil {
		defs = a.registry.Definitions()
	}

	resp, err := a.client.Complete(ctx, providers.CompletionRequest{
		Messages: messages,
		System:   a.systemContext(),
		Tools:    defs,
		Model:    a.spec.Model,
	})
	if err != nil {
		return nil, err
	}
	if resp.Err == nil {
		a.state.RecordUsage(resp.Usage())
	}
	a.refreshTokenStats()
	return resp, nil
}

// systemContext combines the system prompt with truncation summaries.
func (a *Agent) systemContext() string {
	summaries := a.window.GetSummaries()
	if len(summaries) == 0 {
		return a.systemPrompt
	}
	var b strings.Builder
	b.WriteString(a.systemPrompt)
	b.WriteString("\n\nEarlier conversation summaries (oldest first):")
	for _, s := range summaries {
		b.WriteString("\n- ")
		b.WriteString(s)
	}
	return b.String()
}

// ResetState replaces the runtime state and clears the buffer. A
// configured model override reconstructs the client; an invalid
// override is a construction error.
func (a *Agent) ResetState() error {
	if a.modelOverride != "" && a.modelOverride != a.spec.Model {
		client, err := providers.NewClient(a.modelOverride, a.keys)
		if err != nil {
			return err
		}
		a.client = client
		a.spec.Model = a.modelOverride
	}
	a.state = NewState()
	a.window.ClearMessages()
	a.systemPrompt = a.buildSystemPrompt()
	a.state.MarkInitialized()
	return nil
}

// SetModelOverride schedules a model swap for the next ResetState.
func (a *Agent) SetModelOverride(model string) {
	a.modelOverride = model
}

// BuildContextForNextAgent delegates to the context window.
func (a *Agent) BuildContextForNextAgent(maxMessages int) string {
	return a.window.BuildContextForNextAgent(maxMessages)
}

// Window exposes the context window for the loop and the manager.
func (a *Agent) Window() *contextwindow.Manager { return a.window }

// Snapshot is a debug dump of the agent's buffer and state.
type Snapshot struct {
	AgentID   string
	Model     string
	State     StateSnapshot
	Messages  []providers.Message
	Summaries []string
}

func (a *Agent) Snapshot() Snapshot {
	return Snapshot{
		AgentID:   a.spec.ID,
		Model:     a.spec.Model,
		State:     a.state.Snapshot(),
		Messages:  a.window.GetMessages(),
		Summaries: a.window.GetSummaries(),
	}
}

func (a *Agent) refreshTokenStats() {
	var counter contextwindow.TokenCounter
	msgTokens := counter.CountMessages(a.window.GetMessages())
	sysTokens := counter.CountText(a.systemPrompt)
	var sumTokens int
	for _, s := range a.window.GetSummaries() {
		sumTokens += counter.CountText(s)
	}
	var toolTokens int
	if a.registry != nil {
		for _, def := range a.registry.Definitions() {
			toolTokens += counter.CountText(def.Description)
		}
	}
	a.state.SetTokenBreakdown(func(ts *TokenStats) {
		ts.Messages = msgTokens
		ts.System = sysTokens
		ts.Summaries = sumTokens
		ts.Tools = toolTokens
	})
}

// modelSummarizer condenses truncated prefixes with the agent's model.
type modelSummarizer struct {
	client providers.Client
}

func (s *modelSummarizer) Summarize(ctx context.Context, msgs []providers.Message) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case "user":
			fmt.Fprintf(&b, "user: %s\n", m.Content)
		case "assistant":
			if m.Content != "" {
				fmt.Fprintf(&b, "assistant: %s\n", m.Content)
			}
		}
	}
	if b.Len() == 0 {
		return "", nil
	}

	resp, err := s.client.Complete(ctx, providers.CompletionRequest{
		Messages: []providers.Message{{
			Role:    "user",
			Content: "Provide a concise summary of this conversation, preserving key context:\n\n" + b.String(),
		}},
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}
	if resp.Err != nil {
		return "", fmt.Errorf("summarization failed: %s", resp.Err.Message)
	}
	return resp.Text(), nil
}
