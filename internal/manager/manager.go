// Package manager owns the agent registry, the run lifecycle state
// machine, and handoffs between agents.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/errdef"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// Services is the slice of the service layer the manager needs:
// outbound user delivery, monitoring, and shutdown.
type Services interface {
	SendMessageToUser(ctx context.Context, agentID, text string) error
	Report(report *errdef.Report)
	Close() error
}

// Manager coordinates agents, loops, and the run state machine. All
// public methods are safe for concurrent use.
type Manager struct {
	cfg      *config.Config
	keys     providers.Keys
	log      *slog.Logger
	services Services
	msgStore *store.MessageStore
	tools    []tools.Tool
	confirm  agent.ConfirmFunc

	mu        sync.Mutex
	state     RunState
	agents    map[string]*agent.Agent
	loops     map[string]*agent.Loop
	locks     map[string]*sync.Mutex
	order     []string
	primaryID string
	currentID string

	metrics *Metrics
	seq     sequencer
}

// Option configures a Manager.
type Option func(*Manager)

// WithServices attaches the service layer for broadcasts and monitoring.
func WithServices(s Services) Option {
	return func(m *Manager) { m.services = s }
}

// WithMessageStore enables message persistence for storage-flagged agents.
func WithMessageStore(s *store.MessageStore) Option {
	return func(m *Manager) { m.msgStore = s }
}

// WithTools sets the tool set registered on every agent.
func WithTools(ts ...tools.Tool) Option {
	return func(m *Manager) { m.tools = ts }
}

// WithConfirm installs the development-mode turn-limit prompt on loops.
func WithConfirm(fn agent.ConfirmFunc) Option {
	return func(m *Manager) { m.confirm = fn }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func New(cfg *config.Config, keys providers.Keys, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		keys:    keys,
		log:     slog.Default(),
		state:   StateUninitialized,
		agents:  make(map[string]*agent.Agent),
		loops:   make(map[string]*agent.Loop),
		locks:   make(map[string]*sync.Mutex),
		metrics: newMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetServices wires the service bundle after construction. The bundle
// needs the manager for sequence numbers, so the two are built in two
// steps at startup.
func (m *Manager) SetServices(s Services) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = s
}

// State returns the current lifecycle state.
func (m *Manager) State() RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves the state machine or fails with a StateError.
// Callers hold m.mu.
func (m *Manager) transitionLocked(op string, to RunState) error {
	if !canTransition(m.state, to) {
		return &errdef.StateError{Op: op, Current: string(m.state), Allowed: allowedInto(to)}
	}
	m.state = to
	return nil
}

func allowedInto(to RunState) []string {
	var out []string
	for from, tos := range transitions {
		for _, s := range tos {
			if s == to {
				out = append(out, string(from))
			}
		}
	}
	return out
}

// RegisterAgent registers an agent spec and constructs its Agent.
// Registering the same id twice returns the existing instance. When two
// specs claim primary, the first registration wins.
func (m *Manager) RegisterAgent(spec config.AgentSpec, opts ...agent.Option) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateError {
		return nil, &errdef.StateError{Op: "register_agent", Current: string(m.state), Allowed: []string{string(StateUninitialized), string(StateReady)}}
	}
	if existing, ok := m.agents[spec.ID]; ok {
		return existing, nil
	}
	if spec.IsPrimary && m.primaryID != "" {
		m.log.Warn("primary already registered, demoting", "agent", spec.ID, "primary", m.primaryID)
		spec.IsPrimary = false
	}

	agentOpts := []agent.Option{agent.WithLogger(m.log)}
	if m.msgStore != nil {
		agentOpts = append(agentOpts, agent.WithMessageStore(m.msgStore))
	}
	agentOpts = append(agentOpts, opts...)

	a, err := agent.New(spec, m.keys, agentOpts...)
	if err != nil {
		return nil, err
	}
	m.agents[spec.ID] = a
	m.locks[spec.ID] = &sync.Mutex{}
	m.order = append(m.order, spec.ID)
	if spec.IsPrimary {
		m.primaryID = spec.ID
	}
	return a, nil
}

// PrimaryAgentID returns the primary agent id. When no registered agent
// declared itself primary, the first registered agent is promoted.
func (m *Manager) PrimaryAgentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primaryAgentIDLocked()
}

func (m *Manager) primaryAgentIDLocked() string {
	if m.primaryID == "" && len(m.order) > 0 {
		m.primaryID = m.order[0]
		m.agents[m.primaryID].SetPrimary(true)
		m.log.Info("no primary declared, promoting first registered agent", "agent", m.primaryID)
	}
	return m.primaryID
}

// Agent returns a registered agent by id.
func (m *Manager) Agent(id string) (*agent.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	return a, ok
}

// Initialize moves the manager to ready: every agent gets its tool
// registry, peer list, and loop, initialized in parallel.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if err := m.transitionLocked("initialize", StateInitializing); err != nil {
		m.mu.Unlock()
		return err
	}
	m.primaryAgentIDLocked()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			m.mu.Lock()
			a := m.agents[id]
			m.mu.Unlock()

			peers := make([]string, 0, len(ids)-1)
			for _, other := range ids {
				if other != id {
					peers = append(peers, other)
				}
			}
			reg := tools.NewRegistry()
			for _, t := range m.tools {
				reg.Register(t)
			}
			if ws := m.cfg.Agents.Defaults.Workspace; ws != "" {
				reg.Register(tools.NewMemoryTool(ws, id))
			}
			if len(peers) > 0 {
				reg.Register(tools.NewTransferTool(peers))
			}
			a.SetOtherAgents(peers)
			a.Initialize(gctx, reg, tools.NewDispatcher(reg, m.log))

			var loopOpts []agent.LoopOption
			if m.confirm != nil {
				loopOpts = append(loopOpts, agent.WithConfirm(m.confirm))
			}
			lp := agent.NewLoop(a, m.cfg.Environment, loopOpts...)

			m.mu.Lock()
			m.loops[id] = lp
			m.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.mu.Lock()
		m.transitionLocked("initialize", StateError)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transitionLocked("initialize", StateReady); err != nil {
		return err
	}
	m.log.Info("manager ready", "agents", len(ids), "primary", m.primaryID)
	return nil
}

// StartRun begins a run on the given agent (primary when empty) with an
// initial user message. Runner-mode runs detach; other modes block until
// the run completes or transfers settle on a final response.
func (m *Manager) StartRun(ctx context.Context, agentID, message string, mode agent.RunMode) (*providers.CompletionResponse, error) {
	m.mu.Lock()
	if agentID == "" {
		agentID = m.primaryAgentIDLocked()
	}
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("start_run: unknown agent %q", agentID)
	}
	lp := m.loops[agentID]
	if lp == nil {
		m.mu.Unlock()
		return nil, &errdef.StateError{Op: "start_run", Current: string(m.state), Allowed: []string{string(StateReady)}}
	}
	if err := m.transitionLocked("start_run", StateRunning); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.currentID = agentID
	m.mu.Unlock()

	lp.ClearStop()
	meta := &agent.RunMetadata{
		ID:       uuid.NewString(),
		Mode:     mode,
		MaxTurns: a.Spec().MaxTurns,
	}
	if meta.MaxTurns <= 0 {
		meta.MaxTurns = m.cfg.Agents.Defaults.MaxTurns
	}
	if err := lp.SeedMessage(message); err != nil {
		m.setStateIfRunning(StateReady)
		return nil, err
	}

	if mode == agent.ModeRunner {
		go func() {
			if _, err := m.executeRun(context.WithoutCancel(ctx), agentID, meta); err != nil {
				m.log.Error("detached run failed", "agent", agentID, "run", meta.ID, "error", err)
			}
		}()
		return nil, nil
	}
	return m.executeRun(ctx, agentID, meta)
}

// executeRun drives loops across transfers until a final response.
func (m *Manager) executeRun(ctx context.Context, agentID string, meta *agent.RunMetadata) (*providers.CompletionResponse, error) {
	current := agentID
	for {
		m.mu.Lock()
		lp := m.loops[current]
		lock := m.locks[current]
		m.currentID = current
		m.mu.Unlock()

		lock.Lock()
		res, err := lp.Run(ctx, meta, m.deliverCallback(ctx, current))
		lock.Unlock()
		if err != nil {
			m.metrics.RecordError(string(errdef.TypeAgent))
			m.setStateIfRunning(StateError)
			return nil, err
		}
		if res.Transfer == nil {
			m.metrics.RecordRun()
			m.setStateIfRunning(StateReady)
			return res.Response, nil
		}
		current = m.handleTransfer(ctx, current, res.Transfer)
	}
}

// handleTransfer hands the conversation to the transfer target and
// returns the agent to continue on. An unknown target keeps the run on
// the source with an explanatory message so the model can recover.
func (m *Manager) handleTransfer(ctx context.Context, src string, tr *agent.Transfer) string {
	target := tr.ToAgentID
	if tr.TransferToPrimary {
		target = m.PrimaryAgentID()
	}

	m.mu.Lock()
	srcAgent := m.agents[src]
	tgtAgent, ok := m.agents[target]
	m.mu.Unlock()

	rec := TransferRecord{From: src, To: target, Message: tr.Message, At: time.Now().UTC()}

	if !ok || target == src {
		rec.Success = false
		m.metrics.RecordTransfer(rec)
		m.metrics.RecordError(string(errdef.TypeTransfer))
		srcAgent.AddMessage(ctx, providers.Message{
			Role:    "user",
			Content: fmt.Sprintf("Transfer failed: agent %q is not registered. Handle the request yourself or pick another agent.", target),
		})
		if m.services != nil {
			report := errdef.NewReport(errdef.TypeTransfer, errdef.SeverityWarning, "transfer to unknown agent")
			report.AssistantID = src
			report.Metadata = map[string]interface{}{"target": target}
			m.services.Report(report)
		}
		m.log.Warn("transfer to unknown agent", "from", src, "target", target)
		return src
	}

	if background := srcAgent.BuildContextForNextAgent(tr.MaxMessages); background != "" {
		tgtAgent.AddMessage(ctx, providers.Message{
			Role:    "assistant",
			Name:    src,
			Content: fmt.Sprintf("Here is context from %s:\n<background>\n%s</background>", src, background),
		})
	}
	if tr.Message != "" {
		tgtAgent.AddMessage(ctx, providers.Message{Role: "assistant", Name: src, Content: tr.Message})
	}

	rec.Success = true
	m.metrics.RecordTransfer(rec)
	m.log.Info("transfer", "from", src, "to", target, "run", runID(tr))
	return target
}

func runID(tr *agent.Transfer) string {
	if tr.Run != nil {
		return tr.Run.ID
	}
	return ""
}

// StopRun halts the active run: a system notice lands in the current
// agent's buffer, the loop is signalled, and the state moves to stopped.
func (m *Manager) StopRun(ctx context.Context) error {
	m.mu.Lock()
	if err := m.transitionLocked("stop_run", StateStopped); err != nil {
		m.mu.Unlock()
		return err
	}
	current := m.currentID
	a := m.agents[current]
	lp := m.loops[current]
	m.mu.Unlock()

	if a != nil {
		a.AddMessage(ctx, providers.Message{
			Role:    "user",
			Content: fmt.Sprintf("[SYSTEM] The current run was stopped by user at %s.", time.Now().UTC().Format(time.RFC3339)),
		})
	}
	if lp != nil {
		lp.Stop()
	}
	m.log.Info("run stopped", "agent", current)
	return nil
}

// Resume re-arms loops after a stop or a failed run so the next
// StartRun proceeds.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStopped && m.state != StateError {
		return &errdef.StateError{Op: "resume", Current: string(m.state), Allowed: []string{string(StateStopped), string(StateError)}}
	}
	for _, lp := range m.loops {
		lp.ClearStop()
	}
	m.state = StateReady
	return nil
}

// CleanUp tears everything down: services close, agents reset in
// parallel, and the registry empties back to uninitialized.
func (m *Manager) CleanUp(ctx context.Context) error {
	m.mu.Lock()
	if err := m.transitionLocked("clean_up", StateCleaning); err != nil {
		m.mu.Unlock()
		return err
	}
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	if m.services != nil {
		if err := m.services.Close(); err != nil {
			m.log.Warn("service shutdown failed", "error", err)
		}
	}

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			m.mu.Lock()
			a := m.agents[id]
			m.mu.Unlock()
			if a == nil {
				return nil
			}
			if err := a.ResetState(); err != nil {
				m.log.Warn("agent cleanup failed", "agent", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = make(map[string]*agent.Agent)
	m.loops = make(map[string]*agent.Loop)
	m.locks = make(map[string]*sync.Mutex)
	m.order = nil
	m.primaryID = ""
	m.currentID = ""
	return m.transitionLocked("clean_up", StateUninitialized)
}

// Metrics returns a snapshot of the manager counters.
func (m *Manager) Metrics() MetricsSnapshot {
	return m.metrics.Snapshot()
}

// NextSequence hands out a monotonic event sequence number.
func (m *Manager) NextSequence() int64 {
	return m.seq.Next()
}

func (m *Manager) setStateIfRunning(to RunState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning && canTransition(m.state, to) {
		m.state = to
	}
}

// deliverCallback forwards intermediate responses to the service layer.
func (m *Manager) deliverCallback(ctx context.Context, agentID string) agent.Callback {
	if m.services == nil {
		return nil
	}
	return func(resp *providers.CompletionResponse) {
		if resp == nil || resp.Err != nil {
			return
		}
		text := resp.Text()
		if text == "" {
			return
		}
		if err := m.services.SendMessageToUser(ctx, agentID, text); err != nil {
			m.log.Warn("delivery failed", "agent", agentID, "error", err)
		}
	}
}
