// Package service owns the REST collaborators and the event bus wiring:
// typed payload routing, broadcasts, and monitoring delivery.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/errdef"
	"github.com/nextlevelbuilder/agentd/internal/wstransport"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// healthTimeout bounds the startup health probe.
const healthTimeout = 10 * time.Second

// Handler processes one decoded event from the bus.
type Handler func(ctx context.Context, ev *protocol.EventMessage) error

// Sequencer supplies monotonic sequence numbers for state broadcasts.
type Sequencer interface {
	NextSequence() int64
}

// Services bundles the REST client, the WebSocket manager, and the
// event handler table. When the backing API is unreachable at
// construction, Services degrades: broadcasts and persistence become
// no-ops while the agent core keeps operating.
type Services struct {
	cfg  config.ServiceConfig
	http *http.Client
	ws   *wstransport.Manager
	log  *slog.Logger
	seq  Sequencer

	degraded bool

	mu       sync.Mutex
	handlers map[protocol.EventMessageType]Handler
}

var (
	singletonMu sync.Mutex
	singleton   *Services
)

// Get returns the process-wide Services, constructing on first call.
// Later calls return the same instance; their arguments are ignored.
func Get(ctx context.Context, cfg config.ServiceConfig, ws *wstransport.Manager, seq Sequencer, log *slog.Logger) *Services {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		singleton = New(ctx, cfg, ws, seq, log)
	}
	return singleton
}

// resetSingleton exists for tests.
func resetSingleton() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	singleton = nil
}

// New probes /health and builds the service bundle. An unreachable or
// unhealthy API yields a degraded bundle, not an error.
func New(ctx context.Context, cfg config.ServiceConfig, ws *wstransport.Manager, seq Sequencer, log *slog.Logger) *Services {
	if log == nil {
		log = slog.Default()
	}
	s := &Services{
		cfg:      cfg,
		http:     &http.Client{Timeout: 30 * time.Second},
		ws:       ws,
		log:      log,
		seq:      seq,
		handlers: make(map[protocol.EventMessageType]Handler),
	}
	if !s.healthy(ctx) {
		s.degraded = true
		log.Warn("service API unavailable, running degraded", "url", cfg.APIURL)
	}
	return s
}

// healthy expects GET /health to answer {"status":"ok"} within 10s.
func (s *Services) healthy(ctx context.Context) bool {
	if s.cfg.APIURL == "" {
		return false
	}
	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, s.cfg.APIURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "ok"
}

// Degraded reports whether the bundle is running without a backing API.
func (s *Services) Degraded() bool { return s.degraded }

// RegisterHandler installs the handler for one event type.
func (s *Services) RegisterHandler(t protocol.EventMessageType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

// Dispatch decodes one raw event and routes it. Unknown types are
// logged and dropped; a handler error is logged, never propagated.
func (s *Services) Dispatch(ctx context.Context, data []byte) {
	var ev protocol.EventMessage
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn("undecodable event", "error", err)
		return
	}
	s.mu.Lock()
	h, ok := s.handlers[ev.Type]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("no handler for event type, dropping", "type", ev.Type)
		return
	}
	if err := h(ctx, &ev); err != nil {
		s.log.Error("event handler failed", "type", ev.Type, "error", err)
	}
}

// Listen pumps inbound WebSocket messages through Dispatch until the
// context ends.
func (s *Services) Listen(ctx context.Context) {
	if s.ws == nil {
		return
	}
	for {
		data, err := s.ws.Receive(ctx)
		if err != nil {
			return
		}
		if data == nil {
			continue
		}
		s.Dispatch(ctx, data)
	}
}

// broadcast encodes an event and enqueues it on the outbound queue.
func (s *Services) broadcast(ev *protocol.EventMessage) error {
	if s.degraded || s.ws == nil {
		return nil
	}
	ev.ClientID = s.cfg.ClientID
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.ws.Send(data)
}

// SendMessageToAssistant forwards user input onto the bus.
func (s *Services) SendMessageToAssistant(ctx context.Context, text string) error {
	return s.broadcast(protocol.NewEvent(protocol.EventTypeUser, protocol.EventPayload{
		Message: text,
		Sender:  s.cfg.ClientID,
	}))
}

// SendMessageChunk delivers one partial assistant chunk during a
// streamed run. Chunks carry a sequence number so clients can order
// them.
func (s *Services) SendMessageChunk(ctx context.Context, agentID, chunk string) error {
	var seq int64
	if s.seq != nil {
		seq = s.seq.NextSequence()
	}
	return s.broadcast(protocol.NewEvent(protocol.EventTypeMessageChunk, protocol.EventPayload{
		Message:        chunk,
		Sender:         agentID,
		SequenceNumber: seq,
	}))
}

// SendMessageToUser delivers an assistant response to the user.
func (s *Services) SendMessageToUser(ctx context.Context, agentID, text string) error {
	return s.broadcast(protocol.NewEvent(protocol.EventTypeAssistant, protocol.EventPayload{
		Message: text,
		Sender:  agentID,
	}))
}

// BroadcastClientStatus announces this client's presence.
func (s *Services) BroadcastClientStatus(ctx context.Context, status string) error {
	return s.broadcast(protocol.NewEvent(protocol.EventTypeClientStatus, protocol.EventPayload{
		Payload: map[string]interface{}{"status": status, "runner_id": s.cfg.RunnerID},
	}))
}

// BroadcastAgentState publishes an agent state change with a monotonic
// sequence number.
func (s *Services) BroadcastAgentState(ctx context.Context, agentID, state string) error {
	var seq int64
	if s.seq != nil {
		seq = s.seq.NextSequence()
	}
	return s.broadcast(protocol.NewEvent(protocol.EventTypeAgentState, protocol.EventPayload{
		AgentID:        agentID,
		State:          state,
		SequenceNumber: seq,
	}))
}

// Report delivers an error report to monitoring, best-effort and
// non-blocking.
func (s *Services) Report(report *errdef.Report) {
	if s.degraded || report == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.postJSON(ctx, "/monitoring/events", report, nil); err != nil {
			s.log.Warn("monitoring delivery failed", "error", err)
		}
	}()
}

// Close shuts down the transport.
func (s *Services) Close() error {
	if s.ws == nil {
		return nil
	}
	return s.ws.Close()
}

// statusError is an HTTP non-2xx from a collaborator.
type statusError struct {
	Path string
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("service: %s returned %d", e.Path, e.Code)
}
