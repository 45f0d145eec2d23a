package manager

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/errdef"
	"github.com/nextlevelbuilder/agentd/internal/stream"
)

// StreamRun begins a streamed run on the given agent (primary when
// empty). Events are forwarded to emit as they arrive; a transfer
// continues the stream on the target agent. Blocks until the exchange
// settles.
func (m *Manager) StreamRun(ctx context.Context, agentID, message string, emit func(stream.Event)) error {
	m.mu.Lock()
	if agentID == "" {
		agentID = m.primaryAgentIDLocked()
	}
	if _, ok := m.agents[agentID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("stream_run: unknown agent %q", agentID)
	}
	if err := m.transitionLocked("stream_run", StateRunning); err != nil {
		m.mu.Unlock()
		return err
	}
	m.currentID = agentID
	m.mu.Unlock()

	current := agentID
	userMessage := message
	for {
		m.mu.Lock()
		src := m.agents[current]
		lock := m.locks[current]
		m.currentID = current
		m.mu.Unlock()

		lock.Lock()
		var done map[string]interface{}
		for ev := range src.Stream(ctx, userMessage, nil) {
			if ev.Type == stream.EventAgentDone {
				done = ev.Metadata
			}
			if emit != nil {
				emit(ev)
			}
		}
		lock.Unlock()

		if done == nil {
			// Channel closed without a terminal event: cancelled mid-stream.
			m.setStateIfRunning(StateReady)
			return ctx.Err()
		}
		if failed, _ := done["error"].(bool); failed {
			m.metrics.RecordError(string(errdef.TypeLLM))
		}

		target, _ := done["transfer_to"].(string)
		if target == "" {
			m.metrics.RecordRun()
			m.setStateIfRunning(StateReady)
			return nil
		}

		msg, _ := done["transfer_message"].(string)
		tr := &agent.Transfer{ToAgentID: target, Message: msg, MaxMessages: agent.MaxTransferMessages}
		current = m.handleTransfer(ctx, current, tr)
		userMessage = ""
	}
}
