package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// minUserMessageLen rejects junk injections (stray keystrokes, empty
// lines) before they burn a model call.
const minUserMessageLen = 3

// stopGracePeriod is how long Stop waits for an in-flight turn before
// cancelling it.
const stopGracePeriod = 2 * time.Second

// ErrMessageTooShort is returned by AddUserMessage for inputs under
// three characters.
var ErrMessageTooShort = errors.New("message too short")

// ErrQueueFull is returned when the user message queue is saturated.
var ErrQueueFull = errors.New("user message queue full")

// Result is the loop's terminal value: a final response or a transfer.
type Result struct {
	Response *providers.CompletionResponse
	Transfer *Transfer
}

// Callback receives intermediate and final responses for delivery.
type Callback func(*providers.CompletionResponse)

// ConfirmFunc asks whether to extend the turn limit in development.
type ConfirmFunc func(prompt string) bool

// Loop drives a single agent until it produces a terminal response, a
// transfer, or is stopped.
type Loop struct {
	agent   *Agent
	env     config.Environment
	log     *slog.Logger
	confirm ConfirmFunc

	stopFlag  atomic.Bool
	userQueue chan string

	mu      sync.Mutex
	cancel  context.CancelFunc
	runDone chan struct{}
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithConfirm installs the development-mode turn-limit prompt.
func WithConfirm(fn ConfirmFunc) LoopOption {
	return func(l *Loop) { l.confirm = fn }
}

func NewLoop(a *Agent, env config.Environment, opts ...LoopOption) *Loop {
	l := &Loop{
		agent:     a,
		env:       env,
		log:       slog.Default(),
		userQueue: make(chan string, 16),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddUserMessage enqueues a user message for injection at the next loop
// head. Messages under three characters are rejected.
func (l *Loop) AddUserMessage(text string) error {
	if len(strings.TrimSpace(text)) < minUserMessageLen {
		return ErrMessageTooShort
	}
	return l.SeedMessage(text)
}

// SeedMessage enqueues the run-initiating user message. No length floor
// here: the guard filters stray keystrokes injected mid-run, not the
// message that starts a run.
func (l *Loop) SeedMessage(text string) error {
	select {
	case l.userQueue <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop signals the loop cooperatively, waits up to two seconds for an
// in-flight turn, then cancels it.
func (l *Loop) Stop() {
	l.stopFlag.Store(true)

	l.mu.Lock()
	done := l.runDone
	cancel := l.cancel
	l.mu.Unlock()
	if done == nil {
		return
	}

	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		if cancel != nil {
			cancel()
		}
	}
}

// ClearStop re-arms the loop after a stop so the next run starts clean.
func (l *Loop) ClearStop() {
	l.stopFlag.Store(false)
}

// Run drives turns until terminal output, transfer, stop, or the turn
// budget is exhausted. The returned error is non-nil only for context
// cancellation.
func (l *Loop) Run(ctx context.Context, meta *RunMetadata, cb Callback) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.mu.Lock()
	l.cancel = cancel
	l.runDone = done
	l.mu.Unlock()
	defer func() {
		cancel()
		close(done)
		l.mu.Lock()
		l.cancel = nil
		l.runDone = nil
		l.mu.Unlock()
	}()

	summarizeRequested := false
	var lastResp *providers.CompletionResponse

	for {
		if l.stopFlag.Load() {
			return &Result{Response: lastResp}, nil
		}

		// Inject queued user messages. New user input resets the turn
		// budget: the user asked for more work.
		injected := false
	drain:
		for {
			select {
			case text := <-l.userQueue:
				l.agent.AddMessage(runCtx, providers.Message{Role: "user", Content: text})
				meta.UserMessages = append(meta.UserMessages, text)
				injected = true
			default:
				break drain
			}
		}
		if injected {
			meta.CurrentTurn = 0
			summarizeRequested = false
		}

		resp, err := l.agent.Run(runCtx, meta)
		if err != nil {
			return nil, err
		}
		meta.CurrentTurn++
		lastResp = resp

		switch {
		case resp.Err != nil:
			// Transport-level failure: surface as an assistant message
			// and keep going; the turn budget bounds retries.
			l.agent.AddMessage(runCtx, resp.ToParams())
			if cb != nil {
				cb(resp)
			}

		case len(resp.ToolCalls()) == 0:
			l.agent.AddMessage(runCtx, resp.ToParams())
			if l.agent.IsPrimary() {
				if cb != nil {
					cb(resp)
				}
				return &Result{Response: resp}, nil
			}
			// Secondary agents hand their answer back to the primary.
			tr := NewTransferToPrimary(resp.Text())
			tr.Run = meta
			return &Result{Transfer: tr}, nil

		default:
			assistantMsg := resp.ToParams()
			if cb != nil {
				cb(resp)
			}
			outcome := l.agent.Dispatcher().ExecuteBatch(runCtx, resp.ToolCalls())
			resultMsgs := outcome.ResultMessages(l.agent.Dialect())
			// Appended as one batch so truncation never sees the tool
			// call without its results.
			l.agent.AddMessages(runCtx, append([]providers.Message{assistantMsg}, resultMsgs...))

			if outcome.Transfer != nil {
				tr, terr := NewTransfer(outcome.Transfer.TargetAgentID, outcome.Transfer.Message, MaxTransferMessages)
				if terr != nil {
					tr = NewTransferToPrimary(outcome.Transfer.Message)
				}
				tr.Run = meta
				return &Result{Transfer: tr}, nil
			}
			if img := outcome.ImageFollowUp(); img != nil {
				l.agent.AddMessage(runCtx, *img)
			}
		}

		if meta.CurrentTurn < meta.MaxTurns {
			continue
		}

		// Turn budget exhausted.
		switch {
		case l.env == config.EnvProduction && !summarizeRequested:
			summarizeRequested = true
			l.agent.AddMessage(runCtx, providers.Message{
				Role:    "user",
				Content: "You have reached the maximum number of turns. Please summarize your progress and finish.",
			})
		case l.env == config.EnvDevelopment && l.confirm != nil && l.confirm("Turn limit reached. Continue for 10 more turns?"):
			meta.MaxTurns += 10
		default:
			l.log.Info("turn budget exhausted", "agent", l.agent.ID(), "turns", meta.CurrentTurn)
			return &Result{Response: lastResp}, nil
		}
	}
}
