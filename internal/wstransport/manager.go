package wstransport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// Metrics is a snapshot of transport counters.
type Metrics struct {
	ConnectionAttempts     int       `json:"connection_attempts"`
	SuccessfulMessagesSent int       `json:"successful_messages_sent"`
	FailedMessages         int       `json:"failed_messages"`
	LastConnectedAt        time.Time `json:"last_connected_at,omitempty"`
	LastDisconnectedAt     time.Time `json:"last_disconnected_at,omitempty"`
	LastError              string    `json:"last_error,omitempty"`
}

// Manager owns one WebSocket connection and its outbound queue. The
// queue is multi-producer, single-consumer; messages go out in
// submission order.
type Manager struct {
	cfg Config
	log *slog.Logger

	outbound chan []byte
	inbound  chan []byte

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	metrics   Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

var (
	singletonMu sync.Mutex
	singleton   *Manager
)

// Get returns the process-wide manager, constructing it on first call.
// Later calls return the same instance; their config is ignored.
func Get(cfg Config, log *slog.Logger) *Manager {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton == nil {
		singleton = NewManager(cfg, log)
	}
	return singleton
}

// resetSingleton exists for tests.
func resetSingleton() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	singleton = nil
}

// NewManager builds an unstarted manager. Most callers want Get.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	c := cfg.withDefaults()
	return &Manager{
		cfg:      c,
		log:      log,
		outbound: make(chan []byte, c.QueueSize),
		inbound:  make(chan []byte, c.QueueSize),
	}
}

// Start connects and launches the reader, writer, and heartbeat
// goroutines. It blocks for the initial connection only.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	conn, err := m.connect(runCtx)
	if err != nil {
		cancel()
		return err
	}

	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.supervise(runCtx, conn)
	go m.writeLoop(runCtx)
	return nil
}

func (m *Manager) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, err := connectWithRetry(ctx, m.cfg, func() {
		m.mu.Lock()
		m.metrics.ConnectionAttempts++
		m.mu.Unlock()
	})
	if err != nil {
		m.recordError(err)
		return nil, err
	}
	m.mu.Lock()
	m.conn = conn
	m.connected = true
	m.metrics.LastConnectedAt = time.Now().UTC()
	m.mu.Unlock()
	m.log.Info("websocket connected", "url", m.cfg.URL)
	return conn, nil
}

// supervise runs the reader and heartbeat for one connection and
// reconnects when either reports failure.
func (m *Manager) supervise(ctx context.Context, conn *websocket.Conn) {
	defer close(m.doneChan())
	for {
		failed := make(chan error, 2)
		readerCtx, stopConn := context.WithCancel(ctx)
		go m.readLoop(readerCtx, conn, failed)
		go m.heartbeat(readerCtx, conn, failed)

		select {
		case err := <-failed:
			stopConn()
			conn.Close(websocket.StatusGoingAway, "reconnecting")
			m.markDisconnected(err)
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("websocket connection lost, reconnecting", "error", err)
			next, cerr := m.connect(ctx)
			if cerr != nil {
				m.log.Error("websocket reconnect failed", "error", cerr)
				return
			}
			conn = next
		case <-ctx.Done():
			stopConn()
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			m.markDisconnected(nil)
			return
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, failed chan<- error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case failed <- err:
			default:
			}
			return
		}
		select {
		case m.inbound <- data:
		default:
			m.log.Warn("inbound queue full, dropping message")
		}
	}
}

// heartbeat pings every interval and treats three consecutive missed
// pongs as a dead connection.
func (m *Manager) heartbeat(ctx context.Context, conn *websocket.Conn, failed chan<- error) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err == nil {
				missed = 0
				continue
			}
			missed++
			m.log.Warn("websocket pong missed", "missed", missed)
			if missed >= maxMissedPongs {
				select {
				case failed <- err:
				default:
				}
				return
			}
		}
	}
}

// writeLoop is the queue's single consumer.
func (m *Manager) writeLoop(ctx context.Context) {
	var limiter *rate.Limiter
	if m.cfg.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.cfg.SendRate), 1)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-m.outbound:
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
			}
			// Queued messages survive a disconnect; hold this one until
			// the supervisor re-establishes the connection. A write can
			// race the disconnect detection, so failures retry on the
			// next connection a few times before the message is dropped.
			attempts := 0
			for {
				m.mu.Lock()
				conn := m.conn
				ok := m.connected
				m.mu.Unlock()
				if ok && conn != nil {
					err := conn.Write(ctx, websocket.MessageText, data)
					if err == nil {
						m.mu.Lock()
						m.metrics.SuccessfulMessagesSent++
						m.mu.Unlock()
						break
					}
					attempts++
					if attempts >= maxWriteAttempts {
						m.recordSendFailure(err)
						break
					}
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
		}
	}
}

// Send enqueues one outbound message. A full queue is an error rather
// than a block so producers never stall on a slow connection.
func (m *Manager) Send(data []byte) error {
	select {
	case m.outbound <- data:
		return nil
	default:
		m.recordSendFailure(ErrQueueFull)
		return ErrQueueFull
	}
}

// Receive pops the next inbound message. Server 429 throttle payloads
// are swallowed with a short pause and a nil return.
func (m *Manager) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-m.inbound:
		if isRateLimited(data) {
			m.log.Warn("rate limited by server")
			time.Sleep(rateLimitedPause)
			return nil, nil
		}
		return data, nil
	}
}

// Connected reports whether the transport currently holds a live
// connection.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Metrics returns a copy of the counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// Close stops all goroutines and closes the socket.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

func (m *Manager) doneChan() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Manager) markDisconnected(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.conn = nil
	m.metrics.LastDisconnectedAt = time.Now().UTC()
	if err != nil {
		m.metrics.LastError = err.Error()
	}
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.metrics.LastError = err.Error()
	}
}

func (m *Manager) recordSendFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.FailedMessages++
	if err != nil {
		m.metrics.LastError = err.Error()
	}
}
