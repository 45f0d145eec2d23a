// Package wstransport maintains the event-bus WebSocket connection:
// dialing with backoff, heartbeats, and an ordered outbound queue.
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultMaxRetries = 10
	defaultRetryDelay = time.Second
	defaultQueueSize  = 1000

	backoffCap        = 5 * time.Minute
	heartbeatInterval = 60 * time.Second
	pongTimeout       = 20 * time.Second
	maxMissedPongs    = 3

	// rateLimitedPause is how long Receive sleeps after swallowing a
	// server 429 payload.
	rateLimitedPause = 100 * time.Millisecond

	// maxWriteAttempts bounds retries of a single outbound message
	// across reconnects before it is counted as failed.
	maxWriteAttempts = 20
)

// ErrQueueFull is returned by Send when the outbound queue is saturated.
var ErrQueueFull = errors.New("websocket: outbound queue full")

// ErrUnauthorized is returned when the server rejects the API key.
// Never retried.
var ErrUnauthorized = errors.New("websocket: unauthorized")

// Config carries connection parameters. Zero values take defaults.
type Config struct {
	URL        string // ws://<host>/ws/<client_id>[?runner_id=...]
	APIKey     string
	MaxRetries int
	RetryDelay time.Duration
	QueueSize  int
	SendRate   float64 // messages per second, 0 = unlimited
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRetries <= 0 {
		out.MaxRetries = defaultMaxRetries
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = defaultRetryDelay
	}
	if out.QueueSize <= 0 {
		out.QueueSize = defaultQueueSize
	}
	return out
}

// dial makes a single connection attempt. A 401 response is terminal.
func dial(ctx context.Context, cfg Config) (*websocket.Conn, error) {
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("X-API-Key", cfg.APIKey)
	}
	conn, resp, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return conn, nil
}

// backoffDelay computes the delay before retry attempt n (0-based):
// exponential from the base, capped, with 10% jitter either way.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(float64(d) * jitter)
}

// connectWithRetry dials until success, exhaustion, or a terminal error.
func connectWithRetry(ctx context.Context, cfg Config, onAttempt func()) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(cfg.RetryDelay, attempt-1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if onAttempt != nil {
			onAttempt()
		}
		conn, err := dial(ctx, cfg)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("websocket: connect failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}

// rateLimitedPayload matches the throttling error envelope the server
// emits when a client sends too fast.
type rateLimitedPayload struct {
	Type    string `json:"type"`
	Payload struct {
		Code int `json:"code"`
	} `json:"payload"`
	Code int `json:"code"`
}

// isRateLimited reports whether data is a 429 error payload.
func isRateLimited(data []byte) bool {
	var p rateLimitedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	if p.Type != "error" {
		return false
	}
	return p.Code == http.StatusTooManyRequests || p.Payload.Code == http.StatusTooManyRequests
}
