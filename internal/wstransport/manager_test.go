package wstransport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
)

func TestSingleton_FirstConstructionWins(t *testing.T) {
	resetSingleton()
	t.Cleanup(resetSingleton)

	first := Get(Config{URL: "ws://first/ws/a", QueueSize: 5}, nil)
	second := Get(Config{URL: "ws://second/ws/b", QueueSize: 99}, nil)
	if first != second {
		t.Fatal("Get returned different instances")
	}
	if second.cfg.URL != "ws://first/ws/a" {
		t.Errorf("second construction overwrote config: %q", second.cfg.URL)
	}
}

func TestBackoffDelay_CapAndJitter(t *testing.T) {
	base := time.Second
	for attempt := 0; attempt < 20; attempt++ {
		d := backoffDelay(base, attempt)
		if d > time.Duration(float64(backoffCap)*1.1) {
			t.Fatalf("attempt %d: delay %v exceeds cap", attempt, d)
		}
		if attempt < 3 {
			ideal := base << attempt
			lo := time.Duration(float64(ideal) * 0.9)
			hi := time.Duration(float64(ideal) * 1.1)
			if d < lo || d > hi {
				t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name string
		data string
		want bool
	}{
		{"flat code", `{"type":"error","code":429}`, true},
		{"nested code", `{"type":"error","payload":{"code":429}}`, true},
		{"other error", `{"type":"error","code":500}`, false},
		{"not an error", `{"type":"message","code":429}`, false},
		{"not json", `hello`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRateLimited([]byte(tt.data)); got != tt.want {
				t.Errorf("isRateLimited(%s) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestSend_QueueFull(t *testing.T) {
	m := NewManager(Config{URL: "ws://unused", QueueSize: 2}, nil)
	if err := m.Send([]byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := m.Send([]byte("two")); err != nil {
		t.Fatal(err)
	}
	if err := m.Send([]byte("three")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Send = %v, want ErrQueueFull", err)
	}
	if got := m.Metrics().FailedMessages; got != 1 {
		t.Errorf("failed messages = %d, want 1", got)
	}
}

func TestStart_UnauthorizedFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewManager(Config{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/client",
		APIKey:     "wrong",
		MaxRetries: 5,
		RetryDelay: 10 * time.Millisecond,
	}, nil)

	start := time.Now()
	err := m.Start(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Start = %v, want ErrUnauthorized", err)
	}
	// No backoff retries on auth failure.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("auth failure took %v, expected immediate", elapsed)
	}
	if got := m.Metrics().ConnectionAttempts; got != 1 {
		t.Errorf("connection attempts = %d, want 1", got)
	}
}

// echoServer accepts WebSocket connections and forwards every text
// frame to recv. If closeAfter > 0, it drops each connection after that
// many messages.
type echoServer struct {
	upgrader   gws.Upgrader
	recv       chan string
	closeAfter int
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	count := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.recv <- string(data)
		count++
		if s.closeAfter > 0 && count >= s.closeAfter {
			conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseGoingAway, "bye"))
			return
		}
	}
}

func TestReconnect_DeliversQueuedMessages(t *testing.T) {
	es := &echoServer{recv: make(chan string, 16), closeAfter: 1}
	srv := httptest.NewServer(es)
	defer srv.Close()

	m := NewManager(Config{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/client",
		MaxRetries: 10,
		RetryDelay: 20 * time.Millisecond,
		QueueSize:  10,
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	if err := m.Send([]byte("first")); err != nil {
		t.Fatal(err)
	}
	waitRecv(t, es.recv, "first")

	// The server dropped the connection after the first message. Queue
	// more while the client reconnects; they must arrive in order.
	if err := m.Send([]byte("second")); err != nil {
		t.Fatal(err)
	}
	if err := m.Send([]byte("third")); err != nil {
		t.Fatal(err)
	}
	waitRecv(t, es.recv, "second")
	waitRecv(t, es.recv, "third")

	if got := m.Metrics().ConnectionAttempts; got < 2 {
		t.Errorf("connection attempts = %d, want at least 2", got)
	}
	if got := m.Metrics().SuccessfulMessagesSent; got < 3 {
		t.Errorf("successful sends = %d, want at least 3", got)
	}
}

func waitRecv(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("received %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}
