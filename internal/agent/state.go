package agent

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// TokenStats breaks the context budget down by component.
type TokenStats struct {
	System    int `json:"system"`
	Tools     int `json:"tools"`
	Project   int `json:"project"`
	Memories  int `json:"memories"`
	Summaries int `json:"summaries"`
	Messages  int `json:"messages"`

	// ActualUsage is the provider-reported usage, accumulated.
	ActualUsage providers.Usage `json:"actual_usage"`
}

// State is an agent's runtime bookkeeping. The owning agent is the only
// writer; snapshots go out by value.
type State struct {
	mu sync.Mutex

	HasInitialized bool
	Tokens         TokenStats
	MessageCount   int
	ToolCallCount  int
	ErrorCount     int
	LastError      string
	CreatedAt      time.Time
}

func NewState() *State {
	return &State{CreatedAt: time.Now().UTC()}
}

func (s *State) MarkInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HasInitialized = true
}

func (s *State) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.HasInitialized
}

func (s *State) RecordMessages(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessageCount += n
}

func (s *State) RecordToolCalls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolCallCount += n
}

func (s *State) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorCount++
	s.LastError = err.Error()
}

func (s *State) RecordUsage(u providers.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tokens.ActualUsage.Add(u)
}

func (s *State) SetTokenBreakdown(fn func(*TokenStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.Tokens)
}

// StateSnapshot is a copy of State safe to hand out.
type StateSnapshot struct {
	HasInitialized bool
	Tokens         TokenStats
	MessageCount   int
	ToolCallCount  int
	ErrorCount     int
	LastError      string
	CreatedAt      time.Time
}

func (s *State) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		HasInitialized: s.HasInitialized,
		Tokens:         s.Tokens,
		MessageCount:   s.MessageCount,
		ToolCallCount:  s.ToolCallCount,
		ErrorCount:     s.ErrorCount,
		LastError:      s.LastError,
		CreatedAt:      s.CreatedAt,
	}
}
