package manager

import (
	"sync"
	"time"
)

// sequencer hands out strictly increasing sequence numbers anchored to
// wall-clock milliseconds. Two calls in the same millisecond still get
// distinct values.
type sequencer struct {
	mu   sync.Mutex
	last int64
}

func (s *sequencer) Next() int64 {
	now := time.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return now
}
