package manager

import (
	"sync"
	"time"
)

// maxRecentTransfers bounds the rolling transfer history.
const maxRecentTransfers = 10

// TransferRecord is one handoff between agents.
type TransferRecord struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
}

// Metrics accumulates manager-level counters.
type Metrics struct {
	mu sync.Mutex

	startedAt           time.Time
	runsTotal           int
	transfersTotal      int
	transfersSuccessful int
	transfersFailed     int
	errorsByType        map[string]int
	recentTransfers     []TransferRecord
}

func newMetrics() *Metrics {
	return &Metrics{
		startedAt:    time.Now().UTC(),
		errorsByType: make(map[string]int),
	}
}

func (m *Metrics) RecordRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runsTotal++
}

func (m *Metrics) RecordTransfer(rec TransferRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfersTotal++
	if rec.Success {
		m.transfersSuccessful++
	} else {
		m.transfersFailed++
	}
	m.recentTransfers = append(m.recentTransfers, rec)
	if len(m.recentTransfers) > maxRecentTransfers {
		m.recentTransfers = m.recentTransfers[len(m.recentTransfers)-maxRecentTransfers:]
	}
}

func (m *Metrics) RecordError(errType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorsByType[errType]++
}

// MetricsSnapshot is a copy of the counters safe to serialize.
type MetricsSnapshot struct {
	RunsTotal           int              `json:"runs_total"`
	TransfersTotal      int              `json:"transfers_total"`
	TransfersSuccessful int              `json:"transfers_successful"`
	TransfersFailed     int              `json:"transfers_failed"`
	ErrorsByType        map[string]int   `json:"errors_by_type"`
	RecentTransfers     []TransferRecord `json:"recent_transfers"`
	UptimeSeconds       float64          `json:"uptime_seconds"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := make(map[string]int, len(m.errorsByType))
	for k, v := range m.errorsByType {
		errs[k] = v
	}
	recent := make([]TransferRecord, len(m.recentTransfers))
	copy(recent, m.recentTransfers)
	return MetricsSnapshot{
		RunsTotal:           m.runsTotal,
		TransfersTotal:      m.transfersTotal,
		TransfersSuccessful: m.transfersSuccessful,
		TransfersFailed:     m.transfersFailed,
		ErrorsByType:        errs,
		RecentTransfers:     recent,
		UptimeSeconds:       time.Since(m.startedAt).Seconds(),
	}
}
