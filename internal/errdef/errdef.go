package errdef

import (
	"fmt"
	"time"
)

// Type classifies an error for monitoring and metrics.
type Type string

const (
	TypeSystem   Type = "system"
	TypeAgent    Type = "agent"
	TypeTool     Type = "tool"
	TypeLLM      Type = "llm"
	TypeTransfer Type = "transfer"
)

// Severity grades an ErrorReport.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Report is the structured record sent to the monitoring collaborator.
type Report struct {
	Type           Type                   `json:"type"`
	Message        string                 `json:"message"`
	Severity       Severity               `json:"severity"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	AssistantID    string                 `json:"assistant_id,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// NewReport builds a Report stamped with the current time.
func NewReport(t Type, severity Severity, message string) *Report {
	return &Report{
		Type:      t,
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	}
}

// StateError is a state-machine violation. These are programmer errors and
// fail fast rather than being converted to typed results.
type StateError struct {
	Op      string
	Current string
	Allowed []string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid transition: %s requires state %v, current %s", e.Op, e.Allowed, e.Current)
}

// ConfigError is a construction-time failure (missing API key, unknown
// model). Raised immediately at Agent/Client creation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Reporter delivers error reports to a monitoring sink. Implementations must
// never block the caller on failure; delivery is best-effort.
type Reporter interface {
	Report(report *Report)
}

// NopReporter drops all reports. Used when monitoring is unavailable.
type NopReporter struct{}

func (NopReporter) Report(*Report) {}
