package agent

import (
	"github.com/nextlevelbuilder/agentd/internal/errdef"
)

// MaxTransferMessages caps how much conversation rides along on a
// handoff.
const MaxTransferMessages = 12

// Transfer is a handoff of control from one agent to another.
type Transfer struct {
	ToAgentID         string
	TransferToPrimary bool
	Message           string
	Context           string
	MaxMessages       int

	// Run carries the metadata of the run that produced the transfer so
	// the manager resumes the same run on the target agent.
	Run *RunMetadata
}

// NewTransfer validates and builds a transfer. MaxMessages outside
// [0, MaxTransferMessages] is a construction error.
func NewTransfer(toAgentID, message string, maxMessages int) (*Transfer, error) {
	if maxMessages < 0 || maxMessages > MaxTransferMessages {
		return nil, &errdef.ConfigError{
			Field:  "max_messages",
			Reason: "must be between 0 and 12",
		}
	}
	return &Transfer{ToAgentID: toAgentID, Message: message, MaxMessages: maxMessages}, nil
}

// NewTransferToPrimary builds a transfer back to the primary agent,
// used when a secondary agent completes its work.
func NewTransferToPrimary(message string) *Transfer {
	return &Transfer{TransferToPrimary: true, Message: message, MaxMessages: MaxTransferMessages}
}

// RunMode distinguishes how a run was started.
type RunMode string

const (
	ModeCLI    RunMode = "cli"
	ModeClient RunMode = "client"
	ModeRunner RunMode = "runner"
	ModeTest   RunMode = "test"
)

// RunMetadata tracks one user-initiated run across agents and turns.
type RunMetadata struct {
	ID           string
	Mode         RunMode
	CurrentTurn  int
	MaxTurns     int
	UserMessages []string
}
