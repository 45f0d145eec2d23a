package tools

import (
	"context"
	"fmt"
	"strings"
)

// TransferTool advertises the transfer_to_agent capability to the
// model. It never executes: the dispatcher intercepts it and hands the
// batch outcome to the agent manager. Execute exists only to satisfy
// the Tool interface for direct invocation in tests.
type TransferTool struct {
	targets []string
}

// NewTransferTool lists the agent ids the model may transfer to; the
// list appears in the tool description so the model picks valid ids.
func NewTransferTool(targets []string) *TransferTool {
	return &TransferTool{targets: targets}
}

func (t *TransferTool) Name() string { return TransferName }
func (t *TransferTool) Description() string {
	desc := "Transfer the conversation to another agent when the request is outside your scope."
	if len(t.targets) > 0 {
		desc += " Available agents: " + strings.Join(t.targets, ", ")
	}
	return desc
}
func (t *TransferTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent_id": map[string]interface{}{
				"type":        "string",
				"description": "The id of the agent to transfer to",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Context for the receiving agent about what is needed",
			},
		},
		"required": []string{"agent_id"},
	}
}

func (t *TransferTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	target, _ := args["agent_id"].(string)
	return SilentResult(fmt.Sprintf("Transferring to agent %s.", target))
}
