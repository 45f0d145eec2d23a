package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MemoryTool appends to and reads a per-agent memory file. Memory is a
// plain markdown file so users can inspect and edit it directly.
type MemoryTool struct {
	path string
}

func NewMemoryTool(dir, agentID string) *MemoryTool {
	return &MemoryTool{path: filepath.Join(dir, agentID+"-memory.md")}
}

func (t *MemoryTool) Name() string { return "memory" }
func (t *MemoryTool) Description() string {
	return "Save a note to long-term memory, or recall saved notes"
}
func (t *MemoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"save", "recall"},
				"description": "save appends a note; recall returns all notes",
			},
			"note": map[string]interface{}{
				"type":        "string",
				"description": "The note to save (required for save)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *MemoryTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)
	switch action {
	case "save":
		note, _ := args["note"].(string)
		note = strings.TrimSpace(note)
		if note == "" {
			return ErrorResult("note is required for save")
		}
		if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
			return ErrorResult(fmt.Sprintf("failed to create memory dir: %v", err))
		}
		f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return ErrorResult(fmt.Sprintf("failed to open memory: %v", err))
		}
		defer f.Close()
		entry := fmt.Sprintf("- [%s] %s\n", time.Now().UTC().Format("2006-01-02"), note)
		if _, err := f.WriteString(entry); err != nil {
			return ErrorResult(fmt.Sprintf("failed to save note: %v", err))
		}
		return SilentResult("note saved")

	case "recall":
		data, err := os.ReadFile(t.path)
		if err != nil {
			if os.IsNotExist(err) {
				return SilentResult("(no memories saved yet)")
			}
			return ErrorResult(fmt.Sprintf("failed to read memory: %v", err))
		}
		if len(data) == 0 {
			return SilentResult("(no memories saved yet)")
		}
		return SilentResult(string(data))
	}
	return ErrorResult("action must be save or recall")
}
