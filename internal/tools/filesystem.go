package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolvePath resolves a path against the workspace. With restrict set,
// the resolved path must stay inside the workspace.
func resolvePath(path, workspace string, restrict bool) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	resolved := filepath.Clean(path)
	if restrict {
		absWorkspace, err := filepath.Abs(workspace)
		if err != nil {
			return "", fmt.Errorf("resolve workspace: %w", err)
		}
		if resolved != absWorkspace && !strings.HasPrefix(resolved, absWorkspace+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the workspace", path)
		}
	}
	return resolved, nil
}

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	workspace string
	restrict  bool
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	return SilentResult(string(data))
}

// EditFileTool writes or replaces file contents in the workspace.
type EditFileTool struct {
	workspace string
	restrict  bool
}

func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{workspace: workspace, restrict: restrict}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Write content to a file, or replace an exact string within it"
}
func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to edit",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full content to write. Mutually exclusive with old_string/new_string.",
			},
			"old_string": map[string]interface{}{
				"type":        "string",
				"description": "Exact string to replace",
			},
			"new_string": map[string]interface{}{
				"type":        "string",
				"description": "Replacement string",
			},
		},
		"required": []string{"path"},
	}
}

func (t *EditFileTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}

	if content, ok := args["content"].(string); ok {
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return ErrorResult(fmt.Sprintf("failed to create directory: %v", err))
		}
		if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
			return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
		}
		return SilentResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
	}

	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	if oldStr == "" {
		return ErrorResult("either content or old_string/new_string is required")
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	text := string(data)
	count := strings.Count(text, oldStr)
	if count == 0 {
		return ErrorResult("old_string not found in file")
	}
	if count > 1 {
		return ErrorResult(fmt.Sprintf("old_string matches %d times; provide a unique string", count))
	}
	text = strings.Replace(text, oldStr, newStr, 1)
	if err := os.WriteFile(resolved, []byte(text), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return SilentResult(fmt.Sprintf("replaced 1 occurrence in %s", path))
}
