package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nibot/nibot/internal/types"
)

// ReadFileTool reads a file's contents, refusing to escape its configured
// root directory. Grounded on the teacher's internal/tools/filesystem.go
// read/write pair, trimmed to the single root-jail check the teacher's
// more elaborate allow/deny path rules reduce to for this scope.
type ReadFileTool struct {
	root string
}

func NewReadFileTool(root string) *ReadFileTool { return &ReadFileTool{root: root} }

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a text file." }

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Path relative to the working directory."},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, tc types.ToolContext, args map[string]interface{}) (*Result, error) {
	rel, _ := args["path"].(string)
	full, err := resolveInRoot(t.root, rel)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %s", rel, err)), nil
	}
	return NewResult(string(data)), nil
}

// WriteFileTool writes a file's contents within its configured root.
type WriteFileTool struct {
	root string
}

func NewWriteFileTool(root string) *WriteFileTool { return &WriteFileTool{root: root} }

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write text content to a file, creating or overwriting it." }

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "Path relative to the working directory."},
			"content": map[string]interface{}{"type": "string", "description": "Text content to write."},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, tc types.ToolContext, args map[string]interface{}) (*Result, error) {
	rel, _ := args["path"].(string)
	content, _ := args["content"].(string)
	full, err := resolveInRoot(t.root, rel)
	if err != nil {
		return ErrorResult(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return ErrorResult(err.Error()), nil
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %s", rel, err)), nil
	}
	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), rel)), nil
}

// resolveInRoot joins rel onto root and rejects any path that escapes it.
func resolveInRoot(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(root, rel)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if absFull != absRoot && !strings.HasPrefix(absFull, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes working directory", rel)
	}
	return absFull, nil
}
