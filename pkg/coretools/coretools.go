package coretools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/loom/pkg/executor"
)

const defaultMaxReadBytes = 200000

// Options configures the core toolset.
type Options struct {
	WorkspaceRoot string
}

// Toolset is the baseline filesystem toolset advertised to the model.
// All paths are resolved relative to the workspace root and escaping it
// is rejected.
type Toolset struct {
	workspaceRoot string
}

// New creates the core toolset rooted at opts.WorkspaceRoot.
func New(opts Options) (*Toolset, error) {
	if opts.WorkspaceRoot == "" {
		return nil, errors.New("workspace root is required")
	}
	abs, err := filepath.Abs(opts.WorkspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	return &Toolset{workspaceRoot: abs}, nil
}

// Definitions lists the tools exposed to the model.
func (t *Toolset) Definitions() []executor.ToolDefinition {
	return []executor.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":      map[string]interface{}{"type": "string", "description": "Relative file path"},
					"max_bytes": map[string]interface{}{"type": "number", "description": "Maximum bytes to read (default 200000)"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the workspace.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":    map[string]interface{}{"type": "string", "description": "Relative file path"},
					"content": map[string]interface{}{"type": "string", "description": "File content"},
					"append":  map[string]interface{}{"type": "boolean", "description": "Append to file (default false)"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        "list_dir",
			Description: "List the entries of a workspace directory.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string", "description": "Relative directory path (default workspace root)"},
				},
			},
		},
	}
}

// Run executes one tool call and returns its output as a string the
// model can consume.
func (t *Toolset) Run(ctx context.Context, name string, input json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch name {
	case "read_file":
		return t.readFile(input)
	case "write_file":
		return t.writeFile(input)
	case "list_dir":
		return t.listDir(input)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func (t *Toolset) readFile(input json.RawMessage) (string, error) {
	var params struct {
		Path     string `json:"path"`
		MaxBytes int64  `json:"max_bytes"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid read_file input: %w", err)
	}

	target, err := t.resolve(params.Path)
	if err != nil {
		return "", err
	}

	maxBytes := params.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxReadBytes
	}

	f, err := os.Open(target)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return "", err
	}

	truncated := false
	if int64(len(data)) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}

	out := string(data)
	if truncated {
		out += "\n[truncated]"
	}
	return out, nil
}

func (t *Toolset) writeFile(input json.RawMessage) (string, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid write_file input: %w", err)
	}

	target, err := t.resolve(params.Path)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", err
	}

	flag := os.O_CREATE | os.O_WRONLY
	if params.Append {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(target, flag, 0644)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(params.Content); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	return fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path), nil
}

func (t *Toolset) listDir(input json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return "", fmt.Errorf("invalid list_dir input: %w", err)
		}
	}

	target, err := t.resolve(params.Path)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}

// resolve maps a workspace-relative path to an absolute one, rejecting
// traversal outside the root.
func (t *Toolset) resolve(rel string) (string, error) {
	cleaned := filepath.Clean("/" + rel)
	target := filepath.Join(t.workspaceRoot, cleaned)
	if target != t.workspaceRoot && !strings.HasPrefix(target, t.workspaceRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return target, nil
}
