package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/strand/internal/permissions"
	"github.com/haasonsaas/strand/internal/tools"
)

// maxReadBytes caps file reads so one oversized file cannot flood the
// context window.
const maxReadBytes = 256 * 1024

// resolvePath joins a model-supplied relative path against root and rejects
// traversal outside it.
func resolvePath(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(filepath.Join(root, rel))
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace root", rel)
	}
	return abs, nil
}

func newReadFileTool(root string) tools.Registration {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the workspace root."}
		},
		"required": ["path"]
	}`)

	return tools.Registration{
		Descriptor: tools.Descriptor{
			Name:        "read_file",
			Description: "Read a text file from the workspace. Output is truncated past 256KB.",
			Schema:      schema,
			Permission:  permissions.ToolPolicy{Scope: permissions.ScopeSession, Risk: permissions.RiskLow},
			Idempotency: tools.IdempotencySpec{Safe: true, TTL: 30 * time.Second},
			OutputSize:  tools.SizeLarge,
		},
		Tool: tools.ToolFunc(func(ctx context.Context, raw json.RawMessage) (*tools.Output, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			path, err := resolvePath(root, args.Path)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			content := string(data)
			if len(content) > maxReadBytes {
				content = content[:maxReadBytes] + "\n[truncated]"
			}
			return &tools.Output{Content: content}, nil
		}),
	}
}

func newListDirTool(root string) tools.Registration {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory path relative to the workspace root. Defaults to the root."}
		}
	}`)

	return tools.Registration{
		Descriptor: tools.Descriptor{
			Name:        "list_dir",
			Description: "List directory entries. Directories are suffixed with a slash.",
			Schema:      schema,
			Permission:  permissions.ToolPolicy{Scope: permissions.ScopeAlways, Risk: permissions.RiskLow},
			Idempotency: tools.IdempotencySpec{Safe: true, TTL: 10 * time.Second},
			OutputSize:  tools.SizeVariable,
		},
		Tool: tools.ToolFunc(func(ctx context.Context, raw json.RawMessage) (*tools.Output, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			if args.Path == "" {
				args.Path = "."
			}
			path, err := resolvePath(root, args.Path)
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return &tools.Output{Content: strings.Join(names, "\n")}, nil
		}),
	}
}

func newWriteFileTool(root string) tools.Registration {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path":    {"type": "string", "description": "File path relative to the workspace root."},
			"content": {"type": "string", "description": "Full file content to write."}
		},
		"required": ["path", "content"]
	}`)

	return tools.Registration{
		Descriptor: tools.Descriptor{
			Name:        "write_file",
			Description: "Write a text file, creating parent directories as needed. Overwrites existing content.",
			Schema:      schema,
			Permission:  permissions.ToolPolicy{Scope: permissions.ScopeOnce, Risk: permissions.RiskHigh},
			OutputSize:  tools.SizeSmall,
		},
		Tool: tools.ToolFunc(func(ctx context.Context, raw json.RawMessage) (*tools.Output, error) {
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			path, err := resolvePath(root, args.Path)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
				return nil, err
			}
			return &tools.Output{Content: fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)}, nil
		}),
	}
}
