package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/misanthropic-ai/assistant/internal/agent"
)

// LSTool lists the immediate contents of a workspace directory.
type LSTool struct {
	resolver Resolver
}

// NewLSTool creates a directory-listing tool scoped to the workspace.
func NewLSTool(cfg Config) *LSTool {
	return &LSTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *LSTool) Name() string { return "ls" }

func (t *LSTool) Description() string {
	return "List the files and subdirectories directly inside a workspace directory."
}

func (t *LSTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list, relative to the workspace root (default: workspace root).",
			},
		},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *LSTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	target := strings.TrimSpace(input.Path)
	if target == "" {
		target = "."
	}

	resolved, err := t.resolver.Resolve(target)
	if err != nil {
		return toolError(err.Error()), nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read directory: %v", err)), nil
	}

	type listing struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
		Size  int64  `json:"size,omitempty"`
	}
	items := make([]listing, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		items = append(items, listing{
			Name:  entry.Name(),
			IsDir: entry.IsDir(),
			Size:  info.Size(),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	result := map[string]interface{}{
		"path":    path.Clean(target),
		"entries": items,
		"count":   len(items),
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
