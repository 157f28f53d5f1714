package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/misanthropic-ai/assistant/internal/agent"
)

// GlobTool finds files under the workspace matching a shell glob pattern.
type GlobTool struct {
	resolver Resolver
	root     string
}

// NewGlobTool creates a glob tool scoped to the workspace.
func NewGlobTool(cfg Config) *GlobTool {
	root := strings.TrimSpace(cfg.Workspace)
	if root == "" {
		root = "."
	}
	return &GlobTool{resolver: Resolver{Root: root}, root: root}
}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Find files under the workspace whose path matches a glob pattern (e.g. \"**/*.go\")."
}

func (t *GlobTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Glob pattern, matched against paths relative to the workspace root.",
			},
			"max_results": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of matches to return (default 200).",
				"minimum":     1,
			},
		},
		"required": []string{"pattern"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute walks the workspace and returns paths whose workspace-relative
// form matches pattern. "**" segments match any number of path
// components; every other segment is matched with filepath.Match.
func (t *GlobTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Pattern    string `json:"pattern"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	pattern := strings.TrimSpace(input.Pattern)
	if pattern == "" {
		return toolError("pattern is required"), nil
	}
	limit := input.MaxResults
	if limit <= 0 {
		limit = 200
	}

	rootAbs, err := filepath.Abs(t.root)
	if err != nil {
		return toolError(fmt.Sprintf("resolve workspace root: %v", err)), nil
	}
	patternParts := strings.Split(filepath.ToSlash(pattern), "/")

	var matches []string
	walkErr := filepath.WalkDir(rootAbs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(rootAbs, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if globMatch(patternParts, strings.Split(rel, "/")) {
			matches = append(matches, rel)
		}
		if len(matches) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil && walkErr != fs.SkipAll {
		return toolError(fmt.Sprintf("walk workspace: %v", walkErr)), nil
	}
	sort.Strings(matches)

	result := map[string]interface{}{
		"pattern": pattern,
		"matches": matches,
		"count":   len(matches),
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// globMatch reports whether pathParts matches patternParts, where a "**"
// pattern segment consumes zero or more path segments.
func globMatch(patternParts, pathParts []string) bool {
	if len(patternParts) == 0 {
		return len(pathParts) == 0
	}
	if patternParts[0] == "**" {
		if globMatch(patternParts[1:], pathParts) {
			return true
		}
		if len(pathParts) == 0 {
			return false
		}
		return globMatch(patternParts, pathParts[1:])
	}
	if len(pathParts) == 0 {
		return false
	}
	ok, err := filepath.Match(patternParts[0], pathParts[0])
	if err != nil || !ok {
		return false
	}
	return globMatch(patternParts[1:], pathParts[1:])
}
