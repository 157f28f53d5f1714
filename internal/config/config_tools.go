package config

import "time"

// ToolsConfig is spec.md §6's tools.* configuration surface: a set of
// tool names to omit from the catalogue, and per-tool overrides.
type ToolsConfig struct {
	Exclude      []string           `yaml:"exclude"`
	Configs      map[string]ToolConfig `yaml:"configs"`
	Execution    ToolExecutionConfig   `yaml:"execution"`
	WebSearch    WebSearchConfig       `yaml:"websearch"`
	MemorySearch MemorySearchConfig    `yaml:"memory_search"`
}

// ToolConfig is one entry of tools.configs: spec.md §6's
// `{ enabled, delegate?, api_key?, base_url?, model?, temperature?,
// system_prompt?, use_tool_api? }`. Enabled=false removes the tool from
// the catalogue the same way listing it under Exclude would; Delegate
// forces every call to this tool through a sub-agent (see
// internal/delegator.ToolConfig, which this is adapted into at startup).
type ToolConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	Delegate     *bool    `yaml:"delegate"`
	APIKey       string   `yaml:"api_key"`
	BaseURL      string   `yaml:"base_url"`
	Model        string   `yaml:"model"`
	Temperature  *float64 `yaml:"temperature"`
	SystemPrompt string   `yaml:"system_prompt"`
	UseToolAPI   *bool    `yaml:"use_tool_api"`
}

// ToolExecutionConfig controls the chat worker's agent-loop limits and
// the approval/async policies layered on top of tool dispatch (spec.md
// §4.3's enrichment: a hard per-turn iteration cap, a synchronous
// approval gate for named tools, and async tools whose Execute returns
// immediately via a job id rather than blocking the turn).
type ToolExecutionConfig struct {
	MaxIterations   int            `yaml:"max_iterations"`
	RequireApproval []string       `yaml:"require_approval"`
	Async           []string       `yaml:"async"`
	Approval        ApprovalConfig `yaml:"approval"`
}

// ApprovalConfig controls which tools a user must explicitly approve
// before the delegator dispatches them.
type ApprovalConfig struct {
	Allowlist       []string      `yaml:"allowlist"`
	Denylist        []string      `yaml:"denylist"`
	DefaultDecision string        `yaml:"default_decision"`
	RequestTTL      time.Duration `yaml:"request_ttl"`
}

// WebSearchConfig configures the web_search tool worker.
type WebSearchConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Provider    string `yaml:"provider"`
	BraveAPIKey string `yaml:"brave_api_key"`
}

// MemorySearchConfig configures the memory_search tool worker's vector
// backend.
type MemorySearchConfig struct {
	Enabled    bool                         `yaml:"enabled"`
	Directory  string                       `yaml:"directory"`
	MaxResults int                          `yaml:"max_results"`
	Embeddings MemorySearchEmbeddingsConfig `yaml:"embeddings"`
}

// MemorySearchEmbeddingsConfig configures the embedding model backing
// memory_search.
type MemorySearchEmbeddingsConfig struct {
	Provider string        `yaml:"provider"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}
