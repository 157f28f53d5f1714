package config

import (
	"fmt"
	"os"
	"strings"
)

// Config is the assistant's top-level configuration, loaded from a single
// YAML or JSON5 file (see loader.go for $include and env-substitution
// support). Only the keys declared by Config and its nested types are
// recognised; everything else is rejected by the strict decoder below.
type Config struct {
	Version    int              `yaml:"version"`
	LLM        LLMConfig        `yaml:"llm"`
	Tools      ToolsConfig      `yaml:"tools"`
	Session    SessionConfig    `yaml:"session"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Load reads path (resolving $include directives and expanding ${VAR}
// references along the way, see loader.go), decodes strictly against
// Config, applies environment overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	applyLLMDefaults(&cfg.LLM)
	applyToolsDefaults(&cfg.Tools)
	applySessionDefaults(&cfg.Session)
	applyEmbeddingsDefaults(&cfg.Embeddings)
	applyLoggingDefaults(&cfg.Logging)
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.Provider == "" {
		cfg.Provider = "anthropic"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.Configs == nil {
		cfg.Configs = map[string]ToolConfig{}
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.DatabasePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.DatabasePath = home + "/.assistant/assistant.db"
	}
}

func applyEmbeddingsDefaults(cfg *EmbeddingsConfig) {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "text-embedding-3-small"
	}
	if cfg.Models == nil {
		cfg.Models = map[string]EmbeddingModelConfig{}
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
}

// applyEnvOverrides lets deployment secrets win over the config file
// without needing a secrets manager.
func applyEnvOverrides(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv("ASSISTANT_LLM_API_KEY")); value != "" {
		cfg.LLM.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("ASSISTANT_LLM_BASE_URL")); value != "" {
		cfg.LLM.BaseURL = value
	}
	if value := strings.TrimSpace(os.Getenv("ASSISTANT_SESSION_DATABASE_PATH")); value != "" {
		cfg.Session.DatabasePath = value
	}
	if value := strings.TrimSpace(os.Getenv("ASSISTANT_LOG_LEVEL")); value != "" {
		cfg.Logging.Level = value
	}
}

// ConfigValidationError aggregates every validation failure found, so a
// user fixes a broken config file in one pass instead of one error at a
// time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	var issues []string

	if cfg.LLM.MaxTokens < 0 {
		issues = append(issues, "llm.max_tokens must not be negative")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		issues = append(issues, "llm.temperature must be between 0 and 2")
	}
	if cfg.LLM.Provider != "anthropic" && cfg.LLM.Provider != "openai" {
		issues = append(issues, "llm.provider must be \"anthropic\" or \"openai\"")
	}
	for name, tc := range cfg.Tools.Configs {
		if tc.Temperature != nil && (*tc.Temperature < 0 || *tc.Temperature > 2) {
			issues = append(issues, fmt.Sprintf("tools.configs.%s.temperature must be between 0 and 2", name))
		}
	}
	if cfg.Session.DatabasePath == "" {
		issues = append(issues, "session.database_path must not be empty")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
