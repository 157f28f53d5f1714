package config

// LLMConfig holds the default LLM client's credentials and generation
// parameters (spec.md §6's configuration keys: api_key, base_url, model,
// temperature, max_tokens). The core talks to exactly one configured
// provider through the StreamingCompletionFunc contract (spec.md §6's
// streaming chat-completion function); provider selection, fallback
// chains, and Bedrock/Ollama discovery are gateway-scale concerns this
// assistant's Non-goals exclude.
type LLMConfig struct {
	// Provider selects which StreamingCompletionFunc adapter backs the
	// core: "anthropic" or "openai".
	Provider    string  `yaml:"provider"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}
