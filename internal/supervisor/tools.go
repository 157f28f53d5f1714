package supervisor

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/misanthropic-ai/assistant/internal/agent"
	"github.com/misanthropic-ai/assistant/internal/config"
	"github.com/misanthropic-ai/assistant/internal/delegator"
	"github.com/misanthropic-ai/assistant/internal/llm"
	"github.com/misanthropic-ai/assistant/internal/observability"
	"github.com/misanthropic-ai/assistant/internal/persistence"
	"github.com/misanthropic-ai/assistant/internal/sessions"
	"github.com/misanthropic-ai/assistant/internal/subagent"
	"github.com/misanthropic-ai/assistant/internal/tools/exec"
	"github.com/misanthropic-ai/assistant/internal/tools/files"
	"github.com/misanthropic-ai/assistant/internal/tools/memorysearch"
	toolsessions "github.com/misanthropic-ai/assistant/internal/tools/sessions"
	"github.com/misanthropic-ai/assistant/internal/tools/todo"
	"github.com/misanthropic-ai/assistant/internal/tools/websearch"
	"github.com/misanthropic-ai/assistant/internal/toolworker"
)

// buildTools constructs every built-in tool cfg.Tools doesn't exclude,
// keyed by name, plus a ToolCatalogueFunc the chat worker advertises to
// the LLM from the same set.
func buildTools(cfg *config.Config, workspace string, store *persistence.Store, sessionStore sessions.Store) (map[string]agent.Tool, chatworkerCatalogue) {
	excluded := make(map[string]bool, len(cfg.Tools.Exclude))
	for _, name := range cfg.Tools.Exclude {
		excluded[name] = true
	}

	execMgr := exec.NewManager(workspace)
	filesCfg := files.Config{Workspace: workspace}

	candidates := []agent.Tool{
		exec.NewExecTool("exec", execMgr),
		exec.NewProcessTool(execMgr),
		files.NewReadTool(filesCfg),
		files.NewWriteTool(filesCfg),
		files.NewEditTool(filesCfg),
		files.NewApplyPatchTool(filesCfg),
		files.NewGlobTool(filesCfg),
		files.NewLSTool(filesCfg),
		todo.New(store),
		toolsessions.NewListTool(sessionStore, "assistant"),
		toolsessions.NewHistoryTool(sessionStore),
		toolsessions.NewStatusTool(sessionStore),
	}

	if cfg.Tools.WebSearch.Enabled {
		candidates = append(candidates,
			websearch.NewWebSearchTool(&websearch.Config{
				BraveAPIKey:    cfg.Tools.WebSearch.BraveAPIKey,
				DefaultBackend: websearch.SearchBackend(cfg.Tools.WebSearch.Provider),
				ExtractContent: true,
			}),
			websearch.NewWebFetchTool(nil),
		)
	}

	if cfg.Tools.MemorySearch.Enabled {
		candidates = append(candidates,
			memorysearch.NewMemorySearchTool(&memorysearch.Config{
				Directory:     cfg.Tools.MemorySearch.Directory,
				WorkspacePath: workspace,
				MaxResults:    cfg.Tools.MemorySearch.MaxResults,
				Embeddings: memorysearch.EmbeddingsConfig{
					Provider: cfg.Tools.MemorySearch.Embeddings.Provider,
					APIKey:   cfg.Tools.MemorySearch.Embeddings.APIKey,
					BaseURL:  cfg.Tools.MemorySearch.Embeddings.BaseURL,
					Model:    cfg.Tools.MemorySearch.Embeddings.Model,
					CacheTTL: cfg.Tools.MemorySearch.Embeddings.CacheTTL,
				},
			}),
			memorysearch.NewMemoryGetTool(&memorysearch.Config{
				Directory:     cfg.Tools.MemorySearch.Directory,
				WorkspacePath: workspace,
			}),
		)
	}

	byName := make(map[string]agent.Tool, len(candidates))
	for _, tool := range candidates {
		name := tool.Name()
		if excluded[name] {
			continue
		}
		if tc, ok := cfg.Tools.Configs[name]; ok && tc.Enabled != nil && !*tc.Enabled {
			continue
		}
		byName[name] = tool
	}

	return byName, chatworkerCatalogue{tools: byName}
}

// chatworkerCatalogue adapts the constructed tool set into a
// chatworker.ToolCatalogueFunc-compatible closure via its method value,
// so the catalogue always reflects byName's current contents.
type chatworkerCatalogue struct {
	tools map[string]agent.Tool
}

func (c chatworkerCatalogue) list() []llm.Tool {
	out := make([]llm.Tool, 0, len(c.tools))
	for _, tool := range c.tools {
		out = append(out, llm.Tool{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      json.RawMessage(tool.Schema()),
		})
	}
	return out
}

// toolworkerFor wraps tool in a toolworker.Worker with observability
// attached, the form every registered tool actor takes.
func toolworkerFor(tool agent.Tool, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *toolworker.Worker {
	w := toolworker.New(tool, logger)
	w.SetObservability(metrics, tracer)
	return w
}

// delegatorToolConfig translates config.ToolConfig entries into
// delegator.ToolConfig entries (spec.md §6's delegate/system_prompt
// keys); an entry whose Delegate isn't set is kept with Delegate false.
func delegatorToolConfig(configs map[string]config.ToolConfig) map[string]delegator.ToolConfig {
	out := make(map[string]delegator.ToolConfig, len(configs))
	for name, tc := range configs {
		out[name] = delegator.ToolConfig{
			Delegate:     tc.Delegate != nil && *tc.Delegate,
			SystemPrompt: tc.SystemPrompt,
		}
	}
	return out
}

// buildSubAgentFactory builds the delegator's SubAgentFactory: a
// delegated tool name gets its own single-tool sub-agent, reusing the
// parent's LLM provider with a per-tool system prompt and model override.
func buildSubAgentFactory(cfg *config.Config, complete llm.StreamingCompletionFunc, toolsByName map[string]agent.Tool) delegator.SubAgentFactory {
	return func(toolName string) (subagent.Config, bool) {
		tc, ok := cfg.Tools.Configs[toolName]
		if !ok || tc.Delegate == nil || !*tc.Delegate {
			return subagent.Config{}, false
		}
		tool, ok := toolsByName[toolName]
		if !ok {
			return subagent.Config{}, false
		}
		model := strings.TrimSpace(tc.Model)
		if model == "" {
			model = cfg.LLM.Model
		}
		return subagent.Config{
			Model:        model,
			SystemPrompt: tc.SystemPrompt,
			Complete:     complete,
			Tools:        map[string]agent.Tool{toolName: tool},
		}, true
	}
}
