// Package supervisor assembles one running assistant: it selects an LLM
// provider from config, spawns the llm, persistence, delegator, and tool
// worker actors under a single actor.Supervisor, wires the late-bound
// refs chatworker declares locally for itself, and registers every
// built-in tool the configuration enables.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/misanthropic-ai/assistant/internal/actor"
	"github.com/misanthropic-ai/assistant/internal/agent"
	"github.com/misanthropic-ai/assistant/internal/chatworker"
	"github.com/misanthropic-ai/assistant/internal/compaction"
	"github.com/misanthropic-ai/assistant/internal/config"
	"github.com/misanthropic-ai/assistant/internal/delegator"
	"github.com/misanthropic-ai/assistant/internal/infra"
	"github.com/misanthropic-ai/assistant/internal/jobs"
	"github.com/misanthropic-ai/assistant/internal/llm"
	llmanthropic "github.com/misanthropic-ai/assistant/internal/llm/providers/anthropic"
	llmopenai "github.com/misanthropic-ai/assistant/internal/llm/providers/openai"
	embopenai "github.com/misanthropic-ai/assistant/internal/memory/embeddings/openai"
	embollama "github.com/misanthropic-ai/assistant/internal/memory/embeddings/ollama"
	"github.com/misanthropic-ai/assistant/internal/observability"
	"github.com/misanthropic-ai/assistant/internal/persistence"
	"github.com/misanthropic-ai/assistant/internal/ratelimit"
	"github.com/misanthropic-ai/assistant/internal/sessions"
	"github.com/misanthropic-ai/assistant/pkg/models"
)

// Assistant is one fully wired, running instance: the actor tree plus the
// handles main needs to feed it user prompts and shut it down.
type Assistant struct {
	Supervisor *actor.Supervisor
	Chat       actor.Handle[chatworker.Msg]
	ChatRef    *chatworker.Ref
	Sessions   sessions.Store
	SessionID  string

	cancel         context.CancelFunc
	tracerShutdown func(context.Context) error
}

// Shutdown stops every spawned actor in reverse dependency order,
// flushes the trace exporter, and releases the supervisor's root context.
func (a *Assistant) Shutdown(ctx context.Context) {
	a.Supervisor.StopAll(ctx)
	if a.tracerShutdown != nil {
		_ = a.tracerShutdown(ctx)
	}
	a.cancel()
}

// Build constructs one assistant from cfg: an LLM provider, the
// persistence worker, every enabled tool worker registered with the
// delegator, and the chat worker that drives them all. workspace scopes
// the filesystem and exec tools; sessionKey names the CLI session this
// process resumes or creates.
func Build(parent context.Context, cfg *config.Config, workspace, sessionKey string, logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)
	sup := actor.NewSupervisor(cancel, logger)

	complete, err := buildLLMProvider(cfg.LLM)
	if err != nil {
		cancel()
		return nil, err
	}

	llmHandle, err := actor.Spawn(ctx, sup, llm.New(complete, logger), actor.SpawnOptions{Name: "llm", Logger: logger})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("supervisor: spawn llm: %w", err)
	}

	store, err := persistence.Open(cfg.Session.DatabasePath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("supervisor: open persistence store: %w", err)
	}
	embedFunc, err := buildEmbeddingFunc(cfg.Embeddings)
	if err != nil {
		logger.Warn("supervisor: embeddings disabled", "error", err)
		embedFunc = nil
	}
	summarizer := newLLMSummarizer(complete, cfg.LLM.Model)
	persistHandle, err := actor.Spawn(ctx, sup, persistence.New(store, embedFunc, summarizer.SummarizeText, logger),
		actor.SpawnOptions{Name: "persistence", Logger: logger})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("supervisor: spawn persistence: %w", err)
	}
	persistRef := persistence.NewRef(persistHandle.Ref)

	sessionStore := sessions.NewMemoryStore()
	session, err := sessionStore.GetOrCreate(ctx, sessionKey, "assistant", models.ChannelType("cli"), sessionKey)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("supervisor: create cli session: %w", err)
	}

	toolsByName, catalogue := buildTools(cfg, workspace, store, sessionStore)

	metrics := observability.NewMetrics()
	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "assistant"})

	delegatorCfg := delegator.Config{Tools: delegatorToolConfig(cfg.Tools.Configs)}
	factory := buildSubAgentFactory(cfg, complete, toolsByName)
	delegatorWorker := delegator.New(delegatorCfg, factory, sup, logger)
	delegatorWorker.SetRateLimit(ratelimit.DefaultConfig())
	delegatorHandle, err := actor.Spawn(ctx, sup, delegatorWorker, actor.SpawnOptions{Name: "delegator", Logger: logger})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("supervisor: spawn delegator: %w", err)
	}
	delegatorWorker.SetSelfRef(delegator.NewRef(delegatorHandle.Ref))

	for name, tool := range toolsByName {
		workerHandle, err := actor.Spawn(ctx, sup, toolworkerFor(tool, metrics, tracer, logger),
			actor.SpawnOptions{Name: "tool-" + name, Logger: logger})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("supervisor: spawn tool %s: %w", name, err)
		}
		delegatorHandle.Ref.Send(delegator.Msg{RegisterTool: &delegator.RegisterTool{Name: name, Ref: workerHandle.Ref}})
	}

	chatWorker := chatworker.New(session.ID, workspace, llmHandle.Ref, catalogue.list, cfg.LLM.Model, defaultSystemPrompt, logger)
	approvalChecker := agent.NewApprovalChecker(&agent.ApprovalPolicy{
		Allowlist:       cfg.Tools.Execution.Approval.Allowlist,
		Denylist:        cfg.Tools.Execution.Approval.Denylist,
		RequireApproval: cfg.Tools.Execution.RequireApproval,
		DefaultDecision: cfg.Tools.Execution.Approval.DefaultDecision,
	})
	chatWorker.SetApproval(approvalChecker, "assistant")
	chatWorker.SetAsyncTools(cfg.Tools.Execution.Async, jobs.NewMemoryStore())
	chatWorker.SetCompaction(summarizer, compaction.DefaultSummarizationConfig())

	chatHandle, err := actor.Spawn(ctx, sup, chatWorker, actor.SpawnOptions{Name: "chat", Logger: logger})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("supervisor: spawn chat: %w", err)
	}
	chatRef := chatworker.NewRef(chatHandle.Ref)
	chatWorker.SetSelfRef(chatRef)

	llmHandle.Ref.Send(llm.Msg{SetChatRef: &llm.SetChatRef{Ref: chatRef}})
	chatHandle.Ref.Send(chatworker.Msg{SetDelegatorRef: &chatworker.SetDelegatorRef{Ref: delegator.NewRef(delegatorHandle.Ref)}})
	chatHandle.Ref.Send(chatworker.Msg{SetPersistenceRef: &chatworker.SetPersistenceRef{Ref: persistRef}})
	chatHandle.Ref.Send(chatworker.Msg{SetClientRef: &chatworker.SetClientRef{Ref: llmHandle.Ref}})

	return &Assistant{
		Supervisor:     sup,
		Chat:           chatHandle,
		ChatRef:        chatRef,
		Sessions:       sessionStore,
		SessionID:      session.ID,
		cancel:         cancel,
		tracerShutdown: tracerShutdown,
	}, nil
}

const defaultSystemPrompt = "You are a careful, direct assistant with access to tools for " +
	"running commands, reading and editing files, searching the web, and recalling prior " +
	"conversation memory. Use tools when they let you give a more accurate answer."

func buildLLMProvider(cfg config.LLMConfig) (llm.StreamingCompletionFunc, error) {
	var complete llm.StreamingCompletionFunc
	switch cfg.Provider {
	case "", "anthropic":
		p := llmanthropic.New(llmanthropic.Config{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
		complete = p.Complete
	case "openai":
		p := llmopenai.New(llmopenai.Config{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
		complete = p.Complete
	default:
		return nil, fmt.Errorf("supervisor: unknown llm provider %q", cfg.Provider)
	}
	return circuitBreakLLM(cfg.Provider, complete), nil
}

// circuitBreakLLM wraps complete so repeated provider failures trip a
// breaker instead of letting every turn retry against a down upstream,
// grounded on internal/infra's circuit breaker (the gateway's outbound
// HTTP protection, generalized here to the LLM completion call).
func circuitBreakLLM(provider string, complete llm.StreamingCompletionFunc) llm.StreamingCompletionFunc {
	name := provider
	if name == "" {
		name = "anthropic"
	}
	cb := infra.NewCircuitBreaker(infra.CircuitBreakerConfig{Name: "llm-" + name})
	return func(ctx context.Context, req llm.CompletionParams) (<-chan llm.StreamChunk, error) {
		return infra.ExecuteWithResult(cb, ctx, func(ctx context.Context) (<-chan llm.StreamChunk, error) {
			return complete(ctx, req)
		})
	}
}

// buildEmbeddingFunc resolves cfg's default embedding model into a
// persistence.EmbeddingFunc, or returns an error (non-fatal to the
// caller) when no default model is configured.
func buildEmbeddingFunc(cfg config.EmbeddingsConfig) (persistence.EmbeddingFunc, error) {
	model, ok := cfg.Models[cfg.DefaultModel]
	if !ok {
		return nil, fmt.Errorf("no embeddings.models entry for default_model %q", cfg.DefaultModel)
	}
	var embed persistence.EmbeddingFunc
	switch model.Provider {
	case "ollama":
		p, err := embollama.New(embollama.Config{BaseURL: model.BaseURL, Model: model.Model})
		if err != nil {
			return nil, err
		}
		embed = p.Embed
	case "openai", "":
		p, err := embopenai.New(embopenai.Config{APIKey: model.APIKey, BaseURL: model.BaseURL, Model: model.Model})
		if err != nil {
			return nil, err
		}
		embed = p.Embed
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", model.Provider)
	}
	return coalesceEmbeddings(embed), nil
}

// coalesceEmbeddings collapses concurrent identical-text embed calls (a
// user prompt re-embedded for both persistence and memory search in the
// same turn) into one upstream request, grounded on internal/infra's
// request coalescer.
func coalesceEmbeddings(embed persistence.EmbeddingFunc) persistence.EmbeddingFunc {
	group := &infra.Group[string, []float32]{}
	return func(ctx context.Context, text string) ([]float32, error) {
		vec, err, _ := group.Do(text, func() ([]float32, error) {
			return embed(ctx, text)
		})
		return vec, err
	}
}
