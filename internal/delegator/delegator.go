// Package delegator implements the delegator: the routing layer between a
// chat worker's assembled tool calls and either a local tool worker or a
// lazily-spawned, cached sub-agent.
package delegator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/misanthropic-ai/assistant/internal/actor"
	"github.com/misanthropic-ai/assistant/internal/llm"
	"github.com/misanthropic-ai/assistant/internal/ratelimit"
	"github.com/misanthropic-ai/assistant/internal/subagent"
	"github.com/misanthropic-ai/assistant/internal/toolworker"
	"github.com/misanthropic-ai/assistant/internal/turn"
)

// ToolConfig is the per-tool-name delegation policy.
type ToolConfig struct {
	// Delegate forces every call to this tool name through a sub-agent,
	// regardless of the call's own Delegate flag.
	Delegate bool
	// SystemPrompt, if non-empty, is prefixed onto the sub-agent's task
	// as "Context: {SystemPrompt}\n\nTask: {...}".
	SystemPrompt string
}

// Config is the delegator's static routing policy.
type Config struct {
	Tools map[string]ToolConfig
}

// SubAgentFactory builds the embedded-LLM/tool configuration for a named
// tool's sub-agent, the first time that tool name is delegated. Returning
// false means no sub-agent is configured for that name.
type SubAgentFactory func(toolName string) (subagent.Config, bool)

// RegisterTool binds a tool name to its tool worker.
type RegisterTool struct {
	Name string
	Ref  actor.Ref[toolworker.Msg]
}

// RouteToolCall asks the delegator to dispatch one assembled tool call,
// either locally or via a sub-agent, replying to chatRef when done.
type RouteToolCall struct {
	ID      turn.ID
	Call    llm.ToolRequest
	ChatRef toolworker.ChatRef
}

// SubAgentResponse is the sub-agent's answer to a previously delegated
// call, forwarded to the originating chat ref as a ToolResult.
type SubAgentResponse struct {
	ID     turn.ID
	Result string
}

// Msg is the delegator's mailbox message union.
type Msg struct {
	RegisterTool     *RegisterTool
	RouteToolCall    *RouteToolCall
	SubAgentResponse *SubAgentResponse
}

type pendingCall struct {
	chatRef toolworker.ChatRef
	callID  string
}

type state struct {
	tools     map[string]actor.Ref[toolworker.Msg]
	subAgents map[string]actor.Handle[subagent.Msg]
	pending   map[turn.ID]pendingCall
}

// Worker implements the delegator actor.
type Worker struct {
	cfg     Config
	factory SubAgentFactory
	sup     *actor.Supervisor
	logger  *slog.Logger

	// selfRef is the late-bound ref handed to sub-agents as ExecuteQuery's
	// reply_to, set via SetSelfRef once after this worker's own Spawn
	// returns, before any tool call that might delegate is routed.
	selfRef *Ref

	// limiter throttles dispatch per tool name; nil disables throttling.
	limiter *ratelimit.Limiter
}

// New creates a delegator bound to cfg's routing policy and factory.
func New(cfg Config, factory SubAgentFactory, sup *actor.Supervisor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tools == nil {
		cfg.Tools = map[string]ToolConfig{}
	}
	return &Worker{cfg: cfg, factory: factory, sup: sup, logger: logger}
}

// SetSelfRef wires the late-bound ref this worker hands sub-agents as
// their reply target.
func (w *Worker) SetSelfRef(ref *Ref) {
	w.selfRef = ref
}

// SetRateLimit throttles tool dispatch to cfg's requests-per-second and
// burst size, keyed by tool name. A zero-value or disabled cfg leaves
// dispatch unthrottled.
func (w *Worker) SetRateLimit(cfg ratelimit.Config) {
	w.limiter = ratelimit.NewLimiter(cfg)
}

func (w *Worker) PreStart(_ context.Context) (*state, error) {
	return &state{
		tools:     make(map[string]actor.Ref[toolworker.Msg]),
		subAgents: make(map[string]actor.Handle[subagent.Msg]),
		pending:   make(map[turn.ID]pendingCall),
	}, nil
}

func (w *Worker) PostStop(ctx context.Context, s *state) {
	for _, h := range s.subAgents {
		h.Stop(ctx)
	}
}

func (w *Worker) Handle(ctx context.Context, s *state, msg Msg) error {
	switch {
	case msg.RegisterTool != nil:
		s.tools[msg.RegisterTool.Name] = msg.RegisterTool.Ref
		return nil
	case msg.RouteToolCall != nil:
		return w.handleRouteToolCall(ctx, s, msg.RouteToolCall)
	case msg.SubAgentResponse != nil:
		w.handleSubAgentResponse(s, msg.SubAgentResponse)
		return nil
	default:
		return fmt.Errorf("delegator: empty message")
	}
}

// handleRouteToolCall implements spec §4.4's routing rules: delegated iff
// the tool's configuration has Delegate=true or the call itself does;
// otherwise dispatched to a local tool worker, or a synthesised
// not-available error if none is registered.
func (w *Worker) handleRouteToolCall(ctx context.Context, s *state, m *RouteToolCall) error {
	if w.limiter != nil && !w.limiter.Allow(m.Call.ToolName) {
		m.ChatRef.ToolResult(m.ID, m.Call.CallID, fmt.Sprintf("Error: Tool '%s' is rate limited, try again shortly", m.Call.ToolName))
		return nil
	}

	cfg := w.cfg.Tools[m.Call.ToolName]
	if cfg.Delegate || m.Call.Delegate {
		return w.routeToSubAgent(ctx, s, m, cfg)
	}

	ref, ok := s.tools[m.Call.ToolName]
	if !ok {
		m.ChatRef.ToolResult(m.ID, m.Call.CallID, fmt.Sprintf("Error: Tool '%s' not available", m.Call.ToolName))
		return nil
	}
	ref.Send(toolworker.Msg{Execute: &toolworker.Execute{
		ID: m.ID, CallID: m.Call.CallID, Params: m.Call.Parameters, ChatRef: m.ChatRef,
	}})
	return nil
}

func (w *Worker) routeToSubAgent(ctx context.Context, s *state, m *RouteToolCall, cfg ToolConfig) error {
	sa, ok := s.subAgents[m.Call.ToolName]
	if !ok {
		if w.factory == nil {
			m.ChatRef.ToolResult(m.ID, m.Call.CallID, fmt.Sprintf("Error: no sub-agent configured for '%s'", m.Call.ToolName))
			return nil
		}
		subCfg, ok2 := w.factory(m.Call.ToolName)
		if !ok2 {
			m.ChatRef.ToolResult(m.ID, m.Call.CallID, fmt.Sprintf("Error: no sub-agent configured for '%s'", m.Call.ToolName))
			return nil
		}
		subW := subagent.New(subCfg, w.sup, w.logger)
		handle, err := actor.Spawn(ctx, w.sup, subW, actor.SpawnOptions{Name: "subagent-" + m.Call.ToolName, Logger: w.logger})
		if err != nil {
			m.ChatRef.ToolResult(m.ID, m.Call.CallID, "Error: failed to start sub-agent: "+err.Error())
			return nil
		}
		subW.SetSelfRef(subagent.NewRef(handle.Ref))
		s.subAgents[m.Call.ToolName] = handle
		sa = handle
	}

	if w.selfRef == nil {
		m.ChatRef.ToolResult(m.ID, m.Call.CallID, "Error: delegator self ref not wired")
		return nil
	}

	s.pending[m.ID] = pendingCall{chatRef: m.ChatRef, callID: m.Call.CallID}
	query := formatPrompt(cfg.SystemPrompt, m.Call.Parameters)
	sa.Ref.Send(subagent.Msg{ExecuteQuery: &subagent.ExecuteQuery{ID: m.ID, Query: query, ReplyTo: w.selfRef}})
	return nil
}

func (w *Worker) handleSubAgentResponse(s *state, m *SubAgentResponse) {
	p, ok := s.pending[m.ID]
	if !ok {
		return
	}
	delete(s.pending, m.ID)
	p.chatRef.ToolResult(m.ID, p.callID, m.Result)
}

// formatPrompt builds the sub-agent's task text: prefixed with the tool's
// configured system prompt when one is set, raw otherwise (spec §4.4).
func formatPrompt(systemPrompt string, params json.RawMessage) string {
	task := string(params)
	if systemPrompt == "" {
		return task
	}
	return fmt.Sprintf("Context: %s\n\nTask: %s", systemPrompt, task)
}
