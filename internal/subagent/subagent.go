// Package subagent implements the sub-agent: a self-contained, restricted
// replica of the chat worker used when a tool's value comes from an LLM
// reasoning step (web research, computer use, and similar). It embeds its
// own LLM client worker, its own chat worker (with no delegator — its
// tools are addressed directly from a local routing table), and a small
// fixed set of tool workers appropriate to its purpose.
package subagent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/misanthropic-ai/assistant/internal/actor"
	"github.com/misanthropic-ai/assistant/internal/agent"
	"github.com/misanthropic-ai/assistant/internal/chatworker"
	"github.com/misanthropic-ai/assistant/internal/llm"
	"github.com/misanthropic-ai/assistant/internal/toolworker"
	"github.com/misanthropic-ai/assistant/internal/transcript"
	"github.com/misanthropic-ai/assistant/internal/turn"
)

// Config describes one sub-agent's embedded LLM client and fixed toolset.
type Config struct {
	Model        string
	SystemPrompt string
	Complete     llm.StreamingCompletionFunc
	Tools        map[string]agent.Tool
}

// ReplyRef is the narrow surface a sub-agent needs from whatever issued
// its ExecuteQuery (ordinarily the delegator). Declared locally so this
// package does not import internal/delegator.
type ReplyRef interface {
	SubAgentResponse(id turn.ID, result string)
}

// ExecuteQuery asks the sub-agent to answer one query, replying to replyTo
// when the embedded chat worker reaches Complete or Error.
type ExecuteQuery struct {
	ID      turn.ID
	Query   string
	ReplyTo ReplyRef
}

type forwardComplete struct {
	ID       turn.ID
	Response string
}

type forwardError struct {
	ID  turn.ID
	Err error
}

// Msg is the sub-agent's mailbox message union.
type Msg struct {
	ExecuteQuery *ExecuteQuery

	forwardComplete *forwardComplete
	forwardError    *forwardError
}

type state struct {
	llmHandle  actor.Handle[llm.Msg]
	chatHandle actor.Handle[chatworker.Msg]
	toolHandles []actor.Handle[toolworker.Msg]

	registered bool
	pending    map[turn.ID]ReplyRef
}

// Worker implements the sub-agent actor.
type Worker struct {
	cfg    Config
	sup    *actor.Supervisor
	logger *slog.Logger

	// selfRef is the late-bound adapter this worker hands its embedded
	// chat worker as the DisplaySubAgent display target. Set via
	// SetSelfRef once, after this worker's own Spawn returns, before any
	// ExecuteQuery is sent — mirroring the persistence worker's
	// SetSelfSend and the chat worker's SetSelfRef.
	selfRef *Ref
}

// New creates a sub-agent worker from cfg.
func New(cfg Config, sup *actor.Supervisor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, sup: sup, logger: logger}
}

// SetSelfRef wires the late-bound ref this worker hands its embedded chat
// worker as a display target.
func (w *Worker) SetSelfRef(ref *Ref) {
	w.selfRef = ref
}

func (w *Worker) PreStart(ctx context.Context) (*state, error) {
	llmHandle, err := actor.Spawn(ctx, w.sup, llm.New(w.cfg.Complete, w.logger), actor.SpawnOptions{Name: "subagent-llm", Logger: w.logger})
	if err != nil {
		return nil, fmt.Errorf("subagent: spawn llm: %w", err)
	}

	chatW := chatworker.New("subagent", "", llmHandle.Ref, nil, w.cfg.Model, w.cfg.SystemPrompt, w.logger)
	chatHandle, err := actor.Spawn(ctx, w.sup, chatW, actor.SpawnOptions{Name: "subagent-chat", Logger: w.logger})
	if err != nil {
		return nil, fmt.Errorf("subagent: spawn chat: %w", err)
	}
	chatSelfRef := chatworker.NewRef(chatHandle.Ref)
	chatW.SetSelfRef(chatSelfRef)
	llmHandle.Ref.Send(llm.Msg{SetChatRef: &llm.SetChatRef{Ref: chatSelfRef}})

	router := &localRouter{tools: make(map[string]actor.Ref[toolworker.Msg])}
	var toolHandles []actor.Handle[toolworker.Msg]
	for name, tool := range w.cfg.Tools {
		toolHandle, err := actor.Spawn(ctx, w.sup, toolworker.New(tool, w.logger), actor.SpawnOptions{Name: "subagent-tool-" + name, Logger: w.logger})
		if err != nil {
			return nil, fmt.Errorf("subagent: spawn tool %s: %w", name, err)
		}
		router.tools[name] = toolHandle.Ref
		toolHandles = append(toolHandles, toolHandle)
	}
	chatHandle.Ref.Send(chatworker.Msg{SetDelegatorRef: &chatworker.SetDelegatorRef{Ref: router}})

	return &state{
		llmHandle:   llmHandle,
		chatHandle:  chatHandle,
		toolHandles: toolHandles,
		pending:     make(map[turn.ID]ReplyRef),
	}, nil
}

func (w *Worker) PostStop(ctx context.Context, s *state) {
	for _, h := range s.toolHandles {
		h.Stop(ctx)
	}
	s.chatHandle.Stop(ctx)
	s.llmHandle.Stop(ctx)
}

func (w *Worker) Handle(_ context.Context, s *state, msg Msg) error {
	switch {
	case msg.ExecuteQuery != nil:
		return w.handleExecuteQuery(s, msg.ExecuteQuery)
	case msg.forwardComplete != nil:
		w.handleForwardComplete(s, msg.forwardComplete)
		return nil
	case msg.forwardError != nil:
		w.handleForwardError(s, msg.forwardError)
		return nil
	default:
		return fmt.Errorf("subagent: empty message")
	}
}

func (w *Worker) handleExecuteQuery(s *state, m *ExecuteQuery) error {
	if !s.registered {
		if w.selfRef == nil {
			return fmt.Errorf("subagent: self ref not wired before ExecuteQuery")
		}
		s.chatHandle.Ref.Send(chatworker.Msg{RegisterDisplay: &chatworker.RegisterDisplay{
			Context: chatworker.DisplaySubAgent, Display: w.selfRef,
		}})
		s.registered = true
	}

	s.pending[m.ID] = m.ReplyTo
	s.chatHandle.Ref.Send(chatworker.Msg{UserPrompt: &chatworker.UserPrompt{
		ID:      m.ID,
		Content: transcript.PromptContent{Text: m.Query},
		Context: chatworker.DisplaySubAgent,
	}})
	return nil
}

func (w *Worker) handleForwardComplete(s *state, m *forwardComplete) {
	replyTo, ok := s.pending[m.ID]
	if !ok {
		return
	}
	delete(s.pending, m.ID)
	replyTo.SubAgentResponse(m.ID, m.Response)
}

func (w *Worker) handleForwardError(s *state, m *forwardError) {
	replyTo, ok := s.pending[m.ID]
	if !ok {
		return
	}
	delete(s.pending, m.ID)
	replyTo.SubAgentResponse(m.ID, fmt.Sprintf("Error: %s", m.Err))
}

// localRouter implements chatworker.DelegatorRef by addressing tools
// directly from a local map, with no further delegation: the embedded
// chat worker of a sub-agent has no delegator of its own (spec §4.5).
type localRouter struct {
	tools map[string]actor.Ref[toolworker.Msg]
}

func (r *localRouter) RouteToolCall(id turn.ID, call llm.ToolRequest, chatRef toolworker.ChatRef) {
	ref, ok := r.tools[call.ToolName]
	if !ok {
		chatRef.ToolResult(id, call.CallID, fmt.Sprintf("Error: Tool '%s' not available", call.ToolName))
		return
	}
	ref.Send(toolworker.Msg{Execute: &toolworker.Execute{
		ID: id, CallID: call.CallID, Params: call.Parameters, ChatRef: chatRef,
	}})
}
