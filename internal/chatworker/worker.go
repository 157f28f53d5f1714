// Package chatworker implements the chat worker: the agent loop that owns
// a conversation transcript, drives the LLM client, fans tool calls out to
// the delegator, stitches results back into the transcript, and broadcasts
// progress to registered displays and the persistence worker.
package chatworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/misanthropic-ai/assistant/internal/actor"
	"github.com/misanthropic-ai/assistant/internal/agent"
	"github.com/misanthropic-ai/assistant/internal/compaction"
	ctxwindow "github.com/misanthropic-ai/assistant/internal/context"
	"github.com/misanthropic-ai/assistant/internal/jobs"
	"github.com/misanthropic-ai/assistant/internal/llm"
	"github.com/misanthropic-ai/assistant/internal/toolworker"
	"github.com/misanthropic-ai/assistant/internal/transcript"
	"github.com/misanthropic-ai/assistant/internal/turn"
	"github.com/misanthropic-ai/assistant/pkg/models"
)

// DisplayContext is the enumeration of surfaces a chat worker can stream
// to; at most one display is registered per context at a time.
type DisplayContext string

const (
	DisplayCLI      DisplayContext = "cli"
	DisplayTUI      DisplayContext = "tui"
	DisplaySubAgent DisplayContext = "subagent"
)

// DefaultMaxIterations bounds how many Generate round-trips a single turn
// may take before the chat worker forces it to an error. The spec leaves this layer
// unbounded and pushes the cap to an external Cancel; this runtime enforces
// it locally instead, so a misbehaving provider can never wedge a turn.
const DefaultMaxIterations = 10

// ErrMaxIterations is delivered to the display when a turn is aborted for
// exceeding DefaultMaxIterations Generate round-trips.
var ErrMaxIterations = errors.New("chat worker: turn exceeded max iterations")

// DisplayRef is the surface a chat worker broadcasts turn events to. A
// sub-agent's embedded chat worker typically registers its parent
// delegator's reply adapter under DisplaySubAgent.
type DisplayRef interface {
	StreamToken(id turn.ID, token string)
	ToolRequest(id turn.ID, call transcript.ToolCall)
	ToolResult(id turn.ID, callID, result string)
	Complete(id turn.ID, response string)
	Error(id turn.ID, err error)
}

// DelegatorRef is the narrow surface a chat worker needs from its
// delegator. It is declared here, not imported from internal/delegator,
// because the delegator depends on internal/subagent which embeds this
// package's own Worker — importing delegator from here would complete a
// cycle. The delegator package satisfies this interface structurally.
type DelegatorRef interface {
	RouteToolCall(id turn.ID, call llm.ToolRequest, chatRef toolworker.ChatRef)
}

// PersistenceRef is the narrow surface a chat worker needs from the
// persistence worker, declared locally for the same reason as DelegatorRef.
type PersistenceRef interface {
	PersistUserPrompt(sessionID, workspacePath, content string)
	PersistAssistantResponse(sessionID, content string, calls []transcript.ToolCall)
	PersistToolInteraction(sessionID, toolCallID, content string)
}

// ToolCatalogueFunc returns the current tool descriptor list to advertise
// with every Generate, already filtered by whatever policy configured it.
type ToolCatalogueFunc func() []llm.Tool

// UserPrompt starts (or continues) one turn from a user-submitted prompt.
type UserPrompt struct {
	ID      turn.ID
	Content transcript.PromptContent
	Context DisplayContext
}

// StreamToken is one content fragment from the client, forwarded to the
// display for the current context.
type StreamToken struct {
	ID    turn.ID
	Token string
}

// ToolRequest is one assembled tool call from the client.
type ToolRequest struct {
	ID   turn.ID
	Call llm.ToolRequest
}

// ToolResult is the outcome of one dispatched tool call, arriving back
// from a tool worker or a sub-agent (via the delegator).
type ToolResult struct {
	ID     turn.ID
	CallID string
	Result string
}

// Complete signals the client has finished the turn with no pending tool
// calls.
type Complete struct {
	ID       turn.ID
	Response string
}

// Error signals a transport or provider failure; the transcript is left
// untouched so the user may re-prompt.
type Error struct {
	ID  turn.ID
	Err error
}

// RegisterDisplay binds a display-ref to a context.
type RegisterDisplay struct {
	Context DisplayContext
	Display DisplayRef
}

// SetDelegatorRef performs the late binding of the delegator counterpart.
type SetDelegatorRef struct {
	Ref DelegatorRef
}

// SetPersistenceRef performs the late binding of the persistence
// counterpart; persistence is optional, so a nil Ref disables it.
type SetPersistenceRef struct {
	Ref PersistenceRef
}

// SetClientRef performs the late binding of the LLM client counterpart.
type SetClientRef struct {
	Ref actor.Ref[llm.Msg]
}

// SwitchSession replaces the transcript wholesale, e.g. when the CLI
// changes the active session.
type SwitchSession struct {
	SessionID string
	Messages  []transcript.Message
}

// AsyncJobComplete arrives when a tool dispatched through the async-tools
// path finishes. It updates the display only; the turn already continued
// on the placeholder ToolResult sent at dispatch time, so this never
// touches the transcript.
type AsyncJobComplete struct {
	ID     turn.ID
	CallID string
	Result string
}

// Msg is the chat worker's mailbox message union.
type Msg struct {
	UserPrompt        *UserPrompt
	StreamToken       *StreamToken
	ToolRequest       *ToolRequest
	ToolResult        *ToolResult
	Complete          *Complete
	Error             *Error
	RegisterDisplay   *RegisterDisplay
	SetDelegatorRef   *SetDelegatorRef
	SetPersistenceRef *SetPersistenceRef
	SetClientRef      *SetClientRef
	SwitchSession     *SwitchSession
	AsyncJobComplete  *AsyncJobComplete
}

type state struct {
	sessionID     string
	workspacePath string

	transcript            []transcript.Message
	currentTurnID         turn.ID
	turnActive            bool
	currentDisplayContext DisplayContext
	iterationsThisTurn    int

	displays    map[DisplayContext]DisplayRef
	delegator   DelegatorRef
	persistence PersistenceRef
	client      actor.Ref[llm.Msg]
}

// Worker implements the chat worker actor.
type Worker struct {
	sessionID     string
	workspacePath string
	client        actor.Ref[llm.Msg]

	model         string
	systemPrompt  string
	historyCap    int
	maxIterations int
	catalogue     ToolCatalogueFunc
	logger        *slog.Logger

	// selfRef is the late-bound adapter this worker hands to the
	// delegator and tool workers as their reply target. It must be set
	// (via SetSelfRef) once, before Spawn's mailbox starts draining,
	// mirroring the persistence worker's selfSend wiring.
	selfRef *Ref

	// approval, if set, gates ToolRequest dispatch against an allow/deny
	// policy before routing to the delegator (spec.md §4.3 enrichment,
	// grounded on agent.ApprovalChecker).
	approval        *agent.ApprovalChecker
	approvalAgentID string

	// asyncTools names tools whose ToolRequest is answered immediately
	// with a job-id placeholder, with the real result arriving later as
	// an AsyncJobComplete (spec.md §4.3 enrichment, backed by
	// internal/jobs).
	asyncTools map[string]bool
	jobStore   jobs.Store

	// compactor, if set, summarizes transcript turns that trimTranscript
	// would otherwise cut while they still hold an open tool call,
	// grounded on internal/compaction / agent/compaction.go.
	compactor     compaction.Summarizer
	compactionCfg *compaction.SummarizationConfig

	// contextWindow tracks estimated token usage against model's context
	// limit, grounded on internal/context. trimTranscript consults it so
	// a long-but-few-message transcript (large tool results, etc.) is cut
	// before the model call fails, not just after historyCap is exceeded.
	contextWindow *ctxwindow.Window
}

// New creates a chat worker for sessionID, bound to client for generation.
func New(sessionID, workspacePath string, client actor.Ref[llm.Msg], catalogue ToolCatalogueFunc, model, systemPrompt string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if catalogue == nil {
		catalogue = func() []llm.Tool { return nil }
	}
	return &Worker{
		sessionID:     sessionID,
		workspacePath: workspacePath,
		client:        client,
		model:         model,
		systemPrompt:  systemPrompt,
		historyCap:    100,
		maxIterations: DefaultMaxIterations,
		catalogue:     catalogue,
		logger:        logger,
		contextWindow: ctxwindow.NewWindowForModel(model),
	}
}

// SetContextWindow overrides the token-budget tracker trimTranscript
// consults, for models absent from context.ModelContextWindows.
func (w *Worker) SetContextWindow(totalTokens int) {
	w.contextWindow = ctxwindow.NewWindow(totalTokens, "override")
}

// SetSelfRef wires the late-bound ref this worker hands to the delegator
// and tool workers as their reply target. Must be called once, with the
// Ref returned from wrapping this worker's own Spawn handle, before the
// actor is sent any message that dispatches a tool call.
func (w *Worker) SetSelfRef(ref *Ref) {
	w.selfRef = ref
}

// SetApproval wires an approval policy. agentID scopes which of the
// checker's per-agent policies applies; pass the session id.
func (w *Worker) SetApproval(checker *agent.ApprovalChecker, agentID string) {
	w.approval = checker
	w.approvalAgentID = agentID
}

// SetAsyncTools marks tool names to dispatch through the job-queue path
// instead of blocking the turn on their result.
func (w *Worker) SetAsyncTools(names []string, store jobs.Store) {
	w.asyncTools = make(map[string]bool, len(names))
	for _, n := range names {
		w.asyncTools[n] = true
	}
	w.jobStore = store
}

// SetCompaction wires a summarizer used to compact transcript turns that
// would otherwise be silently trimmed while still holding an open tool
// call. cfg may be nil to use compaction.DefaultSummarizationConfig.
func (w *Worker) SetCompaction(summarizer compaction.Summarizer, cfg *compaction.SummarizationConfig) {
	w.compactor = summarizer
	w.compactionCfg = cfg
}

func (w *Worker) PreStart(_ context.Context) (*state, error) {
	return &state{
		sessionID:     w.sessionID,
		workspacePath: w.workspacePath,
		displays:      make(map[DisplayContext]DisplayRef),
		client:        w.client,
	}, nil
}

func (w *Worker) PostStop(_ context.Context, _ *state) {}

func (w *Worker) Handle(ctx context.Context, s *state, msg Msg) error {
	switch {
	case msg.UserPrompt != nil:
		return w.handleUserPrompt(s, msg.UserPrompt)
	case msg.StreamToken != nil:
		w.handleStreamToken(s, msg.StreamToken)
		return nil
	case msg.ToolRequest != nil:
		return w.handleToolRequest(ctx, s, msg.ToolRequest)
	case msg.ToolResult != nil:
		return w.handleToolResult(s, msg.ToolResult)
	case msg.Complete != nil:
		w.handleComplete(ctx, s, msg.Complete)
		return nil
	case msg.AsyncJobComplete != nil:
		w.handleAsyncJobComplete(s, msg.AsyncJobComplete)
		return nil
	case msg.Error != nil:
		w.handleError(s, msg.Error)
		return nil
	case msg.RegisterDisplay != nil:
		s.displays[msg.RegisterDisplay.Context] = msg.RegisterDisplay.Display
		return nil
	case msg.SetDelegatorRef != nil:
		s.delegator = msg.SetDelegatorRef.Ref
		return nil
	case msg.SetPersistenceRef != nil:
		s.persistence = msg.SetPersistenceRef.Ref
		return nil
	case msg.SetClientRef != nil:
		s.client = msg.SetClientRef.Ref
		return nil
	case msg.SwitchSession != nil:
		s.sessionID = msg.SwitchSession.SessionID
		s.transcript = msg.SwitchSession.Messages
		s.turnActive = false
		return nil
	default:
		return fmt.Errorf("chat worker: empty message")
	}
}

// handleUserPrompt is step 1-5 of spec §4.3's UserPrompt handler.
func (w *Worker) handleUserPrompt(s *state, m *UserPrompt) error {
	s.currentDisplayContext = m.Context
	s.currentTurnID = m.ID
	s.turnActive = true
	s.iterationsThisTurn = 0

	s.transcript = append(s.transcript, transcript.NewUser(m.Content))

	if s.persistence != nil {
		s.persistence.PersistUserPrompt(s.sessionID, s.workspacePath, m.Content.Text)
	}

	return w.sendGenerate(s)
}

func (w *Worker) handleStreamToken(s *state, m *StreamToken) {
	if d := w.displayFor(s); d != nil {
		d.StreamToken(m.ID, m.Token)
	}
}

// handleToolRequest appends the synthetic Assistant{tool_calls} message so
// the next Generate carries the call-id the provider expects answered,
// then either short-circuits on approval policy, queues an async job, or
// routes the call to the delegator with this worker as chat_ref.
func (w *Worker) handleToolRequest(ctx context.Context, s *state, m *ToolRequest) error {
	call := transcript.ToolCall{ID: m.Call.CallID, Name: m.Call.ToolName, Arguments: m.Call.Parameters}
	s.transcript = append(s.transcript, transcript.NewAssistant("", []transcript.ToolCall{call}))

	if d := w.displayFor(s); d != nil {
		d.ToolRequest(m.ID, call)
	}

	if s.delegator == nil {
		return fmt.Errorf("chat worker: tool request %s with no delegator registered", m.Call.CallID)
	}
	if w.selfRef == nil {
		return fmt.Errorf("chat worker: tool request %s with no self ref wired", m.Call.CallID)
	}

	if w.approval != nil {
		decision, reason := w.approval.Check(ctx, w.approvalAgentID, models.ToolCall{
			ID: call.ID, Name: call.Name, Input: call.Arguments,
		})
		switch decision {
		case agent.ApprovalDenied:
			return w.handleToolResult(s, &ToolResult{ID: m.ID, CallID: call.ID, Result: fmt.Sprintf("Error: tool '%s' denied: %s", call.Name, reason)})
		case agent.ApprovalPending:
			return w.handleToolResult(s, &ToolResult{ID: m.ID, CallID: call.ID, Result: fmt.Sprintf("Error: tool '%s' requires approval that is unavailable in this runtime", call.Name)})
		}
	}

	if w.asyncTools[call.Name] && w.jobStore != nil {
		return w.dispatchAsync(ctx, s, m, call)
	}

	s.delegator.RouteToolCall(m.ID, m.Call, w.selfRef)
	return nil
}

// dispatchAsync queues call as a job, answers the turn immediately with
// the job id so it can continue, and resolves the real result out of
// band as an AsyncJobComplete once the delegator finishes.
func (w *Worker) dispatchAsync(ctx context.Context, s *state, m *ToolRequest, call transcript.ToolCall) error {
	job := &jobs.Job{ID: call.ID, ToolName: call.Name, ToolCallID: call.ID, Status: jobs.StatusRunning, CreatedAt: time.Now()}
	if err := w.jobStore.Create(ctx, job); err != nil {
		w.logger.Warn("chat worker: failed to create async job", "tool", call.Name, "error", err)
	}

	delegator, selfRef, store := s.delegator, w.selfRef, w.jobStore
	go func() {
		delegator.RouteToolCall(m.ID, m.Call, &asyncJobChatRef{job: job, store: store, selfRef: selfRef})
	}()

	return w.handleToolResult(s, &ToolResult{ID: m.ID, CallID: call.ID, Result: fmt.Sprintf("Job %s queued", job.ID)})
}

func (w *Worker) handleAsyncJobComplete(s *state, m *AsyncJobComplete) {
	if d := w.displayFor(s); d != nil {
		d.ToolResult(m.ID, m.CallID, m.Result)
	}
}

// asyncJobChatRef is the chat_ref an async tool's actual execution
// replies to: it records the outcome on the job and forwards it to the
// chat worker as a side-channel AsyncJobComplete rather than a ToolResult,
// since the turn already closed its tool-call invariant on the
// placeholder result.
type asyncJobChatRef struct {
	job     *jobs.Job
	store   jobs.Store
	selfRef *Ref
}

func (r *asyncJobChatRef) ToolResult(id turn.ID, callID, result string) {
	r.job.Status = jobs.StatusSucceeded
	r.job.FinishedAt = time.Now()
	r.job.Result = &models.ToolResult{ToolCallID: callID, Content: result}
	if r.store != nil {
		_ = r.store.Update(context.Background(), r.job)
	}
	r.selfRef.AsyncJobComplete(id, callID, result)
}

// handleToolResult is spec §4.3's ToolResult handler: append, persist,
// re-Generate (the loop continuation), broadcast.
func (w *Worker) handleToolResult(s *state, m *ToolResult) error {
	s.transcript = append(s.transcript, transcript.NewToolResult(m.CallID, m.Result, false))

	if s.persistence != nil {
		s.persistence.PersistToolInteraction(s.sessionID, m.CallID, m.Result)
	}

	if d := w.displayFor(s); d != nil {
		d.ToolResult(m.ID, m.CallID, m.Result)
	}

	s.iterationsThisTurn++
	if s.iterationsThisTurn >= w.maxIterations {
		w.handleError(s, &Error{ID: m.ID, Err: ErrMaxIterations})
		return nil
	}
	return w.sendGenerate(s)
}

// handleComplete is spec §4.3's Complete handler: append, persist, clear
// turn, trim, broadcast.
func (w *Worker) handleComplete(ctx context.Context, s *state, m *Complete) {
	if m.Response != "" {
		s.transcript = append(s.transcript, transcript.NewAssistant(m.Response, nil))
		if s.persistence != nil {
			s.persistence.PersistAssistantResponse(s.sessionID, m.Response, nil)
		}
	}
	s.turnActive = false
	s.currentTurnID = turn.ID{}
	s.transcript = w.trimTranscript(ctx, s.transcript)

	if d := w.displayFor(s); d != nil {
		d.Complete(m.ID, m.Response)
	}
}

func (w *Worker) handleError(s *state, m *Error) {
	s.turnActive = false
	s.currentTurnID = turn.ID{}
	if d := w.displayFor(s); d != nil {
		d.Error(m.ID, m.Err)
	}
}

func (w *Worker) displayFor(s *state) DisplayRef {
	return s.displays[s.currentDisplayContext]
}

func (w *Worker) sendGenerate(s *state) error {
	if s.client.IsZero() {
		return fmt.Errorf("chat worker: no client ref wired")
	}
	s.client.Send(llm.Msg{Generate: &llm.Generate{
		ID:       s.currentTurnID,
		Messages: s.transcript,
		Tools:    w.catalogue(),
		Model:    w.model,
		System:   w.systemPrompt,
	}})
	return nil
}

// trimTranscript drops messages from the front so at most w.historyCap
// messages are kept, preserving a leading System message if the original
// transcript had one; a compaction note, when added, comes on top of that.
// When the dropped span still contains an Assistant message with open
// tool calls, a configured compactor summarizes it into a synthetic
// system note instead of silently breaking the tool_call/tool pairing
// invariant (spec.md §4.3 enrichment).
func (w *Worker) trimTranscript(ctx context.Context, msgs []transcript.Message) []transcript.Message {
	if len(msgs) <= w.historyCap && !w.contextWindowExceeded(msgs) {
		return msgs
	}
	var sys *transcript.Message
	if len(msgs) > 0 && msgs[0].Kind == transcript.KindSystem {
		m := msgs[0]
		sys = &m
	}

	keep := w.historyCap
	if keep > len(msgs) {
		keep = len(msgs)
	}
	if w.contextWindowExceeded(msgs) {
		// Message count is within budget but estimated token usage isn't;
		// shrink the kept tail until the window tracker clears, same
		// drop-oldest-first policy applied more aggressively.
		for keep > 0 && w.contextWindowExceeded(msgs[len(msgs)-keep:]) {
			keep--
		}
	}
	if sys != nil && keep > 0 {
		keep--
	}
	if keep < 0 {
		keep = 0
	}
	cut := len(msgs) - keep
	dropped := msgs[:cut]
	tail := msgs[cut:]

	var note *transcript.Message
	if w.compactor != nil && hasOpenToolCalls(dropped) {
		summary, err := w.summarizeDropped(ctx, dropped)
		if err != nil {
			w.logger.Warn("chat worker: compaction summarization failed", "error", err)
		} else {
			n := transcript.NewSystem(summary)
			note = &n
		}
	}

	out := make([]transcript.Message, 0, len(tail)+2)
	if sys != nil {
		out = append(out, *sys)
	}
	if note != nil {
		out = append(out, *note)
	}
	out = append(out, tail...)
	return out
}

// contextWindowExceeded estimates msgs' token footprint against
// w.contextWindow and reports whether it would leave too little room for
// the model's response (context.Window.ShouldBlock's threshold).
func (w *Worker) contextWindowExceeded(msgs []transcript.Message) bool {
	if w.contextWindow == nil {
		return false
	}
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, messageText(m))
	}
	used := ctxwindow.EstimateTokensForMessages(texts)
	win := ctxwindow.NewWindow(w.contextWindow.Info().TotalTokens, w.contextWindow.Info().Source)
	win.SetUsed(used)
	return win.Info().ShouldBlock()
}

// messageText extracts the text content a token estimate should count for
// msg, regardless of which transcript.Kind it is.
func messageText(m transcript.Message) string {
	switch m.Kind {
	case transcript.KindSystem:
		return m.SystemText
	case transcript.KindUser:
		return m.Prompt.Text
	case transcript.KindAssistant:
		return m.AssistantText
	case transcript.KindTool:
		return m.ToolResult
	default:
		return ""
	}
}

func hasOpenToolCalls(msgs []transcript.Message) bool {
	for _, m := range msgs {
		if m.HasOpenToolCalls() {
			return true
		}
	}
	return false
}

func (w *Worker) summarizeDropped(ctx context.Context, dropped []transcript.Message) (string, error) {
	cfg := w.compactionCfg
	if cfg == nil {
		cfg = compaction.DefaultSummarizationConfig()
	}
	return compaction.SummarizeWithFallback(ctx, toCompactionMessages(dropped), w.compactor, cfg)
}

func toCompactionMessages(msgs []transcript.Message) []*compaction.Message {
	out := make([]*compaction.Message, 0, len(msgs))
	for _, m := range msgs {
		cm := &compaction.Message{Timestamp: m.CreatedAt.Unix()}
		switch m.Kind {
		case transcript.KindSystem:
			cm.Role, cm.Content = "system", m.SystemText
		case transcript.KindUser:
			cm.Role, cm.Content = "user", m.Prompt.Text
		case transcript.KindAssistant:
			cm.Role, cm.Content = "assistant", m.AssistantText
			if len(m.ToolCalls) > 0 {
				if b, err := json.Marshal(m.ToolCalls); err == nil {
					cm.ToolCalls = string(b)
				}
			}
		case transcript.KindTool:
			cm.Role, cm.Content, cm.ID = "tool", m.ToolResult, m.ToolCallID
		}
		out = append(out, cm)
	}
	return out
}
