package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/misanthropic-ai/assistant/internal/transcript"
)

// Role strings stored in the chat_messages table.
const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleTool      = "tool"
)

// EmbeddingFunc computes an embedding for text. A nil func or a returned
// error is non-fatal: embedding storage is best-effort (spec §4.6 step 2).
type EmbeddingFunc func(ctx context.Context, text string) ([]float32, error)

// SummarizeFunc produces a short name or summary for a transcript. Used by
// GenerateChatName/SummarizeChat; when nil, a truncation heuristic is used.
type SummarizeFunc func(ctx context.Context, transcriptText string) (string, error)

// PersistUserPrompt builds a PersistMessage op for an inbound user prompt.
type PersistUserPrompt struct {
	SessionID     string
	WorkspacePath string
	Content       string
}

// PersistAssistantResponse builds a PersistMessage op for an assistant turn.
type PersistAssistantResponse struct {
	SessionID string
	Content   string
	ToolCalls []transcript.ToolCall
}

// PersistToolInteraction builds a PersistMessage op for a tool result.
type PersistToolInteraction struct {
	SessionID  string
	ToolCallID string
	Content    string
}

// GetPendingCount requests the current size of the pending-operation map.
type GetPendingCount struct {
	Reply chan int
}

// WaitForCompletion blocks (via Reply) until pending drains to empty.
type WaitForCompletion struct {
	Reply chan struct{}
}

// Msg is the persistence worker's mailbox message union.
type Msg struct {
	PersistUserPrompt        *PersistUserPrompt
	PersistAssistantResponse *PersistAssistantResponse
	PersistToolInteraction   *PersistToolInteraction
	GetPendingCount          *GetPendingCount
	WaitForCompletion        *WaitForCompletion

	// internal self-messages
	operationComplete *operationComplete
	generateChatName  *generateChatName
	summarizeChat     *summarizeChat
}

type operationComplete struct {
	opID    string
	success bool
	err     error
}

type generateChatName struct {
	sessionID    string
	firstMessage string
}

type summarizeChat struct {
	sessionID string
}

type state struct {
	pending               map[string]struct{}
	namedSessions         map[string]struct{}
	lastSummarized        map[string]time.Time
	waiters               []chan struct{}
	sessionExecutors      map[string]*sessionExecutor
	summarizationInterval time.Duration
}

// Worker implements the persistence actor: fire-and-forget writes with
// explicit drain semantics and per-session ordered execution.
type Worker struct {
	store     *Store
	embed     EmbeddingFunc
	summarize SummarizeFunc
	logger    *slog.Logger

	// selfSend delivers an internal message back onto this actor's own
	// mailbox; wired by the supervisor after Spawn since the actor has
	// no ref to itself until Spawn returns.
	selfSend func(Msg)
}

// New creates a persistence worker bound to store, with optional
// embedding and summarization functions.
func New(store *Store, embed EmbeddingFunc, summarize SummarizeFunc, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, embed: embed, summarize: summarize, logger: logger}
}

// SetSelfSend wires the late-bound self-ref used for OperationComplete and
// the GenerateChatName/SummarizeChat self-sends.
func (w *Worker) SetSelfSend(fn func(Msg)) {
	w.selfSend = fn
}

func (w *Worker) PreStart(_ context.Context) (*state, error) {
	return &state{
		pending:               make(map[string]struct{}),
		namedSessions:         make(map[string]struct{}),
		lastSummarized:        make(map[string]time.Time),
		sessionExecutors:      make(map[string]*sessionExecutor),
		summarizationInterval: 10 * time.Minute,
	}, nil
}

func (w *Worker) PostStop(_ context.Context, s *state) {
	for _, ex := range s.sessionExecutors {
		ex.stop()
	}
}

func (w *Worker) Handle(ctx context.Context, s *state, msg Msg) error {
	switch {
	case msg.PersistUserPrompt != nil:
		return w.handlePersistUserPrompt(ctx, s, msg.PersistUserPrompt)
	case msg.PersistAssistantResponse != nil:
		return w.handlePersistAssistantResponse(ctx, s, msg.PersistAssistantResponse)
	case msg.PersistToolInteraction != nil:
		return w.handlePersistToolInteraction(ctx, s, msg.PersistToolInteraction)
	case msg.GetPendingCount != nil:
		msg.GetPendingCount.Reply <- len(s.pending)
		return nil
	case msg.WaitForCompletion != nil:
		if len(s.pending) == 0 {
			close(msg.WaitForCompletion.Reply)
			return nil
		}
		s.waiters = append(s.waiters, msg.WaitForCompletion.Reply)
		return nil
	case msg.operationComplete != nil:
		w.handleOperationComplete(s, msg.operationComplete)
		return nil
	case msg.generateChatName != nil:
		return w.handleGenerateChatName(ctx, s, msg.generateChatName)
	case msg.summarizeChat != nil:
		return w.handleSummarizeChat(ctx, s, msg.summarizeChat)
	default:
		return fmt.Errorf("persistence worker: empty message")
	}
}

func (w *Worker) enqueue(s *state, sessionID string, exec func(context.Context) error) {
	opID := uuid.New().String()
	s.pending[opID] = struct{}{}

	se, ok := s.sessionExecutors[sessionID]
	if !ok {
		se = newSessionExecutor(sessionID)
		s.sessionExecutors[sessionID] = se
	}

	// The per-session executor serializes writes for this session; its
	// completion callback crosses back onto the worker's own mailbox via
	// selfSend so pending-map mutation still happens only on the actor's
	// goroutine.
	se.submit(func() {
		err := exec(context.Background())
		if w.selfSend != nil {
			w.selfSend(Msg{operationComplete: &operationComplete{opID: opID, success: err == nil, err: err}})
		}
	})
}

func (w *Worker) handleOperationComplete(s *state, op *operationComplete) {
	if !op.success {
		w.logger.Error("persistence op failed", "op_id", op.opID, "error", op.err)
	}
	delete(s.pending, op.opID)
	if len(s.pending) == 0 {
		for _, reply := range s.waiters {
			close(reply)
		}
		s.waiters = nil
	}
}

func (w *Worker) handlePersistUserPrompt(ctx context.Context, s *state, m *PersistUserPrompt) error {
	w.enqueue(s, m.SessionID, func(ctx context.Context) error {
		return w.persistMessage(ctx, m.SessionID, m.WorkspacePath, roleUser, m.Content, "")
	})

	if _, named := s.namedSessions[m.SessionID]; !named {
		s.namedSessions[m.SessionID] = struct{}{}
		if w.selfSend != nil {
			w.selfSend(Msg{generateChatName: &generateChatName{sessionID: m.SessionID, firstMessage: m.Content}})
		}
	}

	if w.shouldSummarize(s, m.SessionID) {
		if w.selfSend != nil {
			w.selfSend(Msg{summarizeChat: &summarizeChat{sessionID: m.SessionID}})
		}
	}
	return nil
}

func (w *Worker) shouldSummarize(s *state, sessionID string) bool {
	last, ok := s.lastSummarized[sessionID]
	if !ok {
		return true
	}
	return time.Since(last) > s.summarizationInterval
}

func (w *Worker) handlePersistAssistantResponse(_ context.Context, s *state, m *PersistAssistantResponse) error {
	var toolCallsJSON string
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err == nil {
			toolCallsJSON = string(b)
		}
	}
	w.enqueue(s, m.SessionID, func(ctx context.Context) error {
		return w.persistMessage(ctx, m.SessionID, "", roleAssistant, m.Content, toolCallsJSON)
	})
	return nil
}

func (w *Worker) handlePersistToolInteraction(_ context.Context, s *state, m *PersistToolInteraction) error {
	w.enqueue(s, m.SessionID, func(ctx context.Context) error {
		return w.persistMessage(ctx, m.SessionID, "", roleTool, m.Content, "")
	})
	return nil
}

// persistMessage implements the spec's four-step PersistMessage sequence.
func (w *Worker) persistMessage(ctx context.Context, sessionID, workspacePath, role, content, toolCallsJSON string) error {
	// Step 1: idempotent session row.
	if err := w.store.EnsureSession(ctx, sessionID, workspacePath); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	// Step 2: best-effort embedding.
	var embedding []float32
	if w.embed != nil && content != "" {
		vec, err := w.embed(ctx, content)
		if err != nil {
			w.logger.Warn("embedding failed, proceeding without it", "session_id", sessionID, "error", err)
		} else {
			embedding = vec
		}
	}

	// Steps 3-4: insert row, touch session timestamps.
	return w.store.InsertMessage(ctx, ChatMessageRow{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		Role:          role,
		Content:       content,
		ToolCallsJSON: toolCallsJSON,
		Embedding:     embedding,
		CreatedAt:     time.Now(),
	})
}

func (w *Worker) handleGenerateChatName(ctx context.Context, s *state, m *generateChatName) error {
	name := m.firstMessage
	if w.summarize != nil {
		if generated, err := w.summarize(ctx, m.firstMessage); err == nil && generated != "" {
			name = generated
		}
	} else {
		name = truncateRunes(name, 40)
	}
	return w.store.UpdateSessionName(ctx, m.sessionID, name)
}

func (w *Worker) handleSummarizeChat(ctx context.Context, s *state, m *summarizeChat) error {
	rows, err := w.store.GetHistory(ctx, m.sessionID, 0)
	if err != nil {
		return err
	}
	var transcriptText strings.Builder
	for _, r := range rows {
		transcriptText.WriteString(r.Role)
		transcriptText.WriteString(": ")
		transcriptText.WriteString(r.Content)
		transcriptText.WriteString("\n")
	}

	var summary string
	if w.summarize != nil {
		summary, err = w.summarize(ctx, transcriptText.String())
		if err != nil {
			summary = ""
		}
	}
	if summary == "" {
		summary = truncateRunes(transcriptText.String(), 200)
	}

	var embedding []float32
	if w.embed != nil && summary != "" {
		if vec, err := w.embed(ctx, summary); err == nil {
			embedding = vec
		}
	}

	s.lastSummarized[m.sessionID] = time.Now()
	return w.store.UpdateSessionSummary(ctx, m.sessionID, summary, embedding)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
