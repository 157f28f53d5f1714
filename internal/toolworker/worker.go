// Package toolworker adapts an internal/agent.Tool into the actor-shaped
// tool worker contract: Execute/Cancel/StreamUpdate messages, asynchronous
// execution, and a ToolResult reply sent back to the invoking chat actor.
package toolworker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/misanthropic-ai/assistant/internal/agent"
	"github.com/misanthropic-ai/assistant/internal/observability"
	"github.com/misanthropic-ai/assistant/internal/turn"
)

// ChatRef is the subset of the chat worker's inbound protocol a tool
// worker needs: delivering the eventual result of an Execute.
type ChatRef interface {
	ToolResult(id turn.ID, callID string, result string)
}

// Execute asks the tool to perform one invocation. Work happens on its
// own goroutine; the actor's mailbox is free to accept Cancel or another
// Execute while it runs.
type Execute struct {
	ID      turn.ID
	CallID  string
	Params  json.RawMessage
	ChatRef ChatRef
}

// Cancel is a best-effort abort request; tool workers are not required to
// honour it (spec §5).
type Cancel struct {
	ID turn.ID
}

// StreamUpdate is informational progressive output; currently unused by
// any tool, accepted for forward compatibility with the contract.
type StreamUpdate struct {
	ID     turn.ID
	Output string
}

// Msg is the tool worker's mailbox message union.
type Msg struct {
	Execute      *Execute
	Cancel       *Cancel
	StreamUpdate *StreamUpdate
}

type state struct {
	mu      sync.Mutex
	cancels map[turn.ID]context.CancelFunc
}

// Worker wraps a single agent.Tool as an actor.
type Worker struct {
	tool    agent.Tool
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// New creates a tool worker around tool.
func New(tool agent.Tool, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{tool: tool, logger: logger}
}

// SetObservability attaches metrics and tracing. Both are optional; a nil
// metrics or tracer disables the corresponding instrumentation.
func (w *Worker) SetObservability(metrics *observability.Metrics, tracer *observability.Tracer) {
	w.metrics = metrics
	w.tracer = tracer
}

func (w *Worker) PreStart(_ context.Context) (*state, error) {
	return &state{cancels: make(map[turn.ID]context.CancelFunc)}, nil
}

func (w *Worker) PostStop(_ context.Context, s *state) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
}

func (w *Worker) Handle(ctx context.Context, s *state, msg Msg) error {
	switch {
	case msg.Execute != nil:
		w.handleExecute(ctx, s, msg.Execute)
		return nil
	case msg.Cancel != nil:
		s.mu.Lock()
		cancel, ok := s.cancels[msg.Cancel.ID]
		s.mu.Unlock()
		if ok {
			cancel()
		}
		return nil
	case msg.StreamUpdate != nil:
		return nil
	default:
		return nil
	}
}

func (w *Worker) handleExecute(parent context.Context, s *state, e *Execute) {
	execCtx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancels[e.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.cancels, e.ID)
			s.mu.Unlock()
			cancel()
		}()

		var span oteltrace.Span
		if w.tracer != nil {
			execCtx, span = w.tracer.TraceToolExecution(execCtx, w.tool.Name())
			defer span.End()
		}

		start := time.Now()
		result, err := w.tool.Execute(execCtx, e.Params)
		text := resultText(result, err)

		if w.metrics != nil {
			status := "success"
			if err != nil || (result != nil && result.IsError) {
				status = "error"
			}
			w.metrics.RecordToolExecution(w.tool.Name(), status, time.Since(start).Seconds())
		}
		if w.tracer != nil && err != nil {
			w.tracer.RecordError(span, err)
		}

		if e.ChatRef != nil {
			e.ChatRef.ToolResult(e.ID, e.CallID, text)
		}
	}()
}

func resultText(result *agent.ToolResult, err error) string {
	if err != nil {
		return "Error: " + err.Error()
	}
	if result == nil {
		return ""
	}
	if result.IsError && result.Content != "" && !hasErrorPrefix(result.Content) {
		return "Error: " + result.Content
	}
	return result.Content
}

func hasErrorPrefix(s string) bool {
	return len(s) >= 6 && s[:6] == "Error:"
}
