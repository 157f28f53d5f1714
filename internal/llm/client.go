// Package llm implements the LLM client worker: an actor that turns a
// provider's raw token/delta stream into the chat worker's StreamToken,
// ToolRequest, Complete, and Error messages, enforcing the exactly-one
// Complete-xor-ToolRequest(s) dichotomy per Generate call.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/misanthropic-ai/assistant/internal/actor"
	"github.com/misanthropic-ai/assistant/internal/transcript"
	"github.com/misanthropic-ai/assistant/internal/turn"
)

// Tool describes one callable tool as surfaced to the LLM: its name,
// natural-language description, and JSON Schema parameters.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// StreamChunk is one decoded unit from a provider's stream: a content
// fragment, a partial tool-call delta, or a finish signal. Exactly one of
// ContentDelta / ToolCallDelta / Done / Err is meaningful per chunk,
// mirroring the provider SDKs' own one-thing-per-frame shape.
type StreamChunk struct {
	ContentDelta string
	ToolCallDelta *ToolCallDelta
	FinishReason  string // "", "stop", "tool_calls", ...
	Done          bool
	Err           error
}

// ToolCallDelta is one piecewise fragment of an in-progress tool call, as
// emitted index-keyed by the provider across many stream chunks.
type ToolCallDelta struct {
	Index      int
	ID         string // set at most once, typically on the first delta
	Name       string // set at most once
	ArgsChunk  string // appended to the running arguments buffer
}

// StreamingCompletionFunc is the injected provider call: given a model,
// messages, tools, temperature and max_tokens, it returns a channel of
// decoded stream chunks. Implementations must close the channel when the
// stream ends (normally or due to ctx cancellation).
type StreamingCompletionFunc func(ctx context.Context, req CompletionParams) (<-chan StreamChunk, error)

// CompletionParams are the generation parameters passed to the provider.
type CompletionParams struct {
	Model       string
	System      string
	Messages    []transcript.Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

// ChatRef is the minimal surface the LLM client needs on its chat
// counterpart: StreamToken, ToolRequest, Complete, and Error delivery.
// The chat worker itself implements this by embedding actor.Ref[chatMsg]
// and adapting; it is expressed here as an interface so this package does
// not import the chatworker package (which depends on this one).
type ChatRef interface {
	StreamToken(id turn.ID, token string)
	ToolRequest(id turn.ID, call ToolRequest)
	Complete(id turn.ID, response string)
	Error(id turn.ID, err error)
}

// ToolRequest is an assembled, ready-to-dispatch tool call.
type ToolRequest struct {
	CallID     string
	ToolName   string
	Parameters json.RawMessage
	Delegate   bool
}

// Generate is the inbound message requesting a streaming completion.
type Generate struct {
	ID       turn.ID
	Messages []transcript.Message
	Tools    []Tool
	Model    string
	System   string
}

// Cancel aborts the in-flight stream, if any.
type Cancel struct{}

// SetChatRef performs the late binding of the chat-worker counterpart.
type SetChatRef struct {
	Ref ChatRef
}

// Msg is the LLM client worker's mailbox message union.
type Msg struct {
	Generate   *Generate
	Cancel     *Cancel
	SetChatRef *SetChatRef
}

type state struct {
	chatRef    ChatRef
	cancelFunc context.CancelFunc
}

// Worker implements actor.Actor for the LLM client.
type Worker struct {
	complete StreamingCompletionFunc
	logger   *slog.Logger
}

// New creates an LLM client worker actor bound to the given streaming
// completion function.
func New(complete StreamingCompletionFunc, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{complete: complete, logger: logger}
}

func (w *Worker) PreStart(_ context.Context) (*state, error) {
	return &state{}, nil
}

func (w *Worker) PostStop(_ context.Context, s *state) {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
}

func (w *Worker) Handle(ctx context.Context, s *state, msg Msg) error {
	switch {
	case msg.SetChatRef != nil:
		s.chatRef = msg.SetChatRef.Ref
		return nil
	case msg.Cancel != nil:
		if s.cancelFunc != nil {
			s.cancelFunc()
			s.cancelFunc = nil
		}
		return nil
	case msg.Generate != nil:
		return w.handleGenerate(ctx, s, msg.Generate)
	default:
		return fmt.Errorf("llm worker: empty message")
	}
}

func (w *Worker) handleGenerate(parent context.Context, s *state, g *Generate) error {
	// Step 1: cancel any prior in-flight stream.
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	streamCtx, cancel := context.WithCancel(parent)
	s.cancelFunc = cancel

	chunks, err := w.complete(streamCtx, CompletionParams{
		Model:    g.Model,
		System:   g.System,
		Messages: g.Messages,
		Tools:    g.Tools,
	})
	if err != nil {
		if s.chatRef != nil {
			s.chatRef.Error(g.ID, err)
		}
		return nil
	}

	// Step 3: consume the stream. This runs synchronously on the actor's
	// own goroutine — Cancel is delivered via streamCtx, not by
	// interleaving another mailbox message, so ordering with respect to
	// subsequent Generate calls is preserved by the mailbox itself.
	assembled := newToolCallAssembler()
	var accumulated string
	chatRef := s.chatRef

	for chunk := range chunks {
		if chunk.Err != nil {
			if chatRef != nil {
				chatRef.Error(g.ID, chunk.Err)
			}
			return nil
		}

		if chunk.ContentDelta != "" {
			accumulated += chunk.ContentDelta
			if chatRef != nil {
				chatRef.StreamToken(g.ID, chunk.ContentDelta)
			}
		}

		if chunk.ToolCallDelta != nil {
			assembled.apply(*chunk.ToolCallDelta)
		}

		if chunk.FinishReason == "tool_calls" || chunk.Done {
			break
		}
	}

	select {
	case <-streamCtx.Done():
		// Cancellation: silently abort, emit nothing.
		return nil
	default:
	}

	calls := assembled.finished()
	if len(calls) > 0 {
		if chatRef != nil {
			for _, c := range calls {
				chatRef.ToolRequest(g.ID, c)
			}
		}
		return nil
	}

	if chatRef != nil {
		chatRef.Complete(g.ID, accumulated)
	}
	return nil
}

// toolCallBuffer accumulates one in-progress tool call's pieces.
type toolCallBuffer struct {
	id   string
	name string
	args string
}

// toolCallAssembler implements the index-keyed tool-call delta state
// machine described by the spec: id and name are set once, arguments are
// concatenated as a streaming JSON string, and a negative or missing
// index is normalised to 0.
type toolCallAssembler struct {
	byIndex map[int]*toolCallBuffer
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{byIndex: make(map[int]*toolCallBuffer)}
}

func (a *toolCallAssembler) apply(d ToolCallDelta) {
	idx := d.Index
	if idx < 0 {
		idx = 0
	}
	buf, ok := a.byIndex[idx]
	if !ok {
		buf = &toolCallBuffer{}
		a.byIndex[idx] = buf
	}
	if d.ID != "" {
		buf.id = d.ID
	}
	if d.Name != "" {
		buf.name = d.Name
	}
	if d.ArgsChunk != "" {
		buf.args += d.ArgsChunk
	}
}

// finished returns every assembled tool call whose id, name, and
// arguments are present and well-formed JSON — calls missing an id or
// name, or whose arguments never parse, are dropped rather than forwarded
// half-built.
func (a *toolCallAssembler) finished() []ToolRequest {
	var out []ToolRequest
	for _, buf := range a.byIndex {
		if buf.id == "" || buf.name == "" {
			continue
		}
		raw := json.RawMessage(buf.args)
		if !json.Valid(raw) {
			continue
		}
		out = append(out, ToolRequest{
			CallID:     buf.id,
			ToolName:   buf.name,
			Parameters: raw,
			Delegate:   false,
		})
	}
	return out
}
