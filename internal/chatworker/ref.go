package chatworker

import (
	"github.com/misanthropic-ai/assistant/internal/actor"
	"github.com/misanthropic-ai/assistant/internal/llm"
	"github.com/misanthropic-ai/assistant/internal/turn"
)

// Ref adapts an actor.Ref[Msg] into the callback-shaped interfaces this
// worker's collaborators expect: llm.ChatRef (so the LLM client can call
// back into this worker) and toolworker.ChatRef (so tool workers and the
// delegator's sub-agent forwarding path can deliver results). Every method
// enqueues onto the underlying mailbox rather than mutating state
// directly, preserving the single-goroutine-per-actor invariant even
// though the caller runs on its own goroutine.
type Ref struct {
	ref actor.Ref[Msg]
}

// NewRef wraps ref for handing to collaborators as a callback target.
func NewRef(ref actor.Ref[Msg]) *Ref {
	return &Ref{ref: ref}
}

// StreamToken implements llm.ChatRef.
func (r *Ref) StreamToken(id turn.ID, token string) {
	r.ref.Send(Msg{StreamToken: &StreamToken{ID: id, Token: token}})
}

// ToolRequest implements llm.ChatRef.
func (r *Ref) ToolRequest(id turn.ID, call llm.ToolRequest) {
	r.ref.Send(Msg{ToolRequest: &ToolRequest{ID: id, Call: call}})
}

// Complete implements llm.ChatRef.
func (r *Ref) Complete(id turn.ID, response string) {
	r.ref.Send(Msg{Complete: &Complete{ID: id, Response: response}})
}

// Error implements llm.ChatRef.
func (r *Ref) Error(id turn.ID, err error) {
	r.ref.Send(Msg{Error: &Error{ID: id, Err: err}})
}

// ToolResult implements toolworker.ChatRef (and the identical shape the
// delegator uses to forward a sub-agent's response).
func (r *Ref) ToolResult(id turn.ID, callID string, result string) {
	r.ref.Send(Msg{ToolResult: &ToolResult{ID: id, CallID: callID, Result: result}})
}

// AsyncJobComplete delivers the real result of a tool dispatched through
// the async-tools path, once its job finishes.
func (r *Ref) AsyncJobComplete(id turn.ID, callID string, result string) {
	r.ref.Send(Msg{AsyncJobComplete: &AsyncJobComplete{ID: id, CallID: callID, Result: result}})
}
