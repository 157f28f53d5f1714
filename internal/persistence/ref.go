package persistence

import (
	"github.com/misanthropic-ai/assistant/internal/actor"
	"github.com/misanthropic-ai/assistant/internal/transcript"
)

// Ref adapts an actor.Ref[Msg] into plain method calls, matching the
// narrow PersistenceRef interface the chat worker declares locally for
// itself. Every method is fire-and-forget, mirroring the worker's own
// enqueue-and-drain-on-demand design.
type Ref struct {
	ref actor.Ref[Msg]
}

// NewRef wraps ref for handing to a chat worker as its persistence ref.
func NewRef(ref actor.Ref[Msg]) *Ref {
	return &Ref{ref: ref}
}

// PersistUserPrompt enqueues a PersistUserPrompt op.
func (r *Ref) PersistUserPrompt(sessionID, workspacePath, content string) {
	r.ref.Send(Msg{PersistUserPrompt: &PersistUserPrompt{
		SessionID: sessionID, WorkspacePath: workspacePath, Content: content,
	}})
}

// PersistAssistantResponse enqueues a PersistAssistantResponse op.
func (r *Ref) PersistAssistantResponse(sessionID, content string, calls []transcript.ToolCall) {
	r.ref.Send(Msg{PersistAssistantResponse: &PersistAssistantResponse{
		SessionID: sessionID, Content: content, ToolCalls: calls,
	}})
}

// PersistToolInteraction enqueues a PersistToolInteraction op.
func (r *Ref) PersistToolInteraction(sessionID, toolCallID, content string) {
	r.ref.Send(Msg{PersistToolInteraction: &PersistToolInteraction{
		SessionID: sessionID, ToolCallID: toolCallID, Content: content,
	}})
}
