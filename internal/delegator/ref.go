package delegator

import (
	"github.com/misanthropic-ai/assistant/internal/actor"
	"github.com/misanthropic-ai/assistant/internal/llm"
	"github.com/misanthropic-ai/assistant/internal/toolworker"
	"github.com/misanthropic-ai/assistant/internal/turn"
)

// Ref adapts an actor.Ref[Msg] into the two callback shapes this worker's
// collaborators need: chatworker.DelegatorRef (so a chat worker can route
// a tool call here) and subagent.ReplyRef (so a sub-agent this delegator
// spawned can answer back). Both interfaces are declared in their own
// packages, not here, to keep this package free of an import cycle back
// to chatworker.
type Ref struct {
	ref actor.Ref[Msg]
}

// NewRef wraps ref for handing to a chat worker or sub-agent.
func NewRef(ref actor.Ref[Msg]) *Ref {
	return &Ref{ref: ref}
}

// RouteToolCall implements chatworker.DelegatorRef.
func (r *Ref) RouteToolCall(id turn.ID, call llm.ToolRequest, chatRef toolworker.ChatRef) {
	r.ref.Send(Msg{RouteToolCall: &RouteToolCall{ID: id, Call: call, ChatRef: chatRef}})
}

// SubAgentResponse implements subagent.ReplyRef.
func (r *Ref) SubAgentResponse(id turn.ID, result string) {
	r.ref.Send(Msg{SubAgentResponse: &SubAgentResponse{ID: id, Result: result}})
}
