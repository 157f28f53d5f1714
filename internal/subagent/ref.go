package subagent

import (
	"github.com/misanthropic-ai/assistant/internal/actor"
	"github.com/misanthropic-ai/assistant/internal/transcript"
	"github.com/misanthropic-ai/assistant/internal/turn"
)

// Ref adapts an actor.Ref[Msg] into chatworker.DisplayRef, so a sub-agent
// can register itself as the DisplaySubAgent display of its embedded chat
// worker. Only Complete and Error carry information forward (spec §4.5:
// "other messages are informational and discarded").
type Ref struct {
	ref actor.Ref[Msg]
}

// NewRef wraps ref for handing to the embedded chat worker as its display.
func NewRef(ref actor.Ref[Msg]) *Ref {
	return &Ref{ref: ref}
}

func (r *Ref) StreamToken(turn.ID, string)             {}
func (r *Ref) ToolRequest(turn.ID, transcript.ToolCall) {}
func (r *Ref) ToolResult(turn.ID, string, string)       {}

func (r *Ref) Complete(id turn.ID, response string) {
	r.ref.Send(Msg{forwardComplete: &forwardComplete{ID: id, Response: response}})
}

func (r *Ref) Error(id turn.ID, err error) {
	r.ref.Send(Msg{forwardError: &forwardError{ID: id, Err: err}})
}
