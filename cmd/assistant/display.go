package main

import (
	"fmt"
	"os"

	"github.com/misanthropic-ai/assistant/internal/transcript"
	"github.com/misanthropic-ai/assistant/internal/turn"
)

// cliDisplay implements chatworker.DisplayRef for the interactive chat
// loop: tokens print as they stream, tool activity prints inline, and
// done unblocks the prompt loop once a turn reaches a terminal state.
type cliDisplay struct {
	done chan struct{}
}

func newCLIDisplay() *cliDisplay {
	return &cliDisplay{done: make(chan struct{}, 1)}
}

func (d *cliDisplay) StreamToken(id turn.ID, token string) {
	fmt.Print(token)
}

func (d *cliDisplay) ToolRequest(id turn.ID, call transcript.ToolCall) {
	fmt.Printf("\n[tool] %s(%s)\n", call.Name, string(call.Arguments))
}

func (d *cliDisplay) ToolResult(id turn.ID, callID, result string) {
	fmt.Printf("[tool result %s] %s\n", callID, result)
}

func (d *cliDisplay) Complete(id turn.ID, response string) {
	fmt.Println()
	d.done <- struct{}{}
}

func (d *cliDisplay) Error(id turn.ID, err error) {
	fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
	d.done <- struct{}{}
}
