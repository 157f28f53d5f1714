package chatworker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/misanthropic-ai/assistant/internal/actor"
	"github.com/misanthropic-ai/assistant/internal/llm"
	"github.com/misanthropic-ai/assistant/internal/toolworker"
	"github.com/misanthropic-ai/assistant/internal/transcript"
	"github.com/misanthropic-ai/assistant/internal/turn"
)

type fakeDisplay struct {
	mu        sync.Mutex
	tokens    []string
	completes []string
	errs      []error
}

func newFakeDisplay() *fakeDisplay { return &fakeDisplay{} }

func (f *fakeDisplay) StreamToken(_ turn.ID, token string) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
}
func (f *fakeDisplay) ToolRequest(_ turn.ID, _ transcript.ToolCall) {}
func (f *fakeDisplay) ToolResult(_ turn.ID, _, _ string)            {}
func (f *fakeDisplay) Complete(_ turn.ID, response string) {
	f.mu.Lock()
	f.completes = append(f.completes, response)
	f.mu.Unlock()
}
func (f *fakeDisplay) Error(_ turn.ID, err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *fakeDisplay) waitForComplete(t *testing.T) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		if len(f.completes) > 0 {
			got := f.completes[0]
			f.mu.Unlock()
			return got
		}
		f.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for Complete")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *fakeDisplay) waitForError(t *testing.T) error {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		if len(f.errs) > 0 {
			got := f.errs[0]
			f.mu.Unlock()
			return got
		}
		f.mu.Unlock()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for Error")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// immediateDelegator answers every RouteToolCall by synchronously
// delivering a canned result back to the chat ref, simulating a tool
// worker that finishes instantly.
type immediateDelegator struct {
	result string
}

func (d *immediateDelegator) RouteToolCall(id turn.ID, call llm.ToolRequest, chatRef toolworker.ChatRef) {
	chatRef.ToolResult(id, call.CallID, d.result)
}

func plainTextComplete(text string) llm.StreamingCompletionFunc {
	return func(_ context.Context, _ llm.CompletionParams) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk, 2)
		ch <- llm.StreamChunk{ContentDelta: text}
		ch <- llm.StreamChunk{Done: true}
		close(ch)
		return ch, nil
	}
}

func spawnChat(t *testing.T, complete llm.StreamingCompletionFunc) (actor.Handle[Msg], *fakeDisplay) {
	t.Helper()
	ctx := context.Background()

	llmHandle, err := actor.Spawn(ctx, nil, llm.New(complete, nil), actor.SpawnOptions{Name: "llm"})
	if err != nil {
		t.Fatalf("spawn llm: %v", err)
	}

	w := New("session-1", "/workspace", llmHandle.Ref, nil, "model-x", "be helpful", nil)
	chatHandle, err := actor.Spawn(ctx, nil, w, actor.SpawnOptions{Name: "chat"})
	if err != nil {
		t.Fatalf("spawn chat: %v", err)
	}
	selfRef := NewRef(chatHandle.Ref)
	w.SetSelfRef(selfRef)
	llmHandle.Ref.Send(llm.Msg{SetChatRef: &llm.SetChatRef{Ref: selfRef}})

	disp := newFakeDisplay()
	chatHandle.Ref.Send(Msg{RegisterDisplay: &RegisterDisplay{Context: DisplayCLI, Display: disp}})

	return chatHandle, disp
}

func TestUserPromptWithNoToolCallsReachesComplete(t *testing.T) {
	chatHandle, disp := spawnChat(t, plainTextComplete("hi there"))
	defer chatHandle.Stop(context.Background())

	chatHandle.Ref.Send(Msg{UserPrompt: &UserPrompt{
		ID: turn.New(), Content: transcript.PromptContent{Text: "hello"}, Context: DisplayCLI,
	}})

	if got := disp.waitForComplete(t); got != "hi there" {
		t.Fatalf("unexpected complete response: %q", got)
	}
}

func TestToolRequestRoundTripReachesComplete(t *testing.T) {
	ctx := context.Background()
	var calls int32

	complete := func(_ context.Context, _ llm.CompletionParams) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk, 3)
		if atomic.AddInt32(&calls, 1) == 1 {
			ch <- llm.StreamChunk{ToolCallDelta: &llm.ToolCallDelta{Index: 0, ID: "call_1", Name: "ls", ArgsChunk: `{"path":"/tmp"}`}}
			ch <- llm.StreamChunk{FinishReason: "tool_calls", Done: true}
		} else {
			ch <- llm.StreamChunk{ContentDelta: "there are two files"}
			ch <- llm.StreamChunk{Done: true}
		}
		close(ch)
		return ch, nil
	}

	llmHandle, err := actor.Spawn(ctx, nil, llm.New(complete, nil), actor.SpawnOptions{Name: "llm"})
	if err != nil {
		t.Fatalf("spawn llm: %v", err)
	}

	w := New("session-1", "/workspace", llmHandle.Ref, nil, "model-x", "", nil)
	chatHandle, err := actor.Spawn(ctx, nil, w, actor.SpawnOptions{Name: "chat"})
	if err != nil {
		t.Fatalf("spawn chat: %v", err)
	}
	defer chatHandle.Stop(ctx)

	selfRef := NewRef(chatHandle.Ref)
	w.SetSelfRef(selfRef)
	llmHandle.Ref.Send(llm.Msg{SetChatRef: &llm.SetChatRef{Ref: selfRef}})
	chatHandle.Ref.Send(Msg{SetDelegatorRef: &SetDelegatorRef{Ref: &immediateDelegator{result: "[a.txt, b.txt]"}}})

	disp := newFakeDisplay()
	chatHandle.Ref.Send(Msg{RegisterDisplay: &RegisterDisplay{Context: DisplayCLI, Display: disp}})

	chatHandle.Ref.Send(Msg{UserPrompt: &UserPrompt{
		ID: turn.New(), Content: transcript.PromptContent{Text: "list /tmp"}, Context: DisplayCLI,
	}})

	if got := disp.waitForComplete(t); got != "there are two files" {
		t.Fatalf("unexpected complete response: %q", got)
	}
}

func TestMaxIterationsAbortsTurnWithError(t *testing.T) {
	ctx := context.Background()
	// Always emits another tool call: the loop should never reach Complete
	// and instead be forced to an error once the iteration cap is hit.
	complete := func(_ context.Context, _ llm.CompletionParams) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk, 2)
		ch <- llm.StreamChunk{ToolCallDelta: &llm.ToolCallDelta{Index: 0, ID: "call_x", Name: "noop", ArgsChunk: `{}`}}
		ch <- llm.StreamChunk{FinishReason: "tool_calls", Done: true}
		close(ch)
		return ch, nil
	}

	llmHandle, err := actor.Spawn(ctx, nil, llm.New(complete, nil), actor.SpawnOptions{Name: "llm"})
	if err != nil {
		t.Fatalf("spawn llm: %v", err)
	}
	w := New("session-1", "/workspace", llmHandle.Ref, nil, "model-x", "", nil)
	chatHandle, err := actor.Spawn(ctx, nil, w, actor.SpawnOptions{Name: "chat"})
	if err != nil {
		t.Fatalf("spawn chat: %v", err)
	}
	defer chatHandle.Stop(ctx)

	selfRef := NewRef(chatHandle.Ref)
	w.SetSelfRef(selfRef)
	llmHandle.Ref.Send(llm.Msg{SetChatRef: &llm.SetChatRef{Ref: selfRef}})
	chatHandle.Ref.Send(Msg{SetDelegatorRef: &SetDelegatorRef{Ref: &immediateDelegator{result: "ok"}}})

	disp := newFakeDisplay()
	chatHandle.Ref.Send(Msg{RegisterDisplay: &RegisterDisplay{Context: DisplayCLI, Display: disp}})

	chatHandle.Ref.Send(Msg{UserPrompt: &UserPrompt{
		ID: turn.New(), Content: transcript.PromptContent{Text: "loop forever"}, Context: DisplayCLI,
	}})

	if err := disp.waitForError(t); err != ErrMaxIterations {
		t.Fatalf("expected ErrMaxIterations, got %v", err)
	}
}

func TestTrimTranscriptPreservesLeadingSystemMessage(t *testing.T) {
	msgs := []transcript.Message{transcript.NewSystem("sys")}
	for i := 0; i < 10; i++ {
		msgs = append(msgs, transcript.NewUser(transcript.PromptContent{Text: "x"}))
	}
	w := New("session-1", "/workspace", actor.Ref[llm.Msg]{}, nil, "model-x", "", nil)
	w.historyCap = 5
	out := w.trimTranscript(context.Background(), msgs)
	if len(out) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(out))
	}
	if out[0].Kind != transcript.KindSystem {
		t.Fatalf("expected leading system message preserved, got %+v", out[0])
	}
}

func TestTrimTranscriptTrimsOnTokenBudgetEvenUnderHistoryCap(t *testing.T) {
	msgs := []transcript.Message{transcript.NewSystem("sys")}
	for i := 0; i < 3; i++ {
		msgs = append(msgs, transcript.NewUser(transcript.PromptContent{Text: strings.Repeat("x", 2000)}))
	}
	w := New("session-1", "/workspace", actor.Ref[llm.Msg]{}, nil, "model-x", "", nil)
	w.historyCap = 100
	w.SetContextWindow(200)

	out := w.trimTranscript(context.Background(), msgs)
	if len(out) >= len(msgs) {
		t.Fatalf("expected token-budget trimming to drop messages, got %d of %d", len(out), len(msgs))
	}
	if out[0].Kind != transcript.KindSystem {
		t.Fatalf("expected leading system message preserved, got %+v", out[0])
	}
}
