package subagent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/misanthropic-ai/assistant/internal/actor"
	"github.com/misanthropic-ai/assistant/internal/agent"
	"github.com/misanthropic-ai/assistant/internal/llm"
	"github.com/misanthropic-ai/assistant/internal/turn"
)

type fakeReplyRef struct {
	mu      sync.Mutex
	results map[turn.ID]string
	done    chan struct{}
}

func newFakeReplyRef() *fakeReplyRef {
	return &fakeReplyRef{results: make(map[turn.ID]string), done: make(chan struct{}, 8)}
}

func (f *fakeReplyRef) SubAgentResponse(id turn.ID, result string) {
	f.mu.Lock()
	f.results[id] = result
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeReplyRef) wait(t *testing.T, id turn.ID) string {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sub-agent response")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[id]
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

func spawn(t *testing.T, cfg Config) actor.Handle[Msg] {
	t.Helper()
	ctx := context.Background()
	w := New(cfg, nil, nil)
	handle, err := actor.Spawn(ctx, nil, w, actor.SpawnOptions{Name: "subagent"})
	if err != nil {
		t.Fatalf("spawn subagent: %v", err)
	}
	w.SetSelfRef(NewRef(handle.Ref))
	return handle
}

func TestExecuteQueryWithNoToolCallsForwardsComplete(t *testing.T) {
	handle := spawn(t, Config{Model: "m", Complete: plainTextComplete("researched it")})
	defer handle.Stop(context.Background())

	reply := newFakeReplyRef()
	id := turn.New()
	handle.Ref.Send(Msg{ExecuteQuery: &ExecuteQuery{ID: id, Query: "look into X", ReplyTo: reply}})

	if got := reply.wait(t, id); got != "researched it" {
		t.Fatalf("unexpected response: %q", got)
	}
}

type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "echoes" }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (echoTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "echoed: " + string(params)}, nil
}

func TestEmbeddedChatRoutesToolCallsLocally(t *testing.T) {
	var first bool
	complete := func(_ context.Context, _ llm.CompletionParams) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk, 2)
		if !first {
			first = true
			ch <- llm.StreamChunk{ToolCallDelta: &llm.ToolCallDelta{Index: 0, ID: "c1", Name: "echo", ArgsChunk: `"hi"`}}
			ch <- llm.StreamChunk{FinishReason: "tool_calls", Done: true}
		} else {
			ch <- llm.StreamChunk{ContentDelta: "done"}
			ch <- llm.StreamChunk{Done: true}
		}
		close(ch)
		return ch, nil
	}

	handle := spawn(t, Config{Model: "m", Complete: complete, Tools: map[string]agent.Tool{"echo": echoTool{}}})
	defer handle.Stop(context.Background())

	reply := newFakeReplyRef()
	id := turn.New()
	handle.Ref.Send(Msg{ExecuteQuery: &ExecuteQuery{ID: id, Query: "use echo", ReplyTo: reply}})

	if got := reply.wait(t, id); got != "done" {
		t.Fatalf("unexpected response: %q", got)
	}
}
