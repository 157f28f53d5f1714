package transcript

import "testing"

func TestHasOpenToolCalls(t *testing.T) {
	withCalls := NewAssistant("let me check", []ToolCall{{ID: "t1", Name: "bash"}})
	if !withCalls.HasOpenToolCalls() {
		t.Fatal("expected assistant message with tool calls to report open calls")
	}

	plain := NewAssistant("done", nil)
	if plain.HasOpenToolCalls() {
		t.Fatal("expected assistant message without tool calls to report no open calls")
	}

	user := NewUser(PromptContent{Text: "hi"})
	if user.HasOpenToolCalls() {
		t.Fatal("user messages never have open tool calls")
	}
}

func TestConstructorsSetKind(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want Kind
	}{
		{"system", NewSystem("sys"), KindSystem},
		{"user", NewUser(PromptContent{Text: "hi"}), KindUser},
		{"assistant", NewAssistant("hi", nil), KindAssistant},
		{"tool", NewToolResult("t1", "ok", false), KindTool},
	}
	for _, tc := range cases {
		if tc.msg.Kind != tc.want {
			t.Errorf("%s: got kind %q, want %q", tc.name, tc.msg.Kind, tc.want)
		}
	}
}
