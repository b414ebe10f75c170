package engine

import (
	"strings"
	"testing"

	"github.com/codecrew/guildcore/internal/llm"
	"github.com/codecrew/guildcore/internal/orchestrator/events"
)

func TestToLLMMessages_OwnAssistantMessageStaysNative(t *testing.T) {
	msgs := []events.Message{
		events.Assistant("alpha", "hi there", []events.ToolCall{{ID: "c1", Name: "search", Arguments: map[string]any{"q": "go"}}}),
	}
	out := toLLMMessages(msgs, "alpha")
	if len(out) != 1 || out[0].Role != llm.RoleAssistant {
		t.Fatalf("expected a native assistant message, got %+v", out)
	}
	if len(out[0].Parts) != 2 {
		t.Fatalf("expected text + tool call parts, got %+v", out[0].Parts)
	}
}

func TestToLLMMessages_ForeignAssistantMessageIsReauthored(t *testing.T) {
	msgs := []events.Message{
		events.Assistant("beta", "hi there", []events.ToolCall{{ID: "c1", Name: "search", Arguments: map[string]any{"q": "go"}}}),
	}
	out := toLLMMessages(msgs, "alpha")
	if len(out) != 1 || out[0].Role != llm.RoleUser {
		t.Fatalf("expected a reauthored user message, got %+v", out)
	}
	if len(out[0].Parts) != 1 || out[0].Parts[0].Text != "[beta says]: hi there" {
		t.Fatalf("unexpected reauthored text: %+v", out[0].Parts)
	}
}

func TestToLLMMessages_OwnToolMessageStaysNative(t *testing.T) {
	msgs := []events.Message{
		events.ToolMessage("alpha", []events.ToolResult{{ToolCallID: "c1", Content: "3 results", IsError: false}}),
	}
	out := toLLMMessages(msgs, "alpha")
	if len(out) != 1 || out[0].Role != llm.RoleTool {
		t.Fatalf("expected a native tool message, got %+v", out)
	}
	if out[0].Parts[0].ToolResult == nil || out[0].Parts[0].ToolResult.ID != "c1" {
		t.Fatalf("expected native tool result part, got %+v", out[0].Parts)
	}
}

func TestToLLMMessages_ForeignToolMessageIsReauthoredAndTruncated(t *testing.T) {
	long := strings.Repeat("x", toolResultNarrationLimit+50)
	msgs := []events.Message{
		events.ToolMessage("beta", []events.ToolResult{
			{ToolCallID: "c1", Content: "found it", IsError: false},
			{ToolCallID: "c2", Content: long, IsError: true},
		}),
	}
	out := toLLMMessages(msgs, "alpha")
	if len(out) != 1 || out[0].Role != llm.RoleUser {
		t.Fatalf("expected a single reauthored user message, got %+v", out)
	}
	text := out[0].Parts[0].Text
	if !strings.Contains(text, "[Tool Result (Success)]: found it") {
		t.Fatalf("missing success narration: %q", text)
	}
	if !strings.Contains(text, "[Tool Result (Error)]: "+strings.Repeat("x", toolResultNarrationLimit)+"...") {
		t.Fatalf("expected truncated error narration, got %q", text)
	}
}

// TestToLLMMessages_Idempotent exercises property P2: the renderer is a
// pure function of (msgs, selfModel) — rendering twice from the same
// viewpoint produces byte-identical output, and a message that has already
// been flattened to plain user narration (role=user) is never re-wrapped
// on a later rendering pass for a different viewpoint.
func TestToLLMMessages_Idempotent(t *testing.T) {
	msgs := []events.Message{
		events.User("hi everyone"),
		events.Assistant("alpha", "hello from alpha", nil),
		events.ToolMessage("beta", []events.ToolResult{{ToolCallID: "c1", Content: "ok", IsError: false}}),
	}

	first := toLLMMessages(msgs, "gamma")
	second := toLLMMessages(msgs, "gamma")
	if len(first) != len(second) {
		t.Fatalf("non-deterministic output length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Role != second[i].Role {
			t.Fatalf("message %d role mismatch: %v vs %v", i, first[i].Role, second[i].Role)
		}
		if len(first[i].Parts) != len(second[i].Parts) {
			t.Fatalf("message %d part count mismatch", i)
		}
		for j := range first[i].Parts {
			if first[i].Parts[j].Text != second[i].Parts[j].Text {
				t.Fatalf("message %d part %d text mismatch: %q vs %q", i, j, first[i].Parts[j].Text, second[i].Parts[j].Text)
			}
		}
	}

	// Rendering an already-plain user message again (as a different
	// viewpoint would, once it has entered the transcript as narration)
	// must not add another layer of "[... says]" wrapping.
	narrated := []events.Message{events.User(first[1].Parts[0].Text)}
	rerendered := toLLMMessages(narrated, "delta")
	if rerendered[0].Parts[0].Text != first[1].Parts[0].Text {
		t.Fatalf("reauthoring was not idempotent across viewpoints: %q vs %q", rerendered[0].Parts[0].Text, first[1].Parts[0].Text)
	}
}
