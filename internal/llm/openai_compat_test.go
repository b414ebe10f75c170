package llm

import (
	"encoding/json"
	"testing"
)

func TestBuildCompatMessages_AssistantToolCallsCarryArguments(t *testing.T) {
	messages := []Message{
		UserText("search for go modules"),
		{
			Role: RoleAssistant,
			Parts: []Part{
				{Type: PartToolCall, ToolCall: &ToolCall{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{"q":"go"}`)}},
			},
		},
		ToolResultMessage("call_1", "search", "found 3 results", false),
	}

	out := buildCompatMessages(messages)
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if out[1].Role != "assistant" || len(out[1].ToolCalls) != 1 {
		t.Fatalf("assistant message missing tool call: %+v", out[1])
	}
	if out[2].Role != "tool" || out[2].ToolCallID != "call_1" || out[2].Content != "found 3 results" {
		t.Fatalf("tool result message malformed: %+v", out[2])
	}
}

func TestBuildCompatMessages_DropsEmptyTextMessages(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Parts: []Part{{Type: PartText, Text: ""}}},
	}
	if out := buildCompatMessages(messages); len(out) != 0 {
		t.Fatalf("len(out) = %d, want 0 for an empty user turn", len(out))
	}
}

func TestSplitParts(t *testing.T) {
	parts := []Part{
		{Type: PartText, Text: "hello "},
		{Type: PartText, Text: "world"},
		{Type: PartToolCall, ToolCall: &ToolCall{ID: "c1", Name: "fn", Arguments: json.RawMessage(`{}`)}},
	}
	text, calls := splitParts(parts)
	if text != "hello world" {
		t.Fatalf("text = %q, want %q", text, "hello world")
	}
	if len(calls) != 1 || calls[0].ID != "c1" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestBuildCompatToolChoice(t *testing.T) {
	if buildCompatToolChoice(ToolChoice{Mode: ToolChoiceNone}) != "none" {
		t.Fatal("none mode mismatch")
	}
	if buildCompatToolChoice(ToolChoice{Mode: ToolChoiceRequired}) != "required" {
		t.Fatal("required mode mismatch")
	}
	named, ok := buildCompatToolChoice(ToolChoice{Mode: ToolChoiceName, Name: "search"}).(map[string]interface{})
	if !ok {
		t.Fatal("named tool choice should be a map")
	}
	fn, ok := named["function"].(map[string]string)
	if !ok || fn["name"] != "search" {
		t.Fatalf("named tool choice function mismatch: %+v", named)
	}
}

func TestCompatToolState_AssemblesFragmentedCallsInOrder(t *testing.T) {
	state := newCompatToolState()
	state.Add([]oaiToolCall{
		{Index: 1, ID: "call_b", Function: struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments,omitempty"`
		}{Name: "b"}},
		{Index: 0, ID: "call_a", Function: struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments,omitempty"`
		}{Name: "a", Arguments: `{"x":`}},
	})
	state.Add([]oaiToolCall{
		{Index: 0, Function: struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments,omitempty"`
		}{Arguments: `1}`}},
	})

	calls := state.Calls()
	if len(calls) != 2 {
		t.Fatalf("len(calls) = %d, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || string(calls[0].Arguments) != `{"x":1}` {
		t.Fatalf("calls[0] = %+v", calls[0])
	}
	if calls[1].ID != "call_b" {
		t.Fatalf("calls[1] = %+v", calls[1])
	}
}

func TestBuildCompatTools_MarshalsSchema(t *testing.T) {
	specs := []ToolSpec{{Name: "search", Description: "search the web", Schema: map[string]interface{}{"type": "object"}}}
	tools := buildCompatTools(specs)
	if len(tools) != 1 || tools[0].Function.Name != "search" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestNewOpenAICompatProvider_NormalizesBaseURL(t *testing.T) {
	p := NewOpenAICompatProvider("https://api.openai.com/v1/chat/completions/", "sk-test", "gpt-4o", "OpenAI")
	if p.baseURL != "https://api.openai.com/v1" {
		t.Fatalf("baseURL = %q", p.baseURL)
	}
	if p.Credential() != "api_key" {
		t.Fatalf("Credential() = %q", p.Credential())
	}
}

func TestNewOpenAICompatProvider_FreeCredentialWithoutAPIKey(t *testing.T) {
	p := NewOpenAICompatProvider("http://localhost:11434/v1", "", "llama3", "Ollama")
	if p.Credential() != "free" {
		t.Fatalf("Credential() = %q, want free", p.Credential())
	}
}
