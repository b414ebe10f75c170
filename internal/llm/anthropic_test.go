package llm

import (
	"encoding/json"
	"testing"
)

func TestBuildAnthropicMessages_SplitsSystemFromTurns(t *testing.T) {
	messages := []Message{
		SystemText("be terse"),
		UserText("hello"),
		AssistantText("hi there"),
	}

	system, turns := buildAnthropicMessages(messages)

	if system != "be terse" {
		t.Fatalf("system = %q, want %q", system, "be terse")
	}
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
}

func TestBuildAnthropicBlocks_DropsToolCallsForNonAssistant(t *testing.T) {
	parts := []Part{
		{Type: PartText, Text: "ignored tool call below"},
		{Type: PartToolCall, ToolCall: &ToolCall{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{}`)}},
	}

	blocks := buildAnthropicBlocks(parts, false)
	if len(blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1 (tool call should be dropped when allowToolUse=false)", len(blocks))
	}
}

func TestBuildAnthropicBlocks_KeepsToolCallsForAssistant(t *testing.T) {
	parts := []Part{
		{Type: PartToolCall, ToolCall: &ToolCall{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{}`)}},
	}

	blocks := buildAnthropicBlocks(parts, true)
	if len(blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1", len(blocks))
	}
}

func TestToolCallAccumulator_ReassemblesFragmentedArguments(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.Start(0, ToolCall{ID: "call_1", Name: "search"})
	acc.Append(0, `{"query":`)
	acc.Append(0, `"golang"}`)

	call, ok := acc.Finish(0)
	if !ok {
		t.Fatal("Finish returned ok=false")
	}
	if string(call.Arguments) != `{"query":"golang"}` {
		t.Fatalf("Arguments = %s, want full reassembled JSON", call.Arguments)
	}
}

func TestToolCallAccumulator_FallsBackToStartArguments(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.Start(0, ToolCall{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{"query":"go"}`)})

	call, ok := acc.Finish(0)
	if !ok {
		t.Fatal("Finish returned ok=false")
	}
	if string(call.Arguments) != `{"query":"go"}` {
		t.Fatalf("Arguments = %s, want fallback from Start", call.Arguments)
	}
}

func TestToolCallAccumulator_UnknownIndexFinishesFalse(t *testing.T) {
	acc := newToolCallAccumulator()
	if _, ok := acc.Finish(7); ok {
		t.Fatal("Finish on unstarted index should return ok=false")
	}
}

func TestBuildAnthropicToolChoice(t *testing.T) {
	cases := []struct {
		name   string
		choice ToolChoice
	}{
		{"none", ToolChoice{Mode: ToolChoiceNone}},
		{"required", ToolChoice{Mode: ToolChoiceRequired}},
		{"named", ToolChoice{Mode: ToolChoiceName, Name: "search"}},
		{"auto", ToolChoice{Mode: ToolChoiceAuto}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := buildAnthropicToolChoice(tc.choice, true)
			if got.OfNone == nil && got.OfAny == nil && got.OfTool == nil && got.OfAuto == nil {
				t.Fatal("buildAnthropicToolChoice returned an empty union")
			}
		})
	}
}

func TestBuildAnthropicTools_CarriesRequiredFields(t *testing.T) {
	specs := []ToolSpec{
		{
			Name:        "search",
			Description: "search the web",
			Schema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"query"},
			},
		},
	}

	tools := buildAnthropicTools(specs)
	if len(tools) != 1 {
		t.Fatalf("len(tools) = %d, want 1", len(tools))
	}
	if tools[0].OfTool == nil || tools[0].OfTool.Name != "search" {
		t.Fatal("expected a named tool definition")
	}
}

func TestToolInputToRaw(t *testing.T) {
	if string(toolInputToRaw(json.RawMessage(`{"a":1}`))) != `{"a":1}` {
		t.Fatal("json.RawMessage passthrough failed")
	}
	if string(toolInputToRaw(map[string]interface{}{"a": 1})) != `{"a":1}` {
		t.Fatal("map marshal failed")
	}
}

func TestMaxTokens(t *testing.T) {
	if maxTokens(0, 4096) != 4096 {
		t.Fatal("should fall back when requested is 0")
	}
	if maxTokens(128, 4096) != 128 {
		t.Fatal("should prefer requested over fallback")
	}
}

func TestNewAnthropicProvider_Name(t *testing.T) {
	p := NewAnthropicProvider("sk-test", "claude-sonnet-4")
	if p.Name() != "Anthropic (claude-sonnet-4)" {
		t.Fatalf("Name() = %q", p.Name())
	}
	if p.Credential() != "api_key" {
		t.Fatalf("Credential() = %q, want api_key", p.Credential())
	}
	caps := p.Capabilities()
	if !caps.ToolCalls || !caps.ParallelTool {
		t.Fatal("expected ToolCalls and ParallelTool capabilities")
	}
}
