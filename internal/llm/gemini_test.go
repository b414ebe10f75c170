package llm

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"
)

func TestParseGeminiModelThinking(t *testing.T) {
	cases := []struct {
		model     string
		wantBase  string
		wantLevel genai.ThinkingLevel
	}{
		{"gemini-3-flash-preview", "gemini-3-flash-preview", genai.ThinkingLevelMinimal},
		{"gemini-3-flash-preview-thinking", "gemini-3-flash-preview", genai.ThinkingLevelHigh},
		{"gemini-3-pro-preview", "gemini-3-pro-preview", genai.ThinkingLevelLow},
		{"gemini-3-pro-preview-thinking", "gemini-3-pro-preview", genai.ThinkingLevelHigh},
	}
	for _, tc := range cases {
		base, cfg := parseGeminiModelThinking(tc.model)
		if base != tc.wantBase {
			t.Fatalf("%s: base = %q, want %q", tc.model, base, tc.wantBase)
		}
		if cfg.level != tc.wantLevel {
			t.Fatalf("%s: level = %q, want %q", tc.model, cfg.level, tc.wantLevel)
		}
	}
}

func TestParseGeminiModelThinking_25Budget(t *testing.T) {
	base, cfg := parseGeminiModelThinking("gemini-2.5-pro")
	if base != "gemini-2.5-pro" {
		t.Fatalf("base = %q", base)
	}
	if cfg.budget == nil || *cfg.budget != 0 {
		t.Fatalf("expected budget 0, got %+v", cfg.budget)
	}
}

func TestBuildGeminiContents_SplitsSystemFromTurns(t *testing.T) {
	messages := []Message{
		SystemText("be terse"),
		UserText("hello"),
		AssistantText("hi"),
	}
	system, contents := buildGeminiContents(messages)
	if system != "be terse" {
		t.Fatalf("system = %q", system)
	}
	if len(contents) != 2 {
		t.Fatalf("len(contents) = %d, want 2", len(contents))
	}
	if contents[0].Role != genai.RoleUser || contents[1].Role != genai.RoleModel {
		t.Fatalf("roles = %q, %q", contents[0].Role, contents[1].Role)
	}
}

func TestBuildGeminiContent_FunctionCall(t *testing.T) {
	parts := []Part{
		{Type: PartToolCall, ToolCall: &ToolCall{ID: "call_1", Name: "search", Arguments: json.RawMessage(`{"q":"go"}`)}},
	}
	content := buildGeminiContent(genai.RoleModel, parts)
	if content == nil || len(content.Parts) != 1 {
		t.Fatalf("content = %+v", content)
	}
	if content.Parts[0].FunctionCall == nil || content.Parts[0].FunctionCall.Name != "search" {
		t.Fatalf("function call missing: %+v", content.Parts[0])
	}
}

func TestBuildGeminiToolResultContent(t *testing.T) {
	msg := ToolResultMessage("call_1", "search", "3 results", false)
	content := buildGeminiToolResultContent(msg.Parts)
	if content == nil || len(content.Parts) != 1 {
		t.Fatalf("content = %+v", content)
	}
	resp := content.Parts[0].FunctionResponse
	if resp == nil || resp.Name != "search" || resp.Response["output"] != "3 results" {
		t.Fatalf("function response mismatch: %+v", resp)
	}
}

func TestToolArgsToMap(t *testing.T) {
	args := toolArgsToMap(json.RawMessage(`{"q":"go"}`))
	if args["q"] != "go" {
		t.Fatalf("args = %+v", args)
	}
	fallback := toolArgsToMap(json.RawMessage(`not json`))
	if fallback["_raw"] != "not json" {
		t.Fatalf("fallback = %+v", fallback)
	}
}

func TestBuildGeminiToolConfig(t *testing.T) {
	cfg := buildGeminiToolConfig(ToolChoice{Mode: ToolChoiceName, Name: "search"})
	if cfg.FunctionCallingConfig.Mode != genai.FunctionCallingConfigModeAny {
		t.Fatalf("mode = %v", cfg.FunctionCallingConfig.Mode)
	}
	if len(cfg.FunctionCallingConfig.AllowedFunctionNames) != 1 || cfg.FunctionCallingConfig.AllowedFunctionNames[0] != "search" {
		t.Fatalf("allowed = %+v", cfg.FunctionCallingConfig.AllowedFunctionNames)
	}
}

func TestNewGeminiProvider_DefaultsModel(t *testing.T) {
	p := NewGeminiProvider("key", "")
	if p.model != "gemini-3-flash-preview" {
		t.Fatalf("model = %q", p.model)
	}
	if p.Credential() != "api_key" {
		t.Fatalf("Credential() = %q", p.Credential())
	}
	if !p.Capabilities().NativeSearch {
		t.Fatal("expected NativeSearch capability")
	}
}
