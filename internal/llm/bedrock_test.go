package llm

import (
	"context"
	"encoding/json"
	"testing"
)

func TestBuildBedrockMessages_SplitsSystemFromTurns(t *testing.T) {
	messages := []Message{
		SystemText("be terse"),
		UserText("hello"),
		AssistantText("hi there"),
	}

	system, turns := buildBedrockMessages(messages)
	if system != "be terse" {
		t.Fatalf("system = %q", system)
	}
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("roles = %q, %q", turns[0].Role, turns[1].Role)
	}
}

func TestBuildBedrockMessages_DropsToolUseFromUserTurns(t *testing.T) {
	messages := []Message{
		{
			Role: RoleUser,
			Parts: []Part{
				{Type: PartText, Text: "hi"},
				{Type: PartToolCall, ToolCall: &ToolCall{ID: "c1", Name: "search", Arguments: json.RawMessage(`{}`)}},
			},
		},
	}
	_, turns := buildBedrockMessages(messages)
	if len(turns) != 1 || len(turns[0].Content) != 1 {
		t.Fatalf("turns = %+v, want a single text block (tool_use must not appear in a user turn)", turns)
	}
}

func TestBuildBedrockMessages_IncludesToolResultInUserTurn(t *testing.T) {
	messages := []Message{ToolResultMessage("call_1", "search", "3 results", false)}
	_, turns := buildBedrockMessages(messages)
	if len(turns) != 1 || turns[0].Content[0].Type != "tool_result" {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[0].Content[0].ToolUseID != "call_1" || turns[0].Content[0].Content != "3 results" {
		t.Fatalf("tool result block mismatch: %+v", turns[0].Content[0])
	}
}

func TestBuildBedrockTools(t *testing.T) {
	specs := []ToolSpec{{Name: "search", Description: "search the web", Schema: map[string]interface{}{"type": "object"}}}
	tools := buildBedrockTools(specs)
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestBuildBedrockToolChoice(t *testing.T) {
	cases := []struct {
		mode ToolChoiceMode
		name string
		want string
	}{
		{ToolChoiceNone, "", "none"},
		{ToolChoiceRequired, "", "any"},
		{ToolChoiceName, "search", "tool"},
		{ToolChoiceAuto, "", "auto"},
	}
	for _, tc := range cases {
		got := buildBedrockToolChoice(ToolChoice{Mode: tc.mode, Name: tc.name})
		if got.Type != tc.want {
			t.Fatalf("mode %q: Type = %q, want %q", tc.mode, got.Type, tc.want)
		}
	}
}

func TestJoinNonEmpty(t *testing.T) {
	if got := joinNonEmpty([]string{"a", "b"}); got != "a\n\nb" {
		t.Fatalf("got %q", got)
	}
	if got := joinNonEmpty(nil); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestNewAnthropicBedrockProvider_Name(t *testing.T) {
	p := NewAnthropicBedrockProvider("us-east-1", "anthropic.claude-3-sonnet")
	if p.Name() != "Anthropic (anthropic.claude-3-sonnet via Bedrock/us-east-1)" {
		t.Fatalf("Name() = %q", p.Name())
	}
	if p.Credential() != "aws_sigv4" {
		t.Fatalf("Credential() = %q", p.Credential())
	}
	caps := p.Capabilities()
	if !caps.ToolCalls || !caps.ParallelTool {
		t.Fatal("expected ToolCalls and ParallelTool capabilities")
	}
}

func TestNewAnthropicBedrockProviderWithCredentials_ResolvesStaticCreds(t *testing.T) {
	p := NewAnthropicBedrockProviderWithCredentials("us-west-2", "anthropic.claude-3-sonnet", "AKIA_TEST", "secret", "")
	creds, err := p.resolver(context.Background())
	if err != nil {
		t.Fatalf("unexpected error resolving static credentials: %v", err)
	}
	if creds.AccessKeyID != "AKIA_TEST" || creds.SecretAccessKey != "secret" {
		t.Fatalf("creds = %+v", creds)
	}
}
