// Package llm defines the provider-agnostic streaming abstraction that the
// orchestrator drives: a Request goes in, a Stream of Events comes out, and
// every concrete adapter (Anthropic, OpenAI-compatible, Gemini) speaks the
// same Event vocabulary regardless of wire format.
package llm

import (
	"context"
	"encoding/json"
)

// Provider streams model output events for a request. Credential exists
// purely for diagnostics — which auth mechanism produced this client.
type Provider interface {
	Name() string
	Credential() string
	Capabilities() Capabilities
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Capabilities describe optional provider features that callers branch on.
type Capabilities struct {
	NativeSearch bool
	ToolCalls    bool
	ParallelTool bool
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Request represents a single model turn.
type Request struct {
	Model             string
	System            string
	Messages          []Message
	Tools             []ToolSpec
	ToolChoice        ToolChoice
	ParallelToolCalls bool
	MaxOutputTokens   int
	Temperature       float32
	TopP              float32
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Message holds a role with structured parts.
type Message struct {
	Role  Role
	Parts []Part
}

// Part represents a single content part.
type Part struct {
	Type       PartType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// ToolSpec describes a callable tool as advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ToolChoiceMode controls tool selection behavior.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceName     ToolChoiceMode = "name"
)

// ToolChoice configures which tool the model should call.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the wire-level result of executing a tool call, handed back
// to the provider on the next turn.
type ToolResult struct {
	ID      string
	Name    string
	Content string
	IsError bool
}

// EventType describes streaming events.
type EventType string

const (
	EventTextDelta EventType = "text_delta"
	EventToolCall  EventType = "tool_call"
	EventUsage     EventType = "usage"
	EventDone      EventType = "done"
	EventError     EventType = "error"
	EventRetry     EventType = "retry"
)

// FinishReason mirrors events.FinishReason at the wire layer.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolUse   FinishReason = "tool_use"
	FinishMaxTokens FinishReason = "max_tokens"
)

// Event represents a streamed output update.
type Event struct {
	Type   EventType
	Text   string
	Tool   *ToolCall
	Finish FinishReason
	Use    *Usage
	Err    error

	// Retry progress fields, set only when Type == EventRetry.
	RetryAttempt     int
	RetryMaxAttempts int
	RetryWaitSecs    float64
}

// Usage captures token usage if available.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostEstimate *float64
}

// ToolOutput is the result of executing one tool call, returned by a Tool's
// Execute method and relayed back into the conversation as a ToolResult.
type ToolOutput struct {
	Content string
	IsError bool
}

// TextOutput wraps plain text as a successful ToolOutput.
func TextOutput(text string) ToolOutput {
	return ToolOutput{Content: text}
}

// ErrorOutput wraps plain text as a failed ToolOutput.
func ErrorOutput(text string) ToolOutput {
	return ToolOutput{Content: text, IsError: true}
}

// ModelInfo describes a model available from a provider.
type ModelInfo struct {
	ID          string
	DisplayName string
	OwnedBy     string
}

func SystemText(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{{Type: PartText, Text: text}}}
}

func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Type: PartText, Text: text}}}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{{Type: PartText, Text: text}}}
}

func ToolResultMessage(id, name, content string, isError bool) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type:       PartToolResult,
			ToolResult: &ToolResult{ID: id, Name: name, Content: content, IsError: isError},
		}},
	}
}
