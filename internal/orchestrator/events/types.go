// Package events defines the shared data model for the orchestration core:
// messages, tool calls, usage accounting, and the event stream the engine
// produces for one turn.
package events

import "time"

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// FinishReason is why a model stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength         FinishReason = "length"
	FinishToolUse        FinishReason = "tool_use"
	FinishContentFilter  FinishReason = "content_filter"
)

// ToolCall is a single tool invocation requested by a model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Usage accumulates token/cost accounting. Additive under Add.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostEstimate     *float64
}

// Add returns the sum of two usages. Nil CostEstimate is treated as zero
// unless both are nil.
func (u Usage) Add(o Usage) Usage {
	var cost *float64
	if u.CostEstimate != nil || o.CostEstimate != nil {
		var a, b float64
		if u.CostEstimate != nil {
			a = *u.CostEstimate
		}
		if o.CostEstimate != nil {
			b = *o.CostEstimate
		}
		sum := a + b
		cost = &sum
	}
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
		CostEstimate:     cost,
	}
}

// IsZero reports whether no tokens were recorded at all.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Message is one entry in the shared transcript.
type Message struct {
	ID          string // empty until persisted
	Role        Role
	Content     string
	Model       string // producing model for assistant; owning model's id for tool
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	CreatedAt   time.Time
}

// HasUnresolvedToolCalls reports whether m is an assistant message whose
// tool calls have not yet been answered by a following tool message.
func (m Message) HasUnresolvedToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// User constructs a plain user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content, CreatedAt: time.Now()}
}

// System constructs a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content, CreatedAt: time.Now()}
}

// Assistant constructs an assistant message owned by model.
func Assistant(model, content string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Model: model, Content: content, ToolCalls: calls, CreatedAt: time.Now()}
}

// ToolMessage constructs a tool-result message carrying results for the
// tool calls issued by model. Reauthoring (see the engine's
// toLLMMessages) compares this against each adapter's own id to decide
// whether a tool message stays native or is flattened into narration.
func ToolMessage(model string, results []ToolResult) Message {
	return Message{Role: RoleTool, Model: model, ToolResults: results, CreatedAt: time.Now()}
}

// ModelResponse is the fully-accumulated result of one non-streaming (or
// drained-streaming) generation.
type ModelResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        Usage
}

// SpeakerDecision is the speaking evaluator's verdict for one model.
type SpeakerDecision struct {
	Model      string
	WillSpeak  bool
	Confidence float64
	Reason     string
	Forced     bool
}

// Forced constructs a forced-to-speak decision (confidence 1.0, no API call).
func Forced(model string) SpeakerDecision {
	return SpeakerDecision{Model: model, WillSpeak: true, Confidence: 1.0, Reason: "forced by mention", Forced: true}
}

// Speak constructs a speaking decision with the given confidence and reason.
func Speak(model string, confidence float64, reason string) SpeakerDecision {
	return SpeakerDecision{Model: model, WillSpeak: true, Confidence: confidence, Reason: reason}
}

// Silent constructs a declined-to-speak decision.
func Silent(model string, confidence float64, reason string) SpeakerDecision {
	return SpeakerDecision{Model: model, WillSpeak: false, Confidence: confidence, Reason: reason}
}

// ParsedMentions is the result of mention parsing on raw user text.
type ParsedMentions struct {
	Addressees []string
	CleanText  string
	Broadcast  bool
}

// EventKind enumerates the kinds of OrchestratorEvent the engine emits.
type EventKind string

const (
	EventThinking        EventKind = "thinking"
	EventWillSpeak       EventKind = "will_speak"
	EventWillStaySilent  EventKind = "will_stay_silent"
	EventResponseStart   EventKind = "response_start"
	EventResponseChunk   EventKind = "response_chunk"
	EventToolCall        EventKind = "tool_call"
	EventToolResult      EventKind = "tool_result"
	EventResponseComplete EventKind = "response_complete"
	EventError           EventKind = "error"
	EventTurnComplete    EventKind = "turn_complete"
)

// OrchestratorEvent is one item in the pull-driven event stream a turn
// produces. Only the fields relevant to Kind are populated.
type OrchestratorEvent struct {
	Kind EventKind

	Model    string // empty for turn-scoped events
	Decision *SpeakerDecision
	Text     string
	ToolCall *ToolCall
	Result   *ToolResult
	Response *ModelResponse
	Err      error

	TurnResponses map[string]ModelResponse
	TurnUsage     *Usage
}

func Thinking() OrchestratorEvent { return OrchestratorEvent{Kind: EventThinking} }

func WillSpeak(d SpeakerDecision) OrchestratorEvent {
	return OrchestratorEvent{Kind: EventWillSpeak, Model: d.Model, Decision: &d}
}

func WillStaySilent(d SpeakerDecision) OrchestratorEvent {
	return OrchestratorEvent{Kind: EventWillStaySilent, Model: d.Model, Decision: &d}
}

func ResponseStart(model string) OrchestratorEvent {
	return OrchestratorEvent{Kind: EventResponseStart, Model: model}
}

func ResponseChunk(model, text string) OrchestratorEvent {
	return OrchestratorEvent{Kind: EventResponseChunk, Model: model, Text: text}
}

func ToolCallEvent(model string, tc ToolCall) OrchestratorEvent {
	return OrchestratorEvent{Kind: EventToolCall, Model: model, ToolCall: &tc}
}

func ToolResultEvent(model string, tr ToolResult) OrchestratorEvent {
	return OrchestratorEvent{Kind: EventToolResult, Model: model, Result: &tr}
}

func ResponseComplete(model string, resp ModelResponse) OrchestratorEvent {
	return OrchestratorEvent{Kind: EventResponseComplete, Model: model, Response: &resp}
}

func Error(model string, err error) OrchestratorEvent {
	return OrchestratorEvent{Kind: EventError, Model: model, Err: err}
}

func TurnComplete(responses map[string]ModelResponse, usage *Usage) OrchestratorEvent {
	return OrchestratorEvent{Kind: EventTurnComplete, TurnResponses: responses, TurnUsage: usage}
}
