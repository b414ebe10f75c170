// Package engine drives one collaborative-chat turn end to end: it parses
// mentions, runs the speaking evaluation, orders the resulting speakers,
// and then streams each contributor's model response — including any tool
// calls — to completion, emitting one OrchestratorEvent per step along the
// way.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/codecrew/guildcore/internal/llm"
	"github.com/codecrew/guildcore/internal/orchestrator/contextw"
	"github.com/codecrew/guildcore/internal/orchestrator/events"
	"github.com/codecrew/guildcore/internal/orchestrator/mentions"
	"github.com/codecrew/guildcore/internal/orchestrator/speaking"
	"github.com/codecrew/guildcore/internal/orchestrator/turns"
	"github.com/codecrew/guildcore/internal/tools"
)

// DefaultMaxToolIterations caps a single contributor's tool loop.
const DefaultMaxToolIterations = 10

// extraContextCharLimit is how much of an in-turn prior response is quoted
// back to later speakers.
const extraContextCharLimit = 200

var errMaxToolIterations = errors.New("maximum tool iterations reached")

// Participant is one configured model available to the orchestrator.
type Participant struct {
	Model       string // id used in mentions, decisions, and transcripts
	DisplayName string
	Provider    llm.Provider
}

// Stream yields one turn's OrchestratorEvents until io.EOF, mirroring the
// provider-level pull-driven Stream so UI consumers use the same Recv/Close
// pattern regardless of which layer they're reading from.
type Stream interface {
	Recv() (events.OrchestratorEvent, error)
	Close() error
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMaxToolIterations overrides DefaultMaxToolIterations.
func WithMaxToolIterations(n int) Option {
	return func(e *Engine) { e.maxToolIterations = n }
}

// WithSystemPromptBuilder overrides contextw.DefaultSystemPrompt.
func WithSystemPromptBuilder(b contextw.SystemPromptBuilder) Option {
	return func(e *Engine) { e.systemPromptBuilder = b }
}

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSpeakingOptions forwards options to the internal speaking.Evaluator.
func WithSpeakingOptions(opts ...speaking.Option) Option {
	return func(e *Engine) { e.speakingOpts = append(e.speakingOpts, opts...) }
}

// WithAssembler overrides the default contextw.Assembler.
func WithAssembler(a *contextw.Assembler) Option {
	return func(e *Engine) { e.assembler = a }
}

// Engine wires the mention parser, speaking evaluator, turn manager, context
// assembler, and tool executor together and drives one turn at a time.
type Engine struct {
	participants    map[string]Participant
	availableModels []string

	mentionParser *mentions.Parser
	evaluator     *speaking.Evaluator
	turnManager   *turns.Manager
	assembler     *contextw.Assembler
	counter       contextw.TokenCounter
	executor      *tools.Executor
	toolSpecs     []llm.ToolSpec

	maxToolIterations   int
	systemPromptBuilder contextw.SystemPromptBuilder
	speakingOpts        []speaking.Option
	logger              *slog.Logger

	mu         sync.Mutex
	transcript []events.Message
	pinnedIDs  map[string]bool
	nextMsgID  int
}

// New builds an Engine over a fixed set of participants. strategy and
// fixedOrder configure the turn manager; counter estimates token lengths
// for context assembly; executor runs tool calls (may be nil if no
// participant will ever request one).
func New(
	participants []Participant,
	strategy turns.Strategy,
	fixedOrder []string,
	executor *tools.Executor,
	counter contextw.TokenCounter,
	opts ...Option,
) *Engine {
	e := &Engine{
		participants:        make(map[string]Participant, len(participants)),
		turnManager:         turns.New(strategy, fixedOrder),
		assembler:           contextw.New(),
		counter:             counter,
		executor:            executor,
		maxToolIterations:   DefaultMaxToolIterations,
		systemPromptBuilder: contextw.DefaultSystemPrompt,
		logger:              slog.Default(),
	}

	modelIDs := make([]string, 0, len(participants))
	generators := make(map[string]speaking.Generator, len(participants))
	for _, p := range participants {
		e.participants[p.Model] = p
		modelIDs = append(modelIDs, p.Model)
		generators[p.Model] = providerGenerator{displayName: p.DisplayName, model: p.Model, provider: p.Provider}
	}
	e.availableModels = modelIDs
	e.mentionParser = mentions.New(modelIDs)

	for _, opt := range opts {
		opt(e)
	}

	e.evaluator = speaking.New(generators, e.speakingOpts...)
	if executor != nil && executor.Registry != nil {
		e.toolSpecs = executor.Registry.AllSpecs()
	}
	return e
}

// SeedTranscript appends messages to the transcript without emitting any
// events — useful for resuming a session that already has history.
func (e *Engine) SeedTranscript(msgs ...events.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range msgs {
		e.transcript = append(e.transcript, e.assignID(m))
	}
}

// Transcript returns a snapshot of the transcript accumulated so far.
func (e *Engine) Transcript() []events.Message {
	return e.transcriptSnapshot()
}

func (e *Engine) appendMessage(m events.Message) {
	e.mu.Lock()
	e.transcript = append(e.transcript, e.assignID(m))
	e.mu.Unlock()
}

// assignID gives m a stable in-memory id if it doesn't already carry one
// from persistence. Must be called with e.mu held.
func (e *Engine) assignID(m events.Message) events.Message {
	if m.ID == "" {
		e.nextMsgID++
		m.ID = fmt.Sprintf("m%d", e.nextMsgID)
	}
	return m
}

// Pin marks messageID as pinned: the context assembler includes it in
// every assembled context for this session regardless of recency budget.
// See §6's pin(message_id) entry point.
func (e *Engine) Pin(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pinnedIDs == nil {
		e.pinnedIDs = make(map[string]bool)
	}
	e.pinnedIDs[messageID] = true
}

// Unpin clears a previous Pin. Unpinning a message that was never pinned
// is a no-op.
func (e *Engine) Unpin(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pinnedIDs, messageID)
}

// pinnedIDsSnapshot returns a copy of the current pin set for handing to
// the context assembler.
func (e *Engine) pinnedIDsSnapshot() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool, len(e.pinnedIDs))
	for k, v := range e.pinnedIDs {
		out[k] = v
	}
	return out
}

func (e *Engine) transcriptSnapshot() []events.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Message, len(e.transcript))
	copy(out, e.transcript)
	return out
}

// Process parses mentions in userText, runs the full per-turn algorithm,
// and streams its events. The returned Stream ends (io.EOF) once
// TURN_COMPLETE has been emitted, or early and silently if ctx is
// cancelled — cancellation is cooperative and unacknowledged.
func (e *Engine) Process(ctx context.Context, userText string) Stream {
	return newEventStream(ctx, func(ctx context.Context, out chan<- events.OrchestratorEvent) error {
		return e.runTurn(ctx, userText, out)
	})
}

// Retry re-runs the contributor step for model against the current
// transcript, without evaluation or reordering.
func (e *Engine) Retry(ctx context.Context, model string) Stream {
	return newEventStream(ctx, func(ctx context.Context, out chan<- events.OrchestratorEvent) error {
		e.runContributor(ctx, model, nil, out)
		return nil
	})
}

// ForceSpeak emits a synthetic forced WILL_SPEAK decision for model, then
// runs its contributor step against the current transcript.
func (e *Engine) ForceSpeak(ctx context.Context, model string) Stream {
	return newEventStream(ctx, func(ctx context.Context, out chan<- events.OrchestratorEvent) error {
		if !send(ctx, out, events.WillSpeak(events.Forced(model))) {
			return ctx.Err()
		}
		e.runContributor(ctx, model, nil, out)
		return nil
	})
}

func (e *Engine) runTurn(ctx context.Context, userText string, out chan<- events.OrchestratorEvent) error {
	parsed := e.mentionParser.Parse(userText)
	e.appendMessage(events.User(parsed.CleanText))

	if !send(ctx, out, events.Thinking()) {
		return ctx.Err()
	}

	forced := mentions.ForcedSpeakers(parsed, e.availableModels)
	decisions := e.evaluator.EvaluateAll(ctx, e.transcriptSnapshot(), parsed.CleanText, nil, forced)

	for _, d := range decisions {
		ev := events.WillStaySilent(d)
		if d.WillSpeak {
			ev = events.WillSpeak(d)
		}
		if !send(ctx, out, ev) {
			return ctx.Err()
		}
	}

	order := e.turnManager.DetermineOrder(decisions)
	if len(order) == 0 {
		send(ctx, out, events.TurnComplete(nil, nil))
		return nil
	}

	responses := make(map[string]events.ModelResponse, len(order))
	var totalUsage events.Usage
	var prior []speaking.PriorResponse

	for _, model := range order {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, ok := e.runContributor(ctx, model, prior, out)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		responses[model] = resp
		totalUsage = totalUsage.Add(resp.Usage)
		prior = append(prior, speaking.PriorResponse{Model: model, Content: resp.Content})
	}

	var usagePtr *events.Usage
	if !totalUsage.IsZero() {
		usagePtr = &totalUsage
	}
	send(ctx, out, events.TurnComplete(responses, usagePtr))
	return nil
}

// runContributor drives one model through the tool loop: stream, parse
// chunks and tool calls, execute any tools requested, and repeat until the
// model finishes without requesting another tool or the iteration cap is
// hit. It reports ok=false if the contributor produced no usable response
// (an error was already emitted, or the caller's context was cancelled).
func (e *Engine) runContributor(ctx context.Context, model string, prior []speaking.PriorResponse, out chan<- events.OrchestratorEvent) (events.ModelResponse, bool) {
	participant, ok := e.participants[model]
	if !ok {
		send(ctx, out, events.Error(model, fmt.Errorf("unknown participant: %s", model)))
		return events.ModelResponse{}, false
	}

	if !send(ctx, out, events.ResponseStart(model)) {
		return events.ModelResponse{}, false
	}

	extra := formatExtraContext(prior)
	others := e.otherDisplayNames(model)

	maxIter := e.maxToolIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxToolIterations
	}

	for iteration := 0; iteration < maxIter; iteration++ {
		if ctx.Err() != nil {
			return events.ModelResponse{}, false
		}

		system, ctxMessages := e.assembler.Assemble(e.transcriptSnapshot(), e.counter, participant.DisplayName, others, e.pinnedIDsSnapshot(), e.systemPromptBuilder, extra)

		req := llm.Request{
			Model:    participant.Model,
			System:   system,
			Messages: toLLMMessages(ctxMessages, model),
			Tools:    e.toolSpecs,
		}

		stream, err := participant.Provider.Stream(ctx, req)
		if err != nil {
			send(ctx, out, events.Error(model, err))
			return events.ModelResponse{}, false
		}

		resp, toolCalls, cont, ok := e.drainContributorStream(ctx, model, stream, out)
		if !ok {
			return events.ModelResponse{}, false
		}

		e.appendMessage(events.Assistant(model, resp.Content, toolCalls))

		if !cont {
			send(ctx, out, events.ResponseComplete(model, resp))
			return resp, true
		}

		results := e.executeToolCalls(ctx, model, toolCalls, out)
		e.appendMessage(events.ToolMessage(model, results))
	}

	send(ctx, out, events.Error(model, errMaxToolIterations))
	return events.ModelResponse{}, false
}

// drainContributorStream reads one provider stream to completion, emitting
// RESPONSE_CHUNK/TOOL_CALL events as it goes. cont reports whether the
// model wants another tool-loop iteration (finish reason was tool_use with
// calls present); ok reports whether the stream completed cleanly enough
// to keep going (false once an error event has been emitted or the
// consumer cancelled).
func (e *Engine) drainContributorStream(ctx context.Context, model string, stream llm.Stream, out chan<- events.OrchestratorEvent) (events.ModelResponse, []events.ToolCall, bool, bool) {
	defer stream.Close()

	var text strings.Builder
	var toolCalls []events.ToolCall
	finish := events.FinishStop
	var usage events.Usage

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(ctx, out, events.Error(model, err))
			return events.ModelResponse{}, nil, false, false
		}

		switch ev.Type {
		case llm.EventTextDelta:
			text.WriteString(ev.Text)
			if !send(ctx, out, events.ResponseChunk(model, ev.Text)) {
				return events.ModelResponse{}, nil, false, false
			}
		case llm.EventToolCall:
			if ev.Tool != nil {
				tc := toEventsToolCall(*ev.Tool)
				toolCalls = append(toolCalls, tc)
				if !send(ctx, out, events.ToolCallEvent(model, tc)) {
					return events.ModelResponse{}, nil, false, false
				}
			}
		case llm.EventUsage:
			if ev.Use != nil {
				usage = usage.Add(toEventsUsage(*ev.Use))
			}
		case llm.EventDone:
			finish = toEventsFinish(ev.Finish)
		case llm.EventError:
			if ev.Err != nil {
				send(ctx, out, events.Error(model, ev.Err))
				return events.ModelResponse{}, nil, false, false
			}
		case llm.EventRetry:
			// Transport-level retry progress; nothing for the UI layer to do.
		}
	}

	resp := events.ModelResponse{Content: text.String(), ToolCalls: toolCalls, FinishReason: finish, Usage: usage}
	cont := finish == events.FinishToolUse && len(toolCalls) > 0
	return resp, toolCalls, cont, true
}

func (e *Engine) executeToolCalls(ctx context.Context, model string, calls []events.ToolCall, out chan<- events.OrchestratorEvent) []events.ToolResult {
	if e.executor == nil || len(calls) == 0 {
		return nil
	}

	llmCalls := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		llmCalls[i] = toLLMToolCall(c)
	}

	execResults := e.executor.ExecuteBatch(ctx, llmCalls)
	results := make([]events.ToolResult, len(execResults))
	for i, r := range execResults {
		wire := r.ToolResult()
		tr := events.ToolResult{ToolCallID: wire.ID, Content: wire.Content, IsError: wire.IsError}
		results[i] = tr
		send(ctx, out, events.ToolResultEvent(model, tr))
	}
	return results
}

func (e *Engine) otherDisplayNames(exclude string) []string {
	var out []string
	for _, m := range e.availableModels {
		if m == exclude {
			continue
		}
		if p, ok := e.participants[m]; ok {
			out = append(out, p.DisplayName)
		}
	}
	return out
}

func formatExtraContext(prior []speaking.PriorResponse) string {
	if len(prior) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Responses already given this turn:\n")
	for _, p := range prior {
		content := p.Content
		if len(content) > extraContextCharLimit {
			content = content[:extraContextCharLimit] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", p.Model, content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// send delivers ev to out, respecting ctx cancellation; it returns false
// (without blocking further) once the consumer's context is done.
func send(ctx context.Context, out chan<- events.OrchestratorEvent, ev events.OrchestratorEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// newEventStream adapts a generator function that pushes OrchestratorEvents
// onto a channel into a pull-driven Stream, the same shape the underlying
// provider streams expose.
func newEventStream(ctx context.Context, generate func(ctx context.Context, out chan<- events.OrchestratorEvent) error) Stream {
	s := &eventStream{
		events: make(chan events.OrchestratorEvent, 8),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.events)
		s.genErr = generate(ctx, s.events)
		close(s.done)
	}()
	return s
}

type eventStream struct {
	events chan events.OrchestratorEvent
	done   chan struct{}
	genErr error
}

func (s *eventStream) Recv() (events.OrchestratorEvent, error) {
	ev, ok := <-s.events
	if !ok {
		<-s.done
		if s.genErr != nil {
			return events.OrchestratorEvent{}, s.genErr
		}
		return events.OrchestratorEvent{}, io.EOF
	}
	return ev, nil
}

func (s *eventStream) Close() error { return nil }

// providerGenerator adapts an llm.Provider into the minimal Generator
// interface the speaking evaluator needs, draining a one-shot stream into a
// plain string.
type providerGenerator struct {
	displayName string
	model       string
	provider    llm.Provider
}

func (g providerGenerator) DisplayName() string { return g.displayName }

func (g providerGenerator) Generate(ctx context.Context, userPrompt string, maxTokens int, temperature float64) (string, error) {
	req := llm.Request{
		Model:           g.model,
		Messages:        []llm.Message{llm.UserText(userPrompt)},
		MaxOutputTokens: maxTokens,
		Temperature:     float32(temperature),
	}
	stream, err := g.provider.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var text strings.Builder
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return text.String(), err
		}
		switch ev.Type {
		case llm.EventTextDelta:
			text.WriteString(ev.Text)
		case llm.EventError:
			if ev.Err != nil {
				return text.String(), ev.Err
			}
		}
	}
	return text.String(), nil
}

func toEventsToolCall(tc llm.ToolCall) events.ToolCall {
	args := map[string]any{}
	if len(tc.Arguments) > 0 {
		_ = json.Unmarshal(tc.Arguments, &args)
	}
	return events.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: args}
}

func toLLMToolCall(tc events.ToolCall) llm.ToolCall {
	raw, err := json.Marshal(tc.Arguments)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: raw}
}

func toEventsUsage(u llm.Usage) events.Usage {
	return events.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
		CostEstimate:     u.CostEstimate,
	}
}

func toEventsFinish(f llm.FinishReason) events.FinishReason {
	switch f {
	case llm.FinishToolUse:
		return events.FinishToolUse
	case llm.FinishMaxTokens:
		return events.FinishLength
	default:
		return events.FinishStop
	}
}

// toolResultNarrationLimit bounds the user-authored narration a foreign
// tool result is flattened into; the ancestor this is distilled from uses
// the same 2000-character cutoff.
const toolResultNarrationLimit = 2000

// toLLMMessages is the shared first-person reauthoring renderer: it turns
// the shared transcript into the wire-agnostic llm.Message list that
// selfModel's adapter will send. selfModel's own assistant turns and tool
// results pass through natively; every other model's assistant turns and
// tool results are flattened into user-authored narration so selfModel
// never mistakes another model's words or tool calls for its own. Every
// adapter (anthropic.go, gemini.go, openai_compat.go) is handed messages
// already rendered by this one function, parameterized by the calling
// contributor's model id.
func toLLMMessages(msgs []events.Message, selfModel string) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case events.RoleUser:
			out = append(out, llm.UserText(m.Content))
		case events.RoleSystem:
			out = append(out, llm.SystemText(m.Content))
		case events.RoleAssistant:
			out = append(out, renderAssistantMessage(m, selfModel))
		case events.RoleTool:
			out = append(out, renderToolMessage(m, selfModel))
		}
	}
	return out
}

// renderAssistantMessage renders one assistant turn from selfModel's point
// of view. Native when selfModel produced it; otherwise reauthored as a
// user message per §4.2, with tool calls dropped entirely.
func renderAssistantMessage(m events.Message, selfModel string) llm.Message {
	if m.Model == selfModel {
		parts := make([]llm.Part, 0, 1+len(m.ToolCalls))
		if m.Content != "" {
			parts = append(parts, llm.Part{Type: llm.PartText, Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			llmTC := toLLMToolCall(tc)
			parts = append(parts, llm.Part{Type: llm.PartToolCall, ToolCall: &llmTC})
		}
		return llm.Message{Role: llm.RoleAssistant, Parts: parts}
	}
	return llm.UserText(fmt.Sprintf("[%s says]: %s", m.Model, m.Content))
}

// renderToolMessage renders one tool-result step. m.Model is the model that
// issued the tool calls these results answer (engine.go's sole ToolMessage
// call site always sets it to the contributor that produced them), so a
// single equality check against selfModel is equivalent to the spec's
// backward-scan-to-owning-assistant-message rule: §3 guarantees a tool
// message always answers exactly the preceding assistant message's calls.
func renderToolMessage(m events.Message, selfModel string) llm.Message {
	if m.Model == selfModel {
		parts := make([]llm.Part, 0, len(m.ToolResults))
		for _, tr := range m.ToolResults {
			trCopy := llm.ToolResult{ID: tr.ToolCallID, Name: m.Model, Content: tr.Content, IsError: tr.IsError}
			parts = append(parts, llm.Part{Type: llm.PartToolResult, ToolResult: &trCopy})
		}
		return llm.Message{Role: llm.RoleTool, Parts: parts}
	}

	lines := make([]string, 0, len(m.ToolResults))
	for _, tr := range m.ToolResults {
		status := "Success"
		if tr.IsError {
			status = "Error"
		}
		lines = append(lines, fmt.Sprintf("[Tool Result (%s)]: %s", status, truncateForNarration(tr.Content)))
	}
	return llm.UserText(strings.Join(lines, "\n"))
}

// truncateForNarration bounds s to toolResultNarrationLimit characters,
// appending "..." when truncation occurs.
func truncateForNarration(s string) string {
	if len(s) <= toolResultNarrationLimit {
		return s
	}
	return s[:toolResultNarrationLimit] + "..."
}
