package engine

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codecrew/guildcore/internal/llm"
	"github.com/codecrew/guildcore/internal/orchestrator/events"
	"github.com/codecrew/guildcore/internal/orchestrator/turns"
	"github.com/codecrew/guildcore/internal/tools"
)

// charCounter is a trivial deterministic token counter.
type charCounter struct{}

func (charCounter) CountTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// fakeStream replays a fixed event script.
type fakeStream struct {
	evs []llm.Event
	idx int
}

func (s *fakeStream) Recv() (llm.Event, error) {
	if s.idx >= len(s.evs) {
		return llm.Event{}, io.EOF
	}
	e := s.evs[s.idx]
	s.idx++
	return e, nil
}

func (s *fakeStream) Close() error { return nil }

// fakeProvider scripts its response by inspecting the request — the
// should-speak evaluator always calls with MaxOutputTokens 150, which lets
// one fake distinguish evaluation calls from real contributor turns.
type fakeProvider struct {
	name   string
	script func(req llm.Request) []llm.Event
}

func (p *fakeProvider) Name() string                 { return p.name }
func (p *fakeProvider) Credential() string            { return "test" }
func (p *fakeProvider) Capabilities() llm.Capabilities { return llm.Capabilities{ToolCalls: true} }
func (p *fakeProvider) Stream(_ context.Context, req llm.Request) (llm.Stream, error) {
	return &fakeStream{evs: p.script(req)}, nil
}

func speaksScript(text string) func(req llm.Request) []llm.Event {
	return func(req llm.Request) []llm.Event {
		if req.MaxOutputTokens == 150 {
			return []llm.Event{
				{Type: llm.EventTextDelta, Text: `{"should_speak":true,"confidence":0.9}`},
				{Type: llm.EventDone, Finish: llm.FinishStop},
			}
		}
		return []llm.Event{
			{Type: llm.EventTextDelta, Text: text},
			{Type: llm.EventDone, Finish: llm.FinishStop},
			{Type: llm.EventUsage, Use: &llm.Usage{InputTokens: 10, OutputTokens: 5}},
		}
	}
}

func silentScript() func(req llm.Request) []llm.Event {
	return func(req llm.Request) []llm.Event {
		return []llm.Event{
			{Type: llm.EventTextDelta, Text: `{"should_speak":false,"confidence":0.1,"reason":"nothing to add"}`},
			{Type: llm.EventDone, Finish: llm.FinishStop},
		}
	}
}

func drain(t *testing.T, s Stream) []events.OrchestratorEvent {
	t.Helper()
	var out []events.OrchestratorEvent
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		out = append(out, ev)
	}
}

func kinds(evs []events.OrchestratorEvent) []events.EventKind {
	out := make([]events.EventKind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEngine_Process_TwoParticipants_BothSpeak(t *testing.T) {
	participants := []Participant{
		{Model: "a", DisplayName: "Alpha", Provider: &fakeProvider{name: "a", script: speaksScript("hello from alpha")}},
		{Model: "b", DisplayName: "Beta", Provider: &fakeProvider{name: "b", script: speaksScript("hello from beta")}},
	}
	e := New(participants, turns.StrategyConfidence, nil, nil, charCounter{})

	stream := e.Process(contextWithTimeout(t), "hi everyone")
	evs := drain(t, stream)

	var gotThinking, gotTurnComplete bool
	speakCount, startCount, completeCount := 0, 0, 0
	for _, ev := range evs {
		switch ev.Kind {
		case events.EventThinking:
			gotThinking = true
		case events.EventWillSpeak:
			speakCount++
		case events.EventResponseStart:
			startCount++
		case events.EventResponseComplete:
			completeCount++
		case events.EventTurnComplete:
			gotTurnComplete = true
			if len(ev.TurnResponses) != 2 {
				t.Fatalf("expected 2 responses, got %d: %+v", len(ev.TurnResponses), ev.TurnResponses)
			}
		}
	}
	if !gotThinking || !gotTurnComplete {
		t.Fatalf("missing THINKING or TURN_COMPLETE in %v", kinds(evs))
	}
	if speakCount != 2 || startCount != 2 || completeCount != 2 {
		t.Fatalf("expected 2 speakers fully processed, got speak=%d start=%d complete=%d", speakCount, startCount, completeCount)
	}
}

func TestEngine_Process_TwoParticipants_ReauthorsOtherModelsTurns(t *testing.T) {
	var mu sync.Mutex
	captured := map[string][]llm.Request{}
	record := func(self, text string) func(req llm.Request) []llm.Event {
		return func(req llm.Request) []llm.Event {
			if req.MaxOutputTokens == 150 {
				return []llm.Event{
					{Type: llm.EventTextDelta, Text: `{"should_speak":true,"confidence":0.9}`},
					{Type: llm.EventDone, Finish: llm.FinishStop},
				}
			}
			mu.Lock()
			captured[self] = append(captured[self], req)
			mu.Unlock()
			return []llm.Event{
				{Type: llm.EventTextDelta, Text: text},
				{Type: llm.EventDone, Finish: llm.FinishStop},
				{Type: llm.EventUsage, Use: &llm.Usage{InputTokens: 10, OutputTokens: 5}},
			}
		}
	}

	participants := []Participant{
		{Model: "a", DisplayName: "Alpha", Provider: &fakeProvider{name: "a", script: record("a", "hello from alpha")}},
		{Model: "b", DisplayName: "Beta", Provider: &fakeProvider{name: "b", script: record("b", "hello from beta")}},
	}
	e := New(participants, turns.StrategyConfidence, nil, nil, charCounter{})

	drain(t, e.Process(contextWithTimeout(t), "hi everyone"))

	// Whichever participant spoke second must see the first's reply
	// reauthored as "[<model> says]: ..." user narration, never as a
	// native assistant-role message.
	var sawReauthoredPeer bool
	for self, reqs := range captured {
		for _, req := range reqs {
			for _, m := range req.Messages {
				if m.Role != llm.RoleUser {
					continue
				}
				for _, p := range m.Parts {
					if strings.HasPrefix(p.Text, "[a says]: ") || strings.HasPrefix(p.Text, "[b says]: ") {
						sawReauthoredPeer = true
						if (self == "a" && strings.HasPrefix(p.Text, "[a says]: ")) ||
							(self == "b" && strings.HasPrefix(p.Text, "[b says]: ")) {
							t.Fatalf("model %s saw its own turn reauthored as peer narration: %q", self, p.Text)
						}
					}
				}
				if m.Role == llm.RoleAssistant {
					for _, p := range m.Parts {
						if p.Text == "hello from alpha" && self == "b" {
							t.Fatalf("beta received alpha's turn as a native assistant message instead of reauthored narration")
						}
						if p.Text == "hello from beta" && self == "a" {
							t.Fatalf("alpha received beta's turn as a native assistant message instead of reauthored narration")
						}
					}
				}
			}
		}
	}
	if !sawReauthoredPeer {
		t.Fatalf("expected the second speaker's request to include the first speaker's reauthored turn")
	}
}

func TestEngine_Process_AllSilent_EmptyTurnComplete(t *testing.T) {
	participants := []Participant{
		{Model: "a", DisplayName: "Alpha", Provider: &fakeProvider{name: "a", script: silentScript()}},
	}
	e := New(participants, turns.StrategyConfidence, nil, nil, charCounter{})

	evs := drain(t, e.Process(contextWithTimeout(t), "just thinking out loud"))

	for _, ev := range evs {
		if ev.Kind == events.EventResponseStart {
			t.Fatalf("no participant should have started responding, got %v", kinds(evs))
		}
		if ev.Kind == events.EventTurnComplete && len(ev.TurnResponses) != 0 {
			t.Fatalf("expected empty TURN_COMPLETE, got %+v", ev.TurnResponses)
		}
	}
}

func TestEngine_Process_MentionForcesSpeaker(t *testing.T) {
	participants := []Participant{
		{Model: "alpha", DisplayName: "Alpha", Provider: &fakeProvider{name: "alpha", script: silentScript()}},
	}
	e := New(participants, turns.StrategyConfidence, nil, nil, charCounter{})

	evs := drain(t, e.Process(contextWithTimeout(t), "@alpha please weigh in"))

	var forced bool
	for _, ev := range evs {
		if ev.Kind == events.EventWillSpeak && ev.Decision != nil && ev.Decision.Forced {
			forced = true
		}
	}
	if !forced {
		t.Fatalf("expected a forced WILL_SPEAK decision for the mentioned model, got %v", kinds(evs))
	}
}

// echoTool is a minimal llm.Tool returning its message argument verbatim.
type echoTool struct{}

func (echoTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: "echo_tool", Schema: map[string]interface{}{"type": "object"}}
}
func (echoTool) Preview(json.RawMessage) string { return "" }
func (echoTool) Execute(context.Context, json.RawMessage) (llm.ToolOutput, error) {
	return llm.TextOutput("echoed"), nil
}

func TestEngine_Process_ToolLoop_ExecutesAndContinues(t *testing.T) {
	var callCount int32
	script := func(req llm.Request) []llm.Event {
		if req.MaxOutputTokens == 150 {
			return []llm.Event{
				{Type: llm.EventTextDelta, Text: `{"should_speak":true,"confidence":0.9}`},
				{Type: llm.EventDone, Finish: llm.FinishStop},
			}
		}
		n := atomic.AddInt32(&callCount, 1)
		if n == 1 {
			return []llm.Event{
				{Type: llm.EventToolCall, Tool: &llm.ToolCall{ID: "call1", Name: "echo_tool", Arguments: json.RawMessage(`{"msg":"hi"}`)}},
				{Type: llm.EventDone, Finish: llm.FinishToolUse},
			}
		}
		return []llm.Event{
			{Type: llm.EventTextDelta, Text: "all done"},
			{Type: llm.EventDone, Finish: llm.FinishStop},
		}
	}

	registry := llm.NewToolRegistry()
	registry.Register(echoTool{})
	exec := tools.NewExecutor(registry, tools.NewPermissionManager(tools.Dangerous))

	participants := []Participant{{Model: "a", DisplayName: "Alpha", Provider: &fakeProvider{name: "a", script: script}}}
	e := New(participants, turns.StrategyConfidence, nil, exec, charCounter{})

	evs := drain(t, e.Process(contextWithTimeout(t), "run the tool please"))

	var sawToolCall, sawToolResult, sawComplete bool
	for _, ev := range evs {
		switch ev.Kind {
		case events.EventToolCall:
			sawToolCall = true
			if ev.ToolCall.Name != "echo_tool" {
				t.Fatalf("unexpected tool call name %q", ev.ToolCall.Name)
			}
		case events.EventToolResult:
			sawToolResult = true
			if !strings.Contains(ev.Result.Content, "echoed") {
				t.Fatalf("expected echoed tool output, got %q", ev.Result.Content)
			}
		case events.EventResponseComplete:
			sawComplete = true
			if ev.Response.Content != "all done" {
				t.Fatalf("expected final response content, got %q", ev.Response.Content)
			}
		}
	}
	if !sawToolCall || !sawToolResult || !sawComplete {
		t.Fatalf("expected tool call, tool result, and completion, got %v", kinds(evs))
	}
}

func TestEngine_Process_MaxToolIterationsEmitsError(t *testing.T) {
	script := func(req llm.Request) []llm.Event {
		if req.MaxOutputTokens == 150 {
			return []llm.Event{
				{Type: llm.EventTextDelta, Text: `{"should_speak":true,"confidence":0.9}`},
				{Type: llm.EventDone, Finish: llm.FinishStop},
			}
		}
		return []llm.Event{
			{Type: llm.EventToolCall, Tool: &llm.ToolCall{ID: "call1", Name: "echo_tool", Arguments: json.RawMessage(`{}`)}},
			{Type: llm.EventDone, Finish: llm.FinishToolUse},
		}
	}

	registry := llm.NewToolRegistry()
	registry.Register(echoTool{})
	exec := tools.NewExecutor(registry, tools.NewPermissionManager(tools.Dangerous))

	participants := []Participant{{Model: "a", DisplayName: "Alpha", Provider: &fakeProvider{name: "a", script: script}}}
	e := New(participants, turns.StrategyConfidence, nil, exec, charCounter{}, WithMaxToolIterations(2))

	evs := drain(t, e.Process(contextWithTimeout(t), "loop forever"))

	var gotCapError bool
	for _, ev := range evs {
		if ev.Kind == events.EventError && ev.Err != nil && strings.Contains(ev.Err.Error(), "maximum tool iterations") {
			gotCapError = true
		}
	}
	if !gotCapError {
		t.Fatalf("expected an iteration-cap error event, got %v", kinds(evs))
	}
}

func TestEngine_ForceSpeak_EmitsSyntheticDecisionThenRuns(t *testing.T) {
	participants := []Participant{{Model: "a", DisplayName: "Alpha", Provider: &fakeProvider{name: "a", script: speaksScript("forced reply")}}}
	e := New(participants, turns.StrategyConfidence, nil, nil, charCounter{})

	evs := drain(t, e.ForceSpeak(contextWithTimeout(t), "a"))

	if len(evs) == 0 || evs[0].Kind != events.EventWillSpeak || !evs[0].Decision.Forced {
		t.Fatalf("expected first event to be a forced WILL_SPEAK, got %v", kinds(evs))
	}
	var gotComplete bool
	for _, ev := range evs {
		if ev.Kind == events.EventResponseComplete {
			gotComplete = true
		}
	}
	if !gotComplete {
		t.Fatalf("expected RESPONSE_COMPLETE after the forced speak, got %v", kinds(evs))
	}
}

func TestEngine_Pin_IncludesPinnedMessageInAssembledContext(t *testing.T) {
	var captured []llm.Request
	script := func(req llm.Request) []llm.Event {
		if req.MaxOutputTokens == 150 {
			return []llm.Event{
				{Type: llm.EventTextDelta, Text: `{"should_speak":true,"confidence":0.9}`},
				{Type: llm.EventDone, Finish: llm.FinishStop},
			}
		}
		captured = append(captured, req)
		return []llm.Event{
			{Type: llm.EventTextDelta, Text: "ok"},
			{Type: llm.EventDone, Finish: llm.FinishStop},
		}
	}
	participants := []Participant{{Model: "a", DisplayName: "Alpha", Provider: &fakeProvider{name: "a", script: script}}}
	e := New(participants, turns.StrategyConfidence, nil, nil, charCounter{})

	e.SeedTranscript(events.User("remember this important fact"))
	pinnedID := e.Transcript()[0].ID
	if pinnedID == "" {
		t.Fatal("expected seeded message to have an assigned id")
	}
	e.Pin(pinnedID)

	// Pad the transcript with enough filler that, absent pinning, the
	// budget would push the first message out of the assembled window.
	for i := 0; i < 20; i++ {
		e.SeedTranscript(events.User(strings.Repeat("filler ", 5000)))
	}

	drain(t, e.Retry(contextWithTimeout(t), "a"))

	if len(captured) == 0 {
		t.Fatal("expected at least one contributor request")
	}
	var sawPinned bool
	for _, m := range captured[0].Messages {
		for _, p := range m.Parts {
			if p.Text == "remember this important fact" {
				sawPinned = true
			}
		}
	}
	if !sawPinned {
		t.Fatal("expected the pinned message to survive context assembly despite the filler")
	}

	e.Unpin(pinnedID)
}

func TestEngine_Retry_RunsContributorWithoutEvaluation(t *testing.T) {
	participants := []Participant{{Model: "a", DisplayName: "Alpha", Provider: &fakeProvider{name: "a", script: speaksScript("retried reply")}}}
	e := New(participants, turns.StrategyConfidence, nil, nil, charCounter{})

	evs := drain(t, e.Retry(contextWithTimeout(t), "a"))

	for _, ev := range evs {
		if ev.Kind == events.EventWillSpeak || ev.Kind == events.EventWillStaySilent {
			t.Fatalf("retry should not re-run evaluation, got %v", kinds(evs))
		}
	}
	if len(evs) == 0 || evs[0].Kind != events.EventResponseStart {
		t.Fatalf("expected retry to begin with RESPONSE_START, got %v", kinds(evs))
	}
}
