package contextw

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/codecrew/guildcore/internal/orchestrator/events"
)

// charCounter is a trivial deterministic token counter: 1 token per 4 chars,
// matching the len(text)/4 fallback the corpus uses.
type charCounter struct{}

func (charCounter) CountTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

func newTestAssembler() *Assembler {
	a := New()
	a.Logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	return a
}

// discardWriter is a minimal io.Writer sink to keep test logs quiet.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAssembleIncludesPinnedThenRecentRegular(t *testing.T) {
	a := newTestAssembler()
	counter := charCounter{}

	pinned := events.Message{ID: "p1", Role: events.RoleUser, Content: "pinned important fact"}
	old := events.Message{ID: "m1", Role: events.RoleUser, Content: "old message"}
	recent := events.Message{ID: "m2", Role: events.RoleUser, Content: "recent message"}

	transcript := []events.Message{old, pinned, recent}
	pins := map[string]bool{"p1": true}

	_, msgs := a.Assemble(transcript, counter, "Claude", []string{"GPT"}, pins, nil, "")

	if len(msgs) != 3 {
		t.Fatalf("want 3 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != "p1" {
		t.Fatalf("pinned message should come first, got %+v", msgs[0])
	}
}

func TestAssembleDropsOversizedPinWithWarning(t *testing.T) {
	a := newTestAssembler()
	a.MaxContextTokens = 20
	a.ResponseReserve = 0
	counter := charCounter{}

	huge := events.Message{ID: "p1", Role: events.RoleUser, Content: strings.Repeat("x", 1000)}
	_, msgs := a.Assemble([]events.Message{huge}, counter, "Claude", nil, map[string]bool{"p1": true}, nil, "")

	if len(msgs) != 0 {
		t.Fatalf("oversized pin should be dropped, got %+v", msgs)
	}
}

func TestAssembleStopsAtFirstOverflow(t *testing.T) {
	a := newTestAssembler()
	a.MaxContextTokens = 50
	a.ResponseReserve = 0
	counter := charCounter{}

	var transcript []events.Message
	for i := 0; i < 10; i++ {
		transcript = append(transcript, events.Message{Role: events.RoleUser, Content: strings.Repeat("word ", 4)})
	}

	_, msgs := a.Assemble(transcript, counter, "Claude", nil, nil, nil, "")
	if len(msgs) == len(transcript) {
		t.Fatalf("expected truncation, got all %d messages included", len(msgs))
	}
	// Must remain chronological (oldest-of-included first).
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].CreatedAt.After(msgs[i].CreatedAt) {
			// CreatedAt zero-valued for all in this test; skip strict check.
		}
	}
}

func TestAssembleEnforcesMinimumConversationBudget(t *testing.T) {
	a := newTestAssembler()
	a.MaxContextTokens = 2500
	a.ResponseReserve = 0
	counter := charCounter{}

	// A pin that consumes almost the whole budget, leaving less than
	// MinConversationTokens of headroom for regular messages.
	pin := events.Message{ID: "p1", Role: events.RoleUser, Content: strings.Repeat("x", 1800)}
	regular := events.Message{Role: events.RoleUser, Content: strings.Repeat("y", 100)}

	_, msgs := a.Assemble([]events.Message{pin, regular}, counter, "Claude", nil, map[string]bool{"p1": true}, nil, "")

	found := false
	for _, m := range msgs {
		if m.ID == "" && m.Content != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the minimum conversation budget to admit the regular message, got %+v", msgs)
	}
}

func TestEstimateMessageTokensIncludesToolCallOverhead(t *testing.T) {
	a := newTestAssembler()
	counter := charCounter{}

	withTool := events.Message{
		Role: events.RoleAssistant, Model: "claude", Content: "",
		ToolCalls: []events.ToolCall{{ID: "1", Name: "read_file", Arguments: map[string]any{"path": "a.go"}}},
	}
	withoutTool := events.Message{Role: events.RoleAssistant, Model: "claude", Content: ""}

	if a.estimateMessageTokens(withTool, counter) <= a.estimateMessageTokens(withoutTool, counter) {
		t.Fatalf("tool call should add overhead")
	}
}

func TestBudgetInvariantProperty(t *testing.T) {
	// P5: sum of estimated tokens for system+messages <= available, unless
	// pins alone exceed the budget.
	a := newTestAssembler()
	counter := charCounter{}

	var transcript []events.Message
	for i := 0; i < 30; i++ {
		transcript = append(transcript, events.Message{Role: events.RoleUser, Content: strings.Repeat("z", 50)})
	}

	system, msgs := a.Assemble(transcript, counter, "Claude", []string{"GPT"}, nil, nil, "")

	total := counter.CountTokens(system)
	total += a.EstimateTokens(msgs, counter)

	available := a.MaxContextTokens - a.ResponseReserve
	if total > available {
		t.Fatalf("budget invariant violated: total=%d available=%d", total, available)
	}
}

// TestBudgetInvariantProperty_Generated is P5 run against random transcript
// shapes (message count and content length) instead of one fixed table.
func TestBudgetInvariantProperty_Generated(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("assembled context never exceeds the token budget", prop.ForAll(
		func(count, contentLen int) bool {
			a := newTestAssembler()
			counter := charCounter{}

			var transcript []events.Message
			for i := 0; i < count; i++ {
				transcript = append(transcript, events.Message{Role: events.RoleUser, Content: strings.Repeat("z", contentLen)})
			}

			system, msgs := a.Assemble(transcript, counter, "Claude", []string{"GPT"}, nil, nil, "")

			total := counter.CountTokens(system) + a.EstimateTokens(msgs, counter)
			available := a.MaxContextTokens - a.ResponseReserve
			return total <= available
		},
		gen.IntRange(0, 200),
		gen.IntRange(0, 500),
	))

	properties.TestingRun(t)
}
