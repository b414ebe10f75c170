package turns

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/codecrew/guildcore/internal/orchestrator/events"
)

func decisions(speaking ...string) []events.SpeakerDecision {
	var out []events.SpeakerDecision
	for _, m := range speaking {
		out = append(out, events.Speak(m, 0.9, "ok"))
	}
	return out
}

func TestRotateAdvancesOncePerCall(t *testing.T) {
	m := New(StrategyRotate, []string{"claude", "gpt", "gemini"})

	got1 := m.DetermineOrder(decisions("claude", "gpt", "gemini"))
	if !reflect.DeepEqual(got1, []string{"claude", "gpt", "gemini"}) {
		t.Fatalf("first order = %v", got1)
	}

	got2 := m.DetermineOrder(decisions("claude", "gpt", "gemini"))
	if !reflect.DeepEqual(got2, []string{"gpt", "gemini", "claude"}) {
		t.Fatalf("second order = %v", got2)
	}
}

func TestRotateFiltersToSpeakingSubset(t *testing.T) {
	m := New(StrategyRotate, []string{"claude", "gpt", "gemini"})
	got := m.DetermineOrder(decisions("claude", "gpt"))
	if !reflect.DeepEqual(got, []string{"claude", "gpt"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestFixedFiltersCanonicalOrder(t *testing.T) {
	m := New(StrategyFixed, []string{"claude", "gpt", "gemini"})
	got := m.DetermineOrder(decisions("gemini", "claude"))
	if !reflect.DeepEqual(got, []string{"claude", "gemini"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestConfidencePreservesEvaluatorOrder(t *testing.T) {
	m := New(StrategyConfidence, nil)
	d := []events.SpeakerDecision{
		events.Speak("gpt", 0.9, "x"),
		events.Speak("claude", 0.8, "y"),
	}
	got := m.DetermineOrder(d)
	if !reflect.DeepEqual(got, []string{"gpt", "claude"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestSetFirstResponder(t *testing.T) {
	m := New(StrategyRotate, []string{"claude", "gpt", "gemini"})
	m.SetFirstResponder("gemini")
	got := m.DetermineOrder(decisions("claude", "gpt", "gemini"))
	if !reflect.DeepEqual(got, []string{"gemini", "claude", "gpt"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestRotateFairnessProperty(t *testing.T) {
	// P4: over K full-set turns, each model is first responder at least
	// floor(K / |models|) times.
	models := []string{"claude", "gpt", "gemini"}
	m := New(StrategyRotate, models)

	const k = 11
	firstCounts := map[string]int{}
	for i := 0; i < k; i++ {
		order := m.DetermineOrder(decisions(models...))
		firstCounts[order[0]]++
	}

	minExpected := k / len(models)
	for _, name := range models {
		if firstCounts[name] < minExpected {
			t.Fatalf("%s was first %d times, want >= %d", name, firstCounts[name], minExpected)
		}
	}
}

// TestRotateFairnessProperty_Generated is P4 run against a random model-set
// size and a random number of full-set turns, instead of one fixed K.
func TestRotateFairnessProperty_Generated(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every model is first responder at least floor(k/n) times over k rotate turns", prop.ForAll(
		func(n, k int) bool {
			models := make([]string, n)
			for i := range models {
				models[i] = fmt.Sprintf("model-%d", i)
			}
			m := New(StrategyRotate, models)

			firstCounts := map[string]int{}
			for i := 0; i < k; i++ {
				order := m.DetermineOrder(decisions(models...))
				firstCounts[order[0]]++
			}

			minExpected := k / n
			for _, name := range models {
				if firstCounts[name] < minExpected {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
