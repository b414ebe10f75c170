package speaking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/codecrew/guildcore/internal/orchestrator/events"
)

type stubGenerator struct {
	name    string
	content string
	err     error
	delay   time.Duration
}

func (s *stubGenerator) DisplayName() string { return s.name }

func (s *stubGenerator) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return s.content, nil
}

func TestEvaluateAllForcedSkipsAPI(t *testing.T) {
	e := New(map[string]Generator{
		"claude": &stubGenerator{name: "Claude", content: `{"should_speak":false,"confidence":0.1,"reason":"n/a"}`},
	})

	decisions := e.EvaluateAll(context.Background(), nil, "hi", nil, []string{"claude"})
	if len(decisions) != 1 {
		t.Fatalf("want 1 decision, got %d", len(decisions))
	}
	if !decisions[0].Forced || decisions[0].Confidence != 1.0 {
		t.Fatalf("want forced decision, got %+v", decisions[0])
	}
}

func TestEvaluateAllParsesCleanJSON(t *testing.T) {
	e := New(map[string]Generator{
		"gpt": &stubGenerator{name: "GPT", content: `{"should_speak":true,"confidence":0.8,"reason":"relevant"}`},
	})
	decisions := e.EvaluateAll(context.Background(), nil, "hi", nil, nil)
	if len(decisions) != 1 || !decisions[0].WillSpeak || decisions[0].Confidence != 0.8 {
		t.Fatalf("got %+v", decisions)
	}
}

func TestEvaluateAllParsesFencedCodeBlock(t *testing.T) {
	e := New(map[string]Generator{
		"gpt": &stubGenerator{name: "GPT", content: "```json\n{\"should_speak\":true,\"confidence\":0.6,\"reason\":\"ok\"}\n```"},
	})
	decisions := e.EvaluateAll(context.Background(), nil, "hi", nil, nil)
	if len(decisions) != 1 || decisions[0].Confidence != 0.6 {
		t.Fatalf("got %+v", decisions)
	}
}

func TestEvaluateAllParsesSingleQuotes(t *testing.T) {
	e := New(map[string]Generator{
		"gpt": &stubGenerator{name: "GPT", content: `{'should_speak': true, 'confidence': 0.7, 'reason': 'ok'}`},
	})
	decisions := e.EvaluateAll(context.Background(), nil, "hi", nil, nil)
	if len(decisions) != 1 || decisions[0].Confidence != 0.7 {
		t.Fatalf("got %+v", decisions)
	}
}

func TestEvaluateAllTimeoutDefaultsToSpeak(t *testing.T) {
	e := New(map[string]Generator{
		"slow": &stubGenerator{name: "Slow", delay: 50 * time.Millisecond},
	}, WithTimeout(5*time.Millisecond))

	start := time.Now()
	decisions := e.EvaluateAll(context.Background(), nil, "hi", nil, nil)
	elapsed := time.Since(start)

	if len(decisions) != 1 || !decisions[0].WillSpeak || decisions[0].Confidence != 0.5 {
		t.Fatalf("got %+v", decisions)
	}
	if elapsed > 40*time.Millisecond {
		t.Fatalf("evaluation took too long: %v", elapsed)
	}
}

func TestEvaluateAllTransportErrorDefaultsToSpeak(t *testing.T) {
	e := New(map[string]Generator{
		"broken": &stubGenerator{name: "Broken", err: errors.New("connection refused")},
	})
	decisions := e.EvaluateAll(context.Background(), nil, "hi", nil, nil)
	if len(decisions) != 1 || !decisions[0].WillSpeak || decisions[0].Confidence != 0.5 {
		t.Fatalf("got %+v", decisions)
	}
}

func TestEvaluateAllAppliesSilenceThreshold(t *testing.T) {
	e := New(map[string]Generator{
		"gpt": &stubGenerator{name: "GPT", content: `{"should_speak":true,"confidence":0.1,"reason":"meh"}`},
	}, WithSilenceThreshold(0.3))

	decisions := e.EvaluateAll(context.Background(), nil, "hi", nil, nil)
	if len(decisions) != 1 || decisions[0].WillSpeak {
		t.Fatalf("expected converted-to-silent decision, got %+v", decisions)
	}
}

func TestEvaluateAllSortsByConfidenceDescending(t *testing.T) {
	e := New(map[string]Generator{
		"low":  &stubGenerator{name: "Low", content: `{"should_speak":true,"confidence":0.2,"reason":"x"}`},
		"high": &stubGenerator{name: "High", content: `{"should_speak":true,"confidence":0.9,"reason":"x"}`},
	}, WithSilenceThreshold(0))

	decisions := e.EvaluateAll(context.Background(), nil, "hi", nil, nil)
	if len(decisions) != 2 {
		t.Fatalf("want 2 decisions, got %d", len(decisions))
	}
	if decisions[0].Confidence < decisions[1].Confidence {
		t.Fatalf("not sorted descending: %+v", decisions)
	}
}

func TestSilenceThresholdMonotonicity(t *testing.T) {
	// P7: raising the threshold can only decrease the set of speaking models.
	clients := map[string]Generator{
		"a": &stubGenerator{name: "A", content: `{"should_speak":true,"confidence":0.4,"reason":"x"}`},
		"b": &stubGenerator{name: "B", content: `{"should_speak":true,"confidence":0.6,"reason":"x"}`},
	}

	lowThreshold := New(clients, WithSilenceThreshold(0.1)).EvaluateAll(context.Background(), nil, "hi", nil, nil)
	highThreshold := New(clients, WithSilenceThreshold(0.5)).EvaluateAll(context.Background(), nil, "hi", nil, nil)

	speaking := func(ds []events.SpeakerDecision) map[string]bool {
		out := map[string]bool{}
		for _, d := range ds {
			if d.WillSpeak {
				out[d.Model] = true
			}
		}
		return out
	}

	low, high := speaking(lowThreshold), speaking(highThreshold)
	for name := range high {
		if !low[name] {
			t.Fatalf("model %s speaks at high threshold but not low threshold", name)
		}
	}
}

// TestSilenceThresholdMonotonicityProperty_Generated is P7 run against
// random confidence values and threshold pairs rather than two fixed
// thresholds and two fixed confidences.
func TestSilenceThresholdMonotonicityProperty_Generated(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("raising the silence threshold can only remove speakers", prop.ForAll(
		func(confidences []int, lowThresh, delta int) bool {
			low := float64(lowThresh) / 100
			high := low + float64(delta)/100
			if high > 1 {
				high = 1
			}

			clients := make(map[string]Generator, len(confidences))
			for i, c := range confidences {
				conf := float64(c) / 100
				clients[fmt.Sprintf("m%d", i)] = &stubGenerator{
					name:    fmt.Sprintf("M%d", i),
					content: fmt.Sprintf(`{"should_speak":true,"confidence":%.2f,"reason":"x"}`, conf),
				}
			}

			speaksAt := func(threshold float64) map[string]bool {
				out := map[string]bool{}
				for _, d := range New(clients, WithSilenceThreshold(threshold)).EvaluateAll(context.Background(), nil, "hi", nil, nil) {
					if d.WillSpeak {
						out[d.Model] = true
					}
				}
				return out
			}

			lowSpeakers, highSpeakers := speaksAt(low), speaksAt(high)
			for name := range highSpeakers {
				if !lowSpeakers[name] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, gen.IntRange(0, 100)),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
