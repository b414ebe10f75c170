// Package speaking runs the parallel "should I speak?" evaluation that
// decides which models contribute to a turn.
package speaking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codecrew/guildcore/internal/orchestrator/events"
)

// EvaluationTimeout bounds each candidate's should-speak call.
const EvaluationTimeout = 5 * time.Second

// DefaultSilenceThreshold is the confidence floor below which a model that
// wants to speak is converted to silent.
const DefaultSilenceThreshold = 0.3

// Generator is the subset of a model client the evaluator needs: a single
// best-effort text generation call. Kept minimal and local to this package
// so speaking has no dependency on the full provider abstraction.
type Generator interface {
	DisplayName() string
	Generate(ctx context.Context, userPrompt string, maxTokens int, temperature float64) (string, error)
}

// Evaluator decides, per turn, which of a set of candidate models should
// speak.
type Evaluator struct {
	clients          map[string]Generator
	silenceThreshold float64
	timeout          time.Duration
	logger           *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithSilenceThreshold overrides DefaultSilenceThreshold.
func WithSilenceThreshold(t float64) Option {
	return func(e *Evaluator) { e.silenceThreshold = t }
}

// WithTimeout overrides EvaluationTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// New builds an Evaluator over the given named clients.
func New(clients map[string]Generator, opts ...Option) *Evaluator {
	e := &Evaluator{
		clients:          clients,
		silenceThreshold: DefaultSilenceThreshold,
		timeout:          EvaluationTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PriorResponse is an already-generated in-turn response, included in the
// should-speak prompt for cascade decisions.
type PriorResponse struct {
	Model   string
	Content string
}

// EvaluateAll evaluates every model not already in forced, and synthesizes
// a forced decision for each forced model without any API call. Results are
// sorted by confidence descending.
func (e *Evaluator) EvaluateAll(
	ctx context.Context,
	conversation []events.Message,
	userMessage string,
	prior []PriorResponse,
	forced []string,
) []events.SpeakerDecision {
	forcedSet := make(map[string]bool, len(forced))
	for _, m := range forced {
		forcedSet[m] = true
	}

	var decisions []events.SpeakerDecision
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, client := range e.clients {
		if forcedSet[name] {
			mu.Lock()
			decisions = append(decisions, events.Forced(name))
			mu.Unlock()
			continue
		}

		name, client := name, client
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := e.evaluateSingle(ctx, name, client, conversation, userMessage, prior)
			mu.Lock()
			decisions = append(decisions, d)
			mu.Unlock()
		}()
	}

	wg.Wait()

	sort.SliceStable(decisions, func(i, j int) bool {
		return decisions[i].Confidence > decisions[j].Confidence
	})
	return decisions
}

func (e *Evaluator) evaluateSingle(
	ctx context.Context,
	name string,
	client Generator,
	conversation []events.Message,
	userMessage string,
	prior []PriorResponse,
) events.SpeakerDecision {
	prompt := formatShouldSpeakPrompt(client.DisplayName(), e.formatConversation(conversation), userMessage, prior)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	content, err := client.Generate(callCtx, prompt, 150, 0.3)
	if err != nil {
		if callCtx.Err() != nil {
			e.logger.Warn("should-speak evaluation timed out", "model", name)
			return events.Speak(name, 0.5, "timeout — default to speak")
		}
		e.logger.Error("should-speak evaluation failed", "model", name, "error", err)
		return events.Speak(name, 0.5, "parse error — default to speak")
	}

	decision := e.parseResponse(name, content)
	if decision.WillSpeak && decision.Confidence < e.silenceThreshold {
		return events.Silent(name, decision.Confidence, fmt.Sprintf("below threshold (%.2f < %.2f)", decision.Confidence, e.silenceThreshold))
	}
	return decision
}

type shouldSpeakJSON struct {
	ShouldSpeak *bool    `json:"should_speak"`
	Confidence  *float64 `json:"confidence"`
	Reason      *string  `json:"reason"`
}

func (e *Evaluator) parseResponse(name, content string) events.SpeakerDecision {
	content = strings.TrimSpace(content)

	parsed := extractJSON(content)
	if parsed == nil {
		e.logger.Warn("unparseable should-speak response", "model", name)
		return events.Speak(name, 0.5, "parse error — default to speak")
	}

	shouldSpeak := true
	if parsed.ShouldSpeak != nil {
		shouldSpeak = *parsed.ShouldSpeak
	}
	confidence := 0.5
	if parsed.Confidence != nil {
		confidence = *parsed.Confidence
	}
	confidence = clamp(confidence, 0.0, 1.0)
	reason := "No reason provided"
	if parsed.Reason != nil {
		reason = *parsed.Reason
	}

	if shouldSpeak {
		return events.Speak(name, confidence, reason)
	}
	return events.Silent(name, confidence, reason)
}

var (
	codeBlockPattern = regexp.MustCompile(`(?s)` + "```" + `(?:json)?\s*(\{.*?\})\s*` + "```")
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[^{}]*"should_speak"[^{}]*\}`)
	trueLiteral  = regexp.MustCompile(`\bTrue\b`)
	falseLiteral = regexp.MustCompile(`\bFalse\b`)
)

// extractJSON implements the five-step fallback chain: direct parse, fenced
// code block, substring match keyed on "should_speak", single-quote
// normalization, True/False literal normalization.
func extractJSON(content string) *shouldSpeakJSON {
	if v, ok := tryParse(content); ok {
		return v
	}
	if m := codeBlockPattern.FindStringSubmatch(content); m != nil {
		if v, ok := tryParse(m[1]); ok {
			return v
		}
	}
	if m := jsonObjectPattern.FindString(content); m != "" {
		if v, ok := tryParse(m); ok {
			return v
		}
	}
	fixed := strings.ReplaceAll(content, "'", `"`)
	if v, ok := tryParse(fixed); ok {
		return v
	}
	fixed = trueLiteral.ReplaceAllString(content, "true")
	fixed = falseLiteral.ReplaceAllString(fixed, "false")
	if v, ok := tryParse(fixed); ok {
		return v
	}
	return nil
}

func tryParse(s string) (*shouldSpeakJSON, bool) {
	var v shouldSpeakJSON
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return &v, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

const maxHistoryMessages = 10
const maxMessageChars = 500

func (e *Evaluator) formatConversation(conversation []events.Message) string {
	if len(conversation) == 0 {
		return "(No previous messages)"
	}

	recent := conversation
	if len(recent) > maxHistoryMessages {
		recent = recent[len(recent)-maxHistoryMessages:]
	}

	var b strings.Builder
	for i, msg := range recent {
		if i > 0 {
			b.WriteString("\n\n")
		}
		role := strings.ToUpper(string(msg.Role))
		tag := ""
		if msg.Model != "" {
			tag = " [" + msg.Model + "]"
		}
		content := msg.Content
		if len(content) > maxMessageChars {
			content = content[:maxMessageChars] + "..."
		}
		fmt.Fprintf(&b, "%s%s: %s", role, tag, content)
	}
	return b.String()
}

func formatShouldSpeakPrompt(modelName, history, userMessage string, prior []PriorResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, one of several AI participants in a group chat.\n\n", modelName)
	fmt.Fprintf(&b, "Conversation so far:\n%s\n\n", history)
	fmt.Fprintf(&b, "User's latest message: %s\n\n", userMessage)
	if len(prior) > 0 {
		b.WriteString("Responses already given this turn:\n")
		for _, p := range prior {
			content := p.Content
			if len(content) > maxMessageChars {
				content = content[:maxMessageChars] + "..."
			}
			fmt.Fprintf(&b, "- %s: %s\n", p.Model, content)
		}
		b.WriteString("\n")
	}
	b.WriteString(`Decide whether you should contribute a response now. Reply with ONLY a JSON object: {"should_speak": bool, "confidence": number between 0 and 1, "reason": string}.`)
	return b.String()
}
