// Package contextw assembles per-speaker context windows: system prompt
// plus a token-budgeted slice of the transcript that preserves pinned
// messages and recency.
package contextw

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codecrew/guildcore/internal/orchestrator/events"
)

// Defaults per spec §4.5.
const (
	DefaultMaxContextTokens = 100_000
	DefaultResponseReserve  = 4_096
	MinConversationTokens   = 2_000
)

// TokenCounter estimates the token length of a string. Implementations are
// best-effort; exactness is not required.
type TokenCounter interface {
	CountTokens(text string) int
}

// Assembler builds (system, messages) pairs for a speaker under a token
// budget.
type Assembler struct {
	MaxContextTokens int
	ResponseReserve  int
	Logger           *slog.Logger
}

// New builds an Assembler with spec defaults, overridable via the exported
// fields.
func New() *Assembler {
	return &Assembler{
		MaxContextTokens: DefaultMaxContextTokens,
		ResponseReserve:  DefaultResponseReserve,
		Logger:           slog.Default(),
	}
}

// SystemPromptBuilder renders the system prompt text for a speaker given
// its peers and any extra in-turn context. Separated out so callers can
// plug in their own template without touching the budget algorithm.
type SystemPromptBuilder func(speakerDisplayName string, otherDisplayNames []string, extraContext string) string

// DefaultSystemPrompt is a minimal template in the absence of a caller-
// supplied builder.
func DefaultSystemPrompt(speaker string, others []string, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, one of several AI participants in a collaborative chat.\n", speaker)
	if len(others) > 0 {
		fmt.Fprintf(&b, "Other participants: %s.\n", strings.Join(others, ", "))
	}
	if extra != "" {
		fmt.Fprintf(&b, "\n%s\n", extra)
	}
	return b.String()
}

// Assemble builds the (system, messages) pair for one speaker.
//
// transcript is the full in-memory transcript; counter estimates tokens for
// the target model; otherDisplayNames names the speaker's peers for the
// system prompt; pinnedIDs marks messages that must be included whenever
// budget allows; systemBuilder renders the system text (DefaultSystemPrompt
// if nil); extraContext is embedded verbatim in the system prompt.
func (a *Assembler) Assemble(
	transcript []events.Message,
	counter TokenCounter,
	speakerDisplayName string,
	otherDisplayNames []string,
	pinnedIDs map[string]bool,
	systemBuilder SystemPromptBuilder,
	extraContext string,
) (string, []events.Message) {
	if systemBuilder == nil {
		systemBuilder = DefaultSystemPrompt
	}

	available := a.MaxContextTokens - a.ResponseReserve
	currentTokens := 0

	system := systemBuilder(speakerDisplayName, otherDisplayNames, extraContext)
	currentTokens += counter.CountTokens(system)

	var pinned, regular []events.Message
	for _, msg := range transcript {
		if msg.ID != "" && pinnedIDs[msg.ID] {
			pinned = append(pinned, msg)
		} else {
			regular = append(regular, msg)
		}
	}

	var includedPinned []events.Message
	for _, msg := range pinned {
		tokens := a.estimateMessageTokens(msg, counter)
		if currentTokens+tokens < available {
			includedPinned = append(includedPinned, msg)
			currentTokens += tokens
		} else {
			a.Logger.Warn("pinned message excluded due to token limit", "message_id", msg.ID)
		}
	}

	// Enforce the minimum conversation budget: even if pins consumed most
	// of the available budget, the regular-message loop below is allowed
	// to use at least MinConversationTokens worth of headroom.
	ceiling := available
	remaining := available - currentTokens
	if remaining < MinConversationTokens {
		ceiling = currentTokens + MinConversationTokens
	}

	var includedRegular []events.Message
	for i := len(regular) - 1; i >= 0; i-- {
		msg := regular[i]
		tokens := a.estimateMessageTokens(msg, counter)
		if currentTokens+tokens < ceiling {
			includedRegular = append([]events.Message{msg}, includedRegular...)
			currentTokens += tokens
		} else {
			break
		}
	}

	result := append(append([]events.Message{}, includedPinned...), includedRegular...)

	a.Logger.Debug("assembled context", "speaker", speakerDisplayName, "messages", len(result), "tokens", currentTokens, "limit", available)

	return system, result
}

// EstimateTokens sums the per-message estimate across messages.
func (a *Assembler) EstimateTokens(messages []events.Message, counter TokenCounter) int {
	total := 0
	for _, m := range messages {
		total += a.estimateMessageTokens(m, counter)
	}
	return total
}

func (a *Assembler) estimateMessageTokens(m events.Message, counter TokenCounter) int {
	tokens := counter.CountTokens(m.Content)
	tokens += 4 // role overhead
	if m.Model != "" {
		tokens += counter.CountTokens(m.Model) + 2
	}
	for _, tc := range m.ToolCalls {
		tokens += counter.CountTokens(tc.Name) + 10
		if argsJSON, err := json.Marshal(tc.Arguments); err == nil {
			tokens += counter.CountTokens(string(argsJSON))
		}
	}
	return tokens
}

// WouldExceedLimit reports whether appending newMsg to conversation would
// exceed the available budget.
func (a *Assembler) WouldExceedLimit(conversation []events.Message, newMsg events.Message, counter TokenCounter) bool {
	current := a.EstimateTokens(conversation, counter)
	newTokens := a.estimateMessageTokens(newMsg, counter)
	available := a.MaxContextTokens - a.ResponseReserve
	return current+newTokens > available
}
