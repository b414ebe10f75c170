// Package mentions extracts @-addressees from raw user text.
package mentions

import (
	"regexp"
	"strings"

	"github.com/codecrew/guildcore/internal/orchestrator/events"
)

// broadcastToken is the reserved @all mention.
const broadcastToken = "all"

// Parser recognizes @mentions against a configured set of known model ids.
// It is stateless aside from its known-name set, so one Parser may be
// reused across turns and is safe for concurrent use.
type Parser struct {
	pattern *regexp.Regexp
	known   map[string]bool
}

// New builds a Parser recognizing the given model ids (case-insensitive) in
// addition to the reserved "all" broadcast token.
func New(modelIDs []string) *Parser {
	known := make(map[string]bool, len(modelIDs))
	alts := make([]string, 0, len(modelIDs)+1)
	for _, id := range modelIDs {
		lower := strings.ToLower(id)
		known[lower] = true
		alts = append(alts, regexp.QuoteMeta(lower))
	}
	alts = append(alts, broadcastToken)

	// Word-boundary match on @name; permitted to match inside a larger
	// token (e.g. an email-like x@name.com) per spec — precision is traded
	// for simplicity.
	pattern := regexp.MustCompile(`(?i)@(` + strings.Join(alts, "|") + `)\b`)
	return &Parser{pattern: pattern, known: known}
}

// Parse splits text into its addressee set and the cleaned message body.
func (p *Parser) Parse(text string) events.ParsedMentions {
	matches := p.pattern.FindAllStringSubmatchIndex(text, -1)

	var addressees []string
	seen := make(map[string]bool)
	broadcast := false

	for _, m := range matches {
		name := strings.ToLower(text[m[2]:m[3]])
		if name == broadcastToken {
			broadcast = true
			continue
		}
		if !seen[name] {
			seen[name] = true
			addressees = append(addressees, name)
		}
	}

	clean := p.pattern.ReplaceAllString(text, "")
	clean = collapseWhitespace(clean)

	return events.ParsedMentions{
		Addressees: addressees,
		CleanText:  clean,
		Broadcast:  broadcast,
	}
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// ForcedSpeakers derives the forced-speaker set per spec §4.1: broadcast
// forces every available model; otherwise only the intersection of
// addressees and available models, preserving addressee order.
func ForcedSpeakers(p events.ParsedMentions, available []string) []string {
	if p.Broadcast {
		out := make([]string, len(available))
		copy(out, available)
		return out
	}

	availSet := make(map[string]bool, len(available))
	for _, m := range available {
		availSet[m] = true
	}

	var forced []string
	for _, a := range p.Addressees {
		if availSet[a] {
			forced = append(forced, a)
		}
	}
	return forced
}
