package edit

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchLevel identifies how much FindMatch had to relax the search text to
// locate it inside a file's content.
type MatchLevel int

const (
	LevelExact MatchLevel = iota
	LevelElided
	LevelWhitespaceNormalized
	LevelTrimmedLines
	LevelIndentInsensitive
)

func (l MatchLevel) String() string {
	switch l {
	case LevelExact:
		return "exact"
	case LevelElided:
		return "elided"
	case LevelWhitespaceNormalized:
		return "whitespace-normalized"
	case LevelTrimmedLines:
		return "trimmed-lines"
	case LevelIndentInsensitive:
		return "indent-insensitive"
	default:
		return "unknown"
	}
}

// MatchResult locates one occurrence of a search string inside file content.
type MatchResult struct {
	Original string
	Start    int
	End      int
	Level    MatchLevel
}

// AmbiguousMatchError reports that a search string matched more than once at
// a given relaxation level; looser levels only widen the match set further,
// so FindMatch stops rather than guessing.
type AmbiguousMatchError struct {
	Level MatchLevel
	Count int
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("%d matches found at %s level; include more surrounding context to make old_text unique", e.Count, e.Level)
}

// FindMatch locates search inside content, progressively relaxing from an
// exact substring through "..." elision and whitespace/indentation tolerant
// matching. It stops at the first level producing exactly one match.
func FindMatch(content, search string) (MatchResult, error) {
	if search == "" {
		return MatchResult{}, fmt.Errorf("search text is empty")
	}

	if strings.Contains(search, "...") {
		return findByRegex(content, buildElidedPattern(search), LevelElided)
	}

	if idx := strings.Index(content, search); idx >= 0 {
		if count := strings.Count(content, search); count > 1 {
			return MatchResult{}, &AmbiguousMatchError{Level: LevelExact, Count: count}
		}
		return MatchResult{Original: search, Start: idx, End: idx + len(search), Level: LevelExact}, nil
	}

	for _, attempt := range []struct {
		pattern string
		level   MatchLevel
	}{
		{buildWhitespaceNormalizedPattern(search), LevelWhitespaceNormalized},
		{buildLinePattern(search, false), LevelTrimmedLines},
		{buildLinePattern(search, true), LevelIndentInsensitive},
	} {
		result, err := findByRegex(content, attempt.pattern, attempt.level)
		if err == nil {
			return result, nil
		}
		if _, ambiguous := err.(*AmbiguousMatchError); ambiguous {
			return result, err
		}
	}

	return MatchResult{}, fmt.Errorf("no match found for search text")
}

func findByRegex(content, pattern string, level MatchLevel) (MatchResult, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return MatchResult{}, fmt.Errorf("internal pattern error: %w", err)
	}
	locs := re.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return MatchResult{}, fmt.Errorf("no match at %s level", level)
	}
	if len(locs) > 1 {
		return MatchResult{}, &AmbiguousMatchError{Level: level, Count: len(locs)}
	}
	start, end := locs[0][0], locs[0][1]
	return MatchResult{Original: content[start:end], Start: start, End: end, Level: level}, nil
}

// buildElidedPattern turns "..." separators into a non-greedy any-content
// regex gap between literal, escaped segments.
func buildElidedPattern(search string) string {
	segments := strings.Split(search, "...")
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = regexp.QuoteMeta(seg)
	}
	return "(?s)" + strings.Join(escaped, `[\s\S]*?`)
}

// buildWhitespaceNormalizedPattern collapses runs of whitespace in search
// into a flexible \s+ so differing spacing still matches.
func buildWhitespaceNormalizedPattern(search string) string {
	fields := strings.Fields(search)
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = regexp.QuoteMeta(f)
	}
	return `(?s)` + strings.Join(escaped, `\s+`)
}

// buildLinePattern matches search line by line, tolerating trailing
// whitespace differences and, when indentInsensitive is true, leading
// whitespace differences too.
func buildLinePattern(search string, indentInsensitive bool) string {
	lines := strings.Split(search, "\n")
	patterns := make([]string, len(lines))
	for i, line := range lines {
		if indentInsensitive {
			trimmed := strings.TrimSpace(line)
			patterns[i] = `[ \t]*` + regexp.QuoteMeta(trimmed) + `[ \t]*`
		} else {
			trimmed := strings.TrimRight(line, " \t\r")
			patterns[i] = regexp.QuoteMeta(trimmed) + `[ \t]*`
		}
	}
	return strings.Join(patterns, `\r?\n`)
}

// ApplyMatch splices newText in place of the matched region.
func ApplyMatch(content string, result MatchResult, newText string) string {
	return content[:result.Start] + newText + content[result.End:]
}
