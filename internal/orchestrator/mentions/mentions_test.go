package mentions

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestParseDirectMention(t *testing.T) {
	p := New([]string{"claude", "gpt"})
	got := p.Parse("@claude rename utils.py")

	if !reflect.DeepEqual(got.Addressees, []string{"claude"}) {
		t.Fatalf("addressees = %v", got.Addressees)
	}
	if got.CleanText != "rename utils.py" {
		t.Fatalf("clean_text = %q", got.CleanText)
	}
	if got.Broadcast {
		t.Fatalf("broadcast should be false")
	}
}

func TestParseBroadcast(t *testing.T) {
	p := New([]string{"claude", "gpt", "gemini"})
	got := p.Parse("@all thoughts on paging?")

	if !got.Broadcast {
		t.Fatalf("expected broadcast")
	}
	if len(got.Addressees) != 0 {
		t.Fatalf("addressees = %v, want none", got.Addressees)
	}
	if got.CleanText != "thoughts on paging?" {
		t.Fatalf("clean_text = %q", got.CleanText)
	}
}

func TestParseDedupPreservesOrder(t *testing.T) {
	p := New([]string{"claude", "gpt"})
	got := p.Parse("@gpt hey @claude and @gpt again")

	if !reflect.DeepEqual(got.Addressees, []string{"gpt", "claude"}) {
		t.Fatalf("addressees = %v", got.Addressees)
	}
}

func TestParseUnknownNameLeftInCleanText(t *testing.T) {
	p := New([]string{"claude"})
	got := p.Parse("ping @nobody please")

	if len(got.Addressees) != 0 {
		t.Fatalf("addressees = %v, want none", got.Addressees)
	}
	if got.CleanText != "ping @nobody please" {
		t.Fatalf("clean_text = %q", got.CleanText)
	}
}

func TestParseCollapsesWhitespace(t *testing.T) {
	p := New([]string{"claude"})
	got := p.Parse("@claude    do   it")

	if got.CleanText != "do it" {
		t.Fatalf("clean_text = %q", got.CleanText)
	}
}

func TestForcedSpeakersBroadcastIgnoresAddressees(t *testing.T) {
	p := New([]string{"claude", "gpt", "gemini"})
	parsed := p.Parse("@all @claude")

	forced := ForcedSpeakers(parsed, []string{"claude", "gpt", "gemini"})
	if !reflect.DeepEqual(forced, []string{"claude", "gpt", "gemini"}) {
		t.Fatalf("forced = %v", forced)
	}
}

func TestForcedSpeakersIntersectsAvailable(t *testing.T) {
	p := New([]string{"claude", "gpt", "gemini"})
	parsed := p.Parse("@claude @gemini go")

	forced := ForcedSpeakers(parsed, []string{"claude", "gpt"})
	if !reflect.DeepEqual(forced, []string{"claude"}) {
		t.Fatalf("forced = %v", forced)
	}
}

func TestParseRoundTripProperty(t *testing.T) {
	// P3: clean_text contains no @name tokens for known names.
	p := New([]string{"claude", "gpt"})
	inputs := []string{
		"@claude @gpt do the thing",
		"no mentions here",
		"@claude-ish is not a mention boundary break",
	}
	for _, in := range inputs {
		got := p.Parse(in)
		reparsed := p.Parse(got.CleanText)
		if len(reparsed.Addressees) != 0 || reparsed.Broadcast {
			t.Fatalf("clean_text still contains a mention: %q -> %q", in, got.CleanText)
		}
	}
}

// TestParseRoundTripProperty_Generated is P3 run against random token
// sequences mixing plain words, known-name mentions, and the broadcast
// token, instead of a fixed input table.
func TestParseRoundTripProperty_Generated(t *testing.T) {
	p := New([]string{"claude", "gpt", "gemini"})

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	tokenGen := gen.OneConstOf(
		"do", "the", "thing", "please", "refactor", "utils.py",
		"@claude", "@gpt", "@gemini", "@all", "@nobody",
	)

	properties.Property("re-parsing clean_text never yields a mention", prop.ForAll(
		func(tokens []string) bool {
			text := strings.Join(tokens, " ")
			got := p.Parse(text)
			reparsed := p.Parse(got.CleanText)
			return len(reparsed.Addressees) == 0 && !reparsed.Broadcast
		},
		gen.SliceOf(tokenGen),
	))

	properties.TestingRun(t)
}
