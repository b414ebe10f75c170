package edit

import "testing"

func TestFindMatch_Exact(t *testing.T) {
	content := "line one\nline two\nline three\n"
	result, err := FindMatch(content, "line two")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Level != LevelExact {
		t.Fatalf("expected exact match, got %s", result.Level)
	}
	if result.Original != "line two" {
		t.Fatalf("unexpected original: %q", result.Original)
	}
}

func TestFindMatch_AmbiguousExact(t *testing.T) {
	content := "foo\nfoo\n"
	_, err := FindMatch(content, "foo")
	if err == nil {
		t.Fatalf("expected ambiguous match error")
	}
	if _, ok := err.(*AmbiguousMatchError); !ok {
		t.Fatalf("expected *AmbiguousMatchError, got %T", err)
	}
}

func TestFindMatch_Elided(t *testing.T) {
	content := "func Foo() {\n\tdoStuff()\n\tmoreStuff()\n\treturn nil\n}\n"
	search := "func Foo() {\n...\n\treturn nil\n}"
	result, err := FindMatch(content, search)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Level != LevelElided {
		t.Fatalf("expected elided match, got %s", result.Level)
	}
}

func TestFindMatch_WhitespaceNormalized(t *testing.T) {
	content := "x  :=   1 +  2\n"
	result, err := FindMatch(content, "x := 1 + 2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Level != LevelWhitespaceNormalized {
		t.Fatalf("expected whitespace-normalized match, got %s", result.Level)
	}
}

func TestFindMatch_TrimmedLines(t *testing.T) {
	content := "if true {   \n\tdoThing()  \n}\n"
	search := "if true {\n\tdoThing()\n}"
	result, err := FindMatch(content, search)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Level != LevelTrimmedLines {
		t.Fatalf("expected trimmed-lines match, got %s", result.Level)
	}
}

func TestFindMatch_IndentInsensitive(t *testing.T) {
	content := "func f() {\n    doThing()\n}\n"
	search := "func f() {\ndoThing()\n}"
	result, err := FindMatch(content, search)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Level != LevelIndentInsensitive {
		t.Fatalf("expected indent-insensitive match, got %s", result.Level)
	}
}

func TestFindMatch_NoMatch(t *testing.T) {
	_, err := FindMatch("hello world", "goodbye world")
	if err == nil {
		t.Fatalf("expected no-match error")
	}
}

func TestApplyMatch_SplicesReplacementAtMatchBoundaries(t *testing.T) {
	content := "before MATCH after"
	result := MatchResult{Original: "MATCH", Start: 7, End: 12, Level: LevelExact}
	got := ApplyMatch(content, result, "REPLACED")
	want := "before REPLACED after"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
