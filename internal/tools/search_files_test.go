package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestSearchFilesTool_FindsMatchWithContext(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("package main\n\nfunc Greet() {\n\tprintln(\"hi\")\n}\n"), 0644)

	tool := NewSearchFilesTool(DefaultOutputLimits)
	args, _ := json.Marshal(SearchFilesArgs{Pattern: `func Greet`, Path: dir})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsError {
		t.Fatalf("unexpected tool error: %s", out.Content)
	}
	if !strings.Contains(out.Content, "func Greet") {
		t.Fatalf("expected match content in output, got %q", out.Content)
	}
	if !strings.Contains(out.Content, "a.go") {
		t.Fatalf("expected file path in output, got %q", out.Content)
	}
}

func TestSearchFilesTool_NoMatches(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("package main\n"), 0644)

	tool := NewSearchFilesTool(DefaultOutputLimits)
	args, _ := json.Marshal(SearchFilesArgs{Pattern: `NeverPresentSymbol`, Path: dir})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Content != "No matches found." {
		t.Fatalf("got %q", out.Content)
	}
}

func TestSearchFilesTool_MissingPatternRejected(t *testing.T) {
	tool := NewSearchFilesTool(DefaultOutputLimits)
	out, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatalf("expected error for missing pattern")
	}
}

func TestCollectSearchFiles_AppliesGlobFilter(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0644)
	os.Mkdir(filepath.Join(dir, ".hidden"), 0755)
	os.WriteFile(filepath.Join(dir, ".hidden", "c.go"), []byte("x"), 0644)

	files, err := collectSearchFiles(dir, "*.go")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 1 || filepath.Base(files[0]) != "a.go" {
		t.Fatalf("expected only a.go to match the glob and hidden dirs skipped, got %v", files)
	}
}

func TestSearchFile_SkipsBinaryContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin.dat")
	os.WriteFile(path, []byte{0x00, 0x01, 0x02, 0xFF, 0x00}, 0644)

	re := regexp.MustCompile(`.`)
	_, err := searchFile(path, re, 10)
	if err == nil {
		t.Fatalf("expected binary file to be rejected")
	}
}

func TestBuildSearchContext_IncludesSurroundingLines(t *testing.T) {
	lines := []string{"l0", "l1", "l2", "l3", "l4"}
	ctx := buildSearchContext(lines, 2, 1)
	if !strings.Contains(ctx, "> 3: l2") {
		t.Fatalf("expected matched line marker, got %q", ctx)
	}
	if !strings.Contains(ctx, "  2: l1") || !strings.Contains(ctx, "  4: l3") {
		t.Fatalf("expected surrounding context lines, got %q", ctx)
	}
}
