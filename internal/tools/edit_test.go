package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEditFileTool_ReplacesExactMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	os.WriteFile(path, []byte("package main\n\nfunc old() {}\n"), 0644)

	tool := NewEditFileTool()
	args, _ := json.Marshal(EditFileArgs{FilePath: path, OldText: "func old() {}", NewText: "func renamed() {}"})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsError {
		t.Fatalf("unexpected tool error: %s", out.Content)
	}

	got, _ := os.ReadFile(path)
	want := "package main\n\nfunc renamed() {}\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEditFileTool_ElidedMarkerMatchesAcrossLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	os.WriteFile(path, []byte("func Foo() {\n\tstep1()\n\tstep2()\n\treturn nil\n}\n"), 0644)

	tool := NewEditFileTool()
	args, _ := json.Marshal(EditFileArgs{
		FilePath: path,
		OldText:  "func Foo() {\n<<<elided>>>\n\treturn nil\n}",
		NewText:  "func Foo() {\n\treturn nil\n}",
	})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsError {
		t.Fatalf("unexpected tool error: %s", out.Content)
	}

	got, _ := os.ReadFile(path)
	want := "func Foo() {\n\treturn nil\n}\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEditFileTool_MissingFileReturnsError(t *testing.T) {
	tool := NewEditFileTool()
	args, _ := json.Marshal(EditFileArgs{FilePath: "/nonexistent/x.go", OldText: "a", NewText: "b"})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatalf("expected error output for missing file")
	}
}

func TestEditFileTool_NoMatchReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("hello world"), 0644)

	tool := NewEditFileTool()
	args, _ := json.Marshal(EditFileArgs{FilePath: path, OldText: "not present", NewText: "x"})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatalf("expected error output when old_text isn't found")
	}
}

func TestEditFileTool_MissingFilePathRejected(t *testing.T) {
	tool := NewEditFileTool()
	args, _ := json.Marshal(EditFileArgs{OldText: "a", NewText: "b"})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatalf("expected error for missing file_path")
	}
}
