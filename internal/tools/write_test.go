package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileTool_CreatesNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "new.txt")

	tool := NewWriteFileTool()
	args, _ := json.Marshal(WriteFileArgs{FilePath: path, Content: "hello\nworld\n"})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsError {
		t.Fatalf("unexpected tool error: %s", out.Content)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
	if string(got) != "hello\nworld\n" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestWriteFileTool_OverwritesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "existing.txt")
	os.WriteFile(path, []byte("old content"), 0644)

	tool := NewWriteFileTool()
	args, _ := json.Marshal(WriteFileArgs{FilePath: path, Content: "new content"})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsError {
		t.Fatalf("unexpected tool error: %s", out.Content)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "new content" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestWriteFileTool_MissingFilePathRejected(t *testing.T) {
	tool := NewWriteFileTool()
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"content":"x"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatalf("expected error for missing file_path")
	}
}

func TestCountLines(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"a\n", 1},
		{"a\nb", 2},
		{"a\nb\n", 2},
	}
	for _, c := range cases {
		if got := countLines(c.in); got != c.want {
			t.Errorf("countLines(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
