package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestReadFileTool_BasicRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree"), 0644); err != nil {
		t.Fatal(err)
	}

	toolCtx := NewToolContext()
	tool := NewReadFileTool(DefaultOutputLimits, toolCtx)

	args, _ := json.Marshal(ReadFileArgs{FilePath: path})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsError {
		t.Fatalf("unexpected tool error: %s", out.Content)
	}
	want := "1: one\n2: two\n3: three"
	if out.Content != want {
		t.Fatalf("got %q, want %q", out.Content, want)
	}

	if toolCtx.IsFileStale(path, ContentHash([]byte("one\ntwo\nthree"))) {
		t.Fatalf("expected recorded read to not be considered stale for identical content")
	}
}

func TestReadFileTool_LineRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("a\nb\nc\nd\ne"), 0644)

	tool := NewReadFileTool(DefaultOutputLimits, NewToolContext())
	args, _ := json.Marshal(ReadFileArgs{FilePath: path, StartLine: 2, EndLine: 4})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "2: b\n3: c\n4: d"
	if out.Content != want {
		t.Fatalf("got %q, want %q", out.Content, want)
	}
}

func TestReadFileTool_MissingFile(t *testing.T) {
	tool := NewReadFileTool(DefaultOutputLimits, NewToolContext())
	args, _ := json.Marshal(ReadFileArgs{FilePath: "/nonexistent/path/x.txt"})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatalf("expected error output for missing file")
	}
}

func TestReadFileTool_MissingPathArg(t *testing.T) {
	tool := NewReadFileTool(DefaultOutputLimits, NewToolContext())
	out, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatalf("expected error output for missing file_path")
	}
}

func TestReadFileTool_BinaryFileRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin.dat")
	os.WriteFile(path, []byte{0x00, 0x01, 0x02, 0xFF, 0x00}, 0644)

	tool := NewReadFileTool(DefaultOutputLimits, NewToolContext())
	args, _ := json.Marshal(ReadFileArgs{FilePath: path})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatalf("expected binary file to be rejected")
	}
}

func TestReadFileTool_RecordsReadForStalenessTracking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("v1"), 0644)

	toolCtx := NewToolContext()
	tool := NewReadFileTool(DefaultOutputLimits, toolCtx)
	args, _ := json.Marshal(ReadFileArgs{FilePath: path})
	if _, err := tool.Execute(context.Background(), args); err != nil {
		t.Fatal(err)
	}

	if toolCtx.IsFileStale(path, ContentHash([]byte("v1"))) {
		t.Fatalf("expected same content to not be stale")
	}
	if !toolCtx.IsFileStale(path, ContentHash([]byte("v2"))) {
		t.Fatalf("expected changed content to be stale after a recorded read")
	}
}
