package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestListDirectoryTool_FlatListing(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644)
	os.Mkdir(filepath.Join(dir, "sub"), 0755)
	os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested"), 0644)

	tool := NewListDirectoryTool(0)
	args, _ := json.Marshal(ListDirectoryArgs{Path: dir})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsError {
		t.Fatalf("unexpected tool error: %s", out.Content)
	}
	if !strings.Contains(out.Content, "file: a.txt (5 bytes)") {
		t.Fatalf("expected a.txt entry, got %q", out.Content)
	}
	if !strings.Contains(out.Content, "dir: sub (0 bytes)") {
		t.Fatalf("expected sub directory entry, got %q", out.Content)
	}
	if strings.Contains(out.Content, "nested.txt") {
		t.Fatalf("flat listing should not descend into subdirectories, got %q", out.Content)
	}
}

func TestListDirectoryTool_RecursiveListing(t *testing.T) {
	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "sub"), 0755)
	os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested"), 0644)

	tool := NewListDirectoryTool(0)
	args, _ := json.Marshal(ListDirectoryArgs{Path: dir, Recursive: true})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.Content, filepath.Join("sub", "nested.txt")) {
		t.Fatalf("expected recursive listing to include nested file, got %q", out.Content)
	}
}

func TestListDirectoryTool_TruncatesAtMaxEntries(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		os.WriteFile(filepath.Join(dir, string(rune('a'+i))+".txt"), []byte("x"), 0644)
	}

	tool := NewListDirectoryTool(2)
	args, _ := json.Marshal(ListDirectoryArgs{Path: dir})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.Content, "truncated at 2 entries") {
		t.Fatalf("expected truncation notice, got %q", out.Content)
	}
}

func TestListDirectoryTool_RejectsNonDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	os.WriteFile(path, []byte("x"), 0644)

	tool := NewListDirectoryTool(0)
	args, _ := json.Marshal(ListDirectoryArgs{Path: path})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatalf("expected error for non-directory path")
	}
}

func TestListDirectoryTool_MissingPathDefaultsToCurrentDir(t *testing.T) {
	tool := NewListDirectoryTool(0)
	out, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsError {
		t.Fatalf("unexpected tool error: %s", out.Content)
	}
}
