package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codecrew/guildcore/internal/edit"
	"github.com/codecrew/guildcore/internal/llm"
)

// EditFileTool implements edit_file: deterministic string replacement with
// 5-level matching. Permission checking and modification tracking happen in
// Executor, not here.
type EditFileTool struct{}

func NewEditFileTool() *EditFileTool {
	return &EditFileTool{}
}

// EditFileArgs is a deterministic old_text/new_text replacement.
type EditFileArgs struct {
	FilePath string `json:"file_path"`
	OldText  string `json:"old_text"`
	NewText  string `json:"new_text"`
}

func (t *EditFileTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name: EditFileToolName,
		Description: `Edit a file via deterministic string replacement with 5-level matching.
The literal token <<<elided>>> in old_text matches any sequence of characters (including newlines).
Include enough surrounding context in old_text to make the match unique.`,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path": map[string]interface{}{
					"type":        "string",
					"description": "Path to the file to edit",
				},
				"old_text": map[string]interface{}{
					"type":        "string",
					"description": "Exact text to find and replace. Include enough context to be unique. You may use <<<elided>>> to match any sequence.",
				},
				"new_text": map[string]interface{}{
					"type":        "string",
					"description": "Text to replace old_text with",
				},
			},
			"required":             []string{"file_path", "old_text", "new_text"},
			"additionalProperties": false,
		},
	}
}

func (t *EditFileTool) Preview(args json.RawMessage) string {
	var a EditFileArgs
	if err := json.Unmarshal(args, &a); err != nil || a.FilePath == "" {
		return ""
	}
	return a.FilePath
}

func (t *EditFileTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var a EditFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return llm.ErrorOutput(NewToolError(ErrInvalidParams, err.Error()).Error()), nil
	}
	if a.FilePath == "" {
		return llm.ErrorOutput(NewToolError(ErrInvalidParams, "file_path is required").Error()), nil
	}
	if a.OldText == "" && a.NewText == "" {
		return llm.ErrorOutput(NewToolError(ErrInvalidParams, "old_text and new_text are required").Error()), nil
	}

	// Use a lock file to serialize concurrent edits to the same file.
	// We can't lock the file itself because rename() replaces the inode,
	// and other goroutines holding fds to the old inode won't see changes.
	lockPath := a.FilePath + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "failed to create lock file: %v", err).Error()), nil
	}
	defer func() {
		lockFile.Close()
		os.Remove(lockPath)
	}()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "failed to lock: %v", err).Error()), nil
	}
	defer syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)

	data, err := os.ReadFile(a.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return llm.ErrorOutput(NewToolError(ErrFileNotFound, a.FilePath).Error()), nil
		}
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "read error: %v", err).Error()), nil
	}

	content := string(data)
	search := a.OldText
	if strings.Contains(search, "<<<elided>>>") {
		search = strings.ReplaceAll(search, "<<<elided>>>", "...")
	}

	result, err := edit.FindMatch(content, search)
	if err != nil {
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "could not find old_text: %v", err).Error()), nil
	}

	newContent := edit.ApplyMatch(content, result, a.NewText)

	dir := filepath.Dir(a.FilePath)
	base := filepath.Base(a.FilePath)
	tempFile, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "failed to create temp file: %v", err).Error()), nil
	}
	tempPath := tempFile.Name()

	if _, err := tempFile.WriteString(newContent); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "failed to write temp file: %v", err).Error()), nil
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "failed to close temp file: %v", err).Error()), nil
	}

	if err := os.Rename(tempPath, a.FilePath); err != nil {
		os.Remove(tempPath)
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "failed to rename temp file: %v", err).Error()), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Edited %s (match level: %s)\n", a.FilePath, result.Level.String()))
	sb.WriteString(fmt.Sprintf("Replaced %d bytes with %d bytes", len(result.Original), len(a.NewText)))

	oldLines := countLines(result.Original)
	newLines := countLines(a.NewText)
	if oldLines != newLines {
		sb.WriteString(fmt.Sprintf("\nLines: %d -> %d", oldLines, newLines))
	}

	return llm.TextOutput(sb.String()), nil
}
