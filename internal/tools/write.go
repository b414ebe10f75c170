package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codecrew/guildcore/internal/llm"
)

// WriteFileTool implements write_file: create or overwrite a file.
// Permission checking and modification tracking happen in Executor, not here.
type WriteFileTool struct{}

func NewWriteFileTool() *WriteFileTool {
	return &WriteFileTool{}
}

type WriteFileArgs struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

func (t *WriteFileTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        WriteFileToolName,
		Description: "Create or overwrite a file with the specified content. Creates parent directories if needed.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path": map[string]interface{}{
					"type":        "string",
					"description": "Path to the file to write",
				},
				"content": map[string]interface{}{
					"type":        "string",
					"description": "Full file content to write",
				},
			},
			"required":             []string{"file_path", "content"},
			"additionalProperties": false,
		},
	}
}

func (t *WriteFileTool) Preview(args json.RawMessage) string {
	var a WriteFileArgs
	if err := json.Unmarshal(args, &a); err != nil || a.FilePath == "" {
		return ""
	}
	return a.FilePath
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var a WriteFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return llm.ErrorOutput(NewToolError(ErrInvalidParams, err.Error()).Error()), nil
	}
	if a.FilePath == "" {
		return llm.ErrorOutput(NewToolError(ErrInvalidParams, "file_path is required").Error()), nil
	}

	absPath, err := filepath.Abs(a.FilePath)
	if err != nil {
		return llm.ErrorOutput(NewToolErrorf(ErrInvalidParams, "cannot resolve path: %v", err).Error()), nil
	}

	existingContent := ""
	isNew := true
	if data, err := os.ReadFile(absPath); err == nil {
		existingContent = string(data)
		isNew = false
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "failed to create directory: %v", err).Error()), nil
	}

	tempFile := absPath + ".tmp"
	if err := os.WriteFile(tempFile, []byte(a.Content), 0644); err != nil {
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "failed to write temp file: %v", err).Error()), nil
	}

	if err := os.Rename(tempFile, absPath); err != nil {
		os.Remove(tempFile)
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "failed to rename temp file: %v", err).Error()), nil
	}

	var sb strings.Builder
	if isNew {
		sb.WriteString(fmt.Sprintf("Created new file: %s\n", absPath))
		sb.WriteString(fmt.Sprintf("Size: %d bytes, %d lines", len(a.Content), countLines(a.Content)))
	} else {
		sb.WriteString(fmt.Sprintf("Updated file: %s\n", absPath))
		oldLines := countLines(existingContent)
		newLines := countLines(a.Content)
		sb.WriteString(fmt.Sprintf("Lines: %d -> %d\n", oldLines, newLines))
		sb.WriteString(fmt.Sprintf("Size: %d -> %d bytes", len(existingContent), len(a.Content)))
	}

	return llm.TextOutput(sb.String()), nil
}

// countLines counts the number of lines in a string.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	count := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		count++
	}
	return count
}
