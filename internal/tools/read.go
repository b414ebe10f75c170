package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/codecrew/guildcore/internal/llm"
)

// OutputLimits bounds how much of a file/command output is returned to the
// model in one call.
type OutputLimits struct {
	MaxLines int
	MaxBytes int64
}

// DefaultOutputLimits mirrors the budget the context assembler expects a
// single tool result to fit within.
var DefaultOutputLimits = OutputLimits{MaxLines: 2000, MaxBytes: 200_000}

// ReadFileTool implements read_file: line-numbered, range-addressable file
// reads. Permission checking happens in Executor, not here.
type ReadFileTool struct {
	limits  OutputLimits
	context *ToolContext
}

func NewReadFileTool(limits OutputLimits, toolCtx *ToolContext) *ReadFileTool {
	return &ReadFileTool{limits: limits, context: toolCtx}
}

type ReadFileArgs struct {
	FilePath  string `json:"file_path"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

func (t *ReadFileTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        ReadFileToolName,
		Description: "Read file contents. Returns line-numbered output. Use start_line/end_line for pagination.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"file_path":  map[string]interface{}{"type": "string", "description": "Absolute or relative path to the file to read"},
				"start_line": map[string]interface{}{"type": "integer", "description": "1-indexed start line (default: 1)"},
				"end_line":   map[string]interface{}{"type": "integer", "description": "1-indexed end line (default: EOF)"},
			},
			"required":             []string{"file_path"},
			"additionalProperties": false,
		},
	}
}

func (t *ReadFileTool) Preview(args json.RawMessage) string {
	var a ReadFileArgs
	if err := json.Unmarshal(args, &a); err != nil || a.FilePath == "" {
		return ""
	}
	switch {
	case a.StartLine > 0 && a.EndLine > 0:
		return fmt.Sprintf("%s:%d-%d", a.FilePath, a.StartLine, a.EndLine)
	case a.StartLine > 0:
		return fmt.Sprintf("%s:%d-", a.FilePath, a.StartLine)
	case a.EndLine > 0:
		return fmt.Sprintf("%s:1-%d", a.FilePath, a.EndLine)
	default:
		return a.FilePath
	}
}

func (t *ReadFileTool) ParallelSafe() bool { return true }

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	var a ReadFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return llm.ErrorOutput(NewToolError(ErrInvalidParams, err.Error()).Error()), nil
	}
	if a.FilePath == "" {
		return llm.ErrorOutput(NewToolError(ErrInvalidParams, "file_path is required").Error()), nil
	}

	data, err := os.ReadFile(a.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return llm.ErrorOutput(NewToolError(ErrFileNotFound, a.FilePath).Error()), nil
		}
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "read error: %v", err).Error()), nil
	}

	if isBinaryContent(data) {
		return llm.ErrorOutput(NewToolErrorf(ErrBinaryFile, "%s appears to be a binary file", a.FilePath).Error()), nil
	}

	if t.context != nil {
		t.context.RecordRead(a.FilePath, ContentHash(data))
	}

	content := string(data)
	lines := strings.Split(content, "\n")
	totalLines := len(lines)

	start := 0
	if a.StartLine > 0 {
		start = a.StartLine - 1
	}
	if start >= totalLines {
		return llm.ErrorOutput(NewToolErrorf(ErrInvalidParams, "start_line %d exceeds file length %d", a.StartLine, totalLines).Error()), nil
	}

	end := totalLines
	if a.EndLine > 0 && a.EndLine < totalLines {
		end = a.EndLine
	}
	if start >= end {
		return llm.TextOutput("No content in requested range."), nil
	}

	selected := lines[start:end]
	truncated := false
	if len(selected) > t.limits.MaxLines {
		selected = selected[:t.limits.MaxLines]
		truncated = true
	}

	var sb strings.Builder
	for i, line := range selected {
		fmt.Fprintf(&sb, "%d: %s\n", start+i+1, line)
	}
	output := strings.TrimSuffix(sb.String(), "\n")

	if int64(len(output)) > t.limits.MaxBytes {
		output = output[:t.limits.MaxBytes]
		truncated = true
	}
	if truncated {
		output += fmt.Sprintf("\n\n[Output truncated. Total lines: %d. Use start_line/end_line for pagination.]", totalLines)
	}

	return llm.TextOutput(output), nil
}

func isBinaryContent(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}
	contentType := http.DetectContentType(sample)
	if strings.HasPrefix(contentType, "text/") {
		return false
	}
	if strings.Contains(contentType, "json") || strings.Contains(contentType, "xml") {
		return false
	}
	for _, b := range sample {
		if b == 0 {
			return true
		}
	}
	return false
}
