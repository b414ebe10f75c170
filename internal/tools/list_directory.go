package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/codecrew/guildcore/internal/llm"
)

// ListDirectoryTool implements list_directory: a flat or recursive listing
// of one directory's entries. Permission checking happens in Executor.
type ListDirectoryTool struct {
	maxEntries int
}

func NewListDirectoryTool(maxEntries int) *ListDirectoryTool {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &ListDirectoryTool{maxEntries: maxEntries}
}

func (t *ListDirectoryTool) ParallelSafe() bool { return true }

type ListDirectoryArgs struct {
	Path      string `json:"path,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
}

type directoryEntry struct {
	RelPath string
	IsDir   bool
	Size    int64
}

func (t *ListDirectoryTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        ListDirectoryToolName,
		Description: "List the files and subdirectories of a directory, optionally recursive.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Directory to list (defaults to current directory)",
				},
				"recursive": map[string]interface{}{
					"type":        "boolean",
					"description": "List all descendants instead of just immediate children",
					"default":     false,
				},
			},
			"additionalProperties": false,
		},
	}
}

func (t *ListDirectoryTool) Preview(args json.RawMessage) string {
	var a ListDirectoryArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return ""
	}
	if a.Path == "" {
		return "."
	}
	return a.Path
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	_, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var a ListDirectoryArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return llm.ErrorOutput(NewToolError(ErrInvalidParams, err.Error()).Error()), nil
	}

	path := a.Path
	if path == "" {
		var err error
		path, err = os.Getwd()
		if err != nil {
			return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "cannot get working directory: %v", err).Error()), nil
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return llm.ErrorOutput(NewToolErrorf(ErrInvalidParams, "cannot resolve path: %v", err).Error()), nil
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return llm.ErrorOutput(NewToolError(ErrFileNotFound, absPath).Error()), nil
		}
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "stat error: %v", err).Error()), nil
	}
	if !info.IsDir() {
		return llm.ErrorOutput(NewToolErrorf(ErrInvalidParams, "%s is not a directory", absPath).Error()), nil
	}

	var entries []directoryEntry
	truncated := false

	if a.Recursive {
		err = filepath.WalkDir(absPath, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if p == absPath {
				return nil
			}
			if len(entries) >= t.maxEntries {
				truncated = true
				return filepath.SkipAll
			}
			rel, relErr := filepath.Rel(absPath, p)
			if relErr != nil {
				return nil
			}
			info, infoErr := d.Info()
			size := int64(0)
			if infoErr == nil && !d.IsDir() {
				size = info.Size()
			}
			entries = append(entries, directoryEntry{RelPath: rel, IsDir: d.IsDir(), Size: size})
			return nil
		})
		if err != nil {
			return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "walk error: %v", err).Error()), nil
		}
	} else {
		dirEntries, err := os.ReadDir(absPath)
		if err != nil {
			return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "read dir error: %v", err).Error()), nil
		}
		for _, d := range dirEntries {
			if len(entries) >= t.maxEntries {
				truncated = true
				break
			}
			size := int64(0)
			if info, err := d.Info(); err == nil && !d.IsDir() {
				size = info.Size()
			}
			entries = append(entries, directoryEntry{RelPath: d.Name(), IsDir: d.IsDir(), Size: size})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })

	var sb strings.Builder
	fmt.Fprintf(&sb, "Contents of %s:\n", absPath)
	for _, e := range entries {
		kind := "file"
		if e.IsDir {
			kind = "dir"
		}
		fmt.Fprintf(&sb, "%s: %s (%d bytes)\n", kind, e.RelPath, e.Size)
	}
	if truncated {
		fmt.Fprintf(&sb, "... (truncated at %d entries)\n", t.maxEntries)
	}

	return llm.TextOutput(strings.TrimSuffix(sb.String(), "\n")), nil
}
