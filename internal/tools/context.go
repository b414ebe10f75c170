package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileModification records one write/edit to a path during a session.
type FileModification struct {
	Path      string
	Operation string // "write" or "edit"
	Timestamp time.Time
}

func (m FileModification) String() string {
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Format("15:04:05"), m.Operation, m.Path)
}

type fileReadRecord struct {
	ContentHash string
	Timestamp   time.Time
}

// ToolContext tracks file reads and modifications across a turn's tool
// calls so a model can be told whether a file it read has since changed.
type ToolContext struct {
	mu           sync.Mutex
	SessionID    string
	modifications []FileModification
	readFiles    map[string]fileReadRecord
	CreatedAt    time.Time
}

func NewToolContext() *ToolContext {
	return &ToolContext{
		SessionID: uuid.NewString(),
		readFiles: make(map[string]fileReadRecord),
		CreatedAt: time.Now(),
	}
}

func (c *ToolContext) RecordModification(path, operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modifications = append(c.modifications, FileModification{Path: path, Operation: operation, Timestamp: time.Now()})
}

func (c *ToolContext) RecordRead(path, contentHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readFiles[path] = fileReadRecord{ContentHash: contentHash, Timestamp: time.Now()}
}

// IsFileStale reports whether path was read before and its content has
// changed since. A file never read is not considered stale.
func (c *ToolContext) IsFileStale(path, currentHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.readFiles[path]
	if !ok {
		return false
	}
	return record.ContentHash != currentHash
}

func (c *ToolContext) WasFileModified(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.modifications {
		if m.Path == path {
			return true
		}
	}
	return false
}

// RecentlyModifiedFiles returns unique modified paths, most recent first.
func (c *ToolContext) RecentlyModifiedFiles(limit int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool)
	var result []string
	for i := len(c.modifications) - 1; i >= 0; i-- {
		path := c.modifications[i].Path
		if seen[path] {
			continue
		}
		seen[path] = true
		result = append(result, path)
		if len(result) >= limit {
			break
		}
	}
	return result
}

// ModificationSummary renders a human-readable digest of this session's
// writes/edits for inclusion in an assistant's system prompt.
func (c *ToolContext) ModificationSummary(maxEntries int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.modifications) == 0 {
		return "No file modifications in this session."
	}

	recent := c.modifications
	if len(recent) > maxEntries {
		recent = recent[len(recent)-maxEntries:]
	}

	byOp := make(map[string][]string)
	var order []string
	for _, m := range recent {
		if _, ok := byOp[m.Operation]; !ok {
			order = append(order, m.Operation)
		}
		byOp[m.Operation] = append(byOp[m.Operation], m.Path)
	}

	summary := fmt.Sprintf("File modifications (%d total):\n", len(c.modifications))
	for _, op := range order {
		paths := uniquePreserveOrder(byOp[op])
		summary += fmt.Sprintf("  %sd: %d file(s)\n", op, len(paths))
		shown := paths
		if len(shown) > 5 {
			shown = shown[:5]
		}
		for _, p := range shown {
			summary += fmt.Sprintf("    - %s\n", p)
		}
		if len(paths) > 5 {
			summary += fmt.Sprintf("    ... and %d more\n", len(paths)-5)
		}
	}
	return summary
}

func (c *ToolContext) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modifications = nil
	c.readFiles = make(map[string]fileReadRecord)
}

func uniquePreserveOrder(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}

// ContentHash computes a stable digest for file content staleness checks.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
