package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/codecrew/guildcore/internal/llm"
)

// SearchFilesTool implements search_files: regex content search across a
// file or directory tree, with an optional glob filter on filenames.
// Permission checking happens in Executor.
type SearchFilesTool struct {
	limits OutputLimits
}

func NewSearchFilesTool(limits OutputLimits) *SearchFilesTool {
	return &SearchFilesTool{limits: limits}
}

func (t *SearchFilesTool) ParallelSafe() bool { return true }

func ripgrepAvailable() bool {
	_, err := exec.LookPath("rg")
	return err == nil
}

type rgMatch struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type rgMatchData struct {
	Path struct {
		Text string `json:"text"`
	} `json:"path"`
	Lines struct {
		Text string `json:"text"`
	} `json:"lines"`
	LineNumber     int `json:"line_number"`
	AbsoluteOffset int `json:"absolute_offset"`
}

func executeRipgrep(ctx context.Context, pattern, searchPath, include string, maxResults int) ([]SearchMatch, error) {
	args := []string{
		"--json",
		"--max-count", strconv.Itoa(maxResults),
		"--context", "3",
		"--hidden",
		"--glob", "!.git",
	}
	if include != "" {
		args = append(args, "--glob", include)
	}
	args = append(args, pattern, searchPath)

	cmd := exec.CommandContext(ctx, "rg", args...)
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	return parseRipgrepOutput(output, maxResults)
}

type pendingMatch struct {
	filePath   string
	lineNumber int
	matchLine  string
	before     []string
	after      []string
}

func parseRipgrepOutput(output []byte, maxResults int) ([]SearchMatch, error) {
	var matches []SearchMatch
	var pending *pendingMatch

	for _, line := range strings.Split(string(output), "\n") {
		if line == "" {
			continue
		}
		var msg rgMatch
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "match":
			if pending != nil {
				matches = append(matches, buildMatchFromPending(pending))
				if len(matches) >= maxResults {
					return matches, nil
				}
			}
			var data rgMatchData
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				continue
			}
			pending = &pendingMatch{
				filePath:   data.Path.Text,
				lineNumber: data.LineNumber,
				matchLine:  strings.TrimSuffix(data.Lines.Text, "\n"),
			}
		case "context":
			if pending == nil {
				continue
			}
			var data rgMatchData
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				continue
			}
			contextLine := strings.TrimSuffix(data.Lines.Text, "\n")
			if data.LineNumber < pending.lineNumber {
				pending.before = append(pending.before, contextLine)
			} else {
				pending.after = append(pending.after, contextLine)
			}
		}
	}
	if pending != nil {
		matches = append(matches, buildMatchFromPending(pending))
	}
	return matches, nil
}

func buildMatchFromPending(p *pendingMatch) SearchMatch {
	var sb strings.Builder
	startLine := p.lineNumber - len(p.before)
	for i, line := range p.before {
		sb.WriteString(fmt.Sprintf("  %d: %s\n", startLine+i, line))
	}
	sb.WriteString(fmt.Sprintf("> %d: %s\n", p.lineNumber, p.matchLine))
	for i, line := range p.after {
		sb.WriteString(fmt.Sprintf("  %d: %s\n", p.lineNumber+1+i, line))
	}
	return SearchMatch{
		FilePath:   p.filePath,
		LineNumber: p.lineNumber,
		Match:      p.matchLine,
		Context:    strings.TrimSuffix(sb.String(), "\n"),
	}
}

// SearchFilesArgs are the arguments for search_files.
type SearchFilesArgs struct {
	Pattern     string `json:"pattern"`
	Path        string `json:"path,omitempty"`
	FilePattern string `json:"file_pattern,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
}

// SearchMatch is a single content match.
type SearchMatch struct {
	FilePath   string `json:"file_path"`
	LineNumber int    `json:"line_number"`
	Match      string `json:"match"`
	Context    string `json:"context,omitempty"`
}

func (t *SearchFilesTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        SearchFilesToolName,
		Description: "Search file contents using regex patterns (RE2 syntax). Returns matches with surrounding context.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pattern": map[string]interface{}{
					"type":        "string",
					"description": "Regular expression pattern to search for (RE2 syntax)",
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "File or directory to search in (defaults to current directory)",
				},
				"file_pattern": map[string]interface{}{
					"type":        "string",
					"description": "Glob filter for filenames, e.g., '*.go' or '*.{js,ts}'",
				},
				"max_results": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results (default: 100)",
					"default":     100,
				},
			},
			"required":             []string{"pattern"},
			"additionalProperties": false,
		},
	}
}

func (t *SearchFilesTool) Preview(args json.RawMessage) string {
	var a SearchFilesArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Pattern == "" {
		return ""
	}
	pattern := a.Pattern
	if len(pattern) > 30 {
		pattern = pattern[:27] + "..."
	}
	result := fmt.Sprintf("/%s/", pattern)
	if a.Path != "" {
		result += " in " + a.Path
	}
	if a.FilePattern != "" {
		result += " (" + a.FilePattern + ")"
	}
	return result
}

func (t *SearchFilesTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	var a SearchFilesArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return llm.ErrorOutput(NewToolError(ErrInvalidParams, err.Error()).Error()), nil
	}
	if a.Pattern == "" {
		return llm.ErrorOutput(NewToolError(ErrInvalidParams, "pattern is required").Error()), nil
	}

	searchPath := a.Path
	if searchPath == "" {
		var err error
		searchPath, err = os.Getwd()
		if err != nil {
			return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "cannot get working directory: %v", err).Error()), nil
		}
	}

	maxResults := a.MaxResults
	if maxResults <= 0 {
		maxResults = 100
	}

	if ripgrepAvailable() {
		matches, err := executeRipgrep(ctx, a.Pattern, searchPath, a.FilePattern, maxResults)
		if err != nil {
			if ctx.Err() != nil {
				return llm.TextOutput("search_files timed out after 1 minute; try a more specific pattern or path"), nil
			}
		} else {
			if len(matches) == 0 {
				return llm.TextOutput("No matches found."), nil
			}
			return llm.TextOutput(formatSearchResults(matches, len(matches) >= maxResults)), nil
		}
	}

	re, err := regexp.Compile(a.Pattern)
	if err != nil {
		return llm.ErrorOutput(NewToolErrorf(ErrInvalidParams, "invalid regex pattern: %v", err).Error()), nil
	}

	files, err := collectSearchFiles(searchPath, a.FilePattern)
	if err != nil {
		return llm.ErrorOutput(NewToolErrorf(ErrExecutionFailed, "failed to collect files: %v", err).Error()), nil
	}
	sortFilesByMtime(files)

	var matches []SearchMatch
	for _, file := range files {
		if ctx.Err() != nil {
			return llm.TextOutput("search_files timed out after 1 minute; try a more specific pattern or path"), nil
		}
		if len(matches) >= maxResults {
			break
		}
		fileMatches, err := searchFile(file, re, maxResults-len(matches))
		if err != nil {
			continue
		}
		matches = append(matches, fileMatches...)
	}

	if len(matches) == 0 {
		return llm.TextOutput("No matches found."), nil
	}
	return llm.TextOutput(formatSearchResults(matches, len(matches) >= maxResults)), nil
}

func collectSearchFiles(searchPath, include string) ([]string, error) {
	info, err := os.Stat(searchPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{searchPath}, nil
	}

	var files []string
	err = filepath.WalkDir(searchPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if d.IsDir() {
			return nil
		}
		if include != "" {
			match, err := doublestar.Match(include, d.Name())
			if err != nil || !match {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func sortFilesByMtime(files []string) {
	type fileInfo struct {
		path  string
		mtime int64
	}
	infos := make([]fileInfo, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			infos = append(infos, fileInfo{path: f, mtime: 0})
			continue
		}
		infos = append(infos, fileInfo{path: f, mtime: info.ModTime().Unix()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].mtime > infos[j].mtime })
	for i, info := range infos {
		files[i] = info.path
	}
}

func searchFile(path string, re *regexp.Regexp, maxMatches int) ([]SearchMatch, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	buf := make([]byte, 512)
	n, err := file.Read(buf)
	if err != nil && n == 0 {
		return nil, err
	}
	contentType := http.DetectContentType(buf[:n])
	if !strings.HasPrefix(contentType, "text/") &&
		!strings.Contains(contentType, "json") &&
		!strings.Contains(contentType, "xml") {
		return nil, fmt.Errorf("binary file")
	}
	file.Seek(0, 0)

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var matches []SearchMatch
	for lineNum, line := range lines {
		if re.MatchString(line) {
			matches = append(matches, SearchMatch{
				FilePath:   path,
				LineNumber: lineNum + 1,
				Match:      line,
				Context:    buildSearchContext(lines, lineNum, 3),
			})
			if len(matches) >= maxMatches {
				break
			}
		}
	}
	return matches, nil
}

func buildSearchContext(lines []string, matchIdx, contextLines int) string {
	start := matchIdx - contextLines
	if start < 0 {
		start = 0
	}
	end := matchIdx + contextLines + 1
	if end > len(lines) {
		end = len(lines)
	}
	var sb strings.Builder
	for i := start; i < end; i++ {
		prefix := "  "
		if i == matchIdx {
			prefix = "> "
		}
		sb.WriteString(fmt.Sprintf("%s%d: %s\n", prefix, i+1, lines[i]))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatSearchResults(matches []SearchMatch, truncated bool) string {
	var sb strings.Builder
	for i, m := range matches {
		if i > 0 {
			sb.WriteString("\n---\n")
		}
		sb.WriteString(fmt.Sprintf("%s:%d\n", m.FilePath, m.LineNumber))
		sb.WriteString(m.Context)
		sb.WriteString("\n")
	}
	if truncated {
		sb.WriteString("\n[Results truncated at limit]")
	}
	return sb.String()
}
