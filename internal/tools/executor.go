package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/codecrew/guildcore/internal/llm"
)

// parallelSafeTools is the well-known read-only set that may run
// concurrently with its siblings even without an explicit registry flag.
var parallelSafeTools = map[string]bool{
	ReadFileToolName:      true,
	ListDirectoryToolName: true,
	SearchFilesToolName:   true,
}

// ParallelSafe is an optional interface a Tool can implement to mark
// itself safe for concurrent execution alongside other tool calls in the
// same turn, beyond the well-known read-only set.
type ParallelSafe interface {
	ParallelSafe() bool
}

// ExecutionResult is the outcome of running one tool call.
type ExecutionResult struct {
	CallID        string
	ToolName      string
	Output        llm.ToolOutput
	Err           error
	ExecutionTime time.Duration
}

// ToolResult converts an ExecutionResult to the wire-level llm.ToolResult.
func (r ExecutionResult) ToolResult() llm.ToolResult {
	if r.Err != nil {
		return llm.ToolResult{ID: r.CallID, Name: r.ToolName, Content: FormatErrorForModel(r.ToolName, r.Err), IsError: true}
	}
	return llm.ToolResult{ID: r.CallID, Name: r.ToolName, Content: r.Output.Content, IsError: r.Output.IsError}
}

// Executor validates arguments, checks permissions, and runs tool calls —
// read-only calls concurrently, everything else in call order — then
// reassembles results to match the original call order.
type Executor struct {
	Registry   *llm.ToolRegistry
	Permission *PermissionManager
	Schemas    map[string]*jsonschema.Schema // compiled per tool name, optional
	Timeout    time.Duration
	Logger     *slog.Logger

	mu      sync.Mutex
	context *ToolContext
}

// NewExecutor builds an Executor over a registry and permission manager,
// tracking modifications/reads in a fresh ToolContext.
func NewExecutor(registry *llm.ToolRegistry, perm *PermissionManager) *Executor {
	return NewExecutorWithContext(registry, perm, NewToolContext())
}

// NewExecutorWithContext builds an Executor sharing an existing ToolContext —
// used when a tool (e.g. read_file) must record into the same tracker the
// Executor itself queries, since tool construction has to happen before the
// Executor's Registry field is populated.
func NewExecutorWithContext(registry *llm.ToolRegistry, perm *PermissionManager, toolCtx *ToolContext) *Executor {
	return &Executor{
		Registry:   registry,
		Permission: perm,
		Schemas:    make(map[string]*jsonschema.Schema),
		Timeout:    2 * time.Minute,
		Logger:     slog.Default(),
		context:    toolCtx,
	}
}

// Context returns the session-scoped modification tracker.
func (e *Executor) Context() *ToolContext { return e.context }

// CompileSchema registers a JSON Schema for argument validation ahead of
// execution; tools without a registered schema skip validation.
func (e *Executor) CompileSchema(toolName string, schema map[string]interface{}) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", toolName, err)
	}
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(toolName+".json", decoded); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", toolName, err)
	}
	compiled, err := c.Compile(toolName + ".json")
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", toolName, err)
	}
	e.mu.Lock()
	e.Schemas[toolName] = compiled
	e.mu.Unlock()
	return nil
}

// ExecuteBatch runs a turn's tool calls: the well-known read-only set (plus
// anything a Tool marks ParallelSafe) runs concurrently, the remainder runs
// sequentially in original order, and results are reassembled to match the
// original call order regardless of which group finished first.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []llm.ToolCall) []ExecutionResult {
	if len(calls) == 0 {
		return nil
	}
	if len(calls) == 1 {
		return []ExecutionResult{e.execute(ctx, calls[0])}
	}

	parallel, sequential := e.classify(calls)

	byID := make(map[string]ExecutionResult, len(calls))
	var mu sync.Mutex

	if len(parallel) > 0 {
		var wg sync.WaitGroup
		for _, call := range parallel {
			wg.Add(1)
			go func(c llm.ToolCall) {
				defer wg.Done()
				r := e.executeSafe(ctx, c)
				mu.Lock()
				byID[c.ID] = r
				mu.Unlock()
			}(call)
		}
		wg.Wait()
	}

	for _, call := range sequential {
		r := e.executeSafe(ctx, call)
		byID[call.ID] = r
	}

	results := make([]ExecutionResult, 0, len(calls))
	for _, call := range calls {
		if r, ok := byID[call.ID]; ok {
			results = append(results, r)
		}
	}
	return results
}

func (e *Executor) classify(calls []llm.ToolCall) (parallel, sequential []llm.ToolCall) {
	for _, call := range calls {
		safe := parallelSafeTools[call.Name]
		if !safe {
			if tool, ok := e.Registry.Get(call.Name); ok {
				if ps, ok := tool.(ParallelSafe); ok {
					safe = ps.ParallelSafe()
				}
			}
		}
		if safe {
			parallel = append(parallel, call)
		} else {
			sequential = append(sequential, call)
		}
	}
	return parallel, sequential
}

// executeSafe wraps execute with panic recovery so one misbehaving tool
// can't bring down the whole turn.
func (e *Executor) executeSafe(ctx context.Context, call llm.ToolCall) (result ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = ExecutionResult{
				CallID:   call.ID,
				ToolName: call.Name,
				Err:      fmt.Errorf("tool %s panicked: %v", call.Name, r),
			}
		}
	}()
	return e.execute(ctx, call)
}

func (e *Executor) execute(ctx context.Context, call llm.ToolCall) ExecutionResult {
	start := time.Now()

	tool, ok := e.Registry.Get(call.Name)
	if !ok {
		return ExecutionResult{CallID: call.ID, ToolName: call.Name, Err: NewToolError(ErrNotFound, "tool not registered: "+call.Name)}
	}

	if err := e.validateArgs(call); err != nil {
		return ExecutionResult{CallID: call.ID, ToolName: call.Name, Err: err}
	}

	level := DefaultPermissionLevel(call.Name)
	allowed, err := e.Permission.Check(call.Name, call.Arguments, level, tool.Preview(call.Arguments))
	if err != nil {
		return ExecutionResult{CallID: call.ID, ToolName: call.Name, Err: err}
	}
	if !allowed {
		return ExecutionResult{CallID: call.ID, ToolName: call.Name, Err: NewToolErrorf(ErrPermissionDenied, "denied: %s", call.Name)}
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if e.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	output, execErr := tool.Execute(execCtx, call.Arguments)
	elapsed := time.Since(start)

	if execErr == nil {
		e.recordModification(call)
	}

	return ExecutionResult{
		CallID:        call.ID,
		ToolName:      call.Name,
		Output:        output,
		Err:           execErr,
		ExecutionTime: elapsed,
	}
}

// ExecuteWithRetry runs a single tool call, retrying on failure with a
// linear backoff (2 retries, 500ms/attempt) before giving up and returning
// the last result. Intended for contributor-step calls the engine judges
// worth a second try (e.g. a flaky execute_command) rather than the default
// single-shot ExecuteBatch path.
func (e *Executor) ExecuteWithRetry(ctx context.Context, call llm.ToolCall, maxRetries int, baseDelay time.Duration) ExecutionResult {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	var result ExecutionResult
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result = e.executeSafe(ctx, call)
		if result.Err == nil {
			return result
		}
		if attempt == maxRetries || ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(baseDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return result
		}
	}
	return result
}

// errorHints maps a substring of a tool error's message (checked in order,
// case-insensitively) to a short suggestion appended for the model.
var errorHints = []struct {
	substr string
	hint   string
}{
	{"not found", "Check the path or tool name and try again."},
	{"permission", "This action requires a different permission level or user approval."},
	{"denied", "This action requires a different permission level or user approval."},
	{"timeout", "The operation took too long; consider a narrower scope or longer timeout."},
	{"validation", "Review the argument schema and correct the invalid fields."},
	{"invalid", "Review the argument schema and correct the invalid fields."},
	{"encoding", "The target file may be binary; this tool only handles text content."},
	{"decode", "The target file may be binary; this tool only handles text content."},
	{"connection", "A network or subprocess connection failed; retrying may help."},
	{"network", "A network or subprocess connection failed; retrying may help."},
}

// FormatErrorForModel renders a tool failure as plain text suitable for
// feeding back to the model as a tool result: the error message, the tool
// name, and a best-effort hint keyed off the error text.
func FormatErrorForModel(toolName string, err error) string {
	msg := err.Error()
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\nTool: %s", msg, toolName)
	lower := strings.ToLower(msg)
	for _, h := range errorHints {
		if strings.Contains(lower, h.substr) {
			fmt.Fprintf(&b, "\nHint: %s", h.hint)
			break
		}
	}
	return b.String()
}

func (e *Executor) validateArgs(call llm.ToolCall) error {
	e.mu.Lock()
	schema, ok := e.Schemas[call.Name]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	var decoded interface{}
	if len(call.Arguments) == 0 {
		decoded = map[string]interface{}{}
	} else if err := json.Unmarshal(call.Arguments, &decoded); err != nil {
		return NewToolErrorf(ErrInvalidParams, "invalid JSON arguments: %v", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return NewToolErrorf(ErrSchemaValidation, "argument validation failed: %v", err)
	}
	return nil
}

func (e *Executor) recordModification(call llm.ToolCall) {
	if call.Name != WriteFileToolName && call.Name != EditFileToolName {
		return
	}
	var args struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args.FilePath == "" {
		return
	}
	op := "write"
	if call.Name == EditFileToolName {
		op = "edit"
	}
	e.context.RecordModification(args.FilePath, op)
}
