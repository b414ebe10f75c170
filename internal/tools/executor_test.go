package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/codecrew/guildcore/internal/llm"
)

// panicTool always panics, to exercise executeSafe's recovery.
type panicTool struct{}

func (panicTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: "panic_tool", Schema: map[string]interface{}{"type": "object"}}
}
func (panicTool) Preview(json.RawMessage) string { return "" }
func (panicTool) Execute(context.Context, json.RawMessage) (llm.ToolOutput, error) {
	panic("boom")
}

// slowTool sleeps briefly before returning its call index, to verify
// order-preserving reassembly when goroutines finish out of order.
type slowTool struct {
	delay func(args json.RawMessage) time.Duration
}

func (slowTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: "slow_tool", Schema: map[string]interface{}{"type": "object"}}
}
func (slowTool) Preview(json.RawMessage) string { return "" }
func (t slowTool) Execute(ctx context.Context, args json.RawMessage) (llm.ToolOutput, error) {
	time.Sleep(t.delay(args))
	return llm.TextOutput(string(args)), nil
}
func (slowTool) ParallelSafe() bool { return true }

func newTestExecutor(extra ...llm.Tool) *Executor {
	registry := llm.NewToolRegistry()
	for _, tool := range extra {
		registry.Register(tool)
	}
	perm := NewPermissionManager(Dangerous) // auto-approve everything for these tests
	return NewExecutor(registry, perm)
}

func TestExecutor_UnknownToolReturnsError(t *testing.T) {
	exec := newTestExecutor()
	results := exec.ExecuteBatch(context.Background(), []llm.ToolCall{
		{ID: "1", Name: "does_not_exist", Arguments: json.RawMessage(`{}`)},
	})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Err == nil {
		t.Fatalf("expected error for unregistered tool")
	}
}

func TestExecutor_PanicIsRecovered(t *testing.T) {
	exec := newTestExecutor(panicTool{})
	results := exec.ExecuteBatch(context.Background(), []llm.ToolCall{
		{ID: "1", Name: "panic_tool", Arguments: json.RawMessage(`{}`)},
	})
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected recovered panic to surface as an error, got %+v", results)
	}
}

func TestExecutor_PreservesOriginalCallOrder(t *testing.T) {
	tool := slowTool{delay: func(args json.RawMessage) time.Duration {
		var a struct{ N int }
		json.Unmarshal(args, &a)
		// Later calls finish first, to prove reassembly isn't finish-order.
		return time.Duration(5-a.N) * time.Millisecond
	}}
	exec := newTestExecutor(tool)

	var calls []llm.ToolCall
	for i := 1; i <= 4; i++ {
		calls = append(calls, llm.ToolCall{
			ID:        fmt.Sprintf("call-%d", i),
			Name:      "slow_tool",
			Arguments: json.RawMessage(fmt.Sprintf(`{"N":%d}`, i)),
		})
	}

	results := exec.ExecuteBatch(context.Background(), calls)
	if len(results) != len(calls) {
		t.Fatalf("expected %d results, got %d", len(calls), len(results))
	}
	for i, r := range results {
		if r.CallID != calls[i].ID {
			t.Fatalf("result %d out of order: got CallID %s, want %s", i, r.CallID, calls[i].ID)
		}
	}
}

func TestExecutor_SchemaValidationRejectsBadArgs(t *testing.T) {
	registry := llm.NewToolRegistry()
	registry.Register(panicTool{}) // schema only requires object type, won't reject
	perm := NewPermissionManager(Dangerous)
	exec := NewExecutor(registry, perm)

	err := exec.CompileSchema("needs_field", map[string]interface{}{
		"type":                 "object",
		"required":             []string{"path"},
		"properties":           map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		"additionalProperties": false,
	})
	if err != nil {
		t.Fatalf("unexpected schema compile error: %v", err)
	}

	registry.Register(stubTool{name: "needs_field"})
	results := exec.ExecuteBatch(context.Background(), []llm.ToolCall{
		{ID: "1", Name: "needs_field", Arguments: json.RawMessage(`{}`)},
	})
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected schema validation failure, got %+v", results)
	}
}

func TestExecutor_DeniedPermissionBlocksExecution(t *testing.T) {
	registry := llm.NewToolRegistry()
	registry.Register(stubTool{name: WriteFileToolName})
	perm := NewPermissionManager(Safe) // Cautious tools denied with no callback
	exec := NewExecutor(registry, perm)

	results := exec.ExecuteBatch(context.Background(), []llm.ToolCall{
		{ID: "1", Name: WriteFileToolName, Arguments: json.RawMessage(`{"file_path":"/tmp/x"}`)},
	})
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected permission denial, got %+v", results)
	}
}

func TestExecutor_RecordsModificationOnSuccessfulWrite(t *testing.T) {
	registry := llm.NewToolRegistry()
	registry.Register(stubTool{name: WriteFileToolName})
	perm := NewPermissionManager(Dangerous)
	exec := NewExecutor(registry, perm)

	exec.ExecuteBatch(context.Background(), []llm.ToolCall{
		{ID: "1", Name: WriteFileToolName, Arguments: json.RawMessage(`{"file_path":"/tmp/recorded.txt"}`)},
	})

	if !exec.Context().WasFileModified("/tmp/recorded.txt") {
		t.Fatalf("expected executor to record the modification centrally")
	}
}

// stubTool is a minimal llm.Tool for executor-level tests that don't need
// real file I/O.
type stubTool struct{ name string }

func (s stubTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: s.name, Schema: map[string]interface{}{"type": "object"}}
}
func (s stubTool) Preview(json.RawMessage) string { return s.name }
func (s stubTool) Execute(context.Context, json.RawMessage) (llm.ToolOutput, error) {
	return llm.TextOutput("ok"), nil
}

// flakyTool fails for the first N calls, then succeeds.
type flakyTool struct{ failuresLeft *int }

func (flakyTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: "flaky_tool", Schema: map[string]interface{}{"type": "object"}}
}
func (flakyTool) Preview(json.RawMessage) string { return "" }
func (t flakyTool) Execute(context.Context, json.RawMessage) (llm.ToolOutput, error) {
	if *t.failuresLeft > 0 {
		*t.failuresLeft--
		return llm.ToolOutput{}, fmt.Errorf("temporarily unavailable")
	}
	return llm.TextOutput("recovered"), nil
}

func TestExecutor_ExecuteWithRetry_SucceedsAfterFailures(t *testing.T) {
	failures := 2
	exec := newTestExecutor(flakyTool{failuresLeft: &failures})

	result := exec.ExecuteWithRetry(context.Background(), llm.ToolCall{ID: "1", Name: "flaky_tool", Arguments: json.RawMessage(`{}`)}, 2, time.Millisecond)
	if result.Err != nil {
		t.Fatalf("expected retry to eventually succeed, got %v", result.Err)
	}
	if result.Output.Content != "recovered" {
		t.Fatalf("got %q", result.Output.Content)
	}
}

func TestExecutor_ExecuteWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	failures := 100
	exec := newTestExecutor(flakyTool{failuresLeft: &failures})

	result := exec.ExecuteWithRetry(context.Background(), llm.ToolCall{ID: "1", Name: "flaky_tool", Arguments: json.RawMessage(`{}`)}, 2, time.Millisecond)
	if result.Err == nil {
		t.Fatalf("expected failure to persist past max retries")
	}
}

func TestFormatErrorForModel_IncludesToolNameAndHint(t *testing.T) {
	msg := FormatErrorForModel("read_file", NewToolError(ErrFileNotFound, "file not found: x.go"))
	if !strings.Contains(msg, "Tool: read_file") {
		t.Fatalf("expected tool name in message, got %q", msg)
	}
	if !strings.Contains(msg, "Hint:") {
		t.Fatalf("expected a hint for a 'not found' style error, got %q", msg)
	}
}
