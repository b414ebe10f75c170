package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestExecuteCommandTool_CapturesStdoutAndExitCode(t *testing.T) {
	tool := NewExecuteCommandTool(DefaultOutputLimits)
	tool.shellPath = "/bin/sh"

	args, _ := json.Marshal(ExecuteCommandArgs{Command: "echo hello"})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsError {
		t.Fatalf("unexpected tool error: %s", out.Content)
	}
	if !strings.Contains(out.Content, "hello") {
		t.Fatalf("expected output to contain stdout, got %q", out.Content)
	}
	if !strings.Contains(out.Content, "exit_code: 0") {
		t.Fatalf("expected exit_code: 0, got %q", out.Content)
	}
}

func TestExecuteCommandTool_NonZeroExitCodeIsNotAnError(t *testing.T) {
	tool := NewExecuteCommandTool(DefaultOutputLimits)
	tool.shellPath = "/bin/sh"

	args, _ := json.Marshal(ExecuteCommandArgs{Command: "exit 7"})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsError {
		t.Fatalf("a nonzero exit code should be reported as text, not an error output")
	}
	if !strings.Contains(out.Content, "exit_code: 7") {
		t.Fatalf("expected exit_code: 7, got %q", out.Content)
	}
}

func TestExecuteCommandTool_TimeoutIsReportedAsError(t *testing.T) {
	tool := NewExecuteCommandTool(DefaultOutputLimits)
	tool.shellPath = "/bin/sh"

	args, _ := json.Marshal(ExecuteCommandArgs{Command: "sleep 5", TimeoutSeconds: 1})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatalf("expected timeout to be reported as an error output")
	}
	if !strings.Contains(out.Content, "timed out") {
		t.Fatalf("expected timeout message, got %q", out.Content)
	}
}

func TestExecuteCommandTool_EnvOverridesAreVisibleToCommand(t *testing.T) {
	tool := NewExecuteCommandTool(DefaultOutputLimits)
	tool.shellPath = "/bin/sh"

	args, _ := json.Marshal(ExecuteCommandArgs{Command: "echo $FOO", Env: EnvMap{"FOO": "bar"}})
	out, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.Content, "bar") {
		t.Fatalf("expected env override to be visible, got %q", out.Content)
	}
}

func TestExecuteCommandTool_MissingCommandRejected(t *testing.T) {
	tool := NewExecuteCommandTool(DefaultOutputLimits)
	out, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatalf("expected error for missing command")
	}
}

func TestEnvMap_UnmarshalsObjectAndArrayForms(t *testing.T) {
	var objForm EnvMap
	if err := json.Unmarshal([]byte(`{"A":"1","B":"2"}`), &objForm); err != nil {
		t.Fatalf("unexpected error unmarshaling object form: %v", err)
	}
	if objForm["A"] != "1" || objForm["B"] != "2" {
		t.Fatalf("unexpected object form result: %+v", objForm)
	}

	var arrForm EnvMap
	if err := json.Unmarshal([]byte(`[{"key":"A","value":"1"},{"key":"B","value":"2"}]`), &arrForm); err != nil {
		t.Fatalf("unexpected error unmarshaling array form: %v", err)
	}
	if arrForm["A"] != "1" || arrForm["B"] != "2" {
		t.Fatalf("unexpected array form result: %+v", arrForm)
	}
}
