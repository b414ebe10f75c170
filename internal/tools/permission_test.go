package tools

import (
	"encoding/json"
	"testing"
)

func TestPermissionManager_AutoApproveLevel(t *testing.T) {
	m := NewPermissionManager(Safe)
	allowed, err := m.Check(ReadFileToolName, json.RawMessage(`{}`), Safe, "")
	if err != nil || !allowed {
		t.Fatalf("expected safe tool auto-approved, got allowed=%v err=%v", allowed, err)
	}

	allowed, err = m.Check(WriteFileToolName, json.RawMessage(`{}`), Cautious, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected cautious tool denied by default with no callback")
	}
}

func TestPermissionManager_BlockedToolAlwaysDenied(t *testing.T) {
	m := NewPermissionManager(Dangerous)
	m.BlockTool(ExecuteCommandToolName)

	allowed, err := m.Check(ExecuteCommandToolName, json.RawMessage(`{}`), Dangerous, "")
	if allowed {
		t.Fatalf("expected blocked tool denied")
	}
	var pde *PermissionDeniedError
	if err == nil {
		t.Fatalf("expected PermissionDeniedError")
	}
	if _, ok := err.(*PermissionDeniedError); !ok {
		t.Fatalf("expected *PermissionDeniedError, got %T", err)
	}
	_ = pde
}

func TestPermissionManager_ConfirmCallback(t *testing.T) {
	m := NewPermissionManager(Safe)
	calls := 0
	m.Confirm = func(req PermissionRequest) ConfirmOutcome {
		calls++
		if req.ToolName != WriteFileToolName {
			t.Errorf("unexpected tool name %q", req.ToolName)
		}
		return ProceedAlways
	}

	allowed, err := m.Check(WriteFileToolName, json.RawMessage(`{}`), Cautious, "preview")
	if err != nil || !allowed {
		t.Fatalf("expected approved, got allowed=%v err=%v", allowed, err)
	}
	if calls != 1 {
		t.Fatalf("expected Confirm called once, got %d", calls)
	}

	// Second call should be auto-approved via session grant, without asking again.
	allowed, err = m.Check(WriteFileToolName, json.RawMessage(`{}`), Cautious, "preview")
	if err != nil || !allowed {
		t.Fatalf("expected session-granted approval, got allowed=%v err=%v", allowed, err)
	}
	if calls != 1 {
		t.Fatalf("expected Confirm not called again, got %d calls", calls)
	}
}

func TestPermissionManager_ConfirmCancel(t *testing.T) {
	m := NewPermissionManager(Safe)
	m.Confirm = func(req PermissionRequest) ConfirmOutcome { return Cancel }

	allowed, err := m.Check(WriteFileToolName, json.RawMessage(`{}`), Cautious, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected cancel to deny")
	}
}

func TestPermissionManager_ToolOverride(t *testing.T) {
	m := NewPermissionManager(Cautious)
	m.SetToolOverride(ExecuteCommandToolName, Safe)

	allowed, err := m.Check(ExecuteCommandToolName, json.RawMessage(`{}`), Dangerous, "")
	if err != nil || !allowed {
		t.Fatalf("expected override to safe to auto-approve, got allowed=%v err=%v", allowed, err)
	}
}
