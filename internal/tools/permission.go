package tools

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// PermissionDeniedError is returned (wrapped in a ToolError) when a tool is
// blocked outright.
type PermissionDeniedError struct {
	ToolName      string
	Reason        string
	RequiredLevel PermissionLevel
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied for tool %q: %s", e.ToolName, e.Reason)
}

// PermissionManager gates tool execution: blocked tools never run, safe
// tools never prompt, everything else is auto-approved up to a configured
// threshold or remembered once the operator grants it for the session.
type PermissionManager struct {
	mu sync.Mutex

	AutoApprove      bool
	AutoApproveLevel PermissionLevel
	Confirm          ConfirmationCallback

	overrides      map[string]PermissionLevel
	sessionGrants  map[string]bool
	blocked        map[string]bool
	logger         *slog.Logger
}

// ConfirmationCallback asks the operator whether to allow a pending
// Cautious/Dangerous tool call.
type ConfirmationCallback func(PermissionRequest) ConfirmOutcome

// PermissionRequest describes a pending confirmation.
type PermissionRequest struct {
	ToolName    string
	Arguments   json.RawMessage
	Level       PermissionLevel
	Description string
}

// NewPermissionManager builds a manager with the given auto-approve
// threshold (Safe is the conservative default).
func NewPermissionManager(autoApproveLevel PermissionLevel) *PermissionManager {
	return &PermissionManager{
		AutoApproveLevel: autoApproveLevel,
		overrides:        make(map[string]PermissionLevel),
		sessionGrants:    make(map[string]bool),
		blocked:          make(map[string]bool),
		logger:           slog.Default(),
	}
}

func (m *PermissionManager) SetLogger(l *slog.Logger) { m.logger = l }

func (m *PermissionManager) BlockTool(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[name] = true
	delete(m.sessionGrants, name)
}

func (m *PermissionManager) UnblockTool(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, name)
}

func (m *PermissionManager) IsBlocked(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[name]
}

func (m *PermissionManager) SetToolOverride(name string, level PermissionLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[name] = level
}

func (m *PermissionManager) effectiveLevel(name string, defaultLevel PermissionLevel) PermissionLevel {
	if override, ok := m.overrides[name]; ok {
		return override
	}
	return defaultLevel
}

func (m *PermissionManager) GrantSession(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionGrants[name] = true
}

func (m *PermissionManager) HasSessionGrant(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionGrants[name]
}

func (m *PermissionManager) ClearSessionGrants() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionGrants = make(map[string]bool)
}

// Check decides whether a tool call may proceed. It blocks outright-blocked
// tools, auto-approves up to AutoApproveLevel or AutoApprove=true, honors
// prior session grants, and otherwise asks Confirm — denying by default if
// no callback is set, since an unattended engine must fail closed.
func (m *PermissionManager) Check(name string, args json.RawMessage, defaultLevel PermissionLevel, description string) (bool, error) {
	m.mu.Lock()
	blocked := m.blocked[name]
	m.mu.Unlock()

	if blocked {
		return false, &PermissionDeniedError{ToolName: name, Reason: "tool is blocked", RequiredLevel: Blocked}
	}

	level := m.effectiveLevel(name, defaultLevel)

	if m.AutoApprove {
		return true, nil
	}
	if level <= m.AutoApproveLevel {
		return true, nil
	}
	if m.HasSessionGrant(name) {
		return true, nil
	}
	if m.Confirm == nil {
		m.logger.Warn("no confirmation callback set, denying by default", "tool", name)
		return false, nil
	}

	req := PermissionRequest{ToolName: name, Arguments: args, Level: level, Description: description}
	switch m.Confirm(req) {
	case Cancel:
		m.logger.Info("permission denied by operator", "tool", name)
		return false, nil
	case ProceedAlways:
		m.GrantSession(name)
		m.logger.Info("permission granted for session", "tool", name)
		return true, nil
	default: // ProceedOnce
		m.logger.Info("permission granted once", "tool", name)
		return true, nil
	}
}
