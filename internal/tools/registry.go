package tools

import (
	"github.com/codecrew/guildcore/internal/llm"
)

// NewEngine builds a ready-to-use Executor wired to the six built-in tools,
// sharing one ToolContext between them. This resolves the construction-order
// cycle where read_file needs the same ToolContext the Executor queries for
// staleness, but the Executor's Registry field can only be populated once
// the tools themselves exist.
func NewEngine(perm *PermissionManager, limits OutputLimits) (*Executor, error) {
	toolCtx := NewToolContext()
	registry := NewBuiltinRegistry(toolCtx, limits)
	exec := NewExecutorWithContext(registry, perm, toolCtx)
	if err := CompileBuiltinSchemas(exec, registry); err != nil {
		return nil, err
	}
	return exec, nil
}

// NewBuiltinRegistry builds an llm.ToolRegistry containing the six built-in
// tools (read_file, list_directory, search_files, write_file, edit_file,
// execute_command). Call CompileBuiltinSchemas afterward, once an Executor
// exists, to wire up argument validation.
func NewBuiltinRegistry(toolCtx *ToolContext, limits OutputLimits) *llm.ToolRegistry {
	registry := llm.NewToolRegistry()
	for _, tool := range []llm.Tool{
		NewReadFileTool(limits, toolCtx),
		NewListDirectoryTool(1000),
		NewSearchFilesTool(limits),
		NewWriteFileTool(),
		NewEditFileTool(),
		NewExecuteCommandTool(limits),
	} {
		registry.Register(tool)
	}
	return registry
}

// CompileBuiltinSchemas compiles each built-in tool's argument schema into
// exec for validation ahead of execution.
func CompileBuiltinSchemas(exec *Executor, registry *llm.ToolRegistry) error {
	for _, name := range AllToolNames() {
		tool, ok := registry.Get(name)
		if !ok {
			continue
		}
		spec := tool.Spec()
		if err := exec.CompileSchema(spec.Name, spec.Schema); err != nil {
			return err
		}
	}
	return nil
}
