package cmd

import (
	"github.com/codecrew/guildcore/internal/llm"
	"github.com/codecrew/guildcore/internal/search"
)

func defaultToolRegistry() *llm.ToolRegistry {
	registry := llm.NewToolRegistry()
	registry.Register(llm.NewWebSearchTool(search.NewDuckDuckGoLite(nil)))
	registry.Register(llm.NewReadURLTool())
	return registry
}
