package agent

import (
	"context"
	"fmt"

	"github.com/nidhogg/skill-collator/internal/provider"
)

// ToolHandler executes a tool call for one session and returns the result
// as a JSON string.
type ToolHandler func(ctx context.Context, s *Session, args string) (string, error)

// ToolRegistry holds available tools and their handlers.
type ToolRegistry struct {
	defs     []provider.Tool
	handlers map[string]ToolHandler
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds a tool definition and its handler.
func (r *ToolRegistry) Register(def provider.Tool, handler ToolHandler) {
	r.defs = append(r.defs, def)
	r.handlers[def.Function.Name] = handler
}

// Definitions returns the definitions of the named tools in registration
// order. With no names it returns every tool.
func (r *ToolRegistry) Definitions(names ...string) []provider.Tool {
	if len(names) == 0 {
		return r.defs
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []provider.Tool
	for _, d := range r.defs {
		if want[d.Function.Name] {
			out = append(out, d)
		}
	}
	return out
}

// Execute runs a tool by name with the given JSON arguments.
func (r *ToolRegistry) Execute(ctx context.Context, s *Session, name, args string) (string, error) {
	h, ok := r.handlers[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return h(ctx, s, args)
}
