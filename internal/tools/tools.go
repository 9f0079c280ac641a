// Package tools defines the functions the agent may call and the web search
// tool backed by Tavily.
package tools

import (
	"context"
	"fmt"

	"github.com/tjfontaine/polyglot-chat-backend/internal/llm"
)

// Tool is a function exposed to the model.
type Tool interface {
	Name() string
	Definition() llm.Tool
	// Call runs the tool with the model's decoded arguments and returns the
	// content of the resulting tool message.
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Registry resolves tools by name.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry builds a registry; later tools with a duplicate name replace earlier ones.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if _, exists := r.tools[t.Name()]; !exists {
			r.order = append(r.order, t.Name())
		}
		r.tools[t.Name()] = t
	}
	return r
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	if r != nil {
		if t, ok := r.tools[name]; ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("unknown tool %q", name)
}

// Definitions returns the tool declarations sent to the model, in registration order.
func (r *Registry) Definitions() []llm.Tool {
	if r == nil {
		return nil
	}
	defs := make([]llm.Tool, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}
