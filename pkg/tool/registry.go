package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/steward-ai/steward/pkg/llm"
)

// Registry keeps the mapping between tool names and implementations.
// It is an explicit instance passed into the orchestrator, never a
// package-level singleton, and is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register inserts a tool. Registering a name twice is an error; call
// Unregister first to replace a tool.
func (r *Registry) Register(t *Tool) error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}
	if t.Name == "" {
		return fmt.Errorf("tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return &DuplicateToolError{ToolName: t.Name}
	}
	r.tools[t.Name] = t
	return nil
}

// Get fetches a tool by name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tools[name]
	if !exists {
		return nil, &UnknownToolError{ToolName: name}
	}
	return t, nil
}

// All returns every registered tool, sorted by name. subjectID is an
// extension point for per-subject tool sets; the base registry returns
// the full set regardless of subject.
func (r *Registry) All(subjectID string) []*Tool {
	_ = subjectID

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByCategory returns the tools in a category, sorted by name.
func (r *Registry) ByCategory(category string) []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Tool
	for _, t := range r.tools {
		if t.Category == category {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unregister removes a tool by name. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Clear removes all tools.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]*Tool)
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Schemas returns the wire-format declarations for a chat request,
// sorted by tool name for a stable prompt.
func (r *Registry) Schemas(subjectID string) []llm.ToolSchema {
	tools := r.All(subjectID)
	out := make([]llm.ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Schema())
	}
	return out
}
