// Package tool provides the capability registry and the guarded
// execution path (retry, then fallback) for model-requested tool calls.
package tool

import (
	"context"
	"fmt"

	"github.com/steward-ai/steward/pkg/llm"
)

// Handler executes a tool call. Handlers must be idempotent-safe enough
// to retry, or detect duplicate side effects internally; the execution
// layer does not enforce this.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a named, schema-described capability the model may request.
// A Tool is immutable after registration for the lifetime of the
// registry (or until explicit unregistration).
type Tool struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any

	// Category groups related tools for filtered lookups.
	Category string

	// RateLimit is the caller-enforced max invocations per minute.
	// Zero means unlimited. Recorded, not enforced by the registry.
	RateLimit int

	// RequiresAuth marks tools the surrounding application must gate
	// behind an authenticated subject.
	RequiresAuth bool

	Handler Handler
}

// Schema returns the wire-format declaration sent to the model.
func (t *Tool) Schema() llm.ToolSchema {
	return llm.NewToolSchema(t.Name, t.Description, t.Parameters)
}

// UnknownToolError is returned when a tool call targets a name absent
// from the registry. This is a capability mismatch, not a transient
// failure: callers must not retry it.
type UnknownToolError struct {
	ToolName string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.ToolName)
}

// DuplicateToolError is returned when a registration reuses a name.
type DuplicateToolError struct {
	ToolName string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.ToolName)
}
