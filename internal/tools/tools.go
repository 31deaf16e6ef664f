// Package tools binds the static tool manifest to callable implementations
// and validates inputs against the declared JSON schemas before dispatch.
package tools

import (
	"context"

	"github.com/okcvm/okcvm/internal/manifest"
	"github.com/okcvm/okcvm/internal/workspace"
)

// Result is the standardised container for tool call results.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Tool is a single callable bound to a manifest entry.
type Tool interface {
	Name() string
	Spec() manifest.ToolSpec
	Invoke(ctx context.Context, input map[string]any) (*Result, error)
}

// Builder constructs a concrete tool for a manifest entry. The workspace is
// nil for tools that do not require one.
type Builder func(spec manifest.ToolSpec, ws *workspace.Manager) Tool

// base carries the manifest spec shared by all implementations.
type base struct {
	spec manifest.ToolSpec
}

func (b base) Name() string            { return b.spec.Name }
func (b base) Spec() manifest.ToolSpec { return b.spec }

func stringArg(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func boolArg(input map[string]any, key string) bool {
	if v, ok := input[key].(bool); ok {
		return v
	}
	return false
}

func intArg(input map[string]any, key string) (int, bool) {
	switch v := input[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
