// Package manifest loads the static tool manifest and system prompt that
// define the agent's contract. Both are embedded so the binary is
// self-contained.
package manifest

import (
	"embed"
	"encoding/json"
	"fmt"
	"sync"
)

//go:embed assets/tools.json assets/system_prompt.md
var assets embed.FS

// Legacy mount constants. The system prompt and tool schemas are written
// against this fixed mount; WorkspaceManager.AdaptPrompt rewrites them to
// the session's actual mount at runtime.
const (
	LegacyMountPrefix  = "/mnt/okcomputer/"
	LegacyOutputPrefix = "/mnt/okcomputer/output/"
)

// ToolSpec describes one tool contract from the manifest.
type ToolSpec struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	InputSchema       json.RawMessage `json:"input_schema"`
	RequiresWorkspace bool            `json:"requires_workspace"`
}

type toolManifest struct {
	Functions []ToolSpec `json:"functions"`
}

var (
	loadOnce   sync.Once
	loadedSpec []ToolSpec
	loadedErr  error
)

// LoadToolSpecs returns the tool specifications in manifest order.
// The order is stable across calls and restarts.
func LoadToolSpecs() ([]ToolSpec, error) {
	loadOnce.Do(func() {
		data, err := assets.ReadFile("assets/tools.json")
		if err != nil {
			loadedErr = fmt.Errorf("failed to read tool manifest: %w", err)
			return
		}
		var parsed toolManifest
		if err := json.Unmarshal(data, &parsed); err != nil {
			loadedErr = fmt.Errorf("failed to parse tool manifest: %w", err)
			return
		}
		loadedSpec = parsed.Functions
	})
	if loadedErr != nil {
		return nil, loadedErr
	}
	specs := make([]ToolSpec, len(loadedSpec))
	copy(specs, loadedSpec)
	return specs, nil
}

// LoadSystemPrompt returns the canonical system prompt, still referencing
// the legacy mount paths.
func LoadSystemPrompt() (string, error) {
	data, err := assets.ReadFile("assets/system_prompt.md")
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}
	return string(data), nil
}
