package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/okcvm/okcvm/internal/common/errors"
	"github.com/okcvm/okcvm/internal/manifest"
	"github.com/okcvm/okcvm/internal/workspace"
)

func newTestRegistry(t *testing.T) (*Registry, *workspace.Manager) {
	t.Helper()
	ws, err := workspace.NewManager(workspace.Options{BaseDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = ws.Cleanup() })

	registry, err := NewRegistry(ws, nil)
	require.NoError(t, err)
	return registry, ws
}

func TestRegistryBindsEveryManifestEntry(t *testing.T) {
	registry, _ := newTestRegistry(t)

	specs := registry.List()
	require.NotEmpty(t, specs)
	for _, spec := range specs {
		assert.True(t, registry.Has(spec.Name), "tool %s has no binding", spec.Name)
	}
}

func TestRegistryListKeepsManifestOrder(t *testing.T) {
	registry, _ := newTestRegistry(t)

	specs, err := manifest.LoadToolSpecs()
	require.NoError(t, err)

	listed := registry.List()
	require.Equal(t, len(specs), len(listed))
	for i := range specs {
		assert.Equal(t, specs[i].Name, listed[i].Name)
	}
}

func TestRegistryAsLLMTools(t *testing.T) {
	registry, _ := newTestRegistry(t)

	defs := registry.AsLLMTools()
	require.Equal(t, len(registry.List()), len(defs))
	for _, def := range defs {
		assert.NotEmpty(t, def.Name)
		assert.NotEmpty(t, def.InputSchema)
	}
}

func TestCallUnknownTool(t *testing.T) {
	registry, _ := newTestRegistry(t)

	_, err := registry.Call(context.Background(), "mshtools-nope", nil)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnknownTool))
}

func TestCallSchemaViolation(t *testing.T) {
	registry, _ := newTestRegistry(t)

	// file_path is required by the manifest schema.
	_, err := registry.Call(context.Background(), "mshtools-read_file", map[string]any{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeToolInputInvalid))

	// Wrong type fails too.
	_, err = registry.Call(context.Background(), "mshtools-read_file", map[string]any{"file_path": 42})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeToolInputInvalid))
}

func TestCallStubReportsNotImplemented(t *testing.T) {
	registry, _ := newTestRegistry(t)

	result, err := registry.Call(context.Background(), "mshtools-web_search", map[string]any{"query": "go"})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeToolExec))
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not yet implemented")
}

func TestCallBrowserStubMessage(t *testing.T) {
	registry, _ := newTestRegistry(t)

	result, err := registry.Call(context.Background(), "mshtools-browser_visit", map[string]any{"url": "https://example.com"})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Contains(t, result.Error, "Browser automation")
}

func TestCallToolExecCarriesPathEscape(t *testing.T) {
	registry, _ := newTestRegistry(t)

	_, err := registry.Call(context.Background(), "mshtools-read_file", map[string]any{
		"file_path": "../../etc/passwd",
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeToolExec))
}
