package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadEditRoundTrip(t *testing.T) {
	registry, ws := newTestRegistry(t)
	ctx := context.Background()
	mount := ws.Paths().Mount

	_, err := registry.Call(ctx, "mshtools-write_file", map[string]any{
		"file_path": mount + "output/index.html",
		"content":   "<h1>hello</h1>",
	})
	require.NoError(t, err)

	result, err := registry.Call(ctx, "mshtools-read_file", map[string]any{
		"file_path": mount + "output/index.html",
	})
	require.NoError(t, err)
	assert.Equal(t, "<h1>hello</h1>", result.Output)

	_, err = registry.Call(ctx, "mshtools-edit_file", map[string]any{
		"file_path":  mount + "output/index.html",
		"old_string": "hello",
		"new_string": "world",
	})
	require.NoError(t, err)

	result, err = registry.Call(ctx, "mshtools-read_file", map[string]any{
		"file_path": mount + "output/index.html",
	})
	require.NoError(t, err)
	assert.Equal(t, "<h1>world</h1>", result.Output)
}

func TestWriteFileAppend(t *testing.T) {
	registry, ws := newTestRegistry(t)
	ctx := context.Background()
	path := ws.Paths().Mount + "notes.txt"

	for _, chunk := range []string{"one\n", "two\n"} {
		_, err := registry.Call(ctx, "mshtools-write_file", map[string]any{
			"file_path": path,
			"content":   chunk,
			"append":    true,
		})
		require.NoError(t, err)
	}

	result, err := registry.Call(ctx, "mshtools-read_file", map[string]any{"file_path": path})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", result.Output)
}

func TestReadFileOffsetLimit(t *testing.T) {
	registry, ws := newTestRegistry(t)
	ctx := context.Background()
	path := ws.Paths().Mount + "lines.txt"

	_, err := registry.Call(ctx, "mshtools-write_file", map[string]any{
		"file_path": path,
		"content":   "a\nb\nc\nd",
	})
	require.NoError(t, err)

	result, err := registry.Call(ctx, "mshtools-read_file", map[string]any{
		"file_path": path,
		"offset":    1,
		"limit":     2,
	})
	require.NoError(t, err)
	assert.Equal(t, "b\nc", result.Output)
}

func TestEditFileRequiresUniqueMatch(t *testing.T) {
	registry, ws := newTestRegistry(t)
	ctx := context.Background()
	path := ws.Paths().Mount + "dup.txt"

	_, err := registry.Call(ctx, "mshtools-write_file", map[string]any{
		"file_path": path,
		"content":   "x x",
	})
	require.NoError(t, err)

	_, err = registry.Call(ctx, "mshtools-edit_file", map[string]any{
		"file_path":  path,
		"old_string": "x",
		"new_string": "y",
	})
	require.Error(t, err)

	result, err := registry.Call(ctx, "mshtools-edit_file", map[string]any{
		"file_path":   path,
		"old_string":  "x",
		"new_string":  "y",
		"replace_all": true,
	})
	require.NoError(t, err)
	data := result.Data.(map[string]any)
	assert.Equal(t, 2, data["replacements"])
}

func TestShellRunsInWorkspace(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	registry, ws := newTestRegistry(t)

	result, err := registry.Call(context.Background(), "mshtools-shell", map[string]any{
		"command": "pwd",
	})
	require.NoError(t, err)
	resolvedRoot, err := filepath.EvalSymlinks(ws.Paths().InternalRoot)
	require.NoError(t, err)
	assert.Contains(t, result.Output, filepath.Base(resolvedRoot))
}

func TestShellFailureReportsExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	registry, _ := newTestRegistry(t)

	result, err := registry.Call(context.Background(), "mshtools-shell", map[string]any{
		"command": "exit 3",
	})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	data := result.Data.(map[string]any)
	assert.Equal(t, 3, data["returncode"])
}

func TestTodoWriteReadClear(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Call(ctx, "mshtools-todo_write", map[string]any{
		"todos": []any{
			map[string]any{"status": "pending", "content": "draft homepage"},
		},
	})
	require.NoError(t, err)

	result, err := registry.Call(ctx, "mshtools-todo_read", map[string]any{})
	require.NoError(t, err)
	items := result.Data.([]todoItem)
	require.Len(t, items, 1)
	assert.Equal(t, "draft homepage", items[0].Content)

	_, err = registry.Call(ctx, "mshtools-todo_write", map[string]any{
		"todos": []any{
			map[string]any{"status": "pending", "content": "second"},
		},
		"append": true,
	})
	require.NoError(t, err)

	result, err = registry.Call(ctx, "mshtools-todo_read", map[string]any{})
	require.NoError(t, err)
	assert.Len(t, result.Data.([]todoItem), 2)

	_, err = registry.Call(ctx, "mshtools-todo_write", map[string]any{"clear": true})
	require.NoError(t, err)

	result, err = registry.Call(ctx, "mshtools-todo_read", map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, result.Data.([]todoItem))
}

func TestDeployWebsite(t *testing.T) {
	registry, ws := newTestRegistry(t)
	ctx := context.Background()
	mount := ws.Paths().Mount

	_, err := registry.Call(ctx, "mshtools-write_file", map[string]any{
		"file_path": mount + "output/site/index.html",
		"content":   "<h1>live</h1>",
	})
	require.NoError(t, err)

	result, err := registry.Call(ctx, "mshtools-deploy_website", map[string]any{
		"directory": mount + "output/site",
		"site_name": "My Cool Site!",
	})
	require.NoError(t, err)

	data := result.Data.(map[string]any)
	deployment := data["deployment"].(map[string]any)
	assert.Equal(t, "my-cool-site", deployment["slug"])

	deploymentID := deployment["id"].(string)
	target := filepath.Join(ws.Paths().DeploymentsRoot, deploymentID)

	content, err := os.ReadFile(filepath.Join(target, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<h1>live</h1>", string(content))

	manifestData, err := os.ReadFile(filepath.Join(target, "deployment.json"))
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(manifestData, &parsed))
	assert.Equal(t, "My Cool Site!", parsed["name"])

	// Redeploy without force fails; with force succeeds.
	_, err = registry.Call(ctx, "mshtools-deploy_website", map[string]any{
		"directory": mount + "output/site",
		"site_name": "My Cool Site!",
	})
	require.Error(t, err)

	_, err = registry.Call(ctx, "mshtools-deploy_website", map[string]any{
		"directory": mount + "output/site",
		"site_name": "My Cool Site!",
		"force":     true,
	})
	require.NoError(t, err)
}

func TestDeployWebsiteRequiresIndex(t *testing.T) {
	registry, ws := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.Call(ctx, "mshtools-write_file", map[string]any{
		"file_path": ws.Paths().Mount + "output/bare/readme.md",
		"content":   "no index here",
	})
	require.NoError(t, err)

	_, err = registry.Call(ctx, "mshtools-deploy_website", map[string]any{
		"directory": ws.Paths().Mount + "output/bare",
	})
	require.Error(t, err)
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"My Cool Site!": "my-cool-site",
		"---":           "site",
		"":              "site",
		"Already-Good":  "already-good",
		"a  b   c":      "a-b-c",
	}
	for input, want := range tests {
		assert.Equal(t, want, slugify(input), "slugify(%q)", input)
	}
}

func TestSlidesGenerator(t *testing.T) {
	registry, ws := newTestRegistry(t)
	ctx := context.Background()

	html := `<div class="ppt-slide"><h1>Intro</h1><p>welcome</p></div>` +
		`<div class="theme ppt-slide dark"><h2>Middle</h2></div>` +
		`<div class="ppt-slide"><p>no heading</p></div>`

	result, err := registry.Call(ctx, "mshtools-slides_generator", map[string]any{
		"html":        html,
		"output_path": ws.Paths().Output + "deck.json",
	})
	require.NoError(t, err)

	data := result.Data.(map[string]any)
	slides := data["slides"].([]map[string]any)
	require.Len(t, slides, 3)
	assert.Equal(t, "Intro", slides[0]["title"])
	assert.Equal(t, "Middle", slides[1]["title"])
	assert.Equal(t, "", slides[2]["title"])

	deckPath := filepath.Join(ws.Paths().InternalOutput, "deck.json")
	_, err = os.Stat(deckPath)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(ws.Paths().InternalOutput, "deck.html"))
	require.NoError(t, err)
}

func TestSlidesGeneratorRequiresMarkedSlides(t *testing.T) {
	registry, _ := newTestRegistry(t)

	_, err := registry.Call(context.Background(), "mshtools-slides_generator", map[string]any{
		"html": "<div><h1>plain</h1></div>",
	})
	require.Error(t, err)
}
