package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/okcvm/okcvm/internal/manifest"
	"github.com/okcvm/okcvm/internal/workspace"
)

type readFileTool struct {
	base
	ws *workspace.Manager
}

func newReadFileTool(spec manifest.ToolSpec, ws *workspace.Manager) Tool {
	return &readFileTool{base: base{spec: spec}, ws: ws}
}

func (t *readFileTool) Invoke(ctx context.Context, input map[string]any) (*Result, error) {
	filePath := stringArg(input, "file_path")
	if filePath == "" {
		return nil, errors.New("'file_path' is required")
	}
	path, err := t.ws.Resolve(filePath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", filePath)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", filePath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Images come back as data URIs so the model can reference them.
	if mimeType := mime.TypeByExtension(filepath.Ext(path)); strings.HasPrefix(mimeType, "image/") {
		encoded := base64.StdEncoding.EncodeToString(data)
		return &Result{
			Success: true,
			Output:  fmt.Sprintf("data:%s;base64,%s", mimeType, encoded),
			Data:    map[string]any{"mime": mimeType, "base64": encoded},
		}, nil
	}

	text := string(data)
	if offset, ok := intArg(input, "offset"); ok && offset > 0 {
		lines := strings.Split(text, "\n")
		if offset >= len(lines) {
			text = ""
		} else {
			text = strings.Join(lines[offset:], "\n")
		}
	}
	if limit, ok := intArg(input, "limit"); ok && limit >= 0 {
		lines := strings.Split(text, "\n")
		if limit < len(lines) {
			text = strings.Join(lines[:limit], "\n")
		}
	}

	return &Result{Success: true, Output: text, Data: text}, nil
}

type writeFileTool struct {
	base
	ws *workspace.Manager
}

func newWriteFileTool(spec manifest.ToolSpec, ws *workspace.Manager) Tool {
	return &writeFileTool{base: base{spec: spec}, ws: ws}
}

func (t *writeFileTool) Invoke(ctx context.Context, input map[string]any) (*Result, error) {
	filePath := stringArg(input, "file_path")
	content, hasContent := input["content"].(string)
	if filePath == "" || !hasContent {
		return nil, errors.New("'file_path' and 'content' are required")
	}
	path, err := t.ws.Resolve(filePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	flags := os.O_CREATE | os.O_WRONLY
	if boolArg(input, "append") {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return nil, err
	}

	return &Result{Success: true, Output: filePath, Data: map[string]any{"path": filePath}}, nil
}

type editFileTool struct {
	base
	ws *workspace.Manager
}

func newEditFileTool(spec manifest.ToolSpec, ws *workspace.Manager) Tool {
	return &editFileTool{base: base{spec: spec}, ws: ws}
}

func (t *editFileTool) Invoke(ctx context.Context, input map[string]any) (*Result, error) {
	filePath := stringArg(input, "file_path")
	oldString, hasOld := input["old_string"].(string)
	newString, hasNew := input["new_string"].(string)
	if filePath == "" || !hasOld || !hasNew {
		return nil, errors.New("'file_path', 'old_string', and 'new_string' are required")
	}
	if oldString == newString {
		return nil, errors.New("'old_string' and 'new_string' must differ")
	}
	path, err := t.ws.Resolve(filePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", filePath)
	}

	text := string(data)
	count := strings.Count(text, oldString)
	if count == 0 {
		return nil, errors.New("'old_string' not found in file")
	}
	replaceAll := boolArg(input, "replace_all")
	if count > 1 && !replaceAll {
		return nil, errors.New("'old_string' is not unique; pass replace_all to replace all occurrences")
	}

	replacements := 1
	if replaceAll {
		text = strings.ReplaceAll(text, oldString, newString)
		replacements = count
	} else {
		text = strings.Replace(text, oldString, newString, 1)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return nil, err
	}

	return &Result{
		Success: true,
		Output:  filePath,
		Data:    map[string]any{"replacements": replacements},
	}, nil
}
