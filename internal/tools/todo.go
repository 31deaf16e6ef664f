package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/okcvm/okcvm/internal/manifest"
	"github.com/okcvm/okcvm/internal/workspace"
)

// todoItem is one entry of the session plan.
type todoItem struct {
	Status   string  `json:"status"`
	Priority *string `json:"priority"`
	Content  string  `json:"content"`
}

// todoPath keeps the list inside the session tmp directory so it is
// versioned with the workspace and removed on reset.
func todoPath(ws *workspace.Manager) string {
	return filepath.Join(ws.Paths().InternalTmp, "todo.json")
}

func loadTodos(ws *workspace.Manager) ([]todoItem, error) {
	data, err := os.ReadFile(todoPath(ws))
	if os.IsNotExist(err) {
		return []todoItem{}, nil
	}
	if err != nil {
		return nil, err
	}
	var items []todoItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func saveTodos(ws *workspace.Manager, items []todoItem) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(todoPath(ws), data, 0o644)
}

func todosResult(items []todoItem) *Result {
	rendered, _ := json.MarshalIndent(items, "", "  ")
	return &Result{Success: true, Output: string(rendered), Data: items}
}

type todoReadTool struct {
	base
	ws *workspace.Manager
}

func newTodoReadTool(spec manifest.ToolSpec, ws *workspace.Manager) Tool {
	return &todoReadTool{base: base{spec: spec}, ws: ws}
}

func (t *todoReadTool) Invoke(ctx context.Context, input map[string]any) (*Result, error) {
	items, err := loadTodos(t.ws)
	if err != nil {
		return nil, err
	}
	return todosResult(items), nil
}

type todoWriteTool struct {
	base
	ws *workspace.Manager
}

func newTodoWriteTool(spec manifest.ToolSpec, ws *workspace.Manager) Tool {
	return &todoWriteTool{base: base{spec: spec}, ws: ws}
}

func (t *todoWriteTool) Invoke(ctx context.Context, input map[string]any) (*Result, error) {
	if boolArg(input, "clear") {
		if err := saveTodos(t.ws, []todoItem{}); err != nil {
			return nil, err
		}
		return todosResult([]todoItem{}), nil
	}

	rawTodos, ok := input["todos"].([]any)
	if !ok {
		return nil, errors.New("'todos' is required when not clearing the list")
	}

	newItems := make([]todoItem, 0, len(rawTodos))
	for _, raw := range rawTodos {
		mapping, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.New("'todos' must be a list of todo objects")
		}
		status := stringArg(mapping, "status")
		content := stringArg(mapping, "content")
		if status == "" || content == "" {
			return nil, fmt.Errorf("todo items require 'status' and 'content'")
		}
		item := todoItem{Status: status, Content: content}
		if priority, ok := mapping["priority"].(string); ok {
			item.Priority = &priority
		}
		newItems = append(newItems, item)
	}

	items := newItems
	if boolArg(input, "append") {
		existing, err := loadTodos(t.ws)
		if err != nil {
			return nil, err
		}
		items = append(existing, newItems...)
	}
	if err := saveTodos(t.ws, items); err != nil {
		return nil, err
	}
	return todosResult(items), nil
}
