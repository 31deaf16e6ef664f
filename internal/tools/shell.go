package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/okcvm/okcvm/internal/manifest"
	"github.com/okcvm/okcvm/internal/workspace"
)

type shellTool struct {
	base
	ws *workspace.Manager
}

func newShellTool(spec manifest.ToolSpec, ws *workspace.Manager) Tool {
	return &shellTool{base: base{spec: spec}, ws: ws}
}

func (t *shellTool) Invoke(ctx context.Context, input map[string]any) (*Result, error) {
	command := stringArg(input, "command")
	if command == "" {
		return nil, errors.New("'command' is required")
	}

	if timeout, ok := input["timeout"].(float64); ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.ws.Paths().InternalRoot
	combined, err := cmd.CombinedOutput()
	output := string(combined)

	if ctx.Err() != nil {
		return &Result{
			Success: false,
			Output:  output,
			Error:   "command timed out",
		}, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		message := output
		if message == "" {
			message = err.Error()
		}
		if errors.As(err, &exitErr) {
			return &Result{
				Success: false,
				Output:  output,
				Error:   message,
				Data: map[string]any{
					"returncode": exitErr.ExitCode(),
					"output":     output,
				},
			}, nil
		}
		return nil, fmt.Errorf("failed to run command: %w", err)
	}

	return &Result{
		Success: true,
		Output:  output,
		Data: map[string]any{
			"returncode": 0,
			"output":     output,
		},
	}, nil
}
