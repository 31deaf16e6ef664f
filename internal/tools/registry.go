package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	apperrors "github.com/okcvm/okcvm/internal/common/errors"
	"github.com/okcvm/okcvm/internal/common/logger"
	"github.com/okcvm/okcvm/internal/llm"
	"github.com/okcvm/okcvm/internal/manifest"
	"github.com/okcvm/okcvm/internal/workspace"
)

const toolCallTimeout = 60 * time.Second

const (
	browserStubMessage = "Browser automation is not included in this build."
	genericStubMessage = "This tool is not yet implemented in OKCVM."
	browserToolPrefix  = "mshtools-browser"
)

// defaultBuilders maps manifest names to concrete implementations.
// Everything else gets a stub.
func defaultBuilders() map[string]Builder {
	return map[string]Builder{
		"mshtools-read_file":        newReadFileTool,
		"mshtools-write_file":       newWriteFileTool,
		"mshtools-edit_file":        newEditFileTool,
		"mshtools-shell":            newShellTool,
		"mshtools-todo_read":        newTodoReadTool,
		"mshtools-todo_write":       newTodoWriteTool,
		"mshtools-deploy_website":   newDeployWebsiteTool,
		"mshtools-slides_generator": newSlidesGeneratorTool,
	}
}

// Registry provides lookup, validation, and invocation for tools.
// The tool list keeps manifest order so streaming and history are
// reproducible across restarts.
type Registry struct {
	specs   []manifest.ToolSpec
	tools   map[string]Tool
	log     *logger.Logger
	schemas sync.Map // tool name -> *jsonschema.Schema
}

// NewRegistry binds the embedded manifest against the default
// implementations, injecting the session workspace where a tool requires it.
func NewRegistry(ws *workspace.Manager, log *logger.Logger) (*Registry, error) {
	specs, err := manifest.LoadToolSpecs()
	if err != nil {
		return nil, err
	}
	return NewRegistryWithSpecs(specs, ws, log), nil
}

// NewRegistryWithSpecs binds an explicit spec list, used by tests.
func NewRegistryWithSpecs(specs []manifest.ToolSpec, ws *workspace.Manager, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	r := &Registry{
		specs: specs,
		tools: make(map[string]Tool, len(specs)),
		log:   log.WithFields(zap.String("component", "tools")),
	}

	builders := defaultBuilders()
	for _, spec := range specs {
		if build, ok := builders[spec.Name]; ok {
			var toolWS *workspace.Manager
			if spec.RequiresWorkspace {
				toolWS = ws
			}
			r.tools[spec.Name] = build(spec, toolWS)
			continue
		}
		message := genericStubMessage
		if strings.HasPrefix(spec.Name, browserToolPrefix) {
			message = browserStubMessage
		}
		r.tools[spec.Name] = newStubTool(spec, message)
	}
	return r
}

// List returns the tool specifications in manifest order.
func (r *Registry) List() []manifest.ToolSpec {
	specs := make([]manifest.ToolSpec, len(r.specs))
	copy(specs, r.specs)
	return specs
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// AsLLMTools exposes the manifest schemas in the form the chat driver binds.
func (r *Registry) AsLLMTools() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.specs))
	for _, spec := range r.specs {
		defs = append(defs, llm.ToolDef{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
		})
	}
	return defs
}

func (r *Registry) schemaFor(spec manifest.ToolSpec) (*jsonschema.Schema, error) {
	if cached, ok := r.schemas.Load(spec.Name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	schema, err := jsonschema.CompileString(spec.Name+".json", string(spec.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", spec.Name, err)
	}
	r.schemas.Store(spec.Name, schema)
	return schema, nil
}

// ValidateInput checks input against the tool's declared schema.
func (r *Registry) ValidateInput(name string, input map[string]any) error {
	var spec *manifest.ToolSpec
	for i := range r.specs {
		if r.specs[i].Name == name {
			spec = &r.specs[i]
			break
		}
	}
	if spec == nil {
		return apperrors.UnknownTool(name)
	}

	schema, err := r.schemaFor(*spec)
	if err != nil {
		return apperrors.ToolInputInvalid(name, err.Error())
	}

	// Round-trip through JSON so the instance uses canonical JSON types.
	raw, err := json.Marshal(input)
	if err != nil {
		return apperrors.ToolInputInvalid(name, err.Error())
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return apperrors.ToolInputInvalid(name, err.Error())
	}
	if instance == nil {
		instance = map[string]any{}
	}
	if err := schema.Validate(instance); err != nil {
		return apperrors.ToolInputInvalid(name, err.Error())
	}
	return nil
}

// Call validates and invokes a tool. Unknown tools and schema violations
// fail before dispatch; implementation failures come back as a tool
// execution error carrying the original message, with the partial result
// preserved for history.
func (r *Registry) Call(ctx context.Context, name string, input map[string]any) (*Result, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, apperrors.UnknownTool(name)
	}
	if err := r.ValidateInput(name, input); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	started := time.Now()
	result, err := tool.Invoke(callCtx, input)
	elapsed := time.Since(started)

	logFields := []zap.Field{
		zap.String("tool", name),
		zap.Duration("duration", elapsed),
	}
	if err != nil {
		r.log.Warn("tool invocation failed", append(logFields, zap.Error(err))...)
		return nil, apperrors.ToolExec(name, err)
	}
	if result != nil && !result.Success {
		message := result.Error
		if message == "" {
			message = "tool execution failed"
		}
		r.log.Warn("tool reported failure", append(logFields, zap.String("error", message))...)
		return result, apperrors.ToolExec(name, errors.New(message))
	}

	r.log.Debug("tool invocation complete", logFields...)
	return result, nil
}

// stubTool reports lack of implementation for manifest entries without a
// concrete binding.
type stubTool struct {
	base
	message string
}

func newStubTool(spec manifest.ToolSpec, message string) Tool {
	return &stubTool{base: base{spec: spec}, message: message}
}

func (s *stubTool) Invoke(ctx context.Context, input map[string]any) (*Result, error) {
	return &Result{Success: false, Error: s.message}, nil
}
