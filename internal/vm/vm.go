// Package vm owns a session's conversation history and drives single chat
// turns against the bound model and tool registry.
package vm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/okcvm/okcvm/internal/common/errors"
	"github.com/okcvm/okcvm/internal/common/logger"
	"github.com/okcvm/okcvm/internal/llm"
	"github.com/okcvm/okcvm/internal/manifest"
	"github.com/okcvm/okcvm/internal/streaming"
	"github.com/okcvm/okcvm/internal/tools"
	"github.com/okcvm/okcvm/internal/workspace"
)

// maxToolSteps bounds the tool-calling loop within one turn.
const maxToolSteps = 10

// summaryMaxRunes caps the meta summary length.
const summaryMaxRunes = 120

// Invocation statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ToolInvocation records a single tool call during a chat turn.
type ToolInvocation struct {
	InvocationID string         `json:"invocation_id"`
	ToolName     string         `json:"tool_name"`
	Input        map[string]any `json:"input"`
	Output       string         `json:"output,omitempty"`
	Data         any            `json:"data,omitempty"`
	Error        string         `json:"error,omitempty"`
	Status       string         `json:"status"`
	StartedAt    string         `json:"started_at"`
	DurationMs   int64          `json:"duration_ms"`
	StepIndex    int            `json:"step_index"`
}

// HistoryEntry is one conversation record. IDs are "<namespace>-<seq04>",
// monotone per session; the namespace derives from the session id so entry
// ids are globally unique.
type HistoryEntry struct {
	ID              string           `json:"id"`
	Role            string           `json:"role"`
	Content         string           `json:"content"`
	ToolInvocations []ToolInvocation `json:"tool_invocations,omitempty"`
	Timestamp       string           `json:"timestamp"`
}

// Meta carries turn telemetry for the chat payload.
type Meta struct {
	Model     string `json:"model"`
	Timestamp string `json:"timestamp"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
	LatencyMs int64  `json:"latency_ms"`
	Summary   string `json:"summary"`
	Status    string `json:"status,omitempty"`
}

// TurnResult is the outcome of one Respond call.
type TurnResult struct {
	Reply     string           `json:"reply"`
	Meta      Meta             `json:"meta"`
	ToolCalls []ToolInvocation `json:"tool_calls"`
}

// Info describes the VM for the session info endpoint.
type Info struct {
	SystemPrompt     string              `json:"system_prompt"`
	Tools            []manifest.ToolSpec `json:"tools"`
	HistoryLength    int                 `json:"history_length"`
	WorkspaceID      string              `json:"workspace_id"`
	WorkspaceMount   string              `json:"workspace_mount"`
	WorkspaceOutput  string              `json:"workspace_output"`
	HistoryNamespace string              `json:"history_namespace"`
}

// VirtualMachine bundles the adapted system prompt, the tool registry, and
// the conversation history for one session. A single Respond runs at a
// time; concurrent callers queue FIFO on the internal lock.
type VirtualMachine struct {
	mu sync.Mutex

	systemPrompt string
	registry     *tools.Registry
	driver       llm.Driver
	ws           *workspace.Manager
	namespace    string
	seq          int
	history      []HistoryEntry
	log          *logger.Logger
}

// New creates a VM bound to the given workspace, registry, and driver.
// The system prompt must already be adapted to the workspace mount.
func New(systemPrompt string, registry *tools.Registry, driver llm.Driver, ws *workspace.Manager, log *logger.Logger) *VirtualMachine {
	if log == nil {
		log = logger.Default()
	}
	return &VirtualMachine{
		systemPrompt: systemPrompt,
		registry:     registry,
		driver:       driver,
		ws:           ws,
		namespace:    ws.SessionID(),
		log:          log.WithFields(zap.String("component", "vm")).WithSessionID(ws.SessionID()),
	}
}

// SetSystemPrompt swaps the prompt used for subsequent turns, e.g. after
// uploads change what the workspace contains.
func (v *VirtualMachine) SetSystemPrompt(prompt string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.systemPrompt = prompt
}

// SystemPrompt returns the prompt currently bound to the VM.
func (v *VirtualMachine) SystemPrompt() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.systemPrompt
}

func (v *VirtualMachine) nextID() string {
	v.seq++
	return fmt.Sprintf("%s-%04d", v.namespace, v.seq)
}

func (v *VirtualMachine) appendEntry(role, content string, invocations []ToolInvocation) HistoryEntry {
	entry := HistoryEntry{
		ID:              v.nextID(),
		Role:            role,
		Content:         content,
		ToolInvocations: invocations,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
	v.history = append(v.history, entry)
	return entry
}

// AppendUser records a user turn.
func (v *VirtualMachine) AppendUser(content string) HistoryEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.appendEntry("user", content, nil)
}

// AppendAssistant records an assistant turn with its invocations.
func (v *VirtualMachine) AppendAssistant(content string, invocations []ToolInvocation) HistoryEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.appendEntry("assistant", content, invocations)
}

// AppendTool records a tool invocation as its own history entry.
func (v *VirtualMachine) AppendTool(invocation ToolInvocation) HistoryEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.appendEntry("tool", invocation.Output, []ToolInvocation{invocation})
}

// History returns a copy of the full history.
func (v *VirtualMachine) History() []HistoryEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]HistoryEntry, len(v.history))
	copy(out, v.history)
	return out
}

// HistoryLength reports the entry count.
func (v *VirtualMachine) HistoryLength() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.history)
}

// GetHistory returns the entry with the given id.
func (v *VirtualMachine) GetHistory(id string) (HistoryEntry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, entry := range v.history {
		if entry.ID == id {
			return entry, true
		}
	}
	return HistoryEntry{}, false
}

// RecentHistory returns the n most recent entries, oldest first.
func (v *VirtualMachine) RecentHistory(n int) []HistoryEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n <= 0 || n >= len(v.history) {
		out := make([]HistoryEntry, len(v.history))
		copy(out, v.history)
		return out
	}
	out := make([]HistoryEntry, n)
	copy(out, v.history[len(v.history)-n:])
	return out
}

// ResetHistory drops all entries. The id sequence keeps counting so ids
// stay unique for the session lifetime.
func (v *VirtualMachine) ResetHistory() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.history)
	v.history = nil
	return n
}

// DiscardLastExchange removes everything from the most recent user entry
// onward, used for regeneration. Returns the removed count.
func (v *VirtualMachine) DiscardLastExchange() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.discardLastExchangeLocked()
}

func (v *VirtualMachine) discardLastExchangeLocked() int {
	for i := len(v.history) - 1; i >= 0; i-- {
		if v.history[i].Role == "user" {
			removed := len(v.history) - i
			v.history = v.history[:i]
			return removed
		}
	}
	return 0
}

// Describe returns the VM description for the info endpoint.
func (v *VirtualMachine) Describe() Info {
	v.mu.Lock()
	defer v.mu.Unlock()
	paths := v.ws.Paths()
	return Info{
		SystemPrompt:     v.systemPrompt,
		Tools:            v.registry.List(),
		HistoryLength:    len(v.history),
		WorkspaceID:      paths.SessionID,
		WorkspaceMount:   paths.Mount,
		WorkspaceOutput:  paths.Output,
		HistoryNamespace: v.namespace,
	}
}

// conversationMessages converts the stored history into driver messages.
// Tool entries are folded into the adjacent assistant exchange when the
// turn completed, so replaying history does not resend transient tool
// plumbing; only user/assistant text matters across turns.
func (v *VirtualMachine) conversationMessages() []llm.Message {
	messages := make([]llm.Message, 0, len(v.history))
	for _, entry := range v.history {
		switch entry.Role {
		case "user":
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: entry.Content})
		case "assistant":
			if entry.Content != "" {
				messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: entry.Content})
			}
		}
	}
	return messages
}

// Respond runs one chat turn: append the user message, loop the model's
// tool calls through the registry, and record the final assistant entry
// with every invocation attached. Streaming events go to onEvent when it
// is non-nil. A model failure does not return an error; the turn resolves
// to an error-flagged reply so the client can react.
func (v *VirtualMachine) Respond(ctx context.Context, message string, replaceLast bool, onEvent func(streaming.Event)) (*TurnResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	emit := func(ev streaming.Event) {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	started := time.Now()

	if replaceLast {
		removed := v.discardLastExchangeLocked()
		v.log.Debug("discarded last exchange for regeneration", zap.Int("removed", removed))
	}

	messages := v.conversationMessages()
	v.appendEntry("user", message, nil)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})

	var reply strings.Builder
	var invocations []ToolInvocation
	var tokensIn, tokensOut int
	var turnErr error

	for step := 0; step < maxToolSteps; step++ {
		if ctx.Err() != nil {
			break
		}

		chunks, err := v.driver.Stream(ctx, llm.Request{
			Model:    v.driver.Model(),
			System:   v.systemPrompt,
			Messages: messages,
			Tools:    v.registry.AsLLMTools(),
		})
		if err != nil {
			turnErr = apperrors.LLMError("failed to start completion", err)
			break
		}

		var stepText strings.Builder
		var stepCalls []llm.ToolCall
		for chunk := range chunks {
			switch chunk.Type {
			case llm.ChunkText:
				stepText.WriteString(chunk.Text)
				reply.WriteString(chunk.Text)
				emit(streaming.TokenEvent(chunk.Text))
			case llm.ChunkToolCall:
				if chunk.ToolCall != nil {
					stepCalls = append(stepCalls, *chunk.ToolCall)
				}
			case llm.ChunkDone:
				tokensIn += chunk.InputTokens
				tokensOut += chunk.OutputTokens
			case llm.ChunkError:
				turnErr = apperrors.LLMError("chat model stream failed", chunk.Err)
			}
		}
		if turnErr != nil {
			break
		}
		if len(stepCalls) == 0 {
			break
		}

		assistantMsg := llm.Message{Role: llm.RoleAssistant, Content: stepText.String()}
		resultsMsg := llm.Message{Role: llm.RoleTool}
		for _, call := range stepCalls {
			invocation := v.invokeTool(ctx, call, step, emit)
			invocations = append(invocations, invocation)
			v.appendEntry("tool", invocation.Output, []ToolInvocation{invocation})

			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, llm.ToolCall{
				ID:    invocation.InvocationID,
				Name:  invocation.ToolName,
				Input: invocation.Input,
			})
			content := invocation.Output
			if invocation.Status == StatusError {
				content = invocation.Error
			}
			resultsMsg.ToolResults = append(resultsMsg.ToolResults, llm.ToolOutcome{
				ToolCallID: invocation.InvocationID,
				Content:    content,
				IsError:    invocation.Status == StatusError,
			})

			// Stop issuing new tool calls once the client is gone,
			// but keep the record of what already ran.
			if ctx.Err() != nil {
				break
			}
		}
		messages = append(messages, assistantMsg, resultsMsg)
	}

	finalReply := reply.String()
	meta := Meta{
		Model:     v.driver.Model(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		LatencyMs: time.Since(started).Milliseconds(),
		Summary:   summarise(invocations),
	}

	if turnErr != nil {
		v.log.Warn("chat turn failed", zap.Error(turnErr))
		if finalReply != "" {
			finalReply += "\n"
		}
		finalReply += "error: " + turnErr.Error()
		meta.Status = StatusError
	}

	v.appendEntry("assistant", finalReply, invocations)

	return &TurnResult{
		Reply:     finalReply,
		Meta:      meta,
		ToolCalls: invocations,
	}, nil
}

// invokeTool runs one tool call through the registry and packages the
// outcome. Execution failures land inside the invocation record; they
// never abort the turn.
func (v *VirtualMachine) invokeTool(ctx context.Context, call llm.ToolCall, step int, emit func(streaming.Event)) ToolInvocation {
	invocationID := call.ID
	if invocationID == "" {
		invocationID = uuid.New().String()
	}
	input := call.Input
	if input == nil {
		input = map[string]any{}
	}

	invocation := ToolInvocation{
		InvocationID: invocationID,
		ToolName:     call.Name,
		Input:        input,
		StartedAt:    time.Now().UTC().Format(time.RFC3339),
		StepIndex:    step,
	}
	emit(streaming.ToolStartedEvent(invocationID, call.Name, input))

	started := time.Now()
	result, err := v.registry.Call(ctx, call.Name, input)
	invocation.DurationMs = time.Since(started).Milliseconds()

	if result != nil {
		invocation.Output = result.Output
		invocation.Data = result.Data
	}
	if err != nil {
		invocation.Status = StatusError
		invocation.Error = err.Error()
		if result != nil && result.Error != "" {
			invocation.Error = result.Error
		}
		emit(streaming.ToolCompletedEvent(invocationID, StatusError, invocation.DurationMs, "", invocation.Error))
		return invocation
	}

	invocation.Status = StatusSuccess
	emit(streaming.ToolCompletedEvent(invocationID, StatusSuccess, invocation.DurationMs, invocation.Output, ""))
	return invocation
}

// summarise distils the last tool output into a short summary: the first
// non-empty line, truncated, else a generic line naming the tool.
func summarise(invocations []ToolInvocation) string {
	if len(invocations) == 0 {
		return ""
	}
	last := invocations[len(invocations)-1]
	for _, line := range strings.Split(last.Output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > summaryMaxRunes {
			return string(runes[:summaryMaxRunes])
		}
		return line
	}
	return "Executed tool: " + last.ToolName
}
