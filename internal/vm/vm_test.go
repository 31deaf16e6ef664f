package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcvm/okcvm/internal/llm"
	"github.com/okcvm/okcvm/internal/streaming"
	"github.com/okcvm/okcvm/internal/tools"
	"github.com/okcvm/okcvm/internal/workspace"
)

func newTestVM(t *testing.T, driver llm.Driver) (*VirtualMachine, *workspace.Manager) {
	t.Helper()
	ws, err := workspace.NewManager(workspace.Options{BaseDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = ws.Cleanup() })

	registry, err := tools.NewRegistry(ws, nil)
	require.NoError(t, err)

	prompt := ws.AdaptPrompt("You work under /mnt/okcomputer/.")
	return New(prompt, registry, driver, ws, nil), ws
}

func TestRespondTextOnlyTurn(t *testing.T) {
	driver := llm.NewScriptedDriver("test-model", llm.ScriptedTurn{
		Text:         "hello there",
		InputTokens:  12,
		OutputTokens: 4,
	})
	v, _ := newTestVM(t, driver)

	var tokens strings.Builder
	result, err := v.Respond(context.Background(), "hi", false, func(ev streaming.Event) {
		if ev.Type == streaming.EventToken {
			tokens.WriteString(ev.Delta)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", result.Reply)
	assert.Equal(t, result.Reply, tokens.String())
	assert.Equal(t, "test-model", result.Meta.Model)
	assert.Equal(t, 12, result.Meta.TokensIn)
	assert.Equal(t, 4, result.Meta.TokensOut)
	assert.Empty(t, result.Meta.Status)
	assert.Empty(t, result.ToolCalls)

	// user + assistant entries recorded.
	history := v.History()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "hello there", history[1].Content)

	// The driver saw the adapted system prompt and bound tools.
	require.Len(t, driver.Requests, 1)
	assert.NotContains(t, driver.Requests[0].System, "/mnt/okcomputer/")
	assert.NotEmpty(t, driver.Requests[0].Tools)
}

func TestRespondSingleToolCall(t *testing.T) {
	driver := llm.NewScriptedDriver("test-model",
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{
			ID:   "call-1",
			Name: "mshtools-write_file",
			Input: map[string]any{
				"file_path": "/mnt/okcomputer/output/index.html",
				"content":   "<html></html>",
			},
		}}},
		llm.ScriptedTurn{Text: "file written"},
	)
	v, ws := newTestVM(t, driver)

	var events []streaming.Event
	result, err := v.Respond(context.Background(), "write the page", false, func(ev streaming.Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	assert.Equal(t, "file written", result.Reply)
	require.Len(t, result.ToolCalls, 1)
	invocation := result.ToolCalls[0]
	assert.Equal(t, "call-1", invocation.InvocationID)
	assert.Equal(t, "mshtools-write_file", invocation.ToolName)
	assert.Equal(t, StatusSuccess, invocation.Status)
	assert.Equal(t, 0, invocation.StepIndex)

	// The legacy path was rewritten into the live workspace.
	written := filepath.Join(ws.Paths().InternalOutput, "index.html")
	data, err := os.ReadFile(written)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(data))

	// tool_started precedes tool_completed.
	var startedAt, completedAt = -1, -1
	for i, ev := range events {
		switch ev.Type {
		case streaming.EventToolStarted:
			startedAt = i
		case streaming.EventToolCompleted:
			completedAt = i
			assert.Equal(t, StatusSuccess, ev.Status)
		}
	}
	require.GreaterOrEqual(t, startedAt, 0)
	assert.Greater(t, completedAt, startedAt)

	// The second request replays the tool exchange to the model.
	require.Len(t, driver.Requests, 2)
	second := driver.Requests[1].Messages
	require.NotEmpty(t, second)
	lastMsg := second[len(second)-1]
	assert.Equal(t, llm.RoleTool, lastMsg.Role)
	require.Len(t, lastMsg.ToolResults, 1)
	assert.Equal(t, "call-1", lastMsg.ToolResults[0].ToolCallID)
	assert.False(t, lastMsg.ToolResults[0].IsError)

	// user, tool, assistant entries.
	history := v.History()
	require.Len(t, history, 3)
	assert.Equal(t, "tool", history[1].Role)
	require.Len(t, history[2].ToolInvocations, 1)
}

func TestRespondChainedToolCalls(t *testing.T) {
	driver := llm.NewScriptedDriver("test-model",
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{
			ID:   "call-1",
			Name: "mshtools-write_file",
			Input: map[string]any{
				"file_path": "notes.txt",
				"content":   "draft",
			},
		}}},
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{
			ID:   "call-2",
			Name: "mshtools-read_file",
			Input: map[string]any{
				"file_path": "notes.txt",
			},
		}}},
		llm.ScriptedTurn{Text: "all done"},
	)
	v, _ := newTestVM(t, driver)

	result, err := v.Respond(context.Background(), "write then read", false, nil)
	require.NoError(t, err)

	assert.Equal(t, "all done", result.Reply)
	require.Len(t, result.ToolCalls, 2)
	assert.Equal(t, 0, result.ToolCalls[0].StepIndex)
	assert.Equal(t, 1, result.ToolCalls[1].StepIndex)
	assert.Contains(t, result.ToolCalls[1].Output, "draft")
	assert.Len(t, driver.Requests, 3)
}

func TestRespondToolFailureDoesNotAbortTurn(t *testing.T) {
	driver := llm.NewScriptedDriver("test-model",
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{
			ID:   "call-1",
			Name: "mshtools-read_file",
			Input: map[string]any{
				"file_path": "missing.txt",
			},
		}}},
		llm.ScriptedTurn{Text: "could not read it"},
	)
	v, _ := newTestVM(t, driver)

	result, err := v.Respond(context.Background(), "read it", false, nil)
	require.NoError(t, err)

	assert.Equal(t, "could not read it", result.Reply)
	assert.Empty(t, result.Meta.Status)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, StatusError, result.ToolCalls[0].Status)
	assert.NotEmpty(t, result.ToolCalls[0].Error)

	// The failure reached the model as an error tool result.
	second := driver.Requests[1].Messages
	lastMsg := second[len(second)-1]
	require.Len(t, lastMsg.ToolResults, 1)
	assert.True(t, lastMsg.ToolResults[0].IsError)
}

func TestRespondModelFailureFlagsTurn(t *testing.T) {
	driver := llm.NewScriptedDriver("test-model", llm.ScriptedTurn{Err: errors.New("rate limited")})
	v, _ := newTestVM(t, driver)

	result, err := v.Respond(context.Background(), "hi", false, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusError, result.Meta.Status)
	assert.Contains(t, result.Reply, "error:")
	assert.Contains(t, result.Reply, "rate limited")

	// The failed reply is still recorded so regeneration can replace it.
	history := v.History()
	require.Len(t, history, 2)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestRespondReplaceLastDiscardsExchange(t *testing.T) {
	driver := llm.NewScriptedDriver("test-model",
		llm.ScriptedTurn{Text: "first answer"},
		llm.ScriptedTurn{Text: "second answer"},
	)
	v, _ := newTestVM(t, driver)

	_, err := v.Respond(context.Background(), "question", false, nil)
	require.NoError(t, err)
	require.Equal(t, 2, v.HistoryLength())

	result, err := v.Respond(context.Background(), "question", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "second answer", result.Reply)

	// The first exchange was replaced, not appended after.
	history := v.History()
	require.Len(t, history, 2)
	assert.Equal(t, "second answer", history[1].Content)

	// The regenerated turn did not see the discarded answer.
	replay := driver.Requests[1].Messages
	for _, msg := range replay {
		assert.NotEqual(t, "first answer", msg.Content)
	}
}

func TestHistoryIDsMonotoneAndNamespaced(t *testing.T) {
	driver := llm.NewScriptedDriver("test-model")
	v, ws := newTestVM(t, driver)

	for i := 0; i < 5; i++ {
		v.AppendUser(fmt.Sprintf("msg %d", i))
	}
	history := v.History()
	require.Len(t, history, 5)
	for i, entry := range history {
		assert.Equal(t, fmt.Sprintf("%s-%04d", ws.SessionID(), i+1), entry.ID)
	}

	entry, ok := v.GetHistory(history[2].ID)
	require.True(t, ok)
	assert.Equal(t, "msg 2", entry.Content)

	_, ok = v.GetHistory("nope-0001")
	assert.False(t, ok)
}

func TestRecentHistoryReturnsTail(t *testing.T) {
	v, _ := newTestVM(t, llm.NewScriptedDriver("test-model"))
	for i := 0; i < 10; i++ {
		v.AppendUser(fmt.Sprintf("msg %d", i))
	}

	tail := v.RecentHistory(3)
	require.Len(t, tail, 3)
	assert.Equal(t, "msg 7", tail[0].Content)
	assert.Equal(t, "msg 9", tail[2].Content)

	all := v.RecentHistory(0)
	assert.Len(t, all, 10)
}

func TestResetHistoryKeepsSequence(t *testing.T) {
	v, ws := newTestVM(t, llm.NewScriptedDriver("test-model"))
	v.AppendUser("one")
	v.AppendUser("two")

	removed := v.ResetHistory()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, v.HistoryLength())

	entry := v.AppendUser("three")
	assert.Equal(t, ws.SessionID()+"-0003", entry.ID)
}

func TestDiscardLastExchange(t *testing.T) {
	v, _ := newTestVM(t, llm.NewScriptedDriver("test-model"))
	v.AppendUser("q1")
	v.AppendAssistant("a1", nil)
	v.AppendUser("q2")
	v.AppendTool(ToolInvocation{InvocationID: "i1", ToolName: "mshtools-shell", Status: StatusSuccess, Output: "ok"})
	v.AppendAssistant("a2", nil)

	removed := v.DiscardLastExchange()
	assert.Equal(t, 3, removed)

	history := v.History()
	require.Len(t, history, 2)
	assert.Equal(t, "a1", history[1].Content)

	// Nothing left to discard once no user entry remains.
	v.ResetHistory()
	assert.Equal(t, 0, v.DiscardLastExchange())
}

func TestDescribeReportsVM(t *testing.T) {
	v, ws := newTestVM(t, llm.NewScriptedDriver("test-model"))
	v.AppendUser("hello")

	info := v.Describe()
	assert.Equal(t, ws.SessionID(), info.WorkspaceID)
	assert.Equal(t, ws.Paths().Mount, info.WorkspaceMount)
	assert.Equal(t, ws.SessionID(), info.HistoryNamespace)
	assert.Equal(t, 1, info.HistoryLength)
	assert.NotEmpty(t, info.Tools)
	assert.NotContains(t, info.SystemPrompt, "/mnt/okcomputer/")
}

func TestSummarise(t *testing.T) {
	assert.Empty(t, summarise(nil))

	assert.Equal(t, "first line", summarise([]ToolInvocation{{
		ToolName: "mshtools-shell",
		Output:   "\n  first line\nsecond line",
	}}))

	assert.Equal(t, "Executed tool: mshtools-shell", summarise([]ToolInvocation{{
		ToolName: "mshtools-shell",
		Output:   "   \n\t\n",
	}}))

	long := strings.Repeat("x", 300)
	got := summarise([]ToolInvocation{{ToolName: "t", Output: long}})
	assert.Len(t, []rune(got), summaryMaxRunes)
}
