package llm

import (
	"context"
	"strings"
	"sync"
)

// ScriptedTurn is one pre-programmed completion for the scripted driver.
type ScriptedTurn struct {
	Text         string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
	Err          error
}

// ScriptedDriver replays pre-programmed turns, one per Stream call.
// It records every request so tests can assert on the conversation shape.
type ScriptedDriver struct {
	mu       sync.Mutex
	turns    []ScriptedTurn
	next     int
	model    string
	Requests []Request
}

// NewScriptedDriver creates a driver that answers each Stream call with the
// next scripted turn. Calls beyond the script return an empty final reply.
func NewScriptedDriver(model string, turns ...ScriptedTurn) *ScriptedDriver {
	return &ScriptedDriver{turns: turns, model: model}
}

// Model returns the scripted model identifier.
func (d *ScriptedDriver) Model() string {
	return d.model
}

// Stream replays the next scripted turn as text chunks, tool call chunks,
// and a final done chunk.
func (d *ScriptedDriver) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	d.mu.Lock()
	d.Requests = append(d.Requests, req)
	var turn ScriptedTurn
	if d.next < len(d.turns) {
		turn = d.turns[d.next]
		d.next++
	}
	d.mu.Unlock()

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)

		emit := func(c Chunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if turn.Err != nil {
			emit(Chunk{Type: ChunkError, Err: turn.Err})
			return
		}
		for _, piece := range strings.SplitAfter(turn.Text, " ") {
			if piece == "" {
				continue
			}
			if !emit(Chunk{Type: ChunkText, Text: piece}) {
				return
			}
		}
		for i := range turn.ToolCalls {
			call := turn.ToolCalls[i]
			if !emit(Chunk{Type: ChunkToolCall, ToolCall: &call}) {
				return
			}
		}
		emit(Chunk{
			Type:         ChunkDone,
			InputTokens:  turn.InputTokens,
			OutputTokens: turn.OutputTokens,
		})
	}()
	return chunks, nil
}
