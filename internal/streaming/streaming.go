// Package streaming converts chat turn callbacks into a stable SSE event
// stream with bounded buffering and token coalescing.
package streaming

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Event type discriminators.
const (
	EventToken         = "token"
	EventToolStarted   = "tool_started"
	EventToolCompleted = "tool_completed"
	EventFinal         = "final"
	EventError         = "error"
	EventStop          = "stop"
)

// Event is a single streaming event. Only the fields matching the type are
// populated.
type Event struct {
	Type         string         `json:"type"`
	Delta        string         `json:"delta,omitempty"`
	InvocationID string         `json:"invocation_id,omitempty"`
	ToolName     string         `json:"tool_name,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Status       string         `json:"status,omitempty"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
	Output       string         `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	Payload      any            `json:"payload,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// TokenEvent builds a token delta event.
func TokenEvent(delta string) Event {
	return Event{Type: EventToken, Delta: delta}
}

// ToolStartedEvent announces a tool invocation.
func ToolStartedEvent(invocationID, toolName string, input map[string]any) Event {
	return Event{Type: EventToolStarted, InvocationID: invocationID, ToolName: toolName, Input: input}
}

// ToolCompletedEvent reports the outcome of a tool invocation.
func ToolCompletedEvent(invocationID, status string, durationMs int64, output, errMessage string) Event {
	return Event{
		Type:         EventToolCompleted,
		InvocationID: invocationID,
		Status:       status,
		DurationMs:   durationMs,
		Output:       output,
		Error:        errMessage,
	}
}

// FinalEvent carries the fully normalised chat payload.
func FinalEvent(payload any) Event {
	return Event{Type: EventFinal, Payload: payload}
}

// ErrorEvent terminates the stream with a message.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// StopEvent is sent last in all success paths.
func StopEvent() Event {
	return Event{Type: EventStop}
}

// Frame renders an event as a single SSE frame.
func Frame(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// Bridge fans chat turn events into a bounded channel. Slow sinks never
// lose tokens: once the buffer is full, consecutive token deltas are
// coalesced into one pending event. Tool and final events are never
// coalesced; they flush pending tokens first and then block until the
// consumer catches up or the bridge is cancelled.
type Bridge struct {
	events chan Event
	done   chan struct{}
	cancel sync.Once

	mu      sync.Mutex
	pending strings.Builder
	closed  bool
	final   any
}

// NewBridge creates a bridge with the given channel buffer size.
func NewBridge(buffer int) *Bridge {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bridge{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Events returns the consumer side of the stream. The channel closes after
// Close.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// Final returns the payload of the final event, if one was published.
func (b *Bridge) Final() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.final
}

// Cancel marks the sink as gone. Pending and future publishes are dropped
// and Publish reports false so the producer can stop at the next safe
// point. Cancel never takes the bridge lock: a producer blocked inside
// Publish on a full channel holds it, and Cancel is what unblocks them.
func (b *Bridge) Cancel() {
	b.cancel.Do(func() { close(b.done) })
}

// Cancelled reports whether the sink has gone away.
func (b *Bridge) Cancelled() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Publish delivers an event. It reports false once the bridge is cancelled
// or closed.
func (b *Bridge) Publish(ev Event) bool {
	if b.Cancelled() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}

	if ev.Type == EventToken {
		if ev.Delta == "" {
			return true
		}
		if b.pending.Len() > 0 {
			b.pending.WriteString(ev.Delta)
			b.tryFlushPendingLocked()
			return true
		}
		select {
		case b.events <- ev:
		default:
			// Buffer full: coalesce until the consumer drains.
			b.pending.WriteString(ev.Delta)
		}
		return true
	}

	if !b.flushPendingLocked() {
		return false
	}
	select {
	case b.events <- ev:
	case <-b.done:
		return false
	}
	if ev.Type == EventFinal {
		b.final = ev.Payload
	}
	return true
}

// tryFlushPendingLocked attempts a non-blocking flush of coalesced tokens.
func (b *Bridge) tryFlushPendingLocked() {
	if b.pending.Len() == 0 {
		return
	}
	select {
	case b.events <- TokenEvent(b.pending.String()):
		b.pending.Reset()
	default:
	}
}

// flushPendingLocked blocks until coalesced tokens are delivered or the
// bridge is cancelled.
func (b *Bridge) flushPendingLocked() bool {
	if b.pending.Len() == 0 {
		return true
	}
	select {
	case b.events <- TokenEvent(b.pending.String()):
		b.pending.Reset()
		return true
	case <-b.done:
		return false
	}
}

// Close flushes any coalesced tokens and closes the event channel.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if !b.Cancelled() {
		b.flushPendingLocked()
	}
	b.closed = true
	close(b.events)
}
