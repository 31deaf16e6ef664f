package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/okcvm/okcvm/internal/common/errors"
	"github.com/okcvm/okcvm/internal/session"
	"github.com/okcvm/okcvm/internal/streaming"
)

// sessionResponder is the slice of SessionState the streaming path needs,
// kept narrow so tests can script turns.
type sessionResponder interface {
	Respond(ctx context.Context, message string, replaceLast bool, sink func(streaming.Event)) (*session.ChatPayload, error)
}

// chatRequest is the body for POST /api/chat.
type chatRequest struct {
	Message     string `json:"message" binding:"required"`
	ReplaceLast bool   `json:"replace_last"`
	Stream      bool   `json:"stream"`
}

// Chat runs a chat turn. With stream=true and an SSE-capable client the
// turn is delivered as an event stream; otherwise the normalised payload
// is returned in one JSON response.
// POST /api/chat
func (h *Handler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.BadRequest("invalid request body: " + err.Error()))
		return
	}

	state, ok := h.session(c)
	if !ok {
		return
	}

	if req.Stream && strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.chatStream(c, state, req)
		return
	}

	payload, err := state.Respond(c.Request.Context(), req.Message, req.ReplaceLast, nil)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

// chatStream runs the turn in the background and relays bridge events as
// SSE frames. A client disconnect cancels the bridge; the turn still
// finishes so history and snapshots stay consistent.
func (h *Handler) chatStream(c *gin.Context, state sessionResponder, req chatRequest) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	bridge := streaming.NewBridge(64)
	go func() {
		defer bridge.Close()
		payload, err := state.Respond(c.Request.Context(), req.Message, req.ReplaceLast, func(ev streaming.Event) {
			bridge.Publish(ev)
		})
		if err != nil {
			h.logger.Error("chat turn failed", zap.Error(err))
			bridge.Publish(streaming.ErrorEvent(err.Error()))
			return
		}
		bridge.Publish(streaming.FinalEvent(payload))
		bridge.Publish(streaming.StopEvent())
	}()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case ev, ok := <-bridge.Events():
			if !ok {
				return
			}
			frame, err := streaming.Frame(ev)
			if err != nil {
				h.logger.Error("failed to encode event", zap.Error(err))
				continue
			}
			if _, err := c.Writer.Write(frame); err != nil {
				bridge.Cancel()
				h.drain(bridge)
				return
			}
			c.Writer.Flush()
		case <-clientGone:
			bridge.Cancel()
			h.drain(bridge)
			return
		}
	}
}

// drain empties the bridge after cancellation so the producer goroutine
// can run to completion.
func (h *Handler) drain(bridge *streaming.Bridge) {
	go func() {
		for range bridge.Events() {
		}
	}()
}
