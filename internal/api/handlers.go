package api

import (
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/okcvm/okcvm/internal/common/errors"
	"github.com/okcvm/okcvm/internal/common/logger"
	"github.com/okcvm/okcvm/internal/config"
	"github.com/okcvm/okcvm/internal/session"
	"github.com/okcvm/okcvm/internal/storage"
)

// Handler bundles the HTTP handlers with their collaborators.
type Handler struct {
	sessions *session.Store
	store    *storage.ConversationStore
	runtime  *config.Runtime
	logger   *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(sessions *session.Store, store *storage.ConversationStore, runtime *config.Runtime, log *logger.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		store:    store,
		runtime:  runtime,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

func (h *Handler) session(c *gin.Context) (*session.SessionState, bool) {
	state, err := h.sessions.Get(resolveClientID(c))
	if err != nil {
		c.Error(err)
		return nil, false
	}
	return state, true
}

// GetConfig returns the redacted model configuration.
// GET /api/config
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.runtime.Current().Describe())
}

// UpdateConfig applies a partial configuration update and returns the new
// redacted snapshot.
// POST /api/config
func (h *Handler) UpdateConfig(c *gin.Context) {
	var payload config.UpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.Error(errors.BadRequest("invalid request body: " + err.Error()))
		return
	}
	next := h.runtime.Apply(payload)
	h.logger.Info("configuration updated")
	c.JSON(http.StatusOK, next.Describe())
}

// SessionInfo returns the VM description.
// GET /api/session/info
func (h *Handler) SessionInfo(c *gin.Context) {
	state, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, state.Describe())
}

// SessionBoot returns the lazy boot payload.
// GET /api/session/boot
func (h *Handler) SessionBoot(c *gin.Context) {
	state, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, state.Boot())
}

// ListHistory returns the full conversation history.
// GET /api/session/history
func (h *Handler) ListHistory(c *gin.Context) {
	state, ok := h.session(c)
	if !ok {
		return
	}
	entries, err := state.ListHistory("")
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// GetHistoryEntry returns one history entry by id.
// GET /api/session/history/:id
func (h *Handler) GetHistoryEntry(c *gin.Context) {
	state, ok := h.session(c)
	if !ok {
		return
	}
	entries, err := state.ListHistory(c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, entries[0])
}

// DeleteHistory clears history and destroys the workspace.
// DELETE /api/session/history
func (h *Handler) DeleteHistory(c *gin.Context) {
	state, ok := h.session(c)
	if !ok {
		return
	}
	result, err := state.DeleteHistory()
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListFiles returns the session's uploads.
// GET /api/session/files
func (h *Handler) ListFiles(c *gin.Context) {
	state, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": state.ListUploads()})
}

// UploadFiles stores multipart uploads in the workspace.
// POST /api/session/files
func (h *Handler) UploadFiles(c *gin.Context) {
	state, ok := h.session(c)
	if !ok {
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.Error(errors.BadRequest("invalid multipart form: " + err.Error()))
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		headers = form.File["file"]
	}
	if len(headers) == 0 {
		c.Error(errors.BadRequest("no files in request"))
		return
	}

	incoming := make([]session.IncomingFile, 0, len(headers))
	for _, header := range headers {
		incoming = append(incoming, incomingFromHeader(header))
	}

	payload, err := state.UploadFiles(incoming)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func incomingFromHeader(header *multipart.FileHeader) session.IncomingFile {
	return session.IncomingFile{
		Name: header.Filename,
		Size: header.Size,
		Open: func() (io.ReadCloser, error) {
			return header.Open()
		},
	}
}

// ListSnapshots returns the workspace snapshot summary.
// GET /api/session/workspace/snapshots
func (h *Handler) ListSnapshots(c *gin.Context) {
	state, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, state.ListSnapshots(limitParam(c, 20)))
}

type snapshotRequest struct {
	Label string `json:"label"`
}

// CreateSnapshot records a labelled snapshot.
// POST /api/session/workspace/snapshots
func (h *Handler) CreateSnapshot(c *gin.Context) {
	state, ok := h.session(c)
	if !ok {
		return
	}
	var req snapshotRequest
	_ = c.ShouldBindJSON(&req)

	summary, err := state.CreateSnapshot(req.Label, limitParam(c, 20))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type restoreRequest struct {
	SnapshotID string `json:"snapshot_id"`
	Branch     string `json:"branch"`
	Checkout   bool   `json:"checkout"`
}

// RestoreWorkspace resets the workspace to a snapshot or branch.
// POST /api/session/workspace/restore
func (h *Handler) RestoreWorkspace(c *gin.Context) {
	state, ok := h.session(c)
	if !ok {
		return
	}
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.BadRequest("invalid request body: " + err.Error()))
		return
	}

	ref := req.SnapshotID
	checkout := req.Checkout
	if ref == "" && req.Branch != "" {
		ref = req.Branch
		checkout = true
	}
	if ref == "" {
		c.Error(errors.BadRequest("snapshot_id or branch is required"))
		return
	}

	summary, err := state.RestoreSnapshot(ref, checkout, limitParam(c, 20))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type branchRequest struct {
	Name     string `json:"name"`
	Ref      string `json:"ref"`
	Checkout bool   `json:"checkout"`
}

// AssignBranch creates or moves a workspace branch, backing a
// conversation branch switch in the UI.
// POST /api/session/workspace/branch
func (h *Handler) AssignBranch(c *gin.Context) {
	state, ok := h.session(c)
	if !ok {
		return
	}
	var req branchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.BadRequest("invalid request body: " + err.Error()))
		return
	}
	if req.Name == "" {
		c.Error(errors.BadRequest("name is required"))
		return
	}

	summary, err := state.AssignBranch(req.Name, req.Ref, req.Checkout, limitParam(c, 20))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListConversations returns the client's saved conversations.
// GET /api/conversations
func (h *Handler) ListConversations(c *gin.Context) {
	conversations, err := h.store.List(c.Request.Context(), resolveClientID(c))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// SaveConversation creates or overwrites a conversation.
// POST /api/conversations
func (h *Handler) SaveConversation(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.Error(errors.BadRequest("invalid request body: " + err.Error()))
		return
	}
	saved, err := h.store.Save(c.Request.Context(), resolveClientID(c), payload)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// UpdateConversation updates a conversation; the path id wins over any id
// in the body.
// PUT /api/conversations/:id
func (h *Handler) UpdateConversation(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.Error(errors.BadRequest("invalid request body: " + err.Error()))
		return
	}
	payload["id"] = c.Param("id")
	saved, err := h.store.Save(c.Request.Context(), resolveClientID(c), payload)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// DeleteConversation removes a conversation and reports workspace
// cleanup.
// DELETE /api/conversations/:id
func (h *Handler) DeleteConversation(c *gin.Context) {
	summary, err := h.store.Delete(c.Request.Context(), resolveClientID(c), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "workspace": summary})
}

func limitParam(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
