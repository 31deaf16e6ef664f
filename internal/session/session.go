// Package session ties workspace, tool registry, VM, uploads, and
// snapshots together into the client-facing chat surface.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/okcvm/okcvm/internal/common/errors"
	"github.com/okcvm/okcvm/internal/common/logger"
	"github.com/okcvm/okcvm/internal/config"
	"github.com/okcvm/okcvm/internal/llm"
	"github.com/okcvm/okcvm/internal/manifest"
	"github.com/okcvm/okcvm/internal/streaming"
	"github.com/okcvm/okcvm/internal/tools"
	"github.com/okcvm/okcvm/internal/vm"
	"github.com/okcvm/okcvm/internal/workspace"
)

// snapshotLabelMaxRunes caps the message-derived snapshot label.
const snapshotLabelMaxRunes = 60

// historyPayloadLimit caps how many history entries ride on a chat
// payload.
const historyPayloadLimit = 25

// WorkspaceSummary is the snapshot view attached to payloads.
type WorkspaceSummary struct {
	Enabled        bool                 `json:"enabled"`
	Snapshots      []workspace.Snapshot `json:"snapshots"`
	LatestSnapshot string               `json:"latest_snapshot,omitempty"`
}

// ChatPayload is the normalised result of one chat turn.
type ChatPayload struct {
	Reply          string           `json:"reply"`
	Meta           vm.Meta          `json:"meta"`
	WebPreview     map[string]any   `json:"web_preview"`
	PPTSlides      []any            `json:"ppt_slides"`
	Artifacts      []map[string]any `json:"artifacts"`
	VMHistory      []vm.HistoryEntry `json:"vm_history"`
	WorkspaceState WorkspaceSummary `json:"workspace_state"`
}

// BootPayload is returned from the boot endpoint.
type BootPayload struct {
	Reply          string           `json:"reply"`
	Meta           vm.Meta          `json:"meta"`
	WebPreview     map[string]any   `json:"web_preview"`
	PPTSlides      []any            `json:"ppt_slides"`
	Artifacts      []map[string]any `json:"artifacts"`
	VM             vm.Info          `json:"vm"`
	Uploads        []UploadedFile   `json:"uploads"`
	WorkspaceState WorkspaceSummary `json:"workspace_state"`
}

// DeletePayload reports the outcome of a full history reset.
type DeletePayload struct {
	HistoryCleared  bool           `json:"history_cleared"`
	ClearedMessages int            `json:"cleared_messages"`
	Workspace       map[string]any `json:"workspace"`
	VM              vm.Info        `json:"vm"`
}

// Options configures a session.
type Options struct {
	ClientID       string
	StorageRoot    string
	PreviewBaseURL string
	Runtime        *config.Runtime
	// Driver overrides the config-derived chat driver, used by tests.
	Driver llm.Driver
	Logger *logger.Logger
}

// SessionState owns one client's workspace, registry, VM, and uploads.
// All public operations serialise on an internal lock, so chat turns for
// one session run FIFO.
type SessionState struct {
	mu sync.Mutex

	clientID    string
	storageRoot string
	previewBase string
	runtime     *config.Runtime
	driver      llm.Driver
	log         *logger.Logger

	ws       *workspace.Manager
	registry *tools.Registry
	machine  *vm.VirtualMachine
	booted   bool
	uploads  []UploadedFile
}

// New provisions a session for the given client.
func New(opts Options) (*SessionState, error) {
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = "default"
	}
	storageRoot := opts.StorageRoot
	if storageRoot == "" {
		storageRoot = filepath.Join(os.TempDir(), "okcvm", "sessions")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	s := &SessionState{
		clientID:    clientID,
		storageRoot: storageRoot,
		previewBase: opts.PreviewBaseURL,
		runtime:     opts.Runtime,
		driver:      opts.Driver,
		log:         log.WithClientID(clientID),
	}
	if err := s.provision(); err != nil {
		return nil, err
	}
	return s, nil
}

// provision builds the workspace, registry, and VM. Called at creation and
// again after a full reset.
func (s *SessionState) provision() error {
	ws, err := workspace.NewManager(workspace.Options{
		BaseDir: filepath.Join(s.storageRoot, s.clientID),
		Logger:  s.log,
	})
	if err != nil {
		return err
	}
	registry, err := tools.NewRegistry(ws, s.log)
	if err != nil {
		return err
	}
	prompt, err := manifest.LoadSystemPrompt()
	if err != nil {
		return err
	}

	s.ws = ws
	s.registry = registry
	s.machine = vm.New(ws.AdaptPrompt(prompt), registry, s.chatDriver(), ws, s.log)
	s.booted = false
	s.uploads = nil
	return nil
}

// chatDriver builds the chat driver from the live configuration. A missing
// or incomplete chat endpoint yields a driver whose turns resolve to an
// error-flagged reply instead of failing the session.
func (s *SessionState) chatDriver() llm.Driver {
	if s.driver != nil {
		return s.driver
	}
	if s.runtime == nil {
		return errorDriver{err: errors.New("chat model is not configured")}
	}
	endpoint := s.runtime.Current().Chat
	if endpoint == nil || endpoint.Model == "" {
		return errorDriver{err: errors.New("chat model is not configured")}
	}
	driver, err := llm.NewAnthropicDriver(llm.AnthropicConfig{
		APIKey:       endpoint.ResolveAPIKey(),
		BaseURL:      endpoint.BaseURL,
		DefaultModel: endpoint.Model,
	})
	if err != nil {
		return errorDriver{err: err}
	}
	return driver
}

// errorDriver satisfies llm.Driver when no usable chat endpoint exists.
type errorDriver struct {
	err error
}

func (d errorDriver) Model() string {
	return "unconfigured"
}

func (d errorDriver) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	chunks := make(chan llm.Chunk, 1)
	chunks <- llm.Chunk{Type: llm.ChunkError, Err: d.err}
	close(chunks)
	return chunks, nil
}

// ClientID returns the identity bound to this session.
func (s *SessionState) ClientID() string {
	return s.clientID
}

// Workspace returns the session's workspace manager.
func (s *SessionState) Workspace() *workspace.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws
}

// VM returns the bound virtual machine.
func (s *SessionState) VM() *vm.VirtualMachine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine
}

// DeploymentsRoot returns the per-client deployments directory.
func (s *SessionState) DeploymentsRoot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.Paths().DeploymentsRoot
}

func (s *SessionState) workspaceSummaryLocked(latest string, limit int) WorkspaceSummary {
	state := s.ws.GitState()
	if !state.Enabled() {
		return WorkspaceSummary{Enabled: false, Snapshots: []workspace.Snapshot{}}
	}
	snapshots, err := state.ListSnapshots(limit)
	if err != nil {
		s.log.Warn("failed to list snapshots", zap.Error(err))
	}
	if snapshots == nil {
		snapshots = []workspace.Snapshot{}
	}
	summary := WorkspaceSummary{Enabled: true, Snapshots: snapshots}
	switch {
	case latest != "":
		summary.LatestSnapshot = latest
	case len(snapshots) > 0:
		summary.LatestSnapshot = snapshots[0].ID
	}
	return summary
}

func (s *SessionState) bootMeta() vm.Meta {
	return vm.Meta{
		Model:     BootModelName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Summary:   BootSummary,
	}
}

// Boot returns the welcome payload. The welcome message is recorded in
// history exactly once; later boots replay the recorded greeting without
// resetting anything.
func (s *SessionState) Boot() *BootPayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply := WelcomeMessage
	if !s.booted {
		s.machine.AppendAssistant(WelcomeMessage, nil)
		s.booted = true
	} else if history := s.machine.RecentHistory(0); len(history) > 0 && history[0].Role == "assistant" {
		reply = history[0].Content
	}
	s.log.Info("session booted", zap.Int("history", s.machine.HistoryLength()))

	return &BootPayload{
		Reply:          reply,
		Meta:           s.bootMeta(),
		WebPreview:     map[string]any{"html": StudioHTML},
		PPTSlides:      bootSlides(),
		Artifacts:      []map[string]any{},
		VM:             s.machine.Describe(),
		Uploads:        s.uploadListLocked(),
		WorkspaceState: s.workspaceSummaryLocked("", 10),
	}
}

// Respond runs a chat turn and shapes the rich payload: preview content
// and artifacts scanned from the last tool invocation, a post-turn
// snapshot labelled by the user message, and the recent history. Events
// stream to sink while the turn runs.
func (s *SessionState) Respond(ctx context.Context, message string, replaceLast bool, sink func(streaming.Event)) (*ChatPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("session respond invoked", zap.Int("message_len", len(message)))
	result, err := s.machine.Respond(ctx, message, replaceLast, sink)
	if err != nil {
		return nil, err
	}

	payload := &ChatPayload{
		Reply:     result.Reply,
		Meta:      result.Meta,
		PPTSlides: []any{},
		Artifacts: []map[string]any{},
		VMHistory: s.machine.RecentHistory(historyPayloadLimit),
	}

	if len(result.ToolCalls) > 0 {
		details := extractPreview(result.ToolCalls[len(result.ToolCalls)-1])
		if details.slides != nil {
			payload.PPTSlides = details.slides
		}
		if details.preview != nil {
			if rawURL := stringField(details.preview["url"]); rawURL != "" {
				resolved := resolvePreviewURL(rawURL, s.previewBase)
				resolved = appendClientID(resolved, s.clientID, s.previewBase)
				details.preview["url"] = resolved

				if details.deployment != nil {
					artifact := map[string]any{"type": "website", "url": resolved}
					name := firstStringField(details.deployment, "name", "slug")
					if name == "" {
						name = stringField(details.preview["title"])
					}
					if name == "" {
						name = "Web preview"
					}
					artifact["name"] = name
					if id := fmt.Sprint(details.deployment["id"]); id != "" && id != "<nil>" {
						artifact["deployment_id"] = id
					}
					payload.Artifacts = append(payload.Artifacts, artifact)
				}
			}
			payload.WebPreview = details.preview
		}
	}

	// Best-effort snapshot so every exchange is a restore point.
	var latest string
	if state := s.ws.GitState(); state.Enabled() {
		seed := "message"
		if trimmed := strings.TrimSpace(message); trimmed != "" {
			seed = strings.SplitN(trimmed, "\n", 2)[0]
			if runes := []rune(seed); len(runes) > snapshotLabelMaxRunes {
				seed = string(runes[:snapshotLabelMaxRunes])
			}
		}
		if snapshot, err := state.Snapshot("After: " + seed); err != nil {
			s.log.Warn("post-turn snapshot failed", zap.Error(err))
		} else {
			latest = snapshot.ID
		}
	}
	payload.WorkspaceState = s.workspaceSummaryLocked(latest, 10)

	s.log.Info("session response ready",
		zap.String("model", result.Meta.Model),
		zap.Int("history", s.machine.HistoryLength()),
		zap.Int("tool_calls", len(result.ToolCalls)))
	return payload, nil
}

// Describe returns the VM description.
func (s *SessionState) Describe() vm.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Describe()
}

// ListHistory returns the full history, or the single entry when id is
// set.
func (s *SessionState) ListHistory(id string) ([]vm.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		return s.machine.History(), nil
	}
	entry, ok := s.machine.GetHistory(id)
	if !ok {
		return nil, apperrors.NotFound("history entry", id)
	}
	return []vm.HistoryEntry{entry}, nil
}

// DeleteHistory clears the conversation and destroys the workspace,
// including the session's deployments, then provisions a fresh VM.
func (s *SessionState) DeleteHistory() (*DeletePayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("session history deletion requested")
	cleared := s.machine.HistoryLength()
	details := s.cleanupWorkspaceLocked(true)
	if err := s.provision(); err != nil {
		return nil, err
	}

	return &DeletePayload{
		HistoryCleared:  true,
		ClearedMessages: cleared,
		Workspace:       details,
		VM:              s.machine.Describe(),
	}, nil
}

// cleanupWorkspaceLocked removes the workspace directory and, when asked,
// the session's deployments. It reports what was touched rather than
// failing.
func (s *SessionState) cleanupWorkspaceLocked(removeDeployments bool) map[string]any {
	paths := s.ws.Paths()
	details := map[string]any{
		"mount":           paths.Mount,
		"output":          paths.Output,
		"internal_root":   paths.InternalRoot,
		"internal_mount":  paths.InternalMount,
		"internal_output": paths.InternalOutput,
		"internal_tmp":    paths.InternalTmp,
	}

	removed, err := s.ws.Cleanup()
	details["removed"] = removed
	if err != nil {
		details["error"] = err.Error()
		s.log.Error("workspace cleanup failed", zap.Error(err))
	}
	if removeDeployments {
		details["deployments"] = tools.CleanupSessionDeployments(paths.DeploymentsRoot, paths.SessionID)
	}
	return details
}

// Cleanup destroys the workspace without re-provisioning, used when the
// session is dropped for good.
func (s *SessionState) Cleanup() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupWorkspaceLocked(true)
}

// CreateSnapshot records a labelled snapshot and returns the refreshed
// summary.
func (s *SessionState) CreateSnapshot(label string, limit int) (WorkspaceSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.ws.GitState()
	if !state.Enabled() {
		return WorkspaceSummary{}, apperrors.SnapshotDisabled()
	}
	snapshot, err := state.Snapshot(label)
	if err != nil {
		return WorkspaceSummary{}, err
	}
	return s.workspaceSummaryLocked(snapshot.ID, limit), nil
}

// ListSnapshots returns the snapshot summary.
func (s *SessionState) ListSnapshots(limit int) WorkspaceSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaceSummaryLocked("", limit)
}

// RestoreSnapshot resets the workspace to the given ref. With checkout the
// ref is treated as a branch to switch to first.
func (s *SessionState) RestoreSnapshot(ref string, checkout bool, limit int) (WorkspaceSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.ws.GitState()
	if !state.Enabled() {
		return WorkspaceSummary{}, apperrors.SnapshotDisabled()
	}
	if err := state.Restore(ref, checkout); err != nil {
		return WorkspaceSummary{}, err
	}
	return s.workspaceSummaryLocked(ref, limit), nil
}

// AssignBranch points a branch at a ref, optionally checking it out.
func (s *SessionState) AssignBranch(name, ref string, checkout bool, limit int) (WorkspaceSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.ws.GitState()
	if !state.Enabled() {
		return WorkspaceSummary{}, apperrors.SnapshotDisabled()
	}
	if err := state.AssignBranch(name, ref, checkout); err != nil {
		return WorkspaceSummary{}, err
	}
	return s.workspaceSummaryLocked("", limit), nil
}

// WorkspaceStateSummary returns the current snapshot summary.
func (s *SessionState) WorkspaceStateSummary() WorkspaceSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaceSummaryLocked("", 10)
}
