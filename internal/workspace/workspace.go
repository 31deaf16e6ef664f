// Package workspace provides per-session sandboxed directories with
// Git-backed snapshots. All tool and upload I/O is confined to the
// session's internal root; the agent only ever sees a virtual mount path.
package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/okcvm/okcvm/internal/common/errors"
	"github.com/okcvm/okcvm/internal/common/logger"
	"github.com/okcvm/okcvm/internal/manifest"
)

// Paths holds both public (agent-facing) and internal workspace locations.
type Paths struct {
	SessionID       string `json:"session_id"`
	Mount           string `json:"mount"`
	Output          string `json:"output"`
	InternalRoot    string `json:"internal_root"`
	InternalMount   string `json:"internal_mount"`
	InternalOutput  string `json:"internal_output"`
	InternalTmp     string `json:"internal_tmp"`
	StorageRoot     string `json:"storage_root"`
	DeploymentsRoot string `json:"deployments_root"`
}

// State is the workspace view reported to clients.
type State struct {
	Enabled        bool       `json:"enabled"`
	Snapshots      []Snapshot `json:"snapshots"`
	LatestSnapshot string     `json:"latest_snapshot,omitempty"`
	Paths          Paths      `json:"paths"`
	Git            GitStatus  `json:"git"`
}

// Options configures workspace provisioning.
type Options struct {
	// BaseDir is the client-scoped storage root; session directories and
	// the deployments directory are created under it.
	BaseDir string
	// SessionID overrides the generated id, used by tests.
	SessionID string
	Logger    *logger.Logger
}

// Manager creates and resolves session-specific workspace directories.
type Manager struct {
	paths Paths
	state *GitState
	log   *logger.Logger

	mu      sync.Mutex
	cleaned bool
}

// newSessionID returns an 8 character hex session identifier.
func newSessionID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf)
}

// NewManager provisions a workspace under opts.BaseDir and initialises the
// snapshot engine. The returned manager owns the directory until Cleanup.
func NewManager(opts Options) (*Manager, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = newSessionID()
	}

	baseDir := opts.BaseDir
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "okcvm", "sessions")
	}
	baseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, apperrors.WorkspaceIO("failed to resolve storage root", err)
	}

	internalRoot := filepath.Join(baseDir, sessionID)
	mount := "/mnt/okcvm-" + sessionID + "/"

	paths := Paths{
		SessionID:       sessionID,
		Mount:           mount,
		Output:          mount + "output/",
		InternalRoot:    internalRoot,
		InternalMount:   filepath.Join(internalRoot, "mnt"),
		InternalOutput:  filepath.Join(internalRoot, "output"),
		InternalTmp:     filepath.Join(internalRoot, "tmp"),
		StorageRoot:     baseDir,
		DeploymentsRoot: filepath.Join(baseDir, "deployments"),
	}

	for _, dir := range []string{paths.InternalMount, paths.InternalOutput, paths.InternalTmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.WorkspaceIO("failed to create workspace directory", err)
		}
	}

	m := &Manager{
		paths: paths,
		log:   log.WithSessionID(sessionID),
	}
	m.state = NewGitState(internalRoot, m.log)

	m.log.Info("workspace provisioned",
		zap.String("mount", mount),
		zap.String("internal_root", internalRoot),
		zap.Bool("snapshots_enabled", m.state.Enabled()))
	return m, nil
}

// Paths returns the workspace path set.
func (m *Manager) Paths() Paths {
	return m.paths
}

// SessionID returns the unique identifier tied to this workspace.
func (m *Manager) SessionID() string {
	return m.paths.SessionID
}

// GitState returns the snapshot engine.
func (m *Manager) GitState() *GitState {
	return m.state
}

// Resolve maps an agent-supplied path to the internal workspace location.
// Both absolute and relative inputs are accepted; Windows separators are
// normalised. Paths under the public mount are re-anchored to the internal
// root, and generic absolute paths are anchored as well so the agent does
// not need to know the random mount id. A result outside the internal root
// fails with a path escape error.
func (m *Manager) Resolve(rawPath string) (string, error) {
	if rawPath == "" {
		return "", apperrors.ValidationError("file_path", "cannot be empty")
	}

	normalised := strings.ReplaceAll(rawPath, "\\", "/")

	var relative string
	switch {
	case normalised == strings.TrimSuffix(m.paths.Mount, "/"):
		relative = "."
	case strings.HasPrefix(normalised, m.paths.Mount):
		relative = normalised[len(m.paths.Mount):]
	case strings.HasPrefix(normalised, "/"):
		relative = strings.TrimLeft(normalised, "/")
	default:
		relative = normalised
	}

	candidate := filepath.Join(m.paths.InternalRoot, filepath.FromSlash(relative))
	if err := m.checkDescendancy(candidate); err != nil {
		return "", err
	}
	if err := m.checkSymlinkEscape(candidate); err != nil {
		return "", err
	}
	return candidate, nil
}

func (m *Manager) checkDescendancy(candidate string) error {
	rel, err := filepath.Rel(m.paths.InternalRoot, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return apperrors.PathEscape(candidate)
	}
	return nil
}

// checkSymlinkEscape canonicalises the nearest existing ancestor of the
// candidate and re-checks descendancy, so symlinks inside the workspace
// cannot point writes outside it.
func (m *Manager) checkSymlinkEscape(candidate string) error {
	existing := candidate
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return nil
		}
		existing = parent
	}

	resolvedRoot, err := filepath.EvalSymlinks(m.paths.InternalRoot)
	if err != nil {
		return nil
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return nil
	}
	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return apperrors.PathEscape(candidate)
	}
	return nil
}

// AdaptPrompt rewrites legacy mount references in the system prompt to this
// session's mount. The output prefix is replaced before the shorter mount
// prefix so nested paths survive.
func (m *Manager) AdaptPrompt(prompt string) string {
	prompt = strings.ReplaceAll(prompt, manifest.LegacyOutputPrefix, m.paths.Output)
	prompt = strings.ReplaceAll(prompt, manifest.LegacyMountPrefix, m.paths.Mount)
	return prompt
}

// Describe assembles the client-facing workspace state.
func (m *Manager) Describe() State {
	snapshots, err := m.state.ListSnapshots(20)
	if err != nil {
		m.log.Warn("failed to list snapshots", zap.Error(err))
	}
	state := State{
		Enabled:   m.state.Enabled(),
		Snapshots: snapshots,
		Paths:     m.paths,
		Git:       m.state.Describe(),
	}
	if len(snapshots) > 0 {
		state.LatestSnapshot = snapshots[0].ID
	}
	return state
}

// Cleanup removes the workspace directory. It is idempotent: a missing
// directory or repeated call reports false with no error.
func (m *Manager) Cleanup() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cleaned {
		return false, nil
	}
	if _, err := os.Stat(m.paths.InternalRoot); os.IsNotExist(err) {
		m.cleaned = true
		return false, nil
	}
	if err := os.RemoveAll(m.paths.InternalRoot); err != nil {
		return false, apperrors.WorkspaceIO("failed to remove workspace", err)
	}
	m.cleaned = true
	m.log.Info("workspace removed")
	return true, nil
}
