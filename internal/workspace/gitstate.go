package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/okcvm/okcvm/internal/common/errors"
	"github.com/okcvm/okcvm/internal/common/logger"
)

// EngineState reports the lifecycle state of the snapshot engine.
type EngineState string

const (
	// StateUninitialised means the repository has not been set up yet.
	StateUninitialised EngineState = "uninitialised"
	// StateReady means snapshots are available.
	StateReady EngineState = "ready"
	// StateDisabled means Git is unavailable; snapshot operations fail
	// with a disabled error but the rest of the system keeps working.
	StateDisabled EngineState = "disabled"
)

const (
	gitInitTimeout = 5 * time.Second
	gitOpTimeout   = 30 * time.Second

	committerName  = "OKC Workspace"
	committerEmail = "workspace@okcvm.local"

	defaultSnapshotLabel = "Workspace snapshot"
)

// Snapshot is a single workspace checkpoint.
type Snapshot struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Timestamp string `json:"timestamp"`
}

// GitStatus describes the repository head.
type GitStatus struct {
	Commit  string `json:"commit"`
	Branch  string `json:"branch"`
	IsDirty bool   `json:"is_dirty"`
}

// GitState version-controls a workspace directory so prior turns can be
// restored. All operations on one engine are serialised.
type GitState struct {
	root  string
	state EngineState
	log   *logger.Logger

	mu sync.Mutex
}

// NewGitState initialises a repository at root. If the git executable is
// missing or initialisation does not finish within the startup timeout the
// engine comes up disabled rather than failing the session.
func NewGitState(root string, log *logger.Logger) *GitState {
	if log == nil {
		log = logger.Default()
	}
	g := &GitState{
		root:  root,
		state: StateUninitialised,
		log:   log.WithFields(zap.String("component", "gitstate")),
	}

	if _, err := exec.LookPath("git"); err != nil {
		g.log.Warn("git executable not found; workspace snapshots disabled")
		g.state = StateDisabled
		return g
	}

	if err := g.initialiseRepo(); err != nil {
		g.log.Warn("failed to initialise workspace repository; snapshots disabled",
			zap.Error(err))
		g.state = StateDisabled
		return g
	}

	g.state = StateReady
	return g
}

// Enabled reports whether snapshot operations are available.
func (g *GitState) Enabled() bool {
	return g.state == StateReady
}

// State returns the engine lifecycle state.
func (g *GitState) State() EngineState {
	return g.state
}

func (g *GitState) gitEnv() []string {
	env := os.Environ()
	env = append(env,
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_GLOBAL="+os.DevNull,
		"GIT_CONFIG_SYSTEM="+os.DevNull,
		"GIT_AUTHOR_NAME="+committerName,
		"GIT_AUTHOR_EMAIL="+committerEmail,
		"GIT_COMMITTER_NAME="+committerName,
		"GIT_COMMITTER_EMAIL="+committerEmail,
		"GIT_DIR="+filepath.Join(g.root, ".git"),
		"GIT_WORK_TREE="+g.root,
	)
	return env
}

func (g *GitState) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = g.gitEnv()
	cmd.Dir = g.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (g *GitState) initialiseRepo() error {
	if _, err := os.Stat(filepath.Join(g.root, ".git")); err == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitInitTimeout)
	defer cancel()

	initCmd := exec.CommandContext(ctx, "git", "init", g.root)
	initCmd.Env = append(os.Environ(),
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_GLOBAL="+os.DevNull,
		"GIT_CONFIG_SYSTEM="+os.DevNull,
	)
	if out, err := initCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git init: %w: %s", err, strings.TrimSpace(string(out)))
	}

	steps := [][]string{
		{"config", "--local", "user.name", committerName},
		{"config", "--local", "user.email", committerEmail},
		{"add", "-A"},
		{"commit", "--allow-empty", "-m", "Initial workspace state"},
	}
	for _, args := range steps {
		if _, err := g.runGit(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

// normaliseLabel folds whitespace and falls back to the default label.
func normaliseLabel(label string) string {
	folded := strings.Join(strings.Fields(label), " ")
	if folded == "" {
		return defaultSnapshotLabel
	}
	return folded
}

// Snapshot stages everything and commits it under the given label.
// Empty commits are allowed so every turn produces a checkpoint.
func (g *GitState) Snapshot(label string) (*Snapshot, error) {
	if !g.Enabled() {
		return nil, apperrors.SnapshotDisabled()
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gitOpTimeout)
	defer cancel()

	message := normaliseLabel(label)
	if _, err := g.runGit(ctx, "add", "-A"); err != nil {
		return nil, apperrors.WorkspaceIO("failed to stage workspace", err)
	}
	if _, err := g.runGit(ctx, "commit", "--allow-empty", "-m", message); err != nil {
		return nil, apperrors.WorkspaceIO("failed to commit snapshot", err)
	}
	head, err := g.runGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, apperrors.WorkspaceIO("failed to read snapshot hash", err)
	}

	return &Snapshot{
		ID:        strings.TrimSpace(head),
		Label:     message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// ListSnapshots returns up to limit snapshots, newest first.
// A disabled engine returns an empty list rather than an error so state
// reporting stays uniform.
func (g *GitState) ListSnapshots(limit int) ([]Snapshot, error) {
	if !g.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gitOpTimeout)
	defer cancel()

	out, err := g.runGit(ctx, "log", fmt.Sprintf("-n%d", limit), "--pretty=format:%H%x1f%ct%x1f%s")
	if err != nil {
		return nil, apperrors.WorkspaceIO("failed to list snapshots", err)
	}

	var snapshots []Snapshot
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.SplitN(line, "\x1f", 3)
		if len(parts) != 3 {
			continue
		}
		ts := time.Unix(0, 0)
		if unix, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			ts = time.Unix(unix, 0)
		}
		snapshots = append(snapshots, Snapshot{
			ID:        parts[0],
			Label:     parts[2],
			Timestamp: ts.UTC().Format(time.RFC3339),
		})
	}
	return snapshots, nil
}

// Restore resets the workspace to ref, which may be a commit hash or a
// branch name, and removes untracked files. With checkout set and ref
// naming a branch, HEAD moves to that branch first so later snapshots land
// on it.
func (g *GitState) Restore(ref string, checkout bool) error {
	if !g.Enabled() {
		return apperrors.SnapshotDisabled()
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gitOpTimeout)
	defer cancel()

	if _, err := g.runGit(ctx, "rev-parse", "--verify", ref); err != nil {
		return apperrors.UnknownSnapshot(ref)
	}

	if checkout && g.branchExists(ctx, ref) {
		if _, err := g.runGit(ctx, "checkout", ref); err != nil {
			return apperrors.WorkspaceIO("failed to check out branch", err)
		}
	}
	if _, err := g.runGit(ctx, "reset", "--hard", ref); err != nil {
		return apperrors.WorkspaceIO("failed to reset workspace", err)
	}
	if _, err := g.runGit(ctx, "clean", "-fd"); err != nil {
		return apperrors.WorkspaceIO("failed to clean workspace", err)
	}
	return nil
}

// AssignBranch creates or moves branch name to ref (HEAD when empty).
func (g *GitState) AssignBranch(name, ref string, checkout bool) error {
	if !g.Enabled() {
		return apperrors.SnapshotDisabled()
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gitOpTimeout)
	defer cancel()

	target := ref
	if target == "" {
		target = "HEAD"
	}
	if _, err := g.runGit(ctx, "rev-parse", "--verify", target); err != nil {
		return apperrors.UnknownSnapshot(target)
	}
	if _, err := g.runGit(ctx, "branch", "-f", name, target); err != nil {
		return apperrors.WorkspaceIO("failed to assign branch", err)
	}
	if checkout {
		if _, err := g.runGit(ctx, "checkout", name); err != nil {
			return apperrors.WorkspaceIO("failed to check out branch", err)
		}
	}
	return nil
}

// Describe reports the current head commit, branch, and dirty flag.
// A disabled engine reports zero values.
func (g *GitState) Describe() GitStatus {
	if !g.Enabled() {
		return GitStatus{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gitOpTimeout)
	defer cancel()

	var status GitStatus
	if out, err := g.runGit(ctx, "rev-parse", "HEAD"); err == nil {
		status.Commit = strings.TrimSpace(out)
	}
	if out, err := g.runGit(ctx, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		status.Branch = strings.TrimSpace(out)
	}
	if out, err := g.runGit(ctx, "status", "--porcelain"); err == nil {
		status.IsDirty = strings.TrimSpace(out) != ""
	}
	return status
}

func (g *GitState) branchExists(ctx context.Context, name string) bool {
	_, err := g.runGit(ctx, "rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}
