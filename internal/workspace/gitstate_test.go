package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/okcvm/okcvm/internal/common/errors"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func newTestGitState(t *testing.T) (*GitState, string) {
	t.Helper()
	requireGit(t)
	root := t.TempDir()
	g := NewGitState(root, nil)
	require.True(t, g.Enabled())
	return g, root
}

func TestGitStateInitReady(t *testing.T) {
	g, root := newTestGitState(t)

	assert.Equal(t, StateReady, g.State())
	_, err := os.Stat(filepath.Join(root, ".git"))
	require.NoError(t, err)

	// Provisioning creates the initial commit.
	snapshots, err := g.ListSnapshots(10)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "Initial workspace state", snapshots[0].Label)
}

func TestGitStateSnapshotRestoreRoundTrip(t *testing.T) {
	g, root := newTestGitState(t)

	file := filepath.Join(root, "index.html")
	require.NoError(t, os.WriteFile(file, []byte("v1"), 0o644))
	first, err := g.Snapshot("After: build homepage")
	require.NoError(t, err)
	assert.Equal(t, "After: build homepage", first.Label)
	assert.Len(t, first.ID, 40)

	require.NoError(t, os.WriteFile(file, []byte("v2"), 0o644))
	untracked := filepath.Join(root, "scratch.txt")
	require.NoError(t, os.WriteFile(untracked, []byte("x"), 0o644))
	_, err = g.Snapshot("second")
	require.NoError(t, err)

	require.NoError(t, g.Restore(first.ID, false))

	content, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))
	_, statErr := os.Stat(untracked)
	assert.True(t, os.IsNotExist(statErr))
}

func TestGitStateSnapshotLabelNormalisation(t *testing.T) {
	g, _ := newTestGitState(t)

	snap, err := g.Snapshot("  spaced   \n label ")
	require.NoError(t, err)
	assert.Equal(t, "spaced label", snap.Label)

	snap, err = g.Snapshot("   ")
	require.NoError(t, err)
	assert.Equal(t, "Workspace snapshot", snap.Label)
}

func TestGitStateListSnapshotsNewestFirst(t *testing.T) {
	g, _ := newTestGitState(t)

	_, err := g.Snapshot("first")
	require.NoError(t, err)
	latest, err := g.Snapshot("second")
	require.NoError(t, err)

	snapshots, err := g.ListSnapshots(2)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, latest.ID, snapshots[0].ID)
	assert.Equal(t, "second", snapshots[0].Label)
	assert.Equal(t, "first", snapshots[1].Label)
}

func TestGitStateRestoreUnknownRef(t *testing.T) {
	g, _ := newTestGitState(t)

	err := g.Restore("deadbeef", false)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnknownSnapshot))
}

func TestGitStateAssignBranchAndCheckout(t *testing.T) {
	g, root := newTestGitState(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	base, err := g.Snapshot("base")
	require.NoError(t, err)

	require.NoError(t, g.AssignBranch("branch-v1", base.ID, true))
	status := g.Describe()
	assert.Equal(t, "branch-v1", status.Branch)
	assert.Equal(t, base.ID, status.Commit)

	// Moving the branch to an unknown ref fails.
	err = g.AssignBranch("branch-v1", "deadbeef", false)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnknownSnapshot))
}

func TestGitStateRestoreBranchByName(t *testing.T) {
	g, root := newTestGitState(t)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("v1"), 0o644))
	_, err := g.Snapshot("v1")
	require.NoError(t, err)
	require.NoError(t, g.AssignBranch("alt", "", false))

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("v2"), 0o644))
	_, err = g.Snapshot("v2")
	require.NoError(t, err)

	require.NoError(t, g.Restore("alt", true))
	status := g.Describe()
	assert.Equal(t, "alt", status.Branch)

	content, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))
}

func TestGitStateDescribeDirtyFlag(t *testing.T) {
	g, root := newTestGitState(t)

	assert.False(t, g.Describe().IsDirty)

	require.NoError(t, os.WriteFile(filepath.Join(root, "dirty.txt"), []byte("x"), 0o644))
	assert.True(t, g.Describe().IsDirty)

	_, err := g.Snapshot("commit it")
	require.NoError(t, err)
	assert.False(t, g.Describe().IsDirty)
}

func TestDisabledEngineSemantics(t *testing.T) {
	g := &GitState{state: StateDisabled}

	_, err := g.Snapshot("anything")
	assert.True(t, apperrors.IsSnapshotDisabled(err))

	snapshots, err := g.ListSnapshots(5)
	require.NoError(t, err)
	assert.Empty(t, snapshots)

	assert.True(t, apperrors.IsSnapshotDisabled(g.Restore("x", false)))
	assert.True(t, apperrors.IsSnapshotDisabled(g.AssignBranch("b", "", false)))
	assert.Equal(t, GitStatus{}, g.Describe())
}
