package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a throwaway git repository with one commit.
func initTestRepo(t *testing.T) *Git {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	g := NewGit(dir, nil)
	ctx := context.Background()

	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		_, err := g.run(ctx, args...)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644))
	require.NoError(t, g.StageAll(ctx))
	_, err := g.Commit(ctx, "seed")
	require.NoError(t, err)
	return g
}

func TestBranchCommitFlow(t *testing.T) {
	g := initTestRepo(t)
	ctx := context.Background()

	require.NoError(t, g.EnsureRepo(ctx))
	require.NoError(t, g.CreateBranch(ctx, "feature/task-abc"))

	branch, err := g.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feature/task-abc", branch)

	require.NoError(t, os.WriteFile(filepath.Join(g.repoDir, "work.txt"), []byte("done\n"), 0o644))
	changed, err := g.HasChanges(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, g.StageAll(ctx))
	commit, err := g.Commit(ctx, "implement task")
	require.NoError(t, err)
	assert.Len(t, commit, 40)

	head, err := g.HeadCommit(ctx)
	require.NoError(t, err)
	assert.Equal(t, commit, head)

	require.NoError(t, g.Checkout(ctx, "main"))
	branch, err = g.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestResetWorkingTree(t *testing.T) {
	g := initTestRepo(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(g.repoDir, "README.md"), []byte("mangled\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(g.repoDir, "junk.txt"), []byte("junk\n"), 0o644))

	require.NoError(t, g.ResetWorkingTree(ctx))

	data, err := os.ReadFile(filepath.Join(g.repoDir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "seed\n", string(data))
	_, err = os.Stat(filepath.Join(g.repoDir, "junk.txt"))
	assert.True(t, os.IsNotExist(err), "untracked files are cleaned")

	changed, err := g.HasChanges(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCreateBranchResetsLeftover(t *testing.T) {
	g := initTestRepo(t)
	ctx := context.Background()

	// First attempt commits on the branch, then the tree returns to main.
	require.NoError(t, g.CreateBranch(ctx, "feature/task-abc"))
	require.NoError(t, os.WriteFile(filepath.Join(g.repoDir, "stale.txt"), []byte("stale\n"), 0o644))
	require.NoError(t, g.StageAll(ctx))
	_, err := g.Commit(ctx, "first attempt")
	require.NoError(t, err)
	require.NoError(t, g.Checkout(ctx, "main"))
	mainHead, err := g.HeadCommit(ctx)
	require.NoError(t, err)

	// A retry reuses the name; the branch is recreated at main's HEAD.
	require.NoError(t, g.CreateBranch(ctx, "feature/task-abc"))
	branch, err := g.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "feature/task-abc", branch)
	head, err := g.HeadCommit(ctx)
	require.NoError(t, err)
	assert.Equal(t, mainHead, head, "leftover branch reset to the fork point")
	_, err = os.Stat(filepath.Join(g.repoDir, "stale.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestBranchNameValidation(t *testing.T) {
	g := NewGit(t.TempDir(), nil)
	ctx := context.Background()

	for _, name := range []string{"", "  ", "-rf", "a..b", "a b", "a~b", "a:b", "a?b"} {
		assert.Error(t, g.CreateBranch(ctx, name), "branch %q must be rejected", name)
	}
}

func TestCommitRequiresMessage(t *testing.T) {
	g := initTestRepo(t)
	_, err := g.Commit(context.Background(), "   ")
	assert.Error(t, err)
}
