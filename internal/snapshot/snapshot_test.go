package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/forge/internal/config"
)

func TestCommitter_InitCommitAndNoop(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))

	c := New(config.SnapshotConfig{AuthorName: "Test"}, zaptest.NewLogger(t))
	c.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	first, err := c.Commit(ctx, root, "forge: create a calculator")
	require.NoError(t, err)
	assert.Len(t, first, 40)
	assert.NotEmpty(t, Branch(root))

	again, err := c.Commit(ctx, root, "no changes")
	require.NoError(t, err)
	assert.Equal(t, first, again, "a clean tree creates no commit")

	require.NoError(t, os.WriteFile(filepath.Join(root, "calc.go"), []byte("package main\n"), 0o644))
	second, err := c.Commit(ctx, root, "forge: fix")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	repo, err := git.PlainOpen(root)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, second, head.Hash().String())
	commit, err := repo.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "forge: fix", commit.Message)
	assert.Equal(t, "Test", commit.Author.Name)
	assert.Equal(t, "forge@localhost", commit.Author.Email)
	require.Len(t, commit.ParentHashes, 1)
	assert.Equal(t, first, commit.ParentHashes[0].String())
}

func TestCommitter_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(config.SnapshotConfig{}, nil).Commit(ctx, t.TempDir(), "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBranch_NotARepository(t *testing.T) {
	assert.Empty(t, Branch(t.TempDir()))
}
