// Package snapshot commits a generated workspace to a local git repository.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/config"
)

const (
	defaultAuthorName  = "forge"
	defaultAuthorEmail = "forge@localhost"
)

// Committer records workspace snapshots as git commits.
type Committer struct {
	name   string
	email  string
	logger *zap.Logger
	now    func() time.Time
}

// New returns a Committer using the configured author.
func New(cfg config.SnapshotConfig, logger *zap.Logger) *Committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Committer{
		name:   cfg.AuthorName,
		email:  cfg.AuthorEmail,
		logger: logger,
		now:    time.Now,
	}
	if c.name == "" {
		c.name = defaultAuthorName
	}
	if c.email == "" {
		c.email = defaultAuthorEmail
	}
	return c
}

// Commit stages everything under root and commits it, initializing a
// repository if root is not one yet. When nothing changed it returns the
// current HEAD without creating a commit.
func (c *Committer) Commit(ctx context.Context, root, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(root, false)
	}
	if err != nil {
		return "", fmt.Errorf("opening repository at %s: %w", root, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging workspace: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("reading status: %w", err)
	}
	if status.IsClean() {
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("nothing to commit and no HEAD: %w", err)
		}
		return head.Hash().String(), nil
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: c.name, Email: c.email, When: c.now()},
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	c.logger.Info("workspace snapshot committed",
		zap.String("root", root),
		zap.String("commit", hash.String()),
		zap.Int("changes", len(status)))
	return hash.String(), nil
}

// Branch returns the checked-out branch of root, or "" when root is not a
// repository or HEAD is detached.
func Branch(root string) string {
	repo, err := git.PlainOpen(root)
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}
