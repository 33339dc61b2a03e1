// Package checkpoint persists sequence-numbered snapshots of workflow state.
//
// For a given session, checkpoints are totally ordered by sequence number and
// the latest one determines where a resumed run continues. Put rejects any
// sequence number that is not strictly greater than the latest, so a stale
// resumer can never overwrite a live session. Nothing expires implicitly;
// retention is the explicit Prune operation.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/config"
)

const instrumentationName = "github.com/fyrsmithlabs/forge/internal/checkpoint"

var (
	// ErrNotFound is returned when a session has no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStaleSequence is returned by Put when seq is not greater than the
	// latest sequence number stored for the session.
	ErrStaleSequence = errors.New("stale checkpoint sequence")

	// ErrInvalidSession is returned for empty session ids.
	ErrInvalidSession = errors.New("invalid session id")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("checkpoint store is closed")
)

// Checkpoint is a stored snapshot.
type Checkpoint struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Info describes a checkpoint without its state blob.
type Info struct {
	Seq       uint64    `json:"seq"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// PruneOptions selects what Prune removes.
type PruneOptions struct {
	// KeepLatest trims each session's history to its newest N checkpoints.
	// Zero leaves history alone. The latest checkpoint is always kept.
	KeepLatest int

	// OlderThan removes whole sessions whose latest checkpoint is older
	// than this age. Zero disables age-based removal.
	OlderThan time.Duration
}

// Store is the durable checkpoint store.
type Store interface {
	// Put writes state as checkpoint seq of sessionID. It fails with
	// ErrStaleSequence if seq <= the session's latest sequence number.
	Put(ctx context.Context, sessionID string, seq uint64, state []byte) error

	// GetLatest returns the newest checkpoint or ErrNotFound.
	GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error)

	// ListSessions returns all session ids, most recently updated first.
	ListSessions(ctx context.Context) ([]string, error)

	// List returns checkpoint metadata for a session, oldest first.
	List(ctx context.Context, sessionID string) ([]Info, error)

	// Prune removes checkpoints per opts and returns how many were removed.
	Prune(ctx context.Context, opts PruneOptions) (int, error)

	Close() error
}

// New opens the backend selected by cfg.
func New(ctx context.Context, cfg config.CheckpointConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return OpenSQLite(config.ExpandHome(cfg.Path), logger)
	case "redis":
		return NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword.Value(),
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

func validateSession(sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSession
	}
	return nil
}
