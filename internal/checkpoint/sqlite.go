package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const (
	schemaVersion = 1

	// Fixed-width UTC layout so timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// timeNow is a test hook.
var timeNow = time.Now

// SQLiteStore is the default Store, backed by a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	tracer trace.Tracer

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. Writes take the database lock up front so the sequence check
// and insert in Put are serialized across processes.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, errors.New("checkpoint database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}
	// One writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db, logger)
}

// NewSQLiteStore wraps an open database and migrates it.
func NewSQLiteStore(db *sql.DB, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLiteStore{
		db:     db,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating checkpoint schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, schemaVersion).Scan(&count); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply statement %q: %w", stmt, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		schemaVersion, timeNow().UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// splitStatements drops comment lines and splits on semicolons.
func splitStatements(script string) []string {
	var lines []string
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}
	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, sessionID string, seq uint64, state []byte) (err error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.put")
	defer func() {
		if err != nil && !errors.Is(err, ErrStaleSequence) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int64("seq", int64(seq)),
		attribute.Int("state_bytes", len(state)),
	)

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateSession(sessionID); err != nil {
		return err
	}
	if seq > math.MaxInt64 {
		return fmt.Errorf("sequence %d out of range", seq)
	}
	if state == nil {
		state = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest int64
	err = tx.QueryRowContext(ctx, `SELECT latest_seq FROM sessions WHERE session_id = ?`, sessionID).Scan(&latest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("reading latest sequence: %w", err)
	case int64(seq) <= latest:
		return fmt.Errorf("%w: session %s has seq %d, got %d", ErrStaleSequence, sessionID, latest, seq)
	}

	now := timeNow().UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, seq, state, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, int64(seq), state, now); err != nil {
		return fmt.Errorf("inserting checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, latest_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET latest_seq = excluded.latest_seq, updated_at = excluded.updated_at`,
		sessionID, int64(seq), now); err != nil {
		return fmt.Errorf("updating session index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint written",
		zap.String("session_id", sessionID),
		zap.Uint64("seq", seq),
		zap.Int("bytes", len(state)))
	return nil
}

// GetLatest implements Store.
func (s *SQLiteStore) GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.get_latest")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateSession(sessionID); err != nil {
		return nil, err
	}

	var (
		seq     int64
		state   []byte
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT c.seq, c.state, c.created_at
		FROM sessions s
		JOIN checkpoints c ON c.session_id = s.session_id AND c.seq = s.latest_seq
		WHERE s.session_id = ?`, sessionID).Scan(&seq, &state, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reading latest checkpoint: %w", err)
	}

	return &Checkpoint{
		SessionID: sessionID,
		Seq:       uint64(seq),
		State:     state,
		CreatedAt: parseTime(created),
	}, nil
}

// ListSessions implements Store.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions ORDER BY updated_at DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]Info, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, length(state), created_at FROM checkpoints WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var infos []Info
	for rows.Next() {
		var (
			seq     int64
			size    int
			created string
		)
		if err := rows.Scan(&seq, &size, &created); err != nil {
			return nil, err
		}
		infos = append(infos, Info{Seq: uint64(seq), Size: size, CreatedAt: parseTime(created)})
	}
	return infos, rows.Err()
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, opts PruneOptions) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if opts.KeepLatest < 0 || opts.OlderThan < 0 {
		return 0, errors.New("prune options must be non-negative")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var removed int64
	if opts.OlderThan > 0 {
		cutoff := timeNow().Add(-opts.OlderThan).UTC().Format(timeLayout)
		res, err := tx.ExecContext(ctx, `
			DELETE FROM checkpoints
			WHERE session_id IN (SELECT session_id FROM sessions WHERE updated_at < ?)`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("pruning expired sessions: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff); err != nil {
			return 0, fmt.Errorf("pruning session index: %w", err)
		}
	}
	if opts.KeepLatest > 0 {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM checkpoints WHERE rowid IN (
				SELECT rowid FROM (
					SELECT rowid, ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY seq DESC) AS rn
					FROM checkpoints
				) WHERE rn > ?
			)`, opts.KeepLatest)
		if err != nil {
			return 0, fmt.Errorf("trimming checkpoint history: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}

	s.logger.Info("checkpoints pruned",
		zap.Int64("removed", removed),
		zap.Int("keep_latest", opts.KeepLatest),
		zap.Duration("older_than", opts.OlderThan))
	return int(removed), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}
