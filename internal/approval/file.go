package approval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Decision file suffixes. A file named <request_id><suffix> in the
// approvals directory decides that request; its contents are the reason.
const (
	ApprovedSuffix = ".approved"
	RejectedSuffix = ".rejected"
)

// ErrInvalidRequestID is returned for ids that cannot name a decision file.
var ErrInvalidRequestID = errors.New("invalid approval request id")

// WriteDecision drops a decision file for requestID into dir.
func WriteDecision(dir, requestID string, approved bool, reason string) (string, error) {
	if err := validateRequestID(requestID); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating approvals directory: %w", err)
	}
	suffix := RejectedSuffix
	if approved {
		suffix = ApprovedSuffix
	}
	final := filepath.Join(dir, requestID+suffix)
	tmp := filepath.Join(dir, "."+requestID+suffix+".tmp")
	if err := os.WriteFile(tmp, []byte(reason), 0o600); err != nil {
		return "", fmt.Errorf("writing decision: %w", err)
	}
	// Rename so the watcher never sees a half-written file.
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("writing decision: %w", err)
	}
	return final, nil
}

func validateRequestID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") || filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidRequestID, id)
	}
	return nil
}

// FileDecider feeds decisions dropped into a directory to a Gate.
type FileDecider struct {
	dir    string
	gate   *Gate
	logger *zap.Logger
}

// NewFileDecider returns a decider for dir. Call Run to start watching.
func NewFileDecider(dir string, gate *Gate, logger *zap.Logger) *FileDecider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileDecider{dir: dir, gate: gate, logger: logger}
}

// Notify re-scans for a decision file matching a newly pending request.
// It has the Notifier signature so it can be registered on the gate.
func (d *FileDecider) Notify(_ context.Context, req *Request) {
	for _, suffix := range []string{ApprovedSuffix, RejectedSuffix} {
		path := filepath.Join(d.dir, req.ID+suffix)
		if _, err := os.Stat(path); err == nil {
			d.apply(path)
			return
		}
	}
}

// Run watches the directory until ctx is done.
func (d *FileDecider) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0o700); err != nil {
		return fmt.Errorf("creating approvals directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.dir); err != nil {
		return fmt.Errorf("watching %s: %w", d.dir, err)
	}
	d.Scan()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				d.apply(ev.Name)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("approval watcher error", zap.Error(werr))
		}
	}
}

// Scan applies every decision file currently in the directory.
func (d *FileDecider) Scan() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Warn("reading approvals directory", zap.String("dir", d.dir), zap.Error(err))
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			d.apply(filepath.Join(d.dir, e.Name()))
		}
	}
}

func (d *FileDecider) apply(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}
	var approved bool
	var id string
	switch {
	case strings.HasSuffix(name, ApprovedSuffix):
		approved, id = true, strings.TrimSuffix(name, ApprovedSuffix)
	case strings.HasSuffix(name, RejectedSuffix):
		id = strings.TrimSuffix(name, RejectedSuffix)
	default:
		return
	}

	reason, err := os.ReadFile(path)
	if err != nil {
		// Already consumed by a concurrent event.
		return
	}
	err = d.gate.Decide(id, approved, "file", strings.TrimSpace(string(reason)))
	switch {
	case err == nil, errors.Is(err, ErrAlreadyResolved):
		_ = os.Remove(path)
	case errors.Is(err, ErrUnknownRequest):
		// Left in place for a session that has not restored the request yet.
	default:
		d.logger.Warn("applying approval decision", zap.String("file", name), zap.Error(err))
	}
}
