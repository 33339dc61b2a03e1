// Package sandbox confines generated-file I/O to a workspace root.
//
// Every path is resolved and checked before the filesystem is touched. A
// path that is absolute outside the root, climbs above it, or passes
// through a symlink is rejected with an apperr.SecurityViolation and no
// I/O happens.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/ignore"
	"github.com/fyrsmithlabs/forge/internal/sanitize"
)

// DefaultMaxFileBytes caps a single generated file.
const DefaultMaxFileBytes int64 = 1 << 20

// ErrFileTooLarge is returned for writes over the size cap.
var ErrFileTooLarge = errors.New("file exceeds sandbox size limit")

// skipDirs are never listed.
var skipDirs = map[string]bool{".git": true, "node_modules": true, "target": true, "__pycache__": true}

// Sandbox is a view of fs rooted at a workspace directory.
type Sandbox struct {
	fs       afero.Fs
	root     string
	maxBytes int64
}

// New returns a sandbox over fs rooted at root, which must be absolute.
// The root directory is created if missing.
func New(fsys afero.Fs, root string, maxBytes int64) (*Sandbox, error) {
	if root == "" || !filepath.IsAbs(root) {
		return nil, fmt.Errorf("sandbox root must be an absolute path, got %q", root)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	root = filepath.Clean(root)
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Sandbox{fs: fsys, root: root, maxBytes: maxBytes}, nil
}

// NewOS is New over the real filesystem.
func NewOS(root string, maxBytes int64) (*Sandbox, error) {
	return New(afero.NewOsFs(), root, maxBytes)
}

// Root returns the absolute workspace root.
func (s *Sandbox) Root() string { return s.root }

// Fs exposes the underlying filesystem for read-only helpers.
func (s *Sandbox) Fs() afero.Fs { return s.fs }

// ResolveWorkspace checks that workspace lies inside parent (when parent is
// set) and returns its absolute form.
func ResolveWorkspace(parent, workspace string) (string, error) {
	if strings.TrimSpace(workspace) == "" {
		return "", &apperr.SecurityViolation{Path: workspace, Reason: "workspace root is empty"}
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("resolving workspace: %w", err)
	}
	if parent == "" {
		return abs, nil
	}
	parentAbs, err := filepath.Abs(parent)
	if err != nil {
		return "", fmt.Errorf("resolving sandbox root: %w", err)
	}
	rel, err := filepath.Rel(parentAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &apperr.SecurityViolation{Path: workspace, Reason: "workspace escapes sandbox root " + parentAbs}
	}
	return abs, nil
}

// Resolve maps p (relative to the root, or absolute inside it) to a clean
// root-relative path. It touches the filesystem only to look for symlinks
// along the way.
func (s *Sandbox) Resolve(p string) (string, error) {
	candidate := p
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(s.root, filepath.Clean(p))
		if err != nil {
			return "", &apperr.SecurityViolation{Path: p, Reason: err.Error()}
		}
		candidate = rel
	}
	rel, err := sanitize.RelativePath(candidate)
	if err != nil {
		return "", &apperr.SecurityViolation{Path: p, Reason: err.Error()}
	}
	if err := s.checkSymlinks(rel); err != nil {
		return "", err
	}
	return rel, nil
}

// checkSymlinks rejects any existing component of rel that is a symlink.
func (s *Sandbox) checkSymlinks(rel string) error {
	lstater, ok := s.fs.(afero.Lstater)
	if !ok {
		return nil
	}
	cur := s.root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, _, err := lstater.LstatIfPossible(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("inspecting %s: %w", cur, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return &apperr.SecurityViolation{Path: rel, Reason: "path passes through a symlink"}
		}
	}
	return nil
}

// Abs returns the absolute path of a resolved relative path.
func (s *Sandbox) Abs(rel string) string { return filepath.Join(s.root, rel) }

// WriteFile writes data to p, creating parent directories. It reports
// whether an existing file was replaced.
func (s *Sandbox) WriteFile(p string, data []byte) (overwrote bool, err error) {
	rel, err := s.Resolve(p)
	if err != nil {
		return false, err
	}
	if int64(len(data)) > s.maxBytes {
		return false, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, rel, len(data), s.maxBytes)
	}
	abs := s.Abs(rel)
	if info, err := s.fs.Stat(abs); err == nil {
		if info.IsDir() {
			return false, fmt.Errorf("%s is a directory", rel)
		}
		overwrote = true
	}
	if err := s.fs.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return false, fmt.Errorf("creating directories for %s: %w", rel, err)
	}
	if err := afero.WriteFile(s.fs, abs, data, 0o644); err != nil {
		return false, fmt.Errorf("writing %s: %w", rel, err)
	}
	return overwrote, nil
}

// Exists reports whether p names an existing file. Paths that fail
// resolution do not exist.
func (s *Sandbox) Exists(p string) bool {
	rel, err := s.Resolve(p)
	if err != nil {
		return false
	}
	ok, _ := afero.Exists(s.fs, s.Abs(rel))
	return ok
}

// ReadFile reads p.
func (s *Sandbox) ReadFile(p string) ([]byte, error) {
	rel, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(s.fs, s.Abs(rel))
}

// Files lists every regular file under the root as sorted, slash-separated
// relative paths, skipping VCS and dependency directories and anything the
// workspace's .gitignore or .forgeignore excludes.
func (s *Sandbox) Files() ([]string, error) {
	ignored, err := ignore.Load(s.fs, s.root)
	if err != nil {
		return nil, fmt.Errorf("reading ignore files: %w", err)
	}
	var out []string
	err = afero.Walk(s.fs, s.root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if skipDirs[info.Name()] || ignored.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || ignored.Match(rel, false) {
			return nil
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(out)
	return out, err
}

// ReadAll returns the contents of the given relative paths.
func (s *Sandbox) ReadAll(paths []string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		data, err := s.ReadFile(p)
		if err != nil {
			return nil, err
		}
		out[p] = string(data)
	}
	return out, nil
}
