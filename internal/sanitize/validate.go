package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrPathTraversal is returned for paths that climb out of their root.
	ErrPathTraversal = errors.New("path escapes its root")

	// ErrAbsolutePath is returned where only relative paths are accepted.
	ErrAbsolutePath = errors.New("absolute path not allowed")

	// ErrEmptyPath is returned for empty paths.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrInvalidPattern is returned for glob patterns that are malformed or
	// carry shell metacharacters.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

var unsafePatternChars = regexp.MustCompile("[;|$`\\\\<>&(){}]|\\*{3,}")

// RelativePath cleans a path meant to live under some root and rejects it
// if it is absolute or would resolve above the root. It does not touch the
// filesystem; symlink checks are the caller's job.
func RelativePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", ErrEmptyPath
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: contains NUL", ErrPathTraversal)
	}
	slashed := filepath.ToSlash(p)
	if filepath.IsAbs(p) || strings.HasPrefix(slashed, "/") || filepath.VolumeName(p) != "" {
		return "", fmt.Errorf("%w: %s", ErrAbsolutePath, p)
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(filepath.ToSlash(clean), "../") {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, p)
	}
	if clean == "." {
		return "", ErrEmptyPath
	}
	return clean, nil
}

// GlobPattern checks that pattern compiles under filepath.Match and has no
// shell metacharacters.
func GlobPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	if unsafePatternChars.MatchString(pattern) {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
	}
	return nil
}
