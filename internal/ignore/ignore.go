// Package ignore reads gitignore-style files from a workspace and matches
// workspace-relative paths against them.
package ignore

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// DefaultFiles are the ignore files read from a workspace root.
var DefaultFiles = []string{".gitignore", ".forgeignore"}

// Pattern is one parsed ignore rule.
type Pattern struct {
	// Glob is matched with path.Match.
	Glob string

	// Anchored patterns match from the workspace root; others match any
	// path suffix.
	Anchored bool

	// DirOnly patterns (trailing slash) match directories and everything
	// below them.
	DirOnly bool
}

// Matcher holds the patterns of a workspace.
type Matcher struct {
	patterns []Pattern
}

// New returns a matcher for already parsed patterns.
func New(patterns ...Pattern) *Matcher {
	return &Matcher{patterns: patterns}
}

// Load reads files (DefaultFiles when none are given) from root. Missing
// files are skipped; an empty matcher ignores nothing.
func Load(fsys afero.Fs, root string, files ...string) (*Matcher, error) {
	if len(files) == 0 {
		files = DefaultFiles
	}
	m := &Matcher{}
	for _, name := range files {
		f, err := fsys.Open(filepath.Join(root, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		patterns, err := Parse(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, patterns...)
	}
	m.patterns = deduplicate(m.patterns)
	return m, nil
}

// Parse reads gitignore-style lines. Comments, blank lines and negations
// are dropped.
func Parse(r io.Reader) ([]Pattern, error) {
	var patterns []Pattern
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if p, ok := parseLine(scanner.Text()); ok {
			patterns = append(patterns, p)
		}
	}
	return patterns, scanner.Err()
}

func parseLine(line string) (Pattern, bool) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return Pattern{}, false
	}

	var p Pattern
	if strings.HasSuffix(line, "/") {
		p.DirOnly = true
		line = strings.TrimRight(line, "/")
	}
	line = strings.TrimPrefix(line, "**/")
	if strings.Contains(line, "/") {
		p.Anchored = true
		line = strings.TrimPrefix(line, "/")
	}
	if line == "" {
		return Pattern{}, false
	}
	if _, err := path.Match(line, ""); err != nil {
		return Pattern{}, false
	}
	p.Glob = line
	return p, true
}

// Len returns the number of patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}

// Match reports whether rel (slash or OS separated, relative to the root)
// is ignored. A path is also ignored when one of its parent directories is.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}
	parts := strings.Split(strings.Trim(filepath.ToSlash(rel), "/"), "/")
	for i := range parts {
		prefix := parts[:i+1]
		dir := isDir || i < len(parts)-1
		for _, p := range m.patterns {
			if p.DirOnly && !dir {
				continue
			}
			if p.matches(prefix) {
				return true
			}
		}
	}
	return false
}

func (p Pattern) matches(parts []string) bool {
	if p.Anchored {
		ok, _ := path.Match(p.Glob, strings.Join(parts, "/"))
		return ok
	}
	ok, _ := path.Match(p.Glob, parts[len(parts)-1])
	return ok
}

func deduplicate(patterns []Pattern) []Pattern {
	seen := make(map[Pattern]bool, len(patterns))
	out := patterns[:0]
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
