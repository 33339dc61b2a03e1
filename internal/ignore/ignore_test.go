package ignore

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Pattern
		ok   bool
	}{
		{"empty line", "", Pattern{}, false},
		{"whitespace only", "   ", Pattern{}, false},
		{"comment", "# this is a comment", Pattern{}, false},
		{"negation skipped", "!important.txt", Pattern{}, false},
		{"simple file glob", "*.log", Pattern{Glob: "*.log"}, true},
		{"simple directory", "node_modules", Pattern{Glob: "node_modules"}, true},
		{"directory with slash", "node_modules/", Pattern{Glob: "node_modules", DirOnly: true}, true},
		{"nested path", "vendor/cache", Pattern{Glob: "vendor/cache", Anchored: true}, true},
		{"absolute path", "/dist", Pattern{Glob: "dist", Anchored: true}, true},
		{"double star prefix", "**/build", Pattern{Glob: "build"}, true},
		{"crlf line ending", "*.pyc\r", Pattern{Glob: "*.pyc"}, true},
		{"malformed glob", "[abc", Pattern{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse(t *testing.T) {
	patterns, err := Parse(strings.NewReader(`# Build outputs
dist/
build/

# Python
*.pyc
__pycache__/
`))
	require.NoError(t, err)
	assert.Len(t, patterns, 4)
}

func TestMatcher_Match(t *testing.T) {
	m := New(
		Pattern{Glob: "*.pyc"},
		Pattern{Glob: "__pycache__", DirOnly: true},
		Pattern{Glob: "dist", Anchored: true},
		Pattern{Glob: "docs/*.tmp", Anchored: true},
	)

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"calc.py", false, false},
		{"calc.pyc", false, true},
		{"pkg/calc.pyc", false, true},
		{"__pycache__", true, true},
		{"pkg/__pycache__/calc.cpython-312.pyc", false, true},
		{"__pycache__", false, false}, // a file with a directory pattern's name
		{"dist/app.js", false, true},
		{"src/dist/app.js", false, false}, // anchored
		{"docs/a.tmp", false, true},
		{"docs/sub/a.tmp", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.path, tt.isDir))
		})
	}
}

func TestMatcher_NilAndEmpty(t *testing.T) {
	var m *Matcher
	assert.False(t, m.Match("anything", false))
	assert.Equal(t, 0, m.Len())
	assert.False(t, New().Match("anything", true))
}

func TestLoad(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/ws/.gitignore", []byte("node_modules/\n*.log\n"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/ws/.forgeignore", []byte("*.log\ncoverage/\n"), 0o644))

	m, err := Load(fsys, "/ws")
	require.NoError(t, err)
	assert.Equal(t, 3, m.Len(), "duplicates across files collapse")
	assert.True(t, m.Match("node_modules/left-pad/index.js", false))
	assert.True(t, m.Match("coverage/lcov.info", false))
	assert.False(t, m.Match("index.js", false))
}

func TestLoad_NoFiles(t *testing.T) {
	m, err := Load(afero.NewMemMapFs(), "/ws")
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
}
