// Package build runs the compile/syntax check for a generated workspace.
package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/quality"
)

// maxDiagnostics bounds the output kept from a failing command.
const maxDiagnostics = 8 << 10

// Result is the outcome of a build check.
type Result struct {
	Passed      bool          `json:"passed"`
	Skipped     bool          `json:"skipped,omitempty"`
	Command     string        `json:"command,omitempty"`
	Diagnostics string        `json:"diagnostics,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Outcome converts the result for the quality gate.
func (r Result) Outcome() quality.BuildOutcome {
	return quality.BuildOutcome{Passed: r.Passed, Skipped: r.Skipped, Diagnostics: r.Diagnostics}
}

// Checker checks that the artifacts in a workspace build.
type Checker interface {
	Check(ctx context.Context, root string, typ quality.ArtifactType, paths []string) (Result, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, root string, typ quality.ArtifactType, paths []string) (Result, error)

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context, root string, typ quality.ArtifactType, paths []string) (Result, error) {
	return f(ctx, root, typ, paths)
}

// command builds the argv for a check. ok is false when the artifact type
// has nothing to check.
type command func(paths []string) (argv []string, ok bool)

func withExt(paths []string, exts ...string) []string {
	var out []string
	for _, p := range paths {
		for _, ext := range exts {
			if strings.EqualFold(filepath.Ext(p), ext) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// defaultCommands returns the toolchain invocation per artifact type.
func defaultCommands() map[quality.ArtifactType]command {
	return map[quality.ArtifactType]command{
		quality.TypeGo: func([]string) ([]string, bool) {
			return []string{"go", "build", "./..."}, true
		},
		quality.TypeRust: func([]string) ([]string, bool) {
			return []string{"cargo", "check", "--quiet"}, true
		},
		quality.TypeTypeScript: func([]string) ([]string, bool) {
			return []string{"npx", "--no-install", "tsc", "--noEmit", "-p", "."}, true
		},
		quality.TypeJavaScript: func(paths []string) ([]string, bool) {
			js := withExt(paths, ".js", ".mjs")
			if len(js) == 0 {
				return nil, false
			}
			// node --check takes one file; the rest are checked on later runs.
			return []string{"node", "--check", js[0]}, true
		},
		quality.TypePython: func(paths []string) ([]string, bool) {
			py := withExt(paths, ".py")
			if len(py) == 0 {
				return nil, false
			}
			return append([]string{"python3", "-m", "py_compile"}, py...), true
		},
		quality.TypeJava: func(paths []string) ([]string, bool) {
			java := withExt(paths, ".java")
			if len(java) == 0 {
				return nil, false
			}
			return append([]string{"javac", "-d", filepath.Join(".forge", "classes")}, java...), true
		},
	}
}

// CommandChecker runs the language toolchain found on PATH.
type CommandChecker struct {
	commands map[quality.ArtifactType]command
	timeout  time.Duration
	logger   *zap.Logger
	lookPath func(string) (string, error)
}

// NewCommandChecker returns a checker with the given per-run timeout.
func NewCommandChecker(timeout time.Duration, logger *zap.Logger) *CommandChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CommandChecker{
		commands: defaultCommands(),
		timeout:  timeout,
		logger:   logger,
		lookPath: exec.LookPath,
	}
}

// Check implements Checker. A missing toolchain or an artifact type with no
// check yields a skipped, passing result; a non-zero exit or timeout fails.
func (c *CommandChecker) Check(ctx context.Context, root string, typ quality.ArtifactType, paths []string) (Result, error) {
	cmdFor, ok := c.commands[typ]
	if !ok {
		return Result{Passed: true, Skipped: true, Diagnostics: fmt.Sprintf("no build check for %s artifacts", typ)}, nil
	}
	argv, ok := cmdFor(paths)
	if !ok {
		return Result{Passed: true, Skipped: true, Diagnostics: "no files to check"}, nil
	}
	if _, err := c.lookPath(argv[0]); err != nil {
		c.logger.Warn("build toolchain not found, skipping check",
			zap.String("tool", argv[0]),
			zap.String("artifact_type", string(typ)))
		return Result{Passed: true, Skipped: true, Command: strings.Join(argv, " "),
			Diagnostics: argv[0] + " not found on PATH"}, nil
	}
	return c.run(ctx, root, argv)
}

func (c *CommandChecker) run(ctx context.Context, root string, argv []string) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = root
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := Result{
		Command:     strings.Join(argv, " "),
		Diagnostics: truncate(out.String()),
		Duration:    time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Passed = true
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Diagnostics = fmt.Sprintf("build timed out after %s\n%s", c.timeout, res.Diagnostics)
	case errors.As(err, &exitErr):
	default:
		return res, fmt.Errorf("running %s: %w", argv[0], err)
	}

	c.logger.Debug("build check finished",
		zap.String("command", res.Command),
		zap.Bool("passed", res.Passed),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxDiagnostics {
		return s
	}
	return s[:maxDiagnostics] + "\n... (truncated)"
}
