package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/logging"
	"github.com/fyrsmithlabs/forge/internal/memory"
)

// CodesmithOutput is the codesmith stage's payload.
type CodesmithOutput struct {
	Files         []string `json:"files"`
	Snapshot      string   `json:"snapshot,omitempty"`
	SnapshotError string   `json:"snapshot_error,omitempty"`
	Degraded      bool     `json:"degraded"`
}

// CodesmithStage writes the planned files into the workspace sandbox.
type CodesmithStage struct {
	ContextItems int
}

// NewCodesmith returns a codesmith stage.
func NewCodesmith() *CodesmithStage { return &CodesmithStage{ContextItems: 20} }

// ID implements Stage.
func (s *CodesmithStage) ID() StageID { return Codesmith }

// Execute implements Stage. Re-entering after a crash regenerates and
// rewrites the whole batch, so partially written files are replaced.
func (s *CodesmithStage) Execute(ctx context.Context, view StateView, env Env) StageResult {
	res := begin(Codesmith)
	ctx = logging.WithStage(ctx, string(Codesmith))
	log := env.logger(ctx)
	task := view.UserTask()

	prompt, err := s.prompt(ctx, env, task)
	if err != nil {
		return res.fail(ctx, err)
	}

	files, degraded, err := generateFiles(ctx, env, codesmithPrompt, prompt)
	if err != nil {
		return res.fail(ctx, fmt.Errorf("generating code: %w", err))
	}

	paths, err := writeFiles(ctx, env, Codesmith, files)
	if err != nil {
		return res.fail(ctx, err)
	}

	for _, f := range files {
		content := fmt.Sprintf("%s\n\n%s", f.Path, truncate(f.Content, 4000))
		if _, err := env.Memory.Store(ctx, string(Codesmith), ItemImplementation, content); err != nil {
			return res.fail(ctx, fmt.Errorf("storing implementation: %w", err))
		}
	}

	out := CodesmithOutput{Files: paths, Degraded: degraded}
	if env.Snapshot != nil {
		out.Snapshot, out.SnapshotError = s.snapshot(ctx, env, task, paths)
		if err := ctx.Err(); err != nil {
			return res.fail(ctx, err)
		}
		// No snapshot was taken.
		if out.SnapshotError != "" {
			out.Degraded = true
		}
	}

	log.Info("code written",
		zap.Int("files", len(paths)),
		zap.Bool("degraded", out.Degraded),
		zap.String("snapshot", out.Snapshot))
	return res.succeed(out, paths, out.Degraded)
}

func (s *CodesmithStage) prompt(ctx context.Context, env Env, task string) (string, error) {
	design, err := env.Memory.Search(ctx, task, memory.Filters{Producer: string(Architect), ItemType: ItemDesign}, 1)
	if err != nil {
		return "", fmt.Errorf("reading design: %w", err)
	}
	plans, err := env.Memory.Search(ctx, task, memory.Filters{Producer: string(Architect), ItemType: ItemFilePlan}, s.ContextItems)
	if err != nil {
		return "", fmt.Errorf("reading file plan: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n", task)
	if len(design) > 0 {
		fmt.Fprintf(&b, "\nDesign:\n%s\n", design[0].Content)
	}
	if len(plans) > 0 {
		b.WriteString("\nFiles to write:\n")
		for _, p := range plans {
			fmt.Fprintf(&b, "- %s\n", p.Content)
		}
	}
	return b.String(), nil
}

// snapshot commits the generated files after a git_commit approval. A
// rejected or failed snapshot is reported in the output and does not fail
// the stage; the files are already written.
func (s *CodesmithStage) snapshot(ctx context.Context, env Env, task string, paths []string) (commit, errDetail string) {
	desc := fmt.Sprintf("%s: commit %d generated file(s)", Codesmith, len(paths))
	attrs := map[string]any{"paths": paths, "stage": string(Codesmith)}
	if err := env.approve(ctx, approval.ActionGitCommit, desc, attrs); err != nil {
		return "", err.Error()
	}
	commit, err := env.Snapshot.Commit(ctx, env.Sandbox.Root(), "forge: "+firstLine(task))
	if err != nil {
		env.logger(ctx).Warn("workspace snapshot failed", zap.Error(err))
		return "", err.Error()
	}
	return commit, ""
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if len(s) > 72 {
		s = s[:72]
	}
	return s
}
