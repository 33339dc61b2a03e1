package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/logging"
	"github.com/fyrsmithlabs/forge/internal/memory"
)

// Component is one part of the design.
type Component struct {
	Name           string `json:"name"`
	Responsibility string `json:"responsibility"`
}

// PlannedFile is a file the design calls for.
type PlannedFile struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
}

// ArchitectOutput is the architect stage's payload.
type ArchitectOutput struct {
	Summary    string        `json:"summary"`
	Language   string        `json:"language"`
	Components []Component   `json:"components"`
	Files      []PlannedFile `json:"files"`
	Degraded   bool          `json:"degraded"`
}

// ArchitectStage turns research findings into a design and a file plan.
type ArchitectStage struct {
	ContextItems int
}

// NewArchitect returns an architect stage.
func NewArchitect() *ArchitectStage { return &ArchitectStage{ContextItems: 8} }

// ID implements Stage.
func (s *ArchitectStage) ID() StageID { return Architect }

// Execute implements Stage.
func (s *ArchitectStage) Execute(ctx context.Context, view StateView, env Env) StageResult {
	res := begin(Architect)
	ctx = logging.WithStage(ctx, string(Architect))
	log := env.logger(ctx)
	task := view.UserTask()

	findings, err := env.Memory.Search(ctx, task, memory.Filters{Producer: string(Research)}, s.ContextItems)
	if err != nil {
		return res.fail(ctx, fmt.Errorf("reading research: %w", err))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nResearch:\n", task)
	for _, it := range findings {
		fmt.Fprintf(&b, "- %s\n", it.Content)
	}
	if len(findings) == 0 {
		b.WriteString("(none)\n")
	}

	var out ArchitectOutput
	text, structured, err := completeJSON(ctx, env, architectPrompt, b.String(), &out)
	if err != nil {
		return res.fail(ctx, fmt.Errorf("designing: %w", err))
	}
	if !structured {
		out = fallbackDesign(text)
	}
	out.Language = strings.ToLower(strings.TrimSpace(out.Language))
	if out.Components == nil {
		out.Components = []Component{}
	}
	if out.Files == nil {
		out.Files = []PlannedFile{}
	}

	if _, err := env.Memory.Store(ctx, string(Architect), ItemDesign, designText(out)); err != nil {
		return res.fail(ctx, fmt.Errorf("storing design: %w", err))
	}
	for _, f := range out.Files {
		if _, err := env.Memory.Store(ctx, string(Architect), ItemFilePlan, f.Path+": "+f.Purpose); err != nil {
			return res.fail(ctx, fmt.Errorf("storing file plan: %w", err))
		}
	}

	log.Info("design complete",
		zap.String("language", out.Language),
		zap.Int("files", len(out.Files)),
		zap.Bool("degraded", out.Degraded))
	return res.succeed(out, nil, out.Degraded)
}

// fallbackDesign recovers what it can from a free-text design: summary and
// language fields, plus list items that start with a file path.
func fallbackDesign(text string) ArchitectOutput {
	fields := extractFields(text)
	out := ArchitectOutput{
		Summary:  fields["summary"],
		Language: fields["language"],
		Degraded: true,
	}
	if out.Summary == "" {
		out.Summary = firstParagraph(text)
	}
	for _, item := range extractListOrLines(text) {
		path, purpose, _ := strings.Cut(item, " ")
		path = strings.Trim(path, "`*:")
		if !strings.Contains(path, ".") || strings.ContainsAny(path, "()") {
			continue
		}
		out.Files = append(out.Files, PlannedFile{
			Path:    path,
			Purpose: strings.TrimLeft(strings.TrimSpace(purpose), "-: "),
		})
	}
	return out
}

func designText(d ArchitectOutput) string {
	var b strings.Builder
	b.WriteString(d.Summary)
	if d.Language != "" {
		fmt.Fprintf(&b, "\nLanguage: %s", d.Language)
	}
	for _, c := range d.Components {
		fmt.Fprintf(&b, "\n- %s: %s", c.Name, c.Responsibility)
	}
	return b.String()
}
