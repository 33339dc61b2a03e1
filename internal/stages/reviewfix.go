package stages

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/llm"
	"github.com/fyrsmithlabs/forge/internal/logging"
	"github.com/fyrsmithlabs/forge/internal/quality"
)

// DefaultMaxIterations bounds the review/fix loop when Env leaves it unset.
const DefaultMaxIterations = 3

// ReasonQualityGateExhausted is reported when the loop runs out of
// iterations below threshold.
const ReasonQualityGateExhausted = "QualityGateExhausted"

// LoopPhase is a state of the review/fix loop.
type LoopPhase string

const (
	PhaseReviewing LoopPhase = "reviewing"
	PhaseFixing    LoopPhase = "fixing"
	PhaseDone      LoopPhase = "done"
	PhaseAborted   LoopPhase = "aborted"
)

// Terminal reports whether the loop has stopped.
func (p LoopPhase) Terminal() bool { return p == PhaseDone || p == PhaseAborted }

// LoopProgress is one loop transition.
type LoopProgress struct {
	Phase      LoopPhase
	Iteration  int
	Assessment *quality.Assessment // latest, nil before the first review
}

// ProgressFunc records a loop transition. An error aborts the stage.
type ProgressFunc func(ctx context.Context, p LoopProgress) error

// ReviewOutput is the review/fix stage's payload.
type ReviewOutput struct {
	Status       LoopPhase            `json:"status"`
	Success      bool                 `json:"success"`
	Score        float64              `json:"quality_score"`
	Threshold    float64              `json:"threshold"`
	ArtifactType quality.ArtifactType `json:"artifact_type"`
	Iterations   int                  `json:"iteration_count"`
	Reason       string               `json:"reason,omitempty"`
	History      []quality.Assessment `json:"history"`
	FixErrors    []string             `json:"fix_errors,omitempty"`
	Degraded     bool                 `json:"degraded"`
}

// Latest returns the final assessment.
func (o ReviewOutput) Latest() (quality.Assessment, bool) {
	if len(o.History) == 0 {
		return quality.Assessment{}, false
	}
	return o.History[len(o.History)-1], true
}

// ReviewFixStage alternates review and fix passes until the artifact clears
// its threshold or the iteration budget runs out.
//
// Each review starts from the files on disk; nothing the fixer reports about
// its own work is trusted.
type ReviewFixStage struct {
	MaxFileChars   int
	MaxPromptChars int
}

// NewReviewFix returns a review/fix stage.
func NewReviewFix() *ReviewFixStage {
	return &ReviewFixStage{MaxFileChars: 6000, MaxPromptChars: 60000}
}

// ID implements Stage.
func (s *ReviewFixStage) ID() StageID { return ReviewFix }

// Execute implements Stage. A loop that ends below threshold still
// succeeds as a stage: the output has Status aborted and Err is an
// *apperr.QualityGateExhausted.
func (s *ReviewFixStage) Execute(ctx context.Context, view StateView, env Env) StageResult {
	res := begin(ReviewFix)
	ctx = logging.WithStage(ctx, string(ReviewFix))
	log := env.logger(ctx)

	maxIter := DefaultMaxIterations
	if env.MaxIterations != nil && *env.MaxIterations >= 0 {
		maxIter = *env.MaxIterations
	}
	table := env.Quality
	if table == nil {
		table = quality.DefaultTable()
	}

	var (
		out       ReviewOutput
		iteration int
		latest    quality.Assessment
	)
	if err := s.report(ctx, env, LoopProgress{Phase: PhaseReviewing}); err != nil {
		return res.fail(ctx, err)
	}

	for {
		a, err := s.review(ctx, env, view, table, iteration)
		if err != nil {
			return res.fail(ctx, fmt.Errorf("review pass %d: %w", iteration, err))
		}
		latest = a
		out.History = append(out.History, a)
		out.Degraded = out.Degraded || a.Degraded
		log.Info("review pass",
			zap.Int("iteration", iteration),
			zap.Float64("score", a.Score),
			zap.Float64("threshold", a.Threshold),
			zap.Bool("build_passed", a.BuildPassed),
			zap.Int("issues", len(a.Issues)))

		if a.Passed() {
			out.Status = PhaseDone
			break
		}
		if iteration >= maxIter {
			out.Status = PhaseAborted
			break
		}

		if err := s.report(ctx, env, LoopProgress{Phase: PhaseFixing, Iteration: iteration, Assessment: &a}); err != nil {
			return res.fail(ctx, err)
		}
		if err := s.fix(ctx, env, view, a); err != nil {
			if fixFatal(ctx, err) {
				return res.fail(ctx, fmt.Errorf("fix pass %d: %w", iteration, err))
			}
			log.Warn("fix pass failed", zap.Int("iteration", iteration), zap.Error(err))
			out.FixErrors = append(out.FixErrors, fmt.Sprintf("iteration %d: %v", iteration, err))
		}
		iteration++
		if err := s.report(ctx, env, LoopProgress{Phase: PhaseReviewing, Iteration: iteration, Assessment: &a}); err != nil {
			return res.fail(ctx, err)
		}
	}

	out.Success = out.Status == PhaseDone
	out.Score = latest.Score
	out.Threshold = latest.Threshold
	out.ArtifactType = latest.ArtifactType
	out.Iterations = iteration
	if !out.Success {
		out.Reason = ReasonQualityGateExhausted
		res.Err = &apperr.QualityGateExhausted{Score: latest.Score, Threshold: latest.Threshold, Iterations: iteration}
	}

	if err := s.report(ctx, env, LoopProgress{Phase: out.Status, Iteration: iteration, Assessment: &latest}); err != nil {
		return res.fail(ctx, err)
	}
	if _, err := env.Memory.Store(ctx, string(ReviewFix), ItemReview, reviewText(out)); err != nil {
		return res.fail(ctx, fmt.Errorf("storing review: %w", err))
	}

	artifacts, err := env.Sandbox.Files()
	if err != nil {
		return res.fail(ctx, fmt.Errorf("listing artifacts: %w", err))
	}
	return res.succeed(out, artifacts, out.Degraded)
}

func (s *ReviewFixStage) report(ctx context.Context, env Env, p LoopProgress) error {
	if env.Progress == nil {
		return nil
	}
	return env.Progress(ctx, p)
}

// reviewReply is the structured review the model is asked for.
type reviewReply struct {
	Score  *float64 `json:"score"`
	Issues []struct {
		Description string `json:"description"`
		Severity    string `json:"severity"`
		Path        string `json:"path"`
		Line        int    `json:"line"`
	} `json:"issues"`
}

// review runs one reviewing pass: build check, secret scan and model review
// over the current workspace. The raw score is the lower of the model's
// score and the issue heuristic; the table then applies the build cap.
func (s *ReviewFixStage) review(ctx context.Context, env Env, view StateView, table *quality.Table, iteration int) (quality.Assessment, error) {
	paths, err := env.Sandbox.Files()
	if err != nil {
		return quality.Assessment{}, err
	}
	contents, err := env.Sandbox.ReadAll(paths)
	if err != nil {
		return quality.Assessment{}, err
	}
	typ := s.artifactType(env, view)

	outcome := quality.BuildOutcome{Passed: true, Skipped: true}
	if env.Build != nil {
		br, err := env.Build.Check(ctx, env.Sandbox.Root(), typ, paths)
		switch {
		case err != nil && isCancelled(ctx, err):
			return quality.Assessment{}, err
		case err != nil:
			outcome = quality.BuildOutcome{Passed: false, Diagnostics: err.Error()}
		default:
			outcome = br.Outcome()
		}
	}

	var issues []quality.Issue
	if !outcome.Passed {
		issues = append(issues, quality.Issue{
			Description: "build failed: " + firstLine(outcome.Diagnostics),
			Severity:    quality.SeverityCritical,
			Source:      "build",
		})
	}
	if env.Secrets != nil {
		for _, f := range env.Secrets.ScanFiles(contents) {
			issues = append(issues, quality.Issue{
				Description: "hardcoded secret: " + f.Description,
				Severity:    quality.SeverityHigh,
				Path:        f.Path,
				Line:        f.Line,
				Source:      "secrets",
			})
		}
	}

	var (
		reply    reviewReply
		llmScore = math.NaN()
		degraded bool
	)
	text, structured, err := completeJSON(ctx, env, reviewPrompt, s.reviewInput(view.UserTask(), paths, contents, outcome), &reply)
	switch {
	case err != nil && isCancelled(ctx, err):
		return quality.Assessment{}, err
	case err != nil:
		env.logger(ctx).Warn("model review failed, scoring from checks only", zap.Error(err))
		degraded = true
	case structured:
		if reply.Score != nil {
			llmScore = *reply.Score
		}
		for _, it := range reply.Issues {
			issues = append(issues, quality.Issue{
				Description: it.Description,
				Severity:    quality.ParseSeverity(it.Severity),
				Path:        it.Path,
				Line:        it.Line,
				Source:      "review",
			})
		}
	default:
		degraded = true
		if score, ok := llmScoreFromText(text); ok {
			llmScore = score
		}
		for _, item := range extractListOrLines(text) {
			if strings.Contains(strings.ToLower(item), "score") {
				continue
			}
			issues = append(issues, quality.Issue{Description: item, Severity: quality.SeverityMedium, Source: "review"})
		}
	}

	raw := quality.Heuristic(issues)
	if !math.IsNaN(llmScore) {
		raw = math.Min(raw, llmScore)
	}
	a := table.Assess(iteration, typ, raw, outcome, issues)
	a.Degraded = degraded
	return a, nil
}

func (s *ReviewFixStage) reviewInput(task string, paths []string, contents map[string]string, build quality.BuildOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nBuild: ", task)
	switch {
	case build.Skipped:
		b.WriteString("not run\n")
	case build.Passed:
		b.WriteString("passed\n")
	default:
		fmt.Fprintf(&b, "FAILED\n%s\n", truncate(build.Diagnostics, 4000))
	}
	s.writeFiles(&b, paths, contents)
	return b.String()
}

func (s *ReviewFixStage) writeFiles(b *strings.Builder, paths []string, contents map[string]string) {
	for _, p := range paths {
		if b.Len() >= s.MaxPromptChars {
			fmt.Fprintf(b, "\n(%s omitted)\n", p)
			continue
		}
		fmt.Fprintf(b, "\n--- %s ---\n%s\n", p, truncate(contents[p], s.MaxFileChars))
	}
}

// fix runs one fixing pass against the latest assessment's issues.
func (s *ReviewFixStage) fix(ctx context.Context, env Env, view StateView, a quality.Assessment) error {
	paths, err := env.Sandbox.Files()
	if err != nil {
		return err
	}
	contents, err := env.Sandbox.ReadAll(paths)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nScore %.2f, threshold %.2f.\n\nIssues:\n", view.UserTask(), a.Score, a.Threshold)
	for _, it := range a.Issues {
		loc := ""
		if it.Path != "" {
			loc = fmt.Sprintf(" (%s:%d)", it.Path, it.Line)
		}
		fmt.Fprintf(&b, "- [%s] %s%s\n", it.Severity, it.Description, loc)
	}
	if !a.BuildPassed && a.Diagnostics != "" {
		fmt.Fprintf(&b, "\nBuild output:\n%s\n", truncate(a.Diagnostics, 4000))
	}
	s.writeFiles(&b, paths, contents)

	files, _, err := generateFiles(ctx, env, fixPrompt, b.String())
	if err != nil {
		return err
	}
	written, err := writeFiles(ctx, env, ReviewFix, files)
	if err != nil {
		return err
	}
	content := fmt.Sprintf("fix pass %d rewrote %s", a.Iteration, strings.Join(written, ", "))
	if _, err := env.Memory.Store(ctx, string(ReviewFix), ItemImplementation, content); err != nil {
		return fmt.Errorf("storing fix: %w", err)
	}
	return nil
}

// fixFatal reports whether a fix failure ends the stage. Model failures and
// unusable replies only cost the iteration.
func fixFatal(ctx context.Context, err error) bool {
	if isCancelled(ctx, err) {
		return true
	}
	switch apperr.Classify(err) {
	case apperr.KindSecurity, apperr.KindRejected, apperr.KindTimedOut:
		return true
	}
	return errors.Is(err, errWriteFailed)
}

// artifactType detects the project type from the workspace, falling back to
// the design's language and then to file extensions.
func (s *ReviewFixStage) artifactType(env Env, view StateView) quality.ArtifactType {
	if d, err := quality.DetectArtifactType(env.Sandbox.Fs(), env.Sandbox.Root()); err == nil && d.Type != quality.TypeUnknown {
		return d.Type
	}
	if r, ok := view.Result(Architect); ok {
		var design ArchitectOutput
		if r.Decode(&design) == nil {
			if t := normalizeLanguage(design.Language); t != quality.TypeUnknown {
				return t
			}
		}
	}
	if r, ok := view.Result(Codesmith); ok {
		return quality.DetectFromPaths(r.Artifacts)
	}
	return quality.TypeUnknown
}

var languageAliases = map[string]quality.ArtifactType{
	"go":         quality.TypeGo,
	"golang":     quality.TypeGo,
	"rust":       quality.TypeRust,
	"java":       quality.TypeJava,
	"typescript": quality.TypeTypeScript,
	"ts":         quality.TypeTypeScript,
	"javascript": quality.TypeJavaScript,
	"js":         quality.TypeJavaScript,
	"node":       quality.TypeJavaScript,
	"python":     quality.TypePython,
	"py":         quality.TypePython,
}

func normalizeLanguage(lang string) quality.ArtifactType {
	if t, ok := languageAliases[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return t
	}
	return quality.TypeUnknown
}

func llmScoreFromText(text string) (float64, bool) {
	if v, ok := extractFields(text)["score"]; ok {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil && f >= 0 && f <= 1 {
			return f, true
		}
	}
	return llm.ExtractScore(text)
}

func reviewText(o ReviewOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review %s after %d fix iteration(s): score %.2f (threshold %.2f, %s).",
		o.Status, o.Iterations, o.Score, o.Threshold, o.ArtifactType)
	if a, ok := o.Latest(); ok {
		for i, it := range a.Issues {
			if i == 10 {
				fmt.Fprintf(&b, "\n... %d more", len(a.Issues)-i)
				break
			}
			fmt.Fprintf(&b, "\n- [%s] %s", it.Severity, it.Description)
		}
	}
	return b.String()
}
