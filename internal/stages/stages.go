// Package stages implements the four pipeline stages: research, architect,
// codesmith and the review/fix loop.
//
// A stage reads prior results through a StateView and earlier stages'
// content through its Memory view, performs its external calls, writes its
// own findings back to memory and returns a StageResult. Stages never call
// each other. Side-effecting actions go through the Approver first.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/build"
	"github.com/fyrsmithlabs/forge/internal/logging"
	"github.com/fyrsmithlabs/forge/internal/llm"
	"github.com/fyrsmithlabs/forge/internal/memory"
	"github.com/fyrsmithlabs/forge/internal/quality"
	"github.com/fyrsmithlabs/forge/internal/sandbox"
	"github.com/fyrsmithlabs/forge/internal/search"
	"github.com/fyrsmithlabs/forge/internal/secrets"
)

// StageID identifies a stage in the route and dispatch table.
type StageID string

const (
	Research  StageID = "research"
	Architect StageID = "architect"
	Codesmith StageID = "codesmith"
	ReviewFix StageID = "reviewfix"
)

// Memory item types written by the stages.
const (
	ItemFinding         = "research-finding"
	ItemResearchSummary = "research-summary"
	ItemDesign          = "design"
	ItemFilePlan        = "file-plan"
	ItemImplementation  = "implementation"
	ItemReview          = "review"
)

// DetailCancelled is the error detail of a stage stopped by cancellation.
const DetailCancelled = "cancelled"

// StageResult is what a stage hands back to the supervisor. It is owned by
// the stage that produced it and read-only to everyone else.
type StageResult struct {
	StageName   StageID         `json:"stage_name"`
	Output      json.RawMessage `json:"output_payload,omitempty"`
	Artifacts   []string        `json:"artifacts"`
	Succeeded   bool            `json:"succeeded"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	ErrorKind   apperr.Kind     `json:"error_kind,omitempty"`
	Degraded    bool            `json:"degraded,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`

	// Err is the classified error behind a failure, or the terminal
	// condition of a successful run (QualityGateExhausted). Not persisted;
	// ErrorKind carries the classification across checkpoints.
	Err error `json:"-"`
}

// Decode unmarshals the output payload into v.
func (r StageResult) Decode(v any) error {
	if len(r.Output) == 0 {
		return errors.New("stage result has no output")
	}
	return json.Unmarshal(r.Output, v)
}

// StateView is the read-only view of workflow state handed to a stage.
type StateView interface {
	SessionID() string
	WorkspaceRoot() string
	UserTask() string
	// Result returns the result a prior stage recorded.
	Result(id StageID) (StageResult, bool)
}

// Memory is the namespace-bound memory a stage reads and writes.
// *memory.View implements it.
type Memory interface {
	Store(ctx context.Context, producer, itemType, content string) (string, error)
	Search(ctx context.Context, query string, filters memory.Filters, k int) ([]memory.Item, error)
}

var _ Memory = (*memory.View)(nil)

// Approver gates a side-effecting action. It returns nil once the action is
// approved, or an *apperr.ApprovalRejected / *apperr.ApprovalTimedOut.
type Approver interface {
	Approve(ctx context.Context, action approval.ActionType, description string, attrs map[string]any) error
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, action approval.ActionType, description string, attrs map[string]any) error

// Approve implements Approver.
func (f ApproverFunc) Approve(ctx context.Context, action approval.ActionType, description string, attrs map[string]any) error {
	return f(ctx, action, description, attrs)
}

// Snapshotter commits the workspace after code generation.
type Snapshotter interface {
	Commit(ctx context.Context, root, message string) (string, error)
}

// Env carries a stage's collaborators.
type Env struct {
	Memory   Memory
	LLM      llm.Client
	Search   search.Searcher
	Sandbox  *sandbox.Sandbox
	Approver Approver
	Build    build.Checker
	Quality  *quality.Table
	Secrets  *secrets.Detector
	Snapshot Snapshotter

	// Progress receives review/fix loop transitions so the supervisor can
	// record and checkpoint them. Optional.
	Progress ProgressFunc

	// MaxIterations bounds the review/fix loop. Nil means
	// DefaultMaxIterations; zero reviews once and never fixes.
	MaxIterations *int

	Logger *zap.Logger
}

// logger returns Logger annotated with the correlation fields on ctx.
func (e Env) logger(ctx context.Context) *zap.Logger {
	return logging.ForContext(ctx, e.Logger)
}

func (e Env) approve(ctx context.Context, action approval.ActionType, description string, attrs map[string]any) error {
	if e.Approver == nil {
		return nil
	}
	return e.Approver.Approve(ctx, action, description, attrs)
}

// Stage is one unit of the pipeline.
type Stage interface {
	ID() StageID
	Execute(ctx context.Context, view StateView, env Env) StageResult
}

// Defaults returns the four built-in stages keyed by id.
func Defaults() map[StageID]Stage {
	all := []Stage{NewResearch(), NewArchitect(), NewCodesmith(), NewReviewFix()}
	out := make(map[StageID]Stage, len(all))
	for _, s := range all {
		out[s.ID()] = s
	}
	return out
}

var timeNow = func() time.Time { return time.Now().UTC() }

func begin(id StageID) StageResult {
	return StageResult{StageName: id, Artifacts: []string{}, StartedAt: timeNow()}
}

func (r StageResult) succeed(output any, artifacts []string, degraded bool) StageResult {
	r.FinishedAt = timeNow()
	raw, err := json.Marshal(output)
	if err != nil {
		return r.fail(context.Background(), err)
	}
	r.Output = raw
	if artifacts != nil {
		r.Artifacts = artifacts
	}
	r.Succeeded = true
	r.Degraded = degraded
	return r
}

// fail records err. Cancellation, including an expired stage deadline, is
// reported with DetailCancelled rather than the raw context error.
func (r StageResult) fail(ctx context.Context, err error) StageResult {
	r.FinishedAt = timeNow()
	r.Succeeded = false
	r.Err = err
	switch {
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		r.ErrorKind = apperr.KindCancelled
		r.ErrorDetail = DetailCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.ErrorDetail = DetailCancelled + ": stage deadline exceeded"
		}
	default:
		r.ErrorKind = apperr.Classify(err)
		r.ErrorDetail = err.Error()
	}
	return r
}

func isCancelled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || ctx.Err() != nil
}

// completeJSON runs one completion and decodes its reply into v. A reply
// that is not valid JSON comes back as text with structured=false so the
// caller can run its fallback extraction.
func completeJSON(ctx context.Context, env Env, system, user string, v any) (text string, structured bool, err error) {
	c, err := env.LLM.Complete(ctx, system, user, nil)
	if err != nil {
		return "", false, err
	}
	if err := llm.DecodeJSON(c.Text, v); err != nil {
		var verr *apperr.ValidationError
		if errors.As(err, &verr) {
			env.logger(ctx).Debug("structured output rejected, using fallback extraction", zap.Error(err))
			return c.Text, false, nil
		}
		return c.Text, false, err
	}
	return c.Text, true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...[truncated]"
}
