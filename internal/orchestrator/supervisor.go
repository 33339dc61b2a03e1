package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/build"
	"github.com/fyrsmithlabs/forge/internal/checkpoint"
	"github.com/fyrsmithlabs/forge/internal/config"
	"github.com/fyrsmithlabs/forge/internal/events"
	"github.com/fyrsmithlabs/forge/internal/llm"
	"github.com/fyrsmithlabs/forge/internal/logging"
	"github.com/fyrsmithlabs/forge/internal/memory"
	"github.com/fyrsmithlabs/forge/internal/quality"
	"github.com/fyrsmithlabs/forge/internal/sandbox"
	"github.com/fyrsmithlabs/forge/internal/search"
	"github.com/fyrsmithlabs/forge/internal/secrets"
	"github.com/fyrsmithlabs/forge/internal/stages"
)

const instrumentationName = "github.com/fyrsmithlabs/forge/internal/orchestrator"

// DetailCancelled is the error_detail of a cancelled session.
const DetailCancelled = stages.DetailCancelled

var (
	// ErrUnknownStage is returned when the route names a stage that is not
	// in the dispatch table.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrEmptyTask is returned when a new session has no task.
	ErrEmptyTask = errors.New("user task is required")

	// ErrSessionBusy is returned when a session is already running in this
	// process.
	ErrSessionBusy = errors.New("session is already running")

	// ErrSessionConflict is returned when another process advanced the
	// session's checkpoints underneath this run.
	ErrSessionConflict = errors.New("session checkpoint conflict")
)

// Deps are the supervisor's collaborators. Checkpoints, Memory and Gate are
// required.
type Deps struct {
	Checkpoints checkpoint.Store
	Memory      memory.Store
	Gate        *approval.Gate

	LLM      llm.Client
	Search   search.Searcher
	Build    build.Checker
	Secrets  *secrets.Detector
	Snapshot stages.Snapshotter

	// Events receives control-protocol events for every session. Optional.
	Events events.Publisher

	// Fs backs workspace sandboxes. Nil means the OS filesystem.
	Fs afero.Fs

	Metrics *Metrics
	Logger  *zap.Logger
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithStage registers or replaces a stage in the dispatch table.
func WithStage(s stages.Stage) Option {
	return func(sup *Supervisor) { sup.stages[s.ID()] = s }
}

// WithClock overrides the supervisor's clock.
func WithClock(now func() time.Time) Option {
	return func(sup *Supervisor) { sup.now = now }
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(sup *Supervisor) { sup.tracer = t }
}

// Supervisor routes sessions through stages and owns their state.
type Supervisor struct {
	cfg     *config.Config
	deps    Deps
	stages  map[stages.StageID]stages.Stage
	route   []stages.StageID
	quality *quality.Table
	metrics *Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

// New creates a supervisor. The route is validated against the dispatch
// table once every option has been applied.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Checkpoints == nil || deps.Memory == nil || deps.Gate == nil {
		return nil, errors.New("orchestrator: checkpoints, memory and gate are required")
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Search == nil {
		deps.Search = search.Disabled{}
	}

	s := &Supervisor{
		cfg:     cfg,
		deps:    deps,
		stages:  stages.Defaults(),
		quality: quality.NewTable(cfg.Workflow),
		metrics: deps.Metrics,
		logger:  deps.Logger,
		tracer:  otel.Tracer(instrumentationName),
		now:     func() time.Time { return time.Now().UTC() },
		running: make(map[string]bool),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	for _, opt := range opts {
		opt(s)
	}

	route := cfg.Workflow.Route
	if len(route) == 0 {
		route = config.DefaultRoute()
	}
	for _, id := range route {
		if _, ok := s.stages[stages.StageID(id)]; !ok {
			return nil, fmt.Errorf("%w in route: %q", ErrUnknownStage, id)
		}
		s.route = append(s.route, stages.StageID(id))
	}
	return s, nil
}

// Route returns the configured stage order.
func (s *Supervisor) Route() []stages.StageID {
	return append([]stages.StageID(nil), s.route...)
}

// Load returns the latest checkpointed state of a session.
func (s *Supervisor) Load(ctx context.Context, sessionID string) (*WorkflowState, error) {
	cp, err := s.deps.Checkpoints.GetLatest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state, err := DecodeState(cp.State)
	if err != nil {
		return nil, err
	}
	state.Seq = cp.Seq
	return state, nil
}

// Run executes a session. An empty sessionID starts a new session; an
// existing one resumes from its latest checkpoint, in which case task and
// workspaceRoot are ignored. A completed session returns its recorded
// outcome without re-running anything and publishes its terminal event
// again, so every event stream a start opens still ends.
//
// Workflow failures are reported in the result. The error is non-nil only
// when the session could not be started or its state could not be
// persisted.
func (s *Supervisor) Run(ctx context.Context, task, workspaceRoot, sessionID string) (*WorkflowResult, error) {
	state, err := s.open(ctx, task, workspaceRoot, sessionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSessionID(ctx, state.SessionID)
	if state.Status == StatusCompleted {
		log := logging.ForContext(ctx, s.logger)
		log.Info("session already completed")
		res := state.Outcome()
		s.publish(ctx, log, state.SessionID, events.TypeWorkflowComplete, completeEvent(res))
		return res, nil
	}

	if !s.acquire(state.SessionID) {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, state.SessionID)
	}
	defer s.release(state.SessionID)

	ctx, span := s.tracer.Start(ctx, "supervisor.run", trace.WithAttributes(
		attribute.String("session_id", state.SessionID),
	))
	defer span.End()

	r, err := s.newRun(ctx, state)
	if err != nil {
		return nil, err
	}
	res, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("status", string(res.Status)), attribute.Bool("success", res.Success))
	return res, nil
}

func (s *Supervisor) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Supervisor) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// open loads or creates the session state.
func (s *Supervisor) open(ctx context.Context, task, workspaceRoot, sessionID string) (*WorkflowState, error) {
	if sessionID != "" {
		state, err := s.Load(ctx, sessionID)
		switch {
		case err == nil:
			if task != "" && task != state.UserTask {
				s.logger.Warn("ignoring task for resumed session",
					zap.String("session_id", sessionID))
			}
			return state, nil
		case !errors.Is(err, checkpoint.ErrNotFound):
			return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
		}
	} else {
		sessionID = uuid.NewString()
	}

	if strings.TrimSpace(task) == "" {
		return nil, ErrEmptyTask
	}
	root, err := sandbox.ResolveWorkspace(config.ExpandHome(s.cfg.Sandbox.Root), workspaceRoot)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &WorkflowState{
		SessionID:     sessionID,
		WorkspaceRoot: root,
		UserTask:      task,
		Route:         s.Route(),
		StageResults:  []stages.StageResult{},
		Status:        StatusInitializing,
		Approvals:     []approval.Request{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// run is one execution of a session. It owns the state exclusively.
type run struct {
	sup    *Supervisor
	state  *WorkflowState
	memory *memory.View
	box    *sandbox.Sandbox
	logger *zap.Logger
}

func (s *Supervisor) newRun(ctx context.Context, state *WorkflowState) (*run, error) {
	box, err := sandbox.New(s.deps.Fs, state.WorkspaceRoot, s.cfg.Sandbox.MaxFileBytes)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}
	return &run{
		sup:    s,
		state:  state,
		memory: memory.Bind(s.deps.Memory, state.SessionID),
		box:    box,
		logger: logging.ForContext(ctx, s.logger),
	}, nil
}

func (r *run) execute(ctx context.Context) (*WorkflowResult, error) {
	st := r.state
	if len(st.Route) == 0 {
		st.Route = r.sup.Route()
	}
	resumed := st.Seq > 0
	if st.Status == StatusFailed {
		r.logger.Info("retrying failed session", zap.String("error_detail", st.ErrorDetail))
	}
	st.Status = StatusRunning
	st.ErrorDetail = ""
	st.Summary = ""
	if err := r.checkpoint(ctx); err != nil {
		return nil, err
	}
	if resumed {
		r.logger.Info("resuming session", zap.Int("completed_stages", len(st.StageResults)))
	} else {
		r.logger.Info("session started", zap.String("workspace_root", st.WorkspaceRoot))
	}

	for _, id := range st.Route {
		if prev, ok := st.Result(id); ok && (prev.Succeeded || r.recoverable(prev)) {
			continue
		}
		if ctx.Err() != nil {
			return r.cancelled(ctx, id)
		}
		stage, ok := r.sup.stages[id]
		if !ok {
			return r.fail(ctx, id, fmt.Sprintf("%s: %q", ErrUnknownStage, id))
		}

		res, err := r.runStage(ctx, stage)
		if err != nil {
			return nil, err
		}
		if res.Succeeded {
			continue
		}
		if res.ErrorKind == apperr.KindCancelled && ctx.Err() != nil {
			return r.cancelled(ctx, id)
		}
		if r.recoverable(res) {
			r.logger.Warn("stage failed, continuing per recovery policy",
				zap.String("stage", string(id)),
				zap.String("error_detail", res.ErrorDetail))
			continue
		}
		return r.fail(ctx, id, fmt.Sprintf("stage %s failed: %s", id, res.ErrorDetail))
	}
	return r.complete(ctx)
}

// recoverable reports whether a failed result may be skipped. Security
// violations and unclassified errors always stop the run.
func (r *run) recoverable(res stages.StageResult) bool {
	if res.Succeeded {
		return false
	}
	if r.sup.cfg.Workflow.Recovery[string(res.StageName)] != "continue" {
		return false
	}
	switch res.ErrorKind {
	case apperr.KindSecurity, apperr.KindUnknown, apperr.KindCancelled, "":
		return false
	}
	return true
}

func (r *run) runStage(ctx context.Context, stage stages.Stage) (stages.StageResult, error) {
	id := stage.ID()
	st := r.state
	st.CurrentStage = id
	st.Status = StatusRunning
	if err := r.checkpoint(ctx); err != nil {
		return stages.StageResult{}, err
	}
	r.publish(ctx, events.TypeStatus, events.Status{Stage: string(id), State: "started"})

	stageCtx := ctx
	if d := r.sup.cfg.Workflow.StageTimeout.Duration(); d > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	stageCtx, span := r.sup.tracer.Start(logging.WithStage(stageCtx, string(id)), "supervisor.stage", trace.WithAttributes(
		attribute.String("stage", string(id)),
	))
	defer span.End()

	log := logging.ForContext(stageCtx, r.sup.logger)
	log.Info("stage started")
	started := time.Now()

	res := stage.Execute(stageCtx, stateView{st}, r.env())
	res.StageName = id
	if res.Artifacts == nil {
		res.Artifacts = []string{}
	}

	result := "succeeded"
	if !res.Succeeded {
		result = "failed"
		if res.ErrorKind == "" {
			res.ErrorKind = apperr.Classify(res.Err)
		}
		span.SetStatus(codes.Error, res.ErrorDetail)
	}
	r.sup.metrics.StageDuration.WithLabelValues(string(id), result).Observe(time.Since(started).Seconds())
	log.Info("stage finished",
		zap.Bool("succeeded", res.Succeeded),
		zap.Bool("degraded", res.Degraded),
		zap.Int("artifacts", len(res.Artifacts)),
		zap.Duration("elapsed", time.Since(started)),
		zap.String("error_detail", res.ErrorDetail))

	if id == stages.ReviewFix && res.Succeeded {
		if out, ok := decodeReview(res); ok {
			st.IterationCount = out.Iterations
			st.LoopPhase = out.Status
			score, threshold := out.Score, out.Threshold
			st.QualityScore, st.Threshold = &score, &threshold
			r.sup.metrics.ReviewIterations.Observe(float64(out.Iterations))
		}
	}

	st.setResult(res)
	st.CurrentStage = ""
	if err := r.checkpoint(ctx); err != nil {
		return stages.StageResult{}, err
	}
	r.publish(ctx, events.TypeStatus, events.Status{Stage: string(id), State: result, Detail: res.ErrorDetail})
	return res, nil
}

func (r *run) env() stages.Env {
	d := r.sup.deps
	return stages.Env{
		Memory:        r.memory,
		LLM:           d.LLM,
		Search:        d.Search,
		Sandbox:       r.box,
		Approver:      r,
		Build:         d.Build,
		Quality:       r.sup.quality,
		Secrets:       d.Secrets,
		Snapshot:      d.Snapshot,
		Progress:      r.progress,
		MaxIterations: r.sup.cfg.Workflow.MaxIterations,
		Logger:        r.sup.logger,
	}
}

// progress records a review/fix loop transition.
func (r *run) progress(ctx context.Context, p stages.LoopProgress) error {
	st := r.state
	st.LoopPhase = p.Phase
	st.IterationCount = p.Iteration
	if p.Assessment != nil {
		score, threshold := p.Assessment.Score, p.Assessment.Threshold
		st.QualityScore, st.Threshold = &score, &threshold
	}
	detail := fmt.Sprintf("%s (iteration %d)", p.Phase, p.Iteration)
	if st.QualityScore != nil {
		detail += fmt.Sprintf(", score %.2f", *st.QualityScore)
	}
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.publish(ctx, events.TypeStatus, events.Status{Stage: string(stages.ReviewFix), State: string(p.Phase), Detail: detail})
	return nil
}

// Approve implements stages.Approver. The pending request is checkpointed
// before the wait so a resumed session waits on the same request.
func (r *run) Approve(ctx context.Context, action approval.ActionType, desc string, attrs map[string]any) error {
	gate := r.sup.deps.Gate
	req, err := r.openRequest(ctx, action, desc, attrs)
	if err != nil {
		return err
	}

	for retries := 0; ; {
		if !req.Status.Resolved() {
			r.state.Status = StatusAwaitingApproval
			r.state.PendingApproval = req
			if err := r.checkpoint(ctx); err != nil {
				return err
			}
			r.publish(ctx, events.TypeApprovalRequest, events.ApprovalRequest{
				RequestID:   req.ID,
				ActionType:  string(req.ActionType),
				Description: req.Description,
			})
			r.logger.Info("awaiting approval",
				zap.String("request_id", req.ID),
				zap.String("action_type", string(action)))

			if _, err := gate.AwaitDecision(ctx, req.ID, r.sup.cfg.Approval.Timeout.Duration()); err != nil {
				return err
			}
			got, ok := gate.Get(req.ID)
			if !ok {
				return fmt.Errorf("%w: %s", approval.ErrUnknownRequest, req.ID)
			}
			req = got
		}

		if err := r.recordDecision(ctx, req); err != nil {
			return err
		}
		switch req.Status {
		case approval.StatusApproved:
			return nil
		case approval.StatusRejected:
			return &apperr.ApprovalRejected{RequestID: req.ID, Reason: req.Reason}
		}

		if retries >= r.sup.cfg.Approval.TimeoutRetries {
			return &apperr.ApprovalTimedOut{RequestID: req.ID}
		}
		retries++
		r.logger.Info("approval timed out, asking again",
			zap.String("request_id", req.ID),
			zap.Int("retry", retries))
		if req, err = gate.Request(ctx, r.state.SessionID, action, desc, attrs); err != nil {
			return err
		}
	}
}

// openRequest reuses the checkpointed pending request when the stage is
// asking for the same action again after a resume.
func (r *run) openRequest(ctx context.Context, action approval.ActionType, desc string, attrs map[string]any) (*approval.Request, error) {
	gate := r.sup.deps.Gate
	if p := r.state.PendingApproval; p != nil && p.ActionType == action && p.Description == desc {
		gate.Restore(ctx, p)
		if req, ok := gate.Get(p.ID); ok {
			r.logger.Info("restored pending approval", zap.String("request_id", p.ID))
			return req, nil
		}
	}
	return gate.Request(ctx, r.state.SessionID, action, desc, attrs)
}

func (r *run) recordDecision(ctx context.Context, req *approval.Request) error {
	st := r.state
	st.Approvals = append(st.Approvals, *req)
	st.PendingApproval = nil
	st.Status = StatusRunning
	r.sup.metrics.ApprovalsTotal.WithLabelValues(string(req.Status)).Inc()
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.publish(ctx, events.TypeStatus, events.Status{
		Stage:  string(st.CurrentStage),
		State:  "approval_" + string(req.Status),
		Detail: req.ID,
	})
	return nil
}

func (r *run) complete(ctx context.Context) (*WorkflowResult, error) {
	st := r.state
	st.Status = StatusCompleted
	st.CurrentStage = ""
	st.PendingApproval = nil

	outcome := "success"
	review, reviewed := st.Review()
	if reviewed && !review.Success {
		outcome = "quality_gate_exhausted"
	}
	st.Summary = summarize(st, review, reviewed)
	if err := r.checkpoint(ctx); err != nil {
		return nil, err
	}

	res := st.Outcome()
	r.publish(ctx, events.TypeWorkflowComplete, completeEvent(res))
	r.finish(outcome)
	r.logger.Info("session completed",
		zap.Bool("success", res.Success),
		zap.String("reason", res.Reason),
		zap.Int("artifacts", len(res.Artifacts)))
	return res, nil
}

func (r *run) fail(ctx context.Context, stage stages.StageID, detail string) (*WorkflowResult, error) {
	st := r.state
	st.Status = StatusFailed
	st.ErrorDetail = detail
	st.Summary = fmt.Sprintf("Workflow stopped at stage %s after %d completed stage(s).", stage, succeededCount(st))
	st.CurrentStage = ""
	if err := r.checkpoint(ctx); err != nil {
		return nil, err
	}
	r.publish(ctx, events.TypeWorkflowFailed, events.WorkflowFailed{ErrorDetail: detail, Summary: st.Summary})
	r.finish("failed")
	r.logger.Warn("session failed", zap.String("stage", string(stage)), zap.String("error_detail", detail))
	return st.Outcome(), nil
}

func (r *run) cancelled(ctx context.Context, stage stages.StageID) (*WorkflowResult, error) {
	st := r.state
	st.Status = StatusFailed
	st.ErrorDetail = DetailCancelled
	st.Summary = fmt.Sprintf("Workflow cancelled before stage %s finished.", stage)
	st.CurrentStage = ""
	if err := r.checkpoint(ctx); err != nil {
		return nil, err
	}
	r.publish(ctx, events.TypeWorkflowFailed, events.WorkflowFailed{ErrorDetail: DetailCancelled, Summary: st.Summary})
	r.finish("cancelled")
	r.logger.Info("session cancelled", zap.String("stage", string(stage)))
	return st.Outcome(), nil
}

func (r *run) finish(outcome string) {
	r.sup.metrics.WorkflowsTotal.WithLabelValues(outcome).Inc()
	r.sup.deps.Gate.Forget(r.state.SessionID)
}

// checkpoint persists the full state. It runs detached from cancellation so
// a cancelled run can still record that it was cancelled.
func (r *run) checkpoint(ctx context.Context) error {
	st := r.state
	st.Seq++
	st.UpdatedAt = r.sup.now()
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding workflow state: %w", err)
	}
	err = r.sup.deps.Checkpoints.Put(context.WithoutCancel(ctx), st.SessionID, st.Seq, blob)
	if errors.Is(err, checkpoint.ErrStaleSequence) {
		return fmt.Errorf("%w: %s at seq %d: %w", ErrSessionConflict, st.SessionID, st.Seq, err)
	}
	if err != nil {
		return fmt.Errorf("writing checkpoint %d: %w", st.Seq, err)
	}
	r.sup.metrics.CheckpointsTotal.Inc()
	return nil
}

func (r *run) publish(ctx context.Context, t events.Type, payload any) {
	r.sup.publish(ctx, r.logger, r.state.SessionID, t, payload)
}

func (s *Supervisor) publish(ctx context.Context, log *zap.Logger, sessionID string, t events.Type, payload any) {
	pub := s.deps.Events
	if pub == nil {
		return
	}
	ev, err := events.New(t, sessionID, payload)
	if err != nil {
		log.Error("encoding event", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if err := pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn("publishing event", zap.String("type", string(t)), zap.Error(err))
	}
}

func completeEvent(res *WorkflowResult) events.WorkflowComplete {
	return events.WorkflowComplete{
		Success:      res.Success,
		QualityScore: res.QualityScore,
		Artifacts:    res.Artifacts,
		Reason:       res.Reason,
		Summary:      res.Summary,
	}
}

func succeededCount(st *WorkflowState) int {
	n := 0
	for _, res := range st.StageResults {
		if res.Succeeded {
			n++
		}
	}
	return n
}

func summarize(st *WorkflowState, review stages.ReviewOutput, reviewed bool) string {
	artifacts := st.Artifacts()
	var b strings.Builder
	fmt.Fprintf(&b, "Generated %d file(s) for %q in %d stage(s).", len(artifacts), st.UserTask, succeededCount(st))
	if !reviewed {
		return b.String()
	}
	if review.Success {
		fmt.Fprintf(&b, " Quality %.2f meets the %s threshold of %.2f after %d fix iteration(s).",
			review.Score, review.ArtifactType, review.Threshold, review.Iterations)
		return b.String()
	}
	fmt.Fprintf(&b, " Quality %.2f is below the %s threshold of %.2f after %d fix iteration(s); the files are usable but need review.",
		review.Score, review.ArtifactType, review.Threshold, review.Iterations)
	return b.String()
}
