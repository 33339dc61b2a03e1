// Package control implements the session lifecycle of the control protocol
// independent of transport.
//
// A caller sends init{workspace_root} and receives initialized{session_id},
// then start{user_task} begins the workflow in the background. Everything
// after that arrives as events on the publisher the supervisor writes to:
// status updates, approval requests, and exactly one workflow_complete or
// workflow_failed. approval_response messages are fed back through Respond.
package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/checkpoint"
	"github.com/fyrsmithlabs/forge/internal/events"
	"github.com/fyrsmithlabs/forge/internal/orchestrator"
	"github.com/fyrsmithlabs/forge/internal/sandbox"
)

var (
	// ErrUnknownSession is returned for session ids that were never
	// initialized and have no checkpoint.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionRunning is returned when starting a session that is running.
	ErrSessionRunning = errors.New("session is already running")

	// ErrUnsupported is returned for event types a caller may not send.
	ErrUnsupported = errors.New("unsupported control message")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("controller closed")
)

// Runner executes sessions. *orchestrator.Supervisor implements it.
type Runner interface {
	Run(ctx context.Context, task, workspaceRoot, sessionID string) (*orchestrator.WorkflowResult, error)
	Load(ctx context.Context, sessionID string) (*orchestrator.WorkflowState, error)
}

// Lister enumerates checkpointed sessions. checkpoint.Store implements it.
type Lister interface {
	ListSessions(ctx context.Context) ([]string, error)
}

// Summary is one line of a session listing.
type Summary struct {
	SessionID       string              `json:"session_id"`
	Status          orchestrator.Status `json:"status"`
	UserTask        string              `json:"user_task"`
	WorkspaceRoot   string              `json:"workspace_root"`
	CurrentStage    string              `json:"current_stage,omitempty"`
	QualityScore    *float64            `json:"quality_score,omitempty"`
	IterationCount  int                 `json:"iteration_count"`
	PendingApproval string              `json:"pending_approval,omitempty"`
	Running         bool                `json:"running"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Summarize condenses a checkpointed state into a listing line.
func Summarize(st *orchestrator.WorkflowState) Summary {
	sum := Summary{
		SessionID:      st.SessionID,
		Status:         st.Status,
		UserTask:       st.UserTask,
		WorkspaceRoot:  st.WorkspaceRoot,
		CurrentStage:   string(st.CurrentStage),
		QualityScore:   st.QualityScore,
		IterationCount: st.IterationCount,
		UpdatedAt:      st.UpdatedAt,
	}
	if st.PendingApproval != nil {
		sum.PendingApproval = st.PendingApproval.ID
	}
	return sum
}

type session struct {
	workspace string
	cancel    context.CancelFunc
	done      chan struct{}
	result    *orchestrator.WorkflowResult
	err       error
}

func (s *session) running() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSandboxRoot confines workspaces to root.
func WithSandboxRoot(root string) Option {
	return func(c *Controller) { c.sandboxRoot = root }
}

// Controller tracks initialized and running sessions for one process.
type Controller struct {
	runner      Runner
	gate        *approval.Gate
	lister      Lister
	publisher   events.Publisher
	sandboxRoot string
	logger      *zap.Logger

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	byID   map[string]*session
}

// New creates a controller. The publisher must be the one the runner
// publishes to so a caller sees a single ordered stream per session.
func New(runner Runner, gate *approval.Gate, lister Lister, publisher events.Publisher, opts ...Option) *Controller {
	base, stop := context.WithCancel(context.Background())
	c := &Controller{
		runner:    runner,
		gate:      gate,
		lister:    lister,
		publisher: publisher,
		logger:    zap.NewNop(),
		base:      base,
		stop:      stop,
		byID:      make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init allocates a session rooted at the requested workspace.
func (c *Controller) Init(ctx context.Context, req events.Init) (events.Initialized, error) {
	root, err := sandbox.ResolveWorkspace(c.sandboxRoot, req.WorkspaceRoot)
	if err != nil {
		return events.Initialized{}, err
	}
	id := uuid.NewString()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return events.Initialized{}, ErrClosed
	}
	c.byID[id] = &session{workspace: root}
	c.mu.Unlock()

	out := events.Initialized{SessionID: id}
	c.publish(ctx, events.TypeInitialized, id, out)
	c.logger.Info("session initialized", zap.String("session_id", id), zap.String("workspace_root", root))
	return out, nil
}

// Start runs the session in the background. A session id with a
// checkpoint but no Init in this process resumes from the checkpoint.
func (c *Controller) Start(ctx context.Context, sessionID string, req events.Start) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	s, ok := c.byID[sessionID]
	if !ok {
		if _, err := c.runner.Load(ctx, sessionID); err != nil {
			if errors.Is(err, checkpoint.ErrNotFound) || errors.Is(err, checkpoint.ErrInvalidSession) {
				return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
			}
			return err
		}
		s = &session{}
		c.byID[sessionID] = s
	}
	if s.running() {
		return fmt.Errorf("%w: %s", ErrSessionRunning, sessionID)
	}

	runCtx, cancel := context.WithCancel(c.base)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.result, s.err = nil, nil

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		res, err := c.runner.Run(runCtx, req.UserTask, s.workspace, sessionID)
		if err != nil {
			c.logger.Error("session run failed", zap.String("session_id", sessionID), zap.Error(err))
			c.publish(context.Background(), events.TypeWorkflowFailed, sessionID, events.WorkflowFailed{
				ErrorDetail: err.Error(),
				Summary:     "The workflow could not run to completion.",
			})
		}
		c.mu.Lock()
		s.result, s.err = res, err
		c.mu.Unlock()
		close(s.done)
	}()

	c.logger.Info("session started", zap.String("session_id", sessionID))
	return nil
}

// Respond applies an approval decision. The request must belong to the
// session it is sent on.
func (c *Controller) Respond(ctx context.Context, sessionID string, resp events.ApprovalResponse) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	req, ok := c.gate.Get(resp.RequestID)
	if !ok {
		return fmt.Errorf("%w: %s", approval.ErrUnknownRequest, resp.RequestID)
	}
	if sessionID != "" && req.SessionID != sessionID {
		return fmt.Errorf("%w: %s does not belong to session %s", approval.ErrUnknownRequest, resp.RequestID, sessionID)
	}
	if err := c.gate.Decide(resp.RequestID, resp.Approved(), "control", resp.Reason); err != nil {
		return err
	}
	c.publish(ctx, events.TypeApprovalResponse, req.SessionID, resp)
	return nil
}

// Handle dispatches an inbound envelope. Init answers with the initialized
// event; the other messages answer with nil.
func (c *Controller) Handle(ctx context.Context, ev events.Event) (*events.Event, error) {
	switch ev.Type {
	case events.TypeInit:
		var req events.Init
		if err := ev.Decode(&req); err != nil {
			return nil, err
		}
		out, err := c.Init(ctx, req)
		if err != nil {
			return nil, err
		}
		reply, err := events.New(events.TypeInitialized, out.SessionID, out)
		if err != nil {
			return nil, err
		}
		return &reply, nil
	case events.TypeStart:
		var req events.Start
		if err := ev.Decode(&req); err != nil {
			return nil, err
		}
		return nil, c.Start(ctx, ev.SessionID, req)
	case events.TypeApprovalResponse:
		var resp events.ApprovalResponse
		if err := ev.Decode(&resp); err != nil {
			return nil, err
		}
		return nil, c.Respond(ctx, ev.SessionID, resp)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, ev.Type)
}

// Cancel stops a running session. The supervisor records it as cancelled.
func (c *Controller) Cancel(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byID[sessionID]
	if !ok || !s.running() {
		return fmt.Errorf("%w: %s is not running", ErrUnknownSession, sessionID)
	}
	s.cancel()
	return nil
}

// Wait blocks until the session's current run finishes and returns its
// outcome.
func (c *Controller) Wait(ctx context.Context, sessionID string) (*orchestrator.WorkflowResult, error) {
	c.mu.Lock()
	s, ok := c.byID[sessionID]
	c.mu.Unlock()
	if !ok || s.done == nil {
		return nil, fmt.Errorf("%w: %s was not started", ErrUnknownSession, sessionID)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.result, s.err
}

// Session returns the latest checkpointed state.
func (c *Controller) Session(ctx context.Context, sessionID string) (*orchestrator.WorkflowState, error) {
	st, err := c.runner.Load(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return st, err
}

// Sessions lists checkpointed sessions, most recently updated first.
// Sessions whose state cannot be decoded are skipped.
func (c *Controller) Sessions(ctx context.Context) ([]Summary, error) {
	ids, err := c.lister.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		st, err := c.runner.Load(ctx, id)
		if err != nil {
			c.logger.Warn("skipping unreadable session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		sum := Summarize(st)
		c.mu.Lock()
		if s, ok := c.byID[id]; ok {
			sum.Running = s.running()
		}
		c.mu.Unlock()
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Close cancels every running session and waits for them to record it.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}

func (c *Controller) publish(ctx context.Context, t events.Type, sessionID string, payload any) {
	if c.publisher == nil {
		return
	}
	ev, err := events.New(t, sessionID, payload)
	if err != nil {
		c.logger.Error("encoding event", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Warn("publishing event", zap.String("type", string(t)), zap.Error(err))
	}
}
