package approval

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/forge/internal/approval"

// Notifier is told about every request left pending after policies ran.
type Notifier func(ctx context.Context, req *Request)

type entry struct {
	req  *Request
	done chan struct{}
}

// Gate tracks approval requests across sessions. It is safe for concurrent
// use; a pending request blocks only the goroutine awaiting it.
type Gate struct {
	policies *PolicySet
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu        sync.Mutex
	requests  map[string]*entry
	notifiers []Notifier
	entropy   *ulid.MonotonicEntropy
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithNotifier registers a pending-request listener.
func WithNotifier(n Notifier) Option {
	return func(g *Gate) { g.notifiers = append(g.notifiers, n) }
}

// NewGate returns a gate with the given policies, which may be nil.
func NewGate(policies *PolicySet, opts ...Option) *Gate {
	g := &Gate{
		policies: policies,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
		requests: make(map[string]*entry),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Subscribe registers a pending-request listener after construction.
func (g *Gate) Subscribe(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifiers = append(g.notifiers, n)
}

// Request creates a request. When a policy decides it, the returned request
// is already resolved and no listener is notified.
func (g *Gate) Request(ctx context.Context, sessionID string, action ActionType, description string, attrs map[string]any) (*Request, error) {
	if action == "" {
		return nil, ErrInvalidAction
	}
	now := g.now().UTC()

	g.mu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), g.entropy)
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("generating request id: %w", err)
	}
	req := &Request{
		ID:          "apr_" + id.String(),
		SessionID:   sessionID,
		ActionType:  action,
		Description: description,
		Attributes:  attrs,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	if decision, policy, ok := g.policies.Evaluate(req); ok {
		req.Status = decision
		req.DecidedAt = &now
		req.DecidedBy = "policy:" + policy
	}
	e := &entry{req: req, done: make(chan struct{})}
	if req.Status.Resolved() {
		close(e.done)
	}
	g.requests[req.ID] = e
	notifiers := append([]Notifier(nil), g.notifiers...)
	out := req.clone()
	g.mu.Unlock()

	if out.Status.Resolved() {
		g.logger.Info("approval auto-decided",
			zap.String("request_id", out.ID),
			zap.String("action_type", string(action)),
			zap.String("decision", string(out.Status)),
			zap.String("decided_by", out.DecidedBy))
		return out, nil
	}

	g.logger.Info("approval requested",
		zap.String("request_id", out.ID),
		zap.String("session_id", sessionID),
		zap.String("action_type", string(action)))
	for _, n := range notifiers {
		n(ctx, out.clone())
	}
	return out, nil
}

// Restore re-registers a request loaded from a checkpoint so a resumed
// session can await it instead of asking again. Restoring a request the
// gate already knows is a no-op.
func (g *Gate) Restore(ctx context.Context, req *Request) {
	if req == nil || req.ID == "" {
		return
	}
	g.mu.Lock()
	if _, ok := g.requests[req.ID]; ok {
		g.mu.Unlock()
		return
	}
	e := &entry{req: req.clone(), done: make(chan struct{})}
	if e.req.Status == "" {
		e.req.Status = StatusPending
	}
	if e.req.Status.Resolved() {
		close(e.done)
	}
	g.requests[req.ID] = e
	notifiers := append([]Notifier(nil), g.notifiers...)
	pending := !e.req.Status.Resolved()
	out := e.req.clone()
	g.mu.Unlock()

	if pending {
		for _, n := range notifiers {
			n(ctx, out.clone())
		}
	}
}

// Decide resolves a pending request as approved or rejected.
func (g *Gate) Decide(requestID string, approved bool, decidedBy, reason string) error {
	status := StatusRejected
	if approved {
		status = StatusApproved
	}
	return g.resolve(requestID, status, decidedBy, reason)
}

func (g *Gate) resolve(requestID string, status Status, decidedBy, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if e.req.Status.Resolved() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, requestID, e.req.Status)
	}
	now := g.now().UTC()
	e.req.Status = status
	e.req.DecidedAt = &now
	e.req.DecidedBy = decidedBy
	e.req.Reason = reason
	close(e.done)

	g.logger.Info("approval resolved",
		zap.String("request_id", requestID),
		zap.String("decision", string(status)),
		zap.String("decided_by", decidedBy))
	return nil
}

// AwaitDecision blocks until the request is resolved or timeout elapses,
// in which case the request resolves as timed out. A zero timeout waits
// indefinitely. Context cancellation returns ctx.Err() and leaves the
// request pending.
func (g *Gate) AwaitDecision(ctx context.Context, requestID string, timeout time.Duration) (Decision, error) {
	ctx, span := g.tracer.Start(ctx, "approval.await")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))

	g.mu.Lock()
	e, ok := g.requests[requestID]
	g.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-e.done:
	case <-expired:
		// A decision racing the timer wins if it landed first.
		_ = g.resolve(requestID, StatusTimedOut, "timeout", fmt.Sprintf("no decision within %s", timeout))
	case <-ctx.Done():
		return "", ctx.Err()
	}

	g.mu.Lock()
	status := e.req.Status
	g.mu.Unlock()
	span.SetAttributes(attribute.String("decision", string(status)))
	return status, nil
}

// Get returns a copy of the request.
func (g *Gate) Get(requestID string) (*Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.requests[requestID]
	if !ok {
		return nil, false
	}
	return e.req.clone(), true
}

// Pending lists unresolved requests, optionally for one session, oldest
// first.
func (g *Gate) Pending(sessionID string) []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Request
	for _, e := range g.requests {
		if e.req.Status.Resolved() {
			continue
		}
		if sessionID != "" && e.req.SessionID != sessionID {
			continue
		}
		out = append(out, e.req.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Forget drops resolved requests for a session once it has recorded them.
func (g *Gate) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, e := range g.requests {
		if e.req.SessionID == sessionID && e.req.Status.Resolved() {
			delete(g.requests, id)
		}
	}
}
