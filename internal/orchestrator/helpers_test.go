package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/checkpoint"
	"github.com/fyrsmithlabs/forge/internal/config"
	"github.com/fyrsmithlabs/forge/internal/embeddings"
	"github.com/fyrsmithlabs/forge/internal/events"
	"github.com/fyrsmithlabs/forge/internal/memory"
	"github.com/fyrsmithlabs/forge/internal/retry"
	"github.com/fyrsmithlabs/forge/internal/stages"
	"github.com/fyrsmithlabs/forge/internal/vectorstore"
)

const (
	testTask      = "create a calculator"
	testWorkspace = "/work/calc"
)

var errCrash = errors.New("simulated crash")

// crashingStore fails every Put from the failAt-th on. Zero never fails.
type crashingStore struct {
	checkpoint.Store
	mu     sync.Mutex
	puts   int
	failAt int
}

func (s *crashingStore) Put(ctx context.Context, sessionID string, seq uint64, state []byte) error {
	s.mu.Lock()
	s.puts++
	n := s.puts
	s.mu.Unlock()
	if s.failAt > 0 && n >= s.failAt {
		return errCrash
	}
	return s.Store.Put(ctx, sessionID, seq, state)
}

func (s *crashingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func newSQLiteStore(t *testing.T) checkpoint.Store {
	t.Helper()
	s, err := checkpoint.OpenSQLite(filepath.Join(t.TempDir(), "checkpoints.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemory(t *testing.T) memory.Store {
	t.Helper()
	vs, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{VectorSize: 64}, nil)
	require.NoError(t, err)
	return memory.New(vs, embeddings.NewHashProvider(64), memory.WithRetry(retry.Immediate(1)))
}

// recorder collects published events and signals each approval request.
type recorder struct {
	mu        sync.Mutex
	events    []events.Event
	approvals chan events.ApprovalRequest
}

func newRecorder() *recorder {
	return &recorder{approvals: make(chan events.ApprovalRequest, 16)}
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Type == events.TypeApprovalRequest {
		var p events.ApprovalRequest
		if err := ev.Decode(&p); err == nil {
			r.approvals <- p
		}
	}
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) nextApproval(t *testing.T) events.ApprovalRequest {
	t.Helper()
	select {
	case p := <-r.approvals:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no approval request published")
		return events.ApprovalRequest{}
	}
}

// fakeStage succeeds with a payload derived from the view unless run says
// otherwise.
type fakeStage struct {
	id  stages.StageID
	run func(ctx context.Context, view stages.StateView, env stages.Env) stages.StageResult

	mu   sync.Mutex
	runs int
}

func (f *fakeStage) ID() stages.StageID { return f.id }

func (f *fakeStage) Execute(ctx context.Context, view stages.StateView, env stages.Env) stages.StageResult {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, view, env)
	}
	return okResult(f.id, view)
}

func (f *fakeStage) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func okResult(id stages.StageID, view stages.StateView) stages.StageResult {
	var prev []string
	for _, other := range []stages.StageID{stages.Research, stages.Architect, stages.Codesmith} {
		if r, ok := view.Result(other); ok && r.Succeeded {
			prev = append(prev, string(other))
		}
	}
	out, _ := json.Marshal(map[string]any{"stage": id, "task": view.UserTask(), "saw": prev})
	return stages.StageResult{
		StageName: id,
		Output:    out,
		Artifacts: []string{string(id) + ".txt"},
		Succeeded: true,
	}
}

func failResult(id stages.StageID, err error) stages.StageResult {
	return stages.StageResult{
		StageName:   id,
		Artifacts:   []string{},
		ErrorDetail: err.Error(),
		ErrorKind:   apperr.Classify(err),
		Err:         err,
	}
}

type harness struct {
	cfg    *config.Config
	store  *crashingStore
	mem    memory.Store
	fs     afero.Fs
	events *recorder
	stages map[stages.StageID]*fakeStage
	logger *zap.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	h := &harness{
		cfg:    cfg,
		store:  &crashingStore{Store: newSQLiteStore(t)},
		mem:    newMemory(t),
		fs:     afero.NewMemMapFs(),
		events: newRecorder(),
		stages: make(map[stages.StageID]*fakeStage),
	}
	for _, id := range []stages.StageID{stages.Research, stages.Architect, stages.Codesmith, stages.ReviewFix} {
		h.stages[id] = &fakeStage{id: id}
	}
	return h
}

// supervisor builds a supervisor over the harness with a fresh gate, as a
// restarted process would have.
func (h *harness) supervisor(t *testing.T, gate *approval.Gate, opts ...Option) *Supervisor {
	t.Helper()
	if gate == nil {
		gate = newGate(t, h.cfg)
	}
	for _, s := range h.stages {
		opts = append([]Option{WithStage(s)}, opts...)
	}
	logger := h.logger
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	sup, err := New(h.cfg, Deps{
		Checkpoints: h.store,
		Memory:      h.mem,
		Gate:        gate,
		Events:      h.events,
		Fs:          h.fs,
		Logger:      logger,
	}, opts...)
	require.NoError(t, err)
	return sup
}

func newGate(t *testing.T, cfg *config.Config) *approval.Gate {
	t.Helper()
	ps, err := approval.NewPolicySet(cfg.Approval.Policies)
	require.NoError(t, err)
	return approval.NewGate(ps, approval.WithLogger(zaptest.NewLogger(t)))
}

func (h *harness) state(t *testing.T, sessionID string) *WorkflowState {
	t.Helper()
	cp, err := h.store.GetLatest(context.Background(), sessionID)
	require.NoError(t, err)
	st, err := DecodeState(cp.State)
	require.NoError(t, err)
	return st
}
