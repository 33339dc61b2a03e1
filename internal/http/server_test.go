package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/checkpoint"
	"github.com/fyrsmithlabs/forge/internal/control"
	"github.com/fyrsmithlabs/forge/internal/events"
	"github.com/fyrsmithlabs/forge/internal/logging"
	"github.com/fyrsmithlabs/forge/internal/orchestrator"
)

// stubRunner completes a session as soon as release is closed.
type stubRunner struct {
	bus     *events.Bus
	release chan struct{}

	mu     sync.Mutex
	states map[string]*orchestrator.WorkflowState
}

func newStubRunner(bus *events.Bus) *stubRunner {
	return &stubRunner{bus: bus, release: make(chan struct{}), states: map[string]*orchestrator.WorkflowState{}}
}

func (r *stubRunner) save(st *orchestrator.WorkflowState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st.UpdatedAt = time.Now()
	r.states[st.SessionID] = st
}

func (r *stubRunner) Run(ctx context.Context, task, ws, sid string) (*orchestrator.WorkflowResult, error) {
	st := &orchestrator.WorkflowState{SessionID: sid, WorkspaceRoot: ws, UserTask: task, Status: orchestrator.StatusRunning}
	r.save(st)
	select {
	case <-r.release:
	case <-ctx.Done():
		done := *st
		done.Status, done.ErrorDetail = orchestrator.StatusFailed, orchestrator.DetailCancelled
		r.save(&done)
		return done.Outcome(), nil
	}
	done := *st
	done.Status, done.Summary = orchestrator.StatusCompleted, "done"
	r.save(&done)
	_ = r.bus.Publish(ctx, events.Must(events.TypeWorkflowComplete, sid, events.WorkflowComplete{Success: true, Summary: "done"}))
	return done.Outcome(), nil
}

func (r *stubRunner) Load(_ context.Context, sid string) (*orchestrator.WorkflowState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[sid]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (r *stubRunner) ListSessions(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type testServer struct {
	*Server
	runner *stubRunner
	gate   *approval.Gate
	bus    *events.Bus
	ctl    *control.Controller
	root   string
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	bus := events.NewBus()
	runner := newStubRunner(bus)
	gate := approval.NewGate(nil)
	root := t.TempDir()
	ctl := control.New(runner, gate, runner, bus, control.WithSandboxRoot(root))

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "forge_test_total"}))

	server, err := NewServer(ctl, bus, zaptest.NewLogger(t), &Config{Host: "127.0.0.1", Port: 0, Gatherer: reg})
	require.NoError(t, err)

	ts := &testServer{Server: server, runner: runner, gate: gate, bus: bus, ctl: ctl, root: root}
	t.Cleanup(func() {
		select {
		case <-runner.release:
		default:
			close(runner.release)
		}
		ctl.Close()
		bus.Close()
	})
	return ts
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) initSession(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/sessions", events.Init{WorkspaceRoot: s.root + "/calc"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out events.Initialized
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.SessionID)
	return out.SessionID
}

func TestNewServer(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ctl := control.New(newStubRunner(bus), approval.NewGate(nil), nil, bus)
	defer ctl.Close()

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(ctl, bus, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
		assert.Equal(t, 15*time.Second, server.config.KeepAlive)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(ctl, bus, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when controller is nil", func(t *testing.T) {
		_, err := NewServer(nil, bus, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "controller cannot be nil")
	})

	t.Run("returns error when bus is nil", func(t *testing.T) {
		_, err := NewServer(ctl, nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "event bus cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)

	rec := server.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHandleMetrics(t *testing.T) {
	server := setupTestServer(t)

	rec := server.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "forge_test_total")
}

func TestSessionLifecycle(t *testing.T) {
	server := setupTestServer(t)
	sid := server.initSession(t)

	rec := server.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/start", events.Start{UserTask: "calculator"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = server.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/start", events.Start{UserTask: "calculator"})
	assert.Equal(t, http.StatusConflict, rec.Code, "a running session cannot be started twice")

	close(server.runner.release)

	var resp SessionResponse
	require.Eventually(t, func() bool {
		rec := server.do(t, http.MethodGet, "/api/v1/sessions/"+sid, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		resp = SessionResponse{}
		return json.Unmarshal(rec.Body.Bytes(), &resp) == nil && resp.State.Status == orchestrator.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "calculator", resp.State.UserTask)
	assert.Equal(t, server.root+"/calc", resp.State.WorkspaceRoot)
	assert.True(t, resp.Result.Success)

	rec = server.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list SessionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, sid, list.Sessions[0].SessionID)
}

func TestHandleInit_Validation(t *testing.T) {
	server := setupTestServer(t)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"escaping workspace", events.Init{WorkspaceRoot: "/etc"}, http.StatusForbidden},
		{"empty workspace", events.Init{}, http.StatusForbidden},
		{"malformed body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := server.do(t, http.MethodPost, "/api/v1/sessions", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestHandleStart_Errors(t *testing.T) {
	server := setupTestServer(t)
	sid := server.initSession(t)

	rec := server.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/start", events.Start{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = server.do(t, http.MethodPost, "/api/v1/sessions/nope/start", events.Start{UserTask: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = server.do(t, http.MethodPost, "/api/v1/sessions/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = server.do(t, http.MethodGet, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancel(t *testing.T) {
	server := setupTestServer(t)
	sid := server.initSession(t)

	rec := server.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/start", events.Start{UserTask: "calculator"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = server.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	res, err := server.ctl.Wait(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.DetailCancelled, res.ErrorDetail)
}

func TestHandleApproval(t *testing.T) {
	server := setupTestServer(t)
	sid := server.initSession(t)

	req, err := server.gate.Request(context.Background(), sid, approval.ActionFileWrite, "write main.go", nil)
	require.NoError(t, err)

	rec := server.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/approvals",
		events.ApprovalResponse{RequestID: req.ID, Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = server.do(t, http.MethodPost, "/api/v1/sessions/other/approvals",
		events.ApprovalResponse{RequestID: req.ID, Decision: "approved"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "requests are scoped to their session")

	rec = server.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/approvals",
		events.ApprovalResponse{RequestID: req.ID, Decision: "approved", Reason: "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, ok := server.gate.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, approval.StatusApproved, got.Status)
	assert.Equal(t, "control", got.DecidedBy)

	rec = server.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/approvals",
		events.ApprovalResponse{RequestID: req.ID, Decision: "rejected"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleEnvelope(t *testing.T) {
	server := setupTestServer(t)

	t.Run("init answers with initialized", func(t *testing.T) {
		ev := events.Must(events.TypeInit, "", events.Init{WorkspaceRoot: server.root})
		rec := server.do(t, http.MethodPost, "/api/v1/events", ev)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var reply events.Event
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
		assert.Equal(t, events.TypeInitialized, reply.Type)
		assert.NotEmpty(t, reply.SessionID)
	})

	t.Run("server events are rejected", func(t *testing.T) {
		ev := events.Must(events.TypeWorkflowComplete, "s1", events.WorkflowComplete{Success: true})
		rec := server.do(t, http.MethodPost, "/api/v1/events", ev)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown type", func(t *testing.T) {
		rec := server.do(t, http.MethodPost, "/api/v1/events", map[string]any{"type": "reboot", "data": map[string]any{}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid decision", func(t *testing.T) {
		ev := events.Must(events.TypeApprovalResponse, "s1", events.ApprovalResponse{RequestID: "r1", Decision: "later"})
		rec := server.do(t, http.MethodPost, "/api/v1/events", ev)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleEvents_StreamsUntilTerminal(t *testing.T) {
	server := setupTestServer(t)
	httpSrv := httptest.NewServer(server.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/api/v1/sessions/s1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": subscribed\n", line)

	ctxBg := context.Background()
	require.NoError(t, server.bus.Publish(ctxBg, events.Must(events.TypeStatus, "other", events.Status{Stage: "research", State: "started"})))
	require.NoError(t, server.bus.Publish(ctxBg, events.Must(events.TypeStatus, "s1", events.Status{Stage: "research", State: "started"})))
	require.NoError(t, server.bus.Publish(ctxBg, events.Must(events.TypeWorkflowFailed, "s1", events.WorkflowFailed{ErrorDetail: "boom"})))

	var frames []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if l := scanner.Text(); strings.HasPrefix(l, "event: ") {
			frames = append(frames, strings.TrimPrefix(l, "event: "))
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"status", "workflow_failed"}, frames, "the stream ends after the terminal event")
}

func TestCorrelate_AccessLogCarriesIDs(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ctl := control.New(newStubRunner(bus), approval.NewGate(nil), nil, bus)
	defer ctl.Close()

	tl := logging.NewTestLogger()
	server, err := NewServer(ctl, bus, tl.Underlying(), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-7", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-42")
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	tl.AssertField(t, "http request", "request.id", "req-42")
	tl.AssertField(t, "http request", "session.id", "sess-7")
	tl.AssertField(t, "http request", "status", int64(http.StatusNotFound))
}
