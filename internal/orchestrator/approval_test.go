package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/config"
	"github.com/fyrsmithlabs/forge/internal/stages"
)

const overwriteDesc = "codesmith: write 1 file(s): main.go"

// manualApprovals turns off auto-decision and makes codesmith ask to
// overwrite a file.
func manualApprovals(h *harness) {
	h.cfg.Approval.Policies = []config.PolicyConfig{}
	h.stages[stages.Codesmith].run = func(ctx context.Context, view stages.StateView, env stages.Env) stages.StageResult {
		err := env.Approver.Approve(ctx, approval.ActionFileWrite, overwriteDesc,
			map[string]any{"paths": []string{"main.go"}, "count": 1, "overwrite": true, "stage": "codesmith"})
		if err != nil {
			if ctx.Err() != nil {
				return stages.StageResult{StageName: stages.Codesmith, ErrorKind: apperr.KindCancelled, ErrorDetail: stages.DetailCancelled, Err: err}
			}
			return failResult(stages.Codesmith, err)
		}
		return okResult(stages.Codesmith, view)
	}
}

type runOutcome struct {
	res *WorkflowResult
	err error
}

func runAsync(ctx context.Context, sup *Supervisor, sessionID string) <-chan runOutcome {
	done := make(chan runOutcome, 1)
	go func() {
		res, err := sup.Run(ctx, testTask, testWorkspace, sessionID)
		done <- runOutcome{res, err}
	}()
	return done
}

func TestApproval_SuspendsUntilDecided(t *testing.T) {
	h := newHarness(t)
	manualApprovals(h)
	gate := newGate(t, h.cfg)
	done := runAsync(context.Background(), h.supervisor(t, gate), "sess-approve")

	req := h.events.nextApproval(t)
	assert.Equal(t, string(approval.ActionFileWrite), req.ActionType)
	assert.Equal(t, overwriteDesc, req.Description)

	st := h.state(t, "sess-approve")
	assert.Equal(t, StatusAwaitingApproval, st.Status)
	require.NotNil(t, st.PendingApproval)
	assert.Equal(t, req.RequestID, st.PendingApproval.ID)
	assert.Zero(t, h.stages[stages.ReviewFix].count(), "nothing runs while waiting")

	require.NoError(t, gate.Decide(req.RequestID, true, "tester", "looks fine"))
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, StatusCompleted, out.res.Status)

	st = h.state(t, "sess-approve")
	assert.Nil(t, st.PendingApproval)
	require.Len(t, st.Approvals, 1)
	assert.Equal(t, approval.StatusApproved, st.Approvals[0].Status)
	assert.Equal(t, "tester", st.Approvals[0].DecidedBy)
}

func TestApproval_RejectionFailsRun(t *testing.T) {
	h := newHarness(t)
	manualApprovals(h)
	gate := newGate(t, h.cfg)
	done := runAsync(context.Background(), h.supervisor(t, gate), "sess-reject")

	req := h.events.nextApproval(t)
	require.NoError(t, gate.Decide(req.RequestID, false, "tester", "wrong file"))
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, StatusFailed, out.res.Status)
	assert.Contains(t, out.res.ErrorDetail, "rejected: wrong file")

	r, ok := h.state(t, "sess-reject").Result(stages.Codesmith)
	require.True(t, ok)
	assert.Equal(t, apperr.KindRejected, r.ErrorKind)
	assert.Zero(t, h.stages[stages.ReviewFix].count())
}

func TestApproval_PendingRequestSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	manualApprovals(h)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, h.supervisor(t, newGate(t, h.cfg)), "sess-restart")
	first := h.events.nextApproval(t)
	cancel()
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, DetailCancelled, out.res.ErrorDetail)

	st := h.state(t, "sess-restart")
	require.NotNil(t, st.PendingApproval, "the pending request is kept for the next run")
	assert.Equal(t, first.RequestID, st.PendingApproval.ID)

	// A new process with an empty gate waits on the same request.
	gate := newGate(t, h.cfg)
	done = runAsync(context.Background(), h.supervisor(t, gate), "sess-restart")
	again := h.events.nextApproval(t)
	assert.Equal(t, first.RequestID, again.RequestID)
	require.NoError(t, gate.Decide(again.RequestID, true, "tester", ""))

	out = <-done
	require.NoError(t, out.err)
	assert.Equal(t, StatusCompleted, out.res.Status)
	st = h.state(t, "sess-restart")
	require.Len(t, st.Approvals, 1)
	assert.Equal(t, first.RequestID, st.Approvals[0].ID)
	assert.Equal(t, 1, h.stages[stages.Research].count())
	assert.Equal(t, 2, h.stages[stages.Codesmith].count())
}

func TestApproval_TimeoutRetriedOnce(t *testing.T) {
	h := newHarness(t)
	manualApprovals(h)
	h.cfg.Approval.Timeout = config.Duration(20 * time.Millisecond)
	h.cfg.Approval.TimeoutRetries = 1

	res, err := h.supervisor(t, nil).Run(context.Background(), testTask, testWorkspace, "sess-timeout")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.ErrorDetail, "timed out")

	st := h.state(t, "sess-timeout")
	require.Len(t, st.Approvals, 2)
	assert.NotEqual(t, st.Approvals[0].ID, st.Approvals[1].ID, "a retry is a new request")
	for _, a := range st.Approvals {
		assert.Equal(t, approval.StatusTimedOut, a.Status)
	}
	r, ok := st.Result(stages.Codesmith)
	require.True(t, ok)
	assert.Equal(t, apperr.KindTimedOut, r.ErrorKind)
}
