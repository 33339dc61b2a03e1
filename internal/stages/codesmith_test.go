package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/logging"
)

var calculatorFiles = []GeneratedFile{
	{Path: "main.go", Content: "package main\n\nfunc main() {}\n"},
	{Path: "go.mod", Content: "module example.com/calc\n\ngo 1.22\n"},
}

func TestCodesmith_WritesFilesAfterOneApproval(t *testing.T) {
	te := newTestEnv(t)
	ctx := context.Background()
	_, err := te.mem.Store(ctx, string(Architect), ItemDesign, "A small CLI calculator.")
	require.NoError(t, err)
	_, err = te.mem.Store(ctx, string(Architect), ItemFilePlan, "main.go: entry point")
	require.NoError(t, err)
	te.model.onFiles(codesmithPrompt, calculatorFiles...)

	res := NewCodesmith().Execute(ctx, newView(), te.Env)
	require.True(t, res.Succeeded, res.ErrorDetail)
	assert.Equal(t, []string{"go.mod", "main.go"}, res.Artifacts)
	assert.Equal(t, []string{"go.mod", "main.go"}, te.files(t))

	require.Len(t, te.approver.calls, 1)
	call := te.approver.calls[0]
	assert.Equal(t, approval.ActionFileWrite, call.Action)
	assert.Equal(t, []string{"go.mod", "main.go"}, call.Attrs["paths"])
	assert.Equal(t, false, call.Attrs["overwrite"])
	assert.Equal(t, "codesmith", call.Attrs["stage"])

	users := te.model.users[promptKey(codesmithPrompt)]
	require.Len(t, users, 1)
	assert.Contains(t, users[0], "A small CLI calculator.")
	assert.Contains(t, users[0], "main.go: entry point")

	assert.Len(t, te.mem.contents(string(Codesmith), ItemImplementation), 2)
	out := decodeOutput[CodesmithOutput](t, res)
	assert.False(t, out.Degraded)
}

func TestCodesmith_EscapingPathRejectedBeforeAnyWrite(t *testing.T) {
	for _, bad := range []string{"../evil.go", "/etc/passwd", "sub/../../x.go"} {
		t.Run(bad, func(t *testing.T) {
			te := newTestEnv(t)
			te.model.onFiles(codesmithPrompt, append([]GeneratedFile{{Path: bad, Content: "x"}}, calculatorFiles...)...)

			res := NewCodesmith().Execute(context.Background(), newView(), te.Env)
			assert.False(t, res.Succeeded)
			assert.Equal(t, apperr.KindSecurity, res.ErrorKind)
			var sv *apperr.SecurityViolation
			assert.True(t, errors.As(res.Err, &sv))
			assert.Empty(t, te.files(t), "nothing may be written")
			assert.Empty(t, te.approver.calls, "approval is not requested for an invalid batch")
		})
	}
}

func TestCodesmith_RejectedApprovalFailsStage(t *testing.T) {
	te := newTestEnv(t)
	te.approver.decide = func(c approvalCall) error {
		return &apperr.ApprovalRejected{RequestID: "apr_1", Reason: "no"}
	}
	te.model.onFiles(codesmithPrompt, calculatorFiles...)

	res := NewCodesmith().Execute(context.Background(), newView(), te.Env)
	assert.False(t, res.Succeeded)
	assert.Equal(t, apperr.KindRejected, res.ErrorKind)
	assert.Empty(t, te.files(t))
}

func TestCodesmith_CodeBlockFallback(t *testing.T) {
	te := newTestEnv(t)
	te.model.onText(codesmithPrompt, "Here you go.\n\n```go main.go\npackage main\n```\n\n```text\nno path here\n```\n")

	res := NewCodesmith().Execute(context.Background(), newView(), te.Env)
	require.True(t, res.Succeeded, res.ErrorDetail)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"main.go"}, res.Artifacts)
}

func TestCodesmith_NoFilesIsValidationFailure(t *testing.T) {
	te := newTestEnv(t)
	te.model.onText(codesmithPrompt, "I cannot help with that.")

	res := NewCodesmith().Execute(context.Background(), newView(), te.Env)
	assert.False(t, res.Succeeded)
	assert.Equal(t, apperr.KindValidation, res.ErrorKind)
}

type fakeSnapshotter struct {
	root, message string
}

func (f *fakeSnapshotter) Commit(_ context.Context, root, message string) (string, error) {
	f.root, f.message = root, message
	return "abc123", nil
}

func TestCodesmith_SnapshotAfterCommitApproval(t *testing.T) {
	te := newTestEnv(t)
	snap := &fakeSnapshotter{}
	te.Snapshot = snap
	te.model.onFiles(codesmithPrompt, calculatorFiles...)

	res := NewCodesmith().Execute(context.Background(), newView(), te.Env)
	require.True(t, res.Succeeded, res.ErrorDetail)

	out := decodeOutput[CodesmithOutput](t, res)
	assert.Equal(t, "abc123", out.Snapshot)
	assert.False(t, out.Degraded)
	assert.False(t, res.Degraded)
	assert.Equal(t, "/work", snap.root)
	assert.Equal(t, "forge: "+testTask, snap.message)
	require.Len(t, te.approver.calls, 2)
	assert.Equal(t, approval.ActionGitCommit, te.approver.calls[1].Action)
}

func TestCodesmith_LogsCarrySessionAndStage(t *testing.T) {
	te := newTestEnv(t)
	tl := logging.NewTestLogger()
	te.Logger = tl.Underlying()
	te.model.onFiles(codesmithPrompt, calculatorFiles...)

	ctx := logging.WithSessionID(context.Background(), "sess-9")
	res := NewCodesmith().Execute(ctx, newView(), te.Env)
	require.True(t, res.Succeeded, res.ErrorDetail)

	tl.AssertField(t, "code written", "session.id", "sess-9")
	tl.AssertField(t, "code written", "stage", "codesmith")
}

func TestCodesmith_SnapshotNotTakenIsDegraded(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rejected", &apperr.ApprovalRejected{RequestID: "apr_2"}, "rejected"},
		{"timed out", &apperr.ApprovalTimedOut{RequestID: "apr_2"}, "timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEnv(t)
			snap := &fakeSnapshotter{}
			te.Snapshot = snap
			te.approver.decide = func(c approvalCall) error {
				if c.Action == approval.ActionGitCommit {
					return tt.err
				}
				return nil
			}
			te.model.onFiles(codesmithPrompt, calculatorFiles...)

			res := NewCodesmith().Execute(context.Background(), newView(), te.Env)
			require.True(t, res.Succeeded, res.ErrorDetail)
			assert.True(t, res.Degraded)

			out := decodeOutput[CodesmithOutput](t, res)
			assert.Empty(t, out.Snapshot)
			assert.Contains(t, out.SnapshotError, tt.want)
			assert.True(t, out.Degraded)
			assert.Empty(t, snap.message)
		})
	}
}
