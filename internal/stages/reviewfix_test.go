package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/build"
	"github.com/fyrsmithlabs/forge/internal/llm"
	"github.com/fyrsmithlabs/forge/internal/quality"
	"github.com/fyrsmithlabs/forge/internal/secrets"
)

// scriptedBuild passes or fails per call; the last entry repeats.
type scriptedBuild struct {
	mu      sync.Mutex
	results []bool
	calls   int
}

func (b *scriptedBuild) Check(_ context.Context, _ string, typ quality.ArtifactType, _ []string) (build.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := min(b.calls, len(b.results)-1)
	b.calls++
	if b.results[i] {
		return build.Result{Passed: true, Command: "go build ./..."}, nil
	}
	return build.Result{Passed: false, Command: "go build ./...", Diagnostics: "./main.go:3:9: undefined: eval"}, nil
}

type progressLog struct {
	mu     sync.Mutex
	events []LoopProgress
}

func (p *progressLog) record(_ context.Context, lp LoopProgress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, lp)
	return nil
}

func (p *progressLog) phases() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, fmt.Sprintf("%s/%d", e.Phase, e.Iteration))
	}
	return out
}

func calculatorEnv(t *testing.T, builds ...bool) (*testEnv, *scriptedBuild, *progressLog) {
	t.Helper()
	te := newTestEnv(t)
	te.writeFile(t, "go.mod", "module example.com/calc\n\ngo 1.22\n")
	te.writeFile(t, "main.go", "package main\n\nfunc main() { _ = eval }\n")
	b := &scriptedBuild{results: builds}
	p := &progressLog{}
	te.Build = b
	te.Progress = p.record
	te.MaxIterations = intPtr(3)
	return te, b, p
}

var fixedMain = GeneratedFile{Path: "main.go", Content: "package main\n\nfunc main() {}\n"}

func TestReviewFix_CalculatorPassesAfterOneFix(t *testing.T) {
	te, b, progress := calculatorEnv(t, false, true)
	te.model.
		onText(reviewPrompt, `{"score": 0.9, "issues": []}`, `{"score": 0.85, "issues": []}`).
		onFiles(fixPrompt, fixedMain)

	res := NewReviewFix().Execute(context.Background(), newView(), te.Env)
	require.True(t, res.Succeeded, res.ErrorDetail)
	assert.NoError(t, res.Err)

	out := decodeOutput[ReviewOutput](t, res)
	assert.Equal(t, PhaseDone, out.Status)
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.Iterations)
	assert.InDelta(t, 0.85, out.Score, 1e-9)
	assert.InDelta(t, 0.80, out.Threshold, 1e-9)
	assert.Equal(t, quality.TypeGo, out.ArtifactType)

	require.Len(t, out.History, 2)
	first := out.History[0]
	assert.False(t, first.BuildPassed)
	assert.InDelta(t, 0.50, first.Score, 1e-9)
	require.NotEmpty(t, first.Issues)
	assert.Equal(t, quality.SeverityCritical, first.Issues[0].Severity)
	assert.True(t, out.History[1].BuildPassed)

	assert.Equal(t, []string{"reviewing/0", "fixing/0", "reviewing/1", "done/1"}, progress.phases())
	assert.Equal(t, 2, b.calls)
	assert.Equal(t, 1, te.model.count(fixPrompt))

	fixUser := te.model.users[promptKey(fixPrompt)][0]
	assert.Contains(t, fixUser, "undefined: eval")

	require.Len(t, te.approver.calls, 1)
	assert.Equal(t, "reviewfix", te.approver.calls[0].Attrs["stage"])
	assert.Equal(t, true, te.approver.calls[0].Attrs["overwrite"])

	assert.Equal(t, []string{"go.mod", "main.go"}, res.Artifacts)
	assert.Len(t, te.mem.contents(string(ReviewFix), ItemReview), 1)
}

func TestReviewFix_CalculatorExhaustsIterations(t *testing.T) {
	te, b, progress := calculatorEnv(t, false)
	te.model.
		onText(reviewPrompt, `{"score": 0.9, "issues": []}`).
		onFiles(fixPrompt, fixedMain)

	res := NewReviewFix().Execute(context.Background(), newView(), te.Env)
	require.True(t, res.Succeeded, "an exhausted loop is a valid outcome: %s", res.ErrorDetail)

	var gate *apperr.QualityGateExhausted
	require.True(t, errors.As(res.Err, &gate))
	assert.Equal(t, 3, gate.Iterations)

	out := decodeOutput[ReviewOutput](t, res)
	assert.Equal(t, PhaseAborted, out.Status)
	assert.False(t, out.Success)
	assert.Equal(t, ReasonQualityGateExhausted, out.Reason)
	assert.Equal(t, 3, out.Iterations)
	assert.InDelta(t, 0.50, out.Score, 1e-9)
	assert.Len(t, out.History, 4)
	assert.Equal(t, 4, b.calls)
	assert.Equal(t, 3, te.model.count(fixPrompt))
	assert.Equal(t, "aborted/3", progress.phases()[len(progress.phases())-1])
	assert.NotEmpty(t, res.Artifacts, "artifacts are still returned")
}

func TestReviewFix_ZeroIterationsReviewsOnce(t *testing.T) {
	te, b, progress := calculatorEnv(t, false)
	te.MaxIterations = intPtr(0)
	te.model.onText(reviewPrompt, `{"score": 0.9, "issues": []}`)

	res := NewReviewFix().Execute(context.Background(), newView(), te.Env)
	require.True(t, res.Succeeded, res.ErrorDetail)

	var gate *apperr.QualityGateExhausted
	require.True(t, errors.As(res.Err, &gate))
	assert.Equal(t, 0, gate.Iterations)

	out := decodeOutput[ReviewOutput](t, res)
	assert.Equal(t, PhaseAborted, out.Status)
	assert.Equal(t, 0, out.Iterations)
	assert.Len(t, out.History, 1)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 0, te.model.count(fixPrompt))
	assert.Equal(t, []string{"reviewing/0", "aborted/0"}, progress.phases())
}

func TestReviewFix_PassingArtifactIsNeverFixed(t *testing.T) {
	te, _, progress := calculatorEnv(t, true)
	te.model.onText(reviewPrompt, `{"score": 0.95, "issues": [{"description": "naming", "severity": "low"}]}`)

	res := NewReviewFix().Execute(context.Background(), newView(), te.Env)
	require.True(t, res.Succeeded, res.ErrorDetail)
	out := decodeOutput[ReviewOutput](t, res)
	assert.Equal(t, 0, out.Iterations)
	assert.True(t, out.Success)
	assert.Zero(t, te.model.count(fixPrompt))
	assert.Equal(t, []string{"reviewing/0", "done/0"}, progress.phases())
}

func TestReviewFix_LoopBoundedness(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewSource(seed))

	for trial := 0; trial < 200; trial++ {
		maxIter := rng.Intn(6)
		te := newTestEnv(t)
		te.Logger = nil
		te.writeFile(t, "main.py", "print(1)\n")
		te.MaxIterations = &maxIter

		var reviews, fixes int
		te.LLM = llm.ClientFunc(func(_ context.Context, system, _ string, _ []llm.Tool) (*llm.Completion, error) {
			switch promptKey(system) {
			case promptKey(reviewPrompt):
				reviews++
				return &llm.Completion{Text: fmt.Sprintf(`{"score": %.3f, "issues": []}`, rng.Float64())}, nil
			case promptKey(fixPrompt):
				fixes++
				args, _ := json.Marshal(GeneratedFile{Path: "main.py", Content: fmt.Sprintf("print(%d)\n", fixes)})
				return &llm.Completion{ToolCalls: []llm.ToolCall{{Name: "write_file", Arguments: string(args)}}}, nil
			}
			return nil, errors.New("unexpected prompt")
		})
		te.Build = build.CheckerFunc(func(context.Context, string, quality.ArtifactType, []string) (build.Result, error) {
			return build.Result{Passed: rng.Intn(3) > 0}, nil
		})

		res := NewReviewFix().Execute(context.Background(), newView(), te.Env)
		require.True(t, res.Succeeded, res.ErrorDetail)
		out := decodeOutput[ReviewOutput](t, res)

		require.LessOrEqual(t, out.Iterations, maxIter)
		require.Equal(t, out.Iterations+1, reviews)
		require.Equal(t, out.Iterations, fixes)
		require.Len(t, out.History, out.Iterations+1)
		for i, a := range out.History {
			if i < len(out.History)-1 {
				require.False(t, a.Passed(), "trial %d: passing assessment %d was fixed", trial, i)
			}
			if !a.BuildPassed {
				require.Less(t, a.Score, a.Threshold, "trial %d: failed build cleared the gate", trial)
			}
		}
		if out.Success {
			require.True(t, out.History[len(out.History)-1].Passed())
		} else {
			require.Equal(t, maxIter, out.Iterations)
		}
	}
}

func TestReviewFix_SecretsBecomeHighSeverityIssues(t *testing.T) {
	te, _, _ := calculatorEnv(t, true)
	te.writeFile(t, "main.go", "package main\n\nconst token = \""+"ghp_"+"R1a9xK2mQ7vT4wZ8pL3nB6cD0fH5jY"+"2sU4eG"+"\"\n\nfunc main() {}\n")
	d, err := secrets.NewDetector(nil)
	require.NoError(t, err)
	te.Secrets = d
	te.model.onText(reviewPrompt, `{"score": 1.0, "issues": []}`)

	res := NewReviewFix().Execute(context.Background(), newView(), te.Env)
	require.True(t, res.Succeeded, res.ErrorDetail)
	out := decodeOutput[ReviewOutput](t, res)

	var found bool
	for _, it := range out.History[0].Issues {
		if it.Source == "secrets" {
			found = true
			assert.Equal(t, quality.SeverityHigh, it.Severity)
			assert.Equal(t, "main.go", it.Path)
		}
	}
	assert.True(t, found, "expected a secrets issue")
	assert.Less(t, out.History[0].RawScore, 1.0)
}

func TestReviewFix_RejectedFixFailsStage(t *testing.T) {
	te, _, _ := calculatorEnv(t, false)
	te.approver.decide = func(approvalCall) error { return &apperr.ApprovalRejected{RequestID: "apr_x"} }
	te.model.
		onText(reviewPrompt, `{"score": 0.9, "issues": []}`).
		onFiles(fixPrompt, fixedMain)

	res := NewReviewFix().Execute(context.Background(), newView(), te.Env)
	assert.False(t, res.Succeeded)
	assert.Equal(t, apperr.KindRejected, res.ErrorKind)
}

func TestReviewFix_FixerFailuresStillCountIterations(t *testing.T) {
	te, _, _ := calculatorEnv(t, false)
	te.model.
		onText(reviewPrompt, "Score: 0.6\n- division by zero is not handled\n").
		onError(fixPrompt, apperr.Transient("llm", errors.New("503")))

	res := NewReviewFix().Execute(context.Background(), newView(), te.Env)
	require.True(t, res.Succeeded, res.ErrorDetail)
	out := decodeOutput[ReviewOutput](t, res)
	assert.Equal(t, 3, out.Iterations)
	assert.Len(t, out.FixErrors, 3)
	assert.True(t, out.Degraded, "free-text reviews are degraded")

	var found bool
	for _, it := range out.History[0].Issues {
		if it.Description == "division by zero is not handled" {
			found = true
			assert.Equal(t, quality.SeverityMedium, it.Severity)
		}
	}
	assert.True(t, found)
}

func TestReviewFix_ThresholdFollowsDesignLanguage(t *testing.T) {
	te := newTestEnv(t)
	te.writeFile(t, "README", "calculator\n")
	te.model.onText(reviewPrompt, `{"score": 0.72, "issues": []}`)
	design := begin(Architect).succeed(ArchitectOutput{Language: "py"}, nil, false)

	res := NewReviewFix().Execute(context.Background(), newView(design), te.Env)
	require.True(t, res.Succeeded, res.ErrorDetail)
	out := decodeOutput[ReviewOutput](t, res)
	assert.Equal(t, quality.TypePython, out.ArtifactType)
	assert.InDelta(t, 0.70, out.Threshold, 1e-9)
	assert.True(t, out.Success)
}

func TestReviewFix_ProgressErrorAbortsStage(t *testing.T) {
	te, _, _ := calculatorEnv(t, false)
	te.Progress = func(context.Context, LoopProgress) error { return errors.New("checkpoint write failed") }

	res := NewReviewFix().Execute(context.Background(), newView(), te.Env)
	assert.False(t, res.Succeeded)
	assert.Equal(t, apperr.KindUnknown, res.ErrorKind)
	assert.Zero(t, te.model.count(reviewPrompt))
}

func intPtr(n int) *int { return &n }
