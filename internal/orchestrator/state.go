package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/stages"
)

// Status is the lifecycle state of a session.
type Status string

// Session statuses.
const (
	StatusInitializing     Status = "initializing"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Terminal reports whether a session in this status has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WorkflowState is the checkpointed state of one session. SessionID,
// WorkspaceRoot and UserTask never change after creation.
type WorkflowState struct {
	SessionID     string           `json:"session_id"`
	WorkspaceRoot string           `json:"workspace_root"`
	UserTask      string           `json:"user_task"`
	Route         []stages.StageID `json:"route"`

	// StageResults is ordered by first execution. A retried stage replaces
	// its own entry.
	StageResults []stages.StageResult `json:"stage_results"`

	Status       Status         `json:"status"`
	CurrentStage stages.StageID `json:"current_stage,omitempty"`

	LoopPhase      stages.LoopPhase `json:"loop_phase,omitempty"`
	IterationCount int              `json:"iteration_count"`
	QualityScore   *float64         `json:"quality_score,omitempty"`
	Threshold      *float64         `json:"threshold,omitempty"`

	PendingApproval *approval.Request  `json:"pending_approval,omitempty"`
	Approvals       []approval.Request `json:"approvals"`

	Summary     string `json:"summary,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`

	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DecodeState parses a checkpoint blob.
func DecodeState(blob []byte) (*WorkflowState, error) {
	var s WorkflowState
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("decoding workflow state: %w", err)
	}
	if s.SessionID == "" {
		return nil, fmt.Errorf("decoding workflow state: missing session_id")
	}
	return &s, nil
}

// Result returns the recorded result for a stage.
func (s *WorkflowState) Result(id stages.StageID) (stages.StageResult, bool) {
	for _, r := range s.StageResults {
		if r.StageName == id {
			return r, true
		}
	}
	return stages.StageResult{}, false
}

func (s *WorkflowState) setResult(r stages.StageResult) {
	for i := range s.StageResults {
		if s.StageResults[i].StageName == r.StageName {
			s.StageResults[i] = r
			return
		}
	}
	s.StageResults = append(s.StageResults, r)
}

// Artifacts is the sorted union of every stage's artifacts.
func (s *WorkflowState) Artifacts() []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, r := range s.StageResults {
		for _, a := range r.Artifacts {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Review decodes the review/fix stage output, if that stage has run.
func (s *WorkflowState) Review() (stages.ReviewOutput, bool) {
	r, ok := s.Result(stages.ReviewFix)
	if !ok || !r.Succeeded {
		return stages.ReviewOutput{}, false
	}
	return decodeReview(r)
}

// decodeReview accepts only payloads that carry a finished loop.
func decodeReview(res stages.StageResult) (stages.ReviewOutput, bool) {
	var out stages.ReviewOutput
	if err := res.Decode(&out); err != nil || !out.Status.Terminal() {
		return stages.ReviewOutput{}, false
	}
	return out, true
}

// Outcome derives the caller-facing result from the state.
func (s *WorkflowState) Outcome() *WorkflowResult {
	res := &WorkflowResult{
		SessionID:      s.SessionID,
		Status:         s.Status,
		Success:        s.Status == StatusCompleted,
		QualityScore:   s.QualityScore,
		IterationCount: s.IterationCount,
		Artifacts:      s.Artifacts(),
		Summary:        s.Summary,
		ErrorDetail:    s.ErrorDetail,
	}
	if review, ok := s.Review(); ok && !review.Success {
		res.Success = false
		res.Reason = review.Reason
	}
	return res
}

// WorkflowResult is what Run hands back to the caller.
type WorkflowResult struct {
	SessionID      string   `json:"session_id"`
	Status         Status   `json:"status"`
	Success        bool     `json:"success"`
	QualityScore   *float64 `json:"quality_score,omitempty"`
	IterationCount int      `json:"iteration_count"`
	Artifacts      []string `json:"artifacts"`
	Reason         string   `json:"reason,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	ErrorDetail    string   `json:"error_detail,omitempty"`
}

// stateView is the read-only window stages get on the state.
type stateView struct{ s *WorkflowState }

func (v stateView) SessionID() string     { return v.s.SessionID }
func (v stateView) WorkspaceRoot() string { return v.s.WorkspaceRoot }
func (v stateView) UserTask() string      { return v.s.UserTask }

func (v stateView) Result(id stages.StageID) (stages.StageResult, bool) {
	r, ok := v.s.Result(id)
	if !ok {
		return r, false
	}
	r.Artifacts = append([]string(nil), r.Artifacts...)
	r.Output = append(json.RawMessage(nil), r.Output...)
	return r, true
}
