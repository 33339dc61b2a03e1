// Package approval implements the human-in-the-loop gate for side-effecting
// actions.
//
// A stage calls Gate.Request before a gated action. Auto-decision policies
// are evaluated first; only requests no policy decides are left pending.
// Gate.AwaitDecision then blocks the caller, and only the caller, until a
// decision arrives through Gate.Decide (control protocol, NATS, or a file
// dropped into the approvals directory) or the timeout expires.
package approval

import (
	"errors"
	"time"
)

var (
	// ErrUnknownRequest is returned for request ids the gate has never seen.
	ErrUnknownRequest = errors.New("unknown approval request")

	// ErrAlreadyResolved is returned when deciding a request twice.
	ErrAlreadyResolved = errors.New("approval request already resolved")

	// ErrInvalidAction is returned when a request has no action type.
	ErrInvalidAction = errors.New("action type is required")
)

// ActionType names the kind of gated action.
type ActionType string

// Action types raised by the built-in stages.
const (
	ActionFileWrite ActionType = "file_write"
	ActionGitCommit ActionType = "git_commit"
	ActionDeploy    ActionType = "deploy"
	ActionCommand   ActionType = "destructive_command"
)

// Status is the lifecycle state of a request. The last three are the
// possible decisions.
type Status string

// Request statuses.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed_out"
)

// Decision is the outcome of AwaitDecision.
type Decision = Status

// Resolved reports whether s is terminal.
func (s Status) Resolved() bool { return s != StatusPending && s != "" }

// Request is one approval request. A request is resolved exactly once and
// never reused; a retry after a timeout is a new request.
type Request struct {
	ID          string         `json:"request_id"`
	SessionID   string         `json:"session_id"`
	ActionType  ActionType     `json:"action_type"`
	Description string         `json:"description"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

func (r *Request) clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	if r.Attributes != nil {
		c.Attributes = make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v
		}
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}
