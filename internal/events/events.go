// Package events defines the control-protocol messages exchanged with a
// workflow's caller and the bus they travel on.
//
// A session emits initialized, then zero or more status and
// approval_request events, and ends with exactly one workflow_complete or
// workflow_failed. Inbound messages (init, start, approval_response) use the
// same envelope.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the message type.
type Type string

// Control protocol message types.
const (
	TypeInit             Type = "init"
	TypeInitialized      Type = "initialized"
	TypeStart            Type = "start"
	TypeStatus           Type = "status"
	TypeApprovalRequest  Type = "approval_request"
	TypeApprovalResponse Type = "approval_response"
	TypeWorkflowComplete Type = "workflow_complete"
	TypeWorkflowFailed   Type = "workflow_failed"
)

// Terminal reports whether t ends a session's event stream.
func (t Type) Terminal() bool {
	return t == TypeWorkflowComplete || t == TypeWorkflowFailed
}

// ErrUnknownType is returned when decoding an unrecognised message.
var ErrUnknownType = errors.New("unknown event type")

// Event is the envelope for every control-protocol message.
type Event struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Time      time.Time       `json:"time"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Init asks for a new session rooted at WorkspaceRoot.
type Init struct {
	WorkspaceRoot string `json:"workspace_root"`
}

// Initialized answers Init.
type Initialized struct {
	SessionID string `json:"session_id"`
}

// Start begins (or resumes) the session's workflow.
type Start struct {
	UserTask string `json:"user_task"`
}

// Status reports a stage transition.
type Status struct {
	Stage  string `json:"stage"`
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// ApprovalRequest asks the caller to decide a gated action.
type ApprovalRequest struct {
	RequestID   string `json:"request_id"`
	ActionType  string `json:"action_type"`
	Description string `json:"description"`
}

// ApprovalResponse answers an ApprovalRequest. Decision is "approved" or
// "rejected".
type ApprovalResponse struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

// Approved reports whether the response approves the request.
func (r ApprovalResponse) Approved() bool { return r.Decision == "approved" || r.Decision == "approve" }

// Validate checks the decision is one of the two allowed values.
func (r ApprovalResponse) Validate() error {
	if r.RequestID == "" {
		return errors.New("request_id is required")
	}
	switch r.Decision {
	case "approved", "approve", "rejected", "reject":
		return nil
	}
	return fmt.Errorf("decision must be approved or rejected, got %q", r.Decision)
}

// WorkflowComplete ends a session that produced an artifact. Success is
// false when the quality gate was exhausted; Reason then says so.
type WorkflowComplete struct {
	Success      bool     `json:"success"`
	QualityScore *float64 `json:"quality_score,omitempty"`
	Artifacts    []string `json:"artifacts"`
	Reason       string   `json:"reason,omitempty"`
	Summary      string   `json:"summary"`
}

// WorkflowFailed ends a session that could not finish.
type WorkflowFailed struct {
	ErrorDetail string `json:"error_detail"`
	Summary     string `json:"summary,omitempty"`
}

// New builds an envelope for payload.
func New(t Type, sessionID string, payload any) (Event, error) {
	ev := Event{Type: t, SessionID: sessionID, Time: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encoding %s payload: %w", t, err)
		}
		ev.Data = data
	}
	return ev, nil
}

// Must is New for payloads that always marshal.
func Must(t Type, sessionID string, payload any) Event {
	ev, err := New(t, sessionID, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Payload decodes the event into its typed payload.
func (e Event) Payload() (any, error) {
	var v any
	switch e.Type {
	case TypeInit:
		v = &Init{}
	case TypeInitialized:
		v = &Initialized{}
	case TypeStart:
		v = &Start{}
	case TypeStatus:
		v = &Status{}
	case TypeApprovalRequest:
		v = &ApprovalRequest{}
	case TypeApprovalResponse:
		v = &ApprovalResponse{}
	case TypeWorkflowComplete:
		v = &WorkflowComplete{}
	case TypeWorkflowFailed:
		v = &WorkflowFailed{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if err := e.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}
