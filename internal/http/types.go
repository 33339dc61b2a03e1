package http

import (
	"github.com/fyrsmithlabs/forge/internal/control"
	"github.com/fyrsmithlabs/forge/internal/orchestrator"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// AcceptedResponse acknowledges start, approval and cancel requests.
type AcceptedResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// SessionsResponse is the response body for GET /api/v1/sessions.
type SessionsResponse struct {
	Sessions []control.Summary `json:"sessions"`
}

// SessionResponse is the response body for GET /api/v1/sessions/:id.
type SessionResponse struct {
	State  *orchestrator.WorkflowState  `json:"state"`
	Result *orchestrator.WorkflowResult `json:"result"`
}
