package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/control"
	"github.com/fyrsmithlabs/forge/internal/events"
	"github.com/fyrsmithlabs/forge/internal/memory"
	"github.com/fyrsmithlabs/forge/internal/orchestrator"
)

var errRequired = errors.New("is required")

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &apperr.ValidationError{Field: field, Err: errRequired}
	}
	return nil
}

// addTool registers meta and its handler. The handler returns the
// structured output and a one-line text rendering of it.
func addTool[In, Out any](s *Server, meta *ToolMetadata, h func(ctx context.Context, args In) (Out, string, error)) error {
	if err := s.toolRegistry.Register(meta); err != nil {
		return err
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        meta.Name,
		Description: meta.Description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.Begin(ctx, meta.Name)
		out, text, err := h(ctx, args)
		done(err)
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", meta.Name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: s.scrubber.String(text)}},
		}, out, nil
	})
	return nil
}

func (s *Server) registerTools() error {
	regs := []func() error{
		s.registerSessionTools,
		s.registerApprovalTools,
		s.registerMemoryTools,
		s.registerSearchTools,
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

// ===== SESSION TOOLS =====

type initInput struct {
	WorkspaceRoot string `json:"workspace_root" jsonschema:"Directory the generated project is written to"`
}

type initOutput struct {
	SessionID string `json:"session_id" jsonschema:"New session identifier"`
}

type startInput struct {
	SessionID string `json:"session_id" jsonschema:"Session from forge_init, or a checkpointed session to resume"`
	UserTask  string `json:"user_task" jsonschema:"What to build"`
	Wait      bool   `json:"wait,omitempty" jsonschema:"Block until the workflow finishes"`
}

type startOutput struct {
	SessionID string                       `json:"session_id"`
	Status    string                       `json:"status"`
	Result    *orchestrator.WorkflowResult `json:"result,omitempty"`
}

type sessionInput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier"`
}

type pendingApproval struct {
	RequestID   string `json:"request_id"`
	ActionType  string `json:"action_type"`
	Description string `json:"description"`
}

type statusOutput struct {
	SessionID       string                       `json:"session_id"`
	Status          orchestrator.Status          `json:"status"`
	UserTask        string                       `json:"user_task"`
	CurrentStage    string                       `json:"current_stage,omitempty"`
	LoopPhase       string                       `json:"loop_phase,omitempty"`
	IterationCount  int                          `json:"iteration_count"`
	QualityScore    *float64                     `json:"quality_score,omitempty"`
	PendingApproval *pendingApproval             `json:"pending_approval,omitempty"`
	Result          *orchestrator.WorkflowResult `json:"result"`
}

type sessionsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum sessions to return (default: 20)"`
}

type sessionSummary struct {
	SessionID       string   `json:"session_id"`
	Status          string   `json:"status"`
	UserTask        string   `json:"user_task"`
	CurrentStage    string   `json:"current_stage,omitempty"`
	QualityScore    *float64 `json:"quality_score,omitempty"`
	IterationCount  int      `json:"iteration_count"`
	PendingApproval string   `json:"pending_approval,omitempty"`
	Running         bool     `json:"running"`
	UpdatedAt       string   `json:"updated_at"`
}

type sessionsOutput struct {
	Sessions []sessionSummary `json:"sessions"`
	Count    int              `json:"count"`
}

func toSessionSummary(s control.Summary) sessionSummary {
	return sessionSummary{
		SessionID:       s.SessionID,
		Status:          string(s.Status),
		UserTask:        s.UserTask,
		CurrentStage:    s.CurrentStage,
		QualityScore:    s.QualityScore,
		IterationCount:  s.IterationCount,
		PendingApproval: s.PendingApproval,
		Running:         s.Running,
		UpdatedAt:       s.UpdatedAt.Format(time.RFC3339),
	}
}

type cancelOutput struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (s *Server) registerSessionTools() error {
	if err := addTool(s, &ToolMetadata{
		Name:        "forge_init",
		Description: "Create a session that will generate a project under workspace_root",
		Category:    CategorySession,
		Keywords:    []string{"create", "new", "workspace"},
	}, func(ctx context.Context, args initInput) (initOutput, string, error) {
		out, err := s.ctl.Init(ctx, events.Init{WorkspaceRoot: args.WorkspaceRoot})
		if err != nil {
			return initOutput{}, "", err
		}
		return initOutput{SessionID: out.SessionID}, "Session initialized: " + out.SessionID, nil
	}); err != nil {
		return err
	}

	if err := addTool(s, &ToolMetadata{
		Name:        "forge_start",
		Description: "Start or resume a session's workflow: research, architecture, implementation, then review and fix",
		Category:    CategorySession,
		Keywords:    []string{"run", "resume", "generate", "build"},
	}, func(ctx context.Context, args startInput) (startOutput, string, error) {
		if err := required("session_id", args.SessionID); err != nil {
			return startOutput{}, "", err
		}
		if err := required("user_task", args.UserTask); err != nil {
			return startOutput{}, "", err
		}
		if err := s.ctl.Start(ctx, args.SessionID, events.Start{UserTask: args.UserTask}); err != nil {
			return startOutput{}, "", err
		}
		out := startOutput{SessionID: args.SessionID, Status: "started"}
		if !args.Wait {
			return out, "Session started: " + args.SessionID, nil
		}
		res, err := s.ctl.Wait(ctx, args.SessionID)
		if err != nil {
			return startOutput{}, "", err
		}
		out.Status, out.Result = string(res.Status), s.scrubResult(res)
		return out, describeResult(res), nil
	}); err != nil {
		return err
	}

	if err := addTool(s, &ToolMetadata{
		Name:        "forge_status",
		Description: "Show a session's progress, pending approval and outcome",
		Category:    CategorySession,
		Keywords:    []string{"show", "progress", "state", "checkpoint"},
	}, func(ctx context.Context, args sessionInput) (statusOutput, string, error) {
		if err := required("session_id", args.SessionID); err != nil {
			return statusOutput{}, "", err
		}
		st, err := s.ctl.Session(ctx, args.SessionID)
		if err != nil {
			return statusOutput{}, "", err
		}
		out := statusOutput{
			SessionID:      st.SessionID,
			Status:         st.Status,
			UserTask:       st.UserTask,
			CurrentStage:   string(st.CurrentStage),
			LoopPhase:      string(st.LoopPhase),
			IterationCount: st.IterationCount,
			QualityScore:   st.QualityScore,
			Result:         s.scrubResult(st.Outcome()),
		}
		text := fmt.Sprintf("Session %s is %s", st.SessionID, st.Status)
		if p := st.PendingApproval; p != nil {
			out.PendingApproval = &pendingApproval{RequestID: p.ID, ActionType: string(p.ActionType), Description: p.Description}
			text += fmt.Sprintf(", waiting on approval %s: %s", p.ID, p.Description)
		}
		return out, text, nil
	}); err != nil {
		return err
	}

	if err := addTool(s, &ToolMetadata{
		Name:        "forge_sessions",
		Description: "List checkpointed sessions, most recently updated first",
		Category:    CategorySession,
		Keywords:    []string{"list", "history"},
	}, func(ctx context.Context, args sessionsInput) (sessionsOutput, string, error) {
		list, err := s.ctl.Sessions(ctx)
		if err != nil {
			return sessionsOutput{}, "", err
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 20
		}
		if len(list) > limit {
			list = list[:limit]
		}
		out := sessionsOutput{Sessions: make([]sessionSummary, 0, len(list)), Count: len(list)}
		for _, sum := range list {
			out.Sessions = append(out.Sessions, toSessionSummary(sum))
		}
		return out, fmt.Sprintf("Found %d session(s)", len(list)), nil
	}); err != nil {
		return err
	}

	return addTool(s, &ToolMetadata{
		Name:        "forge_cancel",
		Description: "Cancel a running session. It can be resumed later with forge_start",
		Category:    CategorySession,
		Keywords:    []string{"stop", "abort"},
	}, func(_ context.Context, args sessionInput) (cancelOutput, string, error) {
		if err := required("session_id", args.SessionID); err != nil {
			return cancelOutput{}, "", err
		}
		if err := s.ctl.Cancel(args.SessionID); err != nil {
			return cancelOutput{}, "", err
		}
		return cancelOutput{SessionID: args.SessionID, Status: "cancelling"}, "Cancelling " + args.SessionID, nil
	})
}

// ===== APPROVAL TOOLS =====

type approveInput struct {
	SessionID string `json:"session_id" jsonschema:"Session the request belongs to"`
	RequestID string `json:"request_id" jsonschema:"Approval request identifier"`
	Decision  string `json:"decision" jsonschema:"approved or rejected"`
	Reason    string `json:"reason,omitempty" jsonschema:"Why, recorded with the decision"`
}

type approveOutput struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
}

func (s *Server) registerApprovalTools() error {
	return addTool(s, &ToolMetadata{
		Name:        "forge_approve",
		Description: "Approve or reject a pending action such as writing files or running a build",
		Category:    CategoryApproval,
		Keywords:    []string{"reject", "decide", "permission"},
	}, func(ctx context.Context, args approveInput) (approveOutput, string, error) {
		if err := required("session_id", args.SessionID); err != nil {
			return approveOutput{}, "", err
		}
		resp := events.ApprovalResponse{RequestID: args.RequestID, Decision: args.Decision, Reason: args.Reason}
		if err := resp.Validate(); err != nil {
			return approveOutput{}, "", &apperr.ValidationError{Field: "decision", Err: err}
		}
		if err := s.ctl.Respond(ctx, args.SessionID, resp); err != nil {
			return approveOutput{}, "", err
		}
		return approveOutput{RequestID: args.RequestID, Decision: args.Decision},
			fmt.Sprintf("Request %s %s", args.RequestID, args.Decision), nil
	})
}

// ===== MEMORY TOOLS =====

type memorySearchInput struct {
	SessionID string `json:"session_id" jsonschema:"Session whose memory to search"`
	Query     string `json:"query" jsonschema:"Natural language query"`
	Producer  string `json:"producer,omitempty" jsonschema:"Only items written by this stage"`
	ItemType  string `json:"item_type,omitempty" jsonschema:"Only items of this type"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum results (default: 5)"`
	Rerank    bool   `json:"rerank,omitempty" jsonschema:"Reorder hits by query term overlap"`
}

// rerankOverfetch widens the candidate pool handed to the reranker.
const rerankOverfetch = 3

type memoryHit struct {
	ID        string  `json:"id"`
	Namespace string  `json:"namespace"`
	Content   string  `json:"content"`
	Producer  string  `json:"producer"`
	ItemType  string  `json:"item_type"`
	Score     float32 `json:"score"`
	CreatedAt string  `json:"created_at"`
}

type memorySearchOutput struct {
	Items []memoryHit `json:"items"`
	Count int         `json:"count"`
}

func (s *Server) registerMemoryTools() error {
	if s.memory == nil {
		s.logger.Warn("memory store not configured, skipping memory tools")
		return nil
	}
	return addTool(s, &ToolMetadata{
		Name:        "forge_memory_search",
		Description: "Search what a session's stages recorded: research findings, designs, review feedback",
		Category:    CategoryMemory,
		Keywords:    []string{"recall", "findings", "semantic"},
	}, func(ctx context.Context, args memorySearchInput) (memorySearchOutput, string, error) {
		if err := required("session_id", args.SessionID); err != nil {
			return memorySearchOutput{}, "", err
		}
		if err := required("query", args.Query); err != nil {
			return memorySearchOutput{}, "", err
		}
		k := args.Limit
		if k <= 0 {
			k = 5
		}
		fetch := k
		if args.Rerank {
			fetch = k * rerankOverfetch
		}
		items, err := s.memory.Search(ctx, args.SessionID, args.Query, memory.Filters{Producer: args.Producer, ItemType: args.ItemType}, fetch)
		if err != nil {
			return memorySearchOutput{}, "", fmt.Errorf("memory search failed: %w", err)
		}
		if args.Rerank {
			if items, err = s.reranker.Rerank(ctx, args.Query, items, k); err != nil {
				return memorySearchOutput{}, "", fmt.Errorf("rerank failed: %w", err)
			}
		}
		out := memorySearchOutput{Items: make([]memoryHit, 0, len(items)), Count: len(items)}
		for _, it := range items {
			out.Items = append(out.Items, memoryHit{
				ID:        it.ID,
				Namespace: it.Namespace,
				Content:   s.scrubber.String(it.Content),
				Producer:  it.Producer,
				ItemType:  it.ItemType,
				Score:     it.Score,
				CreatedAt: it.CreatedAt.Format(time.RFC3339),
			})
		}
		return out, fmt.Sprintf("Found %d memory item(s)", len(items)), nil
	})
}

func (s *Server) scrubResult(res *orchestrator.WorkflowResult) *orchestrator.WorkflowResult {
	if res == nil {
		return nil
	}
	out := *res
	out.Summary = s.scrubber.String(out.Summary)
	out.ErrorDetail = s.scrubber.String(out.ErrorDetail)
	return &out
}

func describeResult(res *orchestrator.WorkflowResult) string {
	switch {
	case res.Status == orchestrator.StatusFailed:
		return fmt.Sprintf("Session %s failed: %s", res.SessionID, res.ErrorDetail)
	case !res.Success:
		return fmt.Sprintf("Session %s completed without passing review (%s): %s", res.SessionID, res.Reason, res.Summary)
	}
	return fmt.Sprintf("Session %s completed: %s", res.SessionID, res.Summary)
}
