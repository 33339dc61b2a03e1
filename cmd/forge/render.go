package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/forge/internal/checkpoint"
	"github.com/fyrsmithlabs/forge/internal/control"
	"github.com/fyrsmithlabs/forge/internal/events"
	"github.com/fyrsmithlabs/forge/internal/orchestrator"
	"github.com/fyrsmithlabs/forge/internal/stages"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("51"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

func statusStyle(s orchestrator.Status) lipgloss.Style {
	switch s {
	case orchestrator.StatusCompleted:
		return okStyle
	case orchestrator.StatusFailed:
		return errStyle
	case orchestrator.StatusAwaitingApproval:
		return warnStyle
	default:
		return labelStyle
	}
}

func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatScore(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *p)
}

func renderSessions(w io.Writer, list []control.Summary) {
	if len(list) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No sessions."))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tSTAGE\tSCORE\tITER\tUPDATED\tTASK")
	for _, s := range list {
		stage := s.CurrentStage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.SessionID,
			s.Status,
			stage,
			formatScore(s.QualityScore),
			s.IterationCount,
			s.UpdatedAt.Local().Format(time.DateTime),
			truncate(s.UserTask, 48))
	}
	_ = tw.Flush()
}

func renderState(w io.Writer, st *orchestrator.WorkflowState, history []checkpoint.Info) {
	fmt.Fprintln(w, headerStyle.Render("Session "+st.SessionID))
	field := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-11s", label+":")), value)
	}
	field("Status", statusStyle(st.Status).Render(string(st.Status)))
	field("Task", st.UserTask)
	field("Workspace", st.WorkspaceRoot)
	field("Route", joinRoute(st.Route))
	if st.CurrentStage != "" {
		field("Stage", string(st.CurrentStage))
	}
	if st.QualityScore != nil {
		score := formatScore(st.QualityScore)
		if st.Threshold != nil {
			score += " / " + formatScore(st.Threshold)
		}
		field("Quality", score)
		field("Iterations", fmt.Sprint(st.IterationCount))
	}
	if st.PendingApproval != nil {
		field("Pending", fmt.Sprintf("%s (%s) %s", st.PendingApproval.ID, st.PendingApproval.ActionType, st.PendingApproval.Description))
	}
	if st.ErrorDetail != "" {
		field("Error", errStyle.Render(st.ErrorDetail))
	}
	if st.Summary != "" {
		field("Summary", st.Summary)
	}

	if len(st.StageResults) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Stages"))
		for _, r := range st.StageResults {
			mark := okStyle.Render("ok  ")
			if !r.Succeeded {
				mark = errStyle.Render("fail")
			}
			line := fmt.Sprintf("  %s %-10s %s", mark, r.StageName, dimStyle.Render(r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()))
			if r.Degraded {
				line += " " + warnStyle.Render("degraded")
			}
			if r.ErrorDetail != "" {
				line += " " + r.ErrorDetail
			}
			fmt.Fprintln(w, line)
		}
	}

	if review, ok := st.Review(); ok && len(review.History) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Quality history"))
		for _, a := range review.History {
			build := "build ok"
			switch {
			case a.BuildSkipped:
				build = "build skipped"
			case !a.BuildPassed:
				build = "build failed"
			}
			fmt.Fprintf(w, "  #%d  %.2f / %.2f  %s  %d issue(s)\n", a.Iteration, a.Score, a.Threshold, build, len(a.Issues))
		}
	}

	if len(st.Approvals) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Approvals"))
		for _, a := range st.Approvals {
			fmt.Fprintf(w, "  %s  %-10s %-9s %s\n", a.ID, a.ActionType, a.Status, truncate(a.Description, 60))
		}
	}

	if len(history) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Checkpoints"))
		for _, h := range history {
			fmt.Fprintf(w, "  %4d  %s  %s\n", h.Seq, h.CreatedAt.Local().Format(time.DateTime), dimStyle.Render(fmt.Sprintf("%d bytes", h.Size)))
		}
	}
}

func joinRoute(route []stages.StageID) string {
	parts := make([]string, len(route))
	for i, id := range route {
		parts[i] = string(id)
	}
	return strings.Join(parts, " → ")
}

func renderResult(w io.Writer, res *orchestrator.WorkflowResult) {
	if res == nil {
		return
	}
	fmt.Fprintln(w)
	switch {
	case res.Success:
		fmt.Fprintln(w, okStyle.Render("✓ completed"))
	case res.Status == orchestrator.StatusCompleted:
		fmt.Fprintln(w, warnStyle.Render("! completed below quality threshold"))
	default:
		fmt.Fprintln(w, errStyle.Render("✗ failed"))
	}
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Session:"), res.SessionID)
	if res.QualityScore != nil {
		fmt.Fprintf(w, "  %s %s after %d iteration(s)\n", labelStyle.Render("Quality:"), formatScore(res.QualityScore), res.IterationCount)
	}
	if res.Reason != "" {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Reason:"), res.Reason)
	}
	if res.ErrorDetail != "" {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("Error:"), res.ErrorDetail)
	}
	for _, a := range res.Artifacts {
		fmt.Fprintf(w, "  %s %s\n", dimStyle.Render("+"), a)
	}
	if res.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", res.Summary)
	}
}

// describeEvent renders one status line for the live event stream.
func describeEvent(ev events.Event) (string, bool) {
	switch ev.Type {
	case events.TypeStatus:
		var s events.Status
		if err := ev.Decode(&s); err != nil {
			return "", false
		}
		line := fmt.Sprintf("%s %s", labelStyle.Render(s.Stage), s.State)
		if s.State == "failed" {
			line = fmt.Sprintf("%s %s", labelStyle.Render(s.Stage), errStyle.Render(s.State))
		}
		if s.Detail != "" {
			line += " " + dimStyle.Render(s.Detail)
		}
		return line, true
	case events.TypeApprovalRequest:
		var r events.ApprovalRequest
		if err := ev.Decode(&r); err != nil {
			return "", false
		}
		return warnStyle.Render("approval needed") + fmt.Sprintf(" [%s] %s (%s)", r.ActionType, r.Description, r.RequestID), true
	}
	return "", false
}
