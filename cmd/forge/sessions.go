package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forge/internal/checkpoint"
	"github.com/fyrsmithlabs/forge/internal/control"
	"github.com/fyrsmithlabs/forge/internal/orchestrator"
)

var (
	// sessions command flags
	sessionsLimit  int
	sessionsStatus string

	// prune command flags
	pruneKeep      int
	pruneOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(pruneCmd)

	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum number of sessions to list (0 for all)")
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "Only list sessions in this status")

	pruneCmd.Flags().IntVar(&pruneKeep, "keep", 0, "Keep only the newest N checkpoints of every session")
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Delete sessions whose latest checkpoint is older than this")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List checkpointed sessions",
	Long: `List checkpointed sessions, most recently updated first.

Examples:
  forge sessions
  forge sessions --status failed
  forge sessions --limit 0 --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := listSessions(cmd.Context(), store, orchestrator.Status(sessionsStatus), sessionsLimit)
		if err != nil {
			return err
		}
		if outputJSON {
			return writeJSON(cmd.OutOrStdout(), list)
		}
		renderSessions(cmd.OutOrStdout(), list)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's state and history",
	Long: `Show a session's latest checkpointed state: stage results, quality
history, approvals and the checkpoint sequence.

Examples:
  forge show 3f0c1a52-8e4b-4a8e-9b7f-2d6c9e0b1a44`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		st, history, err := loadSession(cmd.Context(), store, args[0])
		if err != nil {
			return err
		}
		if outputJSON {
			return writeJSON(cmd.OutOrStdout(), struct {
				State       *orchestrator.WorkflowState  `json:"state"`
				Result      *orchestrator.WorkflowResult `json:"result,omitempty"`
				Checkpoints []checkpoint.Info            `json:"checkpoints"`
			}{st, terminalOutcome(st), history})
		}
		renderState(cmd.OutOrStdout(), st, history)
		if res := terminalOutcome(st); res != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s\n", labelStyle.Render("Outcome:"), outcomeLabel(res))
		}
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete superseded checkpoints",
	Long: `Delete old checkpoints. Nothing is removed unless asked for: --keep trims
every session's history to its newest N checkpoints, --older-than removes
whole sessions that have not been updated for that long.

Examples:
  forge prune --keep 5
  forge prune --older-than 720h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if pruneKeep <= 0 && pruneOlderThan <= 0 {
			return errors.New("nothing to prune: set --keep or --older-than")
		}
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Prune(cmd.Context(), checkpoint.PruneOptions{KeepLatest: pruneKeep, OlderThan: pruneOlderThan})
		if err != nil {
			return err
		}
		if outputJSON {
			return writeJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkpoint(s)\n", n)
		return nil
	},
}

// listSessions summarizes checkpointed sessions without assembling a
// supervisor. Unreadable sessions are skipped.
func listSessions(ctx context.Context, store checkpoint.Store, status orchestrator.Status, limit int) ([]control.Summary, error) {
	ids, err := store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	out := make([]control.Summary, 0, len(ids))
	for _, id := range ids {
		cp, err := store.GetLatest(ctx, id)
		if err != nil {
			continue
		}
		st, err := orchestrator.DecodeState(cp.State)
		if err != nil {
			continue
		}
		if status != "" && st.Status != status {
			continue
		}
		out = append(out, control.Summarize(st))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func loadSession(ctx context.Context, store checkpoint.Store, sessionID string) (*orchestrator.WorkflowState, []checkpoint.Info, error) {
	cp, err := store.GetLatest(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, nil, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, nil, err
	}
	st, err := orchestrator.DecodeState(cp.State)
	if err != nil {
		return nil, nil, err
	}
	history, err := store.List(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return st, history, nil
}

func terminalOutcome(st *orchestrator.WorkflowState) *orchestrator.WorkflowResult {
	if st.Status != orchestrator.StatusCompleted && st.Status != orchestrator.StatusFailed {
		return nil
	}
	return st.Outcome()
}

func outcomeLabel(res *orchestrator.WorkflowResult) string {
	switch {
	case res == nil:
		return ""
	case res.Success:
		return okStyle.Render("success")
	case res.Reason != "":
		return warnStyle.Render(res.Reason)
	default:
		return errStyle.Render(res.ErrorDetail)
	}
}
