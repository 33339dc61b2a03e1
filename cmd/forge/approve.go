package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/config"
)

var (
	// approve command flags
	approveReject bool
	approveReason string
)

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "Reject instead of approving")
	approveCmd.Flags().StringVar(&approveReason, "reason", "", "Reason recorded with the decision")
}

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Decide a pending approval request",
	Long: `Decide a pending approval request by dropping a decision file into the
approvals directory. Any forge process watching that directory (the daemon
or a "forge run --no-prompt") applies it.

Examples:
  forge approve 01J9ZQ3K8V6T2W4XH5N7M0PB1C
  forge approve 01J9ZQ3K8V6T2W4XH5N7M0PB1C --reject --reason "writes outside src/"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := approval.WriteDecision(config.ExpandHome(cfg.Approval.Dir), args[0], !approveReject, approveReason)
		if err != nil {
			return err
		}
		decision := "approved"
		if approveReject {
			decision = "rejected"
		}
		if outputJSON {
			return writeJSON(cmd.OutOrStdout(), map[string]string{"request_id": args[0], "decision": decision, "path": path})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", decision, args[0])
		return nil
	},
}
