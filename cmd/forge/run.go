package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forge/internal/app"
	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/events"
)

var (
	// run command flags
	runWorkspace string
	runYes       bool
	runNoPrompt  bool
)

// errIncomplete makes the process exit non-zero without printing twice.
var errIncomplete = errors.New("workflow did not complete successfully")

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)

	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().BoolVarP(&runYes, "yes", "y", false, "Approve every gated action without asking")
		c.Flags().BoolVar(&runNoPrompt, "no-prompt", false, "Never prompt; wait for decisions from 'forge approve' or NATS")
	}
	runCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", ".", "Workspace directory generated files are written to")
}

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Start a new workflow",
	Long: `Start a new workflow for a task and follow it until it finishes.

Gated actions (file writes, git commits) that no policy decides are shown
with a prompt. Use --no-prompt to decide them from another terminal with
"forge approve".

Examples:
  # Generate into the current directory
  forge run "A command-line calculator in Python supporting + - * /"

  # Generate into a specific workspace and approve everything
  forge run -w ./calc -y "A command-line calculator in Python"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task := strings.Join(args, " ")
		return runWorkflow(cmd, "", runWorkspace, task)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a checkpointed workflow",
	Long: `Resume a session from its latest checkpoint.

Stages that already finished are not re-run. A session waiting on an approval
asks for the same request again.

Examples:
  forge resume 3f0c1a52-8e4b-4a8e-9b7f-2d6c9e0b1a44`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(cmd, args[0], "", "")
	},
}

func runWorkflow(cmd *cobra.Command, sessionID, workspace, task string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go func() { _ = a.Run(bgCtx) }()

	resumed := sessionID != ""
	if !resumed {
		out, err := a.Controller.Init(ctx, events.Init{WorkspaceRoot: workspace})
		if err != nil {
			return err
		}
		sessionID = out.SessionID
	}

	sub := a.Bus.Subscribe(sessionID)
	defer sub.Close()

	if err := a.Controller.Start(ctx, sessionID, events.Start{UserTask: task}); err != nil {
		return err
	}

	f := &follower{
		app:       a,
		sessionID: sessionID,
		out:       cmd.OutOrStdout(),
		in:        bufio.NewReader(cmd.InOrStdin()),
		yes:       runYes,
		prompt:    !runNoPrompt && !runYes,
	}
	if !outputJSON {
		fmt.Fprintf(f.out, "%s %s\n", headerStyle.Render("session"), sessionID)
		f.bar = progressbar.NewOptions(len(a.Config.Workflow.Route),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("stages"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionClearOnFinish())
		if resumed {
			if st, err := a.Controller.Session(ctx, sessionID); err == nil {
				_ = f.bar.Set(len(st.StageResults))
			}
		}
	}
	f.follow(ctx, sub)

	res, err := a.Controller.Wait(ctx, sessionID)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(cmd.ErrOrStderr(), "\ninterrupted; resume with: forge resume %s\n", sessionID)
		return err
	}
	if err != nil {
		return err
	}
	if outputJSON {
		if err := writeJSON(f.out, res); err != nil {
			return err
		}
	} else {
		renderResult(f.out, res)
	}
	if !res.Success {
		cmd.SilenceErrors = true
		return errIncomplete
	}
	return nil
}

// follower prints a session's events and answers approval requests until a
// terminal event arrives.
type follower struct {
	app       *app.App
	sessionID string
	out       io.Writer
	in        *bufio.Reader
	bar       *progressbar.ProgressBar
	yes       bool
	prompt    bool
}

func (f *follower) follow(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			f.handle(ctx, ev)
			if ev.Type.Terminal() {
				if f.bar != nil {
					_ = f.bar.Finish()
				}
				return
			}
		}
	}
}

func (f *follower) handle(ctx context.Context, ev events.Event) {
	if outputJSON {
		_ = writeJSON(f.out, ev)
	} else if line, ok := describeEvent(ev); ok {
		if f.bar != nil {
			_ = f.bar.Clear()
		}
		fmt.Fprintln(f.out, line)
	}

	switch ev.Type {
	case events.TypeStatus:
		var s events.Status
		if err := ev.Decode(&s); err == nil && f.bar != nil && (s.State == "succeeded" || s.State == "failed") {
			_ = f.bar.Add(1)
		}
	case events.TypeApprovalRequest:
		var r events.ApprovalRequest
		if err := ev.Decode(&r); err != nil {
			return
		}
		f.decide(ctx, r)
	}
}

func (f *follower) decide(ctx context.Context, r events.ApprovalRequest) {
	resp := events.ApprovalResponse{RequestID: r.RequestID}
	switch {
	case f.yes:
		resp.Decision, resp.Reason = "approved", "approved with --yes"
	case f.prompt:
		fmt.Fprintf(f.out, "Approve %s? [y/N] ", r.ActionType)
		answer, err := f.in.ReadString('\n')
		if err != nil && answer == "" {
			// stdin closed: leave the request to other deciders
			fmt.Fprintln(f.out)
			return
		}
		resp.Decision = "rejected"
		if a := strings.ToLower(strings.TrimSpace(answer)); a == "y" || a == "yes" {
			resp.Decision = "approved"
		}
	default:
		fmt.Fprintf(f.out, "  decide with: forge approve %s  (or --reject)\n", r.RequestID)
		return
	}
	err := f.app.Controller.Respond(ctx, f.sessionID, resp)
	if errors.Is(err, approval.ErrAlreadyResolved) {
		fmt.Fprintln(f.out, dimStyle.Render("  already decided elsewhere"))
		return
	}
	if err != nil {
		fmt.Fprintf(f.out, "%s %v\n", errStyle.Render("approval failed:"), err)
	}
}
