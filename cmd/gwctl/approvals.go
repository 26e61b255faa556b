package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/client"
	"github.com/fyrsmithlabs/gatewarden/internal/monitor"
)

var _ monitor.Source = (*client.Client)(nil)

func (a *app) newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "Review and resolve pending approvals",
		Long: `Review and resolve approval requests raised by REQUIRE_APPROVAL decisions.

Resolving a request resumes the suspended run and prints its new state.

Examples:
  # List pending approvals
  gwctl approvals list

  # Approve with a comment
  gwctl approvals approve 1b2c... --comment "reviewed"

  # Reject (a comment is required)
  gwctl approvals reject 1b2c... --comment "not for external sharing"

  # Live queue with approve/reject keys
  gwctl approvals watch`,
	}

	var (
		filter   approval.ListFilter
		resolved bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := filter
			f.Status = approval.StatusPending
			if resolved {
				f.Status = approval.StatusResolved
			}
			reqs, err := a.client().Approvals(cmd.Context(), f)
			if err != nil {
				return err
			}
			if a.outputJSON {
				return printJSON(cmd.OutOrStdout(), reqs)
			}
			if len(reqs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No %s approvals.\n", f.Status)
				return nil
			}
			now := time.Now()
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ACTION ID\tTOOL\tACTOR\tRUN\tAGE\tRESOLUTION\tPARAMETERS")
			for _, r := range reqs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ActionID, r.Action, r.ActorID, monitor.ShortID(r.Continuation.RunID),
					monitor.FormatAge(now, r.RequestedAt), orDash(string(r.Resolution)),
					monitor.Truncate(monitor.FormatParams(r.Parameters), 50))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&filter.Action, "tool", "", "Filter by tool name")
	list.Flags().StringVar(&filter.ActorID, "actor", "", "Filter by actor ID")
	list.Flags().StringVar(&filter.RunID, "run", "", "Filter by run ID")
	list.Flags().BoolVar(&resolved, "resolved", false, "Show resolved requests instead of pending ones")

	cmd.AddCommand(list, a.newResolveCmd(true), a.newResolveCmd(false), a.newWatchCmd())
	return cmd
}

func (a *app) newResolveCmd(approve bool) *cobra.Command {
	var resolver, comment string
	use, short := "approve <action-id>", "Approve a pending request and resume its run"
	if !approve {
		use, short = "reject <action-id>", "Reject a pending request and deny its run"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !approve && comment == "" {
				return errors.New("--comment is required when rejecting")
			}
			run, err := a.client().Resolve(cmd.Context(), args[0], approve, resolver, comment)
			if err != nil {
				return err
			}
			return a.printRun(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().StringVar(&resolver, "as", defaultResolver(), "Name recorded as the resolver")
	cmd.Flags().StringVar(&comment, "comment", "", "Resolution comment")
	return cmd
}

func (a *app) newWatchCmd() *cobra.Command {
	var (
		resolver string
		interval time.Duration
		filter   approval.ListFilter
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Interactive approval queue",
		Long: `Interactive approval queue.

Keys: a approve, x reject (type a reason, enter to submit), r refresh, q quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			model := monitor.NewModel(a.client(), resolver, filter, interval)
			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err := p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&resolver, "as", defaultResolver(), "Name recorded as the resolver")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Refresh interval")
	cmd.Flags().StringVar(&filter.Action, "tool", "", "Filter by tool name")
	cmd.Flags().StringVar(&filter.ActorID, "actor", "", "Filter by actor ID")
	return cmd
}

func defaultResolver() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "gwctl"
}
