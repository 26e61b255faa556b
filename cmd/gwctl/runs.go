package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	api "github.com/fyrsmithlabs/gatewarden/internal/http"
	"github.com/fyrsmithlabs/gatewarden/internal/monitor"
	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
)

func (a *app) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start and inspect runs",
		Long: `Start and inspect gated agent runs.

Examples:
  # Start a run described in YAML or JSON
  gwctl run start -f run.yaml

  # Show one run with its step trace
  gwctl run get 6f1c...

  # List runs still in flight for an actor
  gwctl run list --actor analyst_123 --active`,
	}

	var file string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a run from a YAML or JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := readRunConfig(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			run, err := a.client().StartRun(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return a.printRun(cmd.OutOrStdout(), run)
		},
	}
	start.Flags().StringVarP(&file, "file", "f", "", "Run configuration file (- for stdin)")
	_ = start.MarkFlagRequired("file")

	get := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run and its step trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := a.client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printRun(cmd.OutOrStdout(), run)
		},
	}

	var filter orchestrator.RunFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := a.client().ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if a.outputJSON {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tACTOR\tSESSION\tSTATE\tOUTCOME\tSTEPS")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\n",
					monitor.ShortID(r.ID), r.ActorID, r.SessionID, r.Label(), orDash(string(r.Outcome)), r.Cursor, len(r.Steps))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&filter.ActorID, "actor", "", "Filter by actor ID")
	list.Flags().StringVar(&filter.SessionID, "session", "", "Filter by session ID")
	list.Flags().BoolVar(&filter.Active, "active", false, "Only show runs that have not finished")

	cmd.AddCommand(start, get, list)
	return cmd
}

func (a *app) newDemoCmd() *cobra.Command {
	var req api.DemoRequest
	cmd := &cobra.Command{
		Use:   "demo [1-4|name]",
		Short: "List or run the built-in demo scenarios",
		Long: `List or run the built-in demo scenarios.

Without an argument the scenarios are listed. A scenario is selected by its
number or its name.

Examples:
  # List scenarios
  gwctl demo

  # Run the approval scenario, then approve it
  gwctl demo approval
  gwctl approvals approve <action-id>`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			if len(args) == 0 {
				list, err := c.Scenarios(cmd.Context())
				if err != nil {
					return err
				}
				if a.outputJSON {
					return printJSON(cmd.OutOrStdout(), list)
				}
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "#\tNAME\tTITLE")
				for i, s := range list {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, s.Name, s.Title)
				}
				return tw.Flush()
			}
			run, err := c.Demo(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return a.printRun(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().StringVar(&req.ActorID, "actor", "", "Override the scenario actor")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "Override the scenario session")
	return cmd
}

// readRunConfig decodes a run from path, or from stdin when path is "-".
// JSON input is accepted since it is valid YAML.
func readRunConfig(stdin io.Reader, path string) (orchestrator.RunConfig, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return orchestrator.RunConfig{}, fmt.Errorf("failed to read run file: %w", err)
	}
	var cfg orchestrator.RunConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return orchestrator.RunConfig{}, fmt.Errorf("failed to parse run file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return orchestrator.RunConfig{}, err
	}
	return cfg, nil
}

// printRun renders a run header followed by its gate trace.
func (a *app) printRun(w io.Writer, run *orchestrator.Run) error {
	if a.outputJSON {
		return printJSON(w, run)
	}
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Actor:    %s (session %s)\n", run.ActorID, run.SessionID)
	fmt.Fprintf(w, "State:    %s\n", run.Label())
	if run.Outcome != "" {
		fmt.Fprintf(w, "Outcome:  %s\n", run.Outcome)
	}
	if run.Reason != "" {
		fmt.Fprintf(w, "Reason:   %s\n", run.Reason)
	}

	results := run.AllResults()
	if len(results) > 0 {
		fmt.Fprintln(w)
		tw := newTable(w)
		fmt.Fprintln(tw, "#\tSTEP\tGATE\tDECISION\tCONTROLS\tREASON")
		for i, r := range results {
			decision := string(r.Decision)
			if r.ToolError {
				decision += " (tool error)"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
				i+1, r.Step, r.Gate, decision, orDash(strings.Join(r.Controls, ",")), orDash(monitor.Truncate(r.Reason, 60)))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if run.State == orchestrator.StateAwaitingApproval {
		fmt.Fprintf(w, "\nAwaiting approval %s\n", run.SuspendedOn)
		fmt.Fprintf(w, "  gwctl approvals approve %s\n", run.SuspendedOn)
		fmt.Fprintf(w, "  gwctl approvals reject %s --comment \"...\"\n", run.SuspendedOn)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
