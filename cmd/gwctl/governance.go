package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/gatewarden/internal/audit"
	"github.com/fyrsmithlabs/gatewarden/internal/client"
	"github.com/fyrsmithlabs/gatewarden/internal/evidence"
	"github.com/fyrsmithlabs/gatewarden/internal/gate"
	api "github.com/fyrsmithlabs/gatewarden/internal/http"
	"github.com/fyrsmithlabs/gatewarden/internal/monitor"
)

func (a *app) newLedgerCmd() *cobra.Command {
	var (
		gateName, decision string
		since, until       string
		filter             audit.Filter
	)
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Query the audit ledger",
		Long: `Query the append-only audit ledger, newest entries first.

Examples:
  # Latest 50 entries
  gwctl ledger

  # Denials at the pre-tool gate (S-O) for one actor
  gwctl ledger --gate S-O --decision DENY --actor analyst_123

  # Full-text search within a date range
  gwctl ledger --q jira --since 2026-01-01 --until 2026-02-01

  # Check the hash chain
  gwctl ledger verify`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := buildLedgerFilter(filter, gateName, decision, since, until)
			if err != nil {
				return err
			}
			page, err := a.client().Ledger(cmd.Context(), f)
			if err != nil {
				return err
			}
			if a.outputJSON {
				return printJSON(cmd.OutOrStdout(), page)
			}
			if len(page.Events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No ledger entries match.")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "SEQ\tTIME\tGATE\tACTION\tDECISION\tACTOR\tRUN\tREASON")
			for _, e := range page.Events {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Sequence, e.Timestamp.Format("2006-01-02 15:04:05"), e.Gate, e.Action, e.Decision,
					e.ActorID, orDash(monitor.ShortID(e.RunID)), orDash(monitor.Truncate(e.Reason, 50)))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nShowing %d-%d of %d\n", page.Offset+1, page.Offset+len(page.Events), page.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&gateName, "gate", "", "Filter by gate (U-I, S-O, S-I, U-O, ...)")
	cmd.Flags().StringVar(&decision, "decision", "", "Filter by decision (ALLOW, DENY, ...)")
	cmd.Flags().StringVar(&filter.ActorID, "actor", "", "Filter by actor ID")
	cmd.Flags().StringVar(&filter.RunID, "run", "", "Filter by run ID")
	cmd.Flags().StringVar(&filter.Text, "q", "", "Full-text search over action, reason and evidence")
	cmd.Flags().StringVar(&since, "since", "", "Only entries at or after this time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "Only entries before this time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&filter.Limit, "limit", audit.DefaultLimit, "Maximum number of entries")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Entries to skip")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the ledger hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.client().VerifyLedger(cmd.Context())
			if err != nil {
				return err
			}
			if a.outputJSON {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else if res.Valid {
				fmt.Fprintf(cmd.OutOrStdout(), "Ledger intact: %d entries, head %s\n", res.Entries, monitor.ShortID(res.Head))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Ledger BROKEN at entry %d: %s\n", res.BrokenAt, res.Reason)
			}
			if !res.Valid {
				return errors.New("ledger verification failed")
			}
			return nil
		},
	}
	cmd.AddCommand(verify)
	return cmd
}

func buildLedgerFilter(f audit.Filter, gateName, decision, since, until string) (audit.Filter, error) {
	if gateName != "" {
		g, err := gate.Parse(gateName)
		if err != nil {
			return f, err
		}
		f.Gate = g
	}
	if decision != "" {
		d := gate.Decision(strings.ToUpper(decision))
		if !d.Known() {
			return f, fmt.Errorf("unknown decision %q", decision)
		}
		f.Decision = d
	}
	var err error
	if f.Since, err = api.ParseTime(since); err != nil {
		return f, fmt.Errorf("--since: %w", err)
	}
	if f.Until, err = api.ParseTime(until); err != nil {
		return f, fmt.Errorf("--until: %w", err)
	}
	return f, nil
}

func (a *app) newEvidenceCmd() *cobra.Command {
	var (
		format, since, until, output string
		req                          client.EvidenceRequest
	)
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Export an evidence pack",
		Long: `Export an evidence pack covering ledger entries, approvals, runs and the
active policy, sealed with a content digest.

Without -o the pack is written to the file name suggested by the server.

Examples:
  # Everything, as JSON
  gwctl evidence

  # One month as YAML on stdout
  gwctl evidence --format yaml --since 2026-01-01 --until 2026-02-01 -o -

  # A single run
  gwctl evidence --run 6f1c... -o run-pack.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := evidence.ParseFormat(format)
			if err != nil {
				return err
			}
			req.Format = string(f)
			if req.Since, err = api.ParseTime(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if req.Until, err = api.ParseTime(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}

			data, name, err := a.client().Evidence(cmd.Context(), req)
			if err != nil {
				return err
			}
			if output == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if output == "" {
				output = name
			}
			if output == "" {
				output = "evidence." + string(f)
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", len(data), output)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Pack format: json or yaml")
	cmd.Flags().StringVar(&since, "since", "", "Window start (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "Window end (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&req.RunID, "run", "", "Limit the pack to one run")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (- for stdout)")
	return cmd
}

func (a *app) newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or replace the active policy",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the active policy as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.client().Policy(cmd.Context())
			if err != nil {
				return err
			}
			if a.outputJSON {
				return printJSON(cmd.OutOrStdout(), p)
			}
			return printJSON(cmd.OutOrStdout(), p.Policy)
		},
	}

	var file string
	set := &cobra.Command{
		Use:   "set",
		Short: "Replace the active policy from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				raw []byte
				err error
			)
			if file == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("failed to read policy: %w", err)
			}
			p, err := a.client().PutPolicy(cmd.Context(), raw)
			if err != nil {
				return err
			}
			if a.outputJSON {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Policy %s@%s active", p.Policy.PolicyID, p.Policy.PolicyVersion)
			if p.Path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (saved to %s)", p.Path)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	set.Flags().StringVarP(&file, "file", "f", "", "Policy JSON file (- for stdin)")
	_ = set.MarkFlagRequired("file")

	cmd.AddCommand(get, set)
	return cmd
}
