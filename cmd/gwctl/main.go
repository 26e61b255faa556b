// Package main implements gwctl, the operator CLI for the gatewarden daemon.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/gatewarden/internal/client"
)

// version information
var version = "dev"

// app carries the global flags shared by every subcommand.
type app struct {
	serverURL  string
	outputJSON bool
	httpClient *http.Client
}

func main() {
	if err := newRootCmd(nil).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. hc overrides the HTTP client in tests.
func newRootCmd(hc *http.Client) *cobra.Command {
	a := &app{httpClient: hc}

	root := &cobra.Command{
		Use:   "gwctl",
		Short: "CLI for gatewarden governance operations",
		Long: `gwctl is a command-line interface for the gatewarden daemon.
It starts agent runs, resolves approvals, inspects the audit ledger,
exports evidence packs and manages documents, rules and conflicts.`,
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&a.serverURL, "server", "http://localhost:9191", "gatewarden server URL")
	root.PersistentFlags().BoolVar(&a.outputJSON, "json", false, "Output results as JSON")

	root.AddCommand(
		a.newHealthCmd(),
		a.newRunCmd(),
		a.newDemoCmd(),
		a.newApprovalsCmd(),
		a.newLedgerCmd(),
		a.newEvidenceCmd(),
		a.newPolicyCmd(),
		a.newDocsCmd(),
		a.newRulesCmd(),
		a.newConflictsCmd(),
	)
	return root
}

func (a *app) client() *client.Client {
	return client.New(a.serverURL, a.httpClient)
}

func (a *app) newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gatewarden server health",
		Long: `Check the health status of the gatewarden server.

Examples:
  # Check health
  gwctl health

  # Check health on a different server
  gwctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := a.client().Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to reach %s: %w", a.serverURL, err)
			}
			if a.outputJSON {
				return printJSON(cmd.OutOrStdout(), h)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Server Status:     %s\n", h.Status)
			if h.Version != "" {
				fmt.Fprintf(w, "Version:           %s\n", h.Version)
			}
			fmt.Fprintf(w, "Policy:            %s@%s\n", h.PolicyID, h.PolicyVersion)
			fmt.Fprintf(w, "Ledger Head:       %d\n", h.LedgerHead)
			fmt.Fprintf(w, "Pending Approvals: %d\n", h.PendingApprovals)
			return nil
		},
	}
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTable returns a tabwriter aligned the way every gwctl listing is.
func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}
