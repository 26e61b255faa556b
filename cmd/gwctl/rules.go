package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/gatewarden/internal/monitor"
	"github.com/fyrsmithlabs/gatewarden/internal/rules"
)

func (a *app) newDocsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "docs",
		Aliases: []string{"documents"},
		Short:   "Upload policy documents and extract rules",
		Long: `Upload policy documents and extract soft rules from them.

Examples:
  # Upload a document
  gwctl docs upload ./policies/retention.md

  # Extract rules with the primary extractor, falling back to keywords
  gwctl docs rules 3a9e...

  # Keyword extraction only
  gwctl docs rules 3a9e... --no-primary`,
	}

	upload := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read file %s: %w", args[0], err)
			}
			doc, err := a.client().Upload(cmd.Context(), filepath.Base(args[0]), content)
			if err != nil {
				return err
			}
			if a.outputJSON {
				return printJSON(cmd.OutOrStdout(), doc)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s as %s (%d bytes, %s)\n", doc.Name, doc.ID, doc.Size, doc.StatusLabel())
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List uploaded documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			docs, err := a.client().Documents(cmd.Context())
			if err != nil {
				return err
			}
			if a.outputJSON {
				return printJSON(cmd.OutOrStdout(), docs)
			}
			if len(docs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No documents uploaded.")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSIZE\tSTATUS\tUPLOADED")
			for _, d := range docs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					d.ID, d.Name, orDash(d.ContentType), d.Size, d.StatusLabel(), d.UploadedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}

	remove := &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client().DeleteDocument(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}

	var noPrimary bool
	parse := &cobra.Command{
		Use:   "rules <document-id>",
		Short: "Extract rules from a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extracted, err := a.client().ParseRules(cmd.Context(), args[0], !noPrimary)
			if err != nil {
				return err
			}
			return a.printRules(cmd.OutOrStdout(), extracted)
		},
	}
	parse.Flags().BoolVar(&noPrimary, "no-primary", false, "Skip the primary extractor and use keyword matching only")

	cmd.AddCommand(upload, list, remove, parse)
	return cmd
}

func (a *app) newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect extracted and baseline rules",
	}

	var active bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List extracted rules",
		Long: `List extracted rules.

With --active only rules in force are shown: rules without an open conflict
and rules whose conflict was resolved in favour of the soft rule (or both).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := a.client()
			if active {
				out, err := c.ActiveRules(cmd.Context())
				if err != nil {
					return err
				}
				return a.printRules(cmd.OutOrStdout(), out)
			}
			snap, err := c.Rules(cmd.Context())
			if err != nil {
				return err
			}
			if a.outputJSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			if err := a.printRules(cmd.OutOrStdout(), snap.ExtractedRules); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d documents, %d conflicts, %d active rules\n",
				len(snap.Documents), len(snap.Conflicts), snap.ActiveRuleCount)
			return nil
		},
	}
	list.Flags().BoolVar(&active, "active", false, "Only show rules currently in force")

	cmd.AddCommand(list)
	return cmd
}

func (a *app) newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Detect and resolve conflicts with baseline rules",
		Long: `Detect and resolve conflicts between extracted rules and baseline rules.

Examples:
  # Compare extracted rules against a baseline rule
  gwctl conflicts detect BASE-RET-001

  # Keep the baseline rule
  gwctl conflicts resolve 7d2f... --resolution use_baseline --notes "regulatory floor"`,
	}

	detect := &cobra.Command{
		Use:   "detect <baseline-id>",
		Short: "Detect conflicts against a baseline rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := a.client().DetectConflicts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printConflicts(cmd.OutOrStdout(), found)
		},
	}

	var resolution, notes string
	resolve := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Record a resolution for a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := rules.Resolution(strings.ToLower(resolution))
			if !res.Valid() {
				return fmt.Errorf("invalid resolution %q (want use_baseline, use_soft or both)", resolution)
			}
			c, err := a.client().ResolveConflict(cmd.Context(), args[0], res, notes)
			if err != nil {
				return err
			}
			if a.outputJSON {
				return printJSON(cmd.OutOrStdout(), c)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Conflict %s resolved: %s\n", c.ID, c.Resolution)
			return nil
		},
	}
	resolve.Flags().StringVar(&resolution, "resolution", "", "use_baseline, use_soft or both")
	resolve.Flags().StringVar(&notes, "notes", "", "Resolution notes")
	_ = resolve.MarkFlagRequired("resolution")

	cmd.AddCommand(detect, resolve)
	return cmd
}

func (a *app) printRules(w io.Writer, list []rules.Rule) error {
	if a.outputJSON {
		return printJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No rules.")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tTYPE\tMETHOD\tCONFIDENCE\tPERIODS\tTEXT")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
			monitor.ShortID(r.ID), r.RuleType, r.Method, r.Confidence,
			orDash(strings.Join(r.TimePeriods, ",")), monitor.Truncate(r.Text, 60))
	}
	return tw.Flush()
}

func (a *app) printConflicts(w io.Writer, list []rules.Conflict) error {
	if a.outputJSON {
		return printJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No conflicts detected.")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tBASELINE\tRULE\tTYPE\tRESOLUTION")
	for _, c := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.BaselineRuleID, monitor.ShortID(c.RuleID), c.ConflictType, orDash(string(c.Resolution)))
	}
	return tw.Flush()
}
