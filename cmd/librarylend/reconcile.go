package main

import (
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"librarylend/internal/reconcile"
)

func newReconcileCmd(a *app) *cobra.Command {
	var (
		dryRun bool
		grace  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Audit books against users and repair disagreements",
		Long: `Scans both collections for copy counts that disagree with borrower sets and for
loans recorded on only one side. Without --dry-run the store is audited twice, --grace
apart, every finding seen both times is repaired and the store is audited again.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			raw, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer raw.Close()
			if !cmd.Flags().Changed("grace") {
				grace = a.cfg.ReconcileGrace
			}
			rec := reconcile.New(a.resilient(raw), reconcile.Options{Grace: grace, Logger: a.log})

			if dryRun {
				report, err := rec.Audit(ctx)
				if err != nil {
					return err
				}
				return writeReport(cmd.OutOrStdout(), report)
			}

			report, err := rec.Sweep(ctx)
			if err != nil {
				if report != nil {
					_ = writeReport(cmd.OutOrStdout(), report)
				}
				return fmt.Errorf("sweep: %w", err)
			}
			after, err := rec.Audit(ctx)
			if err != nil {
				return err
			}
			if err := writeReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !after.Clean() {
				return fmt.Errorf("%d violations remain after repair", len(after.Violations))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report violations without repairing them")
	cmd.Flags().DurationVar(&grace, "grace", 0, "how long a disagreement must last before it is repaired (default RECONCILE_GRACE)")
	return cmd
}

func writeReport(w io.Writer, report *reconcile.Report) error {
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
