package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"signupbot/internal/app"
	"signupbot/internal/config"
	"signupbot/internal/signup"
)

const defaultPruneAfter = 30 * 24 * time.Hour

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the attempt ledger",
	}
	cmd.AddCommand(newLedgerShowCmd())
	cmd.AddCommand(newLedgerPruneCmd())
	return cmd
}

func newLedgerShowCmd() *cobra.Command {
	var (
		patternID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "show [occurrence-id]",
		Short: "Show attempts for an occurrence, or for a pattern with --pattern",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && patternID == "" {
				return fmt.Errorf("occurrence id or --pattern required")
			}
			return withBase(func(ctx context.Context, b *app.Base) error {
				var (
					recs []signup.AttemptRecord
					err  error
				)
				if len(args) == 1 {
					recs, err = b.Ledger().History(ctx, args[0])
				} else {
					recs, err = b.Store().ListAttemptsByPattern(ctx, patternID, limit)
				}
				if err != nil {
					return err
				}
				return printAttempts(cmd.OutOrStdout(), recs)
			})
		},
	}
	cmd.Flags().StringVar(&patternID, "pattern", "", "list recent attempts of this pattern")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records with --pattern")
	return cmd
}

func printAttempts(w io.Writer, recs []signup.AttemptRecord) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "no attempts recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tOCCURRENCE\tSTART\tPATTERN\tRESULT\tREASON")
	for _, r := range recs {
		start := ""
		if !r.OccurrenceStart.IsZero() {
			start = r.OccurrenceStart.Local().Format("Mon 02 Jan 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.At.Local().Format(time.DateTime), r.OccurrenceID, start, r.PatternID, r.Result, r.Reason)
	}
	return tw.Flush()
}

func newLedgerPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete failed attempts older than the retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBase(func(ctx context.Context, b *app.Base) error {
				after := olderThan
				if !cmd.Flags().Changed("older-than") {
					d, err := config.ParseDurationOrDefault("ledger.prune_failed_after", b.Config().Ledger.PruneFailedAfter, defaultPruneAfter)
					if err != nil {
						return err
					}
					after = d
				}
				if after <= 0 {
					return fmt.Errorf("--older-than must be > 0")
				}
				n, err := b.Ledger().Prune(ctx, time.Now().Add(-after))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d failed attempts older than %s\n", n, after)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", defaultPruneAfter, "retention for failed attempts")
	return cmd
}
