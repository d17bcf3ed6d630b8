package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"signupbot/internal/app"
	"signupbot/internal/signup"
)

func newPreviewCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "preview <pattern-id>",
		Short: "Show upcoming matches of a pattern and their signup windows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				p, err := a.Store().GetPattern(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := a.Signup().Preview(ctx, p, time.Now(), limit)
				if err != nil {
					return err
				}
				return printPreview(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "maximum occurrences to show")
	return cmd
}

func printPreview(w io.Writer, items []signup.PreviewItem) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "no upcoming matches")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OCCURRENCE\tCLASS\tSTART\tSPOTS\tBOOKING\tOPENS\tLEAD\tSTATE")
	for _, it := range items {
		o := it.Occurrence
		name := o.ActivityName
		if name == "" {
			name = o.ActivityID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%dh\t%s\n",
			o.ID, name, o.Start.Format("Mon 02 Jan 15:04"), o.SpotsAvailable(), o.Capacity, o.Availability(),
			it.Window.OpensAt.Format("Mon 02 Jan 15:04"), it.Window.EffectiveLeadHours, it.State)
	}
	return tw.Flush()
}

func newCancelCmd() *cobra.Command {
	return newManualCmd("cancel <occurrence-id>", "Cancel a registration and stop retrying it",
		func(ctx context.Context, e *signup.Engine, occ, pattern string) (signup.Outcome, error) {
			return e.CancelRegistration(ctx, occ, pattern)
		})
}

func newLeaveWaitlistCmd() *cobra.Command {
	return newManualCmd("leave-waitlist <occurrence-id>", "Leave a waitlist and stop retrying it",
		func(ctx context.Context, e *signup.Engine, occ, pattern string) (signup.Outcome, error) {
			return e.LeaveWaitlist(ctx, occ, pattern)
		})
}

func newManualCmd(use, short string, call func(ctx context.Context, e *signup.Engine, occ, pattern string) (signup.Outcome, error)) *cobra.Command {
	var patternID string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				out, err := call(ctx, a.Signup(), args[0], patternID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], out)
				switch {
				case out.IsTransient():
					return fmt.Errorf("upstream error, nothing recorded: %s", out)
				case out.Kind != signup.OutcomeSuccess:
					return fmt.Errorf("upstream refused: %s", out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&patternID, "pattern", "", "pattern id to attribute the record to")
	return cmd
}
