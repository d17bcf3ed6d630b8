package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"signupbot/internal/app"
	"signupbot/internal/signup"
)

const (
	defaultToleranceMinutes = 15
	defaultLeadHours        = 48
)

type patternFlags struct {
	label      string
	owner      string
	activity   string
	location   string
	weekday    string
	at         string
	instructor string
	exactTime  bool
	tolerance  int
	lead       int
	disabled   bool
}

func newPatternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "patterns",
		Aliases: []string{"p"},
		Short:   "Manage tracked patterns",
	}
	cmd.AddCommand(newPatternsListCmd())
	cmd.AddCommand(newPatternsAddCmd())
	cmd.AddCommand(newPatternsToggleCmd("enable", true))
	cmd.AddCommand(newPatternsToggleCmd("disable", false))
	cmd.AddCommand(newPatternsLeadCmd())
	cmd.AddCommand(newPatternsRemoveCmd())
	return cmd
}

func newPatternsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBase(func(ctx context.Context, b *app.Base) error {
				ps, err := b.Store().ListPatterns(ctx)
				if err != nil {
					return err
				}
				return printPatterns(cmd.OutOrStdout(), ps)
			})
		},
	}
}

func printPatterns(w io.Writer, ps []signup.TrackedPattern) error {
	if len(ps) == 0 {
		_, err := fmt.Fprintln(w, "no tracked patterns")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tACTIVITY\tWHEN\tMATCH\tAUTO\tLEAD")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%s\t%s\t%dh\n",
			p.ID, p.Label, p.ActivityID, p.Weekday.String()[:3], p.Time, describeMatch(p), onOff(p.AutoSignupEnabled), p.SignupLeadHours)
	}
	return tw.Flush()
}

func describeMatch(p signup.TrackedPattern) string {
	var parts []string
	if p.MatchExactTime {
		parts = append(parts, "exact")
	} else {
		parts = append(parts, fmt.Sprintf("±%dm", p.TimeToleranceMinutes))
	}
	if p.MatchInstructor {
		parts = append(parts, "instr="+p.InstructorID)
	}
	if p.LocationID != "" {
		parts = append(parts, "loc="+p.LocationID)
	}
	return strings.Join(parts, ",")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func newPatternsAddCmd() *cobra.Command {
	var f patternFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Track a new recurring class",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := f.pattern(time.Now())
			if err != nil {
				return err
			}
			return withBase(func(ctx context.Context, b *app.Base) error {
				if err := b.Store().SavePattern(ctx, p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added pattern %s\n", p.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.label, "label", "", "free-form label")
	cmd.Flags().StringVar(&f.owner, "owner", "", "owner of the pattern")
	cmd.Flags().StringVar(&f.activity, "activity", "", "activity id (required)")
	cmd.Flags().StringVar(&f.location, "location", "", "location id; empty matches any")
	cmd.Flags().StringVar(&f.weekday, "weekday", "", "weekday, e.g. mon or monday (required)")
	cmd.Flags().StringVar(&f.at, "time", "", "local start time HH:MM (required)")
	cmd.Flags().StringVar(&f.instructor, "instructor", "", "only match this instructor id")
	cmd.Flags().BoolVar(&f.exactTime, "exact-time", false, "require the exact start minute")
	cmd.Flags().IntVar(&f.tolerance, "tolerance", defaultToleranceMinutes, "start time tolerance in minutes")
	cmd.Flags().IntVar(&f.lead, "lead", defaultLeadHours, "preferred signup lead in hours (> 0 unless --disabled)")
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "add with auto-signup off")
	_ = cmd.MarkFlagRequired("activity")
	_ = cmd.MarkFlagRequired("weekday")
	_ = cmd.MarkFlagRequired("time")
	return cmd
}

func (f patternFlags) pattern(now time.Time) (signup.TrackedPattern, error) {
	wd, err := signup.ParseWeekday(f.weekday)
	if err != nil {
		return signup.TrackedPattern{}, err
	}
	tod, err := signup.ParseTimeOfDay(f.at)
	if err != nil {
		return signup.TrackedPattern{}, err
	}
	p := signup.TrackedPattern{
		ID:                   uuid.NewString(),
		Owner:                strings.TrimSpace(f.owner),
		Label:                strings.TrimSpace(f.label),
		ActivityID:           strings.TrimSpace(f.activity),
		LocationID:           strings.TrimSpace(f.location),
		Weekday:              wd,
		Time:                 tod,
		MatchInstructor:      strings.TrimSpace(f.instructor) != "",
		InstructorID:         strings.TrimSpace(f.instructor),
		MatchExactTime:       f.exactTime,
		TimeToleranceMinutes: f.tolerance,
		AutoSignupEnabled:    !f.disabled,
		SignupLeadHours:      f.lead,
		CreatedAt:            now.UTC(),
		UpdatedAt:            now.UTC(),
	}
	if err := p.Validate(); err != nil {
		return signup.TrackedPattern{}, err
	}
	return p, nil
}

// updatePattern loads id, applies mutate and saves it back.
func updatePattern(ctx context.Context, b *app.Base, id string, mutate func(*signup.TrackedPattern)) (signup.TrackedPattern, error) {
	p, err := b.Store().GetPattern(ctx, id)
	if err != nil {
		return signup.TrackedPattern{}, err
	}
	mutate(&p)
	p.UpdatedAt = time.Now().UTC()
	if err := p.Validate(); err != nil {
		return signup.TrackedPattern{}, err
	}
	return p, b.Store().SavePattern(ctx, p)
}

func newPatternsToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <pattern-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " automatic signup for a pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBase(func(ctx context.Context, b *app.Base) error {
				p, err := updatePattern(ctx, b, args[0], func(p *signup.TrackedPattern) { p.AutoSignupEnabled = enabled })
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pattern %s auto-signup %s\n", p.ID, onOff(p.AutoSignupEnabled))
				return nil
			})
		},
	}
}

func newPatternsLeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lead <pattern-id> <hours>",
		Short: "Set the preferred signup lead in hours",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hours, err := strconv.Atoi(args[1])
			if err != nil || hours < 0 {
				return fmt.Errorf("invalid lead hours %q", args[1])
			}
			return withBase(func(ctx context.Context, b *app.Base) error {
				p, err := updatePattern(ctx, b, args[0], func(p *signup.TrackedPattern) { p.SignupLeadHours = hours })
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pattern %s lead %dh\n", p.ID, p.SignupLeadHours)
				return nil
			})
		},
	}
}

func newPatternsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <pattern-id>",
		Aliases: []string{"delete"},
		Short:   "Stop tracking a pattern",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBase(func(ctx context.Context, b *app.Base) error {
				if err := b.Store().DeletePattern(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed pattern %s\n", args[0])
				return nil
			})
		},
	}
}
