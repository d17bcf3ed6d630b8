package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts an optional seconds field and descriptors like @every.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec represents a parsed schedule string.
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

// CronSpec renders the schedule for robfig/cron; intervals become "@every".
func (p ParsedSpec) CronSpec() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule string into either a cron expression or an
// interval duration. Cron expressions are not validated here; the cron parser
// rejects them at registration.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	}
	for _, prefix := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, prefix) {
			return parseInterval(s[len(prefix):])
		}
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf(
			"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or duration like '5m')",
			raw,
		)
	}
	return ps, nil
}

// ValidateSchedule is ParseSchedule plus a full check of cron expressions.
func ValidateSchedule(raw string) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := cronParser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	return nil
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	src := "duration"
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		src = "hhmm"
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '5m')", v)
		}
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}
