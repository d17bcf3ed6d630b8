package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// ParseDurationField parses a config duration at path. Empty means 0.
// Besides Go durations ("90s", "4m", "720h") it accepts whole days ("30d"),
// which is how retention windows such as ledger.prune_failed_after read best.
// Negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (use e.g. 90s, 5m, 12h or 30d)", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %q must not be negative", path, raw)
	}
	return d, nil
}

func parseDuration(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * day, nil
	}
	return time.ParseDuration(s)
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	switch {
	case err != nil:
		return 0, err
	case d == 0:
		return def, nil
	}
	return d, nil
}
