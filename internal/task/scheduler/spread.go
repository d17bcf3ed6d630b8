package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// startupSpreadSchedule delays the first run of a base schedule.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// makeIntervalScheduleWithSpread returns an @every schedule whose first run
// is now+every plus a random delay below min(every, 30s), truncated to the
// second like cron.Every so later runs stay exactly every apart.
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), h.Sum64()))
	jitter := time.Duration(rng.Int64N(int64(spreadMax)))
	return &startupSpreadSchedule{base: base, first: now.Add(every + jitter).Truncate(time.Second)}, jitter
}
