package app

import (
	"context"
	"time"

	"signupbot/internal/eventbus"
	"signupbot/internal/runtime/supervisor"
	"signupbot/internal/signup"
	"signupbot/internal/task/engine"
	"signupbot/internal/task/scheduler"
)

type statusReport struct {
	Now           time.Time           `json:"now"`
	Config        string              `json:"config"`
	Patterns      patternStatus       `json:"patterns"`
	LastTick      *signup.TickReport  `json:"last_tick,omitempty"`
	Fetch         *fetchStatus        `json:"fetch,omitempty"`
	Scheduler     scheduler.Snapshot  `json:"scheduler"`
	TaskEngine    engine.Snapshot     `json:"task_engine"`
	Supervisor    supervisor.Counters `json:"supervisor"`
	EventsDropped uint64              `json:"events_dropped"`
}

type patternStatus struct {
	Total       int    `json:"total"`
	AutoEnabled int    `json:"auto_enabled"`
	Error       string `json:"error,omitempty"`
}

type fetchStatus struct {
	FetchedAt   time.Time     `json:"fetched_at"`
	Age         time.Duration `json:"age"`
	From        time.Time     `json:"from"`
	To          time.Time     `json:"to"`
	Occurrences int           `json:"occurrences"`
}

// status is served at /status by the admin server.
func (a *App) status(ctx context.Context) any {
	now := time.Now()
	r := statusReport{
		Now:        now,
		Config:     a.cfgPath,
		LastTick:   a.lastTick.Load(),
		Scheduler:  a.sched.Snapshot(),
		TaskEngine: a.engine.Snapshot(),
	}
	if ps, err := a.store.ListPatterns(ctx); err != nil {
		r.Patterns.Error = err.Error()
	} else {
		r.Patterns.Total = len(ps)
		for _, p := range ps {
			if p.AutoSignupEnabled {
				r.Patterns.AutoEnabled++
			}
		}
	}
	if snap := a.cache.Snapshot(); snap != nil {
		r.Fetch = &fetchStatus{
			FetchedAt:   snap.FetchedAt,
			Age:         now.Sub(snap.FetchedAt),
			From:        snap.Range.From,
			To:          snap.Range.To,
			Occurrences: len(snap.Occurrences),
		}
	}
	if a.sup != nil {
		r.Supervisor = a.sup.Counters()
	}
	if st, ok := a.bus.(eventbus.Stats); ok {
		r.EventsDropped = st.Dropped()
	}
	return r
}
