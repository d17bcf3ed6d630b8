package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "signupbot/pkg/logx"
)

// notify sends an sd_notify state. Outside systemd it is a no-op.
func (a *App) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured interval until ctx ends.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	every := interval / 2
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.notify(daemon.SdNotifyWatchdog)
		}
	}
}
