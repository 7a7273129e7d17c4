package app

import (
	"context"
	"strings"
	"time"

	"stayintouch/internal/config"
	"stayintouch/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context) {
	if a.cfgm == nil {
		return
	}
	updates, unsub := a.cfgm.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			a.applyUpdate(ctx, u)
		}
	}
}

// applyUpdate pushes a validated config into the running components.
// Storage, token and router settings are reported by the manager and wait
// for a restart.
func (a *App) applyUpdate(ctx context.Context, u config.Update) {
	_, _ = a.sd.Reloading()
	defer func() { _, _ = a.sd.Ready() }()

	prev, next, d := a.rt, u.Runtime, u.Diff
	if next == nil {
		return
	}
	var changed []string

	if d.Logging {
		a.logs.Apply(next.Logging)
		changed = append(changed, "logging")
	}
	if d.Broadcast {
		a.engine.Apply(next.Broadcast)
		if prev.SweepSchedule != next.SweepSchedule {
			if err := a.sched.AddSchedule(sweepJobName, next.SweepSchedule, sweepTimeout, a.sweepJob); err != nil {
				a.log.Warn("sweep schedule not updated", logx.Err(err))
			}
		}
		changed = append(changed, "broadcast")
	}
	if d.Bot {
		a.handlers.Apply(next.Bot)
		changed = append(changed, "bot")
	}
	if d.Notifier {
		a.notif.Apply(next.Notifier)
		switch {
		case prev.Notifier.Enabled && !next.Notifier.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier queue disabled via config")
		case !prev.Notifier.Enabled && next.Notifier.Enabled:
			a.notif.Start(a.runContext(ctx))
			a.log.Info("notifier queue enabled via config")
		}
		changed = append(changed, "notifier")
	}
	if d.Scheduler {
		a.sched.Apply(a.runContext(ctx), next.Scheduler)
		changed = append(changed, "scheduler")
	}
	if d.Ops {
		a.ops.Reconfigure(a.runContext(ctx), next.Ops)
		changed = append(changed, "ops")
	}
	a.rt = next

	if len(changed) == 0 {
		a.log.Info("config reloaded (no live changes)")
		return
	}
	a.log.Info("config applied", logx.String("changed", strings.Join(changed, ",")))
}

// runContext is the app lifetime context, or fallback before Start.
func (a *App) runContext(fallback context.Context) context.Context {
	if a.sup != nil {
		return a.sup.Context()
	}
	return fallback
}
