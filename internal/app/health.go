package app

import (
	"context"
	"time"

	rtsup "stayintouch/internal/runtime/supervisor"
	"stayintouch/internal/storage"
	"stayintouch/internal/task/scheduler"
	"stayintouch/pkg/logx"
)

type healthReport struct {
	Status      string                        `json:"status"`
	Bot         string                        `json:"bot,omitempty"`
	Sessions    int                           `json:"sessions"`
	Store       *storage.Stats                `json:"store,omitempty"`
	StoreError  string                        `json:"store_error,omitempty"`
	BusDropped  uint64                        `json:"bus_dropped"`
	Supervisors map[string]rtsup.Counters     `json:"supervisors"`
	Schedules   []scheduler.ScheduleInfo      `json:"schedules,omitempty"`
}

// health backs /healthz. The store probe failing marks the process
// unhealthy.
func (a *App) health(ctx context.Context) (any, bool) {
	rep := healthReport{
		Status:     "ok",
		Bot:        a.transport.Username(),
		Sessions:   len(a.engine.Sessions()),
		BusDropped: a.bus.Dropped(),
		Supervisors: map[string]rtsup.Counters{
			"app":       a.supervisor().Counters(),
			"broadcast": a.engine.Supervisor().Counters(),
			"notifier":  a.notif.Supervisor().Counters(),
			"router":    a.router.Supervisor().Counters(),
			"ops":       a.ops.Supervisor().Counters(),
		},
		Schedules: a.sched.Snapshot().Schedules,
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	st, err := a.store.Stats(pctx)
	if err != nil {
		rep.Status = "degraded"
		rep.StoreError = err.Error()
		return rep, false
	}
	rep.Store = &st
	return rep, true
}

func (a *App) healthy() bool {
	_, ok := a.health(context.Background())
	return ok
}

func (a *App) supervisor() *rtsup.Supervisor { return a.sup }

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	log := a.log.With(logx.Component("events"))
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			fields := []logx.Field{logx.String("type", e.Type)}
			if e.Owner != "" {
				fields = append(fields, logx.Owner(e.Owner))
			}
			if e.Data != nil {
				fields = append(fields, logx.Any("data", e.Data))
			}
			log.Debug("event", fields...)
		}
	}
}
