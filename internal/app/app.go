// Package app wires the bot together: config, logging, storage, the
// broadcast engine, notifier, command router, scheduler and ops endpoints.
package app

import (
	"context"
	"fmt"
	"time"

	"stayintouch/internal/bot"
	"stayintouch/internal/broadcast"
	"stayintouch/internal/config"
	"stayintouch/internal/eventbus"
	"stayintouch/internal/notifier"
	"stayintouch/internal/observability/metrics"
	"stayintouch/internal/observability/ops"
	rtsup "stayintouch/internal/runtime/supervisor"
	"stayintouch/internal/storage"
	"stayintouch/internal/task/scheduler"
	kit "stayintouch/internal/transport"
	telegram "stayintouch/internal/transport/telegram/adapter"
	"stayintouch/internal/transport/telegram/router"
	"stayintouch/pkg/logx"
	"stayintouch/pkg/systemd"
)

const (
	sweepJobName = "broadcast.orphan_sweep"
	sweepTimeout = time.Minute
)

// Transport is what the app needs from the chat adapter.
type Transport interface {
	kit.Adapter
	Username() string
}

type App struct {
	cfgm *config.Manager
	rt   *config.Runtime

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	transport Transport
	router    *router.Router
	notif     *notifier.Service
	engine    *broadcast.Service
	handlers  *bot.Handlers
	sched     *scheduler.Service
	metrics   *metrics.Collector
	ops       *ops.Service
	sd        *systemd.Notifier

	sup     *rtsup.Supervisor
	updates chan kit.Update
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	boot := logx.NewConsole("info").With(logx.Component("boot"))
	cfgm := config.NewManager(cfgPath, boot)
	rt, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	ad, err := telegram.New(telegram.Config{
		Token:       rt.Telegram.Token,
		PollTimeout: rt.Telegram.PollTimeout,
	}, boot.With(logx.Component("telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	logs, log := logx.New(rt.Logging, ad)
	cfgm.SetLogger(log)

	store, err := storage.Open(ctx, rt.Storage, log)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	a := assemble(cfgm, rt, logs, log, store, ad)
	return a, nil
}

// assemble builds the component graph over an already opened store and
// transport.
func assemble(cfgm *config.Manager, rt *config.Runtime, logs *logx.Service, log logx.Logger, store storage.Store, tr Transport) *App {
	bus := eventbus.New()
	notif := notifier.New(rt.Notifier, tr, log, bus, store)
	engine := broadcast.New(broadcast.Deps{
		Store:       store,
		Transport:   tr,
		Notifier:    notif,
		Bus:         bus,
		Logger:      log,
		BotUsername: tr.Username(),
	}, rt.Broadcast)
	handlers := bot.New(bot.Deps{
		Store:       store,
		Engine:      engine,
		Notifier:    notif,
		Logger:      log,
		BotUsername: tr.Username,
	}, rt.Bot)

	opts := rt.Telegram.Router
	opts.BusyText = "I'm a bit busy right now, please try again in a moment."
	rtr := router.New(log, tr, opts)
	rtr.Use(handlers.Identity())
	rtr.SetRoutes(handlers.Routes())

	sched := scheduler.New(rt.Scheduler, log, bus)
	coll := metrics.New(log, metrics.Gauges{
		ActiveSessions: func() int { return len(engine.Sessions()) },
		BusDropped:     bus.Dropped,
	})

	a := &App{
		cfgm:      cfgm,
		rt:        rt,
		log:       log.With(logx.Component("app")),
		logs:      logs,
		bus:       bus,
		store:     store,
		transport: tr,
		router:    rtr,
		notif:     notif,
		engine:    engine,
		handlers:  handlers,
		sched:     sched,
		metrics:   coll,
		sd:        systemd.New(),
		updates:   make(chan kit.Update, 256),
	}
	a.ops = ops.New(rt.Ops, log, a.health, coll.Handler())
	return a
}

// Done is closed when the app stops or a fatal error cancels it.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.engine.Start(run); err != nil {
		return err
	}
	a.notif.Start(run)

	// Invites left over from a previous process have no session to expire them.
	a.sup.Go0("broadcast.startup_sweep", func(c context.Context) {
		a.sweep(c)
	})
	if err := a.sched.AddSchedule(sweepJobName, a.rt.SweepSchedule, sweepTimeout, a.sweepJob); err != nil {
		return fmt.Errorf("schedule orphan sweep: %w", err)
	}
	a.sched.Start(run)

	a.sup.Go0("metrics.collect", func(c context.Context) { a.metrics.Run(c, a.bus) })
	a.sup.Go0("eventbus.log", a.logEvents)
	if a.rt.Ops.Enabled {
		if err := a.ops.Start(run); err != nil {
			a.log.Warn("ops server not started", logx.Err(err))
		}
	}

	if err := a.transport.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	if a.cfgm != nil {
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	if sent, err := a.sd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.Watchdog(c, a.healthy); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	a.log.Info("app started",
		logx.String("bot", a.transport.Username()),
		logx.String("storage", a.rt.Storage.Driver),
		logx.String("sweep", a.rt.SweepSchedule))
	return nil
}

func (a *App) sweepJob(ctx context.Context) error {
	_, err := a.engine.SweepOrphans(ctx)
	return err
}

func (a *App) sweep(ctx context.Context) {
	n, err := a.engine.SweepOrphans(ctx)
	if err != nil {
		a.log.Warn("startup sweep failed", logx.Err(err))
		return
	}
	a.log.Debug("startup sweep done", logx.Int("revoked", n))
}

// Stop shuts components down in dependency order, giving each step a
// bounded share of ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.transport.Stop)
	a.step(ctx, "broadcast", 2*time.Second, a.engine.Stop)
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		return a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return
	}
	c, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(c)
	}()

	select {
	case err := <-done:
		if err != nil && c.Err() == nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-c.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
