package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"stayintouch/internal/eventbus"
	rtsup "stayintouch/internal/runtime/supervisor"
	"stayintouch/pkg/logx"
)

const (
	EventJobDone   = "scheduler.job_done"
	EventJobFailed = "scheduler.job_failed"
)

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.Component("scheduler")),
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone change re-registers every schedule on
// a fresh cron instance; toggling Enabled starts or stops triggering.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	if running && cfg.Enabled && strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
	s.mu.Unlock()

	switch {
	case cfg.Enabled && !running:
		s.Start(ctx)
	case !cfg.Enabled && running:
		s.Stop(ctx)
	}
}

// Start begins triggering registered schedules. Jobs run under a
// supervisor derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering and waits for in-flight jobs until ctx is done.
// Definitions stay registered for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	sup := s.sup
	s.c = nil
	s.sup = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("scheduler stop incomplete", logx.Err(err))
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// AddSchedule registers job under name, replacing an earlier schedule with
// the same name. Accepted forms are listed on ParseSchedule.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	} else if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

// Remove drops the schedule; it reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

// RunNow triggers name once outside its schedule, subject to the same
// no-overlap rule.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name && s.sup != nil {
			s.fireLocked(d)
			return true
		}
	}
	return false
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	out := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: loc.String()}
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Running: d.running.Load(),
			Runs:    d.runs.Load(),
			Skipped: d.skipped.Load(),
			Failed:  d.failed.Load(),
		}
		it.LastErr, _ = d.lastErr.Load().(string)
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	return out
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) restartLocked() {
	old := s.c
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		d.entryID = 0
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	if old != nil {
		old.Stop()
	}
	s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()))
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	var sched cron.Schedule
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		dur, err := time.ParseDuration(every)
		if err != nil {
			return err
		}
		sched, d.startupSpread = makeIntervalScheduleWithSpread(dur, time.Now().In(s.loc), d.name)
	} else {
		var err error
		if sched, err = s.parser.Parse(d.spec); err != nil {
			return err
		}
	}
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.sup != nil {
			s.fireLocked(d)
		}
	}))
	return nil
}

func (s *Service) fireLocked(d *scheduleDef) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Debug("schedule skipped (still running)", logx.String("name", d.name))
		return
	}
	s.sup.Go0("job."+d.name, func(ctx context.Context) {
		defer d.running.Store(false)
		s.run(ctx, d)
	})
}

func (s *Service) run(ctx context.Context, d *scheduleDef) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := d.job(ctx)
	took := time.Since(start)
	d.runs.Add(1)

	ev := RunEvent{Name: d.name, Took: took}
	if err != nil {
		d.lastErr.Store(err.Error())
		d.failed.Add(1)
		ev.Error = err.Error()
		s.log.Warn("scheduled job failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: EventJobFailed, Data: ev})
		return
	}
	d.lastErr.Store("")
	s.log.Debug("scheduled job done", logx.String("name", d.name), logx.Duration("took", took))
	s.bus.Publish(eventbus.Event{Type: EventJobDone, Data: ev})
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
