package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"stayintouch/internal/bot"
	"stayintouch/internal/broadcast"
	"stayintouch/internal/notifier"
	"stayintouch/internal/observability/ops"
	"stayintouch/internal/storage"
	"stayintouch/internal/task/scheduler"
	"stayintouch/internal/transport/telegram/router"
	"stayintouch/pkg/logx"
)

const defaultSweepSchedule = "@every 10m"

// TelegramRuntime is the resolved telegram section.
type TelegramRuntime struct {
	Token       string `validate:"required"`
	PollTimeout time.Duration
	Router      router.Options
}

// Runtime is the typed, defaulted and validated form of Config.
type Runtime struct {
	Telegram      TelegramRuntime
	Logging       logx.Config
	Storage       storage.Config
	Broadcast     broadcast.Settings
	Durations     []int `validate:"min=1,dive,gt=0,lte=1440"`
	SweepSchedule string
	Bot           bot.Config
	Notifier      notifier.Config
	Scheduler     scheduler.Config
	Ops           ops.Config
}

var validate = validator.New()

// Resolve applies defaults, parses durations and validates the result.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	optDur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	rt := &Runtime{}

	tg := cfg.Telegram
	rt.Telegram = TelegramRuntime{
		Token:       strings.TrimSpace(tg.Token),
		PollTimeout: dur("telegram.poll_timeout", tg.PollTimeout, 10*time.Second),
		Router: router.Options{
			Workers:        tg.Workers,
			QueueSize:      tg.QueueSize,
			DefaultTimeout: dur("telegram.handler_timeout", tg.HandlerTimeout, 30*time.Second),
		},
	}

	lg := cfg.Logging
	rt.Logging = logx.Config{
		Level:   lg.Level,
		Console: lg.Console,
		File:    logx.FileConfig{Enabled: lg.File.Enabled, Path: lg.File.Path},
		OpsChat: logx.OpsChatConfig{
			Enabled:    lg.Telegram.Enabled,
			ChatID:     lg.Telegram.ChatID,
			ThreadID:   lg.Telegram.ThreadID,
			MinLevel:   lg.Telegram.MinLevel,
			RatePerSec: lg.Telegram.RatePerSec,
		},
	}

	st := cfg.Storage
	rt.Storage = storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(st.Driver)),
		Path:         strings.TrimSpace(st.Path),
		DSN:          strings.TrimSpace(st.DSN),
		BusyTimeout:  dur("storage.busy_timeout", st.BusyTimeout, 5*time.Second),
		MaxOpenConns: st.MaxOpenConns,
	}
	if rt.Storage.Driver == "" {
		rt.Storage.Driver = "sqlite"
	}
	if rt.Storage.Driver == "sqlite" && rt.Storage.Path == "" {
		rt.Storage.Path = "./data/stayintouch.db"
	}

	bc := cfg.Broadcast
	def := broadcast.DefaultSettings()
	rt.Broadcast = broadcast.Settings{
		SendInterval:     dur("broadcast.send_interval", bc.SendInterval, def.SendInterval),
		ConfirmTimeout:   dur("broadcast.confirm_timeout", bc.ConfirmTimeout, def.ConfirmTimeout),
		RecentCallWindow: def.RecentCallWindow,
		SymmetricStats:   def.SymmetricStats,
		DefaultMinutes:   def.DefaultMinutes,
	}
	if strings.TrimSpace(bc.RecentCallWindow) != "" {
		// "0s" is meaningful here: it disables the skip.
		rt.Broadcast.RecentCallWindow = optDur("broadcast.recent_call_window", bc.RecentCallWindow)
	}
	if bc.SymmetricStats != nil {
		rt.Broadcast.SymmetricStats = *bc.SymmetricStats
	}
	if bc.DefaultMinutes != 0 {
		rt.Broadcast.DefaultMinutes = bc.DefaultMinutes
	}
	rt.Durations = slices.Clone(bc.Durations)
	if len(rt.Durations) == 0 {
		rt.Durations = bot.DefaultConfig().Durations
	}
	rt.SweepSchedule = strings.TrimSpace(bc.SweepSchedule)
	if rt.SweepSchedule == "" {
		rt.SweepSchedule = defaultSweepSchedule
	}
	if _, err := scheduler.ParseSchedule(rt.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("broadcast.sweep_schedule: %w", err))
	}

	bd := bot.DefaultConfig()
	rt.Bot = bot.Config{
		Durations:         rt.Durations,
		PendingInputTTL:   dur("bot.pending_input_ttl", cfg.Bot.PendingInputTTL, bd.PendingInputTTL),
		WelcomePacing:     dur("bot.welcome_pacing", cfg.Bot.WelcomePacing, bd.WelcomePacing),
		NeedUsernameEvery: dur("bot.need_username_every", cfg.Bot.NeedUsernameEvery, bd.NeedUsernameEvery),
	}

	rt.Notifier = notifier.Config{Enabled: true}
	if n := cfg.Notifier; n != nil {
		rt.Notifier = notifier.Config{
			Enabled:         n.Enabled,
			Workers:         n.Workers,
			QueueSize:       n.QueueSize,
			RatePerSec:      n.RatePerSec,
			RetryMax:        n.RetryMax,
			RetryBase:       optDur("notifier.retry_base", n.RetryBase),
			RetryMaxDelay:   optDur("notifier.retry_max_delay", n.RetryMaxDelay),
			DedupWindow:     optDur("notifier.dedup_window", n.DedupWindow),
			DedupMaxEntries: n.DedupMaxEntries,
			PersistDedup:    n.PersistDedup,
		}
	}

	rt.Scheduler = scheduler.Config{Enabled: true, Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
	if cfg.Scheduler.Enabled != nil {
		rt.Scheduler.Enabled = *cfg.Scheduler.Enabled
	}
	if tz := rt.Scheduler.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	o := cfg.Ops
	rt.Ops = ops.Config{
		Enabled:              o.Enabled,
		Addr:                 strings.TrimSpace(o.Addr),
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		ReadTimeout:          dur("ops.read_timeout", o.ReadTimeout, 10*time.Second),
		WriteTimeout:         dur("ops.write_timeout", o.WriteTimeout, 60*time.Second),
		IdleTimeout:          dur("ops.idle_timeout", o.IdleTimeout, 60*time.Second),
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := validate.Struct(rt); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	switch rt.Storage.Driver {
	case "sqlite", "sqlite3", "memory", "mem":
	case "postgres", "postgresql", "pgx":
		if rt.Storage.DSN == "" {
			return nil, errors.New("invalid config: storage.dsn is required for postgres")
		}
	default:
		return nil, fmt.Errorf("invalid config: %w: %q", storage.ErrUnknownDriver, rt.Storage.Driver)
	}
	return rt, nil
}
