package config

import (
	"reflect"
	"slices"
)

// Diff lists which runtime sections changed between two resolved configs.
type Diff struct {
	Logging   bool
	Broadcast bool
	Bot       bool
	Notifier  bool
	Scheduler bool
	Ops       bool

	// RestartRequired names settings that only take effect after a restart.
	RestartRequired []string
}

func (d Diff) Empty() bool {
	return !d.Logging && !d.Broadcast && !d.Bot && !d.Notifier && !d.Scheduler && !d.Ops &&
		len(d.RestartRequired) == 0
}

// Changes compares prev and next. A nil prev marks everything changed.
func Changes(prev, next *Runtime) Diff {
	if next == nil {
		return Diff{}
	}
	if prev == nil {
		return Diff{Logging: true, Broadcast: true, Bot: true, Notifier: true, Scheduler: true, Ops: true}
	}
	d := Diff{
		Logging:   prev.Logging != next.Logging,
		Broadcast: prev.Broadcast != next.Broadcast || prev.SweepSchedule != next.SweepSchedule,
		Bot:       !reflect.DeepEqual(prev.Bot, next.Bot) || !slices.Equal(prev.Durations, next.Durations),
		Notifier:  prev.Notifier != next.Notifier,
		Scheduler: prev.Scheduler != next.Scheduler,
		Ops:       prev.Ops != next.Ops,
	}
	if prev.Telegram.Token != next.Telegram.Token {
		d.RestartRequired = append(d.RestartRequired, "telegram.token")
	}
	if prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
		d.RestartRequired = append(d.RestartRequired, "telegram.poll_timeout")
	}
	if prev.Telegram.Router != next.Telegram.Router {
		d.RestartRequired = append(d.RestartRequired, "telegram.router")
	}
	if prev.Storage != next.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	return d
}
