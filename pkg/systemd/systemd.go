// Package systemd speaks the sd_notify protocol when the process runs as a
// Type=notify unit. Outside systemd every call is a silent no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state updates to the service manager.
type Notifier struct {
	notify func(state string) (bool, error)
	// watchdog reports the configured WatchdogSec, 0 when disabled.
	watchdog func() (time.Duration, error)
}

func New() *Notifier {
	return &Notifier{
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

// Ready reports startup completion. sent is false outside systemd.
func (n *Notifier) Ready() (sent bool, err error) { return n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() (bool, error) { return n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) (bool, error) { return n.notify("STATUS=" + s) }

// Watchdog pings the watchdog at half the configured interval until ctx is
// done. healthy gates each ping so a wedged process gets restarted. It
// returns immediately when the unit has no watchdog.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := n.watchdog()
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
