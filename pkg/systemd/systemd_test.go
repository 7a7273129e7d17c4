package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestLifecycleStates(t *testing.T) {
	rec := &recorder{}
	n := &Notifier{notify: rec.notify}
	_, _ = n.Ready()
	_, _ = n.Status("3 sessions")
	_, _ = n.Stopping()
	require.Equal(t, []string{daemon.SdNotifyReady, "STATUS=3 sessions", daemon.SdNotifyStopping}, rec.states)
}

func TestWatchdogPingsWhileHealthy(t *testing.T) {
	rec := &recorder{}
	n := &Notifier{
		notify:   rec.notify,
		watchdog: func() (time.Duration, error) { return 20 * time.Millisecond, nil },
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- n.Watchdog(ctx, func() bool { return true })
	}()

	require.Eventually(t, func() bool { return rec.count(daemon.SdNotifyWatchdog) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWatchdogDisabledReturns(t *testing.T) {
	n := &Notifier{watchdog: func() (time.Duration, error) { return 0, nil }}
	require.NoError(t, n.Watchdog(context.Background(), nil))
}

func TestOutsideSystemdIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := New().Ready()
	require.NoError(t, err)
	require.False(t, sent)
}
