package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stayintouch/internal/config"
	"stayintouch/internal/storage"
	kit "stayintouch/internal/transport"
	"stayintouch/pkg/logx"
)

type fakeTransport struct {
	mu   sync.Mutex
	out  chan<- kit.Update
	sent []kit.ChatTarget
	text []string
	next int
}

func (f *fakeTransport) Username() string { return "stayintouch_bot" }

func (f *fakeTransport) Start(ctx context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Stop(context.Context) error { return nil }

func (f *fakeTransport) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.sent = append(f.sent, to)
	f.text = append(f.text, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.next}, nil
}

func (f *fakeTransport) DeleteMessage(context.Context, kit.MessageRef) error { return nil }

func (f *fakeTransport) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}

func (f *fakeTransport) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeTransport) push(chatID int64, user, text string) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: chatID, FromID: chatID, FromUsername: user, Text: text, IsPrivate: true,
	}}
}

func (f *fakeTransport) textsTo(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for i, to := range f.sent {
		if to.ChatID == chatID {
			out = append(out, f.text[i])
		}
	}
	return out
}

func testRuntime(t *testing.T, body string) *config.Runtime {
	t.Helper()
	cfg, err := config.Decode("c.json", []byte(body))
	require.NoError(t, err)
	rt, err := config.Resolve(cfg)
	require.NoError(t, err)
	return rt
}

const baseConfig = `{
	"telegram": {"token": "t"},
	"logging": {"level": "error"},
	"storage": {"driver": "memory"},
	"broadcast": {"send_interval": "10ms"},
	"bot": {"welcome_pacing": "1ms"}
}`

func newTestApp(t *testing.T) (*App, *fakeTransport, storage.Store) {
	t.Helper()
	rt := testRuntime(t, baseConfig)
	logs, log := logx.New(rt.Logging, nil)
	store := storage.NewMemory()
	tr := &fakeTransport{}
	return assemble(nil, rt, logs, log, store, tr), tr, store
}

func TestAppRoutesCommandsEndToEnd(t *testing.T) {
	r := require.New(t)
	a, tr, store := newTestApp(t)
	r.NoError(a.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.NoError(a.Stop(ctx, StopSignal))
	}()

	tr.push(1, "Alice", "/newcontact bob")
	r.Eventually(func() bool {
		_, ok, _ := store.GetContact(context.Background(), "alice", "bob")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	chat, ok, err := store.GetChatBinding(context.Background(), "alice")
	r.NoError(err)
	r.True(ok)
	r.EqualValues(1, chat)

	tr.push(1, "alice", "/help")
	r.Eventually(func() bool {
		for _, s := range tr.textsTo(1) {
			if strings.Contains(s, "/free") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	rep, healthy := a.health(context.Background())
	r.True(healthy)
	r.Equal("ok", rep.(healthReport).Status)
	r.Equal(1, rep.(healthReport).Store.Contacts)
}

func TestApplyUpdatePushesLiveSettings(t *testing.T) {
	r := require.New(t)
	a, _, _ := newTestApp(t)
	ctx := context.Background()
	r.NoError(a.Start(ctx))
	defer func() {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = a.Stop(sctx, StopSignal)
	}()

	next := testRuntime(t, `{
		"telegram": {"token": "t"},
		"logging": {"level": "error"},
		"storage": {"driver": "memory"},
		"broadcast": {"send_interval": "2s", "symmetric_stats": false, "durations": [5], "sweep_schedule": "@every 3m"},
		"notifier": {"enabled": false},
		"bot": {"welcome_pacing": "1ms"}
	}`)
	a.applyUpdate(ctx, config.Update{Runtime: next, Diff: config.Changes(a.rt, next)})

	r.Equal(2*time.Second, a.engine.Settings().SendInterval)
	r.False(a.engine.Settings().SymmetricStats)
	r.Same(next, a.rt)
	r.Nil(a.notif.Supervisor())

	var spec string
	for _, s := range a.sched.Snapshot().Schedules {
		if s.Name == sweepJobName {
			spec = s.Spec
		}
	}
	r.Equal("@every 3m", spec)
}

func TestHealthDegradesWhenStoreFails(t *testing.T) {
	a, _, store := newTestApp(t)
	require.NoError(t, store.Close())
	rep, ok := a.health(context.Background())
	require.False(t, ok)
	require.Equal(t, "degraded", rep.(healthReport).Status)
	require.NotEmpty(t, rep.(healthReport).StoreError)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	a, _, _ := newTestApp(t)
	require.NoError(t, a.Stop(context.Background(), StopUnknown))
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed before Start")
	}
}
