package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stayintouch/internal/eventbus"
	"stayintouch/internal/storage"
	kit "stayintouch/internal/transport"
	"stayintouch/pkg/logx"
)

type recordingSender struct {
	mu       sync.Mutex
	texts    []string
	failures int
}

func (r *recordingSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return kit.MessageRef{}, errors.New("flaky")
	}
	r.texts = append(r.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(r.texts)}, nil
}

func (r *recordingSender) DeleteMessage(context.Context, kit.MessageRef) error { return nil }

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestInlineWhenDisabled(t *testing.T) {
	r := require.New(t)
	snd := &recordingSender{}
	s := New(Config{}, snd, logx.Nop(), nil, nil)

	r.NoError(s.Notify(context.Background(), Notification{ChatID: 1, Text: "hi"}))
	r.Equal([]string{"hi"}, snd.sent())
}

func TestQueuedNoticesKeepOrder(t *testing.T) {
	r := require.New(t)
	snd := &recordingSender{}
	s := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000}, snd, logx.Nop(), nil, nil)
	s.Start(context.Background())

	for _, txt := range []string{"one", "two", "three"} {
		r.NoError(s.Notify(context.Background(), Notification{ChatID: 1, Text: txt}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	r.Equal([]string{"one", "two", "three"}, snd.sent())
	r.ErrorIs(s.Notify(context.Background(), Notification{ChatID: 1, Text: "late"}), ErrStopped)
}

func TestRetryThenSuccess(t *testing.T) {
	r := require.New(t)
	snd := &recordingSender{failures: 2}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond, RatePerSec: 1000},
		snd, logx.Nop(), bus, nil)
	r.NoError(s.Notify(context.Background(), Notification{ChatID: 1, Text: "eventually"}))
	r.Equal([]string{"eventually"}, snd.sent())
	r.Equal(eventbus.NotifierSent, (<-events).Type)
}

func TestDedupSuppressesRepeats(t *testing.T) {
	r := require.New(t)
	snd := &recordingSender{}
	store := storage.NewMemory()
	s := New(Config{PersistDedup: true, DedupWindow: time.Minute}, snd, logx.Nop(), nil, store)

	n := Notification{ChatID: 1, Text: "set a username", DedupKey: "need-username:1"}
	r.NoError(s.Notify(context.Background(), n))
	r.NoError(s.Notify(context.Background(), n))
	r.NoError(s.Notify(context.Background(), Notification{ChatID: 1, Text: "no key"}))
	r.NoError(s.Notify(context.Background(), Notification{ChatID: 1, Text: "no key"}))
	r.Equal([]string{"set a username", "no key", "no key"}, snd.sent())

	// A fresh service sharing the store still suppresses the key.
	_ = store.PutDedup(context.Background(), "need-username:2", time.Now().Add(time.Minute))
	s2 := New(Config{PersistDedup: true, DedupWindow: time.Minute}, snd, logx.Nop(), nil, store)
	r.NoError(s2.Notify(context.Background(), Notification{ChatID: 2, Text: "again", DedupKey: "need-username:2"}))
	r.Len(snd.sent(), 3)
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 8; attempt++ {
		d := retryDelay(cfg, attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
}

type chatSender struct {
	mu     sync.Mutex
	byChat map[int64][]string
}

func (c *chatSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	// Uneven latency lets an unsharded pool reorder a chat's notices.
	if len(text)%2 == 0 {
		time.Sleep(time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byChat[to.ChatID] = append(c.byChat[to.ChatID], text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(c.byChat[to.ChatID])}, nil
}

func (c *chatSender) DeleteMessage(context.Context, kit.MessageRef) error { return nil }

func TestPerChatOrderWithManyWorkers(t *testing.T) {
	r := require.New(t)
	snd := &chatSender{byChat: map[int64][]string{}}
	s := New(Config{Enabled: true, Workers: 4, QueueSize: 256, RatePerSec: 10000}, snd, logx.Nop(), nil, nil)
	s.Start(context.Background())

	var want []string
	for i := 0; i < 30; i++ {
		txt := strings.Repeat("x", i+1)
		want = append(want, txt)
		for chat := int64(1); chat <= 3; chat++ {
			r.NoError(s.Notify(context.Background(), Notification{ChatID: chat, Text: txt}))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	for chat := int64(1); chat <= 3; chat++ {
		r.Equal(want, snd.byChat[chat], "chat %d", chat)
	}
}

func TestShardOfIsStable(t *testing.T) {
	require.Equal(t, shardOf(-7, 4), shardOf(7, 4))
	require.Equal(t, 0, shardOf(12, 4))
	require.Equal(t, 3, shardOf(11, 4))
}
