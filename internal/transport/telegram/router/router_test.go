package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kit "stayintouch/internal/transport"
	"stayintouch/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []string
	answered []string
	menu     []kit.BotCommand
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}
func (f *fakeAdapter) DeleteMessage(context.Context, kit.MessageRef) error { return nil }
func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error { return nil }
func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(_ context.Context, id string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, id)
	return nil
}
func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

type call struct {
	cmd, payload, user, text string
	args                     []string
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) handler(ctx context.Context, req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{cmd: req.Command, payload: req.Payload, user: req.User, text: req.Text, args: req.Args})
	return nil
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func msg(chatID int64, from, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chatID, FromID: chatID, FromUsername: from, Text: text, IsPrivate: true}}
}

func startRouter(t *testing.T, rt Routes, mw ...Middleware) (*Router, *fakeAdapter, chan kit.Update) {
	t.Helper()
	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, Options{Workers: 2, QueueSize: 16})
	r.Use(mw...)
	r.SetRoutes(rt)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, ad, updates
}

func TestRoutesCommandsPrefixesAndFallback(t *testing.T) {
	rec := &recorder{}
	_, _, updates := startRouter(t, Routes{
		Commands: []Command{{Name: "newcontact", Aliases: []string{"add"}, Handle: rec.handler}},
		Prefixes: []PrefixRoute{{Prefix: "confirm_", Handle: rec.handler}},
		Fallback: rec.handler,
	})

	updates <- msg(1, "@Alice", "/newcontact Bob")
	updates <- msg(1, "alice", "/add@stayintouch_bot carol")
	updates <- msg(1, "alice", "/confirm_Dave")
	updates <- msg(1, "alice", "just text")
	updates <- msg(1, "alice", "/unknown")

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 5 }, time.Second, time.Millisecond)
	calls := rec.snapshot()
	require.Equal(t, call{cmd: "newcontact", user: "alice", text: "/newcontact Bob", args: []string{"Bob"}}, calls[0])
	require.Equal(t, []string{"carol"}, calls[1].args)
	require.Equal(t, "confirm_", calls[2].cmd)
	require.Equal(t, "dave", calls[2].payload)
	require.Equal(t, "just text", calls[3].text)
	require.Empty(t, calls[3].cmd)
	require.Empty(t, calls[4].cmd)
}

func TestCallbacksAreAnswered(t *testing.T) {
	rec := &recorder{}
	_, ad, updates := startRouter(t, Routes{
		Callbacks: []CallbackRoute{{Scope: "call", Action: "confirm", Handle: rec.handler}},
	})

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "q1", ChatID: 2, FromUsername: "Bob", Data: "call:confirm:alice"}}
	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "q2", ChatID: 2, Data: "nope:nope"}}

	require.Eventually(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.answered) == 2
	}, time.Second, time.Millisecond)
	calls := rec.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "alice", calls[0].payload)
	require.Equal(t, "bob", calls[0].user)
}

func TestPanicIsRecoveredAndOrderKept(t *testing.T) {
	rec := &recorder{}
	boom := func(context.Context, *Request) error { panic("boom") }
	var seen []string
	var mu sync.Mutex
	mw := func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			mu.Lock()
			seen = append(seen, req.Text)
			mu.Unlock()
			return next(ctx, req)
		}
	}
	_, _, updates := startRouter(t, Routes{
		Commands: []Command{{Name: "boom", Handle: boom}},
		Fallback: rec.handler,
	}, mw)

	updates <- msg(7, "x", "/boom")
	for _, txt := range []string{"1", "2", "3"} {
		updates <- msg(7, "x", txt)
	}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, time.Millisecond)
	got := rec.snapshot()
	require.Equal(t, []string{"1", "2", "3"}, []string{got[0].text, got[1].text, got[2].text})
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"/boom", "1", "2", "3"}, seen)
}

func TestMiddlewareCanShortCircuit(t *testing.T) {
	rec := &recorder{}
	gate := func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if req.User == "" {
				return errors.New("no username")
			}
			return next(ctx, req)
		}
	}
	_, _, updates := startRouter(t, Routes{Fallback: rec.handler}, gate)
	updates <- msg(3, "", "hello")
	updates <- msg(3, "someone", "hello")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "someone", rec.snapshot()[0].user)
}

func TestMenuSkipsHiddenCommands(t *testing.T) {
	noop := func(context.Context, *Request) error { return nil }
	_, ad, _ := startRouter(t, Routes{Commands: []Command{
		{Name: "free", Description: "Mark yourself as free", Handle: noop},
		{Name: "start", Hidden: true, Handle: noop},
		{Name: "stop", Handle: noop},
	}})
	require.Eventually(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.menu) == 2
	}, time.Second, time.Millisecond)
	ad.mu.Lock()
	defer ad.mu.Unlock()
	require.Equal(t, kit.BotCommand{Command: "free", Description: "Mark yourself as free"}, ad.menu[0])
	require.Equal(t, kit.BotCommand{Command: "stop", Description: "stop"}, ad.menu[1])
}

func TestSanitizeTelegramCommand(t *testing.T) {
	require.Equal(t, "remove_contact", sanitizeTelegramCommand("Remove-Contact"))
	require.Equal(t, "cmd_1x", sanitizeTelegramCommand("1x"))
	require.Equal(t, "", sanitizeTelegramCommand("!!"))
}
