package bot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stayintouch/internal/broadcast"
	"stayintouch/internal/notifier"
	"stayintouch/internal/storage"
	"stayintouch/internal/texts"
	kit "stayintouch/internal/transport"
	"stayintouch/internal/transport/telegram/router"
	"stayintouch/pkg/logx"
)

type reply struct {
	Text     string
	Keyboard kit.Keyboard
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent map[int64][]reply
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := reply{Text: text}
	if opt != nil {
		r.Keyboard = opt.Keyboard
	}
	f.sent[to.ChatID] = append(f.sent[to.ChatID], r)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent[to.ChatID])}, nil
}
func (f *fakeAdapter) DeleteMessage(context.Context, kit.MessageRef) error { return nil }
func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error { return nil }
func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) replies(chatID int64) []reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reply(nil), f.sent[chatID]...)
}

type engineCall struct {
	Op, A, B string
	Minutes  int
}

type fakeEngine struct {
	mu      sync.Mutex
	calls   []engineCall
	outcome broadcast.Outcome
}

func (f *fakeEngine) record(c engineCall) (broadcast.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.outcome, nil
}

func (f *fakeEngine) BeginBroadcast(_ context.Context, owner string, minutes int) (broadcast.Outcome, error) {
	return f.record(engineCall{Op: "begin", A: owner, Minutes: minutes})
}
func (f *fakeEngine) StopBroadcast(_ context.Context, owner string) (broadcast.Outcome, error) {
	return f.record(engineCall{Op: "stop", A: owner})
}
func (f *fakeEngine) HandleConfirmation(_ context.Context, confirmer, owner string) (broadcast.Outcome, error) {
	return f.record(engineCall{Op: "confirm", A: confirmer, B: owner})
}
func (f *fakeEngine) RevokeInvite(_ context.Context, owner, contact string) (broadcast.Outcome, error) {
	return f.record(engineCall{Op: "revoke", A: owner, B: contact})
}
func (f *fakeEngine) TrackCall(_ context.Context, owner, contact string) (broadcast.Outcome, error) {
	return f.record(engineCall{Op: "track", A: owner, B: contact})
}

func (f *fakeEngine) set(o broadcast.Outcome) {
	f.mu.Lock()
	f.outcome = o
	f.mu.Unlock()
}

func (f *fakeEngine) last() engineCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return engineCall{}
	}
	return f.calls[len(f.calls)-1]
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []notifier.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n notifier.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	return nil
}

type env struct {
	t       *testing.T
	ad      *fakeAdapter
	engine  *fakeEngine
	notes   *fakeNotifier
	store   *storage.Memory
	updates chan kit.Update

	mu  sync.Mutex
	now time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:       t,
		ad:      &fakeAdapter{sent: map[int64][]reply{}},
		engine:  &fakeEngine{outcome: broadcast.OutcomeStarted},
		notes:   &fakeNotifier{},
		store:   storage.NewMemory(),
		updates: make(chan kit.Update, 16),
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := DefaultConfig()
	cfg.WelcomePacing = 0
	h := New(Deps{
		Store:       e.store,
		Engine:      e.engine,
		Notifier:    e.notes,
		Logger:      logx.Nop(),
		Now:         e.clock,
		BotUsername: func() string { return "stayintouch_bot" },
	}, cfg)

	r := router.New(logx.Nop(), e.ad, router.Options{Workers: 2})
	r.Use(h.Identity())
	r.SetRoutes(h.Routes())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, e.updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func (e *env) say(chatID int64, user, text string) {
	e.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chatID, FromID: chatID, FromUsername: user, Text: text, IsPrivate: true}}
}

func (e *env) tap(chatID int64, user, data string) {
	e.updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: fmt.Sprint("cb", chatID), ChatID: chatID, FromID: chatID, FromUsername: user, Data: data}}
}

// waitReplies blocks until chatID received n replies in total.
func (e *env) waitReplies(chatID int64, n int) []reply {
	e.t.Helper()
	require.Eventually(e.t, func() bool { return len(e.ad.replies(chatID)) >= n }, time.Second, time.Millisecond,
		"chat %d: got %d replies, want %d", chatID, len(e.ad.replies(chatID)), n)
	return e.ad.replies(chatID)
}

func (e *env) waitCalls(n int) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		e.engine.mu.Lock()
		defer e.engine.mu.Unlock()
		return len(e.engine.calls) >= n
	}, time.Second, time.Millisecond)
}

func replyTexts(rs []reply) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Text
	}
	return out
}

func TestSenderWithoutUsernameGetsHint(t *testing.T) {
	e := newEnv(t)
	e.say(1, "", "/free")
	require.Eventually(t, func() bool {
		e.notes.mu.Lock()
		defer e.notes.mu.Unlock()
		return len(e.notes.notes) == 1
	}, time.Second, time.Millisecond)

	e.notes.mu.Lock()
	n := e.notes.notes[0]
	e.notes.mu.Unlock()
	require.Equal(t, texts.NeedUsername(), n.Text)
	require.Equal(t, "need-username:1", n.DedupKey)
	require.Empty(t, e.ad.replies(1))

	st, err := e.store.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, st.Bindings)
}

func TestEveryMessageBindsChat(t *testing.T) {
	e := newEnv(t)
	e.say(42, "@Alice", "hello there")
	e.waitReplies(42, 2)

	chatID, ok, err := e.store.GetChatBinding(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), chatID)
	require.Equal(t, []string{texts.NotUnderstood(), texts.Help()}, replyTexts(e.ad.replies(42)))
}

func TestFreeShowsDurationsAndStartsBroadcast(t *testing.T) {
	e := newEnv(t)
	e.say(1, "alice", "/free")
	rs := e.waitReplies(1, 1)
	require.Equal(t, texts.AskDuration(), rs[0].Text)
	require.Len(t, rs[0].Keyboard, 2)
	require.Equal(t, texts.DurationCallback(10), rs[0].Keyboard[0][0].Data)
	require.Equal(t, texts.DurationCallback(45), rs[0].Keyboard[1][1].Data)

	e.tap(1, "alice", texts.DurationCallback(30))
	e.waitCalls(1)
	require.Equal(t, engineCall{Op: "begin", A: "alice", Minutes: 30}, e.engine.last())

	e.say(1, "alice", "/free 15")
	e.waitCalls(2)
	require.Equal(t, engineCall{Op: "begin", A: "alice", Minutes: 15}, e.engine.last())
	require.Len(t, e.ad.replies(1), 1, "a started broadcast has no direct reply")
}

func TestStopReplies(t *testing.T) {
	e := newEnv(t)
	e.engine.set(broadcast.OutcomeNothingToStop)
	e.say(1, "alice", "/stop")
	rs := e.waitReplies(1, 1)
	require.Equal(t, texts.Stopped(), rs[0].Text)
	require.Equal(t, engineCall{Op: "stop", A: "alice"}, e.engine.last())
}

func TestConfirmOutcomes(t *testing.T) {
	tests := []struct {
		outcome broadcast.Outcome
		want    string
	}{
		{broadcast.OutcomeAlreadyResolved, texts.AlreadyResolved("alice")},
		{broadcast.OutcomeNotInvited, texts.NotInvited("alice")},
		{broadcast.OutcomeUnreachable, texts.Unreachable("alice")},
		{broadcast.OutcomeFailed, texts.Failure()},
	}
	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			e := newEnv(t)
			e.engine.set(tt.outcome)
			e.say(2, "bob", "/confirm_Alice")
			rs := e.waitReplies(2, 1)
			require.Equal(t, tt.want, rs[0].Text)
			require.Equal(t, engineCall{Op: "confirm", A: "bob", B: "alice"}, e.engine.last())
		})
	}

	t.Run("button", func(t *testing.T) {
		e := newEnv(t)
		e.engine.set(broadcast.OutcomeConfirmed)
		e.tap(2, "Bob", texts.ConfirmCallback("alice"))
		e.waitCalls(1)
		require.Equal(t, engineCall{Op: "confirm", A: "bob", B: "alice"}, e.engine.last())
		require.Never(t, func() bool { return len(e.ad.replies(2)) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	})
}

func TestRevokeOutcomes(t *testing.T) {
	e := newEnv(t)
	e.engine.set(broadcast.OutcomeUnknownUser)
	e.say(1, "alice", "/revoke_bob")
	e.waitReplies(1, 1)
	e.engine.set(broadcast.OutcomeRevoked)
	e.say(1, "alice", "/revoke_bob")
	e.waitReplies(1, 2)
	e.engine.set(broadcast.OutcomeAlreadyRevoked)
	e.say(1, "alice", "/revoke_bob")
	rs := e.waitReplies(1, 3)

	require.Equal(t, []string{texts.UnknownUser("bob"), texts.Revoked("bob"), texts.AlreadyRevoked("bob")}, replyTexts(rs))
	require.Equal(t, engineCall{Op: "revoke", A: "alice", B: "bob"}, e.engine.last())
}

func TestNewContactFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.UpsertChatBinding(ctx, "dave", 9, e.clock()))

	e.say(1, "alice", "/newcontact")
	e.waitReplies(1, 1)
	e.say(1, "alice", "@Carol")
	rs := e.waitReplies(1, 4)
	require.Equal(t, []string{
		texts.AskNewContact(),
		texts.ContactSaved(),
		texts.ForwardIntro("carol"),
		texts.ForwardInvite("carol", "stayintouch_bot"),
	}, replyTexts(rs))

	e.say(1, "alice", "/newcontact dave")
	rs = e.waitReplies(1, 5)
	require.Equal(t, texts.ContactSaved(), rs[4].Text, "bound contacts need no forward")

	e.say(1, "alice", "/newcontact carol")
	e.say(1, "alice", "/newcontact two words")
	rs = e.waitReplies(1, 7)
	require.Equal(t, texts.ContactExists("carol"), rs[5].Text)
	require.Equal(t, texts.UsernameHasSpaces(), rs[6].Text)

	contacts, err := e.store.ListContacts(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, contacts, 2)
}

func TestPendingInputExpires(t *testing.T) {
	e := newEnv(t)
	e.say(1, "alice", "/newcontact")
	e.waitReplies(1, 1)
	e.advance(9 * time.Minute)
	e.say(1, "alice", "carol")
	rs := e.waitReplies(1, 3)
	require.Equal(t, texts.NotUnderstood(), rs[1].Text)

	contacts, err := e.store.ListContacts(context.Background(), "alice")
	require.NoError(t, err)
	require.Empty(t, contacts)
}

func TestRemoveContact(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.InsertContact(context.Background(), "alice", "bob", e.clock())
	require.NoError(t, err)

	e.say(1, "alice", "/removecontact")
	e.say(1, "alice", "/removecontact @Bob")
	e.say(1, "alice", "/removecontact bob")
	rs := e.waitReplies(1, 3)
	require.Equal(t, []string{texts.RemoveUsage(), texts.ContactRemoved("bob"), texts.ContactMissing("bob")}, replyTexts(rs))
}

func TestContactsAndTrack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := e.clock()
	for _, u := range []string{"bob", "carol"} {
		_, err := e.store.InsertContact(ctx, "alice", u, now)
		require.NoError(t, err)
	}
	require.True(t, e.store.SetLastCall("alice", "bob", &now, 2))
	require.NoError(t, e.store.UpsertChatBinding(ctx, "bob", 2, now))

	e.say(1, "alice", "/contacts")
	rs := e.waitReplies(1, 1)
	require.Equal(t, texts.ContactList([]texts.ContactLine{
		{User: "carol"},
		{User: "bob", LastCallAt: &now, CallCount: 2, Connected: true},
	}, now), rs[0].Text)

	e.say(1, "alice", "/track")
	rs = e.waitReplies(1, 2)
	require.Equal(t, texts.AskTrack(), rs[1].Text)
	require.Equal(t, texts.TrackCallback("carol"), rs[1].Keyboard[0][0].Data)

	e.engine.set(broadcast.OutcomeTracked)
	e.tap(1, "alice", texts.TrackCallback("carol"))
	rs = e.waitReplies(1, 3)
	require.Equal(t, texts.Tracked("carol"), rs[2].Text)
	require.Equal(t, engineCall{Op: "track", A: "alice", B: "carol"}, e.engine.last())

	e.engine.set(broadcast.OutcomeContactNotFound)
	e.say(1, "alice", "/track zed")
	rs = e.waitReplies(1, 4)
	require.Equal(t, texts.TrackNotFound("zed"), rs[3].Text)
}

func TestStatsAndStart(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.InsertContact(context.Background(), "alice", "bob", e.clock())
	require.NoError(t, err)

	e.say(1, "alice", "/stats")
	rs := e.waitReplies(1, 1)
	require.Equal(t, texts.Stats(texts.StatsView{Owners: 1, Contacts: 1}), rs[0].Text)

	e.say(3, "zoe", "/start")
	rs = e.waitReplies(3, len(texts.Welcome()))
	require.Equal(t, texts.Welcome(), replyTexts(rs))
}
