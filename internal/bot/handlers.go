// Package bot holds the chat command handlers. It parses commands, calls
// the broadcast engine and storage, and renders replies through texts.
package bot

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"stayintouch/internal/broadcast"
	"stayintouch/internal/notifier"
	"stayintouch/internal/storage"
	"stayintouch/internal/texts"
	kit "stayintouch/internal/transport"
	"stayintouch/internal/transport/telegram/router"
	"stayintouch/pkg/logx"
)

// Engine is the broadcast surface the handlers drive.
type Engine interface {
	BeginBroadcast(ctx context.Context, owner string, minutes int) (broadcast.Outcome, error)
	StopBroadcast(ctx context.Context, owner string) (broadcast.Outcome, error)
	HandleConfirmation(ctx context.Context, confirmer, owner string) (broadcast.Outcome, error)
	RevokeInvite(ctx context.Context, owner, contact string) (broadcast.Outcome, error)
	TrackCall(ctx context.Context, owner, contact string) (broadcast.Outcome, error)
}

type Config struct {
	Durations       []int
	PendingInputTTL time.Duration
	WelcomePacing   time.Duration
	// NeedUsernameEvery limits the "set a username" hint per chat.
	NeedUsernameEvery time.Duration
}

func DefaultConfig() Config {
	return Config{
		Durations:         []int{10, 20, 30, 45},
		PendingInputTTL:   8*time.Minute + 20*time.Second,
		WelcomePacing:     1500 * time.Millisecond,
		NeedUsernameEvery: time.Hour,
	}
}

type Deps struct {
	Store    storage.Store
	Engine   Engine
	Notifier broadcast.Notifier
	Logger   logx.Logger
	Now      func() time.Time
	// BotUsername returns the bot's username for forward-yourself invites.
	BotUsername func() string
}

type Handlers struct {
	store   storage.Store
	engine  Engine
	notify  broadcast.Notifier
	log     logx.Logger
	now     func() time.Time
	botUser func() string
	pending *pendingInputs

	mu  sync.RWMutex
	cfg Config
}

func New(deps Deps, cfg Config) *Handlers {
	if deps.Logger.IsZero() {
		deps.Logger = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.BotUsername == nil {
		deps.BotUsername = func() string { return "" }
	}
	return &Handlers{
		store:   deps.Store,
		engine:  deps.Engine,
		notify:  deps.Notifier,
		log:     deps.Logger.With(logx.Component("bot")),
		now:     deps.Now,
		botUser: deps.BotUsername,
		pending: newPendingInputs(),
		cfg:     cfg,
	}
}

func (h *Handlers) Apply(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func (h *Handlers) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Routes is the full command table.
func (h *Handlers) Routes() router.Routes {
	return router.Routes{
		Commands: []router.Command{
			{Name: "free", Description: "Mark yourself as free for a call", Handle: h.free},
			{Name: "stop", Description: "Mark yourself as unavailable", Handle: h.stop},
			{Name: "contacts", Description: "List your contacts", Handle: h.contacts},
			{Name: "newcontact", Description: "Add a contact", Handle: h.newContact},
			{Name: "removecontact", Description: "Remove a contact", Handle: h.removeContact},
			{Name: "track", Description: "Record a call manually", Handle: h.track},
			{Name: "stats", Description: "Show bot usage numbers", Handle: h.stats},
			{Name: "help", Description: "Show help", Handle: h.help},
			{Name: "start", Hidden: true, Timeout: time.Minute, Handle: h.start},
		},
		Prefixes: []router.PrefixRoute{
			{Prefix: "confirm_", Handle: func(ctx context.Context, req *router.Request) error {
				return h.confirm(ctx, req, req.Payload)
			}},
			{Prefix: "revoke_", Handle: h.revoke},
		},
		Callbacks: []router.CallbackRoute{
			{Scope: "call", Action: "confirm", Handle: func(ctx context.Context, req *router.Request) error {
				return h.confirm(ctx, req, storage.NormalizeUser(req.Payload))
			}},
			{Scope: "free", Action: "duration", Handle: h.freeDuration},
			{Scope: "track", Action: "call", Handle: h.trackCallback},
		},
		Fallback: h.fallback,
	}
}

// Identity answers senders without a username with a hint and stops there.
// Everyone else gets their chat binding refreshed before any handler runs.
func (h *Handlers) Identity() router.Middleware {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx context.Context, req *router.Request) error {
			if req.User == "" {
				if h.notify != nil {
					_ = h.notify.Notify(ctx, notifier.Notification{
						ChatID:   req.Chat.ChatID,
						Text:     texts.NeedUsername(),
						DedupKey: "need-username:" + strconv.FormatInt(req.Chat.ChatID, 10),
						DedupFor: h.config().NeedUsernameEvery,
					})
				}
				return nil
			}
			if err := h.store.UpsertChatBinding(ctx, req.User, req.Chat.ChatID, h.now()); err != nil {
				req.Logger.Warn("chat binding not saved", logx.Err(err))
			}
			return next(ctx, req)
		}
	}
}

func (h *Handlers) start(ctx context.Context, req *router.Request) error {
	pacing := h.config().WelcomePacing
	for i, line := range texts.Welcome() {
		if i > 0 && !sleep(ctx, pacing) {
			return ctx.Err()
		}
		if err := req.Reply(ctx, line, nil); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) help(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, texts.Help(), nil)
}

func (h *Handlers) free(ctx context.Context, req *router.Request) error {
	if len(req.Args) > 0 {
		if minutes, err := strconv.Atoi(req.Args[0]); err == nil && minutes > 0 {
			return h.begin(ctx, req, minutes)
		}
	}
	durations := h.config().Durations
	buttons := lo.Map(durations, func(m int, _ int) kit.Button {
		return kit.Button{Text: texts.DurationButton(m), Data: texts.DurationCallback(m)}
	})
	return req.Reply(ctx, texts.AskDuration(), &kit.SendOptions{Keyboard: lo.Chunk(buttons, 2)})
}

func (h *Handlers) freeDuration(ctx context.Context, req *router.Request) error {
	minutes, err := strconv.Atoi(req.Payload)
	if err != nil || minutes <= 0 {
		return req.Reply(ctx, texts.NotUnderstood(), nil)
	}
	return h.begin(ctx, req, minutes)
}

func (h *Handlers) begin(ctx context.Context, req *router.Request, minutes int) error {
	out, err := h.engine.BeginBroadcast(ctx, req.User, minutes)
	if out != broadcast.OutcomeStarted {
		_ = req.Reply(ctx, texts.BroadcastFailed(), nil)
	}
	return err
}

func (h *Handlers) stop(ctx context.Context, req *router.Request) error {
	if _, err := h.engine.StopBroadcast(ctx, req.User); err != nil {
		_ = req.Reply(ctx, texts.Failure(), nil)
		return err
	}
	return req.Reply(ctx, texts.Stopped(), nil)
}

func (h *Handlers) confirm(ctx context.Context, req *router.Request, owner string) error {
	out, err := h.engine.HandleConfirmation(ctx, req.User, owner)
	var reply string
	switch out {
	case broadcast.OutcomeConfirmed:
		return err
	case broadcast.OutcomeAlreadyResolved:
		reply = texts.AlreadyResolved(owner)
	case broadcast.OutcomeNotInvited:
		reply = texts.NotInvited(owner)
	case broadcast.OutcomeUnreachable:
		reply = texts.Unreachable(owner)
	default:
		reply = texts.Failure()
	}
	if rerr := req.Reply(ctx, reply, nil); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (h *Handlers) revoke(ctx context.Context, req *router.Request) error {
	user := req.Payload
	out, err := h.engine.RevokeInvite(ctx, req.User, user)
	var reply string
	switch out {
	case broadcast.OutcomeRevoked:
		reply = texts.Revoked(user)
	case broadcast.OutcomeAlreadyRevoked:
		reply = texts.AlreadyRevoked(user)
	case broadcast.OutcomeUnknownUser:
		reply = texts.UnknownUser(user)
	default:
		reply = texts.Failure()
	}
	if rerr := req.Reply(ctx, reply, nil); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (h *Handlers) track(ctx context.Context, req *router.Request) error {
	if len(req.Args) > 0 {
		return h.trackUser(ctx, req, storage.NormalizeUser(req.Args[0]))
	}
	contacts, err := h.store.ListContacts(ctx, req.User)
	if err != nil {
		_ = req.Reply(ctx, texts.Failure(), nil)
		return err
	}
	if len(contacts) == 0 {
		return req.Reply(ctx, texts.NoContacts(), nil)
	}
	kb := lo.Map(broadcast.RankContacts(contacts), func(c storage.Contact, _ int) []kit.Button {
		return []kit.Button{{Text: "@" + c.ContactUser, Data: texts.TrackCallback(c.ContactUser)}}
	})
	return req.Reply(ctx, texts.AskTrack(), &kit.SendOptions{Keyboard: kb})
}

func (h *Handlers) trackCallback(ctx context.Context, req *router.Request) error {
	return h.trackUser(ctx, req, storage.NormalizeUser(req.Payload))
}

func (h *Handlers) trackUser(ctx context.Context, req *router.Request, user string) error {
	out, err := h.engine.TrackCall(ctx, req.User, user)
	switch out {
	case broadcast.OutcomeTracked:
		return req.Reply(ctx, texts.Tracked(user), nil)
	case broadcast.OutcomeContactNotFound:
		return req.Reply(ctx, texts.TrackNotFound(user), nil)
	}
	_ = req.Reply(ctx, texts.Failure(), nil)
	return err
}

func (h *Handlers) contacts(ctx context.Context, req *router.Request) error {
	contacts, err := h.store.ListContacts(ctx, req.User)
	if err != nil {
		_ = req.Reply(ctx, texts.Failure(), nil)
		return err
	}
	if len(contacts) == 0 {
		return req.Reply(ctx, texts.NoContacts(), nil)
	}
	lines := make([]texts.ContactLine, 0, len(contacts))
	for _, c := range broadcast.RankContacts(contacts) {
		_, bound, err := h.store.GetChatBinding(ctx, c.ContactUser)
		if err != nil {
			return err
		}
		lines = append(lines, texts.ContactLine{User: c.ContactUser, LastCallAt: c.LastCallAt, CallCount: c.CallCount, Connected: bound})
	}
	return req.Reply(ctx, texts.ContactList(lines, h.now()), nil)
}

func (h *Handlers) stats(ctx context.Context, req *router.Request) error {
	st, err := h.store.Stats(ctx)
	if err != nil {
		_ = req.Reply(ctx, texts.Failure(), nil)
		return err
	}
	return req.Reply(ctx, texts.Stats(texts.StatsView{
		Owners:      st.Owners,
		Contacts:    st.Contacts,
		Calls:       st.Calls,
		OpenInvites: st.OpenInvites,
	}), nil)
}

func (h *Handlers) newContact(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		h.pending.set(req.Chat.ChatID, h.now().Add(h.config().PendingInputTTL))
		return req.Reply(ctx, texts.AskNewContact(), nil)
	}
	h.pending.clear(req.Chat.ChatID)
	return h.addContact(ctx, req, strings.Join(req.Args, " "))
}

func (h *Handlers) addContact(ctx context.Context, req *router.Request, raw string) error {
	raw = strings.TrimSpace(raw)
	if strings.ContainsAny(raw, " \t\n") {
		return req.Reply(ctx, texts.UsernameHasSpaces(), nil)
	}
	user := storage.NormalizeUser(raw)
	if user == "" {
		return req.Reply(ctx, texts.AskNewContact(), nil)
	}

	created, err := h.store.InsertContact(ctx, req.User, user, h.now())
	if err != nil {
		_ = req.Reply(ctx, texts.Failure(), nil)
		return err
	}
	if !created {
		return req.Reply(ctx, texts.ContactExists(user), nil)
	}
	if err := req.Reply(ctx, texts.ContactSaved(), nil); err != nil {
		return err
	}

	_, bound, err := h.store.GetChatBinding(ctx, user)
	if err != nil || bound {
		return err
	}
	if err := req.Reply(ctx, texts.ForwardIntro(user), nil); err != nil {
		return err
	}
	return req.Reply(ctx, texts.ForwardInvite(user, h.botUser()), nil)
}

func (h *Handlers) removeContact(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, texts.RemoveUsage(), nil)
	}
	user := storage.NormalizeUser(req.Args[0])
	removed, err := h.store.DeleteContact(ctx, req.User, user)
	if err != nil {
		_ = req.Reply(ctx, texts.Failure(), nil)
		return err
	}
	if !removed {
		return req.Reply(ctx, texts.ContactMissing(user), nil)
	}
	return req.Reply(ctx, texts.ContactRemoved(user), nil)
}

func (h *Handlers) fallback(ctx context.Context, req *router.Request) error {
	if req.Command == "" && !strings.HasPrefix(req.Text, "/") && h.pending.take(req.Chat.ChatID, h.now()) {
		return h.addContact(ctx, req, req.Text)
	}
	if err := req.Reply(ctx, texts.NotUnderstood(), nil); err != nil {
		return err
	}
	return req.Reply(ctx, texts.Help(), nil)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
