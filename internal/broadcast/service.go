package broadcast

import (
	"context"
	"sync"
	"time"

	"stayintouch/internal/eventbus"
	"stayintouch/internal/notifier"
	rtsup "stayintouch/internal/runtime/supervisor"
	"stayintouch/internal/storage"
	"stayintouch/internal/texts"
	kit "stayintouch/internal/transport"
	"stayintouch/pkg/logx"
)

// Notifier delivers owner-facing notices.
type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

type Deps struct {
	Store     storage.Store
	Transport kit.Sender
	Notifier  Notifier
	Bus       eventbus.Bus
	Logger    logx.Logger
	Now       func() time.Time
	// BotUsername is embedded in forward-yourself invites.
	BotUsername string
}

type Settings struct {
	SendInterval     time.Duration `validate:"gte=0"`
	ConfirmTimeout   time.Duration `validate:"gt=0"`
	RecentCallWindow time.Duration `validate:"gte=0"`
	SymmetricStats   bool
	DefaultMinutes   int `validate:"gt=0,lte=1440"`
}

func DefaultSettings() Settings {
	return Settings{
		SendInterval:     10 * time.Second,
		ConfirmTimeout:   5 * time.Minute,
		RecentCallWindow: 36 * time.Hour,
		SymmetricStats:   true,
		DefaultMinutes:   20,
	}
}

// SessionInfo is a read-only view of a live session.
type SessionInfo struct {
	ID        string
	Owner     string
	State     State
	StartedAt time.Time
}

// SessionEvent is the payload of session lifecycle events.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Contact   string `json:"contact,omitempty"`
	State     string `json:"state,omitempty"`
	Sent      int    `json:"sent,omitempty"`
}

type Service struct {
	store  storage.Store
	tr     kit.Sender
	notify Notifier
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
	botUsr string

	locks    *ownerLocks
	ledger   *Ledger
	resolver *Resolver

	mu       sync.RWMutex
	settings Settings
	running  bool
	sup      *rtsup.Supervisor
	reg      *Registry
}

func New(deps Deps, set Settings) *Service {
	if deps.Logger.IsZero() {
		deps.Logger = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Logger.With(logx.Component("broadcast"))
	s := &Service{
		store:    deps.Store,
		tr:       deps.Transport,
		notify:   deps.Notifier,
		bus:      deps.Bus,
		log:      log,
		now:      deps.Now,
		botUsr:   deps.BotUsername,
		locks:    newOwnerLocks(),
		settings: set,
	}
	s.ledger = NewLedger(deps.Store, deps.Transport, deps.Bus, log)
	s.resolver = &Resolver{svc: s}
	s.resolver.symmetric.Store(set.SymmetricStats)
	return s
}

// Start opens the session scope. Sessions are children of ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.reg = NewRegistry(s.sup.Context(), s.now)
	s.running = true
	return nil
}

// Stop cancels every live session and waits for their goroutines. Open
// invites stay in the store; the orphan sweep revokes them after restart.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup, reg := s.sup, s.reg
	s.mu.Unlock()

	reg.cancelAll(errShutdown)
	return sup.Stop(ctx)
}

// Apply takes effect for sessions started afterwards; the symmetric stats
// switch applies immediately.
func (s *Service) Apply(set Settings) {
	s.mu.Lock()
	s.settings = set
	s.mu.Unlock()
	s.resolver.symmetric.Store(set.SymmetricStats)
}

func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Supervisor exposes session goroutine counters; nil before Start.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sup
}

func (s *Service) registry() (*Registry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	return s.reg, nil
}

// BeginBroadcast supersedes owner's current session, revokes its invites
// and starts a new session. minutes <= 0 uses the configured default.
func (s *Service) BeginBroadcast(ctx context.Context, owner string, minutes int) (Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return OutcomeFailed, ErrNotRunning
	}
	set := s.settings
	if minutes <= 0 {
		minutes = set.DefaultMinutes
	}

	unlock := s.locks.lock(owner)
	h, prev := s.reg.Start(owner)
	if prev != nil {
		s.log.Info("broadcast superseded", logx.Owner(owner), logx.String("session", prev.ID))
	}
	if _, err := s.ledger.RevokeAll(ctx, owner); err != nil {
		h.reg.release(h)
		h.cancel(err)
		unlock()
		close(h.done)
		s.log.Error("revoke before broadcast failed", logx.Owner(owner), logx.Err(err))
		return OutcomeFailed, err
	}
	unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastStarted, Owner: owner, Data: SessionEvent{SessionID: h.ID}})
	s.log.Info("broadcast started", logx.Owner(owner), logx.String("session", h.ID), logx.Int("minutes", minutes))
	s.sup.Go0("session."+owner, func(context.Context) { s.runSession(h, minutes, set) })
	return OutcomeStarted, nil
}

// StopBroadcast cancels owner's session and revokes all open invites.
func (s *Service) StopBroadcast(ctx context.Context, owner string) (Outcome, error) {
	reg, err := s.registry()
	if err != nil {
		return OutcomeFailed, err
	}
	unlock := s.locks.lock(owner)
	defer unlock()

	had := reg.Stop(owner, ErrStopped)
	n, err := s.ledger.RevokeAll(ctx, owner)
	if err != nil {
		s.log.Error("stop broadcast: revoke failed", logx.Owner(owner), logx.Err(err))
		return OutcomeFailed, err
	}
	if !had && n == 0 {
		return OutcomeNothingToStop, nil
	}
	s.log.Info("broadcast stopped", logx.Owner(owner), logx.Bool("had_session", had), logx.Int("revoked", n))
	return OutcomeStopped, nil
}

// HandleConfirmation resolves confirmer's answer to owner's broadcast.
func (s *Service) HandleConfirmation(ctx context.Context, confirmer, owner string) (Outcome, error) {
	if _, err := s.registry(); err != nil {
		return OutcomeFailed, err
	}
	return s.resolver.Resolve(ctx, confirmer, owner)
}

// RevokeInvite withdraws owner's open invite to contact.
func (s *Service) RevokeInvite(ctx context.Context, owner, contact string) (Outcome, error) {
	if _, err := s.registry(); err != nil {
		return OutcomeFailed, err
	}
	_, bound, err := s.store.GetChatBinding(ctx, contact)
	if err != nil {
		return OutcomeFailed, persistErr("get binding", err)
	}
	if !bound {
		return OutcomeUnknownUser, nil
	}

	unlock := s.locks.lock(owner)
	defer unlock()
	n, err := s.ledger.RevokeRelationship(ctx, owner, contact)
	if err != nil {
		return OutcomeFailed, err
	}
	if n == 0 {
		return OutcomeAlreadyRevoked, nil
	}
	return OutcomeRevoked, nil
}

// TrackCall records a call that happened outside a broadcast.
func (s *Service) TrackCall(ctx context.Context, owner, contact string) (Outcome, error) {
	unlock := s.locks.lock(owner)
	defer unlock()
	found, err := s.store.UpdateContactCallStats(ctx, owner, contact, s.now())
	if err != nil {
		return OutcomeFailed, persistErr("track call", err)
	}
	if !found {
		return OutcomeContactNotFound, nil
	}
	return OutcomeTracked, nil
}

// SweepOrphans revokes invites older than the confirm timeout whose owner
// has no live session, e.g. after a restart mid-broadcast.
func (s *Service) SweepOrphans(ctx context.Context) (int, error) {
	reg, err := s.registry()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.Settings().ConfirmTimeout)
	owners, err := s.store.ListInviteOwners(ctx, cutoff)
	if err != nil {
		return 0, persistErr("list invite owners", err)
	}

	total := 0
	for _, owner := range owners {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		unlock := s.locks.lock(owner)
		if _, live := reg.Lookup(owner); !live {
			n, err := s.ledger.RevokeAll(ctx, owner)
			if err != nil {
				s.log.Warn("orphan sweep failed", logx.Owner(owner), logx.Err(err))
			}
			total += n
		}
		unlock()
	}
	if total > 0 {
		s.log.Info("orphan invites revoked", logx.Int("count", total), logx.Int("owners", len(owners)))
	}
	return total, nil
}

func (s *Service) Sessions() []SessionInfo {
	reg, err := s.registry()
	if err != nil {
		return nil
	}
	hs := reg.Handles()
	out := make([]SessionInfo, 0, len(hs))
	for _, h := range hs {
		out = append(out, SessionInfo{ID: h.ID, Owner: h.Owner, State: h.State(), StartedAt: h.StartedAt})
	}
	return out
}

func (s *Service) lookup(owner string) (*Handle, bool) {
	reg, err := s.registry()
	if err != nil {
		return nil, false
	}
	return reg.Lookup(owner)
}

// tell sends text to user's bound chat through the notifier. A user without
// a binding cannot be reached and is skipped.
func (s *Service) tell(ctx context.Context, user, text string) {
	s.tellKeyed(ctx, user, text, "")
}

func (s *Service) tellKeyed(ctx context.Context, user, text, dedupKey string) {
	if s.notify == nil {
		return
	}
	chatID, ok, err := s.store.GetChatBinding(ctx, user)
	if err != nil {
		s.log.Warn("notice lookup failed", logx.User(user), logx.Err(err))
		return
	}
	if !ok {
		s.log.Debug("notice skipped: no binding", logx.User(user))
		return
	}
	if err := s.notify.Notify(ctx, notifier.Notification{ChatID: chatID, Text: text, DedupKey: dedupKey}); err != nil {
		s.log.Warn("notice not queued", logx.User(user), logx.Err(err))
	}
}

func (s *Service) forwardInstructions(ctx context.Context, owner, contact string) {
	s.tell(ctx, owner, texts.ForwardIntro(contact))
	s.tell(ctx, owner, texts.ForwardInvite(contact, s.botUsr))
}
