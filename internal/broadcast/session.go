package broadcast

import (
	"context"
	"errors"
	"time"

	"stayintouch/internal/eventbus"
	"stayintouch/internal/storage"
	"stayintouch/internal/texts"
	kit "stayintouch/internal/transport"
	"stayintouch/pkg/logx"
)

type step int

const (
	stepSent step = iota
	stepForwarded
	stepSkipped
	// stepWithdrawn: the invite went out but could not be recorded and was
	// deleted again.
	stepWithdrawn
	stepStale
)

// runSession is the body of one broadcast. It never revokes after being
// cancelled: whoever cancels it revokes under the owner lock.
func (s *Service) runSession(h *Handle, minutes int, set Settings) {
	ctx := h.ctx
	owner := h.Owner
	log := s.log.With(logx.Owner(owner), logx.String("session", h.ID))
	sent := 0

	defer func() {
		h.reg.release(h)
		h.cancel(errSessionEnded)
		close(h.done)
		st := h.State()
		log.Info("broadcast ended", logx.String("state", st.String()), logx.Int("sent", sent))
		s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastEnded, Owner: owner,
			Data: SessionEvent{SessionID: h.ID, State: st.String(), Sent: sent}})
	}()

	h.setState(StateSending)
	contacts, err := s.store.ListContacts(ctx, owner)
	if err != nil {
		if ctx.Err() != nil {
			s.endCancelled(h)
			return
		}
		log.Error("load contacts failed", logx.Err(persistErr("list contacts", err)))
		if s.whileCurrent(h, func() { s.tell(ctx, owner, texts.BroadcastFailed()) }) {
			h.setState(StateFailed)
		} else {
			s.endCancelled(h)
		}
		return
	}

	targets, skipped := splitRecent(RankContacts(contacts), s.now(), set.RecentCallWindow)
	if len(skipped) > 0 {
		s.whileCurrent(h, func() { s.tell(ctx, owner, texts.SkippedRecent(skipped, set.RecentCallWindow)) })
	}

	for i, c := range targets {
		switch st := s.inviteOne(h, c, minutes, log); st {
		case stepStale:
			s.endCancelled(h)
			return
		case stepSent, stepWithdrawn:
			if st == stepSent {
				sent++
			}
			if i < len(targets)-1 && !pace(ctx, set.SendInterval) {
				s.endCancelled(h)
				return
			}
		}
	}

	if sent == 0 {
		if s.whileCurrent(h, func() { s.tell(ctx, owner, texts.NoContactsAvailable()) }) {
			h.setState(StateNoTargets)
		} else {
			s.endCancelled(h)
		}
		return
	}
	if !s.whileCurrent(h, func() {
		s.tell(ctx, owner, texts.AllPinged())
		h.setState(StateAwaitingConfirmation)
	}) {
		s.endCancelled(h)
		return
	}

	t := time.NewTimer(set.ConfirmTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		s.endCancelled(h)
		return
	case <-t.C:
	}
	s.timeout(h, log)
}

// inviteOne handles a single target under the owner lock.
func (s *Service) inviteOne(h *Handle, c storage.Contact, minutes int, log logx.Logger) step {
	ctx, owner := h.ctx, h.Owner
	unlock := s.locks.lock(owner)
	defer unlock()
	if ctx.Err() != nil {
		return stepStale
	}

	chatID, bound, err := s.store.GetChatBinding(ctx, c.ContactUser)
	if err != nil {
		if ctx.Err() != nil {
			return stepStale
		}
		log.Warn("target skipped", logx.User(c.ContactUser), logx.Err(persistErr("get binding", err)))
		return stepSkipped
	}
	if !bound {
		s.forwardInstructions(ctx, owner, c.ContactUser)
		s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastForwardNeeded, Owner: owner,
			Data: SessionEvent{SessionID: h.ID, Contact: c.ContactUser}})
		return stepForwarded
	}

	s.tell(ctx, owner, texts.Pinging(c.ContactUser))
	ref, err := s.tr.SendText(ctx, kit.ChatTarget{ChatID: chatID}, texts.Invite(c.ContactUser, owner, minutes), &kit.SendOptions{
		DisablePreview: true,
		Keyboard:       kit.Keyboard{{{Text: texts.InviteButton, Data: texts.ConfirmCallback(owner)}}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return stepStale
		}
		log.Warn("invite send failed", logx.User(c.ContactUser), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastInviteFailed, Owner: owner,
			Data: SessionEvent{SessionID: h.ID, Contact: c.ContactUser}})
		return stepSkipped
	}

	inv := storage.OpenInvite{Owner: owner, ContactUser: c.ContactUser, ChatID: ref.ChatID, MessageID: ref.MessageID, CreatedAt: s.now()}
	if err := s.ledger.Record(ctx, inv); err != nil {
		// An unrecorded invite could never be revoked or confirmed.
		log.Error("invite not recorded, withdrawing it", logx.User(c.ContactUser), logx.Err(err))
		s.ledger.deleteMessage(ctx, inv)
		return stepWithdrawn
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastInviteSent, Owner: owner,
		Data: SessionEvent{SessionID: h.ID, Contact: c.ContactUser}})
	return stepSent
}

// timeout ends an unanswered broadcast. It revokes only if h is still the
// owner's current session.
func (s *Service) timeout(h *Handle, log logx.Logger) {
	ctx, owner := h.ctx, h.Owner
	unlock := s.locks.lock(owner)
	defer unlock()
	if ctx.Err() != nil || !h.reg.release(h) {
		s.endCancelled(h)
		return
	}
	if _, err := s.ledger.RevokeAll(ctx, owner); err != nil {
		log.Error("revoke on timeout failed", logx.Err(err))
	}
	s.tell(ctx, owner, texts.NoneAvailable())
	h.setState(StateTimedOut)
}

// whileCurrent runs fn under the owner lock if h has not been cancelled.
func (s *Service) whileCurrent(h *Handle, fn func()) bool {
	unlock := s.locks.lock(h.Owner)
	defer unlock()
	if h.ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

func (s *Service) endCancelled(h *Handle) {
	if errors.Is(context.Cause(h.ctx), errConfirmed) {
		h.setState(StateConfirmed)
		return
	}
	h.setState(StateCancelled)
}

// pace waits d, returning false as soon as ctx is cancelled.
func pace(ctx context.Context, d time.Duration) bool {
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
