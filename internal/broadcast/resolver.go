package broadcast

import (
	"context"
	"fmt"
	"sync/atomic"

	"stayintouch/internal/eventbus"
	"stayintouch/internal/texts"
	"stayintouch/pkg/logx"
)

// Resolver settles confirmations. The claim, the revoke and the statistics
// update run under the owner lock, so of two concurrent confirmations the
// second finds no open invites and gets OutcomeAlreadyResolved.
type Resolver struct {
	svc       *Service
	symmetric atomic.Bool
}

// ConfirmEvent is the payload of eventbus.BroadcastConfirmed.
type ConfirmEvent struct {
	Confirmer string `json:"confirmer"`
	Revoked   int    `json:"revoked"`
	Tracked   bool   `json:"tracked"`
}

func (r *Resolver) Resolve(ctx context.Context, confirmer, owner string) (Outcome, error) {
	s := r.svc
	log := s.log.With(logx.Owner(owner), logx.User(confirmer))

	// Service lock before owner lock, same order as BeginBroadcast.
	reg, regErr := s.registry()

	unlock := s.locks.lock(owner)
	defer unlock()

	if _, bound, err := s.store.GetChatBinding(ctx, owner); err != nil {
		return OutcomeFailed, persistErr("get owner binding", err)
	} else if !bound {
		return OutcomeUnreachable, fmt.Errorf("%w: owner %s", ErrRouting, owner)
	}

	invites, err := s.store.ListOpenInvites(ctx, owner)
	if err != nil {
		return OutcomeFailed, persistErr("list invites", err)
	}
	if len(invites) == 0 {
		s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastAlreadyResolved, Owner: owner, Data: ConfirmEvent{Confirmer: confirmer}})
		return OutcomeAlreadyResolved, nil
	}
	invited := false
	for _, inv := range invites {
		if inv.ContactUser == confirmer {
			invited = true
			break
		}
	}
	if !invited {
		return OutcomeNotInvited, nil
	}

	// Claim: nothing stays open for a racing confirmation to act on.
	revoked, err := s.ledger.RevokeAll(ctx, owner)
	if err != nil {
		log.Error("confirmation claim failed", logx.Err(err))
		return OutcomeFailed, err
	}

	s.tell(ctx, owner, texts.OwnerConfirmed(confirmer))
	s.tell(ctx, confirmer, texts.ConfirmerConfirmed(owner))

	now := s.now()
	found, err := s.store.UpdateContactCallStats(ctx, owner, confirmer, now)
	switch {
	case err != nil:
		log.Error("call stats not updated", logx.Err(persistErr("update call stats", err)))
	case !found:
		s.tell(ctx, owner, texts.ContactNotFound(confirmer))
	}
	// The reverse row belongs to another owner; a single atomic update needs
	// no second lock.
	if r.symmetric.Load() {
		if _, err := s.store.UpdateContactCallStats(ctx, confirmer, owner, now); err != nil {
			log.Warn("reverse call stats not updated", logx.Err(err))
		}
	}

	if regErr == nil {
		reg.Stop(owner, errConfirmed)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastConfirmed, Owner: owner,
		Data: ConfirmEvent{Confirmer: confirmer, Revoked: revoked, Tracked: found}})
	log.Info("broadcast confirmed", logx.Int("revoked", revoked), logx.Bool("tracked", found))
	return OutcomeConfirmed, nil
}
