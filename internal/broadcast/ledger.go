package broadcast

import (
	"context"
	"errors"
	"time"

	"stayintouch/internal/eventbus"
	"stayintouch/internal/storage"
	kit "stayintouch/internal/transport"
	"stayintouch/pkg/logx"
)

// Ledger tracks sent invites. Callers hold the owner's lock.
type Ledger struct {
	store storage.Store
	tr    kit.Sender
	bus   eventbus.Bus
	log   logx.Logger

	deleteTimeout time.Duration
}

// RevokedEvent is the payload of eventbus.BroadcastRevoked.
type RevokedEvent struct {
	Contact string `json:"contact,omitempty"`
	Count   int    `json:"count"`
}

func NewLedger(store storage.Store, tr kit.Sender, bus eventbus.Bus, log logx.Logger) *Ledger {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Ledger{store: store, tr: tr, bus: bus, log: log, deleteTimeout: 5 * time.Second}
}

func (l *Ledger) Record(ctx context.Context, inv storage.OpenInvite) error {
	if err := l.store.InsertOpenInvite(ctx, inv); err != nil {
		return persistErr("record invite", err)
	}
	return nil
}

// RevokeAll deletes every open invite message of owner and drops the rows.
// Calling it with nothing open is a no-op.
func (l *Ledger) RevokeAll(ctx context.Context, owner string) (int, error) {
	return l.revoke(ctx, owner, "")
}

// RevokeRelationship revokes only owner's invites sent to contact.
func (l *Ledger) RevokeRelationship(ctx context.Context, owner, contact string) (int, error) {
	return l.revoke(ctx, owner, contact)
}

func (l *Ledger) revoke(ctx context.Context, owner, contact string) (int, error) {
	invites, err := l.store.ListOpenInvites(ctx, owner)
	if err != nil {
		return 0, persistErr("list invites", err)
	}
	// Rows go first: a failed row delete leaves the invites revocable on retry
	// with their messages still in place.
	n, err := l.store.DeleteOpenInvites(ctx, owner, contact)
	if err != nil {
		return 0, persistErr("delete invites", err)
	}
	for _, inv := range invites {
		if contact != "" && inv.ContactUser != contact {
			continue
		}
		l.deleteMessage(ctx, inv)
	}
	if n > 0 {
		l.bus.Publish(eventbus.Event{Type: eventbus.BroadcastRevoked, Owner: owner, Data: RevokedEvent{Contact: contact, Count: n}})
	}
	return n, nil
}

// deleteMessage never fails the revoke; the message may already be gone.
func (l *Ledger) deleteMessage(ctx context.Context, inv storage.OpenInvite) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.deleteTimeout)
	defer cancel()
	err := l.tr.DeleteMessage(dctx, kit.MessageRef{ChatID: inv.ChatID, MessageID: inv.MessageID})
	switch {
	case err == nil:
	case errors.Is(err, kit.ErrMessageGone):
		l.log.Debug("invite message already gone", logx.Owner(inv.Owner), logx.User(inv.ContactUser))
	default:
		l.log.Warn("delete invite message failed",
			logx.Owner(inv.Owner), logx.User(inv.ContactUser), logx.Int("message_id", inv.MessageID), logx.Err(err))
	}
}
