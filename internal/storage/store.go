package storage

import (
	"context"
	"strings"
	"time"

	"stayintouch/pkg/logx"
)

// Store is the persistence API used by the broadcast engine, the command
// handlers and the notifier.
type Store interface {
	// ListContacts returns an owner's contacts in insertion order.
	ListContacts(ctx context.Context, owner string) ([]Contact, error)
	GetContact(ctx context.Context, owner, contactUser string) (Contact, bool, error)
	// InsertContact adds a contact; created is false if it already existed.
	InsertContact(ctx context.Context, owner, contactUser string, now time.Time) (created bool, err error)
	DeleteContact(ctx context.Context, owner, contactUser string) (bool, error)
	// UpdateContactCallStats bumps call_count and sets last_call_at = now.
	// found is false when the pair is not in the owner's address book.
	UpdateContactCallStats(ctx context.Context, owner, contactUser string, now time.Time) (found bool, err error)

	GetChatBinding(ctx context.Context, user string) (chatID int64, ok bool, err error)
	UpsertChatBinding(ctx context.Context, user string, chatID int64, now time.Time) error

	ListOpenInvites(ctx context.Context, owner string) ([]OpenInvite, error)
	InsertOpenInvite(ctx context.Context, inv OpenInvite) error
	// DeleteOpenInvites removes every invite of owner, or only those for
	// contactUser when it is non-empty.
	DeleteOpenInvites(ctx context.Context, owner, contactUser string) (int, error)
	// ListInviteOwners returns owners holding invites created before cutoff.
	ListInviteOwners(ctx context.Context, createdBefore time.Time) ([]string, error)

	Stats(ctx context.Context) (Stats, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("storage"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, ErrUnknownDriver
	}
}

// NormalizeUser lower-cases a username and strips a leading '@'.
func NormalizeUser(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}
