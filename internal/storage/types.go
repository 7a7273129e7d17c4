package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

type Config struct {
	Driver       string
	Path         string // sqlite file
	DSN          string // postgres url
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Contact is one entry of an owner's address book. LastCallAt is nil until
// the first confirmed call.
type Contact struct {
	Seq         int64
	Owner       string
	ContactUser string
	LastCallAt  *time.Time
	CallCount   int
	CreatedAt   time.Time
}

// NeverCalled reports whether no call was ever recorded.
func (c Contact) NeverCalled() bool { return c.LastCallAt == nil }

type ChatBinding struct {
	User      string
	ChatID    int64
	UpdatedAt time.Time
}

// OpenInvite is a sent invite message that has not been resolved yet.
type OpenInvite struct {
	Owner       string
	ContactUser string
	ChatID      int64
	MessageID   int
	CreatedAt   time.Time
}

type Stats struct {
	Owners      int
	Contacts    int
	Calls       int
	OpenInvites int
	Bindings    int
}
