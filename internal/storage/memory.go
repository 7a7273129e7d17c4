package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	closed   bool
	seq      int64
	contacts map[string][]Contact // owner -> insertion order
	bindings map[string]ChatBinding
	invites  map[string][]OpenInvite // owner -> insertion order
	dedup    map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		contacts: map[string][]Contact{},
		bindings: map[string]ChatBinding{},
		invites:  map[string][]OpenInvite{},
		dedup:    map[string]time.Time{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListContacts(ctx context.Context, owner string) ([]Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Contact, 0, len(m.contacts[owner]))
	for _, c := range m.contacts[owner] {
		out = append(out, cloneContact(c))
	}
	return out, nil
}

func (m *Memory) GetContact(ctx context.Context, owner, contactUser string) (Contact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Contact{}, false, ErrClosed
	}
	if i := m.indexContact(owner, contactUser); i >= 0 {
		return cloneContact(m.contacts[owner][i]), true, nil
	}
	return Contact{}, false, nil
}

func (m *Memory) InsertContact(ctx context.Context, owner, contactUser string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if m.indexContact(owner, contactUser) >= 0 {
		return false, nil
	}
	m.seq++
	m.contacts[owner] = append(m.contacts[owner], Contact{
		Seq: m.seq, Owner: owner, ContactUser: contactUser, CreatedAt: now,
	})
	return true, nil
}

func (m *Memory) DeleteContact(ctx context.Context, owner, contactUser string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	i := m.indexContact(owner, contactUser)
	if i < 0 {
		return false, nil
	}
	list := m.contacts[owner]
	m.contacts[owner] = append(list[:i:i], list[i+1:]...)
	return true, nil
}

func (m *Memory) UpdateContactCallStats(ctx context.Context, owner, contactUser string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	i := m.indexContact(owner, contactUser)
	if i < 0 {
		return false, nil
	}
	c := &m.contacts[owner][i]
	c.CallCount++
	t := now
	c.LastCallAt = &t
	return true, nil
}

// SetLastCall overwrites a contact's call stats. Test fixture helper.
func (m *Memory) SetLastCall(owner, contactUser string, at *time.Time, count int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexContact(owner, contactUser)
	if i < 0 {
		return false
	}
	c := &m.contacts[owner][i]
	c.LastCallAt = at
	c.CallCount = count
	return true
}

func (m *Memory) indexContact(owner, contactUser string) int {
	for i, c := range m.contacts[owner] {
		if c.ContactUser == contactUser {
			return i
		}
	}
	return -1
}

func cloneContact(c Contact) Contact {
	if c.LastCallAt != nil {
		t := *c.LastCallAt
		c.LastCallAt = &t
	}
	return c
}

func (m *Memory) GetChatBinding(ctx context.Context, user string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, false, ErrClosed
	}
	b, ok := m.bindings[user]
	return b.ChatID, ok, nil
}

func (m *Memory) UpsertChatBinding(ctx context.Context, user string, chatID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.bindings[user] = ChatBinding{User: user, ChatID: chatID, UpdatedAt: now}
	return nil
}

func (m *Memory) ListOpenInvites(ctx context.Context, owner string) ([]OpenInvite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]OpenInvite(nil), m.invites[owner]...), nil
}

func (m *Memory) InsertOpenInvite(ctx context.Context, inv OpenInvite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	m.invites[inv.Owner] = append(m.invites[inv.Owner], inv)
	return nil
}

func (m *Memory) DeleteOpenInvites(ctx context.Context, owner, contactUser string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	list := m.invites[owner]
	if contactUser == "" {
		delete(m.invites, owner)
		return len(list), nil
	}
	kept := make([]OpenInvite, 0, len(list))
	for _, inv := range list {
		if inv.ContactUser != contactUser {
			kept = append(kept, inv)
		}
	}
	if len(kept) == 0 {
		delete(m.invites, owner)
	} else {
		m.invites[owner] = kept
	}
	return len(list) - len(kept), nil
}

func (m *Memory) ListInviteOwners(ctx context.Context, createdBefore time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []string
	for owner, list := range m.invites {
		for _, inv := range list {
			if inv.CreatedAt.Before(createdBefore) {
				out = append(out, owner)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Stats{}, ErrClosed
	}
	var st Stats
	for _, list := range m.contacts {
		if len(list) > 0 {
			st.Owners++
		}
		st.Contacts += len(list)
		for _, c := range list {
			st.Calls += c.CallCount
		}
	}
	for _, list := range m.invites {
		st.OpenInvites += len(list)
	}
	st.Bindings = len(m.bindings)
	return st, nil
}

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	until, ok := m.dedup[key]
	return until, ok, nil
}
