package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises any Store implementation with the same
// expectations; each driver test supplies a fresh empty store.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	t.Run("contacts keep insertion order", func(t *testing.T) {
		r := require.New(t)
		s := open(t)
		for _, u := range []string{"carol", "bob", "dave"} {
			created, err := s.InsertContact(ctx, "alice", u, now)
			r.NoError(err)
			r.True(created)
		}
		created, err := s.InsertContact(ctx, "alice", "bob", now)
		r.NoError(err)
		r.False(created)

		list, err := s.ListContacts(ctx, "alice")
		r.NoError(err)
		r.Len(list, 3)
		r.Equal([]string{"carol", "bob", "dave"}, []string{list[0].ContactUser, list[1].ContactUser, list[2].ContactUser})
		r.True(list[0].NeverCalled())
		r.Less(list[0].Seq, list[1].Seq)

		other, err := s.ListContacts(ctx, "bob")
		r.NoError(err)
		r.Empty(other)
	})

	t.Run("call stats update and delete", func(t *testing.T) {
		r := require.New(t)
		s := open(t)
		_, err := s.InsertContact(ctx, "alice", "bob", now)
		r.NoError(err)

		found, err := s.UpdateContactCallStats(ctx, "alice", "bob", now)
		r.NoError(err)
		r.True(found)
		found, err = s.UpdateContactCallStats(ctx, "alice", "bob", now.Add(time.Minute))
		r.NoError(err)
		r.True(found)

		c, ok, err := s.GetContact(ctx, "alice", "bob")
		r.NoError(err)
		r.True(ok)
		r.Equal(2, c.CallCount)
		r.NotNil(c.LastCallAt)
		r.Equal(now.Add(time.Minute).UnixMilli(), c.LastCallAt.UnixMilli())

		found, err = s.UpdateContactCallStats(ctx, "alice", "nobody", now)
		r.NoError(err)
		r.False(found)

		deleted, err := s.DeleteContact(ctx, "alice", "bob")
		r.NoError(err)
		r.True(deleted)
		deleted, err = s.DeleteContact(ctx, "alice", "bob")
		r.NoError(err)
		r.False(deleted)
	})

	t.Run("chat bindings upsert", func(t *testing.T) {
		r := require.New(t)
		s := open(t)
		_, ok, err := s.GetChatBinding(ctx, "bob")
		r.NoError(err)
		r.False(ok)

		r.NoError(s.UpsertChatBinding(ctx, "bob", 10, now))
		r.NoError(s.UpsertChatBinding(ctx, "bob", 11, now))
		id, ok, err := s.GetChatBinding(ctx, "bob")
		r.NoError(err)
		r.True(ok)
		r.Equal(int64(11), id)
	})

	t.Run("open invites delete by owner and relationship", func(t *testing.T) {
		r := require.New(t)
		s := open(t)
		old := now.Add(-time.Hour)
		r.NoError(s.InsertOpenInvite(ctx, OpenInvite{Owner: "alice", ContactUser: "bob", ChatID: 1, MessageID: 100, CreatedAt: old}))
		r.NoError(s.InsertOpenInvite(ctx, OpenInvite{Owner: "alice", ContactUser: "carol", ChatID: 2, MessageID: 200, CreatedAt: now}))
		r.NoError(s.InsertOpenInvite(ctx, OpenInvite{Owner: "zed", ContactUser: "bob", ChatID: 1, MessageID: 300, CreatedAt: now}))

		owners, err := s.ListInviteOwners(ctx, now.Add(-time.Minute))
		r.NoError(err)
		r.Equal([]string{"alice"}, owners)

		n, err := s.DeleteOpenInvites(ctx, "alice", "bob")
		r.NoError(err)
		r.Equal(1, n)

		list, err := s.ListOpenInvites(ctx, "alice")
		r.NoError(err)
		r.Len(list, 1)
		r.Equal("carol", list[0].ContactUser)
		r.Equal(200, list[0].MessageID)

		n, err = s.DeleteOpenInvites(ctx, "alice", "")
		r.NoError(err)
		r.Equal(1, n)
		n, err = s.DeleteOpenInvites(ctx, "alice", "")
		r.NoError(err)
		r.Zero(n)

		list, err = s.ListOpenInvites(ctx, "zed")
		r.NoError(err)
		r.Len(list, 1)
	})

	t.Run("stats", func(t *testing.T) {
		r := require.New(t)
		s := open(t)
		_, _ = s.InsertContact(ctx, "alice", "bob", now)
		_, _ = s.InsertContact(ctx, "alice", "carol", now)
		_, _ = s.InsertContact(ctx, "bob", "alice", now)
		_, _ = s.UpdateContactCallStats(ctx, "alice", "bob", now)
		r.NoError(s.UpsertChatBinding(ctx, "alice", 1, now))
		r.NoError(s.InsertOpenInvite(ctx, OpenInvite{Owner: "alice", ContactUser: "bob", ChatID: 2, MessageID: 1}))

		st, err := s.Stats(ctx)
		r.NoError(err)
		r.Equal(Stats{Owners: 2, Contacts: 3, Calls: 1, OpenInvites: 1, Bindings: 1}, st)
	})

	t.Run("dedup", func(t *testing.T) {
		r := require.New(t)
		s := open(t)
		_, ok, err := s.GetDedup(ctx, "k")
		r.NoError(err)
		r.False(ok)

		r.NoError(s.PutDedup(ctx, "k", now.Add(time.Hour)))
		until, ok, err := s.GetDedup(ctx, "k")
		r.NoError(err)
		r.True(ok)
		r.Equal(now.Add(time.Hour).UnixMilli(), until.UnixMilli())
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())
	_, err := s.ListContacts(context.Background(), "alice")
	require.ErrorIs(t, err, ErrClosed)
}
