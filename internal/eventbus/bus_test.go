package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	r := require.New(t)
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: BroadcastStarted, Owner: "alice"})

	ea := <-a
	ec := <-c
	r.Equal(BroadcastStarted, ea.Type)
	r.Equal("alice", ec.Owner)
	r.False(ea.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	r := require.New(t)
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "x"})
	b.Publish(Event{Type: "y"})
	r.Equal(uint64(1), b.Dropped())
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	r := require.New(t)
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	r.False(ok)
	b.Publish(Event{Type: "after"})
	r.Zero(b.Dropped())
}
