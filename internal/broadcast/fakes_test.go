package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stayintouch/internal/notifier"
	"stayintouch/internal/storage"
	kit "stayintouch/internal/transport"
	"stayintouch/pkg/logx"
)

type sentMessage struct {
	Ref  kit.MessageRef
	Text string
	Opts *kit.SendOptions
	At   time.Time
}

type fakeTransport struct {
	mu      sync.Mutex
	nextID  int
	sent    []sentMessage
	deleted []kit.MessageRef
	failTo  map[int64]error
	goneIDs map[int]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failTo: map[int64]error{}, goneIDs: map[int]bool{}}
}

func (f *fakeTransport) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTo[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	f.nextID++
	ref := kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}
	f.sent = append(f.sent, sentMessage{Ref: ref, Text: text, Opts: opt, At: time.Now()})
	return ref, nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.goneIDs[ref.MessageID] {
		return kit.ErrMessageGone
	}
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeTransport) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeTransport) Deleted() []kit.MessageRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kit.MessageRef(nil), f.deleted...)
}

func (f *fakeTransport) LastID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

var errStoreDown = errors.New("store down")

// faultyStore fails selected writes and passes everything else through.
type faultyStore struct {
	*storage.Memory

	mu            sync.Mutex
	failInsertFor map[string]bool
	failDeletes   bool
}

func (f *faultyStore) InsertOpenInvite(ctx context.Context, inv storage.OpenInvite) error {
	f.mu.Lock()
	fail := f.failInsertFor[inv.ContactUser]
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.Memory.InsertOpenInvite(ctx, inv)
}

func (f *faultyStore) DeleteOpenInvites(ctx context.Context, owner, contactUser string) (int, error) {
	f.mu.Lock()
	fail := f.failDeletes
	f.mu.Unlock()
	if fail {
		return 0, errStoreDown
	}
	return f.Memory.DeleteOpenInvites(ctx, owner, contactUser)
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []notifier.Notification
	// gate, when set, holds every Notify until it is closed.
	gate chan struct{}
}

func (f *fakeNotifier) Notify(ctx context.Context, n notifier.Notification) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
	return nil
}

// hold makes the next notices wait; the returned func releases them.
func (f *fakeNotifier) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fakeNotifier) To(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.notes {
		if n.ChatID == chatID {
			out = append(out, n.Text)
		}
	}
	return out
}

const (
	chatA int64 = 100 + iota
	chatB
	chatC
	chatD
)

type harness struct {
	t     *testing.T
	store *storage.Memory
	tr    *fakeTransport
	notes *fakeNotifier
	svc   *Service

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
	return h.now
}

func testSettings() Settings {
	return Settings{
		SendInterval:   10 * time.Millisecond,
		ConfirmTimeout: time.Minute,
		SymmetricStats: true,
		DefaultMinutes: 20,
	}
}

func newHarness(t *testing.T, set Settings) *harness {
	t.Helper()
	return newHarnessWith(t, set, nil)
}

// newHarnessWith lets wrap put a decorator in front of the memory store.
func newHarnessWith(t *testing.T, set Settings, wrap func(*storage.Memory) storage.Store) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		store: storage.NewMemory(),
		tr:    newFakeTransport(),
		notes: &fakeNotifier{},
		now:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	var store storage.Store = h.store
	if wrap != nil {
		store = wrap(h.store)
	}
	h.svc = New(Deps{
		Store:       store,
		Transport:   h.tr,
		Notifier:    h.notes,
		Logger:      logx.Nop(),
		Now:         h.clock,
		BotUsername: "stayintouch_bot",
	}, set)
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.svc.Stop(ctx)
	})
	return h
}

func (h *harness) bind(user string, chatID int64) {
	require.NoError(h.t, h.store.UpsertChatBinding(context.Background(), user, chatID, h.clock()))
}

func (h *harness) contact(owner, user string, lastCall *time.Time, count int) {
	_, err := h.store.InsertContact(context.Background(), owner, user, h.clock())
	require.NoError(h.t, err)
	if lastCall != nil || count > 0 {
		require.True(h.t, h.store.SetLastCall(owner, user, lastCall, count))
	}
}

func (h *harness) handle(owner string) *Handle {
	hd, ok := h.svc.lookup(owner)
	require.True(h.t, ok, "no live session for %s", owner)
	return hd
}

func (h *harness) waitState(hd *Handle, want State) {
	require.Eventually(h.t, func() bool { return hd.State() == want }, 2*time.Second, 2*time.Millisecond,
		"session state %s, want %s", hd.State(), want)
}

func (h *harness) waitDone(hd *Handle) {
	select {
	case <-hd.Done():
	case <-time.After(2 * time.Second):
		h.t.Fatalf("session %s still running in state %s", hd.ID, hd.State())
	}
}

func (h *harness) openInvites(owner string) []storage.OpenInvite {
	inv, err := h.store.ListOpenInvites(context.Background(), owner)
	require.NoError(h.t, err)
	return inv
}

func (h *harness) contactRow(owner, user string) storage.Contact {
	c, ok, err := h.store.GetContact(context.Background(), owner, user)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	return c
}

func ptr[T any](v T) *T { return &v }
