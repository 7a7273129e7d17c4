package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handle is one registered session.
type Handle struct {
	ID        string
	Owner     string
	Gen       uint64
	StartedAt time.Time

	reg    *Registry
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	state  atomic.Int32
}

func (h *Handle) Context() context.Context { return h.ctx }

// Done is closed once the session goroutine returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State { return State(h.state.Load()) }

// Cause reports why the session was cancelled, or nil while it is live.
func (h *Handle) Cause() error { return context.Cause(h.ctx) }

func (h *Handle) setState(s State) { h.state.Store(int32(s)) }

// Registry maps owners to their live session. Its mutex is never held
// across I/O.
type Registry struct {
	mu     sync.Mutex
	parent context.Context
	gen    uint64
	m      map[string]*Handle
	now    func() time.Time
}

func NewRegistry(parent context.Context, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{parent: parent, m: map[string]*Handle{}, now: now}
}

// Start installs a fresh handle for owner. A previous handle is cancelled
// with ErrSuperseded and returned as prev.
func (r *Registry) Start(owner string) (h, prev *Handle) {
	ctx, cancel := context.WithCancelCause(r.parent)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	h = &Handle{
		ID:        uuid.NewString(),
		Owner:     owner,
		Gen:       r.gen,
		StartedAt: r.now(),
		reg:       r,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if prev = r.m[owner]; prev != nil {
		prev.cancel(ErrSuperseded)
	}
	r.m[owner] = h
	return h, prev
}

// Stop cancels and removes owner's session. It reports whether one existed.
func (r *Registry) Stop(owner string, cause error) bool {
	r.mu.Lock()
	h := r.m[owner]
	delete(r.m, owner)
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h.cancel(cause)
	return true
}

func (r *Registry) Lookup(owner string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.m[owner]
	return h, ok
}

// release removes h if it is still owner's current handle.
func (r *Registry) release(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m[h.Owner] != h {
		return false
	}
	delete(r.m, h.Owner)
	return true
}

func (r *Registry) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.m))
	for _, h := range r.m {
		out = append(out, h)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// cancelAll stops every session with cause and empties the registry.
func (r *Registry) cancelAll(cause error) {
	r.mu.Lock()
	hs := r.m
	r.m = map[string]*Handle{}
	r.mu.Unlock()
	for _, h := range hs {
		h.cancel(cause)
	}
}
