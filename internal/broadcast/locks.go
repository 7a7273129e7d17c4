package broadcast

import "sync"

// ownerLocks is a keyed mutex. Entries live only while someone holds or
// waits for them.
type ownerLocks struct {
	mu sync.Mutex
	m  map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{m: map[string]*ownerLock{}}
}

// lock blocks until owner's lock is held and returns its release func.
func (l *ownerLocks) lock(owner string) (unlock func()) {
	l.mu.Lock()
	ol := l.m[owner]
	if ol == nil {
		ol = &ownerLock{}
		l.m[owner] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			ol.mu.Unlock()
			l.mu.Lock()
			ol.refs--
			if ol.refs == 0 {
				delete(l.m, owner)
			}
			l.mu.Unlock()
		})
	}
}

func (l *ownerLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
