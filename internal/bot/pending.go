package bot

import (
	"sync"
	"time"
)

// pendingInputs remembers chats that were asked for a username and will
// treat their next plain message as the answer.
type pendingInputs struct {
	mu sync.Mutex
	m  map[int64]time.Time
}

func newPendingInputs() *pendingInputs {
	return &pendingInputs{m: map[int64]time.Time{}}
}

func (p *pendingInputs) set(chatID int64, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[chatID] = until
}

func (p *pendingInputs) clear(chatID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, chatID)
}

// take consumes chatID's pending input if it has not expired.
func (p *pendingInputs) take(chatID int64, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.m[chatID]
	delete(p.m, chatID)
	for id, u := range p.m {
		if !now.Before(u) {
			delete(p.m, id)
		}
	}
	return ok && now.Before(until)
}
