package notifier

import (
	"time"

	kit "stayintouch/internal/transport"
)

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Notification is one chat message. DedupKey opts into suppression of
// repeats within DedupFor (or Config.DedupWindow when zero).
type Notification struct {
	ChatID   int64
	Text     string
	Keyboard kit.Keyboard
	DedupKey string
	DedupFor time.Duration
}

// Event is the eventbus payload for notifier lifecycle events.
type Event struct {
	ChatID int64  `json:"chat_id"`
	Key    string `json:"key,omitempty"`
	Error  string `json:"error,omitempty"`
}
