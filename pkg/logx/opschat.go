package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChatSender delivers one rendered log line to a chat.
type ChatSender interface {
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}

type opsLine struct {
	chatID   int64
	threadID int
	text     string
}

// opsSink is a zerolog LevelWriter that never blocks the caller: lines are
// filtered, rate limited and queued for a single background sender.
type opsSink struct {
	mu       sync.Mutex
	sender   ChatSender
	cfg      OpsChatConfig
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan opsLine
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newOpsSink(sender ChatSender) *opsSink {
	return &opsSink{sender: sender, queue: make(chan opsLine, 256)}
}

func (o *opsSink) setSender(sender ChatSender) {
	o.mu.Lock()
	o.sender = sender
	o.mu.Unlock()
}

func (o *opsSink) configure(cfg OpsChatConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
	o.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if !cfg.Enabled {
		return
	}
	o.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		o.cancel = cancel
		o.wg.Add(1)
		go o.run(ctx)
	})
}

func (o *opsSink) stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
}

func (o *opsSink) run(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ln := <-o.queue:
			o.mu.Lock()
			sender := o.sender
			o.mu.Unlock()
			if sender != nil {
				_ = sender.SendLog(ctx, ln.chatID, ln.threadID, ln.text)
			}
		}
	}
}

func (o *opsSink) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

func (o *opsSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	cfg := o.cfg
	lim := o.limiter
	minLevel := o.minLevel
	hasSender := o.sender != nil
	o.mu.Unlock()

	if !cfg.Enabled || cfg.ChatID == 0 || !hasSender || lim == nil {
		return len(p), nil
	}
	if level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	text := renderOpsLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case o.queue <- opsLine{chatID: cfg.ChatID, threadID: cfg.ThreadID, text: text}:
	default:
	}
	return len(p), nil
}

// renderOpsLine turns a zerolog JSON line into "[LEVEL] msg" plus sorted
// key=value lines.
func renderOpsLine(p []byte) string {
	var m map[string]any
	raw := strings.TrimSpace(string(p))
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
