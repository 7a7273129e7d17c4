package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stayintouch/internal/eventbus"
	rtsup "stayintouch/internal/runtime/supervisor"
	"stayintouch/internal/storage"
	kit "stayintouch/internal/transport"
	"stayintouch/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type dedupWrite struct {
	key   string
	until time.Time
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	store  storage.Store

	cfg     Config
	limiter *rate.Limiter

	running   bool
	accepting bool
	enqueueWG sync.WaitGroup
	// queues holds one shard per worker; a chat always maps to the same
	// shard so its notices go out in enqueue order.
	queues    []chan Notification
	persistCh chan dedupWrite
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time
}

// New builds the service. store may be nil; dedup then stays in memory.
func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.Component("notifier")),
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps rate, retry and dedup settings. Worker and queue sizes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Supervisor exposes worker goroutines for health output; nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || !s.cfg.Enabled {
		return
	}
	s.running = true
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
		pch, st := s.persistCh, s.store
		s.sup.Go0("dedup.persist", func(c context.Context) { persistLoop(c, pch, st) })
	}
	per := max(s.cfg.QueueSize/s.cfg.Workers, 1)
	s.queues = make([]chan Notification, s.cfg.Workers)
	for i := range s.queues {
		q := make(chan Notification, per)
		s.queues[i] = q
		s.sup.Go0(fmt.Sprintf("worker.%d", i), func(c context.Context) { s.workerLoop(c, q) })
	}
}

// Stop refuses new notices and drains the queue until ctx is done, then
// abandons whatever is left.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	qs, pch, sup := s.queues, s.persistCh, s.sup
	s.mu.Unlock()

	s.enqueueWG.Wait()
	for _, q := range qs {
		close(q)
	}
	if pch != nil {
		close(pch)
	}
	if err := sup.Wait(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("notifier drain cut short", logx.Err(err))
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}

	s.mu.Lock()
	s.running = false
	s.queues = nil
	s.persistCh = nil
	s.sup = nil
	s.mu.Unlock()
}

// Notify queues n, or sends it inline when the pipeline is disabled.
// A deduplicated notice returns nil without sending.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg := s.cfg
	if cfg.Enabled && !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	qs, pch := s.queues, s.persistCh
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	if n.DedupKey != "" {
		window := n.DedupFor
		if window <= 0 {
			window = cfg.DedupWindow
		}
		if window > 0 && !s.dedupAllow(ctx, n.DedupKey, window, cfg, pch) {
			s.publish(eventbus.NotifierDeduped, n, nil)
			return nil
		}
	}

	if !cfg.Enabled {
		return s.send(ctx, n)
	}
	select {
	case qs[shardOf(n.ChatID, len(qs))] <- n:
		return nil
	default:
		s.publish(eventbus.NotifierDropped, n, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-q:
			if !ok {
				return
			}
			_ = s.send(ctx, n)
		}
	}
}

func (s *Service) send(ctx context.Context, n Notification) error {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	if s.sender == nil || n.Text == "" {
		return nil
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(cctx, kit.ChatTarget{ChatID: n.ChatID}, n.Text,
			&kit.SendOptions{DisablePreview: true, Keyboard: n.Keyboard})
		cancel()
		if err == nil {
			s.publish(eventbus.NotifierSent, n, nil)
			return nil
		}
		lastErr = err
		s.log.Debug("notice send failed", logx.Int64("chat_id", n.ChatID), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	s.log.Warn("notice dropped after retries", logx.Int64("chat_id", n.ChatID), logx.Err(lastErr))
	s.publish(eventbus.NotifierFailed, n, lastErr)
	return lastErr
}

func (s *Service) publish(typ string, n Notification, err error) {
	ev := Event{ChatID: n.ChatID, Key: n.DedupKey}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, cfg Config, pch chan<- dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var oldest string
		var oldestAt time.Time
		for k, u := range s.dedup {
			if oldest == "" || u.Before(oldestAt) {
				oldest, oldestAt = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}

func shardOf(chatID int64, n int) int {
	if chatID < 0 {
		chatID = -chatID
	}
	return int(chatID % int64(n))
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
