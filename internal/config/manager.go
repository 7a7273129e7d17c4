package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"stayintouch/pkg/logx"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	watchBackoffBase   = 250 * time.Millisecond
	watchBackoffMax    = 5 * time.Second
	subscriberCapacity = 1
)

// Update is published after a reload passed validation.
type Update struct {
	Config  *Config
	Runtime *Runtime
	Diff    Diff
}

// Manager owns the config file: it parses, applies the environment
// overlay, resolves, and republishes on change.
type Manager struct {
	path string
	log  logx.Logger
	env  func() (Env, error)

	reloadMu sync.Mutex

	mu       sync.RWMutex
	cfg      *Config
	rt       *Runtime
	lastHash uint64

	subsMu sync.Mutex
	subs   map[int]chan Update
	subSeq int
}

func NewManager(path string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		path: path,
		log:  log.With(logx.Component("config")),
		env:  ReadEnv,
		subs: map[int]chan Update{},
	}
}

func (m *Manager) Path() string { return m.path }

// SetLogger swaps the logger once the logging service is configured.
func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		return
	}
	m.mu.Lock()
	m.log = log.With(logx.Component("config"))
	m.mu.Unlock()
}

func (m *Manager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// Parse reads the file and applies the environment overlay.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	env, err := m.env()
	if err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	env.Overlay(cfg)
	return cfg, nil
}

// Load parses, resolves and commits the config without publishing.
func (m *Manager) Load() (*Runtime, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	rt, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}
	m.commit(cfg, rt)
	return rt, nil
}

func (m *Manager) commit(cfg *Config, rt *Runtime) {
	m.mu.Lock()
	m.cfg, m.rt = cfg, rt
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

// Current returns the last committed config and runtime view.
func (m *Manager) Current() (*Config, *Runtime) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, m.rt
}

// Subscribe returns a channel carrying the latest Update. A slow
// subscriber only ever sees the newest one.
func (m *Manager) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberCapacity)
	m.subsMu.Lock()
	id := m.subSeq
	m.subSeq++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subsMu.Unlock()
		})
	}
}

func (m *Manager) publish(u Update) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
			m.logger().Debug("config update dropped (subscriber slow)")
		}
	}
}

// Reload re-reads the file. Unchanged content is a no-op; an invalid file
// is rejected and the running config stays in place.
func (m *Manager) Reload() (Diff, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	log := m.logger()

	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return Diff{}, err
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	prev := m.rt
	m.mu.RUnlock()
	if unchanged {
		log.Debug("config unchanged", logx.String("path", m.path))
		return Diff{}, nil
	}

	rt, err := Resolve(cfg)
	if err != nil {
		log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return Diff{}, err
	}
	diff := Changes(prev, rt)
	m.commit(cfg, rt)
	if len(diff.RestartRequired) > 0 {
		log.Warn("config changes need a restart", logx.String("fields", strings.Join(diff.RestartRequired, ",")))
	}
	m.publish(Update{Config: cfg, Runtime: rt, Diff: diff})
	log.Info("config reloaded", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return diff, nil
}

// Watch follows the config file with fsnotify until ctx is done. The
// directory is watched so editors that replace the file are handled; a
// broken watcher is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)
	backoff := watchBackoffBase

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if ctx.Err() == nil {
				_, _ = m.Reload()
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	wait := func() bool {
		d := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for ctx.Err() == nil {
		log := m.logger()
		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("config watch init failed", logx.String("dir", dir), logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			log.Warn("config watch add failed", logx.String("dir", dir), logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}
		backoff = watchBackoffBase
		log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		m.watchLoop(ctx, w, file, debounce)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("config watcher stopped; restarting", logx.String("dir", dir))
		if !wait() {
			return nil
		}
	}
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, debounce func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.logger().Warn("config watch overflow; forcing reload", logx.Err(err))
				debounce()
				continue
			}
			m.logger().Warn("config watch error", logx.Err(err))
		}
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
