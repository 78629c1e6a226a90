package config

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "castbot/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	validateWithin = 5 * time.Second
	rewatchMin     = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

// ConfigManager holds the committed config and publishes hot reloads of
// the file it was created for.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	sum      uint64 // hash of cfg, to skip rewrites with identical content
	validate func(ctx context.Context, cfg *Config) error

	// subsMu is held while publishing so Unsubscribe never closes a
	// channel mid-send.
	subsMu sync.Mutex
	subs   []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator adds a check that reloads must pass, after Validate, before
// they are committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

// Parse reads, decodes and validates the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(m.path, data)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses and commits the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	sum := checksum(cfg)
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func checksum(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if cfg == nil || err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel that receives each committed reload. A slow
// subscriber loses older configs but always gets the latest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for sent := false; !sent; {
			select {
			case ch <- cfg:
				sent = true
			default:
				// Full: discard the stale entry and retry.
				select {
				case <-ch:
				default:
				}
			}
		}
	}
}

// reload re-reads the file and commits and publishes it when it parses,
// validates and differs from the committed config.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	sum := checksum(cfg)
	m.mu.RLock()
	same, validate := sum != 0 && sum == m.sum, m.validate
	m.mu.RUnlock()
	if same {
		m.log.Debug("config file rewritten without changes", logx.String("path", m.path))
		return
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateWithin)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config committed", logx.String("path", m.path), logx.String("sum", strconv.FormatUint(sum, 16)))
}

// Watch reloads the file when it changes until ctx is done. Bad edits are
// logged and the committed config stays in force. The directory is watched
// so editors that replace the file by rename are seen too.
func (m *ConfigManager) Watch(ctx context.Context) error {
	var (
		tmu   sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		tmu.Lock()
		defer tmu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
	}
	defer func() {
		tmu.Lock()
		if timer != nil {
			timer.Stop()
		}
		tmu.Unlock()
	}()

	wait := rewatchMin
	for ctx.Err() == nil {
		healthy, err := m.watchOnce(ctx, schedule)
		if ctx.Err() != nil {
			break
		}
		if healthy {
			wait = rewatchMin
		}
		pause := wait + rand.N(wait/2+1)
		wait = min(wait*2, rewatchMax)
		m.log.Warn("config watcher down, retrying", logx.Err(err), logx.Duration("backoff", pause))
		select {
		case <-ctx.Done():
		case <-time.After(pause):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it fails or ctx ends. healthy
// reports whether the watcher came up at all.
func (m *ConfigManager) watchOnce(ctx context.Context, changed func()) (healthy bool, err error) {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", name))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event stream closed")
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				changed()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error stream closed")
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				// Events were lost; one reload covers whatever they were.
				changed()
				continue
			}
			m.log.Warn("config watch error", logx.Err(werr))
		}
	}
}
