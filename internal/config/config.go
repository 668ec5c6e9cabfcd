// Package config loads the runtime's YAML configuration file into a typed
// RuntimeConfig and watches it for changes by polling the file's mtime on a
// ticker, notifying pattern-based subscribers the way the teacher's
// config.Manager notifies its OnChange subscribers -- adapted from a
// NATS-KV watch to a file-mtime poll since neither the teacher nor the rest
// of the retrieved pack imports a filesystem-event library.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	coreerrors "github.com/c360/src/internal/errors"
)

// HealthThresholds bounds the values the Lifecycle Controller's permanent
// maintenance loop checks against before reporting degraded health.
type HealthThresholds struct {
	MaxCPUPercent float64 `yaml:"max_cpu_percent"`
	MaxMemoryMB   int     `yaml:"max_memory_mb"`
	MaxQueueDepth int     `yaml:"max_queue_depth"`
	MaxErrorRate  float64 `yaml:"max_error_rate"`
}

// RuntimeConfig is the decoded shape of the runtime's YAML configuration
// file, the concrete payload behind Get[T]'s key lookups.
type RuntimeConfig struct {
	Threads               int              `yaml:"threads"`
	LogLevel              string           `yaml:"log_level"`
	NATSURL               string           `yaml:"nats_url"`
	OTLPEndpoint          string           `yaml:"otlp_endpoint"`
	PermanentTaskInterval time.Duration    `yaml:"permanent_task_interval"`
	BackpressureThreshold int              `yaml:"backpressure_threshold"`
	HealthThresholds      HealthThresholds `yaml:"health_thresholds"`
	Extra                 map[string]any   `yaml:",inline"`
}

// Default returns a RuntimeConfig with the runtime's baked-in defaults,
// used when no config file path is supplied.
func Default() RuntimeConfig {
	return RuntimeConfig{
		Threads:               10,
		LogLevel:              "info",
		NATSURL:               "nats://localhost:4222",
		OTLPEndpoint:          "",
		PermanentTaskInterval: 30 * time.Second,
		BackpressureThreshold: 1000,
		HealthThresholds: HealthThresholds{
			MaxCPUPercent: 90.0,
			MaxMemoryMB:   2048,
			MaxQueueDepth: 5000,
			MaxErrorRate:  0.05,
		},
	}
}

// Update is a configuration-change notification, mirroring the teacher's
// config.Update shape: the changed path plus the full latest config.
type Update struct {
	Path   string
	Config RuntimeConfig
}

// Watcher owns the current RuntimeConfig, polls its source file for mtime
// changes, and fans changes out to pattern-based subscribers.
type Watcher struct {
	path string

	mu     sync.RWMutex
	cfg    RuntimeConfig
	modAt  time.Time

	subMu       sync.RWMutex
	subscribers map[string][]chan Update

	pollInterval time.Duration
	ticker       *time.Ticker
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// Load reads and decodes path into a RuntimeConfig, falling back to
// Default() field values for anything the file omits. An empty path
// returns Default() without touching the filesystem.
func Load(path string) (RuntimeConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, coreerrors.WrapInvalid(err, "config", "Load", fmt.Sprintf("read %s", path))
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, coreerrors.WrapInvalid(err, "config", "Load", fmt.Sprintf("parse %s", path))
	}

	return cfg, nil
}

// NewWatcher loads path and returns a Watcher ready to StartWatch. path may
// be empty, in which case the watcher holds Default() and StartWatch is a
// no-op.
func NewWatcher(path string, pollInterval time.Duration) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	var modAt time.Time
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			modAt = info.ModTime()
		}
	}

	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	return &Watcher{
		path:         path,
		cfg:          cfg,
		modAt:        modAt,
		subscribers:  make(map[string][]chan Update),
		pollInterval: pollInterval,
	}, nil
}

// Get returns the current configuration.
func (w *Watcher) Get() RuntimeConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// GetValue does a generic key lookup against the extra/inline YAML map,
// falling back to def when the key is absent or type-mismatched.
func GetValue[T any](w *Watcher, key string, def T) T {
	w.mu.RLock()
	defer w.mu.RUnlock()

	raw, ok := w.cfg.Extra[key]
	if !ok {
		return def
	}
	v, ok := raw.(T)
	if !ok {
		return def
	}
	return v
}

// OnChange subscribes to configuration changes matching pattern (exact
// match, or a "prefix.*" suffix wildcard) and returns a buffered channel
// that receives the current config immediately, then again on every
// matching change.
func (w *Watcher) OnChange(pattern string) <-chan Update {
	ch := make(chan Update, 1)

	w.subMu.Lock()
	w.subscribers[pattern] = append(w.subscribers[pattern], ch)
	w.subMu.Unlock()

	select {
	case ch <- Update{Path: pattern, Config: w.Get()}:
	default:
	}

	return ch
}

func matchesPattern(path, pattern string) bool {
	if pattern == path {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(path, prefix+".")
	}
	return pattern == "*"
}

// StartWatch begins polling the config file's mtime on pollInterval,
// reloading and notifying subscribers on change. A no-op if path is empty
// or the watch is already running.
func (w *Watcher) StartWatch() {
	if w.path == "" || w.ticker != nil {
		return
	}

	w.ticker = time.NewTicker(w.pollInterval)
	w.stopCh = make(chan struct{})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stopCh:
				return
			case <-w.ticker.C:
				w.pollOnce()
			}
		}
	}()
}

func (w *Watcher) pollOnce() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}

	w.mu.RLock()
	unchanged := !info.ModTime().After(w.modAt)
	w.mu.RUnlock()
	if unchanged {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		return
	}

	w.mu.Lock()
	w.cfg = cfg
	w.modAt = info.ModTime()
	w.mu.Unlock()

	w.notify(w.path)
}

func (w *Watcher) notify(path string) {
	update := Update{Path: path, Config: w.Get()}

	w.subMu.RLock()
	defer w.subMu.RUnlock()

	for pattern, channels := range w.subscribers {
		if !matchesPattern(path, pattern) {
			continue
		}
		for _, ch := range channels {
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// StopWatch halts the polling goroutine started by StartWatch and closes
// all subscriber channels. Idempotent.
func (w *Watcher) StopWatch() {
	if w.ticker == nil {
		return
	}

	w.ticker.Stop()
	close(w.stopCh)
	w.wg.Wait()
	w.ticker = nil

	w.subMu.Lock()
	for _, channels := range w.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	w.subscribers = make(map[string][]chan Update)
	w.subMu.Unlock()
}
