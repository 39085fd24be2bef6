// Package connwatch tracks whether the bridge's upstream services are
// reachable: the chat gateway, Home Assistant and the MQTT broker.
//
// It does not gate traffic. Outbound delivery has its own bounded retry
// and the MQTT session reconnects by itself; connwatch only observes,
// so that /health and the logs say which side is down.
//
// Each Watcher probes one service in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with up/down transition logging
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls startup retries and background polling.
type BackoffConfig struct {
	InitialDelay time.Duration // first retry delay (default 2s)
	MaxDelay     time.Duration // backoff ceiling (default 60s)
	Multiplier   float64       // growth factor (default 2.0)
	MaxRetries   int           // startup probe attempts (default 10)
	PollInterval time.Duration // background interval (default 60s)
	ProbeTimeout time.Duration // per-probe deadline (default 10s)
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped) with
// 10 startup retries and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero fields with the defaults.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// next grows delay by the multiplier, capped at MaxDelay.
func (b BackoffConfig) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * b.Multiplier)
	return min(delay, b.MaxDelay)
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and /health, e.g. "onebot".
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on transitions.
	// Both are optional.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is one entry of the /health "services" object.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service.
type Watcher struct {
	config WatcherConfig
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service answered the last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if !w.startup(ctx) {
		return
	}

	ticker := time.NewTicker(w.config.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// startup probes with exponential backoff until the service answers or
// MaxRetries is spent. It returns false if ctx ended first.
func (w *Watcher) startup(ctx context.Context) bool {
	b := w.config.Backoff
	delay := b.InitialDelay

	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if err == nil {
			w.logger.Info("service reachable", "after_attempts", attempt)
			w.markReady()
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		if attempt == b.MaxRetries {
			w.logger.Warn("service unreachable at startup, polling in background",
				"attempts", attempt,
				"error", err,
			)
			return true
		}

		w.logger.Debug("startup probe failed",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = b.next(delay)
	}
	return true
}

// check runs one background probe and handles up/down transitions.
func (w *Watcher) check(ctx context.Context) {
	err := w.probe(ctx)
	wasReady := w.ready.Load()

	switch {
	case wasReady && err != nil:
		w.ready.Store(false)
		w.logger.Warn("service became unreachable", "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case !wasReady && err == nil:
		w.logger.Info("service recovered")
		w.markReady()
	case err != nil:
		w.logger.Debug("service still unreachable", "error", err)
	}
}

func (w *Watcher) markReady() {
	w.ready.Store(true)
	if w.config.OnReady != nil {
		go w.config.OnReady()
	}
}

// probe calls the ProbeFunc under ProbeTimeout and records the outcome.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()

	err := w.config.Probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the set of watchers behind /health.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs until ctx is cancelled
// or Stop is called. An empty Name or nil Probe is a programming error
// and panics.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		logger: logger.With("service", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the health status of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
