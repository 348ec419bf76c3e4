package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Janitor periodically evicts profiles of idle accounts so the profile and
// device maps stay bounded by the number of recently active accounts.
type Janitor struct {
	engine   *Engine
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	onSweep  func(evicted int)
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewJanitor creates a janitor evicting accounts idle for longer than ttl,
// sweeping every interval.
func NewJanitor(engine *Engine, ttl, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Janitor{
		engine:   engine,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// OnSweep registers a callback invoked after every sweep with the number of
// evicted profiles.
func (j *Janitor) OnSweep(fn func(evicted int)) *Janitor {
	j.onSweep = fn
	return j
}

// Running reports whether the janitor loop is actively running.
func (j *Janitor) Running() bool {
	return j.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			j.safeSweep()
		}
	}
}

// Stop signals the janitor to stop. It is safe to call more than once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

func (j *Janitor) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in profile janitor", "panic", fmt.Sprint(r))
		}
	}()
	j.Sweep()
}

// Sweep evicts idle profiles once and returns how many were evicted.
func (j *Janitor) Sweep() int {
	evicted := j.engine.EvictIdle(j.ttl)
	if len(evicted) > 0 {
		j.logger.Info("evicted idle profiles",
			"count", len(evicted),
			"remaining", j.engine.ProfileCount(),
			"ttl", j.ttl)
	}
	if j.onSweep != nil {
		j.onSweep(len(evicted))
	}
	return len(evicted)
}
