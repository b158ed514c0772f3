// Package discovery runs the background loop that keeps the source registry
// fresh and (re)connects the receiver when sources come and go.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/connection"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/registry"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

// Waiter is the change-notification half of a transport.Discoverer.
type Waiter interface {
	WaitForSourceChange(ctx context.Context, timeout time.Duration) (bool, error)
}

// Config controls the worker loop.
type Config struct {
	// Preferred is matched as a substring against discovered names. Empty
	// means "reconnect to the last source, else the first one".
	Preferred string

	// ChangeTimeout bounds each WaitForSourceChange call, and therefore how
	// long Stop may take (default: 1s).
	ChangeTimeout time.Duration

	// ConnectingBackoff is how long the loop sleeps while an attempt started
	// elsewhere is still in flight (default: 100ms).
	ConnectingBackoff time.Duration

	Retry RetryConfig
}

// DefaultConfig returns the default loop timings.
func DefaultConfig() Config {
	return Config{
		ChangeTimeout:     time.Second,
		ConnectingBackoff: 100 * time.Millisecond,
		Retry:             DefaultRetryConfig(),
	}
}

// Stats is a snapshot of the worker counters.
type Stats struct {
	Cycles        uint64 // registry refreshes done by the loop
	SourceChanges uint64 // change signals from the transport
	Attempts      uint64 // connects started by the loop
	Failures      uint64
	Reconnects    uint64 // successful connects after a previous connection

	// WaitingForPreferred is true while a preferred name is set and no
	// discovered source matches it.
	WaitingForPreferred bool
	Paused              bool
}

// Worker is the DiscoveryWorker: one goroutine per receiver.
//
// Loop:
//  1. Exit if the context is cancelled
//  2. While an attempt is Connecting, sleep ConnectingBackoff
//  3. With no live connection and the retry backoff elapsed, run a cycle
//  4. Otherwise block in WaitForSourceChange (the only blocking point) and
//     run a cycle when the transport reports a change
//
// A cycle refreshes the registry; a healthy connection whose source is
// still listed is left alone, otherwise the worker picks a source and
// connects.
type Worker struct {
	cfg    Config
	waiter Waiter
	reg    *registry.Registry
	mgr    *connection.Manager
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedMu sync.Mutex
	started   bool

	paused      atomic.Bool
	resumed     atomic.Bool
	waitingPref atomic.Bool

	// loop goroutine only
	retry         retryState
	waitingLogged bool
	waitingEpoch  uint64

	cycles        atomic.Uint64
	sourceChanges atomic.Uint64
	attempts      atomic.Uint64
	failures      atomic.Uint64
	reconnects    atomic.Uint64
}

// New creates a stopped worker. Zero timings in cfg take their defaults.
func New(cfg Config, waiter Waiter, reg *registry.Registry, mgr *connection.Manager, logger *slog.Logger) *Worker {
	def := DefaultConfig()
	if cfg.ChangeTimeout <= 0 {
		cfg.ChangeTimeout = def.ChangeTimeout
	}
	if cfg.ConnectingBackoff <= 0 {
		cfg.ConnectingBackoff = def.ConnectingBackoff
	}
	if cfg.Retry.RetryDelay <= 0 {
		cfg.Retry.RetryDelay = def.Retry.RetryDelay
	}
	if cfg.Retry.MaxRetryDelay < cfg.Retry.RetryDelay {
		cfg.Retry.MaxRetryDelay = max(def.Retry.MaxRetryDelay, cfg.Retry.RetryDelay)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:    cfg,
		waiter: waiter,
		reg:    reg,
		mgr:    mgr,
		logger: logger,
	}
}

// Start launches the loop goroutine and returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.startedMu.Lock()
	defer w.startedMu.Unlock()

	if w.started {
		return fmt.Errorf("discovery: worker already started")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.started = true

	w.wg.Add(1)
	go w.run()

	w.logger.Info("discovery: worker started",
		"preferred", w.cfg.Preferred,
		"change_timeout", w.cfg.ChangeTimeout,
	)
	return nil
}

// Stop cancels the loop and blocks until it has exited. Safe to call more
// than once, and before Start.
func (w *Worker) Stop() {
	w.startedMu.Lock()
	if !w.started {
		w.startedMu.Unlock()
		return
	}
	cancel := w.cancel
	w.startedMu.Unlock()

	cancel()
	w.wg.Wait()
}

// Pause stops automatic connection attempts. The loop keeps refreshing the
// registry so source counts stay current.
func (w *Worker) Pause() {
	w.paused.Store(true)
}

// Resume re-enables automatic connection attempts with a fresh backoff.
func (w *Worker) Resume() {
	w.resumed.Store(true)
	w.paused.Store(false)
}

// Stats returns the worker counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Cycles:              w.cycles.Load(),
		SourceChanges:       w.sourceChanges.Load(),
		Attempts:            w.attempts.Load(),
		Failures:            w.failures.Load(),
		Reconnects:          w.reconnects.Load(),
		WaitingForPreferred: w.waitingPref.Load(),
		Paused:              w.paused.Load(),
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	defer func() {
		w.logger.Info("discovery: worker stopped",
			"cycles", w.cycles.Load(),
			"attempts", w.attempts.Load(),
			"failures", w.failures.Load(),
		)
	}()

	for {
		if w.ctx.Err() != nil {
			return
		}

		if w.resumed.Swap(false) {
			w.retry.reset()
		}

		state := w.mgr.State()
		if state == connection.Connecting {
			w.sleep(w.cfg.ConnectingBackoff)
			continue
		}

		if state != connection.Connected && !w.paused.Load() && w.retry.due(time.Now()) {
			w.cycle()
			continue
		}

		changed, err := w.waiter.WaitForSourceChange(w.ctx, w.cfg.ChangeTimeout)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Debug("discovery: wait for source change failed", "error", err)
			w.sleep(w.cfg.ConnectingBackoff)
			continue
		}
		if !changed {
			continue
		}

		w.sourceChanges.Add(1)
		w.cycle()
	}
}

func (w *Worker) cycle() {
	w.cycles.Add(1)

	if w.mgr.State() == connection.Connected {
		snap := w.reg.Refresh(w.ctx)
		name := w.mgr.CurrentName()
		if _, ok := snap.IndexOf(name); ok || name == "" {
			return
		}

		w.logger.Warn("discovery: active source disappeared",
			"source", name,
			"sources", snap.Count(),
			"epoch", snap.Epoch,
		)
		w.mgr.MarkLost(fmt.Errorf("%q no longer listed: %w", name, transport.ErrSourceUnavailable))
		if w.paused.Load() {
			return
		}
		w.connectFrom(snap)
		return
	}

	if w.paused.Load() {
		w.reg.Refresh(w.ctx)
		return
	}

	w.mgr.MarkDiscovering()
	snap := w.reg.Refresh(w.ctx)
	w.connectFrom(snap)
}

func (w *Worker) connectFrom(snap registry.Snapshot) {
	if w.ctx.Err() != nil {
		return
	}
	if snap.Count() == 0 {
		w.logger.Debug("discovery: no sources visible", "epoch", snap.Epoch)
		w.retry.wait(time.Now(), w.cfg.ChangeTimeout)
		return
	}

	index, ok := w.pick(snap)
	if !ok {
		w.retry.wait(time.Now(), w.cfg.ChangeTimeout)
		return
	}

	// Pause may land while the registry refresh was blocking
	if w.paused.Load() {
		return
	}

	reconnect := w.mgr.LastName() != ""
	w.attempts.Add(1)

	err := w.mgr.Connect(w.ctx, index)
	switch {
	case err == nil && w.paused.Load():
		w.logger.Info("discovery: paused during connect, dropping session", "source", w.mgr.CurrentName())
		w.mgr.Disconnect()

	case err == nil:
		w.retry.reset()
		if reconnect {
			w.reconnects.Add(1)
		}

	case errors.Is(err, connection.ErrConnectInProgress), errors.Is(err, connection.ErrAborted):
		// someone else owns the connection now

	default:
		w.failures.Add(1)
		delay := w.retry.fail(time.Now(), w.cfg.Retry)
		w.logger.Warn("discovery: connect failed, will retry",
			"error", err,
			"attempt", w.retry.failures,
			"delay", delay,
		)
	}
}

// pick chooses the source to connect to in snap.
//
// With a preferred name the first substring match wins and there is no
// fallback; "not found" just means keep waiting. Without one, the last
// connected source is re-resolved by name, else index 0.
func (w *Worker) pick(snap registry.Snapshot) (int, bool) {
	if w.cfg.Preferred != "" {
		i, ok := snap.FindIndex(w.cfg.Preferred)
		if !ok {
			w.waitingPref.Store(true)
			if !w.waitingLogged || w.waitingEpoch != snap.Epoch {
				w.waitingLogged = true
				w.waitingEpoch = snap.Epoch
				w.logger.Info("discovery: waiting for preferred source",
					"preferred", w.cfg.Preferred,
					"sources", snap.Names,
				)
			}
			return -1, false
		}
		w.waitingPref.Store(false)
		w.waitingLogged = false
		return i, true
	}

	if last := w.mgr.LastName(); last != "" {
		if i, ok := snap.IndexOf(last); ok {
			return i, true
		}
	}
	return 0, true
}

// sleep waits for d or until the worker is stopped.
func (w *Worker) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.ctx.Done():
	}
}
