// Package connection owns the single active receive session and the
// connection state machine.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/registry"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

// Opener is the subset of transport.Binding the manager drives.
type Opener interface {
	OpenConnection(ctx context.Context, sourceName string) (transport.Session, error)
	CloseConnection(s transport.Session) error
	SetVisibility(s transport.Session, program, preview bool) error
}

// Sources is the registry view used to resolve indices.
type Sources interface {
	Snapshot() registry.Snapshot
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Attempts uint64
	Connects uint64
	Failures uint64
	Losses   uint64

	// Failures by transport.ErrorCategory
	FailuresNetwork     uint64
	FailuresRefused     uint64
	FailuresUnavailable uint64
	FailuresUnknown     uint64
}

type target struct {
	index int
	name  string
}

// Manager is the ConnectionManager.
//
// Concurrency:
//   - State, target and the connecting guard are atomics; readers never block
//   - The session handle is guarded by mu. The write lock is held only for
//     pointer swaps, never across a transport call
//   - Capture borrows the session through WithSession, which uses TryRLock
//     so the foreground tick never waits on a teardown
type Manager struct {
	opener   Opener
	sources  Sources
	logger   *slog.Logger
	onChange func(StateChange)

	state      atomic.Int32
	target     atomic.Pointer[target]
	lastName   atomic.Pointer[string]
	connecting atomic.Bool

	mu      sync.RWMutex
	session transport.Session
	gen     uint64 // bumped for every installed session
	epoch   uint64 // snapshot epoch the session was opened against
	abort   uint64 // bumped by Disconnect to cancel in-flight attempts

	attempts    atomic.Uint64
	connects    atomic.Uint64
	failures    atomic.Uint64
	losses      atomic.Uint64
	failByClass [4]atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithStateHook registers fn to receive every state transition. fn runs on
// the goroutine that caused the transition and must not block.
func WithStateHook(fn func(StateChange)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// New creates a manager in Idle.
func New(opener Opener, sources Sources, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		opener:  opener,
		sources: sources,
		logger:  logger,
	}
	m.target.Store(&target{index: -1})
	empty := ""
	m.lastName.Store(&empty)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens a session to the source at index in the current snapshot.
//
// Sequence:
//  1. Range check (ErrInvalidSource, no state change)
//  2. Guard: a concurrent attempt gets ErrConnectInProgress, no state change
//  3. Connecting; any existing session is closed first
//  4. OpenConnection, then tally (program visible, preview not)
//  5. Connected on success, Lost + ErrConnectionFailed on failure
//
// Connect never retries on its own.
func (m *Manager) Connect(ctx context.Context, index int) error {
	snap := m.sources.Snapshot()
	name, ok := snap.Name(index)
	if !ok {
		return fmt.Errorf("%w: index %d (have %d sources)", ErrInvalidSource, index, snap.Count())
	}

	if !m.connecting.CompareAndSwap(false, true) {
		return ErrConnectInProgress
	}
	defer m.connecting.Store(false)

	m.attempts.Add(1)

	m.mu.Lock()
	abort := m.abort
	old := m.session
	m.session = nil
	m.target.Store(&target{index: index, name: name})
	from := m.swapState(Connecting)
	m.mu.Unlock()

	m.emit(from, Connecting, index, name, nil)

	if old != nil {
		m.closeSession(old, "switching source")
	}

	m.logger.Info("connection: connecting",
		"source", name,
		"index", index,
		"epoch", snap.Epoch,
	)

	start := time.Now()
	sess, err := m.opener.OpenConnection(ctx, name)
	if err != nil {
		category := transport.ClassifyError(err)
		m.failures.Add(1)
		m.failByClass[category].Add(1)

		m.mu.Lock()
		aborted := m.abort != abort
		if !aborted {
			from = m.swapState(Lost)
		}
		m.mu.Unlock()

		if aborted {
			return fmt.Errorf("%w: %q: %w", ErrAborted, name, err)
		}
		m.emit(from, Lost, index, name, err)

		m.logger.Warn("connection: connect failed",
			"source", name,
			"index", index,
			"category", category.String(),
			"error", err,
			"elapsed", time.Since(start),
		)
		return fmt.Errorf("%w: %q [%s]: %w", ErrConnectionFailed, name, category, err)
	}

	if err := m.opener.SetVisibility(sess, true, false); err != nil {
		m.logger.Warn("connection: tally update failed",
			"source", name,
			"error", err,
		)
	}

	m.mu.Lock()
	if m.abort != abort || ctx.Err() != nil {
		cancelled := m.abort == abort
		if cancelled {
			from = m.swapState(Lost)
		}
		m.mu.Unlock()
		m.closeSession(sess, "attempt aborted")
		if cancelled {
			m.emit(from, Lost, index, name, ctx.Err())
		}
		return fmt.Errorf("%w: %q", ErrAborted, name)
	}
	m.session = sess
	m.gen++
	m.epoch = snap.Epoch
	m.lastName.Store(&name)
	from = m.swapState(Connected)
	m.mu.Unlock()

	m.connects.Add(1)
	m.emit(from, Connected, index, name, nil)

	m.logger.Info("connection: connected",
		"source", name,
		"index", index,
		"session_id", sess.ID(),
		"elapsed", time.Since(start),
	)
	return nil
}

// Disconnect closes the active session (if any) and moves to Idle. An
// attempt running concurrently is aborted. Calling it twice is the same as
// calling it once.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.abort++
	sess := m.session
	m.session = nil
	m.target.Store(&target{index: -1})
	from := m.swapState(Idle)
	m.mu.Unlock()

	if sess != nil {
		m.closeSession(sess, "disconnect")
	}
	if from != Idle {
		m.emit(from, Idle, -1, "", nil)
		m.logger.Info("connection: disconnected", "from", from.String())
	}
}

// MarkLost tears down the current session and moves Connected → Lost.
// It returns false when there was no live session.
func (m *Manager) MarkLost(reason error) bool {
	m.mu.RLock()
	gen := m.gen
	m.mu.RUnlock()
	return m.MarkSessionLost(gen, reason)
}

// MarkSessionLost is MarkLost for a specific session generation, as handed
// out by WithSession. A stale generation is ignored, so a late report about
// an already replaced session cannot tear down its successor.
func (m *Manager) MarkSessionLost(gen uint64, reason error) bool {
	m.mu.Lock()
	if m.session == nil || m.gen != gen {
		m.mu.Unlock()
		return false
	}
	sess := m.session
	m.session = nil
	t := m.target.Load()
	from := m.swapState(Lost)
	m.mu.Unlock()

	m.losses.Add(1)
	m.closeSession(sess, "lost")
	m.emit(from, Lost, t.index, t.name, reason)

	m.logger.Warn("connection: source lost",
		"source", t.name,
		"reason", reason,
	)
	return true
}

// MarkDiscovering reports that the worker is looking for sources with no
// connection live. Only Idle and Lost move to Discovering.
func (m *Manager) MarkDiscovering() {
	for {
		cur := State(m.state.Load())
		if cur != Idle && cur != Lost {
			return
		}
		if m.state.CompareAndSwap(int32(cur), int32(Discovering)) {
			m.emit(cur, Discovering, -1, "", nil)
			return
		}
	}
}

// WithSession calls fn with the live session and its generation. It returns
// false without calling fn when there is no session or a teardown currently
// holds it. fn must not call back into the manager.
func (m *Manager) WithSession(fn func(s transport.Session, gen uint64)) bool {
	if !m.mu.TryRLock() {
		return false
	}
	defer m.mu.RUnlock()
	if m.session == nil {
		return false
	}
	fn(m.session, m.gen)
	return true
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsConnected reports whether a session is live.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// CurrentIndex returns the index of the connecting/connected source,
// re-resolved by name against the latest snapshot. ok is false in any other
// state or when the source is no longer listed.
func (m *Manager) CurrentIndex() (int, bool) {
	st := m.State()
	if st != Connecting && st != Connected {
		return -1, false
	}
	t := m.target.Load()
	snap := m.sources.Snapshot()
	if name, ok := snap.Name(t.index); ok && name == t.name {
		return t.index, true
	}
	return snap.IndexOf(t.name)
}

// CurrentName returns the connecting/connected source name, or "".
func (m *Manager) CurrentName() string {
	st := m.State()
	if st != Connecting && st != Connected {
		return ""
	}
	return m.target.Load().name
}

// LastName returns the name of the most recently connected source, kept
// across loss so the worker can reconnect by name.
func (m *Manager) LastName() string {
	return *m.lastName.Load()
}

// Epoch returns the snapshot epoch the live session was opened against.
func (m *Manager) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// Stats returns the manager counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Attempts:            m.attempts.Load(),
		Connects:            m.connects.Load(),
		Failures:            m.failures.Load(),
		Losses:              m.losses.Load(),
		FailuresNetwork:     m.failByClass[transport.ErrCategoryNetwork].Load(),
		FailuresRefused:     m.failByClass[transport.ErrCategoryRefused].Load(),
		FailuresUnavailable: m.failByClass[transport.ErrCategoryUnavailable].Load(),
		FailuresUnknown:     m.failByClass[transport.ErrCategoryUnknown].Load(),
	}
}

// swapState stores to and returns the previous state. Callers hold mu.
func (m *Manager) swapState(to State) State {
	return State(m.state.Swap(int32(to)))
}

func (m *Manager) emit(from, to State, index int, name string, err error) {
	if m.onChange == nil || from == to {
		return
	}
	m.onChange(StateChange{
		From:  from,
		To:    to,
		Index: index,
		Name:  name,
		Err:   err,
		At:    time.Now(),
	})
}

func (m *Manager) closeSession(s transport.Session, why string) {
	if err := m.opener.CloseConnection(s); err != nil && !errors.Is(err, transport.ErrSessionClosed) {
		m.logger.Warn("connection: close failed",
			"session_id", s.ID(),
			"source", s.SourceName(),
			"reason", why,
			"error", err,
		)
		return
	}
	m.logger.Debug("connection: session closed",
		"session_id", s.ID(),
		"source", s.SourceName(),
		"reason", why,
	)
}
