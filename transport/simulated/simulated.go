// Package simulated provides an in-memory transport.Binding.
//
// Sources, frames and failures are scripted by the caller. The binding keeps
// the same ownership rules as a real SDK (borrowed buffers must be released)
// and counts everything so tests can assert on it.
package simulated

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

// maxPending bounds the per-source frame queue. Older frames are dropped
// first, like a real receive queue that nobody drains.
const maxPending = 8

// Binding is a scripted transport.Binding. The zero value is not usable;
// call New.
type Binding struct {
	mu       sync.Mutex
	sources  []string
	version  uint64
	seen     uint64
	changed  chan struct{}
	pending  map[string][]transport.Capture
	sessions map[string]*session

	initErr     error
	discoverErr error
	failOpen    map[string]error
	openDelay   time.Duration
	closed      bool

	opens          []string
	visibility     map[string][2]bool
	outstanding    atomic.Int64
	maxLive        atomic.Int64
	videoReleased  atomic.Uint64
	metaReleased   atomic.Uint64
	droppedPending atomic.Uint64
}

type session struct {
	id     string
	source string
	closed atomic.Bool
	lost   atomic.Bool
}

func (s *session) ID() string         { return s.id }
func (s *session) SourceName() string { return s.source }

// Option configures a Binding.
type Option func(*Binding)

// WithInitError makes Initialize fail with err.
func WithInitError(err error) Option {
	return func(b *Binding) { b.initErr = err }
}

// WithOpenDelay makes every OpenConnection take d.
func WithOpenDelay(d time.Duration) Option {
	return func(b *Binding) { b.openDelay = d }
}

// New creates a binding that initially sees sources (in that order).
func New(sources []string, opts ...Option) *Binding {
	b := &Binding{
		sources:    slices.Clone(sources),
		changed:    make(chan struct{}),
		pending:    make(map[string][]transport.Capture),
		sessions:   make(map[string]*session),
		failOpen:   make(map[string]error),
		visibility: make(map[string][2]bool),
	}
	if len(sources) > 0 {
		b.version = 1
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ transport.Binding = (*Binding)(nil)

// --- scripting ---

// SetSources replaces the visible source list and wakes any waiter.
// Sessions whose source disappeared stop producing frames.
func (b *Binding) SetSources(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sources = slices.Clone(names)
	b.version++
	close(b.changed)
	b.changed = make(chan struct{})
}

// FailConnections makes OpenConnection fail for name with err (nil clears).
func (b *Binding) FailConnections(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failOpen, name)
		return
	}
	b.failOpen[name] = err
}

// FailDiscovery makes DiscoverSources fail with err (nil clears).
func (b *Binding) FailDiscovery(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discoverErr = err
}

// LoseSessions marks every live session on name as lost: the next
// CaptureNext on it returns transport.ErrSessionLost.
func (b *Binding) LoseSessions(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		if s.source == name {
			s.lost.Store(true)
		}
	}
}

// PushVideo queues a video frame on source name. Data is copied.
func (b *Binding) PushVideo(name string, buf transport.VideoBuffer) {
	buf.Data = slices.Clone(buf.Data)
	b.push(name, transport.Capture{Kind: transport.KindVideo, Video: &buf})
}

// PushMetadata queues a metadata frame on source name.
func (b *Binding) PushMetadata(name, payload string, timecode int64) {
	b.push(name, transport.Capture{
		Kind:     transport.KindMetadata,
		Metadata: &transport.MetadataBuffer{Data: []byte(payload), Timecode: timecode},
	})
}

// PushKind queues a capture of an arbitrary kind with no payload.
func (b *Binding) PushKind(name string, kind transport.Kind) {
	b.push(name, transport.Capture{Kind: kind})
}

func (b *Binding) push(name string, c transport.Capture) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := append(b.pending[name], c)
	if len(q) > maxPending {
		b.droppedPending.Add(uint64(len(q) - maxPending))
		q = q[len(q)-maxPending:]
	}
	b.pending[name] = q
}

// --- inspection ---

// Opens returns the source names passed to successful and failed
// OpenConnection calls, in call order.
func (b *Binding) Opens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.opens)
}

// LiveSessions returns the number of sessions opened and not yet closed.
func (b *Binding) LiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// MaxLiveSessions returns the highest number of concurrently live sessions
// ever observed.
func (b *Binding) MaxLiveSessions() int {
	return int(b.maxLive.Load())
}

// Visibility returns the last (program, preview) tally set on a session
// for source name.
func (b *Binding) Visibility(name string) (program, preview bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.visibility[name]
	return v[0], v[1]
}

// OutstandingBuffers returns buffers handed out and not yet released.
func (b *Binding) OutstandingBuffers() int64 {
	return b.outstanding.Load()
}

// Released returns how many video and metadata buffers were released.
func (b *Binding) Released() (video, metadata uint64) {
	return b.videoReleased.Load(), b.metaReleased.Load()
}

// Closed reports whether Close was called.
func (b *Binding) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// --- transport.Binding ---

func (b *Binding) Initialize() error {
	return b.initErr
}

func (b *Binding) DiscoverSources(ctx context.Context, _ time.Duration) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discoverErr != nil {
		return nil, b.discoverErr
	}
	return slices.Clone(b.sources), nil
}

// WaitForSourceChange reports a change once per SetSources call, no matter
// whether the waiter was blocked when it happened.
func (b *Binding) WaitForSourceChange(ctx context.Context, timeout time.Duration) (bool, error) {
	b.mu.Lock()
	if b.version != b.seen {
		b.seen = b.version
		b.mu.Unlock()
		return true, nil
	}
	ch := b.changed
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		b.mu.Lock()
		b.seen = b.version
		b.mu.Unlock()
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (b *Binding) OpenConnection(ctx context.Context, name string) (transport.Session, error) {
	if b.openDelay > 0 {
		select {
		case <-time.After(b.openDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.opens = append(b.opens, name)
	if b.closed {
		return nil, fmt.Errorf("simulated: binding closed")
	}
	if err := b.failOpen[name]; err != nil {
		return nil, err
	}
	if !slices.Contains(b.sources, name) {
		return nil, fmt.Errorf("simulated: %q: %w", name, transport.ErrSourceUnavailable)
	}

	s := &session{id: uuid.NewString(), source: name}
	b.sessions[s.id] = s
	if live := int64(len(b.sessions)); live > b.maxLive.Load() {
		b.maxLive.Store(live)
	}
	return s, nil
}

func (b *Binding) CloseConnection(ts transport.Session) error {
	s, ok := ts.(*session)
	if !ok {
		return fmt.Errorf("simulated: foreign session %T", ts)
	}
	if !s.closed.CompareAndSwap(false, true) {
		return transport.ErrSessionClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, s.id)
	return nil
}

func (b *Binding) SetVisibility(ts transport.Session, program, preview bool) error {
	s, ok := ts.(*session)
	if !ok || s.closed.Load() {
		return transport.ErrSessionClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.visibility[s.source] = [2]bool{program, preview}
	return nil
}

func (b *Binding) CaptureNext(ts transport.Session, _ time.Duration) (transport.Capture, error) {
	s, ok := ts.(*session)
	if !ok || s.closed.Load() {
		return transport.Capture{}, transport.ErrSessionClosed
	}
	if s.lost.Load() {
		return transport.Capture{}, fmt.Errorf("simulated: %q: %w", s.source, transport.ErrSessionLost)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !slices.Contains(b.sources, s.source) {
		return transport.Capture{}, nil
	}
	q := b.pending[s.source]
	if len(q) == 0 {
		return transport.Capture{}, nil
	}
	c := q[0]
	b.pending[s.source] = q[1:]
	if c.Video != nil || c.Metadata != nil {
		b.outstanding.Add(1)
	}
	return c, nil
}

func (b *Binding) ReleaseVideo(_ transport.Session, buf *transport.VideoBuffer) {
	if buf == nil {
		return
	}
	b.outstanding.Add(-1)
	b.videoReleased.Add(1)
}

func (b *Binding) ReleaseMetadata(_ transport.Session, buf *transport.MetadataBuffer) {
	if buf == nil {
		return
	}
	b.outstanding.Add(-1)
	b.metaReleased.Add(1)
}

func (b *Binding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.sessions {
		s.closed.Store(true)
		delete(b.sessions, id)
	}
	return nil
}
