package ndireceiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/capture"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/connection"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/discovery"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/fanout"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/rate"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/registry"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

// fpsWindowAge drops arrivals older than this from the FPS estimate, so a
// stalled source reads as 0 FPS instead of its last rate.
const fpsWindowAge = 3 * time.Second

// Receiver implements FrameReceiver on top of a transport.Binding.
type Receiver struct {
	cfg     Config
	binding transport.Binding
	logger  *slog.Logger

	reg     *registry.Registry
	mgr     *connection.Manager
	capture *capture.Capture
	fanout  *fanout.Fanout
	meter   *rate.Meter

	setupMu   sync.Mutex
	worker    atomic.Pointer[discovery.Worker]
	switching atomic.Bool

	closed    atomic.Bool
	createdAt time.Time
}

// New initializes the binding and wires the receiver components.
//
// Validates configuration at construction time (fail-fast):
//   - Timeouts must not be negative, retry delays must be ordered
//   - PollsPerTick must be 1-64
//
// Returns ErrUnsupportedPlatform or ErrInitialization (wrapping the
// transport error) when the binding cannot start. Nothing runs in the
// background until Setup.
func New(binding transport.Binding, cfg Config) (*Receiver, error) {
	if binding == nil {
		return nil, fmt.Errorf("ndi-receiver: binding is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ndi-receiver: invalid config: %w", err)
	}

	if err := binding.Initialize(); err != nil {
		if errors.Is(err, transport.ErrUnsupportedPlatform) {
			return nil, fmt.Errorf("ndi-receiver: %w", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	logger := cfg.Logger.With("receiver", cfg.Name)
	r := &Receiver{
		cfg:       cfg,
		binding:   binding,
		logger:    logger,
		fanout:    fanout.New(),
		meter:     rate.NewMeter(rate.DefaultWindow),
		createdAt: time.Now(),
	}

	r.reg = registry.New(binding, cfg.DiscoverTimeout, logger)
	r.mgr = connection.New(binding, r.reg, logger, connection.WithStateHook(r.onStateChange))
	r.capture = capture.New(binding, r.mgr, logger, capture.WithVideoHook(r.onVideo))

	logger.Info("ndi-receiver: created",
		"polls_per_tick", cfg.PollsPerTick,
		"change_timeout", cfg.ChangeTimeout,
	)
	return r, nil
}

// Setup stores the preferred source name and starts the discovery worker.
// It returns immediately; sources and the connection arrive in the
// background. preferred is matched as a case-sensitive substring, first
// match in discovery order. An empty name means "first source".
//
// Cancelling ctx stops automatic discovery; Close is still required.
func (r *Receiver) Setup(ctx context.Context, preferred string) error {
	if r.closed.Load() {
		return ErrClosed
	}

	r.setupMu.Lock()
	defer r.setupMu.Unlock()

	// Close flips closed before it takes setupMu
	if r.closed.Load() {
		return ErrClosed
	}
	if r.worker.Load() != nil {
		return ErrAlreadySetup
	}

	if err := r.fanout.Start(ctx); err != nil {
		return fmt.Errorf("ndi-receiver: start fanout: %w", err)
	}

	w := discovery.New(discovery.Config{
		Preferred:         preferred,
		ChangeTimeout:     r.cfg.ChangeTimeout,
		ConnectingBackoff: r.cfg.ConnectingBackoff,
		Retry: discovery.RetryConfig{
			RetryDelay:    r.cfg.RetryDelay,
			MaxRetryDelay: r.cfg.MaxRetryDelay,
		},
	}, r.binding, r.reg, r.mgr, r.logger)

	if err := w.Start(ctx); err != nil {
		r.fanout.Stop()
		return fmt.Errorf("ndi-receiver: start discovery: %w", err)
	}
	r.worker.Store(w)

	r.logger.Info("ndi-receiver: setup complete", "preferred", preferred)
	return nil
}

// Update pulls up to PollsPerTick frames from the live connection. Call it
// once per host tick. It never blocks and never fails; while there is no
// connection it returns immediately.
func (r *Receiver) Update() {
	if r.closed.Load() {
		return
	}
	for i := 0; i < r.cfg.PollsPerTick; i++ {
		if r.capture.PollOnce() == capture.NoFrame {
			return
		}
	}
}

// IsReady reports whether a source is connected.
func (r *Receiver) IsReady() bool {
	return r.mgr.IsConnected()
}

// State returns the connection state.
func (r *Receiver) State() ConnectionState {
	return r.mgr.State()
}

// CurrentSourceIndex returns the position of the connecting/connected
// source in the latest source list, or -1.
func (r *Receiver) CurrentSourceIndex() int {
	idx, ok := r.mgr.CurrentIndex()
	if !ok {
		return -1
	}
	return idx
}

// CurrentSourceName returns the connecting/connected source name, or "none".
func (r *Receiver) CurrentSourceName() string {
	if r.reg.Count() == 0 {
		return "none"
	}
	if name := r.mgr.CurrentName(); name != "" {
		return name
	}
	return "none"
}

// SourceCount returns the number of sources in the latest list.
func (r *Receiver) SourceCount() int {
	return r.reg.Count()
}

// Sources returns the latest source list.
func (r *Receiver) Sources() []Source {
	snap := r.reg.Snapshot()
	out := make([]Source, len(snap.Names))
	for i, name := range snap.Names {
		out[i] = Source{Name: name, Index: i}
	}
	return out
}

// SwitchSource connects to the source at index in the latest list,
// bypassing the preferred name. It blocks for the duration of the attempt.
// An automatic attempt already in flight is waited out first, polling every
// ConnectingBackoff until it settles or ctx ends.
//
// Returns:
//   - ErrInvalidSource if index is out of range (nothing changes)
//   - ErrConnectInProgress if another SwitchSource is running (nothing changes)
//   - ErrConnectionFailed if the transport refused; the worker retries
//   - ctx.Err() if ctx ends while waiting for an automatic attempt
//
// After a later loss the worker reconnects to this source by name, or to
// the preferred source when one is configured.
func (r *Receiver) SwitchSource(ctx context.Context, index int) error {
	if r.closed.Load() {
		return ErrClosed
	}
	w := r.worker.Load()
	if w == nil {
		return ErrNotSetup
	}
	if !r.switching.CompareAndSwap(false, true) {
		return ErrConnectInProgress
	}
	defer r.switching.Store(false)

	for {
		err := r.mgr.Connect(ctx, index)
		switch {
		case errors.Is(err, ErrConnectInProgress):
			if err := r.backoff(ctx); err != nil {
				return err
			}
			continue
		case errors.Is(err, ErrInvalidSource):
			return err
		}
		w.Resume()
		return err
	}
}

// backoff sleeps ConnectingBackoff. It fails early on ctx or Close.
func (r *Receiver) backoff(ctx context.Context) error {
	t := time.NewTimer(r.cfg.ConnectingBackoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Disconnect closes the live connection and pauses automatic reconnection
// until the next SwitchSource. Idempotent.
func (r *Receiver) Disconnect() {
	if w := r.worker.Load(); w != nil {
		w.Pause()
	}
	r.mgr.Disconnect()
}

// LatestVideoFrame returns the most recent video frame. Only the newest
// frame is kept; frames between two reads are not observable.
func (r *Receiver) LatestVideoFrame() (VideoFrame, bool) {
	f, ok := r.capture.LatestVideo()
	if !ok {
		return VideoFrame{}, false
	}
	return *f, true
}

// LatestMetadataFrame returns the most recent metadata frame.
func (r *Receiver) LatestMetadataFrame() (MetadataFrame, bool) {
	f, ok := r.capture.LatestMetadata()
	if !ok {
		return MetadataFrame{}, false
	}
	return *f, true
}

// Subscribe registers an off-tick consumer of video frames and returns its
// blocking read function. The function returns nil once the subscriber is
// removed or the receiver closes. Slow readers only ever see the newest
// frame. Frames flow once Setup has run.
func (r *Receiver) Subscribe(id string) func() *VideoFrame {
	return r.fanout.Subscribe(id)
}

// Unsubscribe removes a subscriber and wakes its reader.
func (r *Receiver) Unsubscribe(id string) {
	r.fanout.Unsubscribe(id)
}

// Stats returns a snapshot of receiver statistics. Thread-safe.
func (r *Receiver) Stats() ReceiverStats {
	now := time.Now()
	snap := r.reg.Snapshot()
	cst := r.capture.Stats()
	mst := r.mgr.Stats()
	fps := r.meter.Stats(now, fpsWindowAge)

	st := ReceiverStats{
		State:             r.mgr.State(),
		SourceName:        r.mgr.CurrentName(),
		SourceCount:       snap.Count(),
		Epoch:             snap.Epoch,
		VideoFrames:       cst.VideoFrames,
		MetadataFrames:    cst.MetadataFrames,
		FramesOverwritten: cst.VideoOverwrites,
		BytesCopied:       cst.BytesCopied,
		FPS:               fps.FPSMean,
		FPSStable:         fps.IsStable,
		ConnectAttempts:   mst.Attempts,
		ConnectFailures:   mst.Failures,
		Losses:            mst.Losses,
		DiscoveryErrors:   r.reg.Errors(),
		ErrorsNetwork:     mst.FailuresNetwork,
		ErrorsRefused:     mst.FailuresRefused,
		ErrorsUnavailable: mst.FailuresUnavailable,
		ErrorsUnknown:     mst.FailuresUnknown,
		Uptime:            now.Sub(r.createdAt),
	}
	if !cst.LastFrameAt.IsZero() {
		st.LatencyMS = now.Sub(cst.LastFrameAt).Milliseconds()
	}
	if w := r.worker.Load(); w != nil {
		wst := w.Stats()
		st.Reconnects = wst.Reconnects
		st.DiscoveryCycles = wst.Cycles
		st.WaitingForPreferred = wst.WaitingForPreferred
		st.Paused = wst.Paused
	}
	for _, sub := range r.fanout.Stats().Subscribers {
		st.FanoutDrops += sub.TotalDrops
	}
	return st
}

// Close shuts the receiver down. Order:
//  1. Stop the discovery worker and wait for it to exit
//  2. Close the live connection
//  3. Stop frame fan-out (subscribers read nil)
//  4. Release the binding
//
// Safe to call multiple times.
func (r *Receiver) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.logger.Info("ndi-receiver: closing")

	r.setupMu.Lock()
	w := r.worker.Load()
	r.setupMu.Unlock()
	if w != nil {
		w.Stop()
	}

	r.mgr.Disconnect()
	r.fanout.Stop()

	if err := r.binding.Close(); err != nil {
		r.logger.Warn("ndi-receiver: binding close failed", "error", err)
		return fmt.Errorf("ndi-receiver: close binding: %w", err)
	}

	r.logger.Info("ndi-receiver: closed",
		"video_frames", r.capture.Stats().VideoFrames,
		"uptime", time.Since(r.createdAt).Round(time.Second),
	)
	return nil
}

func (r *Receiver) onVideo(f *VideoFrame) {
	r.meter.Mark(f.ReceivedAt)
	r.fanout.Publish(f)
}

func (r *Receiver) onStateChange(c StateChange) {
	if c.To == StateConnecting {
		r.meter.Reset()
	}
	if r.cfg.OnStateChange != nil {
		r.cfg.OnStateChange(c)
	}
}
