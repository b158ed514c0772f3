// Package gst implements the session half of a transport.Binding with
// GStreamer's NDI plugin (ndisrc, ndisrcdemux). Each session is one
// pipeline whose appsink hands BGRA frames to CaptureNext.
package gst

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

// Config configures an Opener.
type Config struct {
	// Width/Height scale frames when both are set; 0 keeps the sender's size
	Width  int
	Height int
	// FPS caps the delivered rate (0 = sender's rate, max 120)
	FPS float64

	// ReceiverName is how this receiver shows up on the sender
	ReceiverName string

	// ConnectTimeout bounds OpenConnection (default 5s)
	ConnectTimeout time.Duration
	// QueueDepth is the number of frames held between the streaming
	// thread and CaptureNext (default 2)
	QueueDepth int

	// Resolve optionally maps a source name to "host:port" so ndisrc can
	// skip its own discovery, e.g. mdns.Finder lookups
	Resolve func(sourceName string) string

	Logger *slog.Logger
}

// Opener opens NDI receive sessions as GStreamer pipelines.
type Opener struct {
	cfg    Config
	logger *slog.Logger
	pool   framePool

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

var _ transport.SessionOpener = (*Opener)(nil)

// New creates an Opener with fail-fast validation. GStreamer itself is
// checked in Initialize.
func New(cfg Config) (*Opener, error) {
	if (cfg.Width == 0) != (cfg.Height == 0) || cfg.Width < 0 || cfg.Height < 0 {
		return nil, fmt.Errorf("gst: invalid size %dx%d (set both or neither)", cfg.Width, cfg.Height)
	}
	if cfg.FPS < 0 || cfg.FPS > 120 {
		return nil, fmt.Errorf("gst: invalid FPS %.2f (must be 0-120)", cfg.FPS)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Opener{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*session),
	}, nil
}

// session is one running pipeline.
type session struct {
	id     string
	source string

	elements *pipelineElements
	queue    *frameQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lostErr atomic.Pointer[error]
	closed  atomic.Bool

	program atomic.Bool
	preview atomic.Bool

	frames atomic.Uint64
	bytes  atomic.Uint64
}

func (s *session) ID() string         { return s.id }
func (s *session) SourceName() string { return s.source }

func (s *session) markLost(err error) {
	s.lostErr.CompareAndSwap(nil, &err)
}

// Initialize checks that GStreamer and the NDI plugin are usable. A
// missing plugin means this machine cannot receive NDI at all.
func (o *Opener) Initialize() error {
	gst.Init(nil)

	probe, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	probe.SetState(gst.StateNull)

	ndi, err := gst.NewElement("ndisrc")
	if err != nil {
		return fmt.Errorf("%w: ndisrc element missing (install the GStreamer NDI plugin and NDI runtime): %v",
			transport.ErrUnsupportedPlatform, err)
	}
	ndi.SetState(gst.StateNull)

	o.logger.Debug("gst: NDI plugin available")
	return nil
}

// OpenConnection builds and starts a pipeline for sourceName and waits for
// it to play.
func (o *Opener) OpenConnection(ctx context.Context, sourceName string) (transport.Session, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("gst: opener closed: %w", transport.ErrSessionClosed)
	}
	o.mu.Unlock()

	pcfg := pipelineConfig{
		SourceName:     sourceName,
		ReceiverName:   o.cfg.ReceiverName,
		Width:          o.cfg.Width,
		Height:         o.cfg.Height,
		FPS:            o.cfg.FPS,
		ConnectTimeout: uint(o.cfg.ConnectTimeout.Milliseconds()),
	}
	if o.cfg.Resolve != nil {
		pcfg.URLAddress = o.cfg.Resolve(sourceName)
	}

	elements, err := createPipeline(pcfg, o.logger)
	if err != nil {
		return nil, fmt.Errorf("gst: %q: %w", sourceName, err)
	}

	s := &session{
		id:       uuid.New().String(),
		source:   sourceName,
		elements: elements,
		queue:    newFrameQueue(o.cfg.QueueDepth, &o.pool),
	}

	sc := &sampleContext{
		queue:  s.queue,
		pool:   &o.pool,
		frames: &s.frames,
		bytes:  &s.bytes,
		logger: o.logger,
	}
	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			if s.closed.Load() {
				return gst.FlowEOS
			}
			return onNewSample(sink, sc)
		},
	})
	elements.Demux.Connect("pad-added", func(_ *gst.Element, pad *gst.Pad) {
		onPadAdded(pad, elements.Queue, o.logger)
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		_ = destroyPipeline(elements)
		return nil, fmt.Errorf("gst: %q: failed to start pipeline: %w", sourceName, err)
	}
	if err := waitPlaying(ctx, elements.Pipeline, o.cfg.ConnectTimeout); err != nil {
		_ = destroyPipeline(elements)
		return nil, fmt.Errorf("gst: %q: %w", sourceName, err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitorBus(s.ctx, elements.Pipeline, sourceName, s.markLost, o.logger)
	}()

	o.mu.Lock()
	o.sessions[s.id] = s
	o.mu.Unlock()

	o.logger.Info("gst: session playing",
		"source", sourceName,
		"session", s.id,
		"url_address", pcfg.URLAddress,
	)
	return s, nil
}

// CloseConnection stops the session's pipeline.
func (o *Opener) CloseConnection(ts transport.Session) error {
	s, ok := ts.(*session)
	if !ok {
		return fmt.Errorf("gst: foreign session %T", ts)
	}
	if !s.closed.CompareAndSwap(false, true) {
		return transport.ErrSessionClosed
	}

	o.mu.Lock()
	delete(o.sessions, s.id)
	o.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	err := destroyPipeline(s.elements)
	s.queue.drain()

	o.logger.Info("gst: session closed",
		"source", s.source,
		"session", s.id,
		"frames", s.frames.Load(),
		"frames_dropped", s.queue.dropped.Load(),
	)
	return err
}

// SetVisibility records the tally for the session. The GStreamer plugin
// has no tally property, so senders do not see it.
func (o *Opener) SetVisibility(ts transport.Session, program, preview bool) error {
	s, ok := ts.(*session)
	if !ok || s.closed.Load() {
		return transport.ErrSessionClosed
	}
	s.program.Store(program)
	s.preview.Store(preview)
	o.logger.Debug("gst: tally", "source", s.source, "program", program, "preview", preview)
	return nil
}

// CaptureNext returns the next queued frame. The pipeline only carries
// video, so metadata is never returned.
func (o *Opener) CaptureNext(ts transport.Session, timeout time.Duration) (transport.Capture, error) {
	s, ok := ts.(*session)
	if !ok || s.closed.Load() {
		return transport.Capture{}, transport.ErrSessionClosed
	}
	if errp := s.lostErr.Load(); errp != nil {
		return transport.Capture{}, *errp
	}

	buf := s.queue.pop(timeout)
	if buf == nil {
		return transport.Capture{}, nil
	}
	return transport.Capture{Kind: transport.KindVideo, Video: buf}, nil
}

// ReleaseVideo recycles the frame buffer.
func (o *Opener) ReleaseVideo(_ transport.Session, buf *transport.VideoBuffer) {
	if buf == nil {
		return
	}
	o.pool.put(buf.Data)
	buf.Data = nil
}

// ReleaseMetadata is a no-op; metadata is never produced.
func (o *Opener) ReleaseMetadata(transport.Session, *transport.MetadataBuffer) {}

// Close stops every open session.
func (o *Opener) Close() error {
	o.mu.Lock()
	o.closed = true
	open := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		open = append(open, s)
	}
	o.mu.Unlock()

	var errs []error
	for _, s := range open {
		if err := o.CloseConnection(s); err != nil && !errors.Is(err, transport.ErrSessionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
