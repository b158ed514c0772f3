// Package capture pulls frames from the active session without blocking
// and keeps only the most recent video and metadata frame.
package capture

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

// Result tells the caller what one PollOnce produced.
type Result int

const (
	// NoFrame means nothing was available (or no session is live).
	NoFrame Result = iota
	// Video means a new video frame was stored.
	Video
	// Metadata means a new metadata frame was stored.
	Metadata
	// Skipped means something was received and dropped (audio, status
	// change, malformed buffer). More may be waiting.
	Skipped
)

// String returns a human-readable name.
func (r Result) String() string {
	switch r {
	case NoFrame:
		return "no_frame"
	case Video:
		return "video"
	case Metadata:
		return "metadata"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Capturer is the capture half of transport.Binding.
type Capturer interface {
	CaptureNext(s transport.Session, timeout time.Duration) (transport.Capture, error)
	ReleaseVideo(s transport.Session, buf *transport.VideoBuffer)
	ReleaseMetadata(s transport.Session, buf *transport.MetadataBuffer)
}

// SessionSource lends the live session to the poller. It is implemented by
// connection.Manager.
type SessionSource interface {
	IsConnected() bool
	WithSession(fn func(s transport.Session, gen uint64)) bool
	MarkSessionLost(gen uint64, reason error) bool
}

// Stats is a snapshot of capture counters.
type Stats struct {
	Polls           uint64
	VideoFrames     uint64
	MetadataFrames  uint64
	BytesCopied     uint64
	Ignored         uint64 // kinds the receiver does not handle
	ConvertErrors   uint64
	CaptureErrors   uint64
	VideoOverwrites uint64 // video frames replaced before anyone read them
	MetaOverwrites  uint64
	LastFrameAt     time.Time
}

// Capture is the FrameCapture component.
type Capture struct {
	binding Capturer
	conn    SessionSource
	logger  *slog.Logger
	onVideo func(*VideoFrame)

	video Slot[VideoFrame]
	meta  Slot[MetadataFrame]

	seq           atomic.Uint64
	polls         atomic.Uint64
	bytesCopied   atomic.Uint64
	ignored       atomic.Uint64
	convertErrors atomic.Uint64
	captureErrors atomic.Uint64
	lastFrameAt   atomic.Int64
}

// Option configures a Capture.
type Option func(*Capture)

// WithVideoHook calls fn with every stored video frame, on the polling
// goroutine. fn must not block or modify the frame.
func WithVideoHook(fn func(*VideoFrame)) Option {
	return func(c *Capture) { c.onVideo = fn }
}

// New creates a poller.
func New(binding Capturer, conn SessionSource, logger *slog.Logger, opts ...Option) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Capture{
		binding: binding,
		conn:    conn,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PollOnce performs at most one non-blocking capture on the live session.
//
// Behavior:
//   - No live session (or a teardown holds it): NoFrame, no transport call
//   - Video/metadata: copied out, released back to the transport, stored
//   - Other kinds: Skipped
//   - Transport error: the session is reported lost and NoFrame returned;
//     the discovery worker takes care of reconnecting
func (c *Capture) PollOnce() Result {
	if !c.conn.IsConnected() {
		return NoFrame
	}

	var (
		res    = NoFrame
		gen    uint64
		source string
		err    error
	)
	ok := c.conn.WithSession(func(s transport.Session, g uint64) {
		gen, source = g, s.SourceName()
		res, err = c.poll(s)
	})
	if !ok {
		return NoFrame
	}
	c.polls.Add(1)

	if err != nil {
		c.captureErrors.Add(1)
		c.logger.Warn("capture: session error",
			"source", source,
			"category", transport.ClassifyError(err).String(),
			"error", err,
		)
		// outside WithSession: MarkSessionLost takes the write lock
		c.conn.MarkSessionLost(gen, err)
		return NoFrame
	}
	return res
}

func (c *Capture) poll(s transport.Session) (Result, error) {
	got, err := c.binding.CaptureNext(s, 0)
	if err != nil {
		return NoFrame, err
	}

	switch got.Kind {
	case transport.KindVideo:
		if got.Video == nil {
			return Skipped, nil
		}
		return c.storeVideo(s, got.Video), nil

	case transport.KindMetadata:
		if got.Metadata == nil {
			return Skipped, nil
		}
		return c.storeMetadata(s, got.Metadata), nil

	case transport.KindNone:
		return NoFrame, nil

	default:
		c.ignored.Add(1)
		return Skipped, nil
	}
}

func (c *Capture) storeVideo(s transport.Session, buf *transport.VideoBuffer) Result {
	// release even if the copy fails
	defer c.binding.ReleaseVideo(s, buf)

	data, err := copyTopDown(buf)
	if err != nil {
		c.convertErrors.Add(1)
		c.logger.Warn("capture: dropping video frame",
			"source", s.SourceName(),
			"error", err,
		)
		return Skipped
	}

	now := time.Now()
	frame := &VideoFrame{
		Data:       data,
		Width:      buf.Width,
		Height:     buf.Height,
		Stride:     buf.Width * bytesPerPixel,
		Timecode:   buf.Timecode,
		Seq:        c.seq.Add(1),
		SourceName: s.SourceName(),
		ReceivedAt: now,
		TraceID:    uuid.New().String(),
	}
	c.bytesCopied.Add(uint64(len(data)))
	c.lastFrameAt.Store(now.UnixNano())
	c.video.Store(frame)

	c.logger.Debug("capture: video frame",
		"seq", frame.Seq,
		"size_bytes", len(data),
		"trace_id", frame.TraceID,
	)

	if c.onVideo != nil {
		c.onVideo(frame)
	}
	return Video
}

func (c *Capture) storeMetadata(s transport.Session, buf *transport.MetadataBuffer) Result {
	payload := string(buf.Data)
	timecode := buf.Timecode
	c.binding.ReleaseMetadata(s, buf)

	c.meta.Store(&MetadataFrame{
		Payload:    payload,
		Timecode:   timecode,
		ReceivedAt: time.Now(),
	})
	return Metadata
}

// LatestVideo returns the most recent video frame.
func (c *Capture) LatestVideo() (*VideoFrame, bool) {
	f := c.video.Load()
	return f, f != nil
}

// LatestMetadata returns the most recent metadata frame.
func (c *Capture) LatestMetadata() (*MetadataFrame, bool) {
	f := c.meta.Load()
	return f, f != nil
}

// Stats returns the capture counters.
func (c *Capture) Stats() Stats {
	st := Stats{
		Polls:           c.polls.Load(),
		VideoFrames:     c.video.Stores(),
		MetadataFrames:  c.meta.Stores(),
		BytesCopied:     c.bytesCopied.Load(),
		Ignored:         c.ignored.Load(),
		ConvertErrors:   c.convertErrors.Load(),
		CaptureErrors:   c.captureErrors.Load(),
		VideoOverwrites: c.video.Overwritten(),
		MetaOverwrites:  c.meta.Overwritten(),
	}
	if ns := c.lastFrameAt.Load(); ns != 0 {
		st.LastFrameAt = time.Unix(0, ns)
	}
	return st
}
