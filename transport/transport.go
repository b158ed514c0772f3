// Package transport defines the contract between the receiver core and the
// video-over-network SDK that actually finds sources and moves pixels.
//
// The core never talks to the network itself. Everything it needs is one of
// the primitives below, and every implementation (the in-memory simulator,
// the mDNS finder, the GStreamer session opener) plugs in through Binding.
//
// Buffer ownership:
//
//	CaptureNext ──► *VideoBuffer (borrowed, owned by the binding)
//	                   │ caller copies Data out
//	                   ▼
//	ReleaseVideo ◄── caller hands the buffer back, never touches it again
//
// A buffer is valid only between the CaptureNext that returned it and the
// matching Release call.
package transport

import (
	"context"
	"time"
)

// Kind identifies what CaptureNext produced.
type Kind int

const (
	// KindNone means nothing was available within the timeout.
	KindNone Kind = iota
	// KindVideo carries a VideoBuffer.
	KindVideo
	// KindMetadata carries a MetadataBuffer.
	KindMetadata
	// KindAudio is reported by some SDKs; the receiver ignores it.
	KindAudio
	// KindStatusChange is reported when the remote sender changed its
	// settings; the receiver ignores it.
	KindStatusChange
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindVideo:
		return "video"
	case KindMetadata:
		return "metadata"
	case KindAudio:
		return "audio"
	case KindStatusChange:
		return "status_change"
	default:
		return "unknown"
	}
}

// VideoBuffer is a borrowed view of one decoded video frame in BGRA.
//
// Stride is the distance in bytes between the starts of two consecutive
// rows in Data. A negative Stride marks a bottom-up buffer: Data starts with
// the bottom row of the image and each following row is one row higher.
// Zero means tightly packed top-down rows (Width*4).
type VideoBuffer struct {
	Data     []byte
	Width    int
	Height   int
	Stride   int
	Timecode int64 // 100ns units, as the sender stamped it
}

// MetadataBuffer is a borrowed view of one metadata frame (usually XML).
type MetadataBuffer struct {
	Data     []byte
	Timecode int64
}

// Capture is the result of a single CaptureNext call.
type Capture struct {
	Kind     Kind
	Video    *VideoBuffer
	Metadata *MetadataBuffer
}

// Session is an opaque handle to one live receive session.
type Session interface {
	// ID is unique per opened session, never reused.
	ID() string
	// SourceName is the discovered name the session was opened against.
	SourceName() string
}

// Discoverer is the discovery half of a Binding.
type Discoverer interface {
	// Initialize allocates discovery resources. It is called once, before
	// any other method.
	Initialize() error

	// DiscoverSources returns the names currently visible, in a stable
	// discovery order. It may wait up to timeout for the network to answer.
	DiscoverSources(ctx context.Context, timeout time.Duration) ([]string, error)

	// WaitForSourceChange blocks until the visible set changes or timeout
	// elapses. It returns false on timeout.
	WaitForSourceChange(ctx context.Context, timeout time.Duration) (bool, error)

	// Close releases discovery resources.
	Close() error
}

// SessionOpener is the connection/capture half of a Binding.
//
// CaptureNext may be called concurrently with CloseConnection for a
// different session, never for the same one: the receiver serializes
// capture and teardown of a session.
type SessionOpener interface {
	Initialize() error
	OpenConnection(ctx context.Context, sourceName string) (Session, error)
	CloseConnection(s Session) error
	SetVisibility(s Session, program, preview bool) error
	CaptureNext(s Session, timeout time.Duration) (Capture, error)
	ReleaseVideo(s Session, buf *VideoBuffer)
	ReleaseMetadata(s Session, buf *MetadataBuffer)
	Close() error
}

// Binding is the full set of primitives the receiver core consumes.
type Binding interface {
	Initialize() error
	DiscoverSources(ctx context.Context, timeout time.Duration) ([]string, error)
	WaitForSourceChange(ctx context.Context, timeout time.Duration) (bool, error)
	OpenConnection(ctx context.Context, sourceName string) (Session, error)
	CloseConnection(s Session) error
	SetVisibility(s Session, program, preview bool) error
	CaptureNext(s Session, timeout time.Duration) (Capture, error)
	ReleaseVideo(s Session, buf *VideoBuffer)
	ReleaseMetadata(s Session, buf *MetadataBuffer)
	Close() error
}
