package ndireceiver

import (
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/capture"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/connection"
)

// Source is one discovered sender. Index is its position in the source
// list at the time Sources was called and may change after any refresh.
type Source struct {
	Name  string
	Index int
}

// ConnectionState is the receiver's lifecycle state.
type ConnectionState = connection.State

const (
	StateIdle        = connection.Idle
	StateDiscovering = connection.Discovering
	StateConnecting  = connection.Connecting
	StateConnected   = connection.Connected
	StateLost        = connection.Lost
)

// StateChange describes one state transition.
type StateChange = connection.StateChange

// VideoFrame is a received video frame: BGRA, top-down, Stride == Width*4.
// Data is shared; treat it as read-only.
type VideoFrame = capture.VideoFrame

// MetadataFrame is a received metadata payload.
type MetadataFrame = capture.MetadataFrame

// ReceiverStats contains current receiver statistics.
type ReceiverStats struct {
	// State is the current connection state
	State ConnectionState
	// SourceName is the connected source, empty when not connected
	SourceName string
	// SourceCount is the number of sources in the latest snapshot
	SourceCount int
	// Epoch identifies the latest source snapshot
	Epoch uint64

	// VideoFrames is the total number of video frames captured
	VideoFrames uint64
	// MetadataFrames is the total number of metadata frames captured
	MetadataFrames uint64
	// FramesOverwritten counts video frames replaced before the host read them
	FramesOverwritten uint64
	// BytesCopied is the total video payload copied out of the transport
	BytesCopied uint64
	// FPS is the measured receive rate over the recent window
	FPS float64
	// FPSStable is true when the recent rate is steady
	FPSStable bool
	// LatencyMS is the time since the last video frame in milliseconds
	LatencyMS int64

	// ConnectAttempts is the number of connection attempts (worker and manual)
	ConnectAttempts uint64
	// ConnectFailures is the number of failed attempts
	ConnectFailures uint64
	// Reconnects counts automatic reconnections after a previous connection
	Reconnects uint64
	// Losses counts connections lost after being established
	Losses uint64
	// DiscoveryCycles is the number of registry refreshes by the worker
	DiscoveryCycles uint64
	// DiscoveryErrors is the number of failed refreshes
	DiscoveryErrors uint64

	// Failures by category
	ErrorsNetwork     uint64
	ErrorsRefused     uint64
	ErrorsUnavailable uint64
	ErrorsUnknown     uint64

	// WaitingForPreferred is true while the preferred name matches nothing
	WaitingForPreferred bool
	// Paused is true after Disconnect until the next SwitchSource
	Paused bool

	// FanoutDrops counts frames dropped by slow subscribers
	FanoutDrops uint64

	Uptime time.Duration
}
