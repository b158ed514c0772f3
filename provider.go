package ndireceiver

import "context"

// FrameReceiver defines the contract a host render loop drives.
//
// Implementations must guarantee:
//   - Setup() returns immediately (non-blocking); discovery runs in the background
//   - Update() never blocks and never fails
//   - Read accessors (IsReady, LatestVideoFrame, Stats, ...) never block and
//     are safe from any goroutine
//   - Disconnect() and Close() are idempotent
type FrameReceiver interface {
	// Setup stores the preferred source name and starts discovery.
	//
	// The preferred name is matched as a case-sensitive substring against
	// discovered names, first match in discovery order. When a preference
	// is set and nothing matches, the receiver waits for it and never falls
	// back to another source. An empty name connects to the first source.
	//
	// Example:
	//   rx, _ := ndireceiver.New(binding, ndireceiver.DefaultConfig())
	//   defer rx.Close()
	//   if err := rx.Setup(ctx, "STUDIO"); err != nil {
	//       log.Fatal(err)
	//   }
	//   for range ticker.C {
	//       rx.Update()
	//       if f, ok := rx.LatestVideoFrame(); ok {
	//           draw(f)
	//       }
	//   }
	Setup(ctx context.Context, preferred string) error

	// Update pulls the next frames from the live connection. Call once per
	// host tick.
	Update()

	// IsReady reports whether a source is connected.
	IsReady() bool

	// CurrentSourceIndex returns the connected source's index, or -1.
	CurrentSourceIndex() int

	// CurrentSourceName returns the connected source's name, or "none".
	CurrentSourceName() string

	// SourceCount returns the number of discovered sources.
	SourceCount() int

	// Sources returns the discovered sources in discovery order.
	Sources() []Source

	// SwitchSource manually connects to the source at index. An automatic
	// attempt in flight is waited out; a concurrent SwitchSource fails with
	// ErrConnectInProgress.
	SwitchSource(ctx context.Context, index int) error

	// Disconnect closes the connection and pauses automatic reconnection.
	Disconnect()

	// LatestVideoFrame returns the newest video frame (BGRA, top-down).
	LatestVideoFrame() (VideoFrame, bool)

	// LatestMetadataFrame returns the newest metadata frame.
	LatestMetadataFrame() (MetadataFrame, bool)

	// State returns the connection state.
	State() ConnectionState

	// Stats returns current statistics.
	Stats() ReceiverStats

	// Close stops discovery, disconnects and releases the transport.
	Close() error
}

var _ FrameReceiver = (*Receiver)(nil)
