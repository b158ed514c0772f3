// Package ndireceiver receives video and metadata from network video
// sources (NDI senders) that appear, disappear and change at runtime.
//
// A Receiver discovers sources in the background, connects to a preferred
// (or the first) source, reconnects after loss, and exposes the most
// recent frame to a host render loop that calls Update once per tick.
//
// # Quick Start
//
//	opener, err := gst.New(gst.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	binding := transport.Combine(mdns.New(mdns.Config{}), opener)
//
//	rx, err := ndireceiver.New(binding, ndireceiver.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rx.Close()
//
//	if err := rx.Setup(ctx, "CAM"); err != nil {
//	    log.Fatal(err)
//	}
//
//	ticker := time.NewTicker(time.Second / 60)
//	for range ticker.C {
//	    rx.Update()
//	    if frame, ok := rx.LatestVideoFrame(); ok {
//	        render(frame.Data, frame.Width, frame.Height)
//	    }
//	}
//
// # Components
//
//   - Source registry: immutable snapshots of discovered names, swapped atomically
//   - Connection manager: at most one live session; Idle, Discovering,
//     Connecting, Connected, Lost
//   - Discovery worker: one goroutine; waits for source-list changes with a
//     bounded timeout, (re)connects, retries failures with exponential backoff
//   - Frame capture: non-blocking poll, copy then release, latest value wins
//
// # Frame Format
//
// Video frames are BGRA, 4 bytes per pixel, rows top-down (row 0 is the top
// of the image), Stride == Width*4. Bottom-up transport buffers are flipped
// during the copy. Frame data is shared between readers; do not modify it.
//
// # Threading
//
// Update and the read accessors are meant for the host's tick goroutine
// but are safe from any goroutine. The only blocking call inside the
// receiver is the worker's wait for a source-list change, bounded by
// Config.ChangeTimeout; Close cancels it and waits for the worker before
// releasing the transport.
//
// # Error Handling
//
// Only construction fails synchronously (ErrUnsupportedPlatform,
// ErrInitialization). Connection failures move the receiver to Lost and
// are retried in the background; IsReady stays false until a connection is
// back. A preferred source that never appears is a waiting state reported
// by Stats().WaitingForPreferred, not an error.
package ndireceiver
