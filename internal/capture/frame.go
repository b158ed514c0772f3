package capture

import "time"

// VideoFrame is one received video frame, copied out of the transport.
//
// Data is BGRA, top-down (row 0 is the top row), tightly packed:
// Stride == Width*4 and len(Data) == Stride*Height. The receiver never
// writes to Data after publishing the frame, and neither may readers; the
// same slice is shared with every subscriber.
type VideoFrame struct {
	Data     []byte
	Width    int
	Height   int
	Stride   int
	Timecode int64 // sender timecode, 100ns units

	Seq        uint64 // per-receiver sequence, starts at 1
	SourceName string
	ReceivedAt time.Time
	TraceID    string
}

// MetadataFrame is one received metadata payload (usually XML).
type MetadataFrame struct {
	Payload    string
	Timecode   int64
	ReceivedAt time.Time
}
