// Package status publishes receiver state changes and periodic stats to an
// MQTT broker so a fleet of receivers can be watched from one place.
package status

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Event kinds.
const (
	KindState = "state"
	KindStats = "stats"
)

// Event is one status message.
type Event struct {
	Receiver string    `json:"receiver" msgpack:"receiver"`
	Kind     string    `json:"kind" msgpack:"kind"`
	At       time.Time `json:"at" msgpack:"at"`

	// state events
	From   string `json:"from,omitempty" msgpack:"from,omitempty"`
	State  string `json:"state,omitempty" msgpack:"state,omitempty"`
	Source string `json:"source,omitempty" msgpack:"source,omitempty"`
	Index  int    `json:"index" msgpack:"index"`
	Error  string `json:"error,omitempty" msgpack:"error,omitempty"`

	// stats events
	Stats *Counters `json:"stats,omitempty" msgpack:"stats,omitempty"`
}

// Counters is the stats payload.
type Counters struct {
	Sources          int     `json:"sources" msgpack:"sources"`
	VideoFrames      uint64  `json:"video_frames" msgpack:"video_frames"`
	MetadataFrames   uint64  `json:"metadata_frames" msgpack:"metadata_frames"`
	FramesOverwrite  uint64  `json:"frames_overwritten" msgpack:"frames_overwritten"`
	ConnectAttempts  uint64  `json:"connect_attempts" msgpack:"connect_attempts"`
	ConnectFailures  uint64  `json:"connect_failures" msgpack:"connect_failures"`
	Reconnects       uint64  `json:"reconnects" msgpack:"reconnects"`
	Losses           uint64  `json:"losses" msgpack:"losses"`
	FPS              float64 `json:"fps" msgpack:"fps"`
	UptimeSeconds    float64 `json:"uptime_s" msgpack:"uptime_s"`
	WaitingPreferred bool    `json:"waiting_for_preferred" msgpack:"waiting_for_preferred"`
}

// Encoding selects the wire format.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// ParseEncoding accepts "json", "msgpack" or "" (JSON).
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingMsgpack:
		return EncodingMsgpack, nil
	default:
		return "", fmt.Errorf("status: unknown encoding %q (must be json or msgpack)", s)
	}
}

// Encode serializes e.
func Encode(e Event, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingMsgpack:
		return msgpack.Marshal(e)
	case EncodingJSON, "":
		return json.Marshal(e)
	default:
		return nil, fmt.Errorf("status: unknown encoding %q", enc)
	}
}
