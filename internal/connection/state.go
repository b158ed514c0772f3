package connection

import "time"

// State is the receiver's connection lifecycle state.
//
//	Idle ──► Connecting ──► Connected ──► Lost ──► Connecting ...
//	  ▲           │                          │
//	  │           └────────► Lost            │
//	  └──────────── Disconnect ◄─────────────┘
//
// Discovering is reported while the worker refreshes sources and no
// connection is live.
type State int32

const (
	Idle State = iota
	Discovering
	Connecting
	Connected
	Lost
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// StateChange describes one transition, delivered to the OnStateChange hook.
type StateChange struct {
	From  State
	To    State
	Index int    // target index, -1 when not applicable
	Name  string // target source name, empty when not applicable
	Err   error  // cause for transitions into Lost
	At    time.Time
}
