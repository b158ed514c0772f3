package connection

import "errors"

var (
	// ErrInvalidSource is returned when the requested index is outside the
	// current source snapshot. No state changes.
	ErrInvalidSource = errors.New("invalid source index")

	// ErrConnectionFailed wraps a transport error from OpenConnection.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectInProgress is returned when another attempt is already
	// running. No state changes.
	ErrConnectInProgress = errors.New("connection attempt in progress")

	// ErrAborted is returned when Disconnect raced an attempt; the freshly
	// opened session has been closed again.
	ErrAborted = errors.New("connection attempt aborted")
)
