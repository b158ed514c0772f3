package ndireceiver

import (
	"errors"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/connection"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

var (
	// ErrUnsupportedPlatform is returned by New when the transport cannot run
	// on this machine.
	ErrUnsupportedPlatform = transport.ErrUnsupportedPlatform

	// ErrInitialization is returned by New when the transport failed to
	// initialize for any other reason.
	ErrInitialization = errors.New("ndi-receiver: initialization failed")

	// ErrInvalidSource is returned by SwitchSource for an index outside the
	// current source list. Nothing changes.
	ErrInvalidSource = connection.ErrInvalidSource

	// ErrConnectionFailed wraps a transport error from opening a session.
	ErrConnectionFailed = connection.ErrConnectionFailed

	// ErrConnectInProgress is returned by SwitchSource while another
	// SwitchSource is running.
	ErrConnectInProgress = connection.ErrConnectInProgress

	// ErrAlreadySetup is returned by a second Setup call.
	ErrAlreadySetup = errors.New("ndi-receiver: already set up")

	// ErrNotSetup is returned by operations that need Setup first.
	ErrNotSetup = errors.New("ndi-receiver: not set up")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ndi-receiver: closed")
)
