package transport

import (
	"errors"
	"strings"
)

var (
	// ErrUnsupportedPlatform is returned by Initialize when the SDK cannot
	// run on this machine (missing CPU features, missing runtime, ...).
	ErrUnsupportedPlatform = errors.New("transport: unsupported platform")

	// ErrSourceUnavailable is returned by OpenConnection when the named
	// source is not (or no longer) reachable.
	ErrSourceUnavailable = errors.New("transport: source unavailable")

	// ErrSessionClosed is returned when a session handle is used after
	// CloseConnection.
	ErrSessionClosed = errors.New("transport: session closed")

	// ErrSessionLost is returned by CaptureNext when the session died on the
	// transport side (sender gone, pipeline error, ...).
	ErrSessionLost = errors.New("transport: session lost")
)

// ErrorCategory classifies transport failures for telemetry.
type ErrorCategory int

const (
	// ErrCategoryNetwork indicates connectivity failures (timeout, unreachable)
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryRefused indicates the sender refused or dropped the session
	ErrCategoryRefused
	// ErrCategoryUnavailable indicates the source is not visible anymore
	ErrCategoryUnavailable
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the category.
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryRefused:
		return "refused"
	case ErrCategoryUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ClassifyError categorizes a transport error.
//
// Sentinel errors win; otherwise the message is matched against keyword
// lists, most specific first. SDK errors rarely carry structured codes, so
// string matching is the only portable signal.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}

	switch {
	case errors.Is(err, ErrSourceUnavailable):
		return ErrCategoryUnavailable
	case errors.Is(err, ErrSessionLost), errors.Is(err, ErrSessionClosed):
		return ErrCategoryRefused
	}

	msg := strings.ToLower(err.Error())

	if containsAny(msg, unavailableKeywords) {
		return ErrCategoryUnavailable
	}
	if containsAny(msg, refusedKeywords) {
		return ErrCategoryRefused
	}
	if containsAny(msg, networkKeywords) {
		return ErrCategoryNetwork
	}
	return ErrCategoryUnknown
}

var (
	unavailableKeywords = []string{
		"not found",
		"no such source",
		"unavailable",
		"disappeared",
	}

	refusedKeywords = []string{
		"refused",
		"rejected",
		"reset by peer",
		"closed",
		"end of stream",
	}

	networkKeywords = []string{
		"timeout",
		"timed out",
		"unreachable",
		"network",
		"socket",
		"tcp",
		"udp",
		"connection",
	}
)

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
