package gst

import (
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

// pipelineError turns a bus error into a transport error.
//
// A pipeline that fails before PLAYING because the sender cannot be found
// wraps transport.ErrSourceUnavailable; every other bus error ends the
// session and wraps transport.ErrSessionLost, so transport.ClassifyError
// can bucket both. go-gst's GError does not expose its domain, so this
// relies on message matching.
func pipelineError(gerr *gst.GError) error {
	if gerr == nil {
		return fmt.Errorf("gst: unknown pipeline error: %w", transport.ErrSessionLost)
	}
	return classifyMessage(gerr.Error(), gerr.DebugString())
}

func classifyMessage(msg, debug string) error {
	combined := strings.ToLower(msg + " " + debug)
	detail := msg
	if debug != "" {
		detail = msg + " (" + debug + ")"
	}
	for _, kw := range sourceMissingKeywords {
		if strings.Contains(combined, kw) {
			return fmt.Errorf("gst: %s: %w", detail, transport.ErrSourceUnavailable)
		}
	}
	return fmt.Errorf("gst: %s: %w", detail, transport.ErrSessionLost)
}

var sourceMissingKeywords = []string{
	"no source found",
	"not found",
	"timed out waiting for source",
	"no ndi source",
}
