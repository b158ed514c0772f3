// Package cli holds the wiring shared by the ndi-receive and ndi-monitor
// commands: logger setup, transport selection and status reporting.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	ndireceiver "github.com/e7canasta/orion-care-sensor/modules/ndi-receiver"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport/gst"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport/mdns"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport/simulated"
)

// SimulatedSources are the pattern senders used with --simulate.
var SimulatedSources = []string{
	"SIM-PC (Pattern 1)",
	"SIM-PC (Pattern 2)",
	"SIM-PC (Pattern 3)",
}

// NewLogger returns a text logger on stdout, at debug level when debug is set.
func NewLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// BuildBinding returns the transport for fc.
//
// With simulate set, the binding is an in-process simulator whose pattern
// senders run until ctx ends. Otherwise sources are discovered over mDNS
// and sessions are opened with GStreamer, addressed through the mDNS
// entries so ndisrc skips its own discovery.
func BuildBinding(ctx context.Context, fc *ndireceiver.FileConfig, simulate bool, logger *slog.Logger) (transport.Binding, error) {
	if simulate {
		b := simulated.New(SimulatedSources)
		for i, name := range SimulatedSources {
			go simulated.RunPattern(ctx, b, simulated.PatternConfig{
				Source:   name,
				Width:    orDefault(fc.GStreamer.Width, 640),
				Height:   orDefault(fc.GStreamer.Height, 360),
				FPS:      orDefaultF(fc.GStreamer.FPS, 30),
				BottomUp: i%2 == 1,
			})
		}
		logger.Info("cli: using simulated transport", "sources", len(SimulatedSources))
		return b, nil
	}

	finder := mdns.New(mdns.Config{
		Service: fc.Discovery.Service,
		Domain:  fc.Discovery.Domain,
		Logger:  logger,
	})
	opener, err := gst.New(gst.Config{
		Width:          fc.GStreamer.Width,
		Height:         fc.GStreamer.Height,
		FPS:            fc.GStreamer.FPS,
		ReceiverName:   fc.Name,
		ConnectTimeout: 5 * time.Second,
		Resolve: func(name string) string {
			if e, ok := finder.Lookup(name); ok {
				return e.Address()
			}
			return ""
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("cli: %w", err)
	}
	return transport.Combine(finder, opener), nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDefaultF(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
