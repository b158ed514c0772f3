package gst

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

// busPoll bounds each bus pop so the monitor notices cancellation quickly.
const busPoll = 50 * time.Millisecond

// waitPlaying blocks until the pipeline reaches PLAYING, posts an error or
// EOS, or the deadline/ctx ends.
func waitPlaying(ctx context.Context, pipeline *gst.Pipeline, timeout time.Duration) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := bus.TimedPop(busPoll)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			return pipelineError(msg.ParseError())
		case gst.MessageEOS:
			return fmt.Errorf("gst: end of stream before playing: %w", transport.ErrSessionLost)
		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
				return nil
			}
		}
	}
	return fmt.Errorf("gst: timed out after %v waiting for sender to play: %w", timeout, transport.ErrSourceUnavailable)
}

// monitorBus watches a playing pipeline until ctx ends. The first EOS or
// error is reported through lost and ends the watch.
func monitorBus(ctx context.Context, pipeline *gst.Pipeline, source string, lost func(error), logger *slog.Logger) {
	bus := pipeline.GetPipelineBus()
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("gst: context cancelled, stopping pipeline monitor", "source", source)
			return
		default:
		}

		msg := bus.TimedPop(busPoll)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			logger.Info("gst: end of stream received",
				"source", source,
				"uptime", time.Since(started),
			)
			lost(fmt.Errorf("gst: end of stream: %w", transport.ErrSessionLost))
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			err := pipelineError(gerr)
			logger.Error("gst: pipeline error",
				"source", source,
				"error", err,
				"category", transport.ClassifyError(err).String(),
				"uptime", time.Since(started),
			)
			lost(err)
			return

		case gst.MessageWarning:
			logger.Warn("gst: pipeline warning", "source", source, "warning", msg.ParseWarning().Error())

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, newState := msg.ParseStateChanged()
				logger.Debug("gst: pipeline state changed",
					"source", source,
					"from", old,
					"to", newState,
				)
			}
		}
	}
}
