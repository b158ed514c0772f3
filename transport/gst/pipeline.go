package gst

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pipelineConfig contains what one receive pipeline needs.
type pipelineConfig struct {
	SourceName     string
	URLAddress     string // optional, skips the SDK's own lookup
	ReceiverName   string
	Width          int // 0 keeps the sender's size
	Height         int
	FPS            float64 // 0 keeps the sender's rate
	ConnectTimeout uint    // ms
}

// pipelineElements holds the elements needed after construction.
type pipelineElements struct {
	Pipeline *gst.Pipeline
	AppSink  *app.Sink
	Source   *gst.Element
	Demux    *gst.Element
	Queue    *gst.Element
}

// createPipeline builds, but does not start, a receive pipeline:
//
//	ndisrc → ndisrcdemux ⇢ queue → videoconvert → videoscale →
//	videorate → capsfilter(BGRA) → appsink
//
// ndisrcdemux exposes its "video" pad dynamically; the caller links it in
// a pad-added handler (see onPadAdded).
func createPipeline(cfg pipelineConfig, logger *slog.Logger) (*pipelineElements, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("ndisrc")
	if err != nil {
		return nil, fmt.Errorf("failed to create ndisrc: %w", err)
	}
	src.SetProperty("ndi-name", cfg.SourceName)
	if cfg.URLAddress != "" {
		src.SetProperty("url-address", cfg.URLAddress)
	}
	if cfg.ReceiverName != "" {
		src.SetProperty("receiver-ndi-name", cfg.ReceiverName)
	}
	if cfg.ConnectTimeout > 0 {
		src.SetProperty("connect-timeout", cfg.ConnectTimeout)
	}

	demux, err := gst.NewElement("ndisrcdemux")
	if err != nil {
		return nil, fmt.Errorf("failed to create ndisrcdemux: %w", err)
	}

	queue, err := gst.NewElement("queue")
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	queue.SetProperty("max-size-buffers", uint(2))
	queue.SetProperty("leaky", 2) // downstream: drop old buffers

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := buildCaps(cfg.Width, cfg.Height, cfg.FPS)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, demux, queue, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := src.Link(demux); err != nil {
		return nil, fmt.Errorf("failed to link ndisrc to demux: %w", err)
	}
	if err := gst.ElementLinkMany(queue, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	logger.Debug("gst: pipeline created",
		"source", cfg.SourceName,
		"url_address", cfg.URLAddress,
		"caps", capsStr,
	)

	return &pipelineElements{
		Pipeline: pipeline,
		AppSink:  appsink,
		Source:   src,
		Demux:    demux,
		Queue:    queue,
	}, nil
}

// destroyPipeline sets the pipeline to NULL, releasing the NDI receiver.
func destroyPipeline(el *pipelineElements) error {
	if el == nil || el.Pipeline == nil {
		return nil
	}
	if err := el.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// buildCaps builds the appsink caps. Width, height and framerate are only
// constrained when set.
//
// Framerate handles fractions like the RTSP pipeline did:
//   - fps >= 1.0: N/1 (5.0 → 5/1)
//   - fps < 1.0:  1/D (0.5 → 1/2)
func buildCaps(width, height int, fps float64) string {
	caps := "video/x-raw,format=BGRA"
	if width > 0 && height > 0 {
		caps += fmt.Sprintf(",width=%d,height=%d", width, height)
	}
	if fps > 0 {
		numerator, denominator := 1, 1
		if fps < 1.0 {
			denominator = int(1.0 / fps)
		} else {
			numerator = int(fps)
		}
		caps += fmt.Sprintf(",framerate=%d/%d", numerator, denominator)
	}
	return caps
}
