package simulated

import (
	"context"
	"fmt"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

// PatternConfig describes a synthetic test-pattern source.
type PatternConfig struct {
	Source string
	Width  int
	Height int
	FPS    float64
	// BottomUp emits buffers with a negative stride, like some capture cards.
	BottomUp bool
}

// RunPattern pushes a moving-bar BGRA pattern plus one metadata frame per
// second onto cfg.Source until ctx is cancelled. It blocks; run it in its
// own goroutine.
func RunPattern(ctx context.Context, b *Binding, cfg PatternConfig) {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 320, 180
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.FPS))
	defer ticker.Stop()

	var frame int64
	lastMeta := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			frame++
			timecode := now.UnixNano() / 100
			b.PushVideo(cfg.Source, PatternFrame(cfg, frame, timecode))

			if now.Sub(lastMeta) >= time.Second {
				lastMeta = now
				b.PushMetadata(cfg.Source,
					fmt.Sprintf(`<ndi_pattern source=%q frame="%d"/>`, cfg.Source, frame),
					timecode,
				)
			}
		}
	}
}

// PatternFrame renders frame n of the pattern: a horizontal gradient with a
// white vertical bar that moves one column per frame. The top row is tinted
// red so orientation mistakes are visible.
func PatternFrame(cfg PatternConfig, n, timecode int64) transport.VideoBuffer {
	w, h := cfg.Width, cfg.Height
	row := w * 4
	data := make([]byte, row*h)
	bar := int(n % int64(w))

	for y := 0; y < h; y++ {
		// memory row for image row y
		my := y
		if cfg.BottomUp {
			my = h - 1 - y
		}
		line := data[my*row : (my+1)*row]
		for x := 0; x < w; x++ {
			px := line[x*4 : x*4+4]
			g := byte(x * 255 / max(w-1, 1))
			px[0], px[1], px[2], px[3] = g, g, g, 0xff
			if y == 0 {
				px[0], px[1], px[2] = 0, 0, 0xff
			}
			if x == bar {
				px[0], px[1], px[2] = 0xff, 0xff, 0xff
			}
		}
	}

	stride := row
	if cfg.BottomUp {
		stride = -row
	}
	return transport.VideoBuffer{
		Data:     data,
		Width:    w,
		Height:   h,
		Stride:   stride,
		Timecode: timecode,
	}
}
