package gst

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

func frame(tc int64) *transport.VideoBuffer {
	return &transport.VideoBuffer{Data: make([]byte, 16), Width: 2, Height: 2, Stride: 8, Timecode: tc}
}

func TestFrameQueue_DropsOldestWhenFull(t *testing.T) {
	q := newFrameQueue(2, &framePool{})

	q.push(frame(1))
	q.push(frame(2))
	q.push(frame(3))

	assert.Equal(t, uint64(1), q.dropped.Load())
	assert.Equal(t, int64(2), q.pop(0).Timecode)
	assert.Equal(t, int64(3), q.pop(0).Timecode)
	assert.Nil(t, q.pop(0))
}

func TestFrameQueue_PopWaits(t *testing.T) {
	q := newFrameQueue(1, &framePool{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.push(frame(7))
	}()

	buf := q.pop(time.Second)
	require.NotNil(t, buf)
	assert.Equal(t, int64(7), buf.Timecode)

	start := time.Now()
	assert.Nil(t, q.pop(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestFrameQueue_Drain(t *testing.T) {
	q := newFrameQueue(4, &framePool{})
	q.push(frame(1))
	q.push(frame(2))
	q.drain()
	assert.Nil(t, q.pop(0))
}

func TestFramePool_Reuse(t *testing.T) {
	var p framePool

	buf := p.get(64)
	assert.Len(t, buf, 64)
	p.put(buf)

	small := p.get(16)
	assert.Len(t, small, 16)

	p.put(nil)
	assert.Len(t, p.get(128), 128)
}

func TestBuildCaps(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		fps           float64
		want          string
	}{
		{"passthrough", 0, 0, 0, "video/x-raw,format=BGRA"},
		{"scaled", 1280, 720, 0, "video/x-raw,format=BGRA,width=1280,height=720"},
		{"integer fps", 1920, 1080, 30, "video/x-raw,format=BGRA,width=1920,height=1080,framerate=30/1"},
		{"fractional fps", 0, 0, 0.5, "video/x-raw,format=BGRA,framerate=1/2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildCaps(tt.width, tt.height, tt.fps))
		})
	}
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		msg, debug string
		want       error
		category   transport.ErrorCategory
	}{
		{"Could not open resource", "No source found for ndi-name CAM-A", transport.ErrSourceUnavailable, transport.ErrCategoryUnavailable},
		{"Internal data stream error", "streaming stopped, reason not-negotiated", transport.ErrSessionLost, transport.ErrCategoryRefused},
		{"Connection timed out", "", transport.ErrSessionLost, transport.ErrCategoryRefused},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := classifyMessage(tt.msg, tt.debug)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Contains(t, err.Error(), tt.msg)
			assert.Equal(t, tt.category, transport.ClassifyError(err))
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Width: 1280})
	assert.Error(t, err, "width without height")

	_, err = New(Config{FPS: 240})
	assert.Error(t, err)

	o, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, o.cfg.ConnectTimeout)
	assert.Equal(t, 2, o.cfg.QueueDepth)
}

func TestNdiTimecode(t *testing.T) {
	ts := time.Unix(1, 500)
	assert.Equal(t, int64(10_000_005), ndiTimecode(ts))
}
