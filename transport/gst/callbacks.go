package gst

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

// framePool recycles pixel buffers between the appsink callback and
// ReleaseVideo.
type framePool struct {
	pool sync.Pool
}

func (p *framePool) get(n int) []byte {
	if v := p.pool.Get(); v != nil {
		buf := *(v.(*[]byte))
		if cap(buf) >= n {
			return buf[:n]
		}
	}
	return make([]byte, n)
}

func (p *framePool) put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	buf = buf[:0]
	p.pool.Put(&buf)
}

// frameQueue is a small latest-wins queue between the streaming thread and
// CaptureNext. When full, the oldest frame is dropped and recycled.
type frameQueue struct {
	ch      chan *transport.VideoBuffer
	pool    *framePool
	dropped atomic.Uint64
}

func newFrameQueue(depth int, pool *framePool) *frameQueue {
	return &frameQueue{ch: make(chan *transport.VideoBuffer, depth), pool: pool}
}

// push never blocks.
func (q *frameQueue) push(buf *transport.VideoBuffer) {
	for {
		select {
		case q.ch <- buf:
			return
		default:
		}
		select {
		case old := <-q.ch:
			q.dropped.Add(1)
			q.pool.put(old.Data)
		default:
		}
	}
}

// pop waits up to timeout for a frame; zero means don't wait.
func (q *frameQueue) pop(timeout time.Duration) *transport.VideoBuffer {
	if timeout <= 0 {
		select {
		case buf := <-q.ch:
			return buf
		default:
			return nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case buf := <-q.ch:
		return buf
	case <-timer.C:
		return nil
	}
}

// drain recycles whatever is still queued.
func (q *frameQueue) drain() {
	for {
		select {
		case buf := <-q.ch:
			q.pool.put(buf.Data)
		default:
			return
		}
	}
}

// sampleContext holds what onNewSample needs.
type sampleContext struct {
	queue  *frameQueue
	pool   *framePool
	frames *atomic.Uint64
	bytes  *atomic.Uint64
	logger *slog.Logger
}

// onNewSample runs on the GStreamer streaming thread.
//
// It:
//  1. Pulls the sample and reads width/height from its caps
//  2. Maps the buffer and copies it into a pooled slice
//  3. Unmaps (GStreamer reuses the buffer)
//  4. Queues the copy, dropping the oldest frame when full
func onNewSample(sink *app.Sink, sc *sampleContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		sc.logger.Warn("gst: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	width, height, ok := sampleSize(sample)
	if !ok {
		sc.logger.Warn("gst: sample without usable caps, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		sc.logger.Warn("gst: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		sc.logger.Warn("gst: empty buffer received")
		return gst.FlowOK
	}

	frameData := sc.pool.get(len(data))
	copy(frameData, data)
	buffer.Unmap()

	stride := 0
	if height > 0 && len(frameData)%height == 0 {
		stride = len(frameData) / height
	}

	sc.frames.Add(1)
	sc.bytes.Add(uint64(len(frameData)))

	sc.queue.push(&transport.VideoBuffer{
		Data:     frameData,
		Width:    width,
		Height:   height,
		Stride:   stride,
		Timecode: ndiTimecode(time.Now()),
	})
	return gst.FlowOK
}

// onPadAdded links ndisrcdemux's "video" pad to the queue. Audio pads are
// left unlinked.
func onPadAdded(srcPad *gst.Pad, queue *gst.Element, logger *slog.Logger) {
	name := srcPad.GetName()
	logger.Debug("gst: pad-added signal received", "pad", name)

	if name != "video" {
		return
	}

	sinkPad := queue.GetStaticPad("sink")
	if sinkPad == nil {
		logger.Error("gst: failed to get sink pad from queue")
		return
	}
	if sinkPad.IsLinked() {
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		logger.Error("gst: failed to link pads",
			"src_pad", name,
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}
	logger.Debug("gst: video pad linked", "src_pad", name)
}

func sampleSize(sample *gst.Sample) (width, height int, ok bool) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, false
	}
	st := caps.GetStructureAt(0)
	if st == nil {
		return 0, 0, false
	}
	w, err := st.GetValue("width")
	if err != nil {
		return 0, 0, false
	}
	h, err := st.GetValue("height")
	if err != nil {
		return 0, 0, false
	}
	width, okW := asInt(w)
	height, okH := asInt(h)
	return width, height, okW && okH && width > 0 && height > 0
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint32:
		return int(n), true
	default:
		return 0, false
	}
}

// ndiTimecode converts t to NDI's 100ns timecode units.
func ndiTimecode(t time.Time) int64 {
	return t.UnixNano() / 100
}
