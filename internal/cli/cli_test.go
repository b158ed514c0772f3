package cli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ndireceiver "github.com/e7canasta/orion-care-sensor/modules/ndi-receiver"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/status"
)

type recordingPublisher struct {
	mu     sync.Mutex
	kinds  []string
	events []status.Event
}

func (p *recordingPublisher) Publish(kind string, payload []byte) error {
	var ev status.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kind)
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) snapshot() ([]string, []status.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.kinds...), append([]status.Event(nil), p.events...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReporter_StateChange(t *testing.T) {
	pub := &recordingPublisher{}
	closed := false
	r := newReporter("rx-1", pub, nil, func() error { closed = true; return nil }, status.EncodingJSON, time.Second, discard())

	r.OnStateChange(ndireceiver.StateChange{
		From:  ndireceiver.StateConnected,
		To:    ndireceiver.StateLost,
		Index: 1,
		Name:  "CAM-B",
		Err:   errors.New("session lost"),
		At:    time.Now(),
	})
	r.Close()

	kinds, events := pub.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, []string{status.KindState}, kinds)
	assert.Equal(t, "rx-1", events[0].Receiver)
	assert.Equal(t, "connected", events[0].From)
	assert.Equal(t, "lost", events[0].State)
	assert.Equal(t, "CAM-B", events[0].Source)
	assert.Equal(t, 1, events[0].Index)
	assert.Equal(t, "session lost", events[0].Error)
	assert.True(t, closed)
}

func TestReporter_NilIsNoop(t *testing.T) {
	var r *Reporter
	assert.NotPanics(t, func() {
		r.OnStateChange(ndireceiver.StateChange{})
		r.Run(context.Background(), nil)
		r.Close()
	})
}

func TestNewReporter_NoBroker(t *testing.T) {
	r, err := NewReporter(context.Background(), &ndireceiver.FileConfig{}, discard())
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestStatsEvent(t *testing.T) {
	at := time.Now()
	ev := StatsEvent("rx-1", ndireceiver.ReceiverStats{
		State:       ndireceiver.StateConnected,
		SourceName:  "CAM-A",
		SourceCount: 3,
		VideoFrames: 120,
		Reconnects:  2,
		FPS:         29.97,
		Uptime:      90 * time.Second,
	}, at)

	assert.Equal(t, status.KindStats, ev.Kind)
	assert.Equal(t, "connected", ev.State)
	assert.Equal(t, "CAM-A", ev.Source)
	require.NotNil(t, ev.Stats)
	assert.Equal(t, 3, ev.Stats.Sources)
	assert.Equal(t, uint64(120), ev.Stats.VideoFrames)
	assert.Equal(t, uint64(2), ev.Stats.Reconnects)
	assert.InDelta(t, 90.0, ev.Stats.UptimeSeconds, 0.001)
}

func TestBuildBinding_Simulated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := BuildBinding(ctx, &ndireceiver.FileConfig{}, true, discard())
	require.NoError(t, err)
	require.NoError(t, b.Initialize())

	names, err := b.DiscoverSources(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, SimulatedSources, names)
}

func TestBuildBinding_InvalidGStreamer(t *testing.T) {
	fc := &ndireceiver.FileConfig{}
	fc.GStreamer.Width = 1280
	_, err := BuildBinding(context.Background(), fc, false, discard())
	assert.Error(t, err)
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, 640, orDefault(0, 640))
	assert.Equal(t, 320, orDefault(320, 640))
	assert.Equal(t, 30.0, orDefaultF(0, 30))
}
