package ndireceiver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport/simulated"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() Config {
	return Config{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		ChangeTimeout:     20 * time.Millisecond,
		DiscoverTimeout:   time.Millisecond,
		ConnectingBackoff: 2 * time.Millisecond,
		RetryDelay:        5 * time.Millisecond,
		MaxRetryDelay:     20 * time.Millisecond,
	}
}

func newReceiver(t *testing.T, cfg Config, sources ...string) (*Receiver, *simulated.Binding) {
	t.Helper()
	b := simulated.New(sources)
	rx, err := New(b, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rx.Close() })
	return rx, b
}

func setup(t *testing.T, preferred string, sources ...string) (*Receiver, *simulated.Binding) {
	t.Helper()
	rx, b := newReceiver(t, testConfig(), sources...)
	require.NoError(t, rx.Setup(context.Background(), preferred))
	return rx, b
}

func connectedTo(rx *Receiver, name string) func() bool {
	return func() bool {
		return rx.IsReady() && rx.CurrentSourceName() == name
	}
}

func TestNew_InitializationErrors(t *testing.T) {
	tests := []struct {
		name    string
		initErr error
		want    error
	}{
		{"unsupported platform", transport.ErrUnsupportedPlatform, ErrUnsupportedPlatform},
		{"runtime missing", errors.New("libndi not found"), ErrInitialization},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := simulated.New(nil, simulated.WithInitError(tt.initErr))
			rx, err := New(b, testConfig())
			assert.Nil(t, rx)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PollsPerTick = 1000
	_, err := New(simulated.New(nil), cfg)
	assert.Error(t, err)

	_, err = New(nil, testConfig())
	assert.Error(t, err)
}

func TestSetup_Twice(t *testing.T) {
	rx, _ := setup(t, "", "CAM-A")
	assert.ErrorIs(t, rx.Setup(context.Background(), "CAM-B"), ErrAlreadySetup)
}

func TestSwitchSource_BeforeSetup(t *testing.T) {
	rx, _ := newReceiver(t, testConfig(), "CAM-A")
	assert.ErrorIs(t, rx.SwitchSource(context.Background(), 0), ErrNotSetup)
}

func TestSwitchSource_ValidIndices(t *testing.T) {
	rx, _ := setup(t, "", "CAM-A", "CAM-B", "CAM-C")
	require.Eventually(t, rx.IsReady, waitFor, tick)
	require.Equal(t, 3, rx.SourceCount())

	for i := 0; i < rx.SourceCount(); i++ {
		require.NoError(t, rx.SwitchSource(context.Background(), i))
		require.Eventually(t, func() bool {
			return rx.IsReady() && rx.CurrentSourceIndex() == i
		}, waitFor, tick, "source %d", i)
	}
}

func TestSwitchSource_InvalidIndexChangesNothing(t *testing.T) {
	rx, b := setup(t, "", "CAM-A", "CAM-B")
	require.Eventually(t, connectedTo(rx, "CAM-A"), waitFor, tick)

	opens := len(b.Opens())
	for _, idx := range []int{-1, 2, 100} {
		err := rx.SwitchSource(context.Background(), idx)
		assert.ErrorIs(t, err, ErrInvalidSource, "index %d", idx)
		assert.Equal(t, StateConnected, rx.State())
		assert.Equal(t, 0, rx.CurrentSourceIndex())
	}
	assert.Len(t, b.Opens(), opens, "no connection attempt for an invalid index")
}

func TestSwitchSource_WaitsOutAutomaticAttempt(t *testing.T) {
	b := simulated.New([]string{"CAM-A", "CAM-B"}, simulated.WithOpenDelay(80*time.Millisecond))
	rx, err := New(b, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rx.Close() })
	require.NoError(t, rx.Setup(context.Background(), ""))

	// the worker is mid-attempt on CAM-A
	require.Eventually(t, func() bool { return rx.State() == StateConnecting }, waitFor, tick)

	require.NoError(t, rx.SwitchSource(context.Background(), 1))
	assert.True(t, connectedTo(rx, "CAM-B")())
	assert.Equal(t, "CAM-B", b.Opens()[len(b.Opens())-1])
}

func TestSwitchSource_ConcurrentManualSwitch(t *testing.T) {
	b := simulated.New([]string{"CAM-A", "CAM-B"}, simulated.WithOpenDelay(80*time.Millisecond))
	rx, err := New(b, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rx.Close() })
	require.NoError(t, rx.Setup(context.Background(), ""))
	require.Eventually(t, rx.IsReady, waitFor, tick)

	done := make(chan error, 1)
	go func() { done <- rx.SwitchSource(context.Background(), 1) }()
	require.Eventually(t, rx.switching.Load, waitFor, time.Millisecond)

	assert.ErrorIs(t, rx.SwitchSource(context.Background(), 0), ErrConnectInProgress)
	require.NoError(t, <-done)
	assert.True(t, connectedTo(rx, "CAM-B")())
}

func TestSwitchSource_ContextEndsWhileWaiting(t *testing.T) {
	b := simulated.New([]string{"CAM-A"}, simulated.WithOpenDelay(500*time.Millisecond))
	rx, err := New(b, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rx.Close() })
	require.NoError(t, rx.Setup(context.Background(), ""))
	require.Eventually(t, func() bool { return rx.State() == StateConnecting }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rx.SwitchSource(ctx, 0), context.DeadlineExceeded)
	assert.False(t, rx.switching.Load())
}

func TestSetup_RacingClose(t *testing.T) {
	rx, b := newReceiver(t, testConfig(), "CAM-A")

	// Setup passes its first closed check and queues on setupMu, then Close
	// marks the receiver closed and queues behind it
	rx.setupMu.Lock()
	setupErr := make(chan error, 1)
	go func() { setupErr <- rx.Setup(context.Background(), "") }()
	time.Sleep(20 * time.Millisecond)

	closeErr := make(chan error, 1)
	go func() { closeErr <- rx.Close() }()
	require.Eventually(t, rx.closed.Load, waitFor, time.Millisecond)
	rx.setupMu.Unlock()

	assert.ErrorIs(t, <-setupErr, ErrClosed)
	require.NoError(t, <-closeErr)
	assert.Nil(t, rx.worker.Load())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.Opens())
	assert.Equal(t, 0, b.LiveSessions())
}

func TestDisconnect_Idempotent(t *testing.T) {
	rx, b := setup(t, "", "CAM-A")
	require.Eventually(t, rx.IsReady, waitFor, tick)

	rx.Disconnect()
	assert.False(t, rx.IsReady())
	assert.Equal(t, StateIdle, rx.State())

	rx.Disconnect()
	assert.False(t, rx.IsReady())
	assert.Equal(t, StateIdle, rx.State())
	assert.Equal(t, 0, b.LiveSessions())
	assert.True(t, rx.Stats().Paused)

	// stays disconnected until the host picks a source again
	time.Sleep(60 * time.Millisecond)
	assert.False(t, rx.IsReady())

	require.NoError(t, rx.SwitchSource(context.Background(), 0))
	assert.True(t, rx.IsReady())
	assert.False(t, rx.Stats().Paused)
}

func TestPreferredSource_FirstMatchInOrder(t *testing.T) {
	rx, b := setup(t, "CAM-A", "CAM-A", "CAM-B", "STUDIO-CAM-A")

	require.Eventually(t, rx.IsReady, waitFor, tick)
	assert.Equal(t, 0, rx.CurrentSourceIndex())
	assert.Equal(t, "CAM-A", rx.CurrentSourceName())
	assert.NotContains(t, b.Opens(), "STUDIO-CAM-A")
}

func TestPreferredSource_WaitsWithoutFallback(t *testing.T) {
	rx, b := setup(t, "STUDIO", "CAM-A")

	require.Eventually(t, func() bool { return rx.Stats().WaitingForPreferred }, waitFor, tick)
	assert.False(t, rx.IsReady())
	assert.Empty(t, b.Opens())

	b.SetSources("CAM-A", "STUDIO-2")
	require.Eventually(t, connectedTo(rx, "STUDIO-2"), waitFor, tick)
	assert.Equal(t, 1, rx.CurrentSourceIndex())
}

func TestLossAndRecovery(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []StateChange
	)
	cfg := testConfig()
	cfg.OnStateChange = func(c StateChange) {
		mu.Lock()
		transitions = append(transitions, c)
		mu.Unlock()
	}
	rx, b := newReceiver(t, cfg, "CAM-A", "CAM-B")
	require.NoError(t, rx.Setup(context.Background(), ""))
	require.Eventually(t, connectedTo(rx, "CAM-A"), waitFor, tick)

	b.SetSources("CAM-B")
	require.Eventually(t, connectedTo(rx, "CAM-B"), waitFor, tick)
	assert.Equal(t, 0, rx.CurrentSourceIndex())
	assert.LessOrEqual(t, b.MaxLiveSessions(), 1)

	mu.Lock()
	defer mu.Unlock()
	var lost bool
	for _, c := range transitions {
		if c.From == StateConnected && c.To == StateLost && c.Name == "CAM-A" {
			lost = true
		}
	}
	assert.True(t, lost, "CAM-A connection reported lost: %v", transitions)
	assert.Equal(t, uint64(1), rx.Stats().Losses)
}

func TestSessionLostDuringCapture(t *testing.T) {
	rx, b := setup(t, "", "CAM-A")
	require.Eventually(t, rx.IsReady, waitFor, tick)

	b.LoseSessions("CAM-A")
	rx.Update()
	assert.Equal(t, uint64(1), rx.Stats().Losses, "capture error drops the connection at once")

	require.Eventually(t, connectedTo(rx, "CAM-A"), waitFor, tick)
	st := rx.Stats()
	assert.GreaterOrEqual(t, st.Reconnects, uint64(1))
}

func TestUpdate_LatestValueWins(t *testing.T) {
	rx, b := setup(t, "", "CAM-A")
	require.Eventually(t, rx.IsReady, waitFor, tick)

	cfg := simulated.PatternConfig{Width: 8, Height: 4}
	b.PushVideo("CAM-A", simulated.PatternFrame(cfg, 1, 100))
	b.PushVideo("CAM-A", simulated.PatternFrame(cfg, 2, 200))
	rx.Update()

	f, ok := rx.LatestVideoFrame()
	require.True(t, ok)
	assert.Equal(t, int64(200), f.Timecode)
	assert.Equal(t, 8, f.Width)
	assert.Equal(t, 8*4, f.Stride)
	assert.Len(t, f.Data, 8*4*4)
	assert.Equal(t, "CAM-A", f.SourceName)

	st := rx.Stats()
	assert.Equal(t, uint64(2), st.VideoFrames)
	assert.Equal(t, uint64(1), st.FramesOverwritten)
	assert.Equal(t, int64(0), b.OutstandingBuffers())
}

func TestUpdate_Metadata(t *testing.T) {
	rx, b := setup(t, "", "CAM-A")
	require.Eventually(t, rx.IsReady, waitFor, tick)

	_, ok := rx.LatestMetadataFrame()
	assert.False(t, ok)

	b.PushMetadata("CAM-A", `<ndi_tally on_program="true"/>`, 42)
	rx.Update()

	m, ok := rx.LatestMetadataFrame()
	require.True(t, ok)
	assert.Equal(t, `<ndi_tally on_program="true"/>`, m.Payload)
	assert.Equal(t, int64(42), m.Timecode)
}

func TestUpdate_NoConnectionIsNoop(t *testing.T) {
	rx, _ := newReceiver(t, testConfig())
	rx.Update()
	_, ok := rx.LatestVideoFrame()
	assert.False(t, ok)
}

func TestEmptySourceList(t *testing.T) {
	rx, _ := setup(t, "")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, rx.SourceCount())
	assert.Equal(t, "none", rx.CurrentSourceName())
	assert.Equal(t, -1, rx.CurrentSourceIndex())
	assert.False(t, rx.IsReady())
	assert.Empty(t, rx.Sources())
}

func TestSources(t *testing.T) {
	rx, _ := setup(t, "", "CAM-A", "CAM-B")
	require.Eventually(t, func() bool { return rx.SourceCount() == 2 }, waitFor, tick)
	assert.Equal(t, []Source{{Name: "CAM-A", Index: 0}, {Name: "CAM-B", Index: 1}}, rx.Sources())
}

func TestTally(t *testing.T) {
	rx, b := setup(t, "", "CAM-A")
	require.Eventually(t, rx.IsReady, waitFor, tick)

	program, preview := b.Visibility("CAM-A")
	assert.True(t, program)
	assert.False(t, preview)
}

func TestSubscribe(t *testing.T) {
	rx, b := setup(t, "", "CAM-A")
	require.Eventually(t, rx.IsReady, waitFor, tick)

	read := rx.Subscribe("recorder")
	got := make(chan *VideoFrame, 1)
	go func() { got <- read() }()

	b.PushVideo("CAM-A", simulated.PatternFrame(simulated.PatternConfig{Width: 2, Height: 2}, 1, 7))
	rx.Update()

	select {
	case f := <-got:
		require.NotNil(t, f)
		assert.Equal(t, int64(7), f.Timecode)
	case <-time.After(waitFor):
		t.Fatal("subscriber did not receive the frame")
	}

	rx.Unsubscribe("recorder")
	assert.Nil(t, read())
}

func TestClose(t *testing.T) {
	rx, b := setup(t, "", "CAM-A")
	require.Eventually(t, rx.IsReady, waitFor, tick)

	read := rx.Subscribe("viewer")

	start := time.Now()
	require.NoError(t, rx.Close())
	assert.Less(t, time.Since(start), time.Second, "worker joins within one change timeout")
	require.NoError(t, rx.Close())

	assert.True(t, b.Closed())
	assert.Equal(t, 0, b.LiveSessions())
	assert.False(t, rx.IsReady())
	assert.Nil(t, read())

	rx.Update()
	assert.ErrorIs(t, rx.SwitchSource(context.Background(), 0), ErrClosed)
	assert.ErrorIs(t, rx.Setup(context.Background(), ""), ErrClosed)
}
