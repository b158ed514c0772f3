package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/registry"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport/simulated"
)

type recorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *recorder) hook(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) path() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for i, c := range r.changes {
		if i == 0 {
			out = append(out, c.From)
		}
		out = append(out, c.To)
	}
	return out
}

func newTestManager(t *testing.T, sources []string, opts ...simulated.Option) (*Manager, *simulated.Binding, *registry.Registry, *recorder) {
	t.Helper()
	b := simulated.New(sources, opts...)
	reg := registry.New(b, time.Millisecond, nil)
	reg.Refresh(context.Background())
	rec := &recorder{}
	m := New(b, reg, nil, WithStateHook(rec.hook))
	return m, b, reg, rec
}

func TestConnect_Success(t *testing.T) {
	m, b, _, rec := newTestManager(t, []string{"CAM-A", "CAM-B"})

	require.NoError(t, m.Connect(context.Background(), 1))

	assert.Equal(t, Connected, m.State())
	idx, ok := m.CurrentIndex()
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "CAM-B", m.CurrentName())
	assert.Equal(t, "CAM-B", m.LastName())
	assert.Equal(t, []State{Idle, Connecting, Connected}, rec.path())

	program, preview := b.Visibility("CAM-B")
	assert.True(t, program, "tally program on connect")
	assert.False(t, preview)
}

func TestConnect_InvalidIndexLeavesStateUnchanged(t *testing.T) {
	m, b, _, rec := newTestManager(t, []string{"CAM-A"})
	require.NoError(t, m.Connect(context.Background(), 0))
	before := len(rec.path())

	for _, i := range []int{-1, 1, 42} {
		err := m.Connect(context.Background(), i)
		assert.ErrorIs(t, err, ErrInvalidSource)
	}

	assert.Equal(t, Connected, m.State())
	idx, ok := m.CurrentIndex()
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Len(t, rec.path(), before)
	assert.Equal(t, []string{"CAM-A"}, b.Opens())
}

func TestConnect_FailureMovesToLost(t *testing.T) {
	m, b, _, rec := newTestManager(t, []string{"CAM-A"})
	b.FailConnections("CAM-A", errors.New("connection refused by sender"))

	err := m.Connect(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Contains(t, err.Error(), "refused")

	assert.Equal(t, Lost, m.State())
	_, ok := m.CurrentIndex()
	assert.False(t, ok, "index not meaningful in Lost")
	assert.Equal(t, []State{Idle, Connecting, Lost}, rec.path())

	st := m.Stats()
	assert.Equal(t, uint64(1), st.Failures)
	assert.Equal(t, uint64(1), st.FailuresRefused)
	assert.Equal(t, 0, b.LiveSessions())
}

func TestConnect_ClosesPreviousSessionFirst(t *testing.T) {
	m, b, _, _ := newTestManager(t, []string{"CAM-A", "CAM-B"})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, 0))
	require.NoError(t, m.Connect(ctx, 1))
	require.NoError(t, m.Connect(ctx, 0))

	assert.Equal(t, 1, b.LiveSessions())
	assert.Equal(t, 1, b.MaxLiveSessions(), "never two sessions at once")
}

func TestConnect_ConcurrentAttemptRejected(t *testing.T) {
	m, _, _, _ := newTestManager(t, []string{"CAM-A", "CAM-B"},
		simulated.WithOpenDelay(100*time.Millisecond))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- m.Connect(ctx, 0) }()

	require.Eventually(t, func() bool { return m.State() == Connecting },
		time.Second, time.Millisecond)

	err := m.Connect(ctx, 1)
	assert.ErrorIs(t, err, ErrConnectInProgress)
	assert.Equal(t, "CAM-A", m.CurrentName(), "rejected attempt changes nothing")

	require.NoError(t, <-done)
	assert.Equal(t, Connected, m.State())
}

func TestDisconnect_Idempotent(t *testing.T) {
	m, b, _, rec := newTestManager(t, []string{"CAM-A"})
	require.NoError(t, m.Connect(context.Background(), 0))

	m.Disconnect()
	first := rec.path()
	m.Disconnect()

	assert.Equal(t, Idle, m.State())
	assert.False(t, m.IsConnected())
	assert.Equal(t, first, rec.path(), "second disconnect emits nothing")
	assert.Equal(t, 0, b.LiveSessions())
	assert.Equal(t, "", m.CurrentName())
}

func TestDisconnect_AbortsInFlightAttempt(t *testing.T) {
	m, b, _, _ := newTestManager(t, []string{"CAM-A"},
		simulated.WithOpenDelay(50*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), 0) }()

	require.Eventually(t, func() bool { return m.State() == Connecting },
		time.Second, time.Millisecond)
	m.Disconnect()

	err := <-done
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, Idle, m.State())
	assert.Equal(t, 0, b.LiveSessions(), "late session closed again")
}

func TestMarkSessionLost_IgnoresStaleGeneration(t *testing.T) {
	m, b, _, _ := newTestManager(t, []string{"CAM-A", "CAM-B"})
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, 0))

	var staleGen uint64
	require.True(t, m.WithSession(func(_ transport.Session, gen uint64) { staleGen = gen }))

	require.NoError(t, m.Connect(ctx, 1))
	assert.False(t, m.MarkSessionLost(staleGen, errors.New("late")))
	assert.Equal(t, Connected, m.State())

	assert.True(t, m.MarkLost(errors.New("gone")))
	assert.Equal(t, Lost, m.State())
	assert.Equal(t, 0, b.LiveSessions())
	assert.Equal(t, "CAM-B", m.LastName(), "last name survives loss")
	assert.Equal(t, uint64(1), m.Stats().Losses)

	assert.False(t, m.MarkLost(errors.New("again")), "nothing left to lose")
}

func TestWithSession_NoSession(t *testing.T) {
	m, _, _, _ := newTestManager(t, []string{"CAM-A"})
	called := false
	assert.False(t, m.WithSession(func(transport.Session, uint64) { called = true }))
	assert.False(t, called)
}

func TestMarkDiscovering(t *testing.T) {
	m, _, _, _ := newTestManager(t, []string{"CAM-A"})

	m.MarkDiscovering()
	assert.Equal(t, Discovering, m.State())

	require.NoError(t, m.Connect(context.Background(), 0))
	m.MarkDiscovering()
	assert.Equal(t, Connected, m.State(), "live connection is not disturbed")
}

func TestCurrentIndex_ReresolvedByName(t *testing.T) {
	m, b, reg, _ := newTestManager(t, []string{"CAM-A", "CAM-B"})
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, 1))

	// a new source shows up ahead of the active one
	b.SetSources("AAA", "CAM-A", "CAM-B")
	reg.Refresh(ctx)

	idx, ok := m.CurrentIndex()
	assert.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "discovering", Discovering.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "lost", Lost.String())
	assert.Equal(t, "unknown", State(99).String())
}
