package mdns

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBrowser behaves like a zeroconf resolver: every browse answers the
// live set first and then forwards feed, each instance at most once per
// browse unless it is a goodbye. It closes entries when it stops, also after
// a failed browse.
type fakeBrowser struct {
	feed     chan *zeroconf.ServiceEntry
	failures atomic.Int32
	browses  atomic.Int32

	mu   sync.Mutex
	live map[string]*zeroconf.ServiceEntry
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		feed: make(chan *zeroconf.ServiceEntry, 16),
		live: make(map[string]*zeroconf.ServiceEntry),
	}
}

func (b *fakeBrowser) setLive(entries ...*zeroconf.ServiceEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live = make(map[string]*zeroconf.ServiceEntry, len(entries))
	for _, se := range entries {
		b.live[se.Instance] = se
	}
}

func (b *fakeBrowser) Browse(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	b.browses.Add(1)
	if b.failures.Load() > 0 {
		b.failures.Add(-1)
		go close(entries)
		return errors.New("no multicast interface")
	}

	b.mu.Lock()
	answers := make([]*zeroconf.ServiceEntry, 0, len(b.live))
	for _, se := range b.live {
		answers = append(answers, se)
	}
	b.mu.Unlock()

	go func() {
		defer close(entries)
		sent := make(map[string]bool)
		send := func(se *zeroconf.ServiceEntry) bool {
			if se.TTL > 0 {
				if sent[se.Instance] {
					return true
				}
				sent[se.Instance] = true
			}
			select {
			case entries <- se:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, se := range answers {
			if !send(se) {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case se := <-b.feed:
				if !send(se) {
					return
				}
			}
		}
	}()
	return nil
}

func entry(instance string, ttl uint32) *zeroconf.ServiceEntry {
	se := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	se.HostName = "studio-pc.local."
	se.Port = 5961
	se.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 20)}
	se.TTL = ttl
	return se
}

func newFinder(t *testing.T, b Browser) *Finder {
	t.Helper()
	return newFinderWithRounds(t, b, time.Hour)
}

func newFinderWithRounds(t *testing.T, b Browser, round time.Duration) *Finder {
	t.Helper()
	f := New(Config{
		Browser:       b,
		RestartDelay:  5 * time.Millisecond,
		RoundInterval: round,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, f.Initialize())
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestFinder_DiscoverInFirstSeenOrder(t *testing.T) {
	b := newFakeBrowser()
	f := newFinder(t, b)
	ctx := context.Background()

	b.feed <- entry(`STUDIO-PC\ (Camera\ 2)`, 120)
	changed, err := f.WaitForSourceChange(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, changed)

	b.feed <- entry("STUDIO-PC (Camera 1)", 120)
	changed, err = f.WaitForSourceChange(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, changed)

	names, err := f.DiscoverSources(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"STUDIO-PC (Camera 2)", "STUDIO-PC (Camera 1)"}, names)

	e, ok := f.Lookup("STUDIO-PC (Camera 1)")
	require.True(t, ok)
	assert.Equal(t, "192.168.1.20:5961", e.Address())
}

func TestFinder_ReannounceIsNotAChange(t *testing.T) {
	b := newFakeBrowser()
	f := newFinder(t, b)
	ctx := context.Background()

	b.feed <- entry("CAM-A", 120)
	changed, err := f.WaitForSourceChange(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, changed)

	b.feed <- entry("CAM-A", 120)
	changed, err = f.WaitForSourceChange(ctx, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestFinder_GoodbyeRemoves(t *testing.T) {
	b := newFakeBrowser()
	f := newFinder(t, b)
	ctx := context.Background()

	b.feed <- entry("CAM-A", 120)
	_, err := f.WaitForSourceChange(ctx, time.Second)
	require.NoError(t, err)

	b.feed <- entry("CAM-A", 0)
	changed, err := f.WaitForSourceChange(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, changed)

	names, err := f.DiscoverSources(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFinder_EvictAfterTwoMissedRounds(t *testing.T) {
	f := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	now := time.Now()

	f.beginRound()
	f.apply(entry("CAM-A", 120), now)
	f.apply(entry("CAM-B", 120), now)
	f.endRound()

	tests := []struct {
		name string
		want []string
	}{
		{"first miss keeps the sender", []string{"CAM-A", "CAM-B"}},
		{"second miss drops it", []string{"CAM-A"}},
		{"answering sender stays", []string{"CAM-A"}},
	}
	for _, tt := range tests {
		f.beginRound()
		f.apply(entry("CAM-A", 120), now)
		f.endRound()
		assert.Equal(t, tt.want, f.names(), tt.name)
	}
}

func TestFinder_AnswerResetsMisses(t *testing.T) {
	f := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	now := time.Now()

	f.beginRound()
	f.apply(entry("CAM-A", 120), now)
	f.endRound()

	// miss, answer, miss never adds up to two in a row
	f.beginRound()
	f.endRound()
	f.beginRound()
	f.apply(entry("CAM-A", 120), now)
	f.endRound()
	f.beginRound()
	f.endRound()

	assert.Equal(t, []string{"CAM-A"}, f.names())
}

func TestFinder_LiveSenderSurvivesRounds(t *testing.T) {
	b := newFakeBrowser()
	b.setLive(entry("CAM-A", 120), entry("CAM-B", 120))
	f := newFinderWithRounds(t, b, 15*time.Millisecond)
	ctx := context.Background()

	require.Eventually(t, func() bool { return len(f.names()) == 2 }, time.Second, 5*time.Millisecond)
	_, err := f.WaitForSourceChange(ctx, 0)
	require.NoError(t, err)

	// many rounds, each answering once, with no flapping
	changed, err := f.WaitForSourceChange(ctx, 150*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.GreaterOrEqual(t, b.browses.Load(), int32(4))
	assert.Equal(t, []string{"CAM-A", "CAM-B"}, f.names())

	b.setLive(entry("CAM-A", 120))
	require.Eventually(t, func() bool {
		names := f.names()
		return len(names) == 1 && names[0] == "CAM-A"
	}, time.Second, 5*time.Millisecond)
}

func TestFinder_FailedRoundDoesNotCountAsMiss(t *testing.T) {
	b := newFakeBrowser()
	b.failures.Store(1)
	f := New(Config{
		Browser:       b,
		RoundInterval: time.Hour,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.ctx, f.cancel = context.WithCancel(context.Background())
	defer f.cancel()

	f.beginRound()
	f.apply(entry("CAM-A", 120), time.Now())
	f.endRound()
	f.beginRound()
	f.endRound()

	var ok bool
	require.NotPanics(t, func() { ok = f.browseRound() })
	assert.False(t, ok)
	assert.Equal(t, []string{"CAM-A"}, f.names())
}

func TestFinder_DiscoverWaitsForFirstAnnouncement(t *testing.T) {
	b := newFakeBrowser()
	f := newFinder(t, b)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.feed <- entry("CAM-A", 120)
	}()

	names, err := f.DiscoverSources(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"CAM-A"}, names)
}

func TestFinder_BrowseRestartsAfterFailure(t *testing.T) {
	b := newFakeBrowser()
	b.failures.Store(2)
	f := newFinder(t, b)

	require.Eventually(t, func() bool { return b.browses.Load() >= 3 }, time.Second, 5*time.Millisecond)

	b.feed <- entry("CAM-A", 120)
	changed, err := f.WaitForSourceChange(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestFinder_CloseUnblocksWaiters(t *testing.T) {
	f := newFinder(t, newFakeBrowser())
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	changed, err := f.WaitForSourceChange(ctx, 5*time.Second)
	assert.False(t, changed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, f.Close())
}

func TestUnescapeInstance(t *testing.T) {
	assert.Equal(t, "HOST (Cam 1)", unescapeInstance(`HOST\ (Cam\ 1)`))
	assert.Equal(t, "a.b", unescapeInstance(`a\.b`))
	assert.Equal(t, `a\b`, unescapeInstance(`a\\b`))
	assert.Equal(t, "plain", unescapeInstance("plain"))
}
