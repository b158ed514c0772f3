// Package rate measures the received frame rate over a sliding window of
// arrival times.
package rate

import (
	"math"
	"sync"
	"time"
)

const (
	// fpsStabilityThreshold: stable if FPS stddev < 15% of mean FPS.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold: stable if mean jitter < 20% of the expected
	// inter-frame interval.
	jitterStabilityThreshold = 0.20

	// DefaultWindow is the number of arrivals kept by NewMeter(0).
	DefaultWindow = 120
)

// Stats summarizes a set of arrival times.
type Stats struct {
	Frames    int
	Duration  time.Duration
	FPSMean   float64
	FPSStdDev float64
	FPSMin    float64
	FPSMax    float64

	JitterMean   float64 // seconds
	JitterStdDev float64
	JitterMax    float64

	// IsStable is true when FPS stddev < 15% of mean AND mean jitter < 20%
	// of the expected interval.
	IsStable bool
}

// Calculate computes Stats from ordered arrival times over totalDuration.
//
// Steps:
//  1. Mean FPS over the whole duration
//  2. Instantaneous FPS per interval, with min/max/stddev
//  3. Jitter against the expected interval (1/mean)
//  4. Stability from both thresholds
func Calculate(times []time.Time, totalDuration time.Duration) Stats {
	n := len(times)
	st := Stats{Frames: n, Duration: totalDuration}
	if n == 0 || totalDuration <= 0 {
		return st
	}

	st.FPSMean = float64(n) / totalDuration.Seconds()

	inst := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if iv := times[i].Sub(times[i-1]).Seconds(); iv > 0 {
			inst = append(inst, 1/iv)
		}
	}
	if len(inst) == 0 {
		return st
	}

	st.FPSMin, st.FPSMax = inst[0], inst[0]
	var sq float64
	for _, f := range inst {
		st.FPSMin = math.Min(st.FPSMin, f)
		st.FPSMax = math.Max(st.FPSMax, f)
		d := f - st.FPSMean
		sq += d * d
	}
	st.FPSStdDev = math.Sqrt(sq / float64(len(inst)))

	expected := 1 / st.FPSMean
	jitters := make([]float64, 0, n-1)
	var sum float64
	for i := 1; i < n; i++ {
		j := math.Abs(times[i].Sub(times[i-1]).Seconds() - expected)
		jitters = append(jitters, j)
		sum += j
		st.JitterMax = math.Max(st.JitterMax, j)
	}
	st.JitterMean = sum / float64(len(jitters))

	sq = 0
	for _, j := range jitters {
		d := j - st.JitterMean
		sq += d * d
	}
	st.JitterStdDev = math.Sqrt(sq / float64(len(jitters)))

	st.IsStable = st.FPSStdDev < st.FPSMean*fpsStabilityThreshold &&
		st.JitterMean < expected*jitterStabilityThreshold
	return st
}

// Meter keeps the most recent arrival times in a ring. Safe for concurrent
// use: one goroutine marks, any goroutine reads.
type Meter struct {
	mu    sync.Mutex
	ring  []time.Time
	next  int
	count int
}

// NewMeter creates a meter holding window arrivals (DefaultWindow if <= 0).
func NewMeter(window int) *Meter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Meter{ring: make([]time.Time, window)}
}

// Mark records one arrival.
func (m *Meter) Mark(t time.Time) {
	m.mu.Lock()
	m.ring[m.next] = t
	m.next = (m.next + 1) % len(m.ring)
	if m.count < len(m.ring) {
		m.count++
	}
	m.mu.Unlock()
}

// Reset forgets every arrival, e.g. after switching sources.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.next, m.count = 0, 0
	m.mu.Unlock()
}

// Stats computes Stats over the window ending at now. Arrivals older than
// maxAge are ignored so a stalled stream reads as 0 FPS.
func (m *Meter) Stats(now time.Time, maxAge time.Duration) Stats {
	m.mu.Lock()
	times := make([]time.Time, 0, m.count)
	start := (m.next - m.count + len(m.ring)) % len(m.ring)
	for i := 0; i < m.count; i++ {
		t := m.ring[(start+i)%len(m.ring)]
		if maxAge > 0 && now.Sub(t) > maxAge {
			continue
		}
		times = append(times, t)
	}
	m.mu.Unlock()

	if len(times) < 2 {
		return Stats{Frames: len(times)}
	}
	// n arrivals span n-1 intervals; scale so FPSMean is the arrival rate
	span := times[len(times)-1].Sub(times[0])
	dur := time.Duration(float64(span) * float64(len(times)) / float64(len(times)-1))
	return Calculate(times, dur)
}
