package rate

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculate_PerfectStream(t *testing.T) {
	base := time.Now()
	var times []time.Time
	for i := 0; i < 30; i++ {
		times = append(times, base.Add(time.Duration(i)*33333*time.Microsecond))
	}

	st := Calculate(times, time.Second)
	assert.Equal(t, 30, st.Frames)
	assert.InDelta(t, 30.0, st.FPSMean, 0.01)
	assert.InDelta(t, 30.0, st.FPSMin, 0.1)
	assert.InDelta(t, 30.0, st.FPSMax, 0.1)
	assert.Less(t, st.FPSStdDev, 0.1)
	assert.True(t, st.IsStable)
}

func TestCalculate_UnstableStream(t *testing.T) {
	base := time.Now()
	offsets := []time.Duration{0, 10, 200, 210, 600, 610, 1000}
	var times []time.Time
	for _, o := range offsets {
		times = append(times, base.Add(o*time.Millisecond))
	}

	st := Calculate(times, time.Second)
	assert.False(t, st.IsStable)
	assert.Greater(t, st.FPSMax, st.FPSMin)
	assert.Greater(t, st.JitterMax, 0.0)
}

func TestCalculate_EdgeCases(t *testing.T) {
	assert.Equal(t, Stats{Duration: time.Second}, Calculate(nil, time.Second))

	now := time.Now()
	st := Calculate([]time.Time{now, now}, time.Second)
	assert.Equal(t, 2, st.Frames)
	assert.Equal(t, 2.0, st.FPSMean)
	assert.False(t, st.IsStable, "no valid intervals")
	assert.False(t, math.IsNaN(st.FPSStdDev))
}

func TestMeter_WindowAndAge(t *testing.T) {
	m := NewMeter(10)
	base := time.Now()
	for i := 0; i < 25; i++ {
		m.Mark(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	last := base.Add(24 * 100 * time.Millisecond)

	st := m.Stats(last, 0)
	assert.Equal(t, 10, st.Frames, "ring keeps only the newest arrivals")
	assert.InDelta(t, 10.0, st.FPSMean, 0.5)

	stale := m.Stats(last.Add(time.Minute), 5*time.Second)
	assert.Equal(t, 0, stale.Frames)
	assert.Equal(t, 0.0, stale.FPSMean)

	m.Reset()
	assert.Equal(t, 0, m.Stats(last, 0).Frames)
}
