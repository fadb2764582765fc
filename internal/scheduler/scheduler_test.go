package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTicksFireAtExpectedCadence(t *testing.T) {
	var count int64
	const period = 20 * time.Millisecond

	s := New(period, func(time.Time) {
		atomic.AddInt64(&count, 1)
	})
	go s.Run()

	time.Sleep(2 * time.Second)
	s.Stop()

	got := atomic.LoadInt64(&count)
	// ~100 ticks expected in 2s at 20ms; allow generous scheduling slack
	// for a shared CI machine while still catching gross drift.
	require.InDelta(t, 100, got, 15)
}

func TestStopIsIdempotentSafe(t *testing.T) {
	s := New(5*time.Millisecond, func(time.Time) {})
	go s.Run()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	// A second Stop before Run ever started again should not hang or panic.
	s.Stop()
}

func TestSlowTickDoesNotAccumulateDrift(t *testing.T) {
	var ticks []time.Time
	const period = 10 * time.Millisecond

	s := New(period, func(scheduled time.Time) {
		ticks = append(ticks, scheduled)
		if len(ticks) == 3 {
			// Simulate one overrun tick; the absolute-time scheme should
			// absorb it rather than pushing every subsequent tick later.
			time.Sleep(35 * time.Millisecond)
		}
	})
	go s.Run()
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	require.GreaterOrEqual(t, len(ticks), 10)
	// Scheduled tick times must remain exactly period apart regardless of
	// the slow callback in the middle.
	for i := 1; i < len(ticks); i++ {
		delta := ticks[i].Sub(ticks[i-1])
		require.Equal(t, period, delta)
	}
}
