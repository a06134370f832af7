package vesting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchedule(start time.Time, cliff, vest time.Duration) Schedule {
	p := Pool{StartTime: start, CliffDuration: cliff, VestingDuration: vest}
	return p.Schedule()
}

func TestVestedFraction(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := testSchedule(start, 10*time.Second, 100*time.Second)

	tests := []struct {
		name string
		at   time.Time
		want float64
	}{
		{"before start", start.Add(-time.Hour), 0},
		{"at start, before cliff", start, 0},
		{"just before cliff", start.Add(10*time.Second - time.Nanosecond), 0},
		{"at cliff", start.Add(10 * time.Second), 0},
		{"halfway", start.Add(60 * time.Second), 0.5},
		{"at end", start.Add(110 * time.Second), 1},
		{"after end", start.Add(time.Hour), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, VestedFraction(tt.at, s), 1e-12)
		})
	}
}

func TestVestedFraction_ZeroCliffZeroDuration(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := testSchedule(start, 0, 0)

	assert.Equal(t, float64(0), VestedFraction(start.Add(-time.Second), s))
	assert.Equal(t, float64(1), VestedFraction(start, s))
}

func TestVestedAmount_SpecExample(t *testing.T) {
	t.Parallel()

	// Pool total 100 units, no cliff, 100s linear vesting; at t=50s half
	// of a 50-unit allocation has unlocked.
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := testSchedule(start, 0, 100*time.Second)

	require.Equal(t, int64(25), VestedAmount(start.Add(50*time.Second), s, 50))
	require.Equal(t, int64(0), VestedAmount(start, s, 50))
	require.Equal(t, int64(50), VestedAmount(start.Add(200*time.Second), s, 50))
}

func TestVestedAmount_Monotonic(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := testSchedule(start, 7*time.Hour, 365*24*time.Hour)
	const total = 123_456_789_012

	prev := int64(-1)
	for i := 0; i <= 1000; i++ {
		at := start.Add(time.Duration(i) * 9 * time.Hour)
		v := VestedAmount(at, s, total)
		require.GreaterOrEqual(t, v, prev, "vested amount decreased at step %d", i)
		require.LessOrEqual(t, v, int64(total))
		prev = v
	}
	assert.Equal(t, int64(total), prev)
}

func TestVestedAmount_NeverRoundsUp(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := testSchedule(start, 0, 3*time.Second)

	// 1/3 of 100 floors to 33, never 34.
	assert.Equal(t, int64(33), VestedAmount(start.Add(time.Second), s, 100))
}

func TestVestedAmountFromEscrow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                        string
		escrowVested, total, alloc  int64
		want                        int64
	}{
		{"nothing vested", 0, 1000, 500, 0},
		{"half vested", 500, 1000, 500, 250},
		{"fully vested", 1000, 1000, 500, 500},
		{"escrow ahead of total", 1500, 1000, 500, 500},
		{"floors down", 1, 3, 100, 33},
		{"zero pool total", 500, 0, 500, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VestedAmountFromEscrow(tt.escrowVested, tt.total, tt.alloc))
		})
	}
}

func TestFloorDisplay(t *testing.T) {
	t.Parallel()

	g := DisplayGranularity()
	require.Equal(t, int64(10_000_000), g)

	assert.Equal(t, int64(0), FloorDisplay(0))
	assert.Equal(t, int64(0), FloorDisplay(-5))
	assert.Equal(t, int64(0), FloorDisplay(g-1))
	assert.Equal(t, g, FloorDisplay(g))
	assert.Equal(t, g, FloorDisplay(g+1))
	assert.Equal(t, int64(1_230_000_000), FloorDisplay(1_239_999_999))
}
