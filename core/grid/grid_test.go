package grid_test

import (
	"math/rand"
	"testing"
	"time"

	"example.com/gridlogger/core/grid"
)

const microsPerDay = 24 * 60 * 60 * 1e6

func TestMicrosecondsUntilNextSampleBound(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	periods := []uint64{1, 7, 1e6, 30e6, 45e6, 7 * 1e6, 3600e6, 86400e6, 100000e6}
	for _, period := range periods {
		for i := 0; i != 1000; i++ {
			now := uint64(r.Int63n(4102444800e6))
			wait := grid.MicrosecondsUntilNextSample(now, period)
			if wait == 0 || wait > period {
				t.Fatalf("MicrosecondsUntilNextSample(%v, %v) = %v; want in (0, %v]",
					now, period, wait, period)
			}
			midnight := now - now%microsPerDay
			if (now+wait-midnight)%period != 0 {
				t.Fatalf("MicrosecondsUntilNextSample(%v, %v) = %v; not aligned to grid",
					now, period, wait)
			}
		}
	}
}

func TestMicrosecondsUntilNextSampleBoundary(t *testing.T) {
	tests := []struct {
		now, period, want uint64
	}{
		{0, 30e6, 30e6},
		{30e6, 30e6, 30e6},
		{1709251200e6, 30e6, 30e6},
		{1709251200e6 + 29_999_999, 30e6, 1},
		{1709251200e6 + 3600e6, 900e6, 900e6},
	}

	for _, tt := range tests {
		got := grid.MicrosecondsUntilNextSample(tt.now, tt.period)
		if got != tt.want {
			t.Errorf("MicrosecondsUntilNextSample(%v, %v) = %v; want %v", tt.now, tt.period, got, tt.want)
		}
	}
}

func TestMicrosecondsUntilNextSampleDayRollover(t *testing.T) {
	// 7 s does not divide a day: the slot after 86394 s lies at 00:00:01 of
	// the following day, from where the grid is re-derived at 00:00:07.
	midnight := uint64(1709251200e6)
	now := midnight + 86395e6
	got := grid.MicrosecondsUntilNextSample(now, 7e6)
	if got != 6e6 {
		t.Errorf("MicrosecondsUntilNextSample(%v, %v) = %v; want %v", now, uint64(7e6), got, uint64(6e6))
	}
	now += got
	got = grid.MicrosecondsUntilNextSample(now, 7e6)
	if got != 6e6 {
		t.Errorf("MicrosecondsUntilNextSample(%v, %v) = %v; want %v", now, uint64(7e6), got, uint64(6e6))
	}
}

func TestMicrosecondsUntilNextSampleZeroPeriod(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("MicrosecondsUntilNextSample with zero period did not panic")
		}
	}()
	grid.MicrosecondsUntilNextSample(1, 0)
}

func TestNext(t *testing.T) {
	now := time.Date(2024, time.March, 1, 8, 12, 3, 500_000_000, time.UTC)
	slot, wait := grid.Next(now, 30*time.Second)
	want := time.Date(2024, time.March, 1, 8, 12, 30, 0, time.UTC)
	if !slot.Equal(want) {
		t.Errorf("Next(%v, 30s) slot = %v; want %v", now, slot, want)
	}
	if wait != 26500*time.Millisecond {
		t.Errorf("Next(%v, 30s) wait = %v; want %v", now, wait, 26500*time.Millisecond)
	}

	slot2, wait2 := grid.Next(slot, 30*time.Second)
	if wait2 != 30*time.Second || !slot2.Equal(want.Add(30*time.Second)) {
		t.Errorf("Next(%v, 30s) = %v, %v; want next slot a full period later", slot, slot2, wait2)
	}
}

func TestAlign(t *testing.T) {
	tests := []struct {
		t      time.Time
		period time.Duration
		want   time.Time
	}{
		{
			time.Date(2024, time.March, 1, 8, 12, 3, 500_000_000, time.UTC),
			30 * time.Second,
			time.Date(2024, time.March, 1, 8, 12, 0, 0, time.UTC),
		},
		{
			time.Date(2024, time.March, 1, 8, 12, 30, 0, time.UTC),
			30 * time.Second,
			time.Date(2024, time.March, 1, 8, 12, 30, 0, time.UTC),
		},
		{
			time.Date(2024, time.March, 1, 0, 0, 5, 0, time.UTC),
			time.Hour,
			time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		got := grid.Align(tt.t, tt.period)
		if !got.Equal(tt.want) {
			t.Errorf("Align(%v, %v) = %v; want %v", tt.t, tt.period, got, tt.want)
		}
	}
}
