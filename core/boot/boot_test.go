package boot_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"example.com/gridlogger/base/timebase"
	"example.com/gridlogger/core/boot"
	"example.com/gridlogger/core/client"
	"example.com/gridlogger/core/dualclock"
	"example.com/gridlogger/core/retained"
	"example.com/gridlogger/core/sample"
	"example.com/gridlogger/core/sync"
	"example.com/gridlogger/driver/sim"
)

const period = 30 * time.Second

type rig struct {
	l       *sim.Timeline
	sys     *sim.SystemClock
	ref     *sim.ReferenceClock
	src     *sim.TimeSource
	store   *retained.MemStore
	rec     *sample.Recorder
	sleeper *sim.Sleeper
	seq     *boot.Sequencer
}

func newRig(interval int32) *rig {
	l := sim.NewTimeline(time.Date(2024, time.March, 1, 8, 12, 3, 300_000_000, time.UTC))
	sys := sim.NewSystemClock(l)
	ref := sim.NewReferenceClock(l, 20)
	src := &sim.TimeSource{Timeline: l, Latency: 20 * time.Millisecond}
	clk := &dualclock.Pair{Log: zap.NewNop(), Reference: ref, System: sys}
	r := &rig{
		l:       l,
		sys:     sys,
		ref:     ref,
		src:     src,
		store:   &retained.MemStore{},
		rec:     &sample.Recorder{},
		sleeper: &sim.Sleeper{System: sys, WakeLatency: 5 * time.Millisecond},
	}
	r.seq = &boot.Sequencer{
		Log:   zap.NewNop(),
		Store: r.store,
		Clock: clk,
		Policy: &sync.Policy{
			Log:      zap.NewNop(),
			Interval: interval,
			Clock:    clk,
			Fetcher:  &client.Fetcher{Log: zap.NewNop(), Source: src, Rounds: 2, Timeout: time.Second},
		},
		Sink:       r.rec,
		Sleeper:    r.sleeper,
		Period:     period,
		Correction: -5 * time.Millisecond,
	}
	return r
}

func onGrid(t time.Time) bool {
	return t.Sub(t.Truncate(24*time.Hour))%period == 0
}

func TestFirstCycles(t *testing.T) {
	r := newRig(3)

	res, err := r.seq.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if _, ok := res.Boot.(retained.ColdBoot); !ok {
		t.Errorf("first wake classified as %T, want ColdBoot", res.Boot)
	}
	if !res.Sync.Fetched {
		t.Errorf("first wake did not fetch network time")
	}
	if res.Sample != nil || res.Diag != nil {
		t.Errorf("cold boot produced sample %v or diagnostics %v", res.Sample, res.Diag)
	}
	want := time.Date(2024, time.March, 1, 8, 12, 30, 0, time.UTC)
	if !res.NextWake.Equal(want) {
		t.Errorf("next wake = %v, want %v", res.NextWake, want)
	}
	if res.Sleep <= 0 || res.Sleep > period {
		t.Errorf("sleep = %v, want in (0, %v]", res.Sleep, period)
	}
	if !r.l.Now().Equal(want) {
		t.Errorf("woke at %v, want %v", r.l.Now(), want)
	}

	res, err = r.seq.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	wb, ok := res.Boot.(retained.WarmBoot)
	if !ok {
		t.Fatalf("second wake classified as %T, want WarmBoot", res.Boot)
	}
	if wb.Prior.CycleCount != 1 {
		t.Errorf("prior cycle count = %d, want 1", wb.Prior.CycleCount)
	}
	if res.Sync.Due {
		t.Errorf("second wake attempted a network fetch")
	}
	if res.Sample == nil || !res.Sample.Timestamp.Equal(want) || !res.Sample.DoneReading {
		t.Errorf("sample = %+v, want timestamp %v", res.Sample, want)
	}
	if res.Diag == nil || res.Diag.N != 1 || res.Diag.Shift < -0.002 || res.Diag.Shift > 0.002 {
		t.Errorf("diagnostics = %+v, want one shift close to zero", res.Diag)
	}
	if got := want.Add(period); !res.NextWake.Equal(got) {
		t.Errorf("next wake = %v, want %v", res.NextWake, got)
	}
}

func TestManyCycles(t *testing.T) {
	r := newRig(3)
	const n = 20

	var prev time.Time
	for i := range n {
		res, err := r.seq.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: RunCycle() failed: %v", i, err)
		}
		if !onGrid(res.NextWake) {
			t.Errorf("cycle %d: next wake %v not on grid", i, res.NextWake)
		}
		if i > 0 {
			if res.Sample == nil || !res.Sample.Timestamp.Equal(prev) {
				t.Errorf("cycle %d: sample %+v, want timestamp %v", i, res.Sample, prev)
			}
			if d := res.Diag.Shift; d < -0.005 || d > 0.005 {
				t.Errorf("cycle %d: shift %v s", i, d)
			}
		}
		prev = res.NextWake
	}

	s, err := r.store.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if s.CycleCount != n {
		t.Errorf("cycle count = %d, want %d", s.CycleCount, n)
	}
	if s.Drift.SampleCount != n-1 {
		t.Errorf("diagnostic sample count = %d, want %d", s.Drift.SampleCount, n-1)
	}
	if got := len(r.rec.Events()); got != n-1 {
		t.Errorf("%d samples handed off, want %d", got, n-1)
	}
	// cold boot plus one fetch every fourth cycle
	if got, want := r.src.Fetches(), 1+(n-1)/4; got != want {
		t.Errorf("%d network fetches, want %d", got, want)
	}
}

func TestAbsentReference(t *testing.T) {
	r := newRig(3)
	r.ref.SetAbsent(true)

	_, err := r.seq.RunCycle(context.Background())
	var u *boot.Unrecoverable
	if !errors.As(err, &u) {
		t.Fatalf("RunCycle() = %v, want *boot.Unrecoverable", err)
	}
	if !errors.Is(err, timebase.ErrReferenceClockAbsent) {
		t.Errorf("RunCycle() = %v, want %v", err, timebase.ErrReferenceClockAbsent)
	}
	if len(r.sleeper.Sleeps()) != 0 {
		t.Errorf("device slept after unrecoverable fault")
	}
}

func TestImplausibleReferenceForcesFetch(t *testing.T) {
	r := newRig(100)
	if _, err := r.seq.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	r.ref.Reset(time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC))

	res, err := r.seq.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if !res.Sync.Fetched {
		t.Errorf("implausible reference did not force a network fetch")
	}
	if res.State.CyclesUntilNetworkSync != 100 {
		t.Errorf("countdown = %d, want 100", res.State.CyclesUntilNetworkSync)
	}
	if e := r.ref.Error(); e != 0 {
		t.Errorf("reference clock off by %v", e)
	}
}

func TestNetworkDownOnColdBoot(t *testing.T) {
	r := newRig(3)
	r.src.SetUnavailable(true)

	res, err := r.seq.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if res.Sync.FetchErr == nil {
		t.Errorf("fetch succeeded with network down")
	}
	if res.State.CyclesUntilNetworkSync != 0 {
		t.Errorf("countdown = %d, want 0", res.State.CyclesUntilNetworkSync)
	}
	if !onGrid(res.NextWake) || res.NextWake.Year() != 2024 {
		t.Errorf("next wake = %v, want grid slot from reference time", res.NextWake)
	}

	r.src.SetUnavailable(false)
	res, err = r.seq.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if !res.Sync.Fetched || res.State.CyclesUntilNetworkSync != 3 {
		t.Errorf("retry: fetched %v, countdown %d", res.Sync.Fetched, res.State.CyclesUntilNetworkSync)
	}
}

func TestImplausibleSlotNotReported(t *testing.T) {
	r := newRig(3)
	r.ref.Reset(time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC))
	r.src.SetUnavailable(true)

	res, err := r.seq.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if res.NextWake.Year() != 2000 {
		t.Fatalf("next wake = %v, want slot on the reference clock's time base", res.NextWake)
	}

	r.src.SetUnavailable(false)
	res, err = r.seq.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if _, ok := res.Boot.(retained.WarmBoot); !ok {
		t.Fatalf("second wake classified as %T, want WarmBoot", res.Boot)
	}
	if !res.Sync.Fetched {
		t.Errorf("implausible reference did not force a network fetch")
	}
	if res.Sample != nil || res.Diag != nil {
		t.Errorf("slot from implausible time base produced sample %+v or diagnostics %+v", res.Sample, res.Diag)
	}
	if res.State.Drift.SampleCount != 0 {
		t.Errorf("drift sample count = %d, want 0", res.State.Drift.SampleCount)
	}
	if !onGrid(res.NextWake) || res.NextWake.Year() != 2024 {
		t.Errorf("next wake = %v, want grid slot in 2024", res.NextWake)
	}

	const n = 10
	for i := range n {
		res, err = r.seq.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: RunCycle() failed: %v", i, err)
		}
	}
	for _, ev := range r.rec.Events() {
		if !timebase.Plausible(ev.Timestamp.Unix()) {
			t.Errorf("sample timestamp %v implausible", ev.Timestamp)
		}
	}
	if got := len(r.rec.Events()); got != n {
		t.Errorf("samples = %d, want %d", got, n)
	}
	if res.Diag == nil || res.Diag.N != n || res.Diag.MeanShift < -0.005 || res.Diag.MeanShift > 0.005 {
		t.Errorf("diagnostics = %+v, want %d shifts close to zero", res.Diag, n)
	}
}

func TestLostRetainedState(t *testing.T) {
	for _, loss := range []string{"power", "corrupt"} {
		r := newRig(3)
		for range 3 {
			if _, err := r.seq.RunCycle(context.Background()); err != nil {
				t.Fatalf("RunCycle() failed: %v", err)
			}
		}
		if loss == "power" {
			r.store.PowerLoss()
		} else {
			r.store.Corrupt()
		}

		res, err := r.seq.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("%s: RunCycle() failed: %v", loss, err)
		}
		if _, ok := res.Boot.(retained.ColdBoot); !ok {
			t.Errorf("%s: wake classified as %T, want ColdBoot", loss, res.Boot)
		}
		if !res.Sync.Fetched {
			t.Errorf("%s: cold boot did not fetch network time", loss)
		}
		if res.State.CycleCount != 1 {
			t.Errorf("%s: cycle count = %d, want 1", loss, res.State.CycleCount)
		}
	}
}

func TestSinkFailureDoesNotStopCycle(t *testing.T) {
	r := newRig(3)
	r.seq.Sink = sample.SinkFunc(func(ctx context.Context, ev sample.Event) error {
		return errors.New("sink full")
	})
	for range 2 {
		if _, err := r.seq.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle() failed: %v", err)
		}
	}
	if got := len(r.sleeper.Sleeps()); got != 2 {
		t.Errorf("%d sleeps, want 2", got)
	}
}
