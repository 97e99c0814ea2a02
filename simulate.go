// Duty cycle simulation on virtual clocks

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/gridlogger/core/boot"
	"example.com/gridlogger/core/client"
	"example.com/gridlogger/core/config"
	"example.com/gridlogger/core/diagnostics"
	"example.com/gridlogger/core/dualclock"
	"example.com/gridlogger/core/retained"
	"example.com/gridlogger/core/sample"
	"example.com/gridlogger/core/sync"

	"example.com/gridlogger/driver/sim"
)

type simOptions struct {
	cycles      int
	driftPPM    float64
	wakeLatency time.Duration
	failEvery   int
	start       time.Time
}

type simReport struct {
	Cycles         int
	Samples        int
	NetworkFetches int
	FetchFailures  int
	Diag           diagnostics.Summary
	MaxRefError    time.Duration
	OffGrid        int
}

func simulate(log *zap.Logger, cfg config.Config, opts simOptions) (simReport, error) {
	var rep simReport
	start := opts.start
	if start.IsZero() {
		start = time.Date(2024, time.March, 1, 8, 12, 3, 500_000_000, time.UTC)
	}
	l := sim.NewTimeline(start)
	sys := sim.NewSystemClock(l)
	ref := sim.NewReferenceClock(l, opts.driftPPM)
	src := &sim.TimeSource{Timeline: l, Latency: 20 * time.Millisecond, FailEvery: opts.failEvery}
	rec := &sample.Recorder{}
	store := &retained.MemStore{}

	clk := &dualclock.Pair{Log: log, Reference: ref, System: sys}
	p, err := sync.NewPolicy(log, cfg.SyncPolicy(), clk, &client.Fetcher{
		Log:     log,
		Source:  src,
		Rounds:  cfg.NTPRounds,
		Timeout: cfg.NTPTimeout(),
	})
	if err != nil {
		return rep, err
	}
	p.VerifyTolerance = verifyTolerance
	period := cfg.SamplingPeriod()
	seq := &boot.Sequencer{
		Log:        log,
		Store:      store,
		Clock:      clk,
		Policy:     p,
		Sink:       rec,
		Sleeper:    &sim.Sleeper{System: sys, WakeLatency: opts.wakeLatency},
		Period:     period,
		Correction: cfg.SleepLengthCorrection(),
	}

	ctx := context.Background()
	for range opts.cycles {
		r, err := seq.RunCycle(ctx)
		var u *boot.Unrecoverable
		if errors.As(err, &u) {
			return rep, err
		}
		rep.Cycles++
		if r.Sync.Fetched {
			rep.NetworkFetches++
		}
		if r.Sync.FetchErr != nil {
			rep.FetchFailures++
		}
		if r.Diag != nil {
			rep.Diag = *r.Diag
		}
		if e := ref.Error().Abs(); e > rep.MaxRefError {
			rep.MaxRefError = e
		}
		if r.NextWake.Sub(r.NextWake.Truncate(24*time.Hour))%period != 0 {
			rep.OffGrid++
		}
	}
	rep.Samples = len(rec.Events())
	return rep, nil
}

func runSimulation(configFile string, opts simOptions) {
	cfg := loadConfig(configFile)
	rep, err := simulate(log, cfg, opts)
	if err != nil {
		log.Fatal("simulation failed", zap.Error(err))
	}
	log.Info("simulation completed",
		zap.Int("cycles", rep.Cycles),
		zap.Int("samples", rep.Samples),
		zap.Int("fetches", rep.NetworkFetches),
		zap.Int("fetchFailures", rep.FetchFailures),
		zap.Uint32("n", rep.Diag.N),
		zap.Float64("meanShift", rep.Diag.MeanShift),
		zap.Float64("rmsShift", rep.Diag.RMSShift),
		zap.Duration("maxRefError", rep.MaxRefError),
		zap.Int("offGrid", rep.OffGrid))
	fmt.Printf("cycles=%d samples=%d fetches=%d mean=%.6fs rms=%.6fs\n",
		rep.Cycles, rep.Samples, rep.NetworkFetches, rep.Diag.MeanShift, rep.Diag.RMSShift)
}
