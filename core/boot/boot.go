// Package boot runs one duty cycle: classify the wake, establish the time
// base, record timing diagnostics, hand off the sample, schedule the next
// grid slot and sleep.
package boot

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.uber.org/zap"

	"example.com/gridlogger/base/metrics"
	"example.com/gridlogger/base/timebase"
	"example.com/gridlogger/base/timemath"

	"example.com/gridlogger/core/diagnostics"
	"example.com/gridlogger/core/dualclock"
	"example.com/gridlogger/core/grid"
	"example.com/gridlogger/core/retained"
	"example.com/gridlogger/core/sample"
	"example.com/gridlogger/core/sync"
)

// Sleeper suspends the device for d. wakeAt is the grid slot the wake
// belongs to.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration, wakeAt time.Time) error
}

// Unrecoverable reports a fault after which the device cannot keep a time
// base and must halt.
type Unrecoverable struct {
	Err error
}

func (e *Unrecoverable) Error() string {
	return "unrecoverable: " + e.Err.Error()
}

func (e *Unrecoverable) Unwrap() error {
	return e.Err
}

type bootMetrics struct {
	coldBoots       prometheus.Counter
	warmBoots       prometheus.Counter
	samples         prometheus.Counter
	sleep           prometheus.Gauge
	meanShift       prometheus.Gauge
	rmsShift        prometheus.Gauge
	lastShift       prometheus.Gauge
	diagSampleCount prometheus.Gauge
}

var bootMtrcs atomic.Pointer[bootMetrics]

func newBootMetrics() *bootMetrics {
	return &bootMetrics{
		coldBoots: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.BootColdBootsN,
			Help: metrics.BootColdBootsH,
		}),
		warmBoots: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.BootWarmBootsN,
			Help: metrics.BootWarmBootsH,
		}),
		samples: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.BootSamplesN,
			Help: metrics.BootSamplesH,
		}),
		sleep: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.BootSleepN,
			Help: metrics.BootSleepH,
		}),
		meanShift: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.DiagMeanShiftN,
			Help: metrics.DiagMeanShiftH,
		}),
		rmsShift: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.DiagRMSShiftN,
			Help: metrics.DiagRMSShiftH,
		}),
		lastShift: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.DiagLastShiftN,
			Help: metrics.DiagLastShiftH,
		}),
		diagSampleCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.DiagSampleCountN,
			Help: metrics.DiagSampleCountH,
		}),
	}
}

func init() {
	bootMtrcs.Store(newBootMetrics())
}

type Sequencer struct {
	Log     *zap.Logger
	Store   retained.Store
	Clock   *dualclock.Pair
	Policy  *sync.Policy
	Sink    sample.Sink
	Sleeper Sleeper
	Period  time.Duration
	// Correction is added to every computed sleep length to compensate
	// for systematic wake latency.
	Correction time.Duration
}

// Result describes a completed cycle.
type Result struct {
	Boot     retained.Boot
	Sync     sync.Outcome
	Diag     *diagnostics.Summary
	Sample   *sample.Event
	NextWake time.Time
	Sleep    time.Duration
	State    retained.State
}

func (q *Sequencer) loadState() retained.State {
	s, err := q.Store.Load()
	if err != nil {
		q.Log.Warn("retained state unusable, treating wake as cold boot", zap.Error(err))
		return retained.State{}
	}
	return s
}

// RunCycle performs one duty cycle and returns after the sleep that ends
// it. A returned *Unrecoverable means the device must halt.
func (q *Sequencer) RunCycle(ctx context.Context) (Result, error) {
	if q.Period <= 0 {
		panic("invalid sampling period")
	}
	mtrcs := bootMtrcs.Load()

	s := q.loadState()
	r := Result{Boot: s.Boot()}

	sec, err := q.Clock.Reference.ReadWholeSeconds()
	if err != nil {
		q.Log.Error("failed to read reference clock", zap.Error(err))
		return r, &Unrecoverable{Err: err}
	}
	force := !timebase.Plausible(sec)
	if force {
		q.Log.Warn("reference clock implausible, forcing network time fetch",
			zap.Time("reference", time.Unix(sec, 0).UTC()))
	}

	r.Sync = q.Policy.Run(ctx, &s, force)
	if errors.Is(r.Sync.SyncErr, timebase.ErrReferenceClockAbsent) {
		return r, &Unrecoverable{Err: r.Sync.SyncErr}
	}
	if r.Sync.SyncErr != nil {
		q.Log.Error("time base degraded", zap.Error(r.Sync.SyncErr))
	}

	switch b := r.Boot.(type) {
	case retained.ColdBoot:
		mtrcs.coldBoots.Inc()
		q.Log.Info("cold boot", zap.Time("now", q.Clock.System.Now()))
	case retained.WarmBoot:
		mtrcs.warmBoots.Inc()
		nominal := b.Prior.NominalWake
		if !timebase.Plausible(nominal.Seconds) {
			// The previous slot was scheduled on an invalid time base.
			q.Log.Warn("prior nominal wake implausible, skipping diagnostics and sample",
				zap.Time("nominal", nominal.Time()),
				zap.Uint32("cycle", b.Prior.CycleCount))
			break
		}
		now, elapsed := q.Clock.System.Now(), q.Clock.System.Elapsed()
		actual := diagnostics.ActualResume(now, elapsed)
		sum := diagnostics.Update(&s.Drift, diagnostics.Shift(actual, nominal))
		r.Diag = &sum
		mtrcs.lastShift.Set(sum.Shift)
		mtrcs.meanShift.Set(sum.MeanShift)
		mtrcs.rmsShift.Set(sum.RMSShift)
		mtrcs.diagSampleCount.Set(float64(sum.N))
		q.Log.Info("wake timing",
			zap.Time("nominal", nominal.Time()),
			zap.Time("actual", actual),
			zap.Float64("shift", sum.Shift),
			zap.Float64("mean", sum.MeanShift),
			zap.Float64("rms", sum.RMSShift),
			zap.Uint32("n", sum.N))

		ev := sample.Event{
			Timestamp:   nominal.Time(),
			DoneReading: true,
			Cycle:       b.Prior.CycleCount,
		}
		r.Sample = &ev
		err = q.Sink.Sample(ctx, ev)
		if err != nil {
			q.Log.Error("failed to hand off sample", zap.Error(err))
		} else {
			mtrcs.samples.Inc()
		}
	}

	now := q.Clock.System.Now()
	next, wait := grid.Next(now, q.Period)
	wait = max(wait+q.Correction, 0)
	s = s.Advance(next)
	err = q.Store.Save(s)
	if err != nil {
		q.Log.Error("failed to save retained state", zap.Error(err))
	}
	r.NextWake, r.Sleep, r.State = next, wait, s
	mtrcs.sleep.Set(timemath.Seconds(wait))
	q.Log.Debug("sleeping until next grid slot",
		zap.Time("now", now),
		zap.Time("next", next),
		zap.Duration("sleep", wait),
		zap.Int32("countdown", s.CyclesUntilNetworkSync))

	err = q.Sleeper.Sleep(ctx, wait, next)
	if err != nil {
		return r, err
	}
	return r, nil
}
