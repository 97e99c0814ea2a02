package sync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.uber.org/zap"

	"example.com/gridlogger/base/metrics"

	"example.com/gridlogger/core/client"
	"example.com/gridlogger/core/config"
	"example.com/gridlogger/core/dualclock"
	"example.com/gridlogger/core/retained"
)

const defaultVerifyTolerance = 2 * time.Second

type Fetcher interface {
	Fetch(ctx context.Context) (client.Fetched, error)
}

// Policy decides on each wake whether the system clock is set from the
// network or from the reference clock. Network synchronizations are spaced
// so that the reference clock's worst-case drift between two of them stays
// within the configured budget.
type Policy struct {
	Log      *zap.Logger
	Interval int32
	Clock    *dualclock.Pair
	Fetcher  Fetcher
	// VerifyTolerance bounds the disagreement between the reference clock
	// read back after a network synchronization and the system clock.
	VerifyTolerance time.Duration
}

type policyMetrics struct {
	cyclesUntilNetwork prometheus.Gauge
	networkSyncs       prometheus.Counter
	fallbacks          prometheus.Counter
}

var syncMetrics atomic.Pointer[policyMetrics]

func newPolicyMetrics() *policyMetrics {
	return &policyMetrics{
		cyclesUntilNetwork: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SyncCyclesUntilNetworkN,
			Help: metrics.SyncCyclesUntilNetworkH,
		}),
		networkSyncs: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncNetworkSyncsN,
			Help: metrics.SyncNetworkSyncsH,
		}),
		fallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncFallbacksN,
			Help: metrics.SyncFallbacksH,
		}),
	}
}

func init() {
	syncMetrics.Store(newPolicyMetrics())
}

// Outcome describes what a policy run did to the clocks.
type Outcome struct {
	Due      bool
	Fetched  bool
	Fetch    client.Fetched
	FetchErr error
	// SyncErr is the error of the clock transfer that established the
	// cycle's time base, if any.
	SyncErr error
}

func NewPolicy(log *zap.Logger, cfg config.SyncPolicyConfig, clk *dualclock.Pair, f Fetcher) (*Policy, error) {
	n, err := cfg.SyncIntervalCycles()
	if err != nil {
		return nil, err
	}
	log.Info("network synchronization interval",
		zap.Int32("cycles", n),
		zap.Float64("period", cfg.SamplingPeriodSeconds),
		zap.Float64("ppm", cfg.MaxReferenceDriftPPM),
		zap.Float64("budget", cfg.AllowedDriftBudgetSeconds))
	return &Policy{
		Log:      log,
		Interval: n,
		Clock:    clk,
		Fetcher:  f,
	}, nil
}

// Due reports whether the cycle described by s must attempt a network
// synchronization.
func (p *Policy) Due(s retained.State, force bool) bool {
	return s.CycleCount == 0 || s.CyclesUntilNetworkSync <= 0 || force
}

// Run establishes the cycle's time base and updates the countdown in s.
// The countdown is reset only after a successful network synchronization.
// A failed fetch leaves it unchanged so the next cycle retries.
func (p *Policy) Run(ctx context.Context, s *retained.State, force bool) Outcome {
	mtrcs := syncMetrics.Load()
	var o Outcome
	defer func() {
		mtrcs.cyclesUntilNetwork.Set(float64(s.CyclesUntilNetworkSync))
	}()

	if !p.Due(*s, force) {
		s.CyclesUntilNetworkSync--
		o.SyncErr = p.Clock.SyncSystemFromReference(ctx)
		return o
	}

	o.Due = true
	f, err := p.Fetcher.Fetch(ctx)
	if err != nil {
		o.FetchErr = err
		mtrcs.fallbacks.Inc()
		p.Log.Info("network time unavailable, using reference clock",
			zap.Int32("countdown", s.CyclesUntilNetworkSync), zap.Error(err))
		o.SyncErr = p.Clock.SyncSystemFromReference(ctx)
		return o
	}

	o.Fetched, o.Fetch = true, f
	o.SyncErr = p.syncFromNetwork(ctx, f)
	if o.SyncErr != nil {
		p.Log.Warn("failed to synchronize reference clock", zap.Error(o.SyncErr))
		return o
	}
	s.CyclesUntilNetworkSync = p.Interval
	mtrcs.networkSyncs.Inc()
	return o
}

func (p *Policy) syncFromNetwork(ctx context.Context, f client.Fetched) error {
	err := p.Clock.System.Set(f.Time)
	if err != nil {
		return err
	}
	err = p.Clock.SyncReferenceFromSystem(ctx)
	if err != nil {
		return err
	}
	tol := p.VerifyTolerance
	if tol == 0 {
		tol = defaultVerifyTolerance
	}
	return p.Clock.VerifyReference(tol)
}
