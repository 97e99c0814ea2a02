package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.uber.org/zap"

	"example.com/gridlogger/base/metrics"
	"example.com/gridlogger/base/timebase"
)

// Fetched is an absolute time obtained from the network.
type Fetched struct {
	Time   time.Time
	Server string
	RTT    time.Duration
}

type TimeSource interface {
	FetchTime(ctx context.Context) (Fetched, error)
}

var (
	ErrNetworkUnavailable = errors.New("network time unavailable")
	ErrTimeFetchTimeout   = errors.New("network time fetch timed out")

	errImplausibleTime = errors.New("implausible network time")

	fetchMetrics atomic.Pointer[fetcherMetrics]
)

type fetcherMetrics struct {
	fetches  prometheus.Counter
	failures prometheus.Counter
}

func newFetcherMetrics() *fetcherMetrics {
	return &fetcherMetrics{
		fetches: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientFetchesN,
			Help: metrics.ClientFetchesH,
		}),
		failures: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientFetchFailuresN,
			Help: metrics.ClientFetchFailuresH,
		}),
	}
}

func init() {
	fetchMetrics.Store(newFetcherMetrics())
}

// Fetcher retries a time source for a bounded number of rounds within an
// overall timeout.
type Fetcher struct {
	Log     *zap.Logger
	Source  TimeSource
	Rounds  int
	Timeout time.Duration
	// Pause is the real-time delay between failed rounds.
	Pause time.Duration
}

// Fetch returns the first plausible time obtained from the source. It fails
// with ErrTimeFetchTimeout once the overall timeout expires and with
// ErrNetworkUnavailable when all rounds have failed.
func (f *Fetcher) Fetch(ctx context.Context) (Fetched, error) {
	if f.Rounds <= 0 {
		panic("invalid number of fetch rounds")
	}
	mtrcs := fetchMetrics.Load()

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	var err error
	for i := range f.Rounds {
		mtrcs.fetches.Inc()
		r, e := f.Source.FetchTime(ctx)
		if e == nil && r.Time.Before(timebase.MinValidTime) {
			e = fmt.Errorf("%w: %v", errImplausibleTime, r.Time)
		}
		if e == nil {
			f.Log.Debug("fetched network time",
				zap.String("server", r.Server),
				zap.Time("time", r.Time),
				zap.Duration("rtt", r.RTT))
			return r, nil
		}
		mtrcs.failures.Inc()
		err = e
		f.Log.Info("failed to fetch network time",
			zap.Int("round", i+1), zap.Error(e))
		if ctx.Err() != nil {
			return Fetched{}, fmt.Errorf("%w: %w", ErrTimeFetchTimeout, err)
		}
		if f.Pause > 0 && i != f.Rounds-1 {
			t := time.NewTimer(f.Pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return Fetched{}, fmt.Errorf("%w: %w", ErrTimeFetchTimeout, err)
			case <-t.C:
			}
		}
	}
	return Fetched{}, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
}
