package benchmark

import (
	"context"
	"io"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"go.uber.org/zap"

	"example.com/gridlogger/core/client"
)

// Result summarizes the queries sent to one server.
type Result struct {
	Server   string
	Queries  int
	Failures int
	Histo    *hdrhistogram.Histogram
}

// RunNTPBenchmark queries every server n times in turn, records round trip
// delays in microseconds and prints their percentile distribution to w.
func RunNTPBenchmark(ctx context.Context, log *zap.Logger, w io.Writer,
	servers []string, n int, timeout time.Duration) []Result {
	var rs []Result
	for _, server := range servers {
		r := Result{
			Server: server,
			Histo:  hdrhistogram.New(1, 50000, 5),
		}
		c := &client.NTPClient{
			Log:          log,
			Servers:      []string{server},
			QueryTimeout: timeout,
			Histo:        r.Histo,
		}
		t0 := time.Now()
		for range n {
			if ctx.Err() != nil {
				break
			}
			r.Queries++
			_, err := c.FetchTime(ctx)
			if err != nil {
				r.Failures++
			}
		}
		log.Info("benchmark completed",
			zap.String("server", server),
			zap.Int("queries", r.Queries),
			zap.Int("failures", r.Failures),
			zap.Duration("duration", time.Since(t0)))
		if r.Histo.TotalCount() != 0 {
			_, err := r.Histo.PercentilesPrint(w, 1, 1.0)
			if err != nil {
				log.Info("failed to print percentiles", zap.Error(err))
			}
		}
		rs = append(rs, r)
	}
	return rs
}
