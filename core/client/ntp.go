package client

import (
	"context"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/beevik/ntp"

	"go.uber.org/zap"
)

const defaultQueryTimeout = 3 * time.Second

// NTPClient queries a list of NTP servers in order and answers with the
// first validated response.
type NTPClient struct {
	Log          *zap.Logger
	Servers      []string
	QueryTimeout time.Duration
	Histo        *hdrhistogram.Histogram
}

var _ TimeSource = (*NTPClient)(nil)

func (c *NTPClient) FetchTime(ctx context.Context) (Fetched, error) {
	if len(c.Servers) == 0 {
		return Fetched{}, errNoServers
	}
	var err error
	for _, server := range c.Servers {
		timeout := c.QueryTimeout
		if timeout <= 0 {
			timeout = defaultQueryTimeout
		}
		if deadline, ok := ctx.Deadline(); ok {
			timeout = min(timeout, time.Until(deadline))
		}
		if timeout <= 0 {
			return Fetched{}, context.DeadlineExceeded
		}
		if e := ctx.Err(); e != nil {
			return Fetched{}, e
		}

		r, e := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
		if e == nil {
			e = r.Validate()
		}
		if e != nil {
			c.Log.Info("failed to query NTP server",
				zap.String("server", server), zap.Error(e))
			err = e
			continue
		}

		now := time.Now()
		if c.Histo != nil {
			e = c.Histo.RecordValue(r.RTT.Microseconds())
			if e != nil {
				c.Log.Debug("failed to record RTT", zap.Error(e))
			}
		}
		c.Log.Debug("received NTP response",
			zap.String("server", server),
			zap.Time("local", now),
			zap.Time("xmit", r.Time),
			zap.Duration("rtt", r.RTT),
			zap.Duration("offset", r.ClockOffset),
			zap.Uint8("stratum", r.Stratum),
			zap.Duration("rootdist", r.RootDistance),
		)
		return Fetched{
			Time:   now.Add(r.ClockOffset).UTC(),
			Server: server,
			RTT:    r.RTT,
		}, nil
	}
	return Fetched{}, err
}
