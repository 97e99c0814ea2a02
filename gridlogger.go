// Duty-cycled data logger

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/beevik/ntp"
	"github.com/mmcloughlin/profile"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"example.com/gridlogger/base/timebase"

	"example.com/gridlogger/benchmark"

	"example.com/gridlogger/core/boot"
	"example.com/gridlogger/core/client"
	"example.com/gridlogger/core/config"
	"example.com/gridlogger/core/dualclock"
	"example.com/gridlogger/core/grid"
	"example.com/gridlogger/core/retained"
	"example.com/gridlogger/core/sample"
	"example.com/gridlogger/core/sync"

	"example.com/gridlogger/driver/clock"
	"example.com/gridlogger/driver/ds1307"
	"example.com/gridlogger/driver/rtc"
	"example.com/gridlogger/driver/wake"
)

const verifyTolerance = 2 * time.Second

var (
	log *zap.Logger
)

func initLogger(verbose bool) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
}

func runMonitor(log *zap.Logger, addr string) {
	http.Handle("/metrics", promhttp.Handler())
	err := http.ListenAndServe(addr, nil)
	log.Fatal("failed to serve metrics", zap.Error(err))
}

func loadConfig(configFile string) config.Config {
	raw, err := os.ReadFile(configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	cfg, err := config.Decode(raw)
	if err != nil {
		log.Fatal("failed to decode configuration", zap.Error(err))
	}
	return cfg
}

func openReferenceClock(cfg config.Config) timebase.ReferenceClock {
	var (
		refclk timebase.ReferenceClock
		err    error
	)
	switch cfg.ReferenceClock {
	case config.ReferenceClockDS1307:
		refclk, err = ds1307.Open(log, cfg.I2CBus, cfg.I2CAddress)
	default:
		refclk, err = rtc.Open(log)
	}
	if err != nil {
		log.Fatal("failed to open reference clock",
			zap.String("kind", cfg.ReferenceClock), zap.Error(err))
	}
	return refclk
}

func newNTPClient(cfg config.Config) *client.NTPClient {
	return &client.NTPClient{
		Log:          log,
		Servers:      cfg.NTPServers,
		QueryTimeout: cfg.NTPTimeout(),
		Histo:        hdrhistogram.New(1, 50000, 5),
	}
}

func newPolicy(cfg config.Config, clk *dualclock.Pair, src client.TimeSource) *sync.Policy {
	p, err := sync.NewPolicy(log, cfg.SyncPolicy(), clk, &client.Fetcher{
		Log:     log,
		Source:  src,
		Rounds:  cfg.NTPRounds,
		Timeout: cfg.NTPTimeout(),
		Pause:   500 * time.Millisecond,
	})
	if err != nil {
		log.Fatal("invalid sync policy", zap.Error(err))
	}
	p.VerifyTolerance = verifyTolerance
	return p
}

func runLogger(configFile string) {
	cfg := loadConfig(configFile)
	ctx := context.Background()

	lclk := clock.NewSystemClock(log)
	clk := &dualclock.Pair{
		Log:       log,
		Reference: openReferenceClock(cfg),
		System:    lclk,
	}
	ntpc := newNTPClient(cfg)

	var sleeper boot.Sleeper
	if cfg.WakeAlarm != "" {
		fs := afero.NewOsFs()
		sleeper = &wake.Sleeper{
			Log:       log,
			Alarm:     &wake.Alarm{Fs: fs, Path: cfg.WakeAlarm},
			Fs:        fs,
			StatePath: wake.DefaultStatePath,
			Clock:     lclk,
		}
	} else {
		sleeper = &wake.HostSleeper{Clock: lclk}
	}

	seq := &boot.Sequencer{
		Log:        log,
		Store:      &retained.FileStore{Fs: afero.NewOsFs(), Path: cfg.RetainedStateFile},
		Clock:      clk,
		Policy:     newPolicy(cfg, clk, ntpc),
		Sink:       &sample.LogSink{Log: log},
		Sleeper:    sleeper,
		Period:     cfg.SamplingPeriod(),
		Correction: cfg.SleepLengthCorrection(),
	}

	if cfg.MonitorAddr != "" {
		go runMonitor(log, cfg.MonitorAddr)
	}

	for {
		r, err := seq.RunCycle(ctx)
		var u *boot.Unrecoverable
		if errors.As(err, &u) {
			log.Fatal("halting", zap.Error(err))
		}
		if err != nil {
			log.Error("cycle failed", zap.Error(err))
		}
		if r.Sync.Fetched && ntpc.Histo.TotalCount() != 0 {
			log.Debug("NTP round trip delays",
				zap.Int64("p50", ntpc.Histo.ValueAtQuantile(50)),
				zap.Int64("p99", ntpc.Histo.ValueAtQuantile(99)),
				zap.Int64("n", ntpc.Histo.TotalCount()))
		}
	}
}

func runTool(server string, timeout time.Duration) {
	r, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		log.Fatal("failed to query NTP server", zap.String("server", server), zap.Error(err))
	}
	err = r.Validate()
	if err != nil {
		log.Fatal("failed to validate NTP response", zap.String("server", server), zap.Error(err))
	}
	now := time.Now()
	log.Info("NTP response",
		zap.String("server", server),
		zap.Time("local", now),
		zap.Time("xmit", r.Time),
		zap.Time("ref", r.ReferenceTime),
		zap.Duration("rtt", r.RTT),
		zap.Duration("offset", r.ClockOffset),
		zap.Duration("poll", r.Poll),
		zap.Duration("precision", r.Precision),
		zap.Uint8("stratum", r.Stratum),
		zap.String("refid", fmt.Sprintf("0x%08x", r.ReferenceID)),
		zap.Duration("rootdelay", r.RootDelay),
		zap.Duration("rootdisp", r.RootDispersion),
		zap.Duration("rootdist", r.RootDistance),
		zap.Duration("minerr", r.MinError),
		zap.Uint8("leap", uint8(r.Leap)),
		zap.String("kiss", r.KissCode),
	)
}

func runRTC(configFile string, set bool) {
	cfg := loadConfig(configFile)
	ctx := context.Background()

	clk := &dualclock.Pair{
		Log:       log,
		Reference: openReferenceClock(cfg),
		System:    clock.NewSystemClock(log),
	}
	if set {
		err := clk.SyncReferenceFromSystem(ctx)
		if err != nil {
			log.Fatal("failed to set reference clock", zap.Error(err))
		}
		err = clk.VerifyReference(verifyTolerance)
		if err != nil {
			log.Fatal("failed to verify reference clock", zap.Error(err))
		}
	}
	sec, err := clk.Reference.ReadWholeSeconds()
	if err != nil {
		log.Fatal("failed to read reference clock", zap.Error(err))
	}
	ref := time.Unix(sec, 0).UTC()
	log.Info("reference clock",
		zap.Time("reference", ref),
		zap.Time("system", clk.System.Now()),
		zap.Bool("plausible", timebase.Plausible(sec)))
}

func runSchedule(period time.Duration, at string, n int) {
	t := time.Now().UTC()
	if at != "" {
		var err error
		t, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			log.Fatal("failed to parse time", zap.String("at", at), zap.Error(err))
		}
	}
	log.Info("grid", zap.Time("at", t), zap.Time("aligned", grid.Align(t, period)))
	for range n {
		slot, wait := grid.Next(t, period)
		fmt.Printf("%s\t%v\n", slot.Format(time.RFC3339Nano), wait)
		t = slot
	}
}

func runBenchmark(configFile string, n int) {
	cfg := loadConfig(configFile)
	benchmark.RunNTPBenchmark(context.Background(), log, os.Stdout,
		cfg.NTPServers, n, cfg.NTPTimeout())
}

func exitWithUsage() {
	fmt.Println("<usage>")
	os.Exit(1)
}

func main() {
	var (
		verbose    bool
		configFile string
		server     string
		timeout    time.Duration
		setRTC     bool
		period     time.Duration
		at         string
		count      int
		simOpts    simOptions
	)

	runFlags := flag.NewFlagSet("run", flag.ExitOnError)
	toolFlags := flag.NewFlagSet("tool", flag.ExitOnError)
	rtcFlags := flag.NewFlagSet("rtc", flag.ExitOnError)
	scheduleFlags := flag.NewFlagSet("schedule", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)
	simulateFlags := flag.NewFlagSet("simulate", flag.ExitOnError)

	runFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	runFlags.StringVar(&configFile, "config", "", "Config file")

	toolFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	toolFlags.StringVar(&server, "server", "", "NTP server address")
	toolFlags.DurationVar(&timeout, "timeout", 3*time.Second, "Query timeout")

	rtcFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	rtcFlags.StringVar(&configFile, "config", "", "Config file")
	rtcFlags.BoolVar(&setRTC, "set", false, "Set reference clock from system clock")

	scheduleFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	scheduleFlags.DurationVar(&period, "period", 0, "Sampling period")
	scheduleFlags.StringVar(&at, "at", "", "Start time (RFC 3339)")
	scheduleFlags.IntVar(&count, "n", 10, "Number of grid slots")

	benchmarkFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchmarkFlags.StringVar(&configFile, "config", "", "Config file")
	benchmarkFlags.IntVar(&count, "n", 100, "Number of queries per server")

	simulateFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	simulateFlags.StringVar(&configFile, "config", "", "Config file")
	simulateFlags.IntVar(&simOpts.cycles, "cycles", 1000, "Number of duty cycles")
	simulateFlags.Float64Var(&simOpts.driftPPM, "drift", 20, "Reference clock drift (ppm)")
	simulateFlags.DurationVar(&simOpts.wakeLatency, "wake-latency", 0, "Wake latency")
	simulateFlags.IntVar(&simOpts.failEvery, "fail-every", 0, "Fail every n-th network fetch")

	benchmarkProf := profile.New(profile.CPUProfile, profile.MemProfile)
	benchmarkProf.SetFlags(benchmarkFlags)
	simulateProf := profile.New(profile.CPUProfile, profile.MemProfile)
	simulateProf.SetFlags(simulateFlags)

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case runFlags.Name():
		err := runFlags.Parse(os.Args[2:])
		if err != nil || runFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(verbose)
		runLogger(configFile)
	case toolFlags.Name():
		err := toolFlags.Parse(os.Args[2:])
		if err != nil || toolFlags.NArg() != 0 {
			exitWithUsage()
		}
		if server == "" || timeout <= 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		runTool(server, timeout)
	case rtcFlags.Name():
		err := rtcFlags.Parse(os.Args[2:])
		if err != nil || rtcFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(verbose)
		runRTC(configFile, setRTC)
	case scheduleFlags.Name():
		err := scheduleFlags.Parse(os.Args[2:])
		if err != nil || scheduleFlags.NArg() != 0 {
			exitWithUsage()
		}
		if period < time.Microsecond || count < 1 {
			exitWithUsage()
		}
		initLogger(verbose)
		runSchedule(period, at, count)
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" || count < 1 {
			exitWithUsage()
		}
		initLogger(verbose)
		defer benchmarkProf.Start().Stop()
		runBenchmark(configFile, count)
	case simulateFlags.Name():
		err := simulateFlags.Parse(os.Args[2:])
		if err != nil || simulateFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" || simOpts.cycles < 1 || simOpts.failEvery < 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		defer simulateProf.Start().Stop()
		runSimulation(configFile, simOpts)
	default:
		exitWithUsage()
	}
}
