package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"

	"example.com/gridlogger/base/timemath"
)

const (
	ReferenceClockRTC    = "rtc"
	ReferenceClockDS1307 = "ds1307"

	defaultNTPServer         = "pool.ntp.org"
	defaultNTPTimeoutSeconds = 10.0
	defaultNTPRounds         = 3
	defaultI2CAddress        = 0x68
	defaultRetainedStateFile = "/run/gridlogger/retained.bin"
)

var ErrConfigInvalid = errors.New("invalid configuration")

// SyncPolicyConfig holds the drift parameters from which the network sync
// interval is derived once at startup.
type SyncPolicyConfig struct {
	SamplingPeriodSeconds     float64
	MaxReferenceDriftPPM      float64
	AllowedDriftBudgetSeconds float64
}

func positive(x float64) bool {
	return x > 0 && !math.IsInf(x, 1)
}

// driftPerCycle returns the worst-case reference clock error accumulated
// over n cycles, in seconds.
func (c SyncPolicyConfig) driftPerCycle(n int64) float64 {
	return float64(n) * c.SamplingPeriodSeconds * c.MaxReferenceDriftPPM * 1e-6
}

// SyncIntervalCycles returns the number of cycles between mandatory network
// time fetches, ceil((budget / (ppm * 1e-6)) / period), lowered where needed so
// that the reference clock's worst-case drift over the whole interval never
// exceeds the allowed budget.
func (c SyncPolicyConfig) SyncIntervalCycles() (int32, error) {
	if !positive(c.SamplingPeriodSeconds) {
		return 0, fmt.Errorf("%w: sampling period must be positive, got %v",
			ErrConfigInvalid, c.SamplingPeriodSeconds)
	}
	if !positive(c.MaxReferenceDriftPPM) {
		return 0, fmt.Errorf("%w: max reference drift must be positive, got %v",
			ErrConfigInvalid, c.MaxReferenceDriftPPM)
	}
	if !positive(c.AllowedDriftBudgetSeconds) {
		return 0, fmt.Errorf("%w: allowed drift budget must be positive, got %v",
			ErrConfigInvalid, c.AllowedDriftBudgetSeconds)
	}
	x := math.Ceil((c.AllowedDriftBudgetSeconds / (c.MaxReferenceDriftPPM * 1e-6)) /
		c.SamplingPeriodSeconds)
	if math.IsNaN(x) || x > math.MaxInt32 {
		return 0, fmt.Errorf("%w: sync interval of %v cycles exceeds counter width",
			ErrConfigInvalid, x)
	}
	n := int64(x)
	for n > 1 && c.driftPerCycle(n) > c.AllowedDriftBudgetSeconds {
		n--
	}
	if n < 1 || c.driftPerCycle(n) > c.AllowedDriftBudgetSeconds {
		return 0, fmt.Errorf("%w: drift of %v s per cycle exceeds budget of %v s",
			ErrConfigInvalid, c.driftPerCycle(1), c.AllowedDriftBudgetSeconds)
	}
	return int32(n), nil
}

// Config is the startup configuration of the logger. It is fixed for the
// lifetime of the process.
type Config struct {
	SamplingPeriodSeconds        float64  `toml:"sampling_period_seconds"`
	MaxReferenceDriftPPM         float64  `toml:"max_reference_drift_ppm"`
	AllowedDriftBudgetSeconds    float64  `toml:"allowed_drift_budget_seconds"`
	SleepLengthCorrectionSeconds float64  `toml:"sleep_length_correction_seconds,omitempty"`
	NTPServers                   []string `toml:"ntp_servers,omitempty"`
	NTPTimeoutSeconds            float64  `toml:"ntp_timeout_seconds,omitempty"`
	NTPRounds                    int      `toml:"ntp_rounds,omitempty"`
	ReferenceClock               string   `toml:"reference_clock,omitempty"`
	I2CBus                       string   `toml:"i2c_bus,omitempty"`
	I2CAddress                   uint16   `toml:"i2c_address,omitempty"`
	RetainedStateFile            string   `toml:"retained_state_file,omitempty"`
	WakeAlarm                    string   `toml:"wake_alarm,omitempty"`
	MonitorAddr                  string   `toml:"monitor_address,omitempty"`
}

// Decode parses a TOML configuration, fills in defaults and validates the
// result. Unknown keys are rejected.
func Decode(raw []byte) (Config, error) {
	var cfg Config
	err := toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	cfg.applyDefaults()
	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.NTPServers) == 0 {
		c.NTPServers = []string{defaultNTPServer}
	}
	if c.NTPTimeoutSeconds == 0 {
		c.NTPTimeoutSeconds = defaultNTPTimeoutSeconds
	}
	if c.NTPRounds == 0 {
		c.NTPRounds = defaultNTPRounds
	}
	if c.ReferenceClock == "" {
		c.ReferenceClock = ReferenceClockRTC
	}
	if c.I2CAddress == 0 {
		c.I2CAddress = defaultI2CAddress
	}
	if c.RetainedStateFile == "" {
		c.RetainedStateFile = defaultRetainedStateFile
	}
}

// Validate reports every violated constraint at once. The returned error
// wraps ErrConfigInvalid.
func (c Config) Validate() error {
	var errs *multierror.Error
	_, err := c.SyncPolicy().SyncIntervalCycles()
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if math.IsNaN(c.SleepLengthCorrectionSeconds) ||
		math.Abs(c.SleepLengthCorrectionSeconds) >= c.SamplingPeriodSeconds {
		errs = multierror.Append(errs, fmt.Errorf(
			"sleep_length_correction_seconds must be smaller in magnitude than the sampling period, got %v",
			c.SleepLengthCorrectionSeconds))
	}
	if c.SamplingPeriodSeconds > 0 && c.SamplingPeriod() < time.Microsecond {
		errs = multierror.Append(errs, fmt.Errorf(
			"sampling_period_seconds must be at least one microsecond, got %v",
			c.SamplingPeriodSeconds))
	}
	for _, s := range c.NTPServers {
		if s == "" {
			errs = multierror.Append(errs, errors.New("ntp_servers must not contain empty entries"))
		}
	}
	if !positive(c.NTPTimeoutSeconds) {
		errs = multierror.Append(errs, fmt.Errorf(
			"ntp_timeout_seconds must be positive, got %v", c.NTPTimeoutSeconds))
	}
	if c.NTPRounds < 1 {
		errs = multierror.Append(errs, fmt.Errorf(
			"ntp_rounds must be at least 1, got %v", c.NTPRounds))
	}
	if c.ReferenceClock != ReferenceClockRTC && c.ReferenceClock != ReferenceClockDS1307 {
		errs = multierror.Append(errs, fmt.Errorf(
			"reference_clock must be %q or %q, got %q",
			ReferenceClockRTC, ReferenceClockDS1307, c.ReferenceClock))
	}
	if c.I2CAddress > 0x7f {
		errs = multierror.Append(errs, fmt.Errorf(
			"i2c_address must be a 7-bit address, got %#x", c.I2CAddress))
	}
	if errs.ErrorOrNil() != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errs)
	}
	return nil
}

func (c Config) SyncPolicy() SyncPolicyConfig {
	return SyncPolicyConfig{
		SamplingPeriodSeconds:     c.SamplingPeriodSeconds,
		MaxReferenceDriftPPM:      c.MaxReferenceDriftPPM,
		AllowedDriftBudgetSeconds: c.AllowedDriftBudgetSeconds,
	}
}

func (c Config) SamplingPeriod() time.Duration {
	return timemath.Duration(c.SamplingPeriodSeconds)
}

func (c Config) SleepLengthCorrection() time.Duration {
	return timemath.Duration(c.SleepLengthCorrectionSeconds)
}

func (c Config) NTPTimeout() time.Duration {
	return timemath.Duration(c.NTPTimeoutSeconds)
}
