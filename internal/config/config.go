// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/psanghavi/ladderbot/internal/models"
)

// Defaults applied by normalize when fields are unset.
const (
	defaultScanIntervalSec  = 60
	defaultMinRankFinal     = 2.5
	defaultAccelWeight      = 0.3
	defaultCooldownSec      = 180
	defaultAntiFlipPct      = 0.25
	defaultDebounceSec      = 5
	defaultBrokerTimeoutSec = 5
	defaultTrailPollMs      = 250
	defaultSessionStart     = "09:30"
	defaultSessionEnd       = "15:30"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Universe    UniverseConfig    `yaml:"universe"`
	Capital     CapitalConfig     `yaml:"capital"`
	Scanner     ScannerConfig     `yaml:"scanner"`
	Positions   []PositionPolicy  `yaml:"positions"`
	Cooldown    CooldownConfig    `yaml:"cooldown"`
	Trailing    TrailingConfig    `yaml:"trailing"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the runtime environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. Credentials come from the
// environment (expanded via ${...}) and are never logged or persisted.
type BrokerConfig struct {
	APIKey         string `yaml:"api_key"`
	AccessToken    string `yaml:"access_token"`
	APIEndpoint    string `yaml:"api_endpoint"`
	StreamEndpoint string `yaml:"stream_endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// UniverseConfig resolves the fixed symbol universe and token mapping.
type UniverseConfig struct {
	InstrumentsPath string   `yaml:"instruments_path"` // CSV manifest: symbol,token,tick_size,lot_size
	Symbols         []string `yaml:"symbols"`          // subset of the manifest to trade
}

// CapitalConfig bounds aggregate and per-trade notional.
type CapitalConfig struct {
	Total        float64 `yaml:"total"`
	PerPosition  float64 `yaml:"per_position"`
	MaxPositions int     `yaml:"max_positions"`
}

// ScannerConfig tunes the entry scanner cadence and gates.
type ScannerConfig struct {
	IntervalSeconds int     `yaml:"interval_seconds"`
	MinRankFinal    float64 `yaml:"min_rank_final"`
	AccelWeight     float64 `yaml:"accel_weight"`
	SessionStart    string  `yaml:"session_start"` // "HH:MM"
	SessionEnd      string  `yaml:"session_end"`   // "HH:MM"
	Timezone        string  `yaml:"timezone"`      // e.g. "Asia/Kolkata"
}

// PositionPolicy defines the stop/target/trail policy for one ladder rung.
// EntryConditionPct is the pnl%% gate for P2 (P1 pnl) and P3 (avg P1/P2 pnl);
// unused for P1.
type PositionPolicy struct {
	Index             int     `yaml:"index"` // 1..3
	StopLossPct       float64 `yaml:"stop_loss_pct"`
	TargetPct         float64 `yaml:"target_pct"` // 0 = runner
	TrailPct          float64 `yaml:"trail_pct"`
	EntryConditionPct float64 `yaml:"entry_condition_pct"`
}

// CooldownConfig controls per-symbol reentry blocking.
type CooldownConfig struct {
	Seconds     int     `yaml:"seconds"`
	AntiFlipPct float64 `yaml:"anti_flip_pct"`
}

// TrailingConfig controls the trailing worker.
type TrailingConfig struct {
	DebounceSeconds int `yaml:"debounce_seconds"`
	PollMillis      int `yaml:"poll_millis"`
}

// StorageConfig defines where trade and candle data persist.
type StorageConfig struct {
	Path string `yaml:"path"` // sqlite database file
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (broker credentials arrive this way).
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills unset fields with defaults before validation.
func (c *Config) normalize() {
	if c.Scanner.IntervalSeconds == 0 {
		c.Scanner.IntervalSeconds = defaultScanIntervalSec
	}
	if c.Scanner.MinRankFinal == 0 {
		c.Scanner.MinRankFinal = defaultMinRankFinal
	}
	if c.Scanner.AccelWeight == 0 {
		c.Scanner.AccelWeight = defaultAccelWeight
	}
	if c.Scanner.SessionStart == "" {
		c.Scanner.SessionStart = defaultSessionStart
	}
	if c.Scanner.SessionEnd == "" {
		c.Scanner.SessionEnd = defaultSessionEnd
	}
	if c.Cooldown.Seconds == 0 {
		c.Cooldown.Seconds = defaultCooldownSec
	}
	if c.Cooldown.AntiFlipPct == 0 {
		c.Cooldown.AntiFlipPct = defaultAntiFlipPct
	}
	if c.Trailing.DebounceSeconds == 0 {
		c.Trailing.DebounceSeconds = defaultDebounceSec
	}
	if c.Trailing.PollMillis == 0 {
		c.Trailing.PollMillis = defaultTrailPollMs
	}
	if c.Broker.TimeoutSeconds == 0 {
		c.Broker.TimeoutSeconds = defaultBrokerTimeoutSec
	}
	if len(c.Positions) == 0 {
		c.Positions = DefaultPositionPolicies()
	}
}

// DefaultPositionPolicies is the standard three-rung ladder.
func DefaultPositionPolicies() []PositionPolicy {
	return []PositionPolicy{
		// P1 trails at its stop distance; no separate trail percentage.
		{Index: 1, StopLossPct: -2.5, TargetPct: 5.0, TrailPct: 0},
		{Index: 2, StopLossPct: -2.5, TargetPct: 0, TrailPct: 0.1, EntryConditionPct: 0.25},
		{Index: 3, StopLossPct: -5.0, TargetPct: 0, TrailPct: 0.1, EntryConditionPct: 1.0},
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if !models.Mode(c.Environment.Mode).Valid() {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if models.Mode(c.Environment.Mode) == models.ModeLive {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
		if c.Broker.AccessToken == "" {
			return fmt.Errorf("broker.access_token is required in live mode")
		}
	}
	if c.Universe.InstrumentsPath == "" {
		return fmt.Errorf("universe.instruments_path is required")
	}
	if len(c.Universe.Symbols) == 0 {
		return fmt.Errorf("universe.symbols must list at least one symbol")
	}
	if c.Capital.Total <= 0 {
		return fmt.Errorf("capital.total must be > 0")
	}
	if c.Capital.PerPosition <= 0 {
		return fmt.Errorf("capital.per_position must be > 0")
	}
	if c.Capital.PerPosition > c.Capital.Total {
		return fmt.Errorf("capital.per_position (%.2f) must be <= capital.total (%.2f)",
			c.Capital.PerPosition, c.Capital.Total)
	}
	if c.Capital.MaxPositions <= 0 {
		return fmt.Errorf("capital.max_positions must be > 0")
	}
	if c.Scanner.IntervalSeconds <= 0 {
		return fmt.Errorf("scanner.interval_seconds must be > 0")
	}
	if c.Scanner.MinRankFinal < 0 {
		return fmt.Errorf("scanner.min_rank_final must be >= 0")
	}
	if c.Cooldown.Seconds <= 0 {
		return fmt.Errorf("cooldown.seconds must be > 0")
	}
	if c.Cooldown.AntiFlipPct < 0 {
		return fmt.Errorf("cooldown.anti_flip_pct must be >= 0")
	}
	if c.Trailing.DebounceSeconds <= 0 {
		return fmt.Errorf("trailing.debounce_seconds must be > 0")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if len(c.Positions) != 3 {
		return fmt.Errorf("positions must define exactly 3 ladder rungs, got %d", len(c.Positions))
	}
	for i, p := range c.Positions {
		if p.Index != i+1 {
			return fmt.Errorf("positions[%d].index must be %d, got %d", i, i+1, p.Index)
		}
		if p.StopLossPct >= 0 {
			return fmt.Errorf("positions[%d].stop_loss_pct must be negative", i)
		}
		if p.TargetPct < 0 {
			return fmt.Errorf("positions[%d].target_pct must be >= 0 (0 = runner)", i)
		}
		if p.TrailPct < 0 {
			return fmt.Errorf("positions[%d].trail_pct must be >= 0", i)
		}
		if p.Index > 1 && p.EntryConditionPct <= 0 {
			return fmt.Errorf("positions[%d].entry_condition_pct must be > 0 for P%d", i, p.Index)
		}
	}

	loc, err := c.Location()
	if err != nil {
		return err
	}
	s, err1 := time.ParseInLocation("15:04", c.Scanner.SessionStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Scanner.SessionEnd, loc)
	if err1 != nil || err2 != nil || !s.Before(e) {
		return fmt.Errorf("scanner session window invalid (start/end parse/order)")
	}

	return nil
}

// Mode returns the configured trading mode.
func (c *Config) Mode() models.Mode { return models.Mode(c.Environment.Mode) }

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool { return c.Mode() == models.ModePaper }

// PolicyFor returns the ladder policy for a position index (1..3).
func (c *Config) PolicyFor(index int) (PositionPolicy, error) {
	for _, p := range c.Positions {
		if p.Index == index {
			return p, nil
		}
	}
	return PositionPolicy{}, fmt.Errorf("no position policy for index %d", index)
}

// ScanInterval returns the scanner cadence.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scanner.IntervalSeconds) * time.Second
}

// BrokerTimeout returns the per-call broker deadline.
func (c *Config) BrokerTimeout() time.Duration {
	return time.Duration(c.Broker.TimeoutSeconds) * time.Second
}

// CooldownDuration returns the reentry block window.
func (c *Config) CooldownDuration() time.Duration {
	return time.Duration(c.Cooldown.Seconds) * time.Second
}

// Debounce returns the minimum interval between trailing updates per trade.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Trailing.DebounceSeconds) * time.Second
}

// TrailPoll returns the trailing worker's tick-store poll interval.
func (c *Config) TrailPoll() time.Duration {
	return time.Duration(c.Trailing.PollMillis) * time.Millisecond
}

// Location resolves the configured session timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Scanner.Timezone
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scanner.timezone invalid: %w", err)
	}
	return loc, nil
}

// IsWithinSession checks if the given time falls within the trading session.
// Inclusive start, exclusive end; weekends never trade.
func (c *Config) IsWithinSession(now time.Time) bool {
	loc, err := c.Location()
	if err != nil {
		// Validated at load; fall back to a fixed IST zone if the tzdb shrank.
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	today := now.In(loc)

	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Scanner.SessionStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Scanner.SessionEnd, loc)
	if err1 != nil || err2 != nil {
		return false
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	return !today.Before(start) && today.Before(end)
}
