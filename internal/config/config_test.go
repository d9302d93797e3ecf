package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
environment:
  mode: paper
  log_level: info
broker:
  api_endpoint: https://api.kite.trade
  stream_endpoint: wss://ws.kite.trade
universe:
  instruments_path: instruments.csv
  symbols: [RELIANCE, TCS, INFY]
capital:
  total: 100000
  per_position: 10000
  max_positions: 6
scanner:
  interval_seconds: 60
  min_rank_final: 2.5
storage:
  path: trades.db
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.True(t, cfg.IsPaperTrading())
	assert.Equal(t, 60*time.Second, cfg.ScanInterval())
	assert.Equal(t, 2.5, cfg.Scanner.MinRankFinal)

	// Defaults fill in everything the file omitted.
	assert.Equal(t, 0.3, cfg.Scanner.AccelWeight)
	assert.Equal(t, 180*time.Second, cfg.CooldownDuration())
	assert.Equal(t, 0.25, cfg.Cooldown.AntiFlipPct)
	assert.Equal(t, 5*time.Second, cfg.Debounce())
	assert.Equal(t, 250*time.Millisecond, cfg.TrailPoll())
	assert.Equal(t, 5*time.Second, cfg.BrokerTimeout())

	require.Len(t, cfg.Positions, 3)
	p1, err := cfg.PolicyFor(1)
	require.NoError(t, err)
	assert.Equal(t, -2.5, p1.StopLossPct)
	assert.Equal(t, 5.0, p1.TargetPct)
	p3, err := cfg.PolicyFor(3)
	require.NoError(t, err)
	assert.Equal(t, -5.0, p3.StopLossPct)
	assert.Zero(t, p3.TargetPct, "P3 is a runner")
	assert.Equal(t, 1.0, p3.EntryConditionPct)
}

func TestLoadExpandsEnvCredentials(t *testing.T) {
	t.Setenv("KITE_API_KEY", "k-123")
	t.Setenv("KITE_ACCESS_TOKEN", "t-456")
	body := `
environment:
  mode: live
broker:
  api_key: ${KITE_API_KEY}
  access_token: ${KITE_ACCESS_TOKEN}
universe:
  instruments_path: instruments.csv
  symbols: [RELIANCE]
capital:
  total: 100000
  per_position: 10000
  max_positions: 6
storage:
  path: trades.db
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	assert.Equal(t, "k-123", cfg.Broker.APIKey)
	assert.Equal(t, "t-456", cfg.Broker.AccessToken)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+"\nnot_a_field: true\n"))
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "sandbox" }},
		{"live without credentials", func(c *Config) { c.Environment.Mode = "live" }},
		{"empty universe", func(c *Config) { c.Universe.Symbols = nil }},
		{"per-position exceeds total", func(c *Config) { c.Capital.PerPosition = c.Capital.Total * 2 }},
		{"zero max positions", func(c *Config) { c.Capital.MaxPositions = 0 }},
		{"two rungs only", func(c *Config) { c.Positions = c.Positions[:2] }},
		{"positive stop loss", func(c *Config) { c.Positions[0].StopLossPct = 2.5 }},
		{"P2 missing entry gate", func(c *Config) { c.Positions[1].EntryConditionPct = 0 }},
		{"session end before start", func(c *Config) { c.Scanner.SessionEnd = "09:00" }},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIsWithinSession(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	loc, err := cfg.Location()
	require.NoError(t, err)

	// Friday 2024-03-15.
	assert.True(t, cfg.IsWithinSession(time.Date(2024, 3, 15, 9, 30, 0, 0, loc)), "inclusive open")
	assert.True(t, cfg.IsWithinSession(time.Date(2024, 3, 15, 12, 0, 0, 0, loc)))
	assert.False(t, cfg.IsWithinSession(time.Date(2024, 3, 15, 15, 30, 0, 0, loc)), "exclusive close")
	assert.False(t, cfg.IsWithinSession(time.Date(2024, 3, 15, 9, 29, 59, 0, loc)))
	assert.False(t, cfg.IsWithinSession(time.Date(2024, 3, 16, 12, 0, 0, 0, loc)), "saturday")
	assert.False(t, cfg.IsWithinSession(time.Date(2024, 3, 17, 12, 0, 0, 0, loc)), "sunday")
}

func TestLoadInstruments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.csv")
	manifest := "symbol,token,tick_size,lot_size\n" +
		"RELIANCE,738561,0.05,1\n" +
		"TCS,2953217,0.05,1\n" +
		"INFY,408065,0.05,1\n"
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o600))

	insts, err := LoadInstruments(path, []string{"reliance", "TCS"})
	require.NoError(t, err)
	require.Len(t, insts, 2)
	assert.EqualValues(t, "RELIANCE", insts[0].Symbol)
	assert.Equal(t, uint32(738561), insts[0].Token)
	assert.Equal(t, "0.05", insts[0].TickSize.String())
	assert.Equal(t, int64(1), insts[0].LotSize)

	_, err = LoadInstruments(path, []string{"HDFC"})
	require.Error(t, err, "unknown symbol must fail closed")
}
