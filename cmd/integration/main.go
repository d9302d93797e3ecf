// End-to-end harness: drives the full entry, ladder, trailing and stop
// pipeline against the paper broker with a scripted price path. No network,
// no credentials; safe to run anywhere.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/psanghavi/ladderbot/internal/broker"
	"github.com/psanghavi/ladderbot/internal/config"
	"github.com/psanghavi/ladderbot/internal/cooldown"
	"github.com/psanghavi/ladderbot/internal/indicators"
	"github.com/psanghavi/ladderbot/internal/market"
	"github.com/psanghavi/ladderbot/internal/models"
	"github.com/psanghavi/ladderbot/internal/retry"
	"github.com/psanghavi/ladderbot/internal/router"
	"github.com/psanghavi/ladderbot/internal/storage"
	"github.com/psanghavi/ladderbot/internal/strategy"
	"github.com/psanghavi/ladderbot/internal/trailing"
	"github.com/psanghavi/ladderbot/internal/util"
)

// silentFeeder satisfies the paper broker's feed; the harness pushes prices
// straight into the tick store instead.
type silentFeeder struct{ ch chan models.Tick }

func (f *silentFeeder) StreamTicks(ctx context.Context, tokens []uint32) (<-chan models.Tick, error) {
	return f.ch, nil
}

type harness struct {
	cfg       *config.Config
	store     *storage.SQLiteStorage
	brk       *broker.PaperBroker
	ticks     *market.TickStore
	cache     *indicators.Cache
	cooldowns *cooldown.Registry
	scanner   *strategy.Scanner
	trailer   *trailing.Worker

	// Fixed in-session weekday clock for scan cycles.
	cycleTime time.Time
}

func main() {
	fmt.Println("=== ladderbot paper-mode end-to-end harness ===")
	fmt.Println()

	dir, err := os.MkdirTemp("", "ladderbot-e2e")
	if err != nil {
		fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	h, cleanup, err := build(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building harness: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := h.brk.SubscribeOrderUpdates(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribing: %v\n", err)
		os.Exit(1)
	}
	log := quietLogger()
	retrier := retry.NewClient(log, retry.Config{
		MaxRetries:     2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Timeout:        2 * time.Second,
	})
	rt, err := router.New(models.ModePaper, h.store, h.brk, retrier, h.cooldowns,
		util.NewInFlight(), h.ticks.Symbol, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "router: %v\n", err)
		os.Exit(1)
	}
	go func() { _ = rt.Run(ctx, updates) }()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"candle history round-trip", h.stepHistory},
		{"below-threshold cycle opens nothing", h.stepWarmup},
		{"momentum entry fills and is protected", h.stepEntry},
		{"ladder adds second rung", h.stepLadder},
		{"trailing raises broker-side stop", h.stepTrailing},
		{"stop trigger flattens and starts cooldown", h.stepStopOut},
	}

	passed := 0
	for i, s := range steps {
		fmt.Printf("Step %d: %s\n", i+1, s.name)
		if err := s.fn(ctx); err != nil {
			fmt.Printf("  FAIL: %v\n\n", err)
			continue
		}
		fmt.Println("  PASS")
		fmt.Println()
		passed++
	}

	fmt.Printf("=== %d/%d steps passed ===\n", passed, len(steps))
	if passed != len(steps) {
		os.Exit(1)
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func build(dir string) (*harness, func(), error) {
	cfg := &config.Config{
		Environment: config.EnvironmentConfig{Mode: "paper"},
		Capital:     config.CapitalConfig{Total: 10000, PerPosition: 3000, MaxPositions: 3},
		Scanner: config.ScannerConfig{
			IntervalSeconds: 60,
			MinRankFinal:    2.5,
			AccelWeight:     0.3,
			SessionStart:    "09:30",
			SessionEnd:      "15:30",
			Timezone:        "UTC",
		},
		Positions: config.DefaultPositionPolicies(),
		Cooldown:  config.CooldownConfig{Seconds: 180, AntiFlipPct: 0.25},
		Trailing:  config.TrailingConfig{DebounceSeconds: 5, PollMillis: 250},
		Storage:   config.StorageConfig{Path: filepath.Join(dir, "ladder.db")},
	}
	instruments := []models.Instrument{
		{Symbol: "X", Token: 1, TickSize: decimal.RequireFromString("0.05"), LotSize: 1},
	}
	log := quietLogger()

	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}
	ticks := market.NewTickStore(instruments, log)
	brk := broker.NewPaperBroker(&silentFeeder{ch: make(chan models.Tick)}, ticks, log)
	cooldowns := cooldown.NewRegistry(cfg.CooldownDuration(), cfg.Cooldown.AntiFlipPct)
	cache := indicators.NewCache(cfg.Scanner.AccelWeight)
	inflight := util.NewInFlight()
	retrier := retry.NewClient(log, retry.Config{
		MaxRetries:     2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Timeout:        2 * time.Second,
	})

	h := &harness{
		cfg:       cfg,
		store:     store,
		brk:       brk,
		ticks:     ticks,
		cache:     cache,
		cooldowns: cooldowns,
		scanner: strategy.New(cfg, models.ModePaper, instruments, store, brk, ticks,
			cache, cooldowns, retrier, log),
		trailer: trailing.New(cfg, models.ModePaper, instruments, store, brk, ticks,
			inflight, log),
		cycleTime: time.Date(2026, time.August, 25, 10, 0, 0, 0, time.UTC),
	}
	return h, func() { _ = store.Close() }, nil
}

func (h *harness) push(price string) {
	h.ticks.Update(models.Tick{
		Token:     1,
		LastPrice: decimal.RequireFromString(price),
		Volume:    100,
		TS:        time.Now().UTC(),
	})
}

// cycle runs one scan with the fixed in-session clock, then bumps it so
// consecutive cycles stay ordered.
func (h *harness) cycle(ctx context.Context) error {
	err := h.scanner.Cycle(ctx, h.cycleTime)
	h.cycleTime = h.cycleTime.Add(time.Minute)
	return err
}

func waitFor(timeout time.Duration, cond func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %s", timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (h *harness) openTrades() ([]*models.Trade, error) {
	return h.store.OpenTrades(models.ModePaper)
}

// stepHistory seeds flat candle history (15m around 99, daily around 98) and
// reads it back the way the scanner will.
func (h *harness) stepHistory(ctx context.Context) error {
	base := h.cycleTime.Add(-24 * time.Hour)
	for i := 0; i < 50; i++ {
		c := models.NewCandle("X", models.Timeframe15m,
			base.Add(time.Duration(i)*15*time.Minute), decimal.RequireFromString("99"), 100)
		if err := h.store.UpsertCandle(c); err != nil {
			return err
		}
	}
	for i := 0; i < 20; i++ {
		c := models.NewCandle("X", models.TimeframeDay,
			base.AddDate(0, 0, -i), decimal.RequireFromString("98"), 1000)
		if err := h.store.UpsertCandle(c); err != nil {
			return err
		}
	}

	closes, err := h.store.Closes("X", models.Timeframe15m, 200)
	if err != nil {
		return err
	}
	if len(closes) != 50 {
		return fmt.Errorf("expected 50 intraday closes, got %d", len(closes))
	}
	daily, err := h.store.Closes("X", models.TimeframeDay, 50)
	if err != nil {
		return err
	}
	if len(daily) != 20 {
		return fmt.Errorf("expected 20 daily closes, got %d", len(daily))
	}
	return nil
}

// stepWarmup cycles at a price whose rank sits below the entry threshold.
func (h *harness) stepWarmup(ctx context.Context) error {
	h.push("100.00")
	if err := h.cycle(ctx); err != nil {
		return err
	}
	open, err := h.openTrades()
	if err != nil {
		return err
	}
	if len(open) != 0 {
		return fmt.Errorf("expected no trades, got %d", len(open))
	}
	return nil
}

// stepEntry cycles at a price above the threshold and waits for the paper
// fill and the protective conditional order.
func (h *harness) stepEntry(ctx context.Context) error {
	h.push("103.00")
	if err := h.cycle(ctx); err != nil {
		return err
	}
	return waitFor(5*time.Second, func() (bool, error) {
		open, err := h.openTrades()
		if err != nil {
			return false, err
		}
		if len(open) != 1 {
			return false, nil
		}
		tr := open[0]
		return tr.Status == models.StatusOpen && tr.GTTID != "" &&
			tr.PositionIndex == 1, nil
	})
}

// stepLadder moves the price past the add gate and expects a second rung.
func (h *harness) stepLadder(ctx context.Context) error {
	h.push("103.30")
	if err := h.cycle(ctx); err != nil {
		return err
	}
	return waitFor(5*time.Second, func() (bool, error) {
		open, err := h.openTrades()
		if err != nil {
			return false, err
		}
		count := 0
		for _, tr := range open {
			if tr.Status == models.StatusOpen {
				count++
			}
		}
		return count == 2, nil
	})
}

// stepTrailing pushes a new high and expects the runner's stop to ratchet to
// 0.1% below it.
func (h *harness) stepTrailing(ctx context.Context) error {
	h.push("103.80")
	if err := h.trailer.Sweep(ctx); err != nil {
		return err
	}
	want := decimal.RequireFromString("103.6962")
	open, err := h.openTrades()
	if err != nil {
		return err
	}
	for _, tr := range open {
		if tr.PositionIndex == 2 {
			if !tr.CurrentStopPrice.Equal(want) {
				return fmt.Errorf("runner stop %s, want %s", tr.CurrentStopPrice, want)
			}
			return nil
		}
	}
	return fmt.Errorf("runner rung not found")
}

// stepStopOut drops the price through the stops and waits for the paper
// broker's simulated triggers to flatten everything.
func (h *harness) stepStopOut(ctx context.Context) error {
	h.push("100.00")
	err := waitFor(5*time.Second, func() (bool, error) {
		open, err := h.openTrades()
		if err != nil {
			return false, err
		}
		return len(open) == 0, nil
	})
	if err != nil {
		return err
	}

	if inCd, _ := h.cooldowns.InCooldown("X"); !inCd {
		return fmt.Errorf("symbol not in cooldown after stop-out")
	}
	positions, err := h.brk.ListPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.Symbol == "X" && p.Qty != 0 {
			return fmt.Errorf("broker still holds %d shares", p.Qty)
		}
	}
	return nil
}
