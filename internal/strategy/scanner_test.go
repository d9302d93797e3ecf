package strategy

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psanghavi/ladderbot/internal/broker"
	"github.com/psanghavi/ladderbot/internal/config"
	"github.com/psanghavi/ladderbot/internal/cooldown"
	"github.com/psanghavi/ladderbot/internal/indicators"
	"github.com/psanghavi/ladderbot/internal/market"
	"github.com/psanghavi/ladderbot/internal/models"
	"github.com/psanghavi/ladderbot/internal/retry"
	"github.com/psanghavi/ladderbot/internal/storage"
)

// sessionNow is a Tuesday at 10:00, inside the configured trading window.
var sessionNow = time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func testConfig() *config.Config {
	return &config.Config{
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
	}
}

type fixture struct {
	cfg     *config.Config
	store   *storage.MockStorage
	brk     *broker.MockBroker
	ticks   *market.TickStore
	cache   *indicators.Cache
	cool    *cooldown.Registry
	scanner *Scanner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	instruments := []models.Instrument{
		{Symbol: "X", Token: 1, TickSize: dec("0.05"), LotSize: 1},
		{Symbol: "Y", Token: 2, TickSize: dec("0.05"), LotSize: 1},
	}
	store := storage.NewMockStorage()
	brk := broker.NewMockBroker()
	log := quietLogger()
	ticks := market.NewTickStore(instruments, log)
	cache := indicators.NewCache(cfg.Scanner.AccelWeight)
	cool := cooldown.NewRegistry(cfg.CooldownDuration(), cfg.Cooldown.AntiFlipPct)
	retrier := retry.NewClient(log, retry.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Timeout:        time.Second,
	})

	return &fixture{
		cfg:     cfg,
		store:   store,
		brk:     brk,
		ticks:   ticks,
		cache:   cache,
		cool:    cool,
		scanner: New(cfg, models.ModePaper, instruments, store, brk, ticks, cache, cool, retrier, log),
	}
}

// seedHistory gives symbol flat SMA inputs: 15m closes at sma15, daily closes
// at smaDaily.
func (f *fixture) seedHistory(symbol models.Symbol, sma15, smaDaily float64) {
	closes15m := make([]float64, indicators.Sma15mFastPeriod)
	for i := range closes15m {
		closes15m[i] = sma15
	}
	closesDaily := make([]float64, indicators.SmaDailyFast)
	for i := range closesDaily {
		closesDaily[i] = smaDaily
	}
	f.store.SetCloses(symbol, models.Timeframe15m, closes15m)
	f.store.SetCloses(symbol, models.TimeframeDay, closesDaily)
}

func (f *fixture) setPrice(token uint32, price string) {
	f.ticks.Update(models.Tick{Token: token, LastPrice: dec(price), TS: time.Now()})
}

func (f *fixture) openRung(t *testing.T, symbol models.Symbol, index int, entry string, qty int64) *models.Trade {
	t.Helper()
	tr := models.NewTrade(symbol, index, models.ModePaper, dec(entry), qty)
	tr.Status = models.StatusOpen
	tr.OrderID = "SEED"
	tr.GTTID = "GTT-SEED"
	require.NoError(t, f.store.CreateTrade(tr))
	return tr
}

func TestCycleSkipsOutsideSession(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 99.00, 98.00)
	f.setPrice(1, "103.00")

	saturday := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.scanner.Cycle(context.Background(), saturday))
	assert.Empty(t, f.brk.MarketOrders)
}

func TestEntryBelowThresholdThenAbove(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 99.00, 98.00)

	f.setPrice(1, "100.00")
	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	assert.Empty(t, f.brk.MarketOrders, "rank ~1.52 is below the 2.5 gate")

	f.setPrice(1, "103.00")
	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	require.Len(t, f.brk.MarketOrders, 1)
	order := f.brk.MarketOrders[0]
	assert.Equal(t, models.Symbol("X"), order.Symbol)
	assert.Equal(t, models.SideBuy, order.Side)
	assert.Equal(t, int64(29), order.Qty) // floor(3000 / 103)

	open, err := f.store.OpenTrades(models.ModePaper)
	require.NoError(t, err)
	require.Len(t, open, 1)
	tr := open[0]
	assert.Equal(t, models.StatusPending, tr.Status)
	assert.Equal(t, 1, tr.PositionIndex)
	assert.True(t, tr.EntryPrice.Equal(dec("103.00")))
	assert.Equal(t, -2.5, tr.StopLossPct)
	assert.Equal(t, 5.0, tr.TargetPct)
	assert.InDelta(t, 4.5699, tr.RankGmAtEntry, 0.001)

	snap, ok := f.cache.Get("X")
	require.True(t, ok)
	assert.InDelta(t, 3.0457, snap.Accel, 0.001)
	assert.InDelta(t, 5.4836, snap.RankFinal, 0.001)
}

func TestRankExactlyAtThresholdDoesNotEnter(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 99.00, 98.00)
	f.setPrice(1, "103.00")

	// Two warmup cycles at a constant price settle accel to zero, so
	// rankFinal equals rankGm exactly.
	f.cfg.Scanner.MinRankFinal = 100
	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	snap, ok := f.cache.Get("X")
	require.True(t, ok)
	require.Zero(t, snap.Accel)

	f.cfg.Scanner.MinRankFinal = snap.RankFinal
	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	assert.Empty(t, f.brk.MarketOrders)

	f.cfg.Scanner.MinRankFinal = snap.RankFinal - 0.0001
	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	assert.Len(t, f.brk.MarketOrders, 1)
}

func TestLadderP2GatePasses(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 99.00, 98.00)
	f.openRung(t, "X", 1, "103.00", 29)
	f.setPrice(1, "103.30") // pnl ~0.291% >= 0.25%

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	require.Len(t, f.brk.MarketOrders, 1)
	assert.Equal(t, int64(29), f.brk.MarketOrders[0].Qty) // floor(3000 / 103.30)

	open, err := f.store.OpenTrades(models.ModePaper)
	require.NoError(t, err)
	require.Len(t, open, 2)
	p2 := open[1]
	assert.Equal(t, 2, p2.PositionIndex)
	assert.Equal(t, models.StatusPending, p2.Status)
	assert.Zero(t, p2.TargetPct, "P2 is a runner")
	assert.Equal(t, 0.1, p2.TrailPct)
}

func TestLadderP2GateBelowThreshold(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 99.00, 98.00)
	f.openRung(t, "X", 1, "103.00", 29)
	f.setPrice(1, "103.20") // pnl ~0.194% < 0.25%

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	assert.Empty(t, f.brk.MarketOrders)
}

func TestLadderP2GateExactBoundary(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 99.00, 98.00)
	f.openRung(t, "X", 1, "100.00", 30)
	f.setPrice(1, "100.25") // pnl exactly 0.25%, inclusive gate

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	require.Len(t, f.brk.MarketOrders, 1)
	open, err := f.store.OpenTrades(models.ModePaper)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, 2, open[1].PositionIndex)
}

func TestLadderP3GateUsesAveragePnl(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 99.00, 98.00)
	f.openRung(t, "X", 1, "103.00", 29)
	f.openRung(t, "X", 2, "103.30", 29)
	f.setPrice(1, "104.20") // avg(1.165%, 0.871%) ~= 1.018% >= 1.0%

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	require.Len(t, f.brk.MarketOrders, 1)
	assert.Equal(t, int64(28), f.brk.MarketOrders[0].Qty) // floor(3000 / 104.20)

	open, err := f.store.OpenTrades(models.ModePaper)
	require.NoError(t, err)
	require.Len(t, open, 3)
	p3 := open[2]
	assert.Equal(t, 3, p3.PositionIndex)
	assert.Equal(t, -5.0, p3.StopLossPct)
	assert.Zero(t, p3.TargetPct)
}

func TestPendingRungBlocksProgression(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 99.00, 98.00)
	tr := models.NewTrade("X", 1, models.ModePaper, dec("103.00"), 29)
	tr.OrderID = "SEED"
	require.NoError(t, f.store.CreateTrade(tr))
	f.setPrice(1, "104.00")

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	assert.Empty(t, f.brk.MarketOrders, "unfilled P1 must block P2")
}

func TestZeroQtySkipsBrokerCall(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 48000, 47000)
	f.setPrice(1, "50000.00") // capitalPerPosition buys less than one share

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	assert.Empty(t, f.brk.MarketOrders)
	open, err := f.store.OpenTrades(models.ModePaper)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCooldownBlocksFreshEntry(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 99.00, 98.00)
	f.setPrice(1, "103.00")
	f.cool.Record("X", dec("102.00"))

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	assert.Empty(t, f.brk.MarketOrders)
}

func TestSingleEntryPerCyclePicksStrongestRank(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 99.00, 98.00)
	f.seedHistory("Y", 95.00, 94.00)
	f.setPrice(1, "103.00")
	f.setPrice(2, "103.00")

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	require.Len(t, f.brk.MarketOrders, 1)
	assert.Equal(t, models.Symbol("Y"), f.brk.MarketOrders[0].Symbol)
}

func TestLadderAddBlockedByMaxPositions(t *testing.T) {
	f := newFixture(t)
	f.cfg.Capital.MaxPositions = 1
	f.seedHistory("X", 99.00, 98.00)
	f.openRung(t, "X", 1, "103.00", 29)
	f.setPrice(1, "103.50") // pnl ~0.49%, P2 gate would pass

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	assert.Empty(t, f.brk.MarketOrders, "ladder adds respect the position cap")
	open, err := f.store.OpenTrades(models.ModePaper)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestLadderAddBlockedByFreeCapital(t *testing.T) {
	f := newFixture(t)
	f.cfg.Capital.Total = 3000
	f.seedHistory("X", 99.00, 98.00)
	f.openRung(t, "X", 1, "103.00", 29) // commits 2987, leaving 13 free
	f.setPrice(1, "103.50")

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	assert.Empty(t, f.brk.MarketOrders, "ladder adds respect free capital")
}

func TestLadderAddBlockedByCooldown(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 99.00, 98.00)
	f.openRung(t, "X", 1, "103.00", 29)
	f.setPrice(1, "103.50")
	// A P2 rung of the same symbol just stopped out; 103.50 is below the
	// anti-flip level 103.30 * 1.0025.
	f.cool.Record("X", dec("103.30"))

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	assert.Empty(t, f.brk.MarketOrders, "ladder adds respect the cooldown window")
}

func TestNewSessionDayResetsAccelBaseline(t *testing.T) {
	f := newFixture(t)
	f.seedHistory("X", 99.00, 98.00)

	f.setPrice(1, "100.00")
	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))

	// First cycle of the next day must not read yesterday's rank chain.
	f.setPrice(1, "103.00")
	nextDay := sessionNow.AddDate(0, 0, 1)
	require.NoError(t, f.scanner.Cycle(context.Background(), nextDay))

	snap, ok := f.cache.Get("X")
	require.True(t, ok)
	assert.Zero(t, snap.Accel)
	assert.InDelta(t, snap.RankGm, snap.RankFinal, 1e-9)
}

func TestMaxPositionsCap(t *testing.T) {
	f := newFixture(t)
	f.cfg.Capital.MaxPositions = 1
	f.seedHistory("X", 99.00, 98.00)
	f.openRung(t, "Y", 1, "50.00", 60)
	f.setPrice(1, "103.00")

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	assert.Empty(t, f.brk.MarketOrders)
}

func TestFreeCapitalGate(t *testing.T) {
	f := newFixture(t)
	f.cfg.Capital.Total = 3000
	f.seedHistory("X", 99.00, 98.00)
	f.openRung(t, "Y", 1, "100.00", 29) // commits 2900, leaving 100 free
	f.setPrice(1, "103.00")

	require.NoError(t, f.scanner.Cycle(context.Background(), sessionNow))
	assert.Empty(t, f.brk.MarketOrders)
}
