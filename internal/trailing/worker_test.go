package trailing

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psanghavi/ladderbot/internal/broker"
	"github.com/psanghavi/ladderbot/internal/config"
	"github.com/psanghavi/ladderbot/internal/market"
	"github.com/psanghavi/ladderbot/internal/models"
	"github.com/psanghavi/ladderbot/internal/storage"
	"github.com/psanghavi/ladderbot/internal/util"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

type fixture struct {
	store *storage.MockStorage
	brk   *broker.MockBroker
	ticks *market.TickStore
	w     *Worker
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Trailing: config.TrailingConfig{DebounceSeconds: 5, PollMillis: 250},
	}
	instruments := []models.Instrument{
		{Symbol: "X", Token: 1, TickSize: dec("0.05"), LotSize: 1},
	}
	log := quietLogger()
	f := &fixture{
		store: storage.NewMockStorage(),
		brk:   broker.NewMockBroker(),
		ticks: market.NewTickStore(instruments, log),
		now:   time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
	f.w = New(cfg, models.ModePaper, instruments, f.store, f.brk, f.ticks, util.NewInFlight(), log)
	f.w.replaceBackoff = time.Millisecond
	f.w.now = func() time.Time { return f.now }
	return f
}

// openP2 seeds the scenario rung: entry 103.30 qty 29, stop 100.7175,
// trailing at 0.1%, protected by GTT-1.
func (f *fixture) openP2(t *testing.T) *models.Trade {
	t.Helper()
	co, err := f.brk.PlaceConditionalOrder(context.Background(), broker.ConditionalRequest{
		Symbol: "X",
		Kind:   models.KindStopOnly,
		Stop:   dec("100.7175"),
		Qty:    29,
	})
	require.NoError(t, err)

	tr := models.NewTrade("X", 2, models.ModePaper, dec("103.30"), 29)
	tr.Status = models.StatusOpen
	tr.OrderID = "ENTRY-1"
	tr.GTTID = co.GTTID
	tr.StopLossPct = -2.5
	tr.TrailPct = 0.1
	tr.CurrentStopPrice = dec("100.7175")
	require.NoError(t, f.store.CreateTrade(tr))
	return tr
}

func (f *fixture) setPrice(price string) {
	f.ticks.Update(models.Tick{Token: 1, LastPrice: dec(price), TS: f.now})
}

func (f *fixture) sweepAt(t *testing.T, price string) {
	t.Helper()
	f.now = f.now.Add(6 * time.Second)
	f.setPrice(price)
	require.NoError(t, f.w.Sweep(context.Background()))
}

func TestTrailsOnNewHighsOnly(t *testing.T) {
	f := newFixture(t)
	tr := f.openP2(t)

	f.sweepAt(t, "103.30") // no new high, stop stays at the entry stop
	f.sweepAt(t, "103.50")
	f.sweepAt(t, "103.40") // below the high, no update
	f.sweepAt(t, "103.80")

	require.Len(t, f.brk.ModifyCalls, 2)
	assert.True(t, f.brk.ModifyCalls[0].Stop.Equal(dec("103.3965")),
		"got %s", f.brk.ModifyCalls[0].Stop)
	assert.True(t, f.brk.ModifyCalls[1].Stop.Equal(dec("103.6962")),
		"got %s", f.brk.ModifyCalls[1].Stop)

	stored, err := f.store.TradeByID(tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.CurrentStopPrice.Equal(dec("103.6962")))
	assert.True(t, stored.HighestSinceEntry.Equal(dec("103.80")))

	co, err := f.brk.GetConditionalOrder(context.Background(), tr.GTTID)
	require.NoError(t, err)
	assert.True(t, co.TriggerStop.Equal(dec("103.6962")))
}

func TestPersistsGatewayRoundedStop(t *testing.T) {
	f := newFixture(t)
	f.brk.TickSize = dec("0.05")
	tr := f.openP2(t)

	// Candidate 103.3965 lands between ticks; the gateway registers 103.35.
	f.sweepAt(t, "103.50")

	require.Len(t, f.brk.ModifyCalls, 1)
	assert.True(t, f.brk.ModifyCalls[0].Stop.Equal(dec("103.3965")),
		"got %s", f.brk.ModifyCalls[0].Stop)

	co, err := f.brk.GetConditionalOrder(context.Background(), tr.GTTID)
	require.NoError(t, err)
	assert.True(t, co.TriggerStop.Equal(dec("103.35")))

	stored, err := f.store.TradeByID(tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.CurrentStopPrice.Equal(dec("103.35")),
		"stored stop matches the broker's registered trigger, got %s", stored.CurrentStopPrice)
}

func TestDebounceSuppressesWithinWindow(t *testing.T) {
	f := newFixture(t)
	tr := f.openP2(t)

	f.sweepAt(t, "103.50")
	require.Len(t, f.brk.ModifyCalls, 1)

	// A higher tick two seconds later is suppressed, not lost.
	f.now = f.now.Add(2 * time.Second)
	f.setPrice("103.80")
	require.NoError(t, f.w.Sweep(context.Background()))
	assert.Len(t, f.brk.ModifyCalls, 1)

	f.now = f.now.Add(4 * time.Second)
	require.NoError(t, f.w.Sweep(context.Background()))
	require.Len(t, f.brk.ModifyCalls, 2)
	assert.True(t, f.brk.ModifyCalls[1].Stop.Equal(dec("103.6962")))

	stored, err := f.store.TradeByID(tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.CurrentStopPrice.Equal(dec("103.6962")))
}

func TestEpsilonGateSkipsTinyImprovements(t *testing.T) {
	f := newFixture(t)
	tr := f.openP2(t)
	tr.HighestSinceEntry = dec("103.50")
	tr.CurrentStopPrice = dec("103.3965")
	require.NoError(t, f.store.UpdateTrade(tr))

	// Candidate 103.40649 improves the stop by 0.00999, under the
	// 0.01% epsilon at this price.
	f.sweepAt(t, "103.51")
	assert.Empty(t, f.brk.ModifyCalls)

	stored, err := f.store.TradeByID(tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.HighestSinceEntry.Equal(dec("103.51")), "high still advances")
	assert.True(t, stored.CurrentStopPrice.Equal(dec("103.3965")))
}

func TestNeverLowersStop(t *testing.T) {
	f := newFixture(t)
	tr := f.openP2(t)
	tr.HighestSinceEntry = dec("103.80")
	tr.CurrentStopPrice = dec("103.6962")
	require.NoError(t, f.store.UpdateTrade(tr))

	f.sweepAt(t, "103.00")
	assert.Empty(t, f.brk.ModifyCalls)

	stored, err := f.store.TradeByID(tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.CurrentStopPrice.Equal(dec("103.6962")))
}

func TestFixedStopRungTrailsAtStopDistance(t *testing.T) {
	f := newFixture(t)
	co, err := f.brk.PlaceConditionalOrder(context.Background(), broker.ConditionalRequest{
		Symbol: "X",
		Kind:   models.KindStopAndTarget,
		Stop:   dec("100.425"),
		Target: dec("108.15"),
		Qty:    29,
	})
	require.NoError(t, err)

	tr := models.NewTrade("X", 1, models.ModePaper, dec("103.00"), 29)
	tr.Status = models.StatusOpen
	tr.OrderID = "ENTRY-1"
	tr.GTTID = co.GTTID
	tr.StopLossPct = -2.5
	tr.TargetPct = 5.0
	tr.CurrentStopPrice = dec("100.425")
	tr.CurrentTargetPrice = dec("108.15")
	require.NoError(t, f.store.CreateTrade(tr))

	f.sweepAt(t, "104.00")
	require.Len(t, f.brk.ModifyCalls, 1)
	assert.True(t, f.brk.ModifyCalls[0].Stop.Equal(dec("101.40")),
		"got %s", f.brk.ModifyCalls[0].Stop)
}

func TestModifyFailureFallsBackToReplace(t *testing.T) {
	f := newFixture(t)
	tr := f.openP2(t)
	tr.HighestSinceEntry = dec("103.50")
	tr.CurrentStopPrice = dec("103.3965")
	require.NoError(t, f.store.UpdateTrade(tr))

	f.brk.ModifyErrCount = 1
	f.sweepAt(t, "103.80")

	require.Len(t, f.brk.ModifyCalls, 1)
	require.Equal(t, []string{tr.GTTID}, f.brk.CancelledIDs, "old order cancelled exactly once")

	stored, err := f.store.TradeByID(tr.ID)
	require.NoError(t, err)
	assert.NotEqual(t, tr.GTTID, stored.GTTID, "gtt id swapped to the replacement")
	assert.True(t, stored.CurrentStopPrice.Equal(dec("103.6962")))
	assert.False(t, stored.ProtectionCompromised)

	co, err := f.brk.GetConditionalOrder(context.Background(), stored.GTTID)
	require.NoError(t, err)
	assert.Equal(t, models.KindStopOnly, co.Kind)
	assert.True(t, co.TriggerStop.Equal(dec("103.6962")))
}

func TestReplaceExhaustionUnwindsPosition(t *testing.T) {
	f := newFixture(t)
	tr := f.openP2(t)
	tr.HighestSinceEntry = dec("103.50")
	tr.CurrentStopPrice = dec("103.3965")
	require.NoError(t, f.store.UpdateTrade(tr))

	f.brk.ModifyErrCount = 1
	f.brk.PlaceConditionalErr = errors.New("gtt service down")
	f.sweepAt(t, "103.80")

	require.Len(t, f.brk.CancelledIDs, 1)
	require.Len(t, f.brk.MarketOrders, 1)
	sell := f.brk.MarketOrders[0]
	assert.Equal(t, models.SideSell, sell.Side)
	assert.Equal(t, int64(29), sell.Qty)

	stored, err := f.store.TradeByID(tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.ProtectionCompromised)
	assert.Equal(t, models.StatusClosing, stored.Status)
	assert.NotEqual(t, "ENTRY-1", stored.OrderID, "exit fill routes back via the sell order id")
}
