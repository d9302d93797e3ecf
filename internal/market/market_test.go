package market

import (
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psanghavi/ladderbot/internal/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testInstruments() []models.Instrument {
	return []models.Instrument{
		{Symbol: "RELIANCE", Token: 738561, TickSize: dec("0.05"), LotSize: 1},
		{Symbol: "TCS", Token: 2953217, TickSize: dec("0.05"), LotSize: 1},
	}
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestTickStoreKeepsLatest(t *testing.T) {
	s := NewTickStore(testInstruments(), quietLogger())

	assert.True(t, s.Update(models.Tick{Token: 738561, LastPrice: dec("100"), TS: ts("2024-03-15T10:00:00Z")}))
	assert.True(t, s.Update(models.Tick{Token: 738561, LastPrice: dec("101"), TS: ts("2024-03-15T10:00:01Z")}))

	price, ok := s.LastPrice("reliance")
	require.True(t, ok)
	assert.True(t, dec("101").Equal(price))

	_, ok = s.LastPrice("TCS")
	assert.False(t, ok, "no tick seen yet")
	_, ok = s.LastPrice("UNKNOWN")
	assert.False(t, ok)
}

func TestTickStoreDropsStaleAndUnknown(t *testing.T) {
	s := NewTickStore(testInstruments(), quietLogger())

	require.True(t, s.Update(models.Tick{Token: 738561, LastPrice: dec("100"), TS: ts("2024-03-15T10:10:00Z")}))

	// More than two minutes behind the last accepted tick.
	assert.False(t, s.Update(models.Tick{Token: 738561, LastPrice: dec("90"), TS: ts("2024-03-15T10:07:59Z")}))
	price, _ := s.LastPrice("RELIANCE")
	assert.True(t, dec("100").Equal(price), "stale tick must not overwrite")

	// Slightly behind but within the window is accepted (last write wins).
	assert.True(t, s.Update(models.Tick{Token: 738561, LastPrice: dec("99"), TS: ts("2024-03-15T10:09:00Z")}))

	assert.False(t, s.Update(models.Tick{Token: 999, LastPrice: dec("5"), TS: ts("2024-03-15T10:10:00Z")}))
}

func TestAggregatorBoundaryTickOpensNewBar(t *testing.T) {
	a := NewAggregator([]models.Timeframe{models.Timeframe15m}, quietLogger())

	a.Ingest("RELIANCE", models.Tick{LastPrice: dec("100"), Volume: 10, TS: ts("2024-03-15T09:40:00Z")})
	a.Ingest("RELIANCE", models.Tick{LastPrice: dec("101"), Volume: 20, TS: ts("2024-03-15T09:44:59Z")})
	// Exactly on the boundary: freezes the 09:30 bar, opens 09:45.
	a.Ingest("RELIANCE", models.Tick{LastPrice: dec("102"), Volume: 25, TS: ts("2024-03-15T09:45:00Z")})

	select {
	case c := <-a.Candles():
		assert.Equal(t, ts("2024-03-15T09:30:00Z"), c.Start)
		assert.True(t, dec("100").Equal(c.Open))
		assert.True(t, dec("101").Equal(c.Close))
		assert.Equal(t, int64(20), c.Volume, "first tick seeds the day volume baseline")
	default:
		t.Fatal("expected a frozen bar at the boundary")
	}

	// The boundary tick belongs to the new bar.
	a.Flush(ts("2024-03-15T10:00:00Z"))
	c := <-a.Candles()
	assert.Equal(t, ts("2024-03-15T09:45:00Z"), c.Start)
	assert.True(t, dec("102").Equal(c.Open))
	assert.Equal(t, int64(5), c.Volume)
}

func TestAggregatorDiscardsLateTicks(t *testing.T) {
	a := NewAggregator([]models.Timeframe{models.Timeframe15m}, quietLogger())

	a.Ingest("TCS", models.Tick{LastPrice: dec("50"), Volume: 1, TS: ts("2024-03-15T09:46:00Z")})
	// A tick from the already-closed 09:30 bar must not reopen it.
	a.Ingest("TCS", models.Tick{LastPrice: dec("49"), Volume: 2, TS: ts("2024-03-15T09:31:00Z")})

	a.Flush(ts("2024-03-15T10:00:00Z"))
	c := <-a.Candles()
	assert.Equal(t, ts("2024-03-15T09:45:00Z"), c.Start)
	assert.True(t, dec("50").Equal(c.Close), "late tick must not touch the open bar")

	select {
	case extra := <-a.Candles():
		t.Fatalf("unexpected extra bar: %+v", extra)
	default:
	}
}

func TestAggregatorFlushLeavesOpenBars(t *testing.T) {
	a := NewAggregator([]models.Timeframe{models.Timeframe15m}, quietLogger())

	a.Ingest("RELIANCE", models.Tick{LastPrice: dec("100"), Volume: 1, TS: ts("2024-03-15T09:46:00Z")})
	// Flush before the bar's end must emit nothing.
	a.Flush(ts("2024-03-15T09:59:59Z"))
	select {
	case c := <-a.Candles():
		t.Fatalf("bar emitted early: %+v", c)
	default:
	}

	a.Flush(ts("2024-03-15T10:00:00Z"))
	c := <-a.Candles()
	assert.Equal(t, ts("2024-03-15T09:45:00Z"), c.Start)
}

func TestAggregatorEmitsBothTimeframes(t *testing.T) {
	a := NewAggregator([]models.Timeframe{models.Timeframe15m, models.TimeframeDay}, quietLogger())

	a.Ingest("RELIANCE", models.Tick{LastPrice: dec("100"), Volume: 1, TS: ts("2024-03-15T09:46:00Z")})
	a.Flush(ts("2024-03-16T00:00:00Z"))

	got := map[models.Timeframe]bool{}
	for i := 0; i < 2; i++ {
		c := <-a.Candles()
		got[c.Timeframe] = true
	}
	assert.True(t, got[models.Timeframe15m])
	assert.True(t, got[models.TimeframeDay])
}
