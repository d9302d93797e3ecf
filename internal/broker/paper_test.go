package broker

import (
	"context"
	"io"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psanghavi/ladderbot/internal/models"
)

type stubPrices map[models.Symbol]decimal.Decimal

func (s stubPrices) LastPrice(symbol models.Symbol) (decimal.Decimal, bool) {
	p, ok := s[symbol]
	return p, ok
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestPaperBroker(prices stubPrices) *PaperBroker {
	return NewPaperBroker(nil, prices, quietLogger())
}

func TestPaperMarketOrderFillsAtLastPrice(t *testing.T) {
	prices := stubPrices{"RELIANCE": decimal.RequireFromString("103.00")}
	p := newTestPaperBroker(prices)
	ctx := context.Background()

	updates, err := p.SubscribeOrderUpdates(ctx)
	require.NoError(t, err)

	orderID, err := p.PlaceMarketOrder(ctx, "reliance", models.SideBuy, 29)
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)

	upd := <-updates
	assert.Equal(t, UpdateFill, upd.Type)
	assert.Equal(t, orderID, upd.OrderID)
	assert.EqualValues(t, "RELIANCE", upd.Symbol)
	assert.True(t, decimal.RequireFromString("103.00").Equal(upd.AvgPrice))

	positions, err := p.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(29), positions[0].Qty)
}

func TestPaperMarketOrderWithoutDataFails(t *testing.T) {
	p := newTestPaperBroker(stubPrices{})
	_, err := p.PlaceMarketOrder(context.Background(), "TCS", models.SideBuy, 10)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestPaperConditionalLifecycle(t *testing.T) {
	prices := stubPrices{"RELIANCE": decimal.RequireFromString("103.00")}
	p := newTestPaperBroker(prices)
	ctx := context.Background()

	co, err := p.PlaceConditionalOrder(ctx, ConditionalRequest{
		Symbol: "RELIANCE",
		Kind:   models.KindStopOnly,
		Stop:   decimal.RequireFromString("100.40"),
		Qty:    29,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ConditionalActive, co.Status)

	// Modify is idempotent for the same stop and reports the registered value.
	registered, err := p.ModifyConditionalOrder(ctx, co.GTTID, decimal.RequireFromString("100.40"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("100.40").Equal(registered))
	registered, err = p.ModifyConditionalOrder(ctx, co.GTTID, decimal.RequireFromString("101.00"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("101.00").Equal(registered))

	got, err := p.GetConditionalOrder(ctx, co.GTTID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("101.00").Equal(got.TriggerStop))

	// Cancel is safe to repeat and unknown ids succeed.
	require.NoError(t, p.CancelConditionalOrder(ctx, co.GTTID))
	require.NoError(t, p.CancelConditionalOrder(ctx, co.GTTID))
	require.NoError(t, p.CancelConditionalOrder(ctx, "G-nonexistent"))

	got, err = p.GetConditionalOrder(ctx, co.GTTID)
	require.NoError(t, err)
	assert.Equal(t, models.ConditionalCancelled, got.Status)
}

func TestPaperConditionalRejectsBadRequests(t *testing.T) {
	p := newTestPaperBroker(stubPrices{})
	ctx := context.Background()

	_, err := p.PlaceConditionalOrder(ctx, ConditionalRequest{
		Symbol: "X", Kind: models.KindStopOnly, Stop: decimal.Zero, Qty: 1,
	})
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = p.PlaceConditionalOrder(ctx, ConditionalRequest{
		Symbol: "X",
		Kind:   models.KindStopAndTarget,
		Stop:   decimal.RequireFromString("100"),
		Target: decimal.RequireFromString("99"),
		Qty:    1,
	})
	assert.Equal(t, KindValidation, KindOf(err), "target below stop must be rejected")
}

func TestPaperStopTriggerFires(t *testing.T) {
	prices := stubPrices{"RELIANCE": decimal.RequireFromString("103.00")}
	p := newTestPaperBroker(prices)
	ctx := context.Background()

	co, err := p.PlaceConditionalOrder(ctx, ConditionalRequest{
		Symbol: "RELIANCE",
		Kind:   models.KindStopOnly,
		Stop:   decimal.RequireFromString("100.40"),
		Qty:    29,
	})
	require.NoError(t, err)

	// Price drops through the stop.
	prices["RELIANCE"] = decimal.RequireFromString("100.35")
	p.evaluateTriggers()

	got, err := p.GetConditionalOrder(ctx, co.GTTID)
	require.NoError(t, err)
	assert.Equal(t, models.ConditionalTriggered, got.Status)

	upd := <-p.updates
	assert.Equal(t, UpdateTrigger, upd.Type)
	assert.Equal(t, co.GTTID, upd.GTTID)
	assert.Equal(t, models.SideSell, upd.Side)

	// Re-evaluating does not fire twice.
	p.evaluateTriggers()
	select {
	case extra := <-p.updates:
		t.Fatalf("unexpected duplicate trigger: %+v", extra)
	default:
	}
}

func TestPaperTargetTriggerFires(t *testing.T) {
	prices := stubPrices{"TCS": decimal.RequireFromString("103.00")}
	p := newTestPaperBroker(prices)
	ctx := context.Background()

	co, err := p.PlaceConditionalOrder(ctx, ConditionalRequest{
		Symbol: "TCS",
		Kind:   models.KindStopAndTarget,
		Stop:   decimal.RequireFromString("100.40"),
		Target: decimal.RequireFromString("108.15"),
		Qty:    10,
	})
	require.NoError(t, err)

	prices["TCS"] = decimal.RequireFromString("108.20")
	p.evaluateTriggers()

	got, err := p.GetConditionalOrder(ctx, co.GTTID)
	require.NoError(t, err)
	assert.Equal(t, models.ConditionalTriggered, got.Status)
}
