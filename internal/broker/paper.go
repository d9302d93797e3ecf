package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/psanghavi/ladderbot/internal/models"
)

// PriceSource supplies the latest known price per symbol. The tick store
// implements it.
type PriceSource interface {
	LastPrice(symbol models.Symbol) (decimal.Decimal, bool)
}

// TickFeeder supplies market data. In paper mode the live quote feed (public
// market data) still backs the simulator.
type TickFeeder interface {
	StreamTicks(ctx context.Context, tokens []uint32) (<-chan models.Tick, error)
}

// paperWatchInterval is how often simulated GTT triggers are evaluated.
const paperWatchInterval = 200 * time.Millisecond

// PaperBroker simulates the brokerage: market orders fill instantly at the
// last known price and GTTs live in an in-memory book evaluated against the
// price source. Order ids and gtt ids are process-local.
type PaperBroker struct {
	feed   TickFeeder
	prices PriceSource
	log    *logrus.Logger

	mu     sync.Mutex
	gtts   map[string]*models.ConditionalOrder
	orders []OrderRecord
	net    map[models.Symbol]int64

	updates   chan OrderUpdate
	watchOnce sync.Once
}

// Ensure PaperBroker implements Broker at compile time.
var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates a simulator backed by the given feed and prices.
func NewPaperBroker(feed TickFeeder, prices PriceSource, log *logrus.Logger) *PaperBroker {
	return &PaperBroker{
		feed:    feed,
		prices:  prices,
		log:     log,
		gtts:    make(map[string]*models.ConditionalOrder),
		net:     make(map[models.Symbol]int64),
		updates: make(chan OrderUpdate, orderBufferSize),
	}
}

// PlaceMarketOrder fills instantly at the last known price.
func (p *PaperBroker) PlaceMarketOrder(ctx context.Context, symbol models.Symbol,
	side models.Side, qty int64) (string, error) {
	const op = "placeMarketOrder"
	if qty <= 0 {
		return "", newError(KindValidation, op, "qty must be positive", nil)
	}
	symbol = models.NormalizeSymbol(symbol)
	price, ok := p.prices.LastPrice(symbol)
	if !ok {
		return "", newError(KindUnavailable, op,
			fmt.Sprintf("no market data for %s", symbol), nil)
	}

	orderID := "P-" + uuid.NewString()
	now := time.Now().UTC()

	p.mu.Lock()
	p.orders = append(p.orders, OrderRecord{
		OrderID:  orderID,
		Symbol:   symbol,
		Side:     side,
		Qty:      qty,
		Status:   "COMPLETE",
		AvgPrice: price,
		Placed:   now,
	})
	if side == models.SideBuy {
		p.net[symbol] += qty
	} else {
		p.net[symbol] -= qty
	}
	p.mu.Unlock()

	p.emit(OrderUpdate{
		Type:       UpdateFill,
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		AvgPrice:   price,
		Status:     "COMPLETE",
		ExchangeTS: now,
	})
	p.log.WithFields(logrus.Fields{
		"symbol":   symbol,
		"side":     side,
		"qty":      qty,
		"price":    price.String(),
		"order_id": orderID,
	}).Info("paper order filled")
	return orderID, nil
}

// PlaceConditionalOrder registers a simulated GTT.
func (p *PaperBroker) PlaceConditionalOrder(ctx context.Context,
	req ConditionalRequest) (*models.ConditionalOrder, error) {
	const op = "placeConditionalOrder"
	if req.Qty <= 0 {
		return nil, newError(KindValidation, op, "qty must be positive", nil)
	}
	if req.Stop.Sign() <= 0 {
		return nil, newError(KindValidation, op, "stop trigger must be positive", nil)
	}
	if req.Kind == models.KindStopAndTarget && req.Target.LessThanOrEqual(req.Stop) {
		return nil, newError(KindValidation, op, "target must exceed stop", nil)
	}

	co := &models.ConditionalOrder{
		GTTID:        "G-" + uuid.NewString(),
		Symbol:       models.NormalizeSymbol(req.Symbol),
		Kind:         req.Kind,
		TriggerStop:  req.Stop,
		Qty:          req.Qty,
		Status:       models.ConditionalActive,
		LastModified: time.Now().UTC(),
	}
	if req.Kind == models.KindStopAndTarget {
		co.TriggerTarget = req.Target
	}

	p.mu.Lock()
	p.gtts[co.GTTID] = co
	p.mu.Unlock()
	return clone(co), nil
}

// ModifyConditionalOrder rewrites the stop of a registered GTT. The simulator
// has no tick table, so the registered stop is the requested one.
func (p *PaperBroker) ModifyConditionalOrder(ctx context.Context, gttID string,
	newStop decimal.Decimal) (decimal.Decimal, error) {
	const op = "modifyConditionalOrder"
	p.mu.Lock()
	defer p.mu.Unlock()
	co, ok := p.gtts[gttID]
	if !ok {
		return decimal.Decimal{}, newError(KindRejected, op, "unknown gtt id "+gttID, nil)
	}
	if co.Status != models.ConditionalActive {
		return decimal.Decimal{}, newError(KindRejected, op, "gtt not active", nil)
	}
	if co.TriggerStop.Equal(newStop) {
		return newStop, nil
	}
	co.TriggerStop = newStop
	co.LastModified = time.Now().UTC()
	return newStop, nil
}

// CancelConditionalOrder removes a GTT; unknown ids succeed.
func (p *PaperBroker) CancelConditionalOrder(ctx context.Context, gttID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if co, ok := p.gtts[gttID]; ok && co.Status == models.ConditionalActive {
		co.Status = models.ConditionalCancelled
	}
	return nil
}

// GetConditionalOrder returns the simulated GTT state.
func (p *PaperBroker) GetConditionalOrder(ctx context.Context, gttID string) (*models.ConditionalOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	co, ok := p.gtts[gttID]
	if !ok {
		return nil, newError(KindRejected, "getConditionalOrder", "unknown gtt id "+gttID, nil)
	}
	return clone(co), nil
}

// ListOrders returns the simulated order book.
func (p *PaperBroker) ListOrders(ctx context.Context) ([]OrderRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderRecord, len(p.orders))
	copy(out, p.orders)
	return out, nil
}

// ListPositions returns simulated net positions.
func (p *PaperBroker) ListPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.net))
	for sym, qty := range p.net {
		if qty == 0 {
			continue
		}
		out = append(out, Position{Symbol: sym, Qty: qty})
	}
	return out, nil
}

// StreamTicks passes through to the underlying market data feed.
func (p *PaperBroker) StreamTicks(ctx context.Context, tokens []uint32) (<-chan models.Tick, error) {
	return p.feed.StreamTicks(ctx, tokens)
}

// SubscribeOrderUpdates returns the synthetic update stream and starts the
// GTT trigger watcher.
func (p *PaperBroker) SubscribeOrderUpdates(ctx context.Context) (<-chan OrderUpdate, error) {
	p.watchOnce.Do(func() { go p.watchTriggers(ctx) })
	return p.updates, nil
}

// watchTriggers polls prices and fires simulated GTT executions.
func (p *PaperBroker) watchTriggers(ctx context.Context) {
	ticker := time.NewTicker(paperWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(p.updates)
			return
		case <-ticker.C:
			p.evaluateTriggers()
		}
	}
}

func (p *PaperBroker) evaluateTriggers() {
	p.mu.Lock()
	var fired []*models.ConditionalOrder
	var fills []OrderUpdate
	for _, co := range p.gtts {
		if co.Status != models.ConditionalActive {
			continue
		}
		price, ok := p.prices.LastPrice(co.Symbol)
		if !ok {
			continue
		}
		stopHit := price.LessThanOrEqual(co.TriggerStop)
		targetHit := co.Kind == models.KindStopAndTarget &&
			co.TriggerTarget.Sign() > 0 && price.GreaterThanOrEqual(co.TriggerTarget)
		if !stopHit && !targetHit {
			continue
		}

		co.Status = models.ConditionalTriggered
		p.net[co.Symbol] -= co.Qty
		fired = append(fired, co)
		fills = append(fills, OrderUpdate{
			Type:       UpdateTrigger,
			GTTID:      co.GTTID,
			Symbol:     co.Symbol,
			Side:       models.SideSell,
			Qty:        co.Qty,
			AvgPrice:   price,
			Status:     "triggered",
			ExchangeTS: time.Now().UTC(),
		})
	}
	p.mu.Unlock()

	for i, co := range fired {
		p.log.WithFields(logrus.Fields{
			"symbol": co.Symbol,
			"gtt_id": co.GTTID,
			"price":  fills[i].AvgPrice.String(),
		}).Info("paper conditional triggered")
		p.emit(fills[i])
	}
}

func (p *PaperBroker) emit(upd OrderUpdate) {
	select {
	case p.updates <- upd:
	default:
		p.log.WithField("order_id", upd.OrderID).Warn("paper update channel full, dropping event")
	}
}

func clone(co *models.ConditionalOrder) *models.ConditionalOrder {
	c := *co
	return &c
}
