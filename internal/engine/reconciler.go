// Package engine wires the trading components together and supervises
// their lifecycles.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psanghavi/ladderbot/internal/broker"
	"github.com/psanghavi/ladderbot/internal/cooldown"
	"github.com/psanghavi/ladderbot/internal/market"
	"github.com/psanghavi/ladderbot/internal/models"
	"github.com/psanghavi/ladderbot/internal/router"
	"github.com/psanghavi/ladderbot/internal/storage"
)

// pendingThreshold is how long an unconfirmed entry may stay pending before
// it is treated as a phantom and failed locally.
const pendingThreshold = 10 * time.Minute

// Reconciler re-syncs the position store with broker state: fills and
// triggers missed while disconnected, protection lost at the broker, and
// positions closed externally. Recovered events are replayed through the
// order event router so every path shares one dispatch.
type Reconciler struct {
	store     storage.Interface
	brk       broker.Broker
	router    *router.Router
	ticks     *market.TickStore
	cooldowns *cooldown.Registry
	log       *logrus.Logger

	mu            sync.Mutex
	mode          models.Mode
	coldStartOnce sync.Once
}

// NewReconciler creates a reconciler.
func NewReconciler(mode models.Mode, store storage.Interface, brk broker.Broker,
	rt *router.Router, ticks *market.TickStore, cooldowns *cooldown.Registry,
	log *logrus.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		brk:       brk,
		router:    rt,
		ticks:     ticks,
		cooldowns: cooldowns,
		log:       log,
		mode:      mode,
	}
}

// SetMode swaps the position-store namespace.
func (r *Reconciler) SetMode(mode models.Mode) {
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
}

func (r *Reconciler) currentMode() models.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Reconcile runs one full pass.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	mode := r.currentMode()
	open, err := r.store.OpenTrades(mode)
	if err != nil {
		return fmt.Errorf("loading open trades: %w", err)
	}

	positions, posErr := r.brk.ListPositions(ctx)
	if posErr != nil {
		r.log.WithError(posErr).Warn("broker positions unavailable, skipping external-close pass")
	}

	if len(open) == 0 && len(positions) > 0 {
		r.coldStartOnce.Do(func() {
			r.log.WithField("broker_positions", len(positions)).
				Warn("cold start: broker holds positions with no tracked trades")
		})
	}

	var orders []broker.OrderRecord
	ordersOK := false
	if hasPending(open) {
		orders, err = r.brk.ListOrders(ctx)
		if err != nil {
			r.log.WithError(err).Warn("broker order book unavailable, skipping pending pass")
		} else {
			ordersOK = true
		}
	}

	for _, tr := range open {
		switch tr.Status {
		case models.StatusPending:
			if ordersOK {
				r.checkPending(ctx, tr, orders)
			}
		case models.StatusOpen:
			r.checkProtection(ctx, tr)
		}
	}

	if posErr == nil {
		r.closeExternallyFlattened(mode, positions)
	}
	return nil
}

func hasPending(trades []*models.Trade) bool {
	for _, tr := range trades {
		if tr.Status == models.StatusPending {
			return true
		}
	}
	return false
}

// checkPending resolves entries whose fill or reject event was missed. An
// order absent from the broker's book past the threshold never executed;
// fail it locally so the phantom does not block the ladder.
func (r *Reconciler) checkPending(ctx context.Context, tr *models.Trade, orders []broker.OrderRecord) {
	for _, rec := range orders {
		if rec.OrderID != tr.OrderID {
			continue
		}
		switch rec.Status {
		case "COMPLETE":
			r.log.WithFields(logrus.Fields{
				"trade_id": tr.ID,
				"order_id": tr.OrderID,
			}).Warn("recovering missed fill")
			r.router.Handle(ctx, broker.OrderUpdate{
				Type:       broker.UpdateFill,
				OrderID:    rec.OrderID,
				Symbol:     tr.Symbol,
				AvgPrice:   rec.AvgPrice,
				Status:     rec.Status,
				ExchangeTS: time.Now().UTC(),
			})
		case "REJECTED", "CANCELLED":
			r.router.Handle(ctx, broker.OrderUpdate{
				Type:       broker.UpdateReject,
				OrderID:    rec.OrderID,
				Symbol:     tr.Symbol,
				Status:     rec.Status,
				ExchangeTS: time.Now().UTC(),
			})
		}
		return
	}

	if time.Since(tr.EntryTS) < pendingThreshold {
		return
	}
	r.log.WithFields(logrus.Fields{
		"trade_id": tr.ID,
		"order_id": tr.OrderID,
		"age":      time.Since(tr.EntryTS).Round(time.Second),
	}).Warn("phantom pending trade, failing locally")
	if err := tr.Transition(models.StatusFailed, models.ConditionOrderRejected); err != nil {
		r.log.WithError(err).Error("failing phantom trade")
		return
	}
	if err := r.store.UpdateTrade(tr); err != nil {
		r.log.WithError(err).Error("persisting phantom cleanup")
	}
}

// checkProtection verifies the trade's conditional order is still active at
// the broker. A triggered order missed while disconnected closes the trade;
// a missing or cancelled one is replayed as a cancel so the router re-places
// it or unwinds.
func (r *Reconciler) checkProtection(ctx context.Context, tr *models.Trade) {
	co, err := r.brk.GetConditionalOrder(ctx, tr.GTTID)
	if err == nil && co.Status == models.ConditionalActive {
		return
	}

	if err == nil && co.Status == models.ConditionalTriggered {
		r.log.WithFields(logrus.Fields{
			"trade_id": tr.ID,
			"gtt_id":   tr.GTTID,
		}).Warn("conditional order triggered while disconnected")
		r.router.Handle(ctx, broker.OrderUpdate{
			Type:       broker.UpdateTrigger,
			GTTID:      tr.GTTID,
			Symbol:     tr.Symbol,
			ExchangeTS: time.Now().UTC(),
		})
		return
	}

	r.log.WithFields(logrus.Fields{
		"trade_id": tr.ID,
		"gtt_id":   tr.GTTID,
	}).Warn("protection missing at broker")
	r.router.Handle(ctx, broker.OrderUpdate{
		Type:       broker.UpdateCancel,
		GTTID:      tr.GTTID,
		Symbol:     tr.Symbol,
		ExchangeTS: time.Now().UTC(),
	})
}

// closeExternallyFlattened closes trades whose shares the broker no longer
// holds, highest rung first. Exit price falls back from the live price to
// the trade's current stop. Trades are reloaded because the protection pass
// may have closed some of them already.
func (r *Reconciler) closeExternallyFlattened(mode models.Mode, positions []broker.Position) {
	open, err := r.store.OpenTrades(mode)
	if err != nil {
		r.log.WithError(err).Error("reloading trades for external-close pass")
		return
	}

	net := make(map[models.Symbol]int64, len(positions))
	for _, p := range positions {
		net[p.Symbol] += p.Qty
	}

	bySymbol := make(map[models.Symbol][]*models.Trade)
	for _, tr := range open {
		if tr.Status == models.StatusOpen {
			bySymbol[tr.Symbol] = append(bySymbol[tr.Symbol], tr)
		}
	}

	for symbol, rungs := range bySymbol {
		var held int64
		for _, tr := range rungs {
			held += tr.Qty
		}
		missing := held - net[symbol]
		if missing <= 0 {
			continue
		}

		sort.Slice(rungs, func(i, j int) bool {
			return rungs[i].PositionIndex > rungs[j].PositionIndex
		})
		for _, tr := range rungs {
			if missing <= 0 {
				break
			}
			r.closeExternal(tr)
			missing -= tr.Qty
		}
	}
}

func (r *Reconciler) closeExternal(tr *models.Trade) {
	exit, ok := r.ticks.LastPrice(tr.Symbol)
	if !ok || exit.Sign() <= 0 {
		exit = tr.CurrentStopPrice
	}

	if err := tr.Transition(models.StatusClosed, models.ConditionExternalClose); err != nil {
		r.log.WithError(err).Error("external close transition")
		return
	}
	tr.ExitPrice = exit
	tr.RealizedPnL = tr.RealizedPnLAt(exit)
	if err := r.store.UpdateTrade(tr); err != nil {
		r.log.WithError(err).Error("persisting external close")
		return
	}
	r.cooldowns.Record(tr.Symbol, exit)

	r.log.WithFields(logrus.Fields{
		"trade_id": tr.ID,
		"symbol":   tr.Symbol,
		"index":    tr.PositionIndex,
		"exit":     exit.String(),
	}).Warn("trade closed externally at broker")
}
