// Package router is the single consumer of broker order and conditional
// order updates. It activates pending trades on fills, closes trades on
// trigger events, and restores lost protection.
package router

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/psanghavi/ladderbot/internal/broker"
	"github.com/psanghavi/ladderbot/internal/cooldown"
	"github.com/psanghavi/ladderbot/internal/metrics"
	"github.com/psanghavi/ladderbot/internal/models"
	"github.com/psanghavi/ladderbot/internal/retry"
	"github.com/psanghavi/ladderbot/internal/storage"
	"github.com/psanghavi/ladderbot/internal/util"
)

// dedupeCapacity bounds the replay-protection LRU.
const dedupeCapacity = 2048

// Router dispatches broker events against the position store.
type Router struct {
	modeMu    sync.RWMutex
	mode      models.Mode
	store     storage.Interface
	brk       broker.Broker
	retrier   *retry.Client
	cooldowns *cooldown.Registry
	inflight  *util.InFlight
	resolve   func(uint32) (models.Symbol, bool)
	dedupe    *lru.Cache
	log       *logrus.Logger
}

// New creates a router. resolve maps instrument tokens to symbols for
// events that arrive without one.
func New(mode models.Mode, store storage.Interface, brk broker.Broker,
	retrier *retry.Client, cooldowns *cooldown.Registry, inflight *util.InFlight,
	resolve func(uint32) (models.Symbol, bool), log *logrus.Logger) (*Router, error) {
	cache, err := lru.New(dedupeCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating dedupe cache: %w", err)
	}
	return &Router{
		mode:      mode,
		store:     store,
		brk:       brk,
		retrier:   retrier,
		cooldowns: cooldowns,
		inflight:  inflight,
		resolve:   resolve,
		dedupe:    cache,
		log:       log,
	}, nil
}

// SetMode swaps the position-store namespace for subsequent events.
func (r *Router) SetMode(mode models.Mode) {
	r.modeMu.Lock()
	r.mode = mode
	r.modeMu.Unlock()
}

func (r *Router) currentMode() models.Mode {
	r.modeMu.RLock()
	defer r.modeMu.RUnlock()
	return r.mode
}

// Run consumes updates until the channel closes or ctx ends.
func (r *Router) Run(ctx context.Context, updates <-chan broker.OrderUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			r.Handle(ctx, upd)
		}
	}
}

// Handle processes one update. Exported for tests and the reconciler.
func (r *Router) Handle(ctx context.Context, upd broker.OrderUpdate) {
	if upd.Symbol == "" && upd.Token != 0 {
		if sym, ok := r.resolve(upd.Token); ok {
			upd.Symbol = sym
		}
	}

	key := dedupeKey(upd)
	if found, _ := r.dedupe.ContainsOrAdd(key, struct{}{}); found {
		metrics.RouterEvents.WithLabelValues("duplicate").Inc()
		return
	}

	var outcome string
	switch upd.Type {
	case broker.UpdateFill:
		outcome = r.handleFill(ctx, upd)
	case broker.UpdateReject:
		outcome = r.handleReject(upd)
	case broker.UpdateTrigger:
		outcome = r.handleTrigger(upd)
	case broker.UpdateCancel:
		outcome = r.handleCancel(ctx, upd)
	default:
		outcome = "unknown_type"
	}
	metrics.RouterEvents.WithLabelValues(outcome).Inc()
}

func dedupeKey(upd broker.OrderUpdate) string {
	id := upd.OrderID
	if id == "" {
		id = upd.GTTID
	}
	return fmt.Sprintf("%s|%s|%d", id, upd.Status, upd.ExchangeTS.UnixNano())
}

// handleFill activates pending trades on entry fills and finalizes closing
// trades on exit fills. The exit path relies on the trade's order id being
// rewritten to the exit order when the unwind was issued.
func (r *Router) handleFill(ctx context.Context, upd broker.OrderUpdate) string {
	trade, err := r.store.TradeByOrderID(r.currentMode(), upd.OrderID)
	if err != nil {
		r.log.WithError(err).Error("fill lookup failed")
		return "error"
	}
	if trade == nil {
		r.log.WithFields(logrus.Fields{
			"order_id": upd.OrderID,
			"symbol":   upd.Symbol,
		}).Debug("fill for unknown order, dropping")
		return "unknown"
	}

	switch trade.Status {
	case models.StatusPending:
		return r.activate(ctx, trade, upd)
	case models.StatusClosing:
		return r.finalizeClose(trade, upd.AvgPrice)
	default:
		r.log.WithFields(logrus.Fields{
			"trade_id": trade.ID,
			"status":   trade.Status,
		}).Warn("fill for trade in unexpected status")
		return "ignored"
	}
}

// activate rewrites the entry price to the filled price, attaches the
// conditional protection, and opens the trade. If protection cannot be
// placed the trade is rolled back and unwound.
func (r *Router) activate(ctx context.Context, trade *models.Trade, upd broker.OrderUpdate) string {
	if upd.AvgPrice.Sign() > 0 {
		trade.EntryPrice = upd.AvgPrice
		trade.HighestSinceEntry = upd.AvgPrice
	}

	req := broker.ConditionalRequest{
		Symbol: trade.Symbol,
		Kind:   models.KindStopOnly,
		Stop:   util.ApplyPct(trade.EntryPrice, trade.StopLossPct),
		Qty:    trade.Qty,
	}
	if trade.TargetPct > 0 {
		req.Kind = models.KindStopAndTarget
		req.Target = util.ApplyPct(trade.EntryPrice, trade.TargetPct)
	}

	var co *models.ConditionalOrder
	err := r.retrier.Do(ctx, "placeProtection", func(ctx context.Context) error {
		var placeErr error
		co, placeErr = r.brk.PlaceConditionalOrder(ctx, req)
		return placeErr
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"trade_id": trade.ID,
			"symbol":   trade.Symbol,
		}).WithError(err).Error("protection placement failed, rolling back entry")
		r.rollbackEntry(ctx, trade)
		return "protection_failed"
	}

	trade.GTTID = co.GTTID
	trade.CurrentStopPrice = co.TriggerStop
	trade.CurrentTargetPrice = co.TriggerTarget
	if err := trade.Transition(models.StatusOpen, models.ConditionOrderFilled); err != nil {
		r.log.WithError(err).Error("activating trade")
		return "error"
	}
	if err := r.store.UpdateTrade(trade); err != nil {
		r.log.WithError(err).Error("persisting activated trade")
		return "error"
	}

	r.log.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"symbol":   trade.Symbol,
		"index":    trade.PositionIndex,
		"entry":    trade.EntryPrice.String(),
		"stop":     trade.CurrentStopPrice.String(),
		"gtt_id":   trade.GTTID,
	}).Info("trade opened")
	return "activated"
}

// rollbackEntry marks a filled-but-unprotected trade failed, unwinds the
// shares at market, and starts cooldown. The engine never leaves a filled
// entry without protection.
func (r *Router) rollbackEntry(ctx context.Context, trade *models.Trade) {
	if err := trade.Transition(models.StatusFailed, models.ConditionProtectionFailed); err != nil {
		r.log.WithError(err).Error("rollback transition")
	}
	if err := r.store.UpdateTrade(trade); err != nil {
		r.log.WithError(err).Error("persisting rollback")
	}

	if _, err := r.brk.PlaceMarketOrder(ctx, trade.Symbol, models.SideSell, trade.Qty); err != nil {
		r.log.WithFields(logrus.Fields{
			"trade_id": trade.ID,
			"symbol":   trade.Symbol,
		}).WithError(err).Error("emergency unwind failed, manual intervention required")
	}
	r.cooldowns.Record(trade.Symbol, trade.EntryPrice)
}

func (r *Router) handleReject(upd broker.OrderUpdate) string {
	trade, err := r.store.TradeByOrderID(r.currentMode(), upd.OrderID)
	if err != nil || trade == nil {
		return "unknown"
	}

	var cond string
	var to models.TradeStatus
	switch trade.Status {
	case models.StatusPending:
		to, cond = models.StatusFailed, models.ConditionOrderRejected
	case models.StatusClosing:
		to, cond = models.StatusFailed, models.ConditionExitFailed
	default:
		return "ignored"
	}
	if err := trade.Transition(to, cond); err != nil {
		r.log.WithError(err).Error("reject transition")
		return "error"
	}
	if err := r.store.UpdateTrade(trade); err != nil {
		r.log.WithError(err).Error("persisting rejected trade")
		return "error"
	}
	r.log.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"symbol":   trade.Symbol,
	}).Warn("order rejected by broker")
	return "rejected"
}

// handleTrigger closes the trade whose conditional order fired. The broker
// executed the exit leg; only bookkeeping remains.
func (r *Router) handleTrigger(upd broker.OrderUpdate) string {
	trade, err := r.store.TradeByGTTID(r.currentMode(), upd.GTTID)
	if err != nil {
		r.log.WithError(err).Error("trigger lookup failed")
		return "error"
	}
	if trade == nil {
		r.log.WithField("gtt_id", upd.GTTID).Debug("trigger for unknown gtt, dropping")
		return "unknown"
	}
	if trade.Status != models.StatusOpen {
		return "ignored"
	}

	if err := trade.Transition(models.StatusClosing, models.ConditionStopTriggered); err != nil {
		r.log.WithError(err).Error("trigger transition")
		return "error"
	}
	return r.finalizeClose(trade, upd.AvgPrice)
}

// finalizeClose records the exit and starts cooldown.
func (r *Router) finalizeClose(trade *models.Trade, exitPrice decimal.Decimal) string {
	if exitPrice.Sign() <= 0 {
		exitPrice = trade.CurrentStopPrice
	}
	trade.ExitPrice = exitPrice
	trade.RealizedPnL = trade.RealizedPnLAt(exitPrice)
	if err := trade.Transition(models.StatusClosed, models.ConditionExitFilled); err != nil {
		r.log.WithError(err).Error("close transition")
		return "error"
	}
	if err := r.store.UpdateTrade(trade); err != nil {
		r.log.WithError(err).Error("persisting closed trade")
		return "error"
	}
	r.cooldowns.Record(trade.Symbol, exitPrice)

	r.log.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"symbol":   trade.Symbol,
		"index":    trade.PositionIndex,
		"exit":     exitPrice.String(),
		"pnl":      trade.RealizedPnL.String(),
	}).Info("trade closed")
	return "closed"
}

// handleCancel restores protection when a conditional order disappears
// under an open trade. One re-place attempt; after that the position is
// unwound at market.
func (r *Router) handleCancel(ctx context.Context, upd broker.OrderUpdate) string {
	trade, err := r.store.TradeByGTTID(r.currentMode(), upd.GTTID)
	if err != nil || trade == nil {
		return "unknown"
	}
	if trade.Status != models.StatusOpen {
		return "ignored"
	}
	if r.inflight.Held(trade.ID) {
		// The trailing worker is mid-replace; this cancel is its own doing.
		return "replacing"
	}

	req := broker.ConditionalRequest{
		Symbol: trade.Symbol,
		Kind:   models.KindStopOnly,
		Stop:   trade.CurrentStopPrice,
		Qty:    trade.Qty,
	}
	if trade.CurrentTargetPrice.Sign() > 0 {
		req.Kind = models.KindStopAndTarget
		req.Target = trade.CurrentTargetPrice
	}

	co, err := r.brk.PlaceConditionalOrder(ctx, req)
	if err == nil {
		if err := r.store.UpdateStop(trade.ID, co.TriggerStop, co.GTTID); err != nil {
			r.log.WithError(err).Error("persisting re-placed protection")
			return "error"
		}
		r.log.WithFields(logrus.Fields{
			"trade_id":   trade.ID,
			"symbol":     trade.Symbol,
			"old_gtt_id": upd.GTTID,
			"new_gtt_id": co.GTTID,
		}).Warn("protection re-placed after external cancel")
		return "replaced"
	}

	r.log.WithFields(logrus.Fields{
		"trade_id": trade.ID,
		"symbol":   trade.Symbol,
	}).WithError(err).Error("protection re-place failed, unwinding position")
	r.compromise(ctx, trade)
	return "compromised"
}

// compromise flags the trade and unwinds it at market. The exit fill event
// finishes the close.
func (r *Router) compromise(ctx context.Context, trade *models.Trade) {
	trade.ProtectionCompromised = true

	orderID, err := r.brk.PlaceMarketOrder(ctx, trade.Symbol, models.SideSell, trade.Qty)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"trade_id": trade.ID,
			"symbol":   trade.Symbol,
		}).WithError(err).Error("emergency unwind failed, manual intervention required")
		if err := r.store.UpdateTrade(trade); err != nil {
			r.log.WithError(err).Error("persisting compromised trade")
		}
		return
	}

	// Route the exit fill back to this trade.
	trade.OrderID = orderID
	if err := trade.Transition(models.StatusClosing, models.ConditionEmergencyExit); err != nil {
		r.log.WithError(err).Error("emergency exit transition")
	}
	if err := r.store.UpdateTrade(trade); err != nil {
		r.log.WithError(err).Error("persisting emergency exit")
	}
}
