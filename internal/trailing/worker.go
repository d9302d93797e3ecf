// Package trailing ratchets broker-side stops upward as open trades set new
// highs. Stops never move down.
package trailing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/psanghavi/ladderbot/internal/broker"
	"github.com/psanghavi/ladderbot/internal/config"
	"github.com/psanghavi/ladderbot/internal/market"
	"github.com/psanghavi/ladderbot/internal/metrics"
	"github.com/psanghavi/ladderbot/internal/models"
	"github.com/psanghavi/ladderbot/internal/storage"
	"github.com/psanghavi/ladderbot/internal/util"
)

// replaceAttempts bounds the cancel+place fallback before the trade is
// flagged compromised and unwound.
const replaceAttempts = 3

// epsilonPct is 0.01% as a fraction; the modify threshold is the smaller of
// this fraction of price and the instrument tick size.
var epsilonPct = decimal.NewFromFloat(0.0001)

// Worker polls the tick store and trails stops for every open trade.
// Each trade serializes its own modify/replace attempts; different trades
// update independently.
type Worker struct {
	mode      models.Mode
	store     storage.Interface
	brk       broker.Broker
	ticks     *market.TickStore
	inflight  *util.InFlight
	tickSizes map[models.Symbol]decimal.Decimal
	poll      time.Duration
	debounce  time.Duration
	log       *logrus.Logger

	replaceBackoff time.Duration
	now            func() time.Time

	mu         sync.Mutex
	paused     bool
	lastUpdate map[int64]time.Time
}

// New creates a trailing worker.
func New(cfg *config.Config, mode models.Mode, instruments []models.Instrument,
	store storage.Interface, brk broker.Broker, ticks *market.TickStore,
	inflight *util.InFlight, log *logrus.Logger) *Worker {
	tickSizes := make(map[models.Symbol]decimal.Decimal, len(instruments))
	for _, inst := range instruments {
		tickSizes[inst.Symbol] = inst.TickSize
	}
	return &Worker{
		mode:           mode,
		store:          store,
		brk:            brk,
		ticks:          ticks,
		inflight:       inflight,
		tickSizes:      tickSizes,
		poll:           cfg.TrailPoll(),
		debounce:       cfg.Debounce(),
		log:            log,
		replaceBackoff: 500 * time.Millisecond,
		now:            time.Now,
		lastUpdate:     make(map[int64]time.Time),
	}
}

// Pause suspends sweeps until Resume. Used during mode switches.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

// Resume re-enables sweeps.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
}

func (w *Worker) isPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// SetMode swaps the position-store namespace. Callers pause the worker
// around the swap.
func (w *Worker) SetMode(mode models.Mode) {
	w.mu.Lock()
	w.mode = mode
	w.mu.Unlock()
}

func (w *Worker) currentMode() models.Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Run sweeps on the configured poll interval until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.isPaused() {
				continue
			}
			if err := w.Sweep(ctx); err != nil {
				w.log.WithError(err).Error("trailing sweep failed")
			}
		}
	}
}

// Sweep evaluates every open trade once against the latest prices.
func (w *Worker) Sweep(ctx context.Context) error {
	open, err := w.store.OpenTrades(w.currentMode())
	if err != nil {
		return fmt.Errorf("loading open trades: %w", err)
	}
	for _, tr := range open {
		if tr.Status != models.StatusOpen || tr.GTTID == "" {
			continue
		}
		w.evaluate(ctx, tr)
	}
	return nil
}

// evaluate applies the trailing rule to one trade. The debounce window is
// checked first so a high suppressed during the window is picked up by a
// later sweep instead of being lost.
func (w *Worker) evaluate(ctx context.Context, tr *models.Trade) {
	w.mu.Lock()
	last, seen := w.lastUpdate[tr.ID]
	w.mu.Unlock()
	if seen && w.now().Sub(last) < w.debounce {
		return
	}

	price, ok := w.ticks.LastPrice(tr.Symbol)
	if !ok {
		return
	}
	if !tr.ObserveHigh(price) {
		return
	}
	if err := w.store.UpdateTrade(tr); err != nil {
		w.log.WithError(err).Error("persisting new high")
		return
	}

	candidate := util.ApplyPct(tr.HighestSinceEntry, -w.trailDistance(tr))
	if candidate.Sub(tr.CurrentStopPrice).LessThan(w.epsilon(tr.Symbol, price)) {
		return
	}

	w.mu.Lock()
	w.lastUpdate[tr.ID] = w.now()
	w.mu.Unlock()

	// The gateway snaps the trigger to tick size; persist its view of the
	// stop, not the pre-rounding candidate.
	registered, err := w.brk.ModifyConditionalOrder(ctx, tr.GTTID, candidate)
	if err == nil {
		if err := w.store.UpdateStop(tr.ID, registered, ""); err != nil {
			w.log.WithError(err).Error("persisting trailed stop")
			return
		}
		tr.CurrentStopPrice = registered
		metrics.TrailingModifies.Inc()
		w.log.WithFields(logrus.Fields{
			"trade_id": tr.ID,
			"symbol":   tr.Symbol,
			"stop":     registered.String(),
			"high":     tr.HighestSinceEntry.String(),
		}).Info("stop trailed")
		return
	}

	w.log.WithFields(logrus.Fields{
		"trade_id": tr.ID,
		"gtt_id":   tr.GTTID,
	}).WithError(err).Warn("modify failed, falling back to cancel+place")
	w.replace(ctx, tr, candidate)
}

// trailDistance is the percentage cushion below the high. Rungs without a
// trail percentage fall back to their fixed stop distance.
func (w *Worker) trailDistance(tr *models.Trade) float64 {
	if tr.TrailPct > 0 {
		return tr.TrailPct
	}
	return -tr.StopLossPct
}

// epsilon is the minimum improvement worth a broker round trip.
func (w *Worker) epsilon(symbol models.Symbol, price decimal.Decimal) decimal.Decimal {
	eps := price.Mul(epsilonPct)
	if tick, ok := w.tickSizes[symbol]; ok && tick.Sign() > 0 && tick.LessThan(eps) {
		return tick
	}
	return eps
}

// replace runs the cancel+place fallback. The trade is held in the in-flight
// set so the event router ignores the cancel this sequence emits. The gttId
// swap in the store is atomic: old id until the new order exists, then new.
func (w *Worker) replace(ctx context.Context, tr *models.Trade, stop decimal.Decimal) {
	if !w.inflight.Hold(tr.ID) {
		return
	}
	defer w.inflight.Release(tr.ID)
	metrics.ReplaceFallbacks.Inc()

	req := broker.ConditionalRequest{
		Symbol: tr.Symbol,
		Kind:   models.KindStopOnly,
		Stop:   stop,
		Qty:    tr.Qty,
	}
	if tr.CurrentTargetPrice.Sign() > 0 {
		req.Kind = models.KindStopAndTarget
		req.Target = tr.CurrentTargetPrice
	}

	backoff := w.replaceBackoff
	cancelled := false
	for attempt := 1; attempt <= replaceAttempts; attempt++ {
		err := w.tryReplace(ctx, tr, req, &cancelled)
		if err == nil {
			w.log.WithFields(logrus.Fields{
				"trade_id": tr.ID,
				"symbol":   tr.Symbol,
				"gtt_id":   tr.GTTID,
				"stop":     tr.CurrentStopPrice.String(),
			}).Warn("protection replaced after failed modify")
			return
		}
		w.log.WithFields(logrus.Fields{
			"trade_id": tr.ID,
			"attempt":  attempt,
		}).WithError(err).Error("replace attempt failed")

		if attempt == replaceAttempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return
		}
	}

	w.compromise(ctx, tr)
}

// tryReplace cancels the old conditional order once, then places the
// replacement. cancelled survives across attempts so the old id is never
// cancelled twice.
func (w *Worker) tryReplace(ctx context.Context, tr *models.Trade,
	req broker.ConditionalRequest, cancelled *bool) error {
	if !*cancelled {
		if err := w.brk.CancelConditionalOrder(ctx, tr.GTTID); err != nil {
			return fmt.Errorf("cancelling %s: %w", tr.GTTID, err)
		}
		*cancelled = true
	}

	co, err := w.brk.PlaceConditionalOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("placing replacement: %w", err)
	}
	if err := w.store.UpdateStop(tr.ID, co.TriggerStop, co.GTTID); err != nil {
		return fmt.Errorf("persisting replacement: %w", err)
	}
	tr.GTTID = co.GTTID
	tr.CurrentStopPrice = co.TriggerStop
	return nil
}

// compromise flags the trade and unwinds it at market. The exit fill event
// routed by the order event router finishes the close.
func (w *Worker) compromise(ctx context.Context, tr *models.Trade) {
	tr.ProtectionCompromised = true

	orderID, err := w.brk.PlaceMarketOrder(ctx, tr.Symbol, models.SideSell, tr.Qty)
	if err != nil {
		w.log.WithFields(logrus.Fields{
			"trade_id": tr.ID,
			"symbol":   tr.Symbol,
		}).WithError(err).Error("emergency unwind failed, manual intervention required")
		if err := w.store.UpdateTrade(tr); err != nil {
			w.log.WithError(err).Error("persisting compromised trade")
		}
		return
	}

	tr.OrderID = orderID
	if err := tr.Transition(models.StatusClosing, models.ConditionEmergencyExit); err != nil {
		w.log.WithError(err).Error("emergency exit transition")
	}
	if err := w.store.UpdateTrade(tr); err != nil {
		w.log.WithError(err).Error("persisting emergency exit")
	}
	w.log.WithFields(logrus.Fields{
		"trade_id": tr.ID,
		"symbol":   tr.Symbol,
	}).Error("protection compromised, position unwound at market")
}
