package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

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

// reconcileInterval is the cadence of the periodic broker-state resync.
const reconcileInterval = time.Minute

// Supervisor owns every engine component and runs them as one task group.
// Construction follows dependency order: cooldown registry and tick store
// first, then the indicator cache, router, scanner and trailing worker.
type Supervisor struct {
	cfg         *config.Config
	instruments []models.Instrument
	store       storage.Interface
	brk         broker.Broker
	ticks       *market.TickStore
	agg         *market.Aggregator
	cache       *indicators.Cache
	cooldowns   *cooldown.Registry
	inflight    *util.InFlight
	scanner     *strategy.Scanner
	trailer     *trailing.Worker
	router      *router.Router
	reconciler  *Reconciler
	log         *logrus.Logger

	mu   sync.Mutex
	mode models.Mode
}

// New assembles a supervisor. ticks is passed in because the paper broker
// reads its fill prices from the same store.
func New(cfg *config.Config, instruments []models.Instrument, store storage.Interface,
	brk broker.Broker, ticks *market.TickStore, log *logrus.Logger) (*Supervisor, error) {
	mode := cfg.Mode()

	cooldowns := cooldown.NewRegistry(cfg.CooldownDuration(), cfg.Cooldown.AntiFlipPct)
	cache := indicators.NewCache(cfg.Scanner.AccelWeight)
	agg := market.NewAggregator([]models.Timeframe{models.Timeframe15m, models.TimeframeDay}, log)
	inflight := util.NewInFlight()
	retrier := retry.NewClient(log)

	rt, err := router.New(mode, store, brk, retrier, cooldowns, inflight, ticks.Symbol, log)
	if err != nil {
		return nil, fmt.Errorf("creating order event router: %w", err)
	}
	scanner := strategy.New(cfg, mode, instruments, store, brk, ticks, cache, cooldowns, retrier, log)
	trailer := trailing.New(cfg, mode, instruments, store, brk, ticks, inflight, log)
	reconciler := NewReconciler(mode, store, brk, rt, ticks, cooldowns, log)

	return &Supervisor{
		cfg:         cfg,
		instruments: instruments,
		store:       store,
		brk:         brk,
		ticks:       ticks,
		agg:         agg,
		cache:       cache,
		cooldowns:   cooldowns,
		inflight:    inflight,
		scanner:     scanner,
		trailer:     trailer,
		router:      rt,
		reconciler:  reconciler,
		log:         log,
		mode:        mode,
	}, nil
}

// Mode returns the active position-store namespace.
func (s *Supervisor) Mode() models.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Run starts every task and blocks until ctx is cancelled or a task fails.
// Broker-side conditional orders are never cancelled on the way down; they
// are the operator's safety net.
func (s *Supervisor) Run(ctx context.Context) error {
	tokens := make([]uint32, 0, len(s.instruments))
	for _, inst := range s.instruments {
		tokens = append(tokens, inst.Token)
	}

	updates, err := s.brk.SubscribeOrderUpdates(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to order updates: %w", err)
	}
	tickCh, err := s.brk.StreamTicks(ctx, tokens)
	if err != nil {
		return fmt.Errorf("starting tick stream: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"mode":    s.Mode(),
		"symbols": len(s.instruments),
	}).Info("engine starting")

	// Bring persisted trades back under management before trading begins.
	if err := s.reconciler.Reconcile(ctx); err != nil {
		s.log.WithError(err).Warn("startup reconciliation failed")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.agg.Run(ctx) })
	g.Go(func() error { return s.pumpTicks(ctx, tickCh) })
	g.Go(func() error { s.persistCandles(); return nil })
	g.Go(func() error { return s.router.Run(ctx, updates) })
	g.Go(func() error { return s.scanner.Run(ctx) })
	g.Go(func() error { return s.trailer.Run(ctx) })
	g.Go(func() error { return s.reconcileLoop(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		s.log.Info("engine stopped, conditional orders left active at broker")
		return nil
	}
	return err
}

// pumpTicks feeds the tick store and the candle aggregator from the broker
// stream.
func (s *Supervisor) pumpTicks(ctx context.Context, tickCh <-chan models.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-tickCh:
			if !ok {
				return errors.New("tick stream closed")
			}
			if !s.ticks.Update(tick) {
				continue
			}
			if sym, ok := s.ticks.Symbol(tick.Token); ok {
				s.agg.Ingest(sym, tick)
			}
		}
	}
}

// persistCandles drains the aggregator's frozen-bar stream into storage.
// Exits when the aggregator closes the stream during shutdown.
func (s *Supervisor) persistCandles() {
	for c := range s.agg.Candles() {
		if err := s.store.UpsertCandle(c); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"symbol":    c.Symbol,
				"timeframe": c.Timeframe,
			}).Error("persisting candle")
		}
	}
}

// ReconcileOnce runs a single reconciliation pass. The offline reconcile
// command uses it without starting the engine.
func (s *Supervisor) ReconcileOnce(ctx context.Context) error {
	return s.reconciler.Reconcile(ctx)
}

func (s *Supervisor) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.reconciler.Reconcile(ctx); err != nil {
				s.log.WithError(err).Error("reconciliation failed")
			}
		}
	}
}

// SetMode transactionally swaps the position-store namespace: the scanner
// and trailing worker pause, every component re-targets the new namespace,
// open trades are reloaded, then work resumes.
func (s *Supervisor) SetMode(ctx context.Context, mode models.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown mode %q", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == s.mode {
		return nil
	}

	s.scanner.Pause()
	s.trailer.Pause()
	defer func() {
		s.scanner.Resume()
		s.trailer.Resume()
	}()

	s.scanner.SetMode(mode)
	s.trailer.SetMode(mode)
	s.router.SetMode(mode)
	s.reconciler.SetMode(mode)
	s.mode = mode

	open, err := s.store.OpenTrades(mode)
	if err != nil {
		return fmt.Errorf("reloading open trades: %w", err)
	}
	if err := s.reconciler.Reconcile(ctx); err != nil {
		s.log.WithError(err).Warn("post-switch reconciliation failed")
	}

	s.log.WithFields(logrus.Fields{
		"mode":        mode,
		"open_trades": len(open),
	}).Info("mode switched")
	return nil
}

// CloseTrade is the operator's manual exit: the conditional order is
// cancelled immediately, the shares are sold at market, and the exit fill
// event finishes the close through the router.
func CloseTrade(ctx context.Context, store storage.Interface, brk broker.Broker,
	id int64, log *logrus.Logger) (string, error) {
	tr, err := store.TradeByID(id)
	if err != nil {
		return "", fmt.Errorf("loading trade %d: %w", id, err)
	}
	if tr.Status != models.StatusOpen {
		return "", fmt.Errorf("trade %d is %s, only open trades can be closed", id, tr.Status)
	}

	if tr.GTTID != "" {
		if err := brk.CancelConditionalOrder(ctx, tr.GTTID); err != nil {
			return "", fmt.Errorf("cancelling conditional order %s: %w", tr.GTTID, err)
		}
	}

	orderID, err := brk.PlaceMarketOrder(ctx, tr.Symbol, models.SideSell, tr.Qty)
	if err != nil {
		return "", fmt.Errorf("placing exit order: %w", err)
	}

	tr.OrderID = orderID
	if err := tr.Transition(models.StatusClosing, models.ConditionManualClose); err != nil {
		return "", err
	}
	if err := store.UpdateTrade(tr); err != nil {
		return "", fmt.Errorf("persisting manual close: %w", err)
	}

	log.WithFields(logrus.Fields{
		"trade_id": id,
		"symbol":   tr.Symbol,
		"order_id": orderID,
	}).Info("manual close issued")
	return orderID, nil
}
