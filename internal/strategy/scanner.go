// Package strategy runs the periodic entry scanner: momentum ranking over
// the symbol universe, ladder progression gates, and position sizing.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/psanghavi/ladderbot/internal/broker"
	"github.com/psanghavi/ladderbot/internal/config"
	"github.com/psanghavi/ladderbot/internal/cooldown"
	"github.com/psanghavi/ladderbot/internal/indicators"
	"github.com/psanghavi/ladderbot/internal/market"
	"github.com/psanghavi/ladderbot/internal/metrics"
	"github.com/psanghavi/ladderbot/internal/models"
	"github.com/psanghavi/ladderbot/internal/retry"
	"github.com/psanghavi/ladderbot/internal/storage"
)

// ErrInsufficientNotional means capitalPerPosition cannot buy one lot at the
// current price. No broker call is made.
var ErrInsufficientNotional = errors.New("insufficient notional for one lot")

// Candle history depths requested per refresh.
const (
	history15m   = indicators.Sma15mSlowPeriod
	historyDaily = indicators.SmaDailySlow
)

// Scanner evaluates the universe once per interval and opens at most one
// position per cycle.
type Scanner struct {
	cfg         *config.Config
	mode        models.Mode
	instruments []models.Instrument
	store       storage.Interface
	brk         broker.Broker
	ticks       *market.TickStore
	cache       *indicators.Cache
	cooldowns   *cooldown.Registry
	retrier     *retry.Client
	log         *logrus.Logger

	mu     sync.Mutex
	paused bool

	// lastDay tracks the session date so rank baselines reset each morning.
	// Touched only from Cycle.
	lastDay string
}

// New creates a scanner.
func New(cfg *config.Config, mode models.Mode, instruments []models.Instrument,
	store storage.Interface, brk broker.Broker, ticks *market.TickStore,
	cache *indicators.Cache, cooldowns *cooldown.Registry, retrier *retry.Client,
	log *logrus.Logger) *Scanner {
	return &Scanner{
		cfg:         cfg,
		mode:        mode,
		instruments: instruments,
		store:       store,
		brk:         brk,
		ticks:       ticks,
		cache:       cache,
		cooldowns:   cooldowns,
		retrier:     retrier,
		log:         log,
	}
}

// Pause suspends cycles until Resume. Used during mode switches.
func (s *Scanner) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables cycles.
func (s *Scanner) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *Scanner) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetMode swaps the position-store namespace. Callers pause the scanner
// around the swap.
func (s *Scanner) SetMode(mode models.Mode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

func (s *Scanner) currentMode() models.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Run executes cycles on the configured cadence until ctx ends.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ScanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.isPaused() {
				continue
			}
			if err := s.Cycle(ctx, time.Now()); err != nil {
				s.log.WithError(err).Error("scan cycle failed")
			}
		}
	}
}

// Cycle runs one scan: refresh rankings, check ladder progression, then
// fresh entries. At most one position opens.
func (s *Scanner) Cycle(ctx context.Context, now time.Time) error {
	if !s.cfg.IsWithinSession(now) {
		return nil
	}
	if loc, err := s.cfg.Location(); err == nil {
		// First cycle of a new session day: drop the previous day's rank
		// chain so acceleration starts from a fresh baseline.
		if day := now.In(loc).Format("2006-01-02"); day != s.lastDay {
			s.cache.ResetPrev()
			s.lastDay = day
		}
	}
	cycleID := uuid.NewString()[:8]
	log := s.log.WithField("cycle", cycleID)

	snaps := s.refreshRanking(log)
	// Prev-rank commit happens after all entry decisions read this cycle's
	// values.
	defer s.cache.CommitPrev()

	open, err := s.store.OpenTrades(s.currentMode())
	if err != nil {
		return fmt.Errorf("loading open trades: %w", err)
	}

	if placed, err := s.ladderProgression(ctx, log, open); err != nil {
		log.WithError(err).Error("ladder progression failed")
	} else if placed {
		return nil
	}

	return s.freshEntries(ctx, log, snaps, open)
}

// refreshRanking recomputes every symbol's indicator snapshot. Symbols
// without a price or enough history are skipped.
func (s *Scanner) refreshRanking(log *logrus.Entry) map[models.Symbol]indicators.Snapshot {
	snaps := make(map[models.Symbol]indicators.Snapshot, len(s.instruments))
	for _, inst := range s.instruments {
		price, ok := s.ticks.LastPrice(inst.Symbol)
		if !ok {
			continue
		}
		closes15m, err := s.store.Closes(inst.Symbol, models.Timeframe15m, history15m)
		if err != nil {
			log.WithError(err).WithField("symbol", inst.Symbol).Error("loading 15m closes")
			continue
		}
		closesDaily, err := s.store.Closes(inst.Symbol, models.TimeframeDay, historyDaily)
		if err != nil {
			log.WithError(err).WithField("symbol", inst.Symbol).Error("loading daily closes")
			continue
		}

		pf, _ := price.Float64()
		snap, err := s.cache.Update(inst.Symbol, closes15m, closesDaily, pf, time.Now())
		if err != nil {
			if !errors.Is(err, indicators.ErrInsufficientData) {
				log.WithError(err).WithField("symbol", inst.Symbol).Warn("indicator refresh failed")
			}
			continue
		}
		snaps[inst.Symbol] = snap
	}
	return snaps
}

// ladderProgression checks every symbol with open rungs for a P2/P3 add.
// Ladder adds pass the same capacity and cooldown gates as fresh entries.
// Returns true when an entry was placed.
func (s *Scanner) ladderProgression(ctx context.Context, log *logrus.Entry,
	open []*models.Trade) (bool, error) {
	if !s.hasCapacity(open) {
		return false, nil
	}

	bySymbol := make(map[models.Symbol][]*models.Trade)
	for _, t := range open {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	for symbol, rungs := range bySymbol {
		next, ok := s.nextRung(rungs)
		if !ok {
			continue
		}
		policy, err := s.cfg.PolicyFor(next)
		if err != nil {
			return false, err
		}
		price, ok := s.ticks.LastPrice(symbol)
		if !ok {
			continue
		}
		if !s.ladderGatePasses(rungs, next, policy.EntryConditionPct, price) {
			continue
		}
		if !s.cooldowns.AllowEntry(symbol, price) {
			log.WithField("symbol", symbol).Debug("ladder add blocked by cooldown or anti-flip")
			continue
		}

		snap, _ := s.cache.Get(symbol)
		err = s.placeEntry(ctx, log, symbol, next, price, snap.RankGm)
		if errors.Is(err, ErrInsufficientNotional) {
			log.WithField("symbol", symbol).Warn("ladder add skipped, notional too small")
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// nextRung returns the next ladder index for a symbol whose existing rungs
// form a complete, fully-open prefix of {1,2,3}.
func (s *Scanner) nextRung(rungs []*models.Trade) (int, bool) {
	if len(rungs) == 0 || len(rungs) >= 3 {
		return 0, false
	}
	sort.Slice(rungs, func(i, j int) bool {
		return rungs[i].PositionIndex < rungs[j].PositionIndex
	})
	for i, t := range rungs {
		if t.PositionIndex != i+1 {
			return 0, false
		}
		if t.Status != models.StatusOpen {
			// A pending or closing rung blocks progression.
			return 0, false
		}
	}
	return len(rungs) + 1, true
}

// ladderGatePasses applies the P2/P3 entry condition. The P2 gate reads
// P1's pnl; the P3 gate reads the average of P1 and P2. Both are inclusive.
func (s *Scanner) ladderGatePasses(rungs []*models.Trade, next int,
	thresholdPct float64, price decimal.Decimal) bool {
	switch next {
	case 2:
		return rungs[0].PnLPct(price) >= thresholdPct
	case 3:
		avg := (rungs[0].PnLPct(price) + rungs[1].PnLPct(price)) / 2
		return avg >= thresholdPct
	default:
		return false
	}
}

// hasCapacity applies the position-count and free-capital gates shared by
// ladder adds and fresh entries.
func (s *Scanner) hasCapacity(open []*models.Trade) bool {
	if len(open) >= s.cfg.Capital.MaxPositions {
		return false
	}
	committed := decimal.Zero
	for _, t := range open {
		committed = committed.Add(t.EntryPrice.Mul(decimal.NewFromInt(t.Qty)))
	}
	free := decimal.NewFromFloat(s.cfg.Capital.Total).Sub(committed)
	return free.GreaterThanOrEqual(decimal.NewFromFloat(s.cfg.Capital.PerPosition))
}

// freshEntries opens P1 on the best-ranked candidate that clears every gate.
func (s *Scanner) freshEntries(ctx context.Context, log *logrus.Entry,
	snaps map[models.Symbol]indicators.Snapshot, open []*models.Trade) error {
	if !s.hasCapacity(open) {
		return nil
	}
	held := make(map[models.Symbol]bool, len(open))
	for _, t := range open {
		held[t.Symbol] = true
	}

	type candidate struct {
		symbol models.Symbol
		snap   indicators.Snapshot
	}
	var candidates []candidate
	for symbol, snap := range snaps {
		if held[symbol] {
			continue
		}
		// Strictly greater: a rank exactly at the threshold does not enter.
		if snap.RankFinal > s.cfg.Scanner.MinRankFinal {
			candidates = append(candidates, candidate{symbol: symbol, snap: snap})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].snap.RankFinal > candidates[j].snap.RankFinal
	})

	for _, c := range candidates {
		price, ok := s.ticks.LastPrice(c.symbol)
		if !ok {
			continue
		}
		if !s.cooldowns.AllowEntry(c.symbol, price) {
			log.WithField("symbol", c.symbol).Debug("entry blocked by cooldown or anti-flip")
			continue
		}

		err := s.placeEntry(ctx, log, c.symbol, 1, price, c.snap.RankGm)
		if errors.Is(err, ErrInsufficientNotional) {
			log.WithField("symbol", c.symbol).Warn("entry skipped, notional too small")
			continue
		}
		if err != nil {
			return err
		}
		// Single entry per cycle.
		return nil
	}
	return nil
}

// sizeQty computes lots-aligned quantity for capitalPerPosition at price.
func (s *Scanner) sizeQty(symbol models.Symbol, price decimal.Decimal) int64 {
	var lot int64 = 1
	for _, inst := range s.instruments {
		if inst.Symbol == symbol {
			lot = inst.LotSize
			break
		}
	}
	raw := decimal.NewFromFloat(s.cfg.Capital.PerPosition).Div(price).IntPart()
	return raw / lot * lot
}

// placeEntry runs the entry protocol: market BUY, then a pending trade that
// the order event router activates on fill.
func (s *Scanner) placeEntry(ctx context.Context, log *logrus.Entry,
	symbol models.Symbol, index int, price decimal.Decimal, rankGm float64) error {
	qty := s.sizeQty(symbol, price)
	if qty == 0 {
		return fmt.Errorf("%s at %s: %w", symbol, price, ErrInsufficientNotional)
	}
	policy, err := s.cfg.PolicyFor(index)
	if err != nil {
		return err
	}

	var orderID string
	err = s.retrier.Do(ctx, "placeMarketOrder", func(ctx context.Context) error {
		var placeErr error
		orderID, placeErr = s.brk.PlaceMarketOrder(ctx, symbol, models.SideBuy, qty)
		return placeErr
	})
	if err != nil {
		metrics.OrdersPlaced.WithLabelValues(string(models.SideBuy), "error").Inc()
		return fmt.Errorf("entry order for %s: %w", symbol, err)
	}
	metrics.OrdersPlaced.WithLabelValues(string(models.SideBuy), "ok").Inc()

	trade := models.NewTrade(symbol, index, s.currentMode(), price, qty)
	trade.OrderID = orderID
	trade.StopLossPct = policy.StopLossPct
	trade.TargetPct = policy.TargetPct
	trade.TrailPct = policy.TrailPct
	trade.RankGmAtEntry = rankGm
	if err := s.store.CreateTrade(trade); err != nil {
		return fmt.Errorf("persisting pending trade for %s: %w", symbol, err)
	}

	log.WithFields(logrus.Fields{
		"symbol":   symbol,
		"index":    index,
		"qty":      qty,
		"price":    price.String(),
		"order_id": orderID,
	}).Info("entry placed")
	return nil
}
