// Package market maintains live market state: the latest tick per instrument
// and fixed-interval candle aggregation.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/psanghavi/ladderbot/internal/metrics"
	"github.com/psanghavi/ladderbot/internal/models"
)

// staleWindow is how far behind the last seen timestamp a tick may lag
// before it is dropped.
const staleWindow = 2 * time.Minute

// TickStore holds the most recent tick per instrument token. Lossy by
// design: readers only ever need the latest price.
type TickStore struct {
	mu       sync.RWMutex
	byToken  map[uint32]models.Tick
	symbols  map[uint32]models.Symbol
	bySymbol map[models.Symbol]uint32
	log      *logrus.Logger
}

// NewTickStore creates a store keyed by the instrument universe.
func NewTickStore(instruments []models.Instrument, log *logrus.Logger) *TickStore {
	symbols := make(map[uint32]models.Symbol, len(instruments))
	bySymbol := make(map[models.Symbol]uint32, len(instruments))
	for _, inst := range instruments {
		symbols[inst.Token] = inst.Symbol
		bySymbol[inst.Symbol] = inst.Token
	}
	return &TickStore{
		byToken:  make(map[uint32]models.Tick, len(instruments)),
		symbols:  symbols,
		bySymbol: bySymbol,
		log:      log,
	}
}

// Update folds a tick into the store. Returns false when the tick was
// dropped: unknown token, or timestamp more than staleWindow behind the
// last accepted tick for that token.
func (s *TickStore) Update(tick models.Tick) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.symbols[tick.Token]; !ok {
		return false
	}
	if last, ok := s.byToken[tick.Token]; ok && tick.TS.Before(last.TS.Add(-staleWindow)) {
		metrics.StaleTicks.Inc()
		s.log.WithFields(logrus.Fields{
			"token":   tick.Token,
			"tick_ts": tick.TS,
			"last_ts": last.TS,
		}).Debug("dropping stale tick")
		return false
	}
	s.byToken[tick.Token] = tick
	return true
}

// Latest returns the last accepted tick for a token.
func (s *TickStore) Latest(token uint32) (models.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byToken[token]
	return t, ok
}

// LastPrice returns the latest price for a symbol. Implements the broker
// package's PriceSource.
func (s *TickStore) LastPrice(symbol models.Symbol) (decimal.Decimal, bool) {
	symbol = models.NormalizeSymbol(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.bySymbol[symbol]
	if !ok {
		return decimal.Decimal{}, false
	}
	t, ok := s.byToken[token]
	if !ok {
		return decimal.Decimal{}, false
	}
	return t.LastPrice, true
}

// Symbol resolves an instrument token to its tradingsymbol.
func (s *TickStore) Symbol(token uint32) (models.Symbol, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sym, ok := s.symbols[token]
	return sym, ok
}

// Snapshot returns the latest price per symbol for every token with data.
func (s *TickStore) Snapshot() map[models.Symbol]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.Symbol]decimal.Decimal, len(s.byToken))
	for token, tick := range s.byToken {
		out[s.symbols[token]] = tick.LastPrice
	}
	return out
}
