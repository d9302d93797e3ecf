// Package indicators maintains per-symbol technical indicator snapshots and
// the geometric-mean momentum rank used by the entry scanner.
package indicators

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/psanghavi/ladderbot/internal/models"
)

// Rolling window lengths.
const (
	Sma15mFastPeriod = 50
	Sma15mSlowPeriod = 200
	SmaDailyFast     = 20
	SmaDailySlow     = 50
	RsiPeriod        = 14
)

// ErrInsufficientData means the candle history is too short for the rank
// inputs (fast 15m SMA and fast daily SMA).
var ErrInsufficientData = errors.New("insufficient candle history")

// Snapshot is one symbol's indicator state. Consumers always read a full
// copy, never a live reference.
type Snapshot struct {
	Sma15mFast float64 // 50-bar SMA of 15m closes
	Sma15mSlow float64 // 200-bar SMA of 15m closes; 0 until enough history
	SmaDaily20 float64
	SmaDaily50 float64 // 0 until enough history
	Rsi15m     float64 // 0 until enough history

	RankGm     float64
	RankGmPrev float64
	Accel      float64
	RankFinal  float64
	UpdatedAt  time.Time
}

// Cache holds the latest snapshot per symbol. RankGmPrev chains across
// updates within the process and resets on restart.
type Cache struct {
	accelWeight float64

	mu       sync.RWMutex
	bySymbol map[models.Symbol]Snapshot
	prevRank map[models.Symbol]float64
}

// NewCache creates a cache with the given acceleration weight.
func NewCache(accelWeight float64) *Cache {
	return &Cache{
		accelWeight: accelWeight,
		bySymbol:    make(map[models.Symbol]Snapshot),
		prevRank:    make(map[models.Symbol]float64),
	}
}

// rankGm is the geometric-mean momentum score of two percentage deviations.
func rankGm(pct15m, pctDaily float64) float64 {
	g1 := 1 + pct15m/100
	g2 := 1 + pctDaily/100
	prod := g1 * g2
	if prod <= 0 {
		// Deviations beyond -100% have no geometric meaning; saturate.
		return -100
	}
	return (math.Sqrt(prod) - 1) * 100
}

func pctVs(price, sma float64) float64 {
	return (price - sma) / sma * 100
}

// Update recomputes symbol's snapshot from candle close history and the
// latest price. closes15m and closesDaily are oldest-first.
func (c *Cache) Update(symbol models.Symbol, closes15m, closesDaily []float64,
	lastPrice float64, now time.Time) (Snapshot, error) {
	symbol = models.NormalizeSymbol(symbol)
	if lastPrice <= 0 {
		return Snapshot{}, fmt.Errorf("%s: non-positive price", symbol)
	}
	if len(closes15m) < Sma15mFastPeriod || len(closesDaily) < SmaDailyFast {
		return Snapshot{}, fmt.Errorf("%s: %w (15m=%d daily=%d)",
			symbol, ErrInsufficientData, len(closes15m), len(closesDaily))
	}

	snap := Snapshot{
		Sma15mFast: last(talib.Sma(closes15m, Sma15mFastPeriod)),
		SmaDaily20: last(talib.Sma(closesDaily, SmaDailyFast)),
		UpdatedAt:  now,
	}
	if len(closes15m) >= Sma15mSlowPeriod {
		snap.Sma15mSlow = last(talib.Sma(closes15m, Sma15mSlowPeriod))
	}
	if len(closesDaily) >= SmaDailySlow {
		snap.SmaDaily50 = last(talib.Sma(closesDaily, SmaDailySlow))
	}
	if len(closes15m) > RsiPeriod {
		snap.Rsi15m = last(talib.Rsi(closes15m, RsiPeriod))
	}

	snap.RankGm = rankGm(pctVs(lastPrice, snap.Sma15mFast), pctVs(lastPrice, snap.SmaDaily20))

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.prevRank[symbol]; ok {
		snap.RankGmPrev = prev
		snap.Accel = snap.RankGm - prev
	}
	snap.RankFinal = snap.RankGm + c.accelWeight*snap.Accel
	c.bySymbol[symbol] = snap
	return snap, nil
}

// CommitPrev records each symbol's current RankGm as next cycle's RankGmPrev.
// Called once at the end of a scan cycle, after all entry decisions.
func (c *Cache) CommitPrev() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sym, snap := range c.bySymbol {
		c.prevRank[sym] = snap.RankGm
	}
}

// ResetPrev drops the rank chain so the next update carries no acceleration
// baseline. Called on the first in-session cycle of a new day.
func (c *Cache) ResetPrev() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prevRank = make(map[models.Symbol]float64)
}

// Get returns the latest snapshot for symbol.
func (c *Cache) Get(symbol models.Symbol) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.bySymbol[models.NormalizeSymbol(symbol)]
	return snap, ok
}

func last(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	return vals[len(vals)-1]
}
