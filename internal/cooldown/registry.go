// Package cooldown blocks symbol reentry for a window after an exit and
// enforces the anti-flip price gate. State is memory-only and lost on
// restart.
package cooldown

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/psanghavi/ladderbot/internal/models"
)

type entry struct {
	lastExitTS    time.Time
	lastExitPrice decimal.Decimal
}

// Registry tracks the last exit per symbol.
type Registry struct {
	window      time.Duration
	antiFlipPct float64

	mu      sync.Mutex
	entries map[models.Symbol]entry
	now     func() time.Time
}

// NewRegistry creates a registry with the given cooldown window and
// anti-flip percentage (0.25 means reentry needs price >= lastExit * 1.0025).
func NewRegistry(window time.Duration, antiFlipPct float64) *Registry {
	return &Registry{
		window:      window,
		antiFlipPct: antiFlipPct,
		entries:     make(map[models.Symbol]entry),
		now:         time.Now,
	}
}

// Record notes an exit. Later exits overwrite earlier ones.
func (r *Registry) Record(symbol models.Symbol, exitPrice decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[models.NormalizeSymbol(symbol)] = entry{
		lastExitTS:    r.now(),
		lastExitPrice: exitPrice,
	}
}

// InCooldown reports whether symbol is still inside the cooldown window and
// how long remains.
func (r *Registry) InCooldown(symbol models.Symbol) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[models.NormalizeSymbol(symbol)]
	if !ok {
		return false, 0
	}
	remaining := r.window - r.now().Sub(e.lastExitTS)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// AllowEntry applies both gates: the cooldown window must have elapsed and,
// when a prior exit exists, price must clear lastExitPrice * (1 + antiFlipPct/100).
func (r *Registry) AllowEntry(symbol models.Symbol, price decimal.Decimal) bool {
	symbol = models.NormalizeSymbol(symbol)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[symbol]
	if !ok {
		return true
	}
	if r.now().Sub(e.lastExitTS) < r.window {
		return false
	}
	factor := decimal.NewFromFloat(1 + r.antiFlipPct/100)
	return price.GreaterThanOrEqual(e.lastExitPrice.Mul(factor))
}

// LastExitPrice returns the recorded exit price for symbol, if any.
func (r *Registry) LastExitPrice(symbol models.Symbol) (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[models.NormalizeSymbol(symbol)]
	return e.lastExitPrice, ok
}
