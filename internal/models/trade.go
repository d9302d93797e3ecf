package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects the position-store namespace and whether live broker calls
// are issued.
type Mode string

const (
	// ModePaper simulates fills against the tick store.
	ModePaper Mode = "paper"
	// ModeLive routes orders to the real broker.
	ModeLive Mode = "live"
)

// Valid reports whether m is a recognized mode.
func (m Mode) Valid() bool { return m == ModePaper || m == ModeLive }

// Side is the direction of a market order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is one rung of the position ladder (P1..P3) on a symbol.
//
// Immutable after creation: Symbol, PositionIndex, Mode, EntryTS, Qty and the
// percentage policy captured from configuration. EntryPrice starts as the
// last-price estimate and is rewritten once with the filled price.
type Trade struct {
	ID            int64       `db:"id" json:"id"`
	Symbol        Symbol      `db:"symbol" json:"symbol"`
	PositionIndex int         `db:"position_index" json:"position_index"` // 1..3
	Mode          Mode        `db:"mode" json:"mode"`
	Status        TradeStatus `db:"status" json:"status"`

	EntryTS    time.Time       `db:"entry_ts" json:"entry_ts"`
	EntryPrice decimal.Decimal `db:"entry_price" json:"entry_price"`
	Qty        int64           `db:"qty" json:"qty"`

	// Policy captured at entry so later config changes never move a live stop.
	StopLossPct   float64 `db:"stop_loss_pct" json:"stop_loss_pct"`
	TargetPct     float64 `db:"target_pct" json:"target_pct"` // 0 for runners
	TrailPct      float64 `db:"trail_pct" json:"trail_pct"`
	RankGmAtEntry float64 `db:"rank_gm_at_entry" json:"rank_gm_at_entry"`

	HighestSinceEntry  decimal.Decimal `db:"highest_since_entry" json:"highest_since_entry"`
	CurrentStopPrice   decimal.Decimal `db:"current_stop_price" json:"current_stop_price"`
	CurrentTargetPrice decimal.Decimal `db:"current_target_price" json:"current_target_price"` // zero for runners

	OrderID               string `db:"order_id" json:"order_id"`
	GTTID                 string `db:"gtt_id" json:"gtt_id"`
	ProtectionCompromised bool   `db:"protection_compromised" json:"protection_compromised"`

	ExitTS      time.Time       `db:"exit_ts" json:"exit_ts"`
	ExitPrice   decimal.Decimal `db:"exit_price" json:"exit_price"`
	RealizedPnL decimal.Decimal `db:"realized_pnl" json:"realized_pnl"`
}

// NewTrade creates a pending trade for one ladder rung.
func NewTrade(symbol Symbol, index int, mode Mode, entryPrice decimal.Decimal, qty int64) *Trade {
	return &Trade{
		Symbol:            NormalizeSymbol(symbol),
		PositionIndex:     index,
		Mode:              mode,
		Status:            StatusPending,
		EntryTS:           time.Now().UTC(),
		EntryPrice:        entryPrice,
		HighestSinceEntry: entryPrice,
		Qty:               qty,
	}
}

// Transition moves the trade to a new status, enforcing the lifecycle table.
func (t *Trade) Transition(to TradeStatus, condition string) error {
	if err := ValidateTransition(t.Status, to, condition); err != nil {
		return fmt.Errorf("trade %d: %w", t.ID, err)
	}
	t.Status = to
	if to == StatusClosed && t.ExitTS.IsZero() {
		t.ExitTS = time.Now().UTC()
	}
	return nil
}

// PnLPct returns the unrealized percentage move from entry at the given price.
func (t *Trade) PnLPct(last decimal.Decimal) float64 {
	if t.EntryPrice.Sign() <= 0 {
		return 0
	}
	pct, _ := last.Sub(t.EntryPrice).Div(t.EntryPrice).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// IsRunner reports whether the trade has no fixed target (P2/P3 rungs).
func (t *Trade) IsRunner() bool { return t.TargetPct == 0 }

// ObserveHigh folds a price into the trade's tracked high. Returns true if
// the high advanced. Invariant: HighestSinceEntry >= EntryPrice.
func (t *Trade) ObserveHigh(price decimal.Decimal) bool {
	if price.GreaterThan(t.HighestSinceEntry) {
		t.HighestSinceEntry = price
		return true
	}
	return false
}

// RealizedPnLAt computes qty * (exit - entry).
func (t *Trade) RealizedPnLAt(exit decimal.Decimal) decimal.Decimal {
	return exit.Sub(t.EntryPrice).Mul(decimal.NewFromInt(t.Qty))
}

// ConditionalKind discriminates single-leg from two-leg conditional orders.
type ConditionalKind string

const (
	// KindStopOnly protects runner rungs (P2/P3).
	KindStopOnly ConditionalKind = "stop_only"
	// KindStopAndTarget is the two-leg OCO used for P1.
	KindStopAndTarget ConditionalKind = "stop_and_target"
)

// ConditionalStatus is the broker-side state of a conditional order.
type ConditionalStatus string

const (
	ConditionalActive    ConditionalStatus = "active"
	ConditionalTriggered ConditionalStatus = "triggered"
	ConditionalCancelled ConditionalStatus = "cancelled"
	ConditionalStale     ConditionalStatus = "stale"
)

// ConditionalOrder mirrors the broker's GTT record for an open trade.
// Identity is the broker-assigned GTTID.
type ConditionalOrder struct {
	GTTID         string            `json:"gtt_id"`
	Symbol        Symbol            `json:"symbol"`
	Kind          ConditionalKind   `json:"kind"`
	TriggerStop   decimal.Decimal   `json:"trigger_stop"`
	TriggerTarget decimal.Decimal   `json:"trigger_target"` // zero when KindStopOnly
	Qty           int64             `json:"qty"`
	Status        ConditionalStatus `json:"status"`
	LastModified  time.Time         `json:"last_modified"`
}
