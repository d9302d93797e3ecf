package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is the canonical textual instrument identifier (tradingsymbol).
// All engine maps are keyed by the normalized form.
type Symbol = string

// NormalizeSymbol converts an arbitrary symbol string to canonical form.
func NormalizeSymbol(s string) Symbol {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Instrument maps a tradingsymbol to the broker's integer token plus the
// exchange metadata needed for order sizing and price rounding. The mapping
// is loaded once at startup and immutable for the process lifetime.
type Instrument struct {
	Symbol   Symbol          `json:"symbol"`
	Token    uint32          `json:"token"`
	TickSize decimal.Decimal `json:"tick_size"`
	LotSize  int64           `json:"lot_size"`
}

// Tick is the latest traded price for an instrument. Lossy: only the most
// recent tick per token is retained by the tick store.
type Tick struct {
	Token     uint32
	LastPrice decimal.Decimal
	Volume    int64 // cumulative day volume as reported by the feed
	TS        time.Time
}

// Timeframe identifies a candle interval.
type Timeframe string

const (
	// Timeframe15m is the primary intraday aggregation interval.
	Timeframe15m Timeframe = "15m"
	// TimeframeDay is the daily aggregation interval.
	TimeframeDay Timeframe = "day"
)

// Duration returns the bar length for the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe15m:
		return 15 * time.Minute
	case TimeframeDay:
		return 24 * time.Hour
	default:
		return 15 * time.Minute
	}
}

// Floor returns the start of the bar containing ts. A tick at exactly the
// boundary belongs to the new bar.
func (tf Timeframe) Floor(ts time.Time) time.Time {
	return ts.Truncate(tf.Duration())
}

// Candle is a fixed-interval OHLCV bar. Accumulated monotonically within a
// bar and frozen at the boundary.
type Candle struct {
	Symbol    Symbol          `db:"symbol" json:"symbol"`
	Timeframe Timeframe       `db:"timeframe" json:"timeframe"`
	Start     time.Time       `db:"bar_start" json:"bar_start"`
	Open      decimal.Decimal `db:"open" json:"open"`
	High      decimal.Decimal `db:"high" json:"high"`
	Low       decimal.Decimal `db:"low" json:"low"`
	Close     decimal.Decimal `db:"close" json:"close"`
	Volume    int64           `db:"volume" json:"volume"`
}

// NewCandle opens a bar from its first tick.
func NewCandle(symbol Symbol, tf Timeframe, start time.Time, price decimal.Decimal, dvol int64) *Candle {
	return &Candle{
		Symbol:    symbol,
		Timeframe: tf,
		Start:     start,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    dvol,
	}
}

// Apply folds a tick into the bar.
func (c *Candle) Apply(price decimal.Decimal, dvol int64) {
	c.Close = price
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Volume += dvol
}
