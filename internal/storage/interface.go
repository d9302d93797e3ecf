// Package storage persists trades and candles behind a narrow interface so
// the engine and the operator commands share one contract.
package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/psanghavi/ladderbot/internal/models"
)

// Stats summarizes closed-trade performance for one mode.
type Stats struct {
	TotalTrades int             `db:"total_trades"`
	Wins        int             `db:"wins"`
	Losses      int             `db:"losses"`
	TotalPnL    decimal.Decimal `db:"total_pnl"`
	WinRate     float64
}

// Interface is the persistence contract. Trades are namespaced by mode so a
// paper session never touches live rows. All writes are single-row
// transactions.
type Interface interface {
	// CreateTrade inserts a new trade and assigns its ID.
	CreateTrade(t *models.Trade) error

	// UpdateTrade rewrites the mutable columns of an existing trade.
	UpdateTrade(t *models.Trade) error

	// UpdateStop atomically records a new stop price and, when gttID is
	// non-empty, swaps the trade's conditional order id in the same write.
	UpdateStop(id int64, stop decimal.Decimal, gttID string) error

	// TradeByID fetches one trade.
	TradeByID(id int64) (*models.Trade, error)

	// OpenTrades returns all non-terminal trades for mode, ordered by
	// symbol then position index.
	OpenTrades(mode models.Mode) ([]*models.Trade, error)

	// OpenBySymbol returns the non-terminal rungs for one symbol.
	OpenBySymbol(mode models.Mode, symbol models.Symbol) ([]*models.Trade, error)

	// TradeByOrderID finds the active trade whose entry order matches.
	// Returns nil when no match exists.
	TradeByOrderID(mode models.Mode, orderID string) (*models.Trade, error)

	// TradeByGTTID finds the active trade protected by the given GTT.
	// Returns nil when no match exists.
	TradeByGTTID(mode models.Mode, gttID string) (*models.Trade, error)

	// UpsertCandle inserts or replaces a bar keyed on
	// (timeframe, symbol, bar start).
	UpsertCandle(c *models.Candle) error

	// Closes returns up to limit most recent close prices for a symbol and
	// timeframe, oldest first.
	Closes(symbol models.Symbol, tf models.Timeframe, limit int) ([]float64, error)

	// ClosedTrades returns terminal trades for mode since the given time.
	ClosedTrades(mode models.Mode, since time.Time) ([]*models.Trade, error)

	// Statistics aggregates closed-trade performance for mode.
	Statistics(mode models.Mode) (*Stats, error)

	// Close releases the underlying database handle.
	Close() error
}
