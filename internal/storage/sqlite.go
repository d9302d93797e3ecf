package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/shopspring/decimal"

	"github.com/psanghavi/ladderbot/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	mode                   TEXT NOT NULL,
	symbol                 TEXT NOT NULL,
	position_index         INTEGER NOT NULL,
	status                 TEXT NOT NULL,
	entry_ts               DATETIME NOT NULL,
	entry_price            TEXT NOT NULL,
	qty                    INTEGER NOT NULL,
	stop_loss_pct          REAL NOT NULL DEFAULT 0,
	target_pct             REAL NOT NULL DEFAULT 0,
	trail_pct              REAL NOT NULL DEFAULT 0,
	rank_gm_at_entry       REAL NOT NULL DEFAULT 0,
	highest_since_entry    TEXT NOT NULL DEFAULT '0',
	current_stop_price     TEXT NOT NULL DEFAULT '0',
	current_target_price   TEXT NOT NULL DEFAULT '0',
	order_id               TEXT NOT NULL DEFAULT '',
	gtt_id                 TEXT NOT NULL DEFAULT '',
	protection_compromised INTEGER NOT NULL DEFAULT 0,
	exit_ts                DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00+00:00',
	exit_price             TEXT NOT NULL DEFAULT '0',
	realized_pnl           TEXT NOT NULL DEFAULT '0'
);
CREATE INDEX IF NOT EXISTS idx_trades_mode_status ON trades(mode, status);
CREATE INDEX IF NOT EXISTS idx_trades_mode_order ON trades(mode, order_id);
CREATE INDEX IF NOT EXISTS idx_trades_mode_gtt ON trades(mode, gtt_id);

CREATE TABLE IF NOT EXISTS candles (
	timeframe TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	bar_start DATETIME NOT NULL,
	open      TEXT NOT NULL,
	high      TEXT NOT NULL,
	low       TEXT NOT NULL,
	close     TEXT NOT NULL,
	volume    INTEGER NOT NULL,
	PRIMARY KEY (timeframe, symbol, bar_start)
);
`

const activeStatuses = `('pending', 'open', 'closing')`

// SQLiteStorage implements Interface on a local sqlite database.
type SQLiteStorage struct {
	db *sqlx.DB
}

// Ensure SQLiteStorage implements Interface at compile time.
var _ Interface = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (creating if needed) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_fk=1", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time keeps sqlite happy under concurrent goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// CreateTrade inserts a new trade and assigns its ID.
func (s *SQLiteStorage) CreateTrade(t *models.Trade) error {
	res, err := s.db.NamedExec(`
		INSERT INTO trades (
			mode, symbol, position_index, status, entry_ts, entry_price, qty,
			stop_loss_pct, target_pct, trail_pct, rank_gm_at_entry,
			highest_since_entry, current_stop_price, current_target_price,
			order_id, gtt_id, protection_compromised,
			exit_ts, exit_price, realized_pnl
		) VALUES (
			:mode, :symbol, :position_index, :status, :entry_ts, :entry_price, :qty,
			:stop_loss_pct, :target_pct, :trail_pct, :rank_gm_at_entry,
			:highest_since_entry, :current_stop_price, :current_target_price,
			:order_id, :gtt_id, :protection_compromised,
			:exit_ts, :exit_price, :realized_pnl
		)`, t)
	if err != nil {
		return fmt.Errorf("inserting trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading trade id: %w", err)
	}
	t.ID = id
	return nil
}

// UpdateTrade rewrites the mutable columns of an existing trade.
func (s *SQLiteStorage) UpdateTrade(t *models.Trade) error {
	if t.ID == 0 {
		return errors.New("trade has no id")
	}
	res, err := s.db.NamedExec(`
		UPDATE trades SET
			status = :status,
			entry_price = :entry_price,
			highest_since_entry = :highest_since_entry,
			current_stop_price = :current_stop_price,
			current_target_price = :current_target_price,
			order_id = :order_id,
			gtt_id = :gtt_id,
			protection_compromised = :protection_compromised,
			exit_ts = :exit_ts,
			exit_price = :exit_price,
			realized_pnl = :realized_pnl
		WHERE id = :id`, t)
	if err != nil {
		return fmt.Errorf("updating trade %d: %w", t.ID, err)
	}
	return requireOneRow(res, t.ID)
}

// UpdateStop atomically records a new stop and optional GTT id swap.
func (s *SQLiteStorage) UpdateStop(id int64, stop decimal.Decimal, gttID string) error {
	var res sql.Result
	var err error
	if gttID == "" {
		res, err = s.db.Exec(
			`UPDATE trades SET current_stop_price = ? WHERE id = ?`, stop, id)
	} else {
		res, err = s.db.Exec(
			`UPDATE trades SET current_stop_price = ?, gtt_id = ? WHERE id = ?`, stop, gttID, id)
	}
	if err != nil {
		return fmt.Errorf("updating stop for trade %d: %w", id, err)
	}
	return requireOneRow(res, id)
}

// TradeByID fetches one trade.
func (s *SQLiteStorage) TradeByID(id int64) (*models.Trade, error) {
	var t models.Trade
	if err := s.db.Get(&t, `SELECT * FROM trades WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("loading trade %d: %w", id, err)
	}
	return &t, nil
}

// OpenTrades returns all non-terminal trades for mode.
func (s *SQLiteStorage) OpenTrades(mode models.Mode) ([]*models.Trade, error) {
	var out []*models.Trade
	err := s.db.Select(&out, `
		SELECT * FROM trades
		WHERE mode = ? AND status IN `+activeStatuses+`
		ORDER BY symbol, position_index`, mode)
	if err != nil {
		return nil, fmt.Errorf("loading open trades: %w", err)
	}
	return out, nil
}

// OpenBySymbol returns the non-terminal rungs for one symbol.
func (s *SQLiteStorage) OpenBySymbol(mode models.Mode, symbol models.Symbol) ([]*models.Trade, error) {
	var out []*models.Trade
	err := s.db.Select(&out, `
		SELECT * FROM trades
		WHERE mode = ? AND symbol = ? AND status IN `+activeStatuses+`
		ORDER BY position_index`, mode, models.NormalizeSymbol(symbol))
	if err != nil {
		return nil, fmt.Errorf("loading open trades for %s: %w", symbol, err)
	}
	return out, nil
}

// TradeByOrderID finds the active trade whose entry order matches.
func (s *SQLiteStorage) TradeByOrderID(mode models.Mode, orderID string) (*models.Trade, error) {
	return s.findActive(mode, "order_id", orderID)
}

// TradeByGTTID finds the active trade protected by the given GTT.
func (s *SQLiteStorage) TradeByGTTID(mode models.Mode, gttID string) (*models.Trade, error) {
	return s.findActive(mode, "gtt_id", gttID)
}

func (s *SQLiteStorage) findActive(mode models.Mode, column, value string) (*models.Trade, error) {
	if value == "" {
		return nil, nil
	}
	var t models.Trade
	err := s.db.Get(&t, `
		SELECT * FROM trades
		WHERE mode = ? AND `+column+` = ? AND status IN `+activeStatuses+`
		LIMIT 1`, mode, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up trade by %s: %w", column, err)
	}
	return &t, nil
}

// UpsertCandle inserts or replaces a bar.
func (s *SQLiteStorage) UpsertCandle(c *models.Candle) error {
	_, err := s.db.NamedExec(`
		INSERT INTO candles (timeframe, symbol, bar_start, open, high, low, close, volume)
		VALUES (:timeframe, :symbol, :bar_start, :open, :high, :low, :close, :volume)
		ON CONFLICT (timeframe, symbol, bar_start) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume`, c)
	if err != nil {
		return fmt.Errorf("upserting candle %s/%s: %w", c.Symbol, c.Timeframe, err)
	}
	return nil
}

// Closes returns up to limit most recent closes, oldest first.
func (s *SQLiteStorage) Closes(symbol models.Symbol, tf models.Timeframe, limit int) ([]float64, error) {
	var raw []string
	err := s.db.Select(&raw, `
		SELECT close FROM candles
		WHERE timeframe = ? AND symbol = ?
		ORDER BY bar_start DESC LIMIT ?`, tf, models.NormalizeSymbol(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("loading closes for %s: %w", symbol, err)
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("bad close %q: %w", v, err)
		}
		// Reverse into oldest-first order.
		out[len(raw)-1-i], _ = d.Float64()
	}
	return out, nil
}

// ClosedTrades returns terminal trades for mode since the given time.
func (s *SQLiteStorage) ClosedTrades(mode models.Mode, since time.Time) ([]*models.Trade, error) {
	var out []*models.Trade
	err := s.db.Select(&out, `
		SELECT * FROM trades
		WHERE mode = ? AND status IN ('closed', 'failed') AND exit_ts >= ?
		ORDER BY exit_ts`, mode, since)
	if err != nil {
		return nil, fmt.Errorf("loading closed trades: %w", err)
	}
	return out, nil
}

// Statistics aggregates closed-trade performance.
func (s *SQLiteStorage) Statistics(mode models.Mode) (*Stats, error) {
	var row struct {
		TotalTrades int    `db:"total_trades"`
		Wins        int    `db:"wins"`
		Losses      int    `db:"losses"`
		TotalPnL    string `db:"total_pnl"`
	}
	err := s.db.Get(&row, `
		SELECT
			COUNT(*) AS total_trades,
			COALESCE(SUM(CASE WHEN CAST(realized_pnl AS REAL) > 0 THEN 1 ELSE 0 END), 0) AS wins,
			COALESCE(SUM(CASE WHEN CAST(realized_pnl AS REAL) < 0 THEN 1 ELSE 0 END), 0) AS losses,
			COALESCE(CAST(SUM(CAST(realized_pnl AS REAL)) AS TEXT), '0') AS total_pnl
		FROM trades
		WHERE mode = ? AND status = 'closed'`, mode)
	if err != nil {
		return nil, fmt.Errorf("computing statistics: %w", err)
	}

	pnl, err := decimal.NewFromString(row.TotalPnL)
	if err != nil {
		return nil, fmt.Errorf("bad pnl aggregate %q: %w", row.TotalPnL, err)
	}
	stats := &Stats{
		TotalTrades: row.TotalTrades,
		Wins:        row.Wins,
		Losses:      row.Losses,
		TotalPnL:    pnl,
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)
	}
	return stats, nil
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error { return s.db.Close() }

func requireOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("trade %d not found", id)
	}
	return nil
}
