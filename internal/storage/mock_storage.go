package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/psanghavi/ladderbot/internal/models"
)

// MockStorage is an in-memory Interface for tests. Error hooks override the
// default success behavior per method.
type MockStorage struct {
	mu     sync.Mutex
	nextID int64
	trades map[int64]*models.Trade
	closes map[string][]float64 // symbol/timeframe -> oldest-first closes

	CreateErr     error
	UpdateErr     error
	UpdateStopErr error
}

// Ensure MockStorage implements Interface at compile time.
var _ Interface = (*MockStorage)(nil)

// NewMockStorage creates an empty mock.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		trades: make(map[int64]*models.Trade),
		closes: make(map[string][]float64),
	}
}

// SetCloses seeds the close history served by Closes.
func (m *MockStorage) SetCloses(symbol models.Symbol, tf models.Timeframe, closes []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes[closesKey(symbol, tf)] = closes
}

func closesKey(symbol models.Symbol, tf models.Timeframe) string {
	return string(models.NormalizeSymbol(symbol)) + "/" + string(tf)
}

func (m *MockStorage) CreateTrade(t *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.nextID++
	t.ID = m.nextID
	cp := *t
	m.trades[t.ID] = &cp
	return nil
}

func (m *MockStorage) UpdateTrade(t *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	if _, ok := m.trades[t.ID]; !ok {
		return fmt.Errorf("trade %d not found", t.ID)
	}
	cp := *t
	m.trades[t.ID] = &cp
	return nil
}

func (m *MockStorage) UpdateStop(id int64, stop decimal.Decimal, gttID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateStopErr != nil {
		return m.UpdateStopErr
	}
	t, ok := m.trades[id]
	if !ok {
		return fmt.Errorf("trade %d not found", id)
	}
	t.CurrentStopPrice = stop
	if gttID != "" {
		t.GTTID = gttID
	}
	return nil
}

func (m *MockStorage) TradeByID(id int64) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %d not found", id)
	}
	cp := *t
	return &cp, nil
}

func (m *MockStorage) OpenTrades(mode models.Mode) ([]*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Trade
	for _, t := range m.trades {
		if t.Mode == mode && t.Status.IsActive() {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].PositionIndex < out[j].PositionIndex
	})
	return out, nil
}

func (m *MockStorage) OpenBySymbol(mode models.Mode, symbol models.Symbol) ([]*models.Trade, error) {
	all, err := m.OpenTrades(mode)
	if err != nil {
		return nil, err
	}
	symbol = models.NormalizeSymbol(symbol)
	var out []*models.Trade
	for _, t := range all {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MockStorage) TradeByOrderID(mode models.Mode, orderID string) (*models.Trade, error) {
	return m.findActive(mode, func(t *models.Trade) bool { return t.OrderID == orderID })
}

func (m *MockStorage) TradeByGTTID(mode models.Mode, gttID string) (*models.Trade, error) {
	return m.findActive(mode, func(t *models.Trade) bool { return t.GTTID == gttID })
}

func (m *MockStorage) findActive(mode models.Mode, match func(*models.Trade) bool) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trades {
		if t.Mode == mode && t.Status.IsActive() && match(t) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockStorage) UpsertCandle(c *models.Candle) error { return nil }

func (m *MockStorage) Closes(symbol models.Symbol, tf models.Timeframe, limit int) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	closes := m.closes[closesKey(symbol, tf)]
	if len(closes) > limit {
		closes = closes[len(closes)-limit:]
	}
	out := make([]float64, len(closes))
	copy(out, closes)
	return out, nil
}

func (m *MockStorage) ClosedTrades(mode models.Mode, since time.Time) ([]*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Trade
	for _, t := range m.trades {
		if t.Mode == mode && t.Status.IsTerminal() && !t.ExitTS.Before(since) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitTS.Before(out[j].ExitTS) })
	return out, nil
}

func (m *MockStorage) Statistics(mode models.Mode) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{}
	for _, t := range m.trades {
		if t.Mode != mode || t.Status != models.StatusClosed {
			continue
		}
		stats.TotalTrades++
		switch t.RealizedPnL.Sign() {
		case 1:
			stats.Wins++
		case -1:
			stats.Losses++
		}
		stats.TotalPnL = stats.TotalPnL.Add(t.RealizedPnL)
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)
	}
	return stats, nil
}

func (m *MockStorage) Close() error { return nil }
