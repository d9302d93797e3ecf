package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/psanghavi/ladderbot/internal/models"
	"github.com/psanghavi/ladderbot/internal/util"
)

// MockBroker is a configurable in-memory Broker for tests. Zero value is not
// usable; construct with NewMockBroker. Per-call error hooks override the
// default success behavior.
type MockBroker struct {
	mu sync.Mutex

	PlaceMarketErr      error
	PlaceConditionalErr error
	ModifyErr           error
	CancelErr           error
	GetConditionalErr   error
	ListOrdersErr       error
	ListPositionsErr    error

	// ModifyErrCount fails the first N modify calls, then succeeds.
	ModifyErrCount int

	// TickSize, when set, floors modified stops the way the live gateway
	// does before registering them.
	TickSize decimal.Decimal

	MarketOrders []MarketOrderCall
	ModifyCalls  []ModifyCall
	CancelledIDs []string
	Conditionals map[string]*models.ConditionalOrder
	Orders       []OrderRecord
	Positions    []Position

	Updates chan OrderUpdate
	Ticks   chan models.Tick

	nextID int
}

// MarketOrderCall records one PlaceMarketOrder invocation.
type MarketOrderCall struct {
	Symbol models.Symbol
	Side   models.Side
	Qty    int64
}

// ModifyCall records one ModifyConditionalOrder invocation.
type ModifyCall struct {
	GTTID string
	Stop  decimal.Decimal
}

// Ensure MockBroker implements Broker at compile time.
var _ Broker = (*MockBroker)(nil)

// NewMockBroker creates a mock that succeeds on every call.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		Conditionals: make(map[string]*models.ConditionalOrder),
		Updates:      make(chan OrderUpdate, 64),
		Ticks:        make(chan models.Tick, 64),
	}
}

func (m *MockBroker) PlaceMarketOrder(ctx context.Context, symbol models.Symbol,
	side models.Side, qty int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceMarketErr != nil {
		return "", m.PlaceMarketErr
	}
	m.nextID++
	m.MarketOrders = append(m.MarketOrders, MarketOrderCall{Symbol: symbol, Side: side, Qty: qty})
	return fmt.Sprintf("ORD-%d", m.nextID), nil
}

func (m *MockBroker) PlaceConditionalOrder(ctx context.Context,
	req ConditionalRequest) (*models.ConditionalOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceConditionalErr != nil {
		return nil, m.PlaceConditionalErr
	}
	m.nextID++
	co := &models.ConditionalOrder{
		GTTID:         "GTT-" + strconv.Itoa(m.nextID),
		Symbol:        models.NormalizeSymbol(req.Symbol),
		Kind:          req.Kind,
		TriggerStop:   req.Stop,
		TriggerTarget: req.Target,
		Qty:           req.Qty,
		Status:        models.ConditionalActive,
		LastModified:  time.Now().UTC(),
	}
	if req.Kind == models.KindStopOnly {
		co.TriggerTarget = decimal.Decimal{}
	}
	m.Conditionals[co.GTTID] = co
	return clone(co), nil
}

func (m *MockBroker) ModifyConditionalOrder(ctx context.Context, gttID string,
	newStop decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModifyCalls = append(m.ModifyCalls, ModifyCall{GTTID: gttID, Stop: newStop})
	if m.ModifyErrCount > 0 {
		m.ModifyErrCount--
		if m.ModifyErr != nil {
			return decimal.Decimal{}, m.ModifyErr
		}
		return decimal.Decimal{}, newError(KindUnavailable, "modifyConditionalOrder", "simulated failure", nil)
	}
	if m.ModifyErr != nil {
		return decimal.Decimal{}, m.ModifyErr
	}
	co, ok := m.Conditionals[gttID]
	if !ok {
		return decimal.Decimal{}, newError(KindRejected, "modifyConditionalOrder", "unknown gtt id "+gttID, nil)
	}
	stop := newStop
	if m.TickSize.Sign() > 0 {
		stop = util.FloorToTick(newStop, m.TickSize)
	}
	co.TriggerStop = stop
	co.LastModified = time.Now().UTC()
	return stop, nil
}

func (m *MockBroker) CancelConditionalOrder(ctx context.Context, gttID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.CancelledIDs = append(m.CancelledIDs, gttID)
	if co, ok := m.Conditionals[gttID]; ok {
		co.Status = models.ConditionalCancelled
	}
	return nil
}

func (m *MockBroker) GetConditionalOrder(ctx context.Context, gttID string) (*models.ConditionalOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetConditionalErr != nil {
		return nil, m.GetConditionalErr
	}
	co, ok := m.Conditionals[gttID]
	if !ok {
		return nil, newError(KindRejected, "getConditionalOrder", "unknown gtt id "+gttID, nil)
	}
	return clone(co), nil
}

func (m *MockBroker) ListOrders(ctx context.Context) ([]OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListOrdersErr != nil {
		return nil, m.ListOrdersErr
	}
	out := make([]OrderRecord, len(m.Orders))
	copy(out, m.Orders)
	return out, nil
}

func (m *MockBroker) ListPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListPositionsErr != nil {
		return nil, m.ListPositionsErr
	}
	out := make([]Position, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

func (m *MockBroker) StreamTicks(ctx context.Context, tokens []uint32) (<-chan models.Tick, error) {
	return m.Ticks, nil
}

func (m *MockBroker) SubscribeOrderUpdates(ctx context.Context) (<-chan OrderUpdate, error) {
	return m.Updates, nil
}

// ActiveConditional returns the single active GTT for symbol, or nil.
func (m *MockBroker) ActiveConditional(symbol models.Symbol) *models.ConditionalOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, co := range m.Conditionals {
		if co.Symbol == symbol && co.Status == models.ConditionalActive {
			return clone(co)
		}
	}
	return nil
}
