package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/psanghavi/ladderbot/internal/models"
)

// OrderUpdateType discriminates broker push events.
type OrderUpdateType string

const (
	// UpdateFill is a complete fill of a market order.
	UpdateFill OrderUpdateType = "fill"
	// UpdateReject is a broker rejection or cancellation of a market order.
	UpdateReject OrderUpdateType = "reject"
	// UpdateTrigger means a conditional order fired and its exit leg executed.
	UpdateTrigger OrderUpdateType = "trigger"
	// UpdateCancel confirms a conditional order cancellation.
	UpdateCancel OrderUpdateType = "cancel"
)

// OrderUpdate is one event from the broker's order postback stream.
// Exactly one of OrderID or GTTID is set depending on the event source.
type OrderUpdate struct {
	Type       OrderUpdateType
	OrderID    string
	GTTID      string
	Token      uint32 // instrument token as sent by the feed; 0 if absent
	Symbol     models.Symbol
	Side       models.Side
	Qty        int64
	AvgPrice   decimal.Decimal
	Status     string // broker-native status string, for dedupe and logs
	ExchangeTS time.Time
}

// ConditionalRequest asks the gateway to place a broker-side GTT order.
// Trigger prices are pre-rounding; the gateway snaps them to the instrument
// tick before submission.
type ConditionalRequest struct {
	Symbol models.Symbol
	Kind   models.ConditionalKind
	Stop   decimal.Decimal
	Target decimal.Decimal // ignored for KindStopOnly
	Qty    int64
}

// Position is the broker's view of current holdings for one symbol.
type Position struct {
	Symbol   models.Symbol
	Qty      int64
	AvgPrice decimal.Decimal
}

// OrderRecord is one row of the broker's order book.
type OrderRecord struct {
	OrderID  string
	Symbol   models.Symbol
	Side     models.Side
	Qty      int64
	Status   string
	AvgPrice decimal.Decimal
	Placed   time.Time
}

// Broker is the gateway to the brokerage. Every call takes a context; the
// live implementation applies its configured per-call deadline beneath it.
type Broker interface {
	// PlaceMarketOrder submits an immediate-execution order and returns the
	// broker order id. Fill confirmation arrives via SubscribeOrderUpdates.
	PlaceMarketOrder(ctx context.Context, symbol models.Symbol, side models.Side, qty int64) (string, error)

	// PlaceConditionalOrder creates a GTT. For KindStopAndTarget the two legs
	// are one-cancels-other. Returns the broker's view including the rounded
	// trigger prices actually registered.
	PlaceConditionalOrder(ctx context.Context, req ConditionalRequest) (*models.ConditionalOrder, error)

	// ModifyConditionalOrder rewrites the stop trigger of an existing GTT in
	// place, preserving its id. Idempotent: repeating the same stop succeeds.
	// Returns the stop actually registered after tick rounding, so callers
	// can reconcile their expected stop with the broker's view.
	ModifyConditionalOrder(ctx context.Context, gttID string, newStop decimal.Decimal) (decimal.Decimal, error)

	// CancelConditionalOrder removes a GTT. Cancelling an unknown or already
	// triggered id is not an error.
	CancelConditionalOrder(ctx context.Context, gttID string) error

	// GetConditionalOrder fetches the broker-side state of one GTT.
	GetConditionalOrder(ctx context.Context, gttID string) (*models.ConditionalOrder, error)

	// ListOrders returns today's order book.
	ListOrders(ctx context.Context) ([]OrderRecord, error)

	// ListPositions returns current net positions.
	ListPositions(ctx context.Context) ([]Position, error)

	// StreamTicks subscribes to last-price ticks for the given tokens. The
	// channel stays open across reconnects and closes when ctx ends.
	StreamTicks(ctx context.Context, tokens []uint32) (<-chan models.Tick, error)

	// SubscribeOrderUpdates subscribes to the order postback stream. Same
	// channel lifecycle as StreamTicks.
	SubscribeOrderUpdates(ctx context.Context) (<-chan OrderUpdate, error)
}
