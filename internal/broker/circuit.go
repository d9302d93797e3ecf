package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/psanghavi/ladderbot/internal/models"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so a
// failing brokerage stops absorbing the trading loop. Stream subscriptions
// bypass the breaker since they carry their own reconnect logic.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker, log *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, log, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with
// custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, log *logrus.Logger,
	settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Validation and rejection are the caller's problem, not broker
			// health. Only transport-level failures count against the circuit.
			return err == nil || !IsUnavailable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, newError(KindUnavailable, "circuitBreaker", "circuit open", err)
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// PlaceMarketOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceMarketOrder(ctx context.Context, symbol models.Symbol,
	side models.Side, qty int64) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceMarketOrder(ctx, symbol, side, qty)
	})
}

// PlaceConditionalOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceConditionalOrder(ctx context.Context,
	req ConditionalRequest) (*models.ConditionalOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.ConditionalOrder, error) {
		return b.PlaceConditionalOrder(ctx, req)
	})
}

// ModifyConditionalOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) ModifyConditionalOrder(ctx context.Context, gttID string,
	newStop decimal.Decimal) (decimal.Decimal, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (decimal.Decimal, error) {
		return b.ModifyConditionalOrder(ctx, gttID, newStop)
	})
}

// CancelConditionalOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) CancelConditionalOrder(ctx context.Context, gttID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelConditionalOrder(ctx, gttID)
	})
	return err
}

// GetConditionalOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetConditionalOrder(ctx context.Context,
	gttID string) (*models.ConditionalOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*models.ConditionalOrder, error) {
		return b.GetConditionalOrder(ctx, gttID)
	})
}

// ListOrders wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) ListOrders(ctx context.Context) ([]OrderRecord, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OrderRecord, error) {
		return b.ListOrders(ctx)
	})
}

// ListPositions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) ListPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) {
		return b.ListPositions(ctx)
	})
}

// StreamTicks bypasses the breaker; the stream reconnects on its own.
func (c *CircuitBreakerBroker) StreamTicks(ctx context.Context, tokens []uint32) (<-chan models.Tick, error) {
	return c.broker.StreamTicks(ctx, tokens)
}

// SubscribeOrderUpdates bypasses the breaker; the stream reconnects on its own.
func (c *CircuitBreakerBroker) SubscribeOrderUpdates(ctx context.Context) (<-chan OrderUpdate, error) {
	return c.broker.SubscribeOrderUpdates(ctx)
}
