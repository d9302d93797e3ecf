// Package metrics registers the engine's prometheus counters.
//
// Exposition is left to the embedding process; the engine only increments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StaleTicks counts ticks dropped because ts < lastTs - 2m.
	StaleTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ladderbot_stale_ticks_total",
		Help: "Ticks dropped for arriving more than two minutes behind the last seen timestamp.",
	})

	// OutOfOrderBars counts ticks discarded because their bar already closed.
	OutOfOrderBars = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ladderbot_out_of_order_bars_total",
		Help: "Ticks discarded for targeting a bar that was already emitted.",
	})

	// BarsEmitted counts frozen candles handed to persistence.
	BarsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ladderbot_bars_emitted_total",
		Help: "Candles frozen at a bar boundary, by timeframe.",
	}, []string{"timeframe"})

	// OrdersPlaced counts market orders by side and outcome.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ladderbot_orders_placed_total",
		Help: "Market orders submitted to the broker, by side and result.",
	}, []string{"side", "result"})

	// TrailingModifies counts successful conditional-order stop updates.
	TrailingModifies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ladderbot_trailing_modifies_total",
		Help: "Successful conditional-order modifications issued by the trailing worker.",
	})

	// ReplaceFallbacks counts cancel+place fallbacks after a failed modify.
	ReplaceFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ladderbot_replace_fallbacks_total",
		Help: "Cancel-and-replace fallbacks taken after modifyConditionalOrder failed.",
	})

	// RouterEvents counts order updates by dispatch outcome.
	RouterEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ladderbot_router_events_total",
		Help: "Broker order updates processed by the event router, by outcome.",
	}, []string{"outcome"})

	// StreamReconnects counts tick stream reconnect attempts.
	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ladderbot_stream_reconnects_total",
		Help: "Websocket tick stream reconnections.",
	})
)
