package market

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/psanghavi/ladderbot/internal/metrics"
	"github.com/psanghavi/ladderbot/internal/models"
)

// flushPoll is how often the boundary clock checks for closable bars, so
// bars freeze on time even when a symbol stops ticking.
const flushPoll = time.Second

type barKey struct {
	symbol    models.Symbol
	timeframe models.Timeframe
}

// Aggregator folds ticks into one open OHLCV bar per (symbol, timeframe)
// and emits each bar exactly once when its interval ends. Ticks for bars
// that already closed are discarded.
type Aggregator struct {
	timeframes []models.Timeframe
	out        chan *models.Candle
	log        *logrus.Logger

	mu      sync.Mutex
	open    map[barKey]*models.Candle
	lastVol map[models.Symbol]int64
}

// NewAggregator creates an aggregator for the given timeframes.
func NewAggregator(timeframes []models.Timeframe, log *logrus.Logger) *Aggregator {
	return &Aggregator{
		timeframes: timeframes,
		out:        make(chan *models.Candle, 256),
		log:        log,
		open:       make(map[barKey]*models.Candle),
		lastVol:    make(map[models.Symbol]int64),
	}
}

// Candles returns the frozen-bar stream.
func (a *Aggregator) Candles() <-chan *models.Candle { return a.out }

// Ingest folds one tick into the open bars for symbol. A tick at exactly a
// boundary opens the new bar; the previous bar freezes.
func (a *Aggregator) Ingest(symbol models.Symbol, tick models.Tick) {
	symbol = models.NormalizeSymbol(symbol)

	a.mu.Lock()
	dvol := a.volumeDelta(symbol, tick.Volume)
	var frozen []*models.Candle

	for _, tf := range a.timeframes {
		key := barKey{symbol: symbol, timeframe: tf}
		start := tf.Floor(tick.TS)

		cur, ok := a.open[key]
		switch {
		case !ok:
			a.open[key] = models.NewCandle(symbol, tf, start, tick.LastPrice, dvol)
		case start.After(cur.Start):
			frozen = append(frozen, cur)
			a.open[key] = models.NewCandle(symbol, tf, start, tick.LastPrice, dvol)
		case start.Equal(cur.Start):
			cur.Apply(tick.LastPrice, dvol)
		default:
			metrics.OutOfOrderBars.Inc()
			a.log.WithFields(logrus.Fields{
				"symbol":    symbol,
				"timeframe": tf,
				"tick_ts":   tick.TS,
				"bar_start": cur.Start,
			}).Debug("discarding tick for closed bar")
		}
	}
	a.mu.Unlock()

	for _, c := range frozen {
		a.emit(c)
	}
}

// volumeDelta converts the feed's cumulative day volume into a per-tick
// increment. A drop in cumulative volume means a new session started.
func (a *Aggregator) volumeDelta(symbol models.Symbol, cumulative int64) int64 {
	last := a.lastVol[symbol]
	a.lastVol[symbol] = cumulative
	if cumulative < last {
		return cumulative
	}
	return cumulative - last
}

// Flush freezes every open bar whose interval ended before now.
func (a *Aggregator) Flush(now time.Time) {
	a.mu.Lock()
	var frozen []*models.Candle
	for key, cur := range a.open {
		if !now.Before(cur.Start.Add(key.timeframe.Duration())) {
			frozen = append(frozen, cur)
			delete(a.open, key)
		}
	}
	a.mu.Unlock()

	for _, c := range frozen {
		a.emit(c)
	}
}

// Run drives the boundary clock until ctx ends, then flushes everything
// still open and closes the candle stream.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.finalFlush()
			close(a.out)
			return ctx.Err()
		case now := <-ticker.C:
			a.Flush(now.UTC())
		}
	}
}

// finalFlush emits all open bars regardless of boundary, so a shutdown
// mid-bar still persists the partial data.
func (a *Aggregator) finalFlush() {
	a.mu.Lock()
	var frozen []*models.Candle
	for key, cur := range a.open {
		frozen = append(frozen, cur)
		delete(a.open, key)
	}
	a.mu.Unlock()

	for _, c := range frozen {
		a.emit(c)
	}
}

func (a *Aggregator) emit(c *models.Candle) {
	metrics.BarsEmitted.WithLabelValues(string(c.Timeframe)).Inc()
	select {
	case a.out <- c:
	default:
		a.log.WithFields(logrus.Fields{
			"symbol":    c.Symbol,
			"timeframe": c.Timeframe,
			"bar_start": c.Start,
		}).Warn("candle channel full, dropping bar")
	}
}
