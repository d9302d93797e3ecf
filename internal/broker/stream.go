package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/psanghavi/ladderbot/internal/metrics"
	"github.com/psanghavi/ladderbot/internal/models"
)

const (
	pingInterval     = 30 * time.Second // keepalive cadence
	readTimeout      = 75 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	tickBufferSize   = 1024
	orderBufferSize  = 128
)

// wsStream maintains one websocket connection with auto-reconnect, full
// resubscribe on reconnection, and a keepalive ping loop. The dispatch
// callback routes each raw frame; subscribe (optional) is sent after every
// successful dial.
type wsStream struct {
	url       string
	authQuery string
	name      string
	log       *logrus.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes and swaps

	subscribe func(*wsStream) error
	dispatch  func([]byte)
}

// run dials and keeps the connection alive until ctx ends, backing off
// exponentially from 1s to maxReconnectWait between attempts.
func (s *wsStream) run(ctx context.Context, done func()) {
	defer done()
	backoff := time.Second
	first := true

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if !first {
			metrics.StreamReconnects.Inc()
		}
		first = false

		s.log.WithFields(logrus.Fields{
			"stream":  s.name,
			"error":   err,
			"backoff": backoff,
		}).Warn("websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *wsStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url+s.authQuery, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		_ = conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if s.subscribe != nil {
		if err := s.subscribe(s); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	s.log.WithField("stream", s.name).Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(msg)
	}
}

func (s *wsStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.log.WithField("stream", s.name).WithError(err).Warn("ping failed")
				return
			}
		}
	}
}

func (s *wsStream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsStream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}

// tickStream adapts the quote feed to a models.Tick channel.
type tickStream struct {
	ws     *wsStream
	tokens []uint32
	out    chan models.Tick
}

// wireTick is one frame of the quote feed.
type wireTick struct {
	Token     uint32 `json:"instrument_token"`
	LastPrice string `json:"last_price"`
	Volume    int64  `json:"volume_traded"`
	Timestamp int64  `json:"exchange_timestamp"` // unix seconds
}

func newTickStream(url, apiKey, accessToken string, tokens []uint32, log *logrus.Logger) *tickStream {
	t := &tickStream{
		tokens: tokens,
		out:    make(chan models.Tick, tickBufferSize),
	}
	t.ws = &wsStream{
		url:       url,
		authQuery: fmt.Sprintf("?api_key=%s&access_token=%s", apiKey, accessToken),
		name:      "ticks",
		log:       log,
		subscribe: func(s *wsStream) error {
			return s.writeJSON(map[string]interface{}{"a": "subscribe", "v": tokens})
		},
		dispatch: t.dispatch,
	}
	return t
}

func (t *tickStream) run(ctx context.Context) (<-chan models.Tick, error) {
	if len(t.tokens) == 0 {
		return nil, newError(KindValidation, "streamTicks", "no tokens to subscribe", nil)
	}
	go t.ws.run(ctx, func() { close(t.out) })
	return t.out, nil
}

func (t *tickStream) dispatch(data []byte) {
	var frames []wireTick
	if err := json.Unmarshal(data, &frames); err != nil {
		// Non-tick frames (acks, heartbeats) are ignored.
		return
	}
	for _, w := range frames {
		price, err := decimal.NewFromString(w.LastPrice)
		if err != nil || w.Token == 0 {
			continue
		}
		tick := models.Tick{
			Token:     w.Token,
			LastPrice: price,
			Volume:    w.Volume,
			TS:        time.Unix(w.Timestamp, 0).UTC(),
		}
		select {
		case t.out <- tick:
		default:
			// Lossy by contract: the consumer only needs the latest price.
		}
	}
}

// orderStream adapts the order postback feed to an OrderUpdate channel.
type orderStream struct {
	ws      *wsStream
	byToken map[uint32]models.Instrument
	log     *logrus.Logger
	out     chan OrderUpdate
}

// wireOrderUpdate is one frame of the postback feed. Conditional trigger
// events carry a gtt id; regular order events carry an order id.
type wireOrderUpdate struct {
	Type          string `json:"type"` // "order" | "gtt"
	OrderID       string `json:"order_id"`
	GTTID         string `json:"gtt_id"`
	Token         uint32 `json:"instrument_token"`
	Tradingsymbol string `json:"tradingsymbol"`
	Side          string `json:"transaction_type"`
	Qty           int64  `json:"filled_quantity"`
	AvgPrice      string `json:"average_price"`
	Status        string `json:"status"`
	Timestamp     int64  `json:"exchange_timestamp"`
}

func newOrderStream(url, apiKey, accessToken string, byToken map[uint32]models.Instrument,
	log *logrus.Logger) *orderStream {
	o := &orderStream{
		byToken: byToken,
		log:     log,
		out:     make(chan OrderUpdate, orderBufferSize),
	}
	o.ws = &wsStream{
		url:       url,
		authQuery: fmt.Sprintf("?api_key=%s&access_token=%s", apiKey, accessToken),
		name:      "orders",
		log:       log,
		dispatch:  o.dispatch,
	}
	return o
}

func (o *orderStream) run(ctx context.Context) (<-chan OrderUpdate, error) {
	go o.ws.run(ctx, func() { close(o.out) })
	return o.out, nil
}

func (o *orderStream) dispatch(data []byte) {
	var w wireOrderUpdate
	if err := json.Unmarshal(data, &w); err != nil {
		return
	}
	if w.OrderID == "" && w.GTTID == "" {
		return
	}

	upd := OrderUpdate{
		OrderID:    w.OrderID,
		GTTID:      w.GTTID,
		Token:      w.Token,
		Symbol:     models.NormalizeSymbol(w.Tradingsymbol),
		Side:       models.Side(w.Side),
		Qty:        w.Qty,
		Status:     w.Status,
		ExchangeTS: time.Unix(w.Timestamp, 0).UTC(),
	}
	// Feeds sometimes omit the symbol; recover it from the token map.
	if upd.Symbol == "" && w.Token != 0 {
		if inst, ok := o.byToken[w.Token]; ok {
			upd.Symbol = inst.Symbol
		}
	}
	if price, err := decimal.NewFromString(w.AvgPrice); err == nil {
		upd.AvgPrice = price
	}

	switch {
	case w.Type == "gtt" && w.Status == "triggered":
		upd.Type = UpdateTrigger
	case w.Type == "gtt" && (w.Status == "cancelled" || w.Status == "deleted"):
		upd.Type = UpdateCancel
	case w.Status == "COMPLETE":
		upd.Type = UpdateFill
	case w.Status == "REJECTED" || w.Status == "CANCELLED":
		upd.Type = UpdateReject
	default:
		// Intermediate states (OPEN, TRIGGER PENDING) carry no action.
		return
	}

	select {
	case o.out <- upd:
	default:
		o.log.WithFields(logrus.Fields{
			"order_id": w.OrderID,
			"gtt_id":   w.GTTID,
			"status":   w.Status,
		}).Warn("order update channel full, dropping event")
	}
}
