package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/psanghavi/ladderbot/internal/models"
	"github.com/psanghavi/ladderbot/internal/util"
)

// KiteClient talks to the Kite Connect REST API and its websocket feeds.
type KiteClient struct {
	http        *resty.Client
	streamURL   string
	apiKey      string
	accessToken string
	timeout     time.Duration
	log         *logrus.Logger

	bySymbol map[models.Symbol]models.Instrument
	byToken  map[uint32]models.Instrument
}

// Ensure KiteClient implements Broker at compile time.
var _ Broker = (*KiteClient)(nil)

// NewKiteClient creates a live gateway. The instrument set fixes the tradable
// universe; requests for symbols outside it fail validation locally.
func NewKiteClient(apiEndpoint, streamEndpoint, apiKey, accessToken string,
	instruments []models.Instrument, timeout time.Duration, log *logrus.Logger) *KiteClient {
	c := resty.New().
		SetBaseURL(apiEndpoint).
		SetTimeout(timeout).
		SetHeader("X-Kite-Version", "3").
		SetHeader("Authorization", fmt.Sprintf("token %s:%s", apiKey, accessToken))

	bySymbol := make(map[models.Symbol]models.Instrument, len(instruments))
	byToken := make(map[uint32]models.Instrument, len(instruments))
	for _, inst := range instruments {
		bySymbol[inst.Symbol] = inst
		byToken[inst.Token] = inst
	}

	return &KiteClient{
		http:        c,
		streamURL:   streamEndpoint,
		apiKey:      apiKey,
		accessToken: accessToken,
		timeout:     timeout,
		log:         log,
		bySymbol:    bySymbol,
		byToken:     byToken,
	}
}

// apiEnvelope is the standard Kite response wrapper.
type apiEnvelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// do executes a request under the per-call deadline and decodes the envelope
// into out (when out is non-nil), classifying failures by HTTP status.
func (k *KiteClient) do(ctx context.Context, op string, req *resty.Request,
	method, path string, out interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	resp, err := req.SetContext(callCtx).Execute(method, path)
	if err != nil {
		return newError(KindUnavailable, op, "request failed", err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return newError(KindUnavailable, op, "undecodable response", err)
	}
	if resp.IsError() || env.Status != "success" {
		kind := kindFromStatus(resp.StatusCode())
		return newError(kind, op, fmt.Sprintf("%s (%s)", env.Message, env.ErrorType), nil)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return newError(KindUnavailable, op, "undecodable payload", err)
		}
	}
	return nil
}

func (k *KiteClient) instrument(symbol models.Symbol) (models.Instrument, error) {
	inst, ok := k.bySymbol[models.NormalizeSymbol(symbol)]
	if !ok {
		return models.Instrument{}, newError(KindValidation, "instrument",
			fmt.Sprintf("symbol %s not in universe", symbol), nil)
	}
	return inst, nil
}

// PlaceMarketOrder submits a regular MIS market order.
func (k *KiteClient) PlaceMarketOrder(ctx context.Context, symbol models.Symbol,
	side models.Side, qty int64) (string, error) {
	const op = "placeMarketOrder"
	if qty <= 0 {
		return "", newError(KindValidation, op, "qty must be positive", nil)
	}
	inst, err := k.instrument(symbol)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("exchange", "NSE")
	form.Set("tradingsymbol", string(inst.Symbol))
	form.Set("transaction_type", string(side))
	form.Set("order_type", "MARKET")
	form.Set("product", "MIS")
	form.Set("quantity", strconv.FormatInt(qty, 10))

	var data struct {
		OrderID string `json:"order_id"`
	}
	req := k.http.R().SetFormDataFromValues(form)
	if err := k.do(ctx, op, req, resty.MethodPost, "/orders/regular", &data); err != nil {
		return "", err
	}

	k.log.WithFields(logrus.Fields{
		"symbol":   inst.Symbol,
		"side":     side,
		"qty":      qty,
		"order_id": data.OrderID,
	}).Info("market order placed")
	return data.OrderID, nil
}

// gttTrigger is the wire form of a GTT create/fetch.
type gttTrigger struct {
	ID            int64    `json:"id,omitempty"`
	Type          string   `json:"type"` // "single" | "two-leg"
	Status        string   `json:"status,omitempty"`
	TriggerValues []string `json:"trigger_values"`
	Tradingsymbol string   `json:"tradingsymbol"`
	Quantity      int64    `json:"quantity"`
	UpdatedAt     string   `json:"updated_at,omitempty"`
}

// roundTriggers snaps stop down and target to nearest tick. The stop never
// rounds above the computed level so the protection stays at least as tight.
func roundTriggers(req ConditionalRequest, tick decimal.Decimal) (stop, target decimal.Decimal) {
	stop = util.FloorToTick(req.Stop, tick)
	if req.Kind == models.KindStopAndTarget {
		target = util.RoundToTick(req.Target, tick)
	}
	return stop, target
}

// PlaceConditionalOrder creates a broker-side GTT protecting qty of symbol.
func (k *KiteClient) PlaceConditionalOrder(ctx context.Context,
	req ConditionalRequest) (*models.ConditionalOrder, error) {
	const op = "placeConditionalOrder"
	if req.Qty <= 0 {
		return nil, newError(KindValidation, op, "qty must be positive", nil)
	}
	if req.Stop.Sign() <= 0 {
		return nil, newError(KindValidation, op, "stop trigger must be positive", nil)
	}
	inst, err := k.instrument(req.Symbol)
	if err != nil {
		return nil, err
	}
	stop, target := roundTriggers(req, inst.TickSize)

	triggers := []string{stop.String()}
	gttType := "single"
	if req.Kind == models.KindStopAndTarget {
		if target.LessThanOrEqual(stop) {
			return nil, newError(KindValidation, op, "target must exceed stop", nil)
		}
		triggers = append(triggers, target.String())
		gttType = "two-leg"
	}

	form := url.Values{}
	form.Set("type", gttType)
	form.Set("tradingsymbol", string(inst.Symbol))
	form.Set("exchange", "NSE")
	form.Set("trigger_values", strings.Join(triggers, ","))
	form.Set("quantity", strconv.FormatInt(req.Qty, 10))
	form.Set("transaction_type", string(models.SideSell))

	var data struct {
		TriggerID int64 `json:"trigger_id"`
	}
	r := k.http.R().SetFormDataFromValues(form)
	if err := k.do(ctx, op, r, resty.MethodPost, "/gtt/triggers", &data); err != nil {
		return nil, err
	}

	co := &models.ConditionalOrder{
		GTTID:         strconv.FormatInt(data.TriggerID, 10),
		Symbol:        inst.Symbol,
		Kind:          req.Kind,
		TriggerStop:   stop,
		TriggerTarget: target,
		Qty:           req.Qty,
		Status:        models.ConditionalActive,
		LastModified:  time.Now().UTC(),
	}
	k.log.WithFields(logrus.Fields{
		"symbol": inst.Symbol,
		"gtt_id": co.GTTID,
		"stop":   stop.String(),
		"target": target.String(),
	}).Info("conditional order placed")
	return co, nil
}

// ModifyConditionalOrder rewrites the stop leg of an existing GTT and
// returns the tick-floored stop that was registered.
func (k *KiteClient) ModifyConditionalOrder(ctx context.Context, gttID string,
	newStop decimal.Decimal) (decimal.Decimal, error) {
	const op = "modifyConditionalOrder"
	current, err := k.GetConditionalOrder(ctx, gttID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	inst, err := k.instrument(current.Symbol)
	if err != nil {
		return decimal.Decimal{}, err
	}
	stop := util.FloorToTick(newStop, inst.TickSize)
	if stop.Equal(current.TriggerStop) {
		return stop, nil
	}

	triggers := []string{stop.String()}
	if current.Kind == models.KindStopAndTarget {
		triggers = append(triggers, current.TriggerTarget.String())
	}

	form := url.Values{}
	form.Set("type", gttTypeFor(current.Kind))
	form.Set("tradingsymbol", string(current.Symbol))
	form.Set("exchange", "NSE")
	form.Set("trigger_values", strings.Join(triggers, ","))
	form.Set("quantity", strconv.FormatInt(current.Qty, 10))
	form.Set("transaction_type", string(models.SideSell))

	r := k.http.R().SetFormDataFromValues(form)
	if err := k.do(ctx, op, r, resty.MethodPut, "/gtt/triggers/"+gttID, nil); err != nil {
		return decimal.Decimal{}, err
	}
	return stop, nil
}

// CancelConditionalOrder deletes a GTT. A 404 counts as success since the
// desired end state (no active trigger) already holds.
func (k *KiteClient) CancelConditionalOrder(ctx context.Context, gttID string) error {
	const op = "cancelConditionalOrder"
	err := k.do(ctx, op, k.http.R(), resty.MethodDelete, "/gtt/triggers/"+gttID, nil)
	if err != nil {
		var be *Error
		if errors.As(err, &be) && be.Kind == KindRejected {
			return nil
		}
		return err
	}
	return nil
}

// GetConditionalOrder fetches one GTT's broker-side state.
func (k *KiteClient) GetConditionalOrder(ctx context.Context, gttID string) (*models.ConditionalOrder, error) {
	const op = "getConditionalOrder"
	var data gttTrigger
	if err := k.do(ctx, op, k.http.R(), resty.MethodGet, "/gtt/triggers/"+gttID, &data); err != nil {
		return nil, err
	}
	return k.fromWire(gttID, data)
}

func (k *KiteClient) fromWire(gttID string, data gttTrigger) (*models.ConditionalOrder, error) {
	const op = "getConditionalOrder"
	if len(data.TriggerValues) == 0 {
		return nil, newError(KindUnavailable, op, "trigger has no values", nil)
	}
	stop, err := decimal.NewFromString(data.TriggerValues[0])
	if err != nil {
		return nil, newError(KindUnavailable, op, "bad stop trigger", err)
	}
	co := &models.ConditionalOrder{
		GTTID:       gttID,
		Symbol:      models.NormalizeSymbol(data.Tradingsymbol),
		Kind:        models.KindStopOnly,
		TriggerStop: stop,
		Qty:         data.Quantity,
		Status:      conditionalStatus(data.Status),
	}
	if len(data.TriggerValues) > 1 {
		target, err := decimal.NewFromString(data.TriggerValues[1])
		if err != nil {
			return nil, newError(KindUnavailable, op, "bad target trigger", err)
		}
		co.Kind = models.KindStopAndTarget
		co.TriggerTarget = target
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", data.UpdatedAt); err == nil {
		co.LastModified = ts
	}
	return co, nil
}

// ListOrders returns today's order book.
func (k *KiteClient) ListOrders(ctx context.Context) ([]OrderRecord, error) {
	const op = "listOrders"
	var data []struct {
		OrderID         string  `json:"order_id"`
		Tradingsymbol   string  `json:"tradingsymbol"`
		TransactionType string  `json:"transaction_type"`
		Quantity        int64   `json:"quantity"`
		Status          string  `json:"status"`
		AveragePrice    float64 `json:"average_price"`
		OrderTimestamp  string  `json:"order_timestamp"`
	}
	if err := k.do(ctx, op, k.http.R(), resty.MethodGet, "/orders", &data); err != nil {
		return nil, err
	}
	out := make([]OrderRecord, 0, len(data))
	for _, o := range data {
		rec := OrderRecord{
			OrderID:  o.OrderID,
			Symbol:   models.NormalizeSymbol(o.Tradingsymbol),
			Side:     models.Side(o.TransactionType),
			Qty:      o.Quantity,
			Status:   o.Status,
			AvgPrice: decimal.NewFromFloat(o.AveragePrice),
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", o.OrderTimestamp); err == nil {
			rec.Placed = ts
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListPositions returns net intraday positions.
func (k *KiteClient) ListPositions(ctx context.Context) ([]Position, error) {
	const op = "listPositions"
	var data struct {
		Net []struct {
			Tradingsymbol string  `json:"tradingsymbol"`
			Quantity      int64   `json:"quantity"`
			AveragePrice  float64 `json:"average_price"`
		} `json:"net"`
	}
	if err := k.do(ctx, op, k.http.R(), resty.MethodGet, "/portfolio/positions", &data); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(data.Net))
	for _, p := range data.Net {
		out = append(out, Position{
			Symbol:   models.NormalizeSymbol(p.Tradingsymbol),
			Qty:      p.Quantity,
			AvgPrice: decimal.NewFromFloat(p.AveragePrice),
		})
	}
	return out, nil
}

// StreamTicks opens the market data websocket for the given tokens.
func (k *KiteClient) StreamTicks(ctx context.Context, tokens []uint32) (<-chan models.Tick, error) {
	s := newTickStream(k.streamURL+"/quote", k.apiKey, k.accessToken, tokens, k.log)
	return s.run(ctx)
}

// SubscribeOrderUpdates opens the order postback websocket.
func (k *KiteClient) SubscribeOrderUpdates(ctx context.Context) (<-chan OrderUpdate, error) {
	s := newOrderStream(k.streamURL+"/orders", k.apiKey, k.accessToken, k.byToken, k.log)
	return s.run(ctx)
}

func gttTypeFor(kind models.ConditionalKind) string {
	if kind == models.KindStopAndTarget {
		return "two-leg"
	}
	return "single"
}

func conditionalStatus(s string) models.ConditionalStatus {
	switch s {
	case "active":
		return models.ConditionalActive
	case "triggered":
		return models.ConditionalTriggered
	case "cancelled", "deleted":
		return models.ConditionalCancelled
	default:
		return models.ConditionalStale
	}
}
