package broker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/ws"
	"golang.org/x/time/rate"

	"main/internal/bus"
	"main/internal/schema"
)

// GatewayConfig controls the websocket gateway client.
type GatewayConfig struct {
	URL string
	// RequestRate caps outbound requests per second. 0 disables pacing.
	RequestRate float64
	// AckTimeout bounds each request round-trip when the caller's context
	// carries no deadline.
	AckTimeout time.Duration
}

// Gateway is a broker adapter speaking the gateway's JSON protocol over a
// websocket. Stream frames are normalized into typed events and published to
// the event queue; requests are paced and wait for their acknowledge.
type Gateway struct {
	cfg     GatewayConfig
	wss     *ws.WebSocket
	events  *bus.Queue
	limiter *rate.Limiter
	reqID   atomic.Int64
	closed  atomic.Bool
}

// NewGateway creates a gateway client publishing inbound events to q.
func NewGateway(ctx context.Context, cfg GatewayConfig, q *bus.Queue) *Gateway {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestRate > 0 {
		limit = rate.Limit(cfg.RequestRate)
	}
	return &Gateway{
		cfg:     cfg,
		wss:     ws.New(ctx, cfg.URL),
		events:  q,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Start opens the websocket and begins translating stream frames.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start gateway websocket")
	}
	g.observe(ctx)
	g.publish(schema.ConnectionEvent{Up: true})
	return nil
}

// Close shuts the websocket down. Safe to call more than once.
func (g *Gateway) Close() {
	if !g.closed.CompareAndSwap(false, true) {
		return
	}
	g.wss.Close()
	g.publish(schema.ConnectionEvent{Up: false})
}

type gatewayRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
	ID     int64  `json:"id"`
}

type gatewayResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type streamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type contractPayload struct {
	Symbol          string          `json:"symbol"`
	PrimaryExchange string          `json:"primaryExchange"`
	SecType         string          `json:"secType"`
	Expiry          string          `json:"expiry,omitempty"`
	Strike          decimal.Decimal `json:"strike,omitempty"`
	Multiplier      string          `json:"multiplier,omitempty"`
	Right           string          `json:"right,omitempty"`
}

func encodeContract(c schema.Contract) contractPayload {
	return contractPayload{
		Symbol:          c.Symbol,
		PrimaryExchange: c.PrimaryExchange,
		SecType:         c.SecType.String(),
		Expiry:          c.Expiry,
		Strike:          c.Strike,
		Multiplier:      c.Multiplier,
		Right:           c.Right.String(),
	}
}

func (p contractPayload) decode() schema.Contract {
	right, err := schema.ParseRight(p.Right)
	if err != nil {
		logs.Warnf("gateway contract right %q unparseable, treating as none", p.Right)
	}
	return schema.Contract{
		Symbol:          p.Symbol,
		PrimaryExchange: p.PrimaryExchange,
		SecType:         schema.ParseSecurityType(p.SecType),
		Expiry:          p.Expiry,
		Strike:          p.Strike,
		Multiplier:      p.Multiplier,
		Right:           right,
	}
}

// request sends one paced request and waits for the matching acknowledge.
func (g *Gateway) request(ctx context.Context, method string, params any, result any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "throttle gateway request")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.AckTimeout)
		defer cancel()
	}

	id := g.reqID.Add(1)
	var ack gatewayResponse
	if err := g.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, client *ws.WebSocket) error {
			payload := gatewayRequest{Method: method, Params: params, ID: id}
			if err := client.WriteJSON(payload); err != nil {
				return errors.Wrapf(err, "write %s request", method)
			}
			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			resp, ok := ws.ReadMessage[gatewayResponse](m)
			if !ok || resp.ID != id {
				return false, nil
			}
			ack = resp
			return true, nil
		},
	}, false); err != nil {
		return errors.Wrapf(err, "send and wait %s", method)
	}

	if ack.Error != "" {
		return errors.Wrapf(ErrRejected, "%s: %s", method, ack.Error)
	}
	if result != nil && len(ack.Result) != 0 {
		if err := json.Unmarshal(ack.Result, result); err != nil {
			return errors.Wrapf(err, "decode %s result", method)
		}
	}
	return nil
}

type orderAck struct {
	PermID  int64 `json:"permId"`
	OrderID int64 `json:"orderId"`
}

// PlaceOrder submits a new order and returns the broker-issued ids.
func (g *Gateway) PlaceOrder(ctx context.Context, req OrderRequest) (schema.OrderKey, error) {
	params := struct {
		Contract   contractPayload `json:"contract"`
		Side       string          `json:"side"`
		Kind       string          `json:"kind"`
		Quantity   decimal.Decimal `json:"quantity"`
		LimitPrice decimal.Decimal `json:"limitPrice,omitempty"`
	}{
		Contract:   encodeContract(req.Contract),
		Side:       req.Side.String(),
		Kind:       req.Kind.String(),
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	}
	var ack orderAck
	if err := g.request(ctx, "placeOrder", params, &ack); err != nil {
		return schema.OrderKey{}, err
	}
	return schema.OrderKey{PermID: ack.PermID, OrderID: ack.OrderID}, nil
}

// CancelOrder requests cancellation of a working order.
func (g *Gateway) CancelOrder(ctx context.Context, key schema.OrderKey) error {
	params := struct {
		PermID  int64 `json:"permId"`
		OrderID int64 `json:"orderId"`
	}{key.PermID, key.OrderID}
	return g.request(ctx, "cancelOrder", params, nil)
}

// SubscribeMarketData opens a bar stream for the contract.
func (g *Gateway) SubscribeMarketData(ctx context.Context, contract schema.Contract) error {
	return g.request(ctx, "subscribeMarketData", encodeContract(contract), nil)
}

// UnsubscribeMarketData cancels the contract's bar stream.
func (g *Gateway) UnsubscribeMarketData(ctx context.Context, contract schema.Contract) error {
	return g.request(ctx, "unsubscribeMarketData", encodeContract(contract), nil)
}

type openOrderPayload struct {
	PermID   int64           `json:"permId"`
	OrderID  int64           `json:"orderId"`
	Contract contractPayload `json:"contract"`
	Side     string          `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Filled   decimal.Decimal `json:"filled"`
	Status   string          `json:"status"`
}

// RequestOpenOrders fetches the broker's open-order snapshot.
func (g *Gateway) RequestOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var payload []openOrderPayload
	if err := g.request(ctx, "openOrders", nil, &payload); err != nil {
		return nil, err
	}
	orders := make([]OpenOrder, 0, len(payload))
	for _, p := range payload {
		orders = append(orders, OpenOrder{
			Key:      schema.OrderKey{PermID: p.PermID, OrderID: p.OrderID},
			Contract: p.Contract.decode(),
			Side:     schema.ParseOrderSide(p.Side),
			Quantity: p.Quantity,
			Filled:   p.Filled,
			Status:   schema.ParseOrderStatus(p.Status),
		})
	}
	return orders, nil
}

type positionPayload struct {
	Contract contractPayload `json:"contract"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avgCost"`
}

// RequestPositions fetches the broker's position snapshot.
func (g *Gateway) RequestPositions(ctx context.Context) ([]PositionSnapshot, error) {
	var payload []positionPayload
	if err := g.request(ctx, "positions", nil, &payload); err != nil {
		return nil, err
	}
	positions := make([]PositionSnapshot, 0, len(payload))
	for _, p := range payload {
		positions = append(positions, PositionSnapshot{
			Contract: p.Contract.decode(),
			Quantity: p.Quantity,
			AvgCost:  p.AvgCost,
		})
	}
	return positions, nil
}

// observe drains stream frames into typed events until the context ends.
func (g *Gateway) observe(ctx context.Context) {
	ch, cancel := g.wss.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					g.publish(schema.ConnectionEvent{Up: false})
					return
				}
				frame, ok := ws.ReadMessage[streamFrame](m)
				if !ok || frame.Stream == "" {
					continue
				}
				g.dispatch(frame)
			}
		}
	}()
}

type orderStatusPayload struct {
	PermID  int64           `json:"permId"`
	OrderID int64           `json:"orderId"`
	Status  string          `json:"status"`
	Filled  decimal.Decimal `json:"filled"`
}

type executionPayload struct {
	ExecID   string          `json:"execId"`
	PermID   int64           `json:"permId"`
	OrderID  int64           `json:"orderId"`
	Contract contractPayload `json:"contract"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
	CumQty   decimal.Decimal `json:"cumQty"`
	Time     int64           `json:"time"`
}

type commissionPayload struct {
	ExecID string          `json:"execId"`
	Fee    decimal.Decimal `json:"fee"`
}

type barPayload struct {
	Contract contractPayload `json:"contract"`
	Time     int64           `json:"time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

type connectionPayload struct {
	Up bool `json:"up"`
}

func (g *Gateway) dispatch(frame streamFrame) {
	switch frame.Stream {
	case "orderStatus":
		var p orderStatusPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			logs.Errorf("decode orderStatus frame, err: %+v", err)
			return
		}
		g.publish(schema.OrderStatusEvent{
			Key:    schema.OrderKey{PermID: p.PermID, OrderID: p.OrderID},
			Status: schema.ParseOrderStatus(p.Status),
			Filled: p.Filled,
		})
	case "execution":
		var p executionPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			logs.Errorf("decode execution frame, err: %+v", err)
			return
		}
		g.publish(schema.ExecutionEvent{
			ExecID:   p.ExecID,
			Key:      schema.OrderKey{PermID: p.PermID, OrderID: p.OrderID},
			Contract: p.Contract.decode(),
			Side:     schema.ParseOrderSide(p.Side),
			Price:    p.Price,
			Qty:      p.Qty,
			CumQty:   p.CumQty,
			Time:     time.Unix(p.Time, 0).UTC(),
		})
	case "commission":
		var p commissionPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			logs.Errorf("decode commission frame, err: %+v", err)
			return
		}
		g.publish(schema.CommissionEvent{ExecID: p.ExecID, Fee: p.Fee})
	case "bar":
		var p barPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			logs.Errorf("decode bar frame, err: %+v", err)
			return
		}
		g.publish(schema.MarketDataEvent{
			Contract: p.Contract.decode(),
			Bar: schema.Bar{
				Time:   time.Unix(p.Time, 0).UTC(),
				Open:   p.Open,
				High:   p.High,
				Low:    p.Low,
				Close:  p.Close,
				Volume: p.Volume,
			},
		})
	case "connection":
		var p connectionPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			logs.Errorf("decode connection frame, err: %+v", err)
			return
		}
		g.publish(schema.ConnectionEvent{Up: p.Up})
	default:
		logs.Warnf("unknown gateway stream: %s", frame.Stream)
	}
}

func (g *Gateway) publish(e schema.BrokerEvent) {
	if err := g.events.TryPublish(e); err != nil {
		logs.Errorf("publish gateway event, err: %+v", err)
	}
}
