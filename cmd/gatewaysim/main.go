// Command gatewaysim is a stand-in broker gateway for local runs. It speaks
// the trader's JSON protocol over a websocket, acks every request, streams
// synthetic five-second bars for subscribed contracts and fills market
// orders at the last synthetic price.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     int64           `json:"id"`
}

type response struct {
	ID     int64  `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type frame struct {
	Stream string `json:"stream"`
	Data   any    `json:"data"`
}

type contractJSON struct {
	Symbol          string          `json:"symbol"`
	PrimaryExchange string          `json:"primaryExchange"`
	SecType         string          `json:"secType"`
	Expiry          string          `json:"expiry,omitempty"`
	Strike          decimal.Decimal `json:"strike,omitempty"`
	Multiplier      string          `json:"multiplier,omitempty"`
	Right           string          `json:"right,omitempty"`
}

func (c contractJSON) key() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s:%s",
		c.SecType, c.Symbol, c.PrimaryExchange, c.Expiry, c.Strike, c.Multiplier, c.Right)
}

type session struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	barSec time.Duration

	nextPermID  int64
	nextOrderID int64
	nextExecID  int64
	prices      map[string]decimal.Decimal
	feeds       map[string]context.CancelFunc
}

func newSession(conn *websocket.Conn, barSec time.Duration) *session {
	return &session{
		conn:        conn,
		barSec:      barSec,
		nextPermID:  1000,
		nextOrderID: 0,
		prices:      make(map[string]decimal.Decimal),
		feeds:       make(map[string]context.CancelFunc),
	}
}

func (s *session) write(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		logs.Warnf("write: %v", err)
	}
}

func (s *session) price(key string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[key]
	if !ok {
		p = decimal.NewFromInt(100)
	}
	step := decimal.NewFromFloat((rand.Float64() - 0.5) * 0.8)
	p = p.Add(step)
	if p.LessThan(decimal.NewFromInt(1)) {
		p = decimal.NewFromInt(1)
	}
	s.prices[key] = p
	return p
}

func (s *session) serve(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		for _, cancel := range s.feeds {
			cancel()
		}
		s.mu.Unlock()
		s.conn.Close()
	}()

	for {
		var req request
		if err := s.conn.ReadJSON(&req); err != nil {
			logs.Infof("session closed: %v", err)
			return
		}
		switch req.Method {
		case "placeOrder":
			s.placeOrder(req)
		case "cancelOrder":
			s.cancelOrder(req)
		case "subscribeMarketData":
			s.subscribe(ctx, req)
		case "unsubscribeMarketData":
			s.unsubscribe(req)
		case "openOrders", "positions":
			s.write(response{ID: req.ID, Result: []any{}})
		default:
			s.write(response{ID: req.ID, Error: "unknown method: " + req.Method})
		}
	}
}

func (s *session) placeOrder(req request) {
	var params struct {
		Contract contractJSON    `json:"contract"`
		Side     string          `json:"side"`
		Quantity decimal.Decimal `json:"quantity"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.write(response{ID: req.ID, Error: "bad placeOrder params"})
		return
	}

	s.mu.Lock()
	s.nextPermID++
	s.nextOrderID++
	s.nextExecID++
	permID, orderID := s.nextPermID, s.nextOrderID
	execID := fmt.Sprintf("sim-%06d", s.nextExecID)
	s.mu.Unlock()

	s.write(response{ID: req.ID, Result: map[string]int64{"permId": permID, "orderId": orderID}})

	// Fill shortly after the ack, commission trailing the execution.
	go func() {
		time.Sleep(50 * time.Millisecond)
		price := s.price(params.Contract.key())
		s.write(frame{Stream: "orderStatus", Data: map[string]any{
			"permId": permID, "orderId": orderID, "status": "Submitted",
			"filled": decimal.Zero,
		}})
		s.write(frame{Stream: "execution", Data: map[string]any{
			"execId": execID, "permId": permID, "orderId": orderID,
			"contract": params.Contract, "side": params.Side,
			"price": price, "qty": params.Quantity, "cumQty": params.Quantity,
			"time": time.Now().Unix(),
		}})
		s.write(frame{Stream: "commission", Data: map[string]any{
			"execId": execID, "fee": decimal.NewFromFloat(1.0),
		}})
	}()
}

func (s *session) cancelOrder(req request) {
	var params struct {
		PermID  int64 `json:"permId"`
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.write(response{ID: req.ID, Error: "bad cancelOrder params"})
		return
	}
	s.write(response{ID: req.ID})
	s.write(frame{Stream: "orderStatus", Data: map[string]any{
		"permId": params.PermID, "orderId": params.OrderID, "status": "Cancelled",
		"filled": decimal.Zero,
	}})
}

func (s *session) subscribe(ctx context.Context, req request) {
	var contract contractJSON
	if err := json.Unmarshal(req.Params, &contract); err != nil {
		s.write(response{ID: req.ID, Error: "bad subscribe params"})
		return
	}
	key := contract.key()

	s.mu.Lock()
	if cancel, ok := s.feeds[key]; ok {
		cancel()
	}
	feedCtx, cancel := context.WithCancel(ctx)
	s.feeds[key] = cancel
	s.mu.Unlock()

	s.write(response{ID: req.ID})
	go s.stream(feedCtx, contract)
}

func (s *session) unsubscribe(req request) {
	var contract contractJSON
	if err := json.Unmarshal(req.Params, &contract); err != nil {
		s.write(response{ID: req.ID, Error: "bad unsubscribe params"})
		return
	}
	s.mu.Lock()
	if cancel, ok := s.feeds[contract.key()]; ok {
		cancel()
		delete(s.feeds, contract.key())
	}
	s.mu.Unlock()
	s.write(response{ID: req.ID})
}

func (s *session) stream(ctx context.Context, contract contractJSON) {
	ticker := time.NewTicker(s.barSec)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			openPx := s.price(contract.key())
			closePx := s.price(contract.key())
			high, low := openPx, closePx
			if closePx.GreaterThan(high) {
				high = closePx
			}
			if openPx.LessThan(low) {
				low = openPx
			}
			s.write(frame{Stream: "bar", Data: map[string]any{
				"contract": contract,
				"time":     now.UTC().Unix(),
				"open":     openPx, "high": high, "low": low, "close": closePx,
				"volume": decimal.NewFromInt(int64(rand.Intn(900) + 100)),
			}})
		}
	}
}

func main() {
	addr := flag.String("addr", ":7497", "Listen address")
	barSec := flag.Int("bar-sec", 5, "Bar cadence in seconds")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logs.Warnf("upgrade: %v", err)
			return
		}
		logs.Infof("session opened: %s", conn.RemoteAddr())
		go newSession(conn, time.Duration(*barSec)*time.Second).serve(ctx)
	})

	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logs.Infof("gateway simulator listening on %s", *addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logs.Errorf("serve: %v", err)
		os.Exit(1)
	}
}
