// Package d8xtest runs an in-process exchange with the REST endpoints and
// WebSocket feed perpsync consumes.
package d8xtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perpsync/perpsync/perpsync"
	"github.com/perpsync/perpsync/symbol"
)

// CapturedRequest is one REST call received by the server.
type CapturedRequest struct {
	Method    string
	Path      string
	Query     map[string]string
	Timestamp time.Time
}

// Server is the mock exchange.
type Server struct {
	httpServer *httptest.Server
	state      *State
	upgrader   websocket.Upgrader

	mu            sync.Mutex
	requests      []CapturedRequest
	conns         map[*websocket.Conn]*sync.Mutex
	subscriptions []Subscription
}

// Subscription is a subscribe frame received over the feed.
type Subscription struct {
	TraderAddr string `json:"traderAddr"`
	Symbol     string `json:"symbol"`
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		state: NewState(),
		conns: make(map[*websocket.Conn]*sync.Mutex),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /exchange-info", s.handleExchangeInfo)
	mux.HandleFunc("GET /open-orders", s.handleOpenOrders)
	mux.HandleFunc("GET /cancel-order", s.handleCancelOrder)
	mux.HandleFunc("GET /position-risk", s.handlePositionRisk)
	mux.HandleFunc("GET /trading-fee", s.handleTradingFee)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = httptest.NewServer(s.capture(mux))
	t.Cleanup(s.Close)
	return s
}

// URL is the REST base URL.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// WSURL is the feed URL.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http") + "/ws"
}

func (s *Server) State() *State {
	return s.state
}

func (s *Server) Close() {
	s.DropConnections()
	s.httpServer.Close()
}

// Requests returns the REST calls received so far, optionally only those for
// path.
func (s *Server) Requests(path string) []CapturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CapturedRequest
	for _, r := range s.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Subscriptions returns every subscribe frame received.
func (s *Server) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscription(nil), s.subscriptions...)
}

// ConnectionCount is the number of open feed connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast sends msg to every feed connection.
func (s *Server) Broadcast(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.BroadcastRaw(raw)
}

// BroadcastRaw sends raw as a text frame to every feed connection.
func (s *Server) BroadcastRaw(raw []byte) error {
	s.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(s.conns))
	for c, m := range s.conns {
		conns[c] = m
	}
	s.mu.Unlock()

	var firstErr error
	for conn, writeMu := range conns {
		writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, raw)
		writeMu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DropConnections closes every feed connection without a close frame.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
}

func (s *Server) capture(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := make(map[string]string)
		for k, v := range r.URL.Query() {
			if len(v) > 0 {
				query[k] = v[0]
			}
		}
		s.mu.Lock()
		s.requests = append(s.requests, CapturedRequest{
			Method:    r.Method,
			Path:      r.URL.Path,
			Query:     query,
			Timestamp: time.Now(),
		})
		s.mu.Unlock()

		if status := s.state.failure(r.URL.Path); status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func (s *Server) handleExchangeInfo(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]any{
		"pools":             s.state.Pools(),
		"oracleFactoryAddr": "0x0000000000000000000000000000000000000fac",
		"proxyAddr":         "0x0000000000000000000000000000000000000b0b",
	})
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sym, trader := q.Get("symbol"), q.Get("traderAddr")
	if sym == "" || trader == "" {
		http.Error(w, "symbol and traderAddr are required", http.StatusBadRequest)
		return
	}
	orders := s.state.OpenOrders(trader, sym)
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	if orders == nil {
		orders = []perpsync.Order{}
	}
	writeData(w, map[string]any{"orders": orders, "orderIds": ids})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("orderId")
	payload, ok := s.state.CancelPayload(id)
	if !ok {
		http.Error(w, "unknown order", http.StatusNotFound)
		return
	}
	writeData(w, payload)
}

func (s *Server) handlePositionRisk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accounts := s.state.Positions(q.Get("traderAddr"), q.Get("symbol"))
	if accounts == nil {
		accounts = []perpsync.MarginAccount{}
	}
	writeData(w, accounts)
}

func (s *Server) handleTradingFee(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fee, ok := s.state.TradingFee(q.Get("poolSymbol"), q.Get("traderAddr"))
	if !ok {
		http.Error(w, "unknown pool", http.StatusNotFound)
		return
	}
	writeData(w, fee)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[conn] = writeMu
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	writeMu.Lock()
	err = conn.WriteJSON(map[string]any{"type": "connect", "msg": "", "data": map[string]any{}})
	writeMu.Unlock()
	if err != nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil || sub.Symbol == "" {
			continue
		}
		s.mu.Lock()
		s.subscriptions = append(s.subscriptions, sub)
		s.mu.Unlock()

		ack := s.subscriptionAck(sub.Symbol)
		writeMu.Lock()
		err = conn.WriteJSON(ack)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Server) subscriptionAck(sym string) map[string]any {
	msg := map[string]any{"type": "subscription", "msg": sym, "data": map[string]any{}}
	parsed, ok := symbol.Parse(sym)
	if !ok {
		return msg
	}
	for _, pool := range s.state.Pools() {
		if pool.PoolSymbol != parsed.Pool {
			continue
		}
		for _, perp := range pool.Perpetuals {
			if perp.BaseCurrency == parsed.Base && perp.QuoteCurrency == parsed.Quote {
				msg["data"] = perp
			}
		}
	}
	return msg
}

// MarkPriceUpdate builds an on-update-mark-price frame.
func MarkPriceUpdate(sym string, perpetualID int64, mark string) map[string]any {
	return map[string]any{
		"type": "on-update-mark-price",
		"msg":  "",
		"data": map[string]any{"obj": map[string]any{
			"symbol":       sym,
			"perpetualId":  perpetualID,
			"midPrice":     mark,
			"markPrice":    mark,
			"indexPrice":   mark,
			"fundingRate":  "0",
			"openInterest": "0",
		}},
	}
}

// AccountEvent builds an account-scoped frame such as on-trade.
func AccountEvent(kind, trader, sym, orderID string) map[string]any {
	obj := map[string]any{"traderAddr": trader, "symbol": sym}
	if orderID != "" {
		obj["orderId"] = orderID
	}
	return map[string]any{"type": kind, "msg": "", "data": map[string]any{"obj": obj}}
}
