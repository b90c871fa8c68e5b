package d8xtest

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/perpsync/perpsync/perpsync"
)

// State is the exchange data the mock serves. Tests seed and inspect it.
type State struct {
	mu         sync.RWMutex
	pools      []perpsync.Pool
	openOrders map[string][]perpsync.Order // trader -> orders
	positions  map[string][]perpsync.MarginAccount
	fees       map[string]decimal.Decimal // pool|trader -> fee
	payloads   map[string]perpsync.CancelOrderPayload
	failures   map[string]int // path -> status
}

func NewState() *State {
	return &State{
		openOrders: make(map[string][]perpsync.Order),
		positions:  make(map[string][]perpsync.MarginAccount),
		fees:       make(map[string]decimal.Decimal),
		payloads:   make(map[string]perpsync.CancelOrderPayload),
		failures:   make(map[string]int),
	}
}

func (s *State) SetPools(pools ...perpsync.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools = append([]perpsync.Pool(nil), pools...)
}

func (s *State) Pools() []perpsync.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]perpsync.Pool(nil), s.pools...)
}

// AddOpenOrder lists order for trader.
func (s *State) AddOpenOrder(trader string, order perpsync.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := perpsync.NormalizeAddress(trader)
	s.openOrders[key] = append(s.openOrders[key], order)
}

// RemoveOpenOrder delists an order and reports whether it existed.
func (s *State) RemoveOpenOrder(trader, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := perpsync.NormalizeAddress(trader)
	orders := s.openOrders[key]
	for i, o := range orders {
		if o.ID == id {
			s.openOrders[key] = append(orders[:i:i], orders[i+1:]...)
			return true
		}
	}
	return false
}

func (s *State) OpenOrders(trader, symbol string) []perpsync.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []perpsync.Order
	for _, o := range s.openOrders[perpsync.NormalizeAddress(trader)] {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

func (s *State) SetPosition(trader string, account perpsync.MarginAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := perpsync.NormalizeAddress(trader)
	accounts := s.positions[key]
	for i := range accounts {
		if accounts[i].Symbol == account.Symbol {
			accounts[i] = account
			return
		}
	}
	s.positions[key] = append(accounts, account)
}

func (s *State) Positions(trader, symbol string) []perpsync.MarginAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []perpsync.MarginAccount
	for _, a := range s.positions[perpsync.NormalizeAddress(trader)] {
		if a.Symbol == symbol {
			out = append(out, a)
		}
	}
	return out
}

func (s *State) SetTradingFee(poolSymbol, trader string, fee decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees[feeKey(poolSymbol, trader)] = fee
}

func (s *State) TradingFee(poolSymbol, trader string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fee, ok := s.fees[feeKey(poolSymbol, trader)]
	return fee, ok
}

// SetCancelPayload fixes the payload returned for orderID.
func (s *State) SetCancelPayload(orderID string, payload perpsync.CancelOrderPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[orderID] = payload
}

func (s *State) CancelPayload(orderID string) (perpsync.CancelOrderPayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payloads[orderID]
	return p, ok
}

// FailPath makes every request to path answer with status. Zero clears it.
func (s *State) FailPath(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, path)
		return
	}
	s.failures[path] = status
}

func (s *State) failure(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures[path]
}

func feeKey(poolSymbol, trader string) string {
	return strings.ToUpper(poolSymbol) + "|" + perpsync.NormalizeAddress(trader)
}
