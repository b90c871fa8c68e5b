package store

import (
	"github.com/shopspring/decimal"

	"github.com/perpsync/perpsync/perpsync"
)

// Action is a named mutation of State. apply reports whether the state
// changed.
type Action interface {
	Name() string
	apply(*State) bool
}

// SetWebSocketReady records whether the feed acknowledged the connection.
type SetWebSocketReady struct {
	Ready bool
}

func (SetWebSocketReady) Name() string { return "set-websocket-ready" }

func (a SetWebSocketReady) apply(s *State) bool {
	if s.WebSocketReady == a.Ready {
		return false
	}
	s.WebSocketReady = a.Ready
	return true
}

// SetPerpetualStatistics overwrites the statistics of the selected perpetual.
type SetPerpetualStatistics struct {
	Statistics perpsync.PerpetualStatistics
}

func (SetPerpetualStatistics) Name() string { return "set-perpetual-statistics" }

func (a SetPerpetualStatistics) apply(s *State) bool {
	stats := a.Statistics
	s.Statistics = &stats
	return true
}

// SetPosition replaces the position held for Account.Symbol. A non-empty
// Trader scopes the action to that account.
type SetPosition struct {
	Trader  string
	Account perpsync.MarginAccount
}

func (SetPosition) Name() string { return "set-position" }

func (a SetPosition) apply(s *State) bool {
	if !s.owned(a.Trader) {
		return false
	}
	account := cloneMarginAccount(a.Account)
	for i := range s.Positions {
		if s.Positions[i].Symbol == account.Symbol {
			s.Positions[i] = account
			return true
		}
	}
	s.Positions = append(s.Positions, account)
	return true
}

// ReplaceOpenOrders swaps every open order of Symbol for Orders. Orders of
// other symbols keep their place; the new batch takes the slot of the first
// order it replaces, or goes to the end. A non-empty Trader scopes the
// action to that account.
type ReplaceOpenOrders struct {
	Trader string
	Symbol string
	Orders []perpsync.Order
}

func (ReplaceOpenOrders) Name() string { return "replace-open-orders" }

func (a ReplaceOpenOrders) apply(s *State) bool {
	if !s.owned(a.Trader) {
		return false
	}
	next := make([]perpsync.Order, 0, len(s.OpenOrders)+len(a.Orders))
	inserted := false
	removed := 0
	for _, o := range s.OpenOrders {
		if o.Symbol != a.Symbol {
			next = append(next, o)
			continue
		}
		removed++
		if !inserted {
			next = appendOrders(next, a.Orders)
			inserted = true
		}
	}
	if !inserted {
		next = appendOrders(next, a.Orders)
	}
	if removed == 0 && len(a.Orders) == 0 {
		return false
	}
	s.OpenOrders = next
	return true
}

// RemoveOpenOrder drops the order with ID. Unknown ids leave the state alone.
type RemoveOpenOrder struct {
	ID string
}

func (RemoveOpenOrder) Name() string { return "remove-open-order" }

func (a RemoveOpenOrder) apply(s *State) bool {
	for i := range s.OpenOrders {
		if s.OpenOrders[i].ID == a.ID {
			s.OpenOrders = append(s.OpenOrders[:i:i], s.OpenOrders[i+1:]...)
			return true
		}
	}
	return false
}

// ClearOpenOrders empties the open orders list.
type ClearOpenOrders struct{}

func (ClearOpenOrders) Name() string { return "clear-open-orders" }

func (ClearOpenOrders) apply(s *State) bool {
	if len(s.OpenOrders) == 0 {
		return false
	}
	s.OpenOrders = nil
	return true
}

// SetPoolFee stores the trading fee, in tbps, of the selected pool. A
// non-empty Trader scopes the action to that account.
type SetPoolFee struct {
	Trader string
	Fee    decimal.Decimal
}

func (SetPoolFee) Name() string { return "set-pool-fee" }

func (a SetPoolFee) apply(s *State) bool {
	if !s.owned(a.Trader) {
		return false
	}
	if s.PoolFee != nil && s.PoolFee.Equal(a.Fee) {
		return false
	}
	fee := a.Fee
	s.PoolFee = &fee
	return true
}

// ResetAccount forgets everything tied to the previous wallet and makes
// Trader the account that scoped actions must name.
type ResetAccount struct {
	Trader string
}

func (ResetAccount) Name() string { return "reset-account" }

func (a ResetAccount) apply(s *State) bool {
	account := perpsync.NormalizeAddress(a.Trader)
	if account == s.Account && len(s.Positions) == 0 && len(s.OpenOrders) == 0 && s.PoolFee == nil {
		return false
	}
	s.Account = account
	s.Positions = nil
	s.OpenOrders = nil
	s.PoolFee = nil
	return true
}

func appendOrders(dst []perpsync.Order, src []perpsync.Order) []perpsync.Order {
	for _, o := range src {
		dst = append(dst, cloneOrder(o))
	}
	return dst
}
