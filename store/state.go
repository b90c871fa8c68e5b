package store

import (
	"github.com/shopspring/decimal"

	"github.com/perpsync/perpsync/perpsync"
)

// State is everything the reconciler keeps about the market and the
// connected account.
type State struct {
	Account        string                        `json:"account,omitempty"`
	WebSocketReady bool                          `json:"webSocketReady"`
	Statistics     *perpsync.PerpetualStatistics `json:"statistics,omitempty"`
	Positions      []perpsync.MarginAccount      `json:"positions"`
	OpenOrders     []perpsync.Order              `json:"openOrders"`
	PoolFee        *decimal.Decimal              `json:"poolFee,omitempty"`
}

// OpenOrder returns the open order with id.
func (s State) OpenOrder(id string) (perpsync.Order, bool) {
	for _, o := range s.OpenOrders {
		if o.ID == id {
			return o, true
		}
	}
	return perpsync.Order{}, false
}

// Position returns the position held on symbol.
func (s State) Position(symbol string) (perpsync.MarginAccount, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return perpsync.MarginAccount{}, false
}

// owned reports whether an action scoped to trader may touch the account
// state. Unscoped actions always may.
func (s *State) owned(trader string) bool {
	return trader == "" || perpsync.NormalizeAddress(trader) == s.Account
}

func (s State) clone() State {
	out := State{Account: s.Account, WebSocketReady: s.WebSocketReady}
	if s.Statistics != nil {
		stats := *s.Statistics
		out.Statistics = &stats
	}
	if s.PoolFee != nil {
		fee := *s.PoolFee
		out.PoolFee = &fee
	}
	out.Positions = make([]perpsync.MarginAccount, 0, len(s.Positions))
	for _, p := range s.Positions {
		out.Positions = append(out.Positions, cloneMarginAccount(p))
	}
	out.OpenOrders = make([]perpsync.Order, 0, len(s.OpenOrders))
	for _, o := range s.OpenOrders {
		out.OpenOrders = append(out.OpenOrders, cloneOrder(o))
	}
	return out
}

func cloneOrder(o perpsync.Order) perpsync.Order {
	o.LimitPrice = cloneDecimal(o.LimitPrice)
	o.StopPrice = cloneDecimal(o.StopPrice)
	o.Leverage = cloneDecimal(o.Leverage)
	if o.Deadline != nil {
		v := *o.Deadline
		o.Deadline = &v
	}
	if o.Timestamp != nil {
		v := *o.Timestamp
		o.Timestamp = &v
	}
	return o
}

func cloneMarginAccount(m perpsync.MarginAccount) perpsync.MarginAccount {
	if m.LiquidationPrice != nil {
		m.LiquidationPrice = append([]decimal.Decimal(nil), m.LiquidationPrice...)
	}
	return m
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
