package perpsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/perpsync/perpsync/symbol"
)

var (
	// ErrMissingDigest is returned when the exchange hands back a cancel
	// payload without a digest to sign.
	ErrMissingDigest = errors.New("perpsync: cancel payload has no digest")
	// ErrNotConnected is returned for account operations without a session.
	ErrNotConnected = errors.New("perpsync: wallet not connected")
)

// Perpetual is one tradable base/quote instrument inside a pool.
type Perpetual struct {
	ID                    int64           `json:"id"`
	State                 string          `json:"state"`
	BaseCurrency          string          `json:"baseCurrency"`
	QuoteCurrency         string          `json:"quoteCurrency"`
	IndexPrice            decimal.Decimal `json:"indexPrice"`
	MarkPrice             decimal.Decimal `json:"markPrice"`
	MidPrice              decimal.Decimal `json:"midPrice"`
	CurrentFundingRateBps decimal.Decimal `json:"currentFundingRateBps"`
	OpenInterestBC        decimal.Decimal `json:"openInterestBC"`
}

// Pool groups perpetuals that share a collateral token.
type Pool struct {
	PoolID          int64       `json:"poolId"`
	PoolSymbol      string      `json:"poolSymbol"`
	IsRunning       bool        `json:"isRunning"`
	MarginTokenAddr string      `json:"marginTokenAddr"`
	SettleSymbol    string      `json:"settleSymbol,omitempty"`
	Perpetuals      []Perpetual `json:"perpetuals"`
}

// Symbols returns the composite symbol of every perpetual in the pool, in
// listing order.
func (p Pool) Symbols() []string {
	out := make([]string, 0, len(p.Perpetuals))
	for _, perp := range p.Perpetuals {
		out = append(out, symbol.Create(perp.BaseCurrency, perp.QuoteCurrency, p.PoolSymbol))
	}
	return out
}

// Perpetual looks up a perpetual of the pool by id.
func (p Pool) Perpetual(id int64) (Perpetual, bool) {
	for _, perp := range p.Perpetuals {
		if perp.ID == id {
			return perp, true
		}
	}
	return Perpetual{}, false
}

// PerpetualStatistics is the market summary shown for the selected
// perpetual. It is always replaced as a whole.
type PerpetualStatistics struct {
	ID                    int64           `json:"id"`
	BaseCurrency          string          `json:"baseCurrency"`
	QuoteCurrency         string          `json:"quoteCurrency"`
	PoolName              string          `json:"poolName"`
	MidPrice              decimal.Decimal `json:"midPrice"`
	MarkPrice             decimal.Decimal `json:"markPrice"`
	IndexPrice            decimal.Decimal `json:"indexPrice"`
	CurrentFundingRateBps decimal.Decimal `json:"currentFundingRateBps"`
	OpenInterestBC        decimal.Decimal `json:"openInterestBC"`
}

// Order is an open order as listed by the exchange, keyed by ID.
type Order struct {
	ID              string           `json:"id"`
	Symbol          string           `json:"symbol"`
	Side            string           `json:"side"`
	Type            string           `json:"type"`
	Quantity        decimal.Decimal  `json:"quantity"`
	ReduceOnly      bool             `json:"reduceOnly,omitempty"`
	LimitPrice      *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice       *decimal.Decimal `json:"stopPrice,omitempty"`
	Leverage        *decimal.Decimal `json:"leverage,omitempty"`
	KeepPositionLvg bool             `json:"keepPositionLvg,omitempty"`
	Deadline        *int64           `json:"deadline,omitempty"`
	Timestamp       *int64           `json:"timestamp,omitempty"`
}

// MarginAccount is the position snapshot of one trader on one perpetual.
type MarginAccount struct {
	TraderAddr                     string            `json:"traderAddr,omitempty"`
	PerpetualID                    int64             `json:"perpetualId,omitempty"`
	Symbol                         string            `json:"symbol"`
	PositionNotionalBaseCCY        decimal.Decimal   `json:"positionNotionalBaseCCY"`
	Side                           string            `json:"side"`
	EntryPrice                     decimal.Decimal   `json:"entryPrice"`
	Leverage                       decimal.Decimal   `json:"leverage"`
	MarkPrice                      decimal.Decimal   `json:"markPrice"`
	UnrealizedPnlQuoteCCY          decimal.Decimal   `json:"unrealizedPnlQuoteCCY"`
	UnrealizedFundingCollateralCCY decimal.Decimal   `json:"unrealizedFundingCollateralCCY"`
	CollateralCC                   decimal.Decimal   `json:"collateralCC"`
	LiquidationPrice               []decimal.Decimal `json:"liquidationPrice,omitempty"`
	LiquidationLvg                 decimal.Decimal   `json:"liquidationLvg"`
	CollToQuoteConversion          decimal.Decimal   `json:"collToQuoteConversion"`
}

// PriceUpdate carries the oracle update that must accompany an on-chain
// cancellation.
type PriceUpdate struct {
	UpdateData   []string    `json:"updateData"`
	PublishTimes []uint64    `json:"publishTimes"`
	UpdateFee    json.Number `json:"updateFee"`
}

// Fee returns the update fee in wei. An empty fee is zero.
func (p PriceUpdate) Fee() (*big.Int, error) {
	raw := strings.TrimSpace(p.UpdateFee.String())
	if raw == "" {
		return new(big.Int), nil
	}
	fee, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid update fee %q", raw)
	}
	if fee.Sign() < 0 {
		return nil, fmt.Errorf("negative update fee %q", raw)
	}
	return fee, nil
}

// CancelOrderPayload is the unsigned cancellation the exchange prepares for
// an order.
type CancelOrderPayload struct {
	OrderBookAddr string      `json:"OrderBookAddr"`
	Digest        string      `json:"digest"`
	PriceUpdate   PriceUpdate `json:"priceUpdate"`
}
