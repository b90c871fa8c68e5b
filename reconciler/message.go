package reconciler

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/perpsync/perpsync/perpsync"
)

// Kind tags of the exchange feed.
const (
	KindConnect                      = "connect"
	KindSubscription                 = "subscription"
	KindUpdateMarkPrice              = "on-update-mark-price"
	KindUpdateMarginAccount          = "on-update-margin-account"
	KindPerpetualLimitOrderCreated   = "on-perpetual-limit-order-created"
	KindPerpetualLimitOrderCancelled = "on-perpetual-limit-order-cancelled"
	KindTrade                        = "on-trade"
)

var knownKinds = map[string]struct{}{
	KindConnect:                      {},
	KindSubscription:                 {},
	KindUpdateMarkPrice:              {},
	KindUpdateMarginAccount:          {},
	KindPerpetualLimitOrderCreated:   {},
	KindPerpetualLimitOrderCancelled: {},
	KindTrade:                        {},
}

// Envelope is the outer shape of every feed message.
type Envelope struct {
	Type string          `json:"type"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type subscriptionData struct {
	ID                    int64           `json:"id"`
	BaseCurrency          string          `json:"baseCurrency"`
	QuoteCurrency         string          `json:"quoteCurrency"`
	MidPrice              decimal.Decimal `json:"midPrice"`
	MarkPrice             decimal.Decimal `json:"markPrice"`
	IndexPrice            decimal.Decimal `json:"indexPrice"`
	CurrentFundingRateBps decimal.Decimal `json:"currentFundingRateBps"`
	OpenInterestBC        decimal.Decimal `json:"openInterestBC"`
}

type markPriceData struct {
	Obj struct {
		PerpetualID  int64           `json:"perpetualId"`
		Symbol       string          `json:"symbol"`
		MidPrice     decimal.Decimal `json:"midPrice"`
		MarkPrice    decimal.Decimal `json:"markPrice"`
		IndexPrice   decimal.Decimal `json:"indexPrice"`
		FundingRate  decimal.Decimal `json:"fundingRate"`
		OpenInterest decimal.Decimal `json:"openInterest"`
	} `json:"obj"`
}

type marginAccountData struct {
	Obj perpsync.MarginAccount `json:"obj"`
}

type orderEventData struct {
	Obj struct {
		TraderAddr  string `json:"traderAddr"`
		Symbol      string `json:"symbol"`
		PerpetualID int64  `json:"perpetualId"`
		OrderID     string `json:"orderId"`
	} `json:"obj"`
}
