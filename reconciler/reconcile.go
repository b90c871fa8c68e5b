package reconciler

import (
	"encoding/json"
	"fmt"

	"github.com/perpsync/perpsync/perpsync"
	"github.com/perpsync/perpsync/store"
	"github.com/perpsync/perpsync/symbol"
)

// Command is the outcome of reconciling one message.
type Command interface {
	command()
}

// Mutate applies Action to the store.
type Mutate struct {
	Action store.Action
}

// RefetchOpenOrders asks for the authoritative open orders of Trader on
// Symbol. The fetch result replaces that symbol's open orders.
type RefetchOpenOrders struct {
	Symbol string
	Trader string
}

func (Mutate) command()            {}
func (RefetchOpenOrders) command() {}

// Reconcile turns a raw feed message into commands for the given selection
// and session. Messages of unknown kind, messages that fail a precondition
// and messages filtered out by selection or session yield no commands. Only
// undecodable JSON is an error.
func Reconcile(sel perpsync.Selection, session perpsync.Session, raw []byte) ([]Command, error) {
	_, commands, err := reconcile(sel, session, raw)
	return commands, err
}

func reconcile(sel perpsync.Selection, session perpsync.Session, raw []byte) (string, []Command, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	commands, err := dispatch(sel, session, env)
	return env.Type, commands, err
}

func dispatch(sel perpsync.Selection, session perpsync.Session, env Envelope) ([]Command, error) {
	switch env.Type {
	case KindConnect:
		return []Command{Mutate{Action: store.SetWebSocketReady{Ready: true}}}, nil

	case KindSubscription:
		parsed, ok := symbol.Parse(env.Msg)
		if !ok {
			return nil, nil
		}
		var data subscriptionData
		if err := decodeData(env, &data); err != nil {
			return nil, err
		}
		return statistics(sel, perpsync.PerpetualStatistics{
			ID:                    data.ID,
			BaseCurrency:          data.BaseCurrency,
			QuoteCurrency:         data.QuoteCurrency,
			PoolName:              parsed.Pool,
			MidPrice:              data.MidPrice,
			MarkPrice:             data.MarkPrice,
			IndexPrice:            data.IndexPrice,
			CurrentFundingRateBps: data.CurrentFundingRateBps,
			OpenInterestBC:        data.OpenInterestBC,
		}), nil

	case KindUpdateMarkPrice:
		var data markPriceData
		if err := decodeData(env, &data); err != nil {
			return nil, err
		}
		parsed, ok := symbol.Parse(data.Obj.Symbol)
		if !ok {
			return nil, nil
		}
		return statistics(sel, perpsync.PerpetualStatistics{
			ID:                    data.Obj.PerpetualID,
			BaseCurrency:          parsed.Base,
			QuoteCurrency:         parsed.Quote,
			PoolName:              parsed.Pool,
			MidPrice:              data.Obj.MidPrice,
			MarkPrice:             data.Obj.MarkPrice,
			IndexPrice:            data.Obj.IndexPrice,
			CurrentFundingRateBps: data.Obj.FundingRate,
			OpenInterestBC:        data.Obj.OpenInterest,
		}), nil

	case KindUpdateMarginAccount:
		var data marginAccountData
		if err := decodeData(env, &data); err != nil {
			return nil, err
		}
		if data.Obj.TraderAddr == "" || !session.Owns(data.Obj.TraderAddr) {
			return nil, nil
		}
		return []Command{Mutate{Action: store.SetPosition{Trader: session.Address(), Account: data.Obj}}}, nil

	case KindPerpetualLimitOrderCreated, KindTrade:
		var data orderEventData
		if err := decodeData(env, &data); err != nil {
			return nil, err
		}
		if data.Obj.TraderAddr == "" || data.Obj.Symbol == "" || !session.Owns(data.Obj.TraderAddr) {
			return nil, nil
		}
		return []Command{RefetchOpenOrders{Symbol: data.Obj.Symbol, Trader: session.Address()}}, nil

	case KindPerpetualLimitOrderCancelled:
		var data orderEventData
		if err := decodeData(env, &data); err != nil {
			return nil, err
		}
		if data.Obj.TraderAddr == "" || data.Obj.OrderID == "" || !session.Owns(data.Obj.TraderAddr) {
			return nil, nil
		}
		return []Command{Mutate{Action: store.RemoveOpenOrder{ID: data.Obj.OrderID}}}, nil
	}

	return nil, nil
}

func statistics(sel perpsync.Selection, stats perpsync.PerpetualStatistics) []Command {
	if !sel.Matches(stats) {
		return nil
	}
	return []Command{Mutate{Action: store.SetPerpetualStatistics{Statistics: stats}}}
}

func decodeData(env Envelope, dst any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("decode %s data: %w", env.Type, err)
	}
	return nil
}

// kindLabel keeps metric label cardinality bounded.
func kindLabel(kind string) string {
	if _, ok := knownKinds[kind]; ok {
		return kind
	}
	return "unknown"
}
