package d8x

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/perpsync/perpsync/perpsync"
	"github.com/perpsync/perpsync/store"
)

type accountSource interface {
	OpenOrders(ctx context.Context, symbol, trader string) ([]perpsync.Order, error)
	PositionRisk(ctx context.Context, symbol, trader string) ([]perpsync.MarginAccount, error)
	TradingFee(ctx context.Context, poolSymbol, trader string) (decimal.Decimal, error)
}

// ContextSource exposes the current selection and session.
type ContextSource interface {
	Selection() perpsync.Selection
	Session() perpsync.Session
}

// Refresher reloads the pool fee, open orders and positions of the selected
// pool for the connected wallet.
type Refresher struct {
	source         accountSource
	store          *store.Store
	current        ContextSource
	logger         *slog.Logger
	maxConcurrency int

	trigger chan struct{}
}

type RefresherOption func(*Refresher)

func WithRefresherLogger(logger *slog.Logger) RefresherOption {
	return func(r *Refresher) {
		if logger != nil {
			r.logger = logger.WithGroup("refresher")
		}
	}
}

// WithRefresherConcurrency caps parallel REST calls. Values <= 0 are
// ignored.
func WithRefresherConcurrency(n int) RefresherOption {
	return func(r *Refresher) {
		if n > 0 {
			r.maxConcurrency = n
		}
	}
}

func NewRefresher(source accountSource, st *store.Store, current ContextSource, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		source:         source,
		store:          st,
		current:        current,
		logger:         slog.Default().WithGroup("refresher"),
		maxConcurrency: 4,
		trigger:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trigger schedules a refresh. Triggers that arrive while one is pending are
// merged.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes on every trigger and every interval until ctx ends. A
// non-positive interval disables the periodic refresh.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.trigger:
		case <-tick:
		}
		if err := r.Refresh(ctx); err != nil && !errors.Is(err, perpsync.ErrNotConnected) {
			r.logger.Warn("refresh incomplete", slog.String("error", err.Error()))
		}
	}
}

// Refresh loads everything once for the current selection and session.
// Failed calls are reported together; successful ones are applied.
func (r *Refresher) Refresh(ctx context.Context) error {
	sel, session := r.current.Selection(), r.current.Session()
	if !session.Connected() {
		return perpsync.ErrNotConnected
	}
	if !sel.Valid() {
		return nil
	}
	trader := session.Address()

	var (
		errsMu sync.Mutex
		errs   []error
	)
	fail := func(err error) {
		errsMu.Lock()
		errs = append(errs, err)
		errsMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrency)

	g.Go(func() error {
		fee, err := r.source.TradingFee(gctx, sel.Pool.PoolSymbol, trader)
		if err != nil {
			fail(fmt.Errorf("trading fee %s: %w", sel.Pool.PoolSymbol, err))
			return nil
		}
		r.apply(trader, store.SetPoolFee{Trader: trader, Fee: fee})
		return nil
	})

	for _, sym := range sel.Pool.Symbols() {
		g.Go(func() error {
			orders, err := r.source.OpenOrders(gctx, sym, trader)
			if err != nil {
				fail(fmt.Errorf("open orders %s: %w", sym, err))
				return nil
			}
			r.apply(trader, store.ReplaceOpenOrders{Trader: trader, Symbol: sym, Orders: orders})
			return nil
		})
		g.Go(func() error {
			accounts, err := r.source.PositionRisk(gctx, sym, trader)
			if err != nil {
				fail(fmt.Errorf("position risk %s: %w", sym, err))
				return nil
			}
			actions := make([]store.Action, 0, len(accounts))
			for _, acc := range accounts {
				if acc.Symbol == "" {
					acc.Symbol = sym
				}
				actions = append(actions, store.SetPosition{Trader: trader, Account: acc})
			}
			r.apply(trader, actions...)
			return nil
		})
	}

	_ = g.Wait()

	r.logger.Debug("refreshed account",
		slog.String("pool", sel.Pool.PoolSymbol),
		slog.String("trader", trader),
		slog.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}

// apply drops results fetched for a wallet that is no longer connected. The
// actions carry the trader too, so a switch between the check and the
// dispatch is caught by the store.
func (r *Refresher) apply(trader string, actions ...store.Action) {
	if !r.current.Session().Owns(trader) {
		return
	}
	r.store.Dispatch(actions...)
}
