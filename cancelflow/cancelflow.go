package cancelflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/perpsync/perpsync/perpsync"
	"github.com/perpsync/perpsync/storage"
)

var (
	// ErrInvalidOrder is returned for orders without id or symbol.
	ErrInvalidOrder = errors.New("cancelflow: order id and symbol are required")
	// ErrStopped is returned by Start once Run has returned or is draining.
	ErrStopped = errors.New("cancelflow: stopped")
)

// PayloadSource prepares the unsigned cancellation of an order.
type PayloadSource interface {
	CancelOrderPayload(ctx context.Context, symbol, orderID string) (perpsync.CancelOrderPayload, error)
}

// Signer signs cancellation digests with the connected wallet.
type Signer interface {
	Address() string
	SignDigest(ctx context.Context, digest string) ([]byte, error)
}

// OrderBook submits a signed cancellation on-chain and returns the
// transaction hash.
type OrderBook interface {
	CancelOrder(ctx context.Context, payload perpsync.CancelOrderPayload, orderID string, signature []byte) (string, error)
}

// Notifier is told how a started cancellation ended.
type Notifier interface {
	CancelConfirmed(order perpsync.Order, txHash string)
	CancelFailed(order perpsync.Order, err error)
}

// Refresher reloads open orders after a confirmed cancellation.
type Refresher interface {
	RefreshOpenOrders(symbol string) error
}

// Journal records every attempt.
type Journal interface {
	RecordCancelStarted(ctx context.Context, attempt storage.CancelAttempt) error
	RecordCancelFinished(ctx context.Context, id string, result storage.CancelResult) error
}

// Metrics receives cancellation outcomes.
type Metrics interface {
	ObserveCancel(outcome string)
}

// Flow runs at most one cancellation at a time.
type Flow struct {
	payloads  PayloadSource
	signer    Signer
	orderBook OrderBook

	notifier  Notifier
	refresher Refresher
	journal   Journal
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time

	inFlight atomic.Bool

	mu          sync.Mutex
	stopped     bool
	running     sync.WaitGroup
	chains      context.Context
	abortChains context.CancelFunc
}

type Option func(*Flow)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Flow) {
		if logger != nil {
			f.logger = logger.WithGroup("cancelflow")
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(f *Flow) { f.notifier = n }
}

func WithRefresher(r Refresher) Option {
	return func(f *Flow) { f.refresher = r }
}

func WithJournal(j Journal) Option {
	return func(f *Flow) { f.journal = j }
}

func WithMetrics(m Metrics) Option {
	return func(f *Flow) { f.metrics = m }
}

func New(payloads PayloadSource, signer Signer, orderBook OrderBook, opts ...Option) *Flow {
	f := &Flow{
		payloads:  payloads,
		signer:    signer,
		orderBook: orderBook,
		logger:    slog.Default().WithGroup("cancelflow"),
		now:       time.Now,
	}
	f.chains, f.abortChains = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// InFlight reports whether a cancellation is running.
func (f *Flow) InFlight() bool {
	return f.inFlight.Load()
}

// Cancel runs the whole cancellation of order and returns when it ends.
// started is false when another cancellation already holds the guard; the
// call is then a no-op.
func (f *Flow) Cancel(ctx context.Context, order perpsync.Order) (started bool, err error) {
	if ok, err := f.acquire(order); !ok {
		return false, err
	}
	return true, f.run(ctx, order)
}

// Start is Cancel without waiting. The chain keeps the values of ctx but not
// its cancellation: it runs until it ends or the context given to Run is
// done. It reports whether the guard was acquired.
func (f *Flow) Start(ctx context.Context, order perpsync.Order) (bool, error) {
	if ok, err := f.acquire(order); !ok {
		return false, err
	}

	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		f.inFlight.Store(false)
		return false, ErrStopped
	}
	f.running.Add(1)
	f.mu.Unlock()

	chainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(f.chains, cancel)
	go func() {
		defer f.running.Done()
		defer cancel()
		defer stop()
		// run reports its own outcome to the journal and the notifier
		_ = f.run(chainCtx, order)
	}()
	return true, nil
}

// Run blocks until ctx is done. It then refuses new chains, cancels the
// running one started with Start and waits for it to finish.
func (f *Flow) Run(ctx context.Context) error {
	<-ctx.Done()

	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.abortChains()
	f.running.Wait()
	f.logger.Debug("cancellations drained")
	return nil
}

func (f *Flow) acquire(order perpsync.Order) (bool, error) {
	if order.ID == "" || order.Symbol == "" {
		return false, ErrInvalidOrder
	}
	if !f.inFlight.CompareAndSwap(false, true) {
		f.logger.Debug("cancellation already in flight", slog.String("order", order.ID))
		return false, nil
	}
	return true, nil
}

func (f *Flow) run(ctx context.Context, order perpsync.Order) error {
	defer f.inFlight.Store(false)

	attempt := storage.CancelAttempt{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Trader:    f.signer.Address(),
		StartedAt: f.now().UTC(),
		Outcome:   storage.CancelPending,
	}
	logger := f.logger.With(
		slog.String("attempt", attempt.ID),
		slog.String("order", order.ID),
		slog.String("symbol", order.Symbol),
	)
	f.recordStarted(ctx, logger, attempt)
	logger.Info("cancelling order")

	txHash, err := f.submit(ctx, logger, order)
	if err != nil {
		logger.Warn("cancellation failed", slog.String("error", err.Error()))
		f.recordFinished(ctx, logger, attempt.ID, storage.CancelResult{
			Outcome:    storage.CancelFailed,
			Error:      err.Error(),
			FinishedAt: f.now().UTC(),
		})
		f.observe("failed")
		if f.notifier != nil {
			f.notifier.CancelFailed(order, err)
		}
		return err
	}

	logger.Info("cancellation submitted", slog.String("tx", txHash))
	f.recordFinished(ctx, logger, attempt.ID, storage.CancelResult{
		Outcome:    storage.CancelConfirmed,
		TxHash:     txHash,
		FinishedAt: f.now().UTC(),
	})
	f.observe("confirmed")
	if f.notifier != nil {
		f.notifier.CancelConfirmed(order, txHash)
	}
	if f.refresher != nil {
		if err := f.refresher.RefreshOpenOrders(order.Symbol); err != nil {
			logger.Warn("could not refresh open orders", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (f *Flow) submit(ctx context.Context, logger *slog.Logger, order perpsync.Order) (string, error) {
	payload, err := f.payloads.CancelOrderPayload(ctx, order.Symbol, order.ID)
	if err != nil {
		return "", fmt.Errorf("request cancel payload: %w", err)
	}
	if payload.Digest == "" {
		return "", perpsync.ErrMissingDigest
	}
	logger.Debug("cancel payload received", slog.String("orderbook", payload.OrderBookAddr))

	signature, err := f.signer.SignDigest(ctx, payload.Digest)
	if err != nil {
		return "", fmt.Errorf("sign digest: %w", err)
	}

	txHash, err := f.orderBook.CancelOrder(ctx, payload, order.ID, signature)
	if err != nil {
		return "", fmt.Errorf("submit cancel order: %w", err)
	}
	return txHash, nil
}

func (f *Flow) recordStarted(ctx context.Context, logger *slog.Logger, attempt storage.CancelAttempt) {
	if f.journal == nil {
		return
	}
	if err := f.journal.RecordCancelStarted(ctx, attempt); err != nil {
		logger.Warn("could not journal cancellation", slog.String("error", err.Error()))
	}
}

func (f *Flow) recordFinished(ctx context.Context, logger *slog.Logger, id string, result storage.CancelResult) {
	if f.journal == nil {
		return
	}
	if err := f.journal.RecordCancelFinished(context.WithoutCancel(ctx), id, result); err != nil {
		logger.Warn("could not journal cancellation result", slog.String("error", err.Error()))
	}
}

func (f *Flow) observe(outcome string) {
	if f.metrics != nil {
		f.metrics.ObserveCancel(outcome)
	}
}
