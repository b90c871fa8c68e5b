package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"k8s.io/client-go/util/workqueue"

	"github.com/perpsync/perpsync/perpsync"
	"github.com/perpsync/perpsync/store"
)

// OpenOrdersSource returns the authoritative open orders of trader on symbol.
type OpenOrdersSource interface {
	OpenOrders(ctx context.Context, symbol, trader string) ([]perpsync.Order, error)
}

// Metrics receives reconciliation outcomes.
type Metrics interface {
	ObserveMessage(kind, outcome string)
	ObserveRefetch(outcome string)
}

// RefetchKey identifies one queued open-orders fetch.
type RefetchKey struct {
	Symbol string
	Trader string
}

// ContextListener is told about every selection or session change.
type ContextListener func(perpsync.Selection, perpsync.Session)

// Service owns the latest selection and session, applies reconciled
// commands to the store and runs queued refetches.
type Service struct {
	store   *store.Store
	source  OpenOrdersSource
	queue   workqueue.TypedRateLimitingInterface[RefetchKey]
	logger  *slog.Logger
	metrics Metrics

	mu        sync.RWMutex
	selection perpsync.Selection
	session   perpsync.Session
	listeners []ContextListener
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.WithGroup("reconciler")
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithContextListener registers fn to run after every selection or session
// change, outside the service lock.
func WithContextListener(fn ContextListener) Option {
	return func(s *Service) {
		if fn != nil {
			s.listeners = append(s.listeners, fn)
		}
	}
}

func New(st *store.Store, source OpenOrdersSource, opts ...Option) *Service {
	s := &Service{
		store:   st,
		source:  source,
		queue:   workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[RefetchKey]()),
		logger:  slog.Default().WithGroup("reconciler"),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	return s
}

// Selection returns the current selection.
func (s *Service) Selection() perpsync.Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection
}

// Session returns the current session.
func (s *Service) Session() perpsync.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// SetSelection switches the selected pool and perpetual.
func (s *Service) SetSelection(sel perpsync.Selection) {
	s.mu.Lock()
	s.selection = sel
	session := s.session
	s.mu.Unlock()

	s.logger.Info("selection changed", slog.String("pool", sel.Pool.PoolSymbol), slog.String("symbol", sel.Symbol()))
	s.notify(sel, session)
}

// SetSession switches the connected wallet. Account state of the previous
// wallet is dropped when the address changes.
func (s *Service) SetSession(session perpsync.Session) {
	s.mu.Lock()
	previous := s.session
	s.session = session
	sel := s.selection
	s.mu.Unlock()

	if previous.Address() == session.Address() {
		return
	}
	s.store.Dispatch(store.ResetAccount{Trader: session.Address()})
	s.logger.Info("session changed", slog.String("address", session.Address()))
	s.notify(sel, session)
}

func (s *Service) notify(sel perpsync.Selection, session perpsync.Session) {
	for _, fn := range s.listeners {
		fn(sel, session)
	}
}

// HandleMessage reconciles one feed message against the current selection
// and session and applies the resulting commands before returning.
func (s *Service) HandleMessage(ctx context.Context, raw []byte) error {
	s.mu.RLock()
	sel, session := s.selection, s.session
	s.mu.RUnlock()

	kind, commands, err := reconcile(sel, session, raw)
	if err != nil {
		s.metrics.ObserveMessage(kindLabel(kind), "error")
		s.logger.Warn("dropping feed message", slog.String("kind", kind), slog.String("error", err.Error()))
		return err
	}

	kind = kindLabel(kind)
	if len(commands) == 0 {
		s.metrics.ObserveMessage(kind, "ignored")
		return nil
	}
	s.metrics.ObserveMessage(kind, "applied")
	s.apply(ctx, commands)
	return nil
}

func (s *Service) apply(ctx context.Context, commands []Command) {
	for _, cmd := range commands {
		switch c := cmd.(type) {
		case Mutate:
			s.store.Dispatch(c.Action)
		case RefetchOpenOrders:
			s.enqueue(RefetchKey{Symbol: c.Symbol, Trader: c.Trader})
		default:
			s.logger.WarnContext(ctx, "unhandled command", slog.Any("command", cmd))
		}
	}
}

func (s *Service) enqueue(key RefetchKey) {
	if s.queue.ShuttingDown() {
		return
	}
	s.queue.Add(key)
}

// RefreshOpenOrders queues a refetch of symbol for the current session.
func (s *Service) RefreshOpenOrders(symbol string) error {
	session := s.Session()
	if !session.Connected() {
		return perpsync.ErrNotConnected
	}
	s.enqueue(RefetchKey{Symbol: symbol, Trader: session.Address()})
	return nil
}

// RefreshAll clears the open orders and queues a refetch for every
// perpetual of the selected pool.
func (s *Service) RefreshAll() error {
	s.mu.RLock()
	sel, session := s.selection, s.session
	s.mu.RUnlock()

	if !session.Connected() {
		return perpsync.ErrNotConnected
	}
	s.store.Dispatch(store.ClearOpenOrders{})
	for _, sym := range sel.Pool.Symbols() {
		s.enqueue(RefetchKey{Symbol: sym, Trader: session.Address()})
	}
	return nil
}

// RunRefetchWorker processes queued refetches until the queue shuts down.
func (s *Service) RunRefetchWorker(ctx context.Context, wg *sync.WaitGroup) {
	if wg != nil {
		defer wg.Done()
	}
	for {
		key, shutdown := s.queue.Get()
		if shutdown {
			return
		}
		s.processRefetch(ctx, key)
	}
}

func (s *Service) processRefetch(ctx context.Context, key RefetchKey) {
	defer s.queue.Done(key)
	defer s.queue.Forget(key)

	logger := s.logger.With(slog.String("symbol", key.Symbol), slog.String("trader", key.Trader))

	orders, err := s.source.OpenOrders(ctx, key.Symbol, key.Trader)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.metrics.ObserveRefetch("error")
		logger.Warn("open orders refetch failed", slog.String("error", err.Error()))
		return
	}

	// the store rejects the batch when the session switched during the fetch
	changes := s.store.Dispatch(store.ReplaceOpenOrders{Trader: key.Trader, Symbol: key.Symbol, Orders: orders})
	if len(changes) == 0 && !s.Session().Owns(key.Trader) {
		s.metrics.ObserveRefetch("stale")
		logger.Debug("discarding open orders of a previous session")
		return
	}
	s.metrics.ObserveRefetch("applied")
	logger.Debug("open orders replaced", slog.Int("orders", len(orders)))
}

// ShutDown stops the refetch queue; running workers drain and exit.
func (s *Service) ShutDown() {
	s.queue.ShutDownWithDrain()
}

type noopMetrics struct{}

func (noopMetrics) ObserveMessage(string, string) {}
func (noopMetrics) ObserveRefetch(string)         {}
