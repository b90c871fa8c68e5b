package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/perpsync/perpsync/cancelflow"
	"github.com/perpsync/perpsync/cmd/perpsync/internal/config"
	"github.com/perpsync/perpsync/d8x"
	"github.com/perpsync/perpsync/d8x/ws"
	"github.com/perpsync/perpsync/internal/api"
	"github.com/perpsync/perpsync/internal/metrics"
	rlog "github.com/perpsync/perpsync/log"
	"github.com/perpsync/perpsync/perpsync"
	"github.com/perpsync/perpsync/pkg/sqllogger"
	"github.com/perpsync/perpsync/reconciler"
	"github.com/perpsync/perpsync/storage"
	"github.com/perpsync/perpsync/store"
)

// App holds every component of a running perpsync.
type App struct {
	Config config.AppConfig
	Logger *slog.Logger

	Store      *store.Store
	Journal    *storage.Storage
	Client     *d8x.Client
	Reconciler *reconciler.Service
	Refresher  *d8x.Refresher
	WS         *ws.Client
	Flow       *cancelflow.Flow
	Stream     *api.StreamController
	Metrics    *metrics.Metrics
	Server     *http.Server

	listener  net.Listener
	sqlLog    *sqllogger.Handler
	logCloser io.Closer
	closeOnce sync.Once
}

// AppOptions injects collaborators, mostly for tests.
type AppOptions struct {
	// Backend replaces the JSON-RPC connection used for cancellations.
	Backend d8x.ChainBackend
	// LogOutput replaces stderr for the console handler.
	LogOutput io.Writer
}

// NewApp builds and connects every component but starts nothing.
func NewApp(ctx context.Context, cfg config.AppConfig, opts AppOptions) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Journal, err = storage.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := a.initLogging(opts.LogOutput); err != nil {
		return nil, err
	}
	logger := a.Logger
	a.Journal.SetLogger(logger)

	a.Client = d8x.NewClient(cfg.APIURL, d8x.WithClientLogger(logger))
	info, err := a.Client.ExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("load exchange info: %w", err)
	}
	pool, ok := perpsync.FindPool(info.Pools, cfg.Pool)
	if !ok {
		return nil, fmt.Errorf("pool %q not listed by the exchange", cfg.Pool)
	}
	selection, err := perpsync.NewSelection(pool, cfg.PerpetualID)
	if err != nil {
		return nil, err
	}

	var wallet *d8x.Wallet
	session := perpsync.Session{}
	if cfg.WalletKey != "" {
		if wallet, err = d8x.NewWallet(cfg.WalletKey); err != nil {
			return nil, err
		}
		if cfg.WalletAddress != "" && !wallet.Session().Owns(cfg.WalletAddress) {
			return nil, fmt.Errorf("wallet-address %s does not match the private key", cfg.WalletAddress)
		}
		session = wallet.Session()
	} else if session, err = perpsync.NewSession(cfg.WalletAddress); err != nil {
		return nil, err
	}

	a.Metrics = metrics.New()
	a.Store = store.New(store.WithLogger(logger.WithGroup("store")))
	a.Stream = api.NewStreamController(api.WithStreamLogger(logger))

	a.Reconciler = reconciler.New(a.Store, a.Client,
		reconciler.WithLogger(logger),
		reconciler.WithMetrics(a.Metrics),
		reconciler.WithContextListener(a.onContextChange),
	)
	a.Refresher = d8x.NewRefresher(a.Client, a.Store, a.Reconciler, d8x.WithRefresherLogger(logger))
	a.WS = ws.New(cfg.WSURL, a.handleFrame,
		ws.WithLogger(logger),
		ws.OnConnect(func(context.Context) {
			a.Metrics.SetConnected(true)
			a.subscribe()
		}),
		ws.OnDisconnect(func(error) {
			a.Metrics.SetConnected(false)
			a.Store.Dispatch(store.SetWebSocketReady{Ready: false})
		}),
	)

	if wallet != nil {
		backend := opts.Backend
		if backend == nil {
			client, err := ethclient.DialContext(ctx, cfg.RPCURL)
			if err != nil {
				return nil, fmt.Errorf("dial rpc: %w", err)
			}
			backend = client
		}
		orderBook, err := d8x.NewOrderBookClient(backend, wallet, big.NewInt(cfg.ChainID),
			d8x.WithWaitForReceipt(cfg.WaitForReceipt),
			d8x.WithOrderBookLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		a.Flow = cancelflow.New(a.Client, wallet, orderBook,
			cancelflow.WithLogger(logger),
			cancelflow.WithNotifier(a.Stream),
			cancelflow.WithRefresher(a.Reconciler),
			cancelflow.WithJournal(a.Journal),
			cancelflow.WithMetrics(a.Metrics),
		)
	}

	handlerOpts := []api.HandlerOption{
		api.WithLogger(logger),
		api.WithPools(info.Pools),
		api.WithCancelHistory(a.Journal),
		api.WithMetricsHandler(a.Metrics.Handler()),
		api.WithAllowedOrigins(api.AllowedOrigins(cfg.HTTPListen, cfg.PublicOrigin)),
	}
	if a.Flow != nil {
		handlerOpts = append(handlerOpts, api.WithCanceller(a.Flow))
	}
	handler := api.NewHandler(a.Store, a.Reconciler, a.Stream, handlerOpts...)

	a.listener, err = net.Listen("tcp", cfg.HTTPListen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPListen, err)
	}
	a.Server = &http.Server{
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.Reconciler.SetSelection(selection)
	a.Reconciler.SetSession(session)

	logger.Info("perpsync ready",
		slog.String("pool", pool.PoolSymbol),
		slog.String("symbol", selection.Symbol()),
		slog.String("trader", session.Address()),
		slog.Bool("can_cancel", a.Flow != nil),
		slog.String("http", a.listener.Addr().String()),
	)
	return a, nil
}

func (a *App) initLogging(out io.Writer) error {
	logCfg := a.Config.LogConfig()
	logCfg.Output = out

	var extra []slog.Handler
	if a.Config.PersistLogs {
		level, err := rlog.ParseLevel(logCfg.Level)
		if err != nil {
			return err
		}
		a.sqlLog, err = sqllogger.New(a.Journal.LogSink(), sqllogger.WithLevel(level))
		if err != nil {
			return fmt.Errorf("log persistence: %w", err)
		}
		extra = append(extra, a.sqlLog)
	}

	handler, closer, err := rlog.NewHandler(logCfg, extra...)
	if err != nil {
		return err
	}
	a.logCloser = closer
	a.Logger = slog.New(handler)
	return nil
}

// Addr is the bound HTTP address.
func (a *App) Addr() string {
	return a.listener.Addr().String()
}

func (a *App) handleFrame(ctx context.Context, raw []byte) {
	// errors are logged and counted by the reconciler
	_ = a.Reconciler.HandleMessage(ctx, raw)
}

// onContextChange resubscribes and reloads the account whenever the
// selection or the wallet changes.
func (a *App) onContextChange(perpsync.Selection, perpsync.Session) {
	if a.WS != nil {
		a.subscribe()
	}
	if a.Refresher != nil {
		a.Refresher.Trigger()
	}
}

func (a *App) subscribe() {
	sel, session := a.Reconciler.Selection(), a.Reconciler.Session()
	if !sel.Valid() {
		return
	}
	err := a.WS.Subscribe(session.Address(), sel.Pool.Symbols())
	switch {
	case errors.Is(err, ws.ErrNotConnected):
		a.Logger.Debug("subscription deferred until connected")
	case err != nil:
		a.Logger.Warn("subscribe failed", slog.String("error", err.Error()))
	}
}

// Run starts the workers, the transport and the HTTP server, and blocks
// until ctx ends or one of them fails. A running cancellation is stopped and
// journaled before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(rlog.ContextWithLogger(ctx, a.Logger))
	a.Server.BaseContext = func(net.Listener) context.Context { return gctx }

	var workers sync.WaitGroup
	startRefetchWorkers(gctx, a.Reconciler, a.Config.RefetchWorkers, &workers)

	g.Go(func() error { return a.WS.Run(gctx) })
	g.Go(func() error { return a.Refresher.Run(gctx, a.Config.RefreshInterval) })
	g.Go(func() error { return a.Stream.ForwardChanges(gctx, a.Store) })
	g.Go(func() error { return serveHTTP(a.Server, a.listener) })
	if a.Flow != nil {
		g.Go(func() error { return a.Flow.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutdown requested")
		a.Stream.Flush()
		err := drainHTTPServer(a.Server)
		a.Reconciler.ShutDown()
		workers.Wait()
		a.Logger.Debug("workers drained")
		return err
	})

	return g.Wait()
}

// Close releases the journal and the log outputs.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.sqlLog != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, a.sqlLog.Close(ctx))
			cancel()
		}
		if a.Journal != nil {
			errs = append(errs, a.Journal.Close())
		}
		if a.listener != nil && a.Server == nil {
			errs = append(errs, a.listener.Close())
		}
		if a.logCloser != nil {
			errs = append(errs, a.logCloser.Close())
		}
	})
	return errors.Join(errs...)
}
