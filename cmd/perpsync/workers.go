package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	rlog "github.com/perpsync/perpsync/log"
	"github.com/perpsync/perpsync/reconciler"
)

const shutdownTimeout = 10 * time.Second

// startRefetchWorkers runs n open order refetch workers. They exit once the
// reconciler queue shuts down.
func startRefetchWorkers(ctx context.Context, rec *reconciler.Service, n int, wg *sync.WaitGroup) {
	logger := rlog.LoggerFromContext(ctx)
	logger.Debug("starting refetch workers", slog.Int("count", n))
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.RunRefetchWorker(ctx, nil)
			logger.Debug("refetch worker stopped", slog.Int("worker", i))
		}()
	}
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func drainHTTPServer(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
