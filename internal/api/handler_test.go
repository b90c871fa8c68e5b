package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/perpsync/perpsync/cancelflow"
	"github.com/perpsync/perpsync/perpsync"
	"github.com/perpsync/perpsync/storage"
	"github.com/perpsync/perpsync/store"
)

const trader = "0x00000000000000000000000000000000000000aa"

type fakeController struct {
	mu         sync.Mutex
	selection  perpsync.Selection
	session    perpsync.Session
	refreshErr error
	refreshes  int
}

func (f *fakeController) Selection() perpsync.Selection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selection
}

func (f *fakeController) Session() perpsync.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeController) SetSelection(sel perpsync.Selection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selection = sel
}

func (f *fakeController) RefreshAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

type fakeCanceller struct {
	mu      sync.Mutex
	busy    bool
	err     error
	started []perpsync.Order
}

func (f *fakeCanceller) Start(ctx context.Context, order perpsync.Order) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.busy {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	f.started = append(f.started, order)
	return true, nil
}

func (f *fakeCanceller) set(busy bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy, f.err = busy, err
}

func (f *fakeCanceller) startedOrders() []perpsync.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]perpsync.Order(nil), f.started...)
}

func (f *fakeController) setRefreshErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshErr = err
}

func (f *fakeController) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func testPools() []perpsync.Pool {
	return []perpsync.Pool{{
		PoolID:     1,
		PoolSymbol: "USDC",
		Perpetuals: []perpsync.Perpetual{
			{ID: 100001, BaseCurrency: "ETH", QuoteCurrency: "USD"},
			{ID: 100002, BaseCurrency: "BTC", QuoteCurrency: "USD"},
		},
	}}
}

type fixture struct {
	store      *store.Store
	controller *fakeController
	canceller  *fakeCanceller
	stream     *StreamController
	server     *httptest.Server
}

func newFixture(t *testing.T, opts ...HandlerOption) *fixture {
	t.Helper()
	session, err := perpsync.NewSession(trader)
	require.NoError(t, err)

	f := &fixture{
		store:      store.New(),
		controller: &fakeController{session: session},
		canceller:  &fakeCanceller{},
		stream:     NewStreamController(),
	}
	base := []HandlerOption{
		WithPools(testPools()),
		WithCanceller(f.canceller),
		WithAllowedOrigins([]string{DefaultOrigin}),
	}
	h := NewHandler(f.store, f.controller, f.stream, append(base, opts...)...)
	f.server = httptest.NewServer(h.Routes())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func ethOrder(id string) perpsync.Order {
	return perpsync.Order{ID: id, Symbol: "ETH-USD-USDC", Side: "BUY", Type: "LIMIT", Quantity: decimal.NewFromInt(1)}
}

func TestGetState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sel, err := perpsync.NewSelection(testPools()[0], 100002)
	require.NoError(t, err)
	f.controller.SetSelection(sel)
	f.store.Dispatch(store.SetWebSocketReady{Ready: true}, store.ReplaceOpenOrders{Symbol: "ETH-USD-USDC", Orders: []perpsync.Order{ethOrder("0x01")}})

	resp, body := f.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["webSocketReady"])
	require.Len(t, body["openOrders"], 1)
	require.Equal(t, map[string]any{"poolSymbol": "USDC", "perpetualId": float64(100002), "symbol": "BTC-USD-USDC"}, body["selection"])
	require.Equal(t, map[string]any{"connected": true, "address": trader}, body["session"])
}

func TestPutSelection(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		body   string
		status int
		symbol string
	}{
		{name: "first perpetual by default", body: `{"poolSymbol":"usdc"}`, status: http.StatusOK, symbol: "ETH-USD-USDC"},
		{name: "explicit perpetual", body: `{"poolSymbol":"USDC","perpetualId":100002}`, status: http.StatusOK, symbol: "BTC-USD-USDC"},
		{name: "unknown pool", body: `{"poolSymbol":"MATIC"}`, status: http.StatusNotFound},
		{name: "unknown perpetual", body: `{"poolSymbol":"USDC","perpetualId":7}`, status: http.StatusNotFound},
		{name: "missing pool", body: `{}`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"pool":"USDC"}`, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			resp, body := f.do(t, http.MethodPut, "/api/selection", tc.body)
			require.Equal(t, tc.status, resp.StatusCode)
			if tc.status != http.StatusOK {
				require.False(t, f.controller.Selection().Valid())
				require.NotEmpty(t, body["error"])
				return
			}
			require.Equal(t, tc.symbol, body["symbol"])
			require.Equal(t, tc.symbol, f.controller.Selection().Symbol())
		})
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.Dispatch(store.ReplaceOpenOrders{Symbol: "ETH-USD-USDC", Orders: []perpsync.Order{ethOrder("0x01")}})

	resp, body := f.do(t, http.MethodPost, "/api/orders/cancel", `{"symbol":"ETH-USD-USDC","id":"0x01"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "started", body["status"])
	started := f.canceller.startedOrders()
	require.Len(t, started, 1)
	require.Equal(t, "0x01", started[0].ID)

	f.canceller.set(true, nil)
	resp, _ = f.do(t, http.MethodPost, "/api/orders/cancel", `{"id":"0x01"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Len(t, f.canceller.startedOrders(), 1)
}

func TestCancelOrderRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "not open", body: `{"id":"0x02"}`, status: http.StatusNotFound},
		{name: "missing id", body: `{"symbol":"ETH-USD-USDC"}`, status: http.StatusBadRequest},
		{name: "symbol mismatch", body: `{"symbol":"BTC-USD-USDC","id":"0x01"}`, status: http.StatusBadRequest},
		{name: "malformed", body: `{`, status: http.StatusBadRequest},
		{name: "invalid order", body: `{"id":"0x01"}`, err: cancelflow.ErrInvalidOrder, status: http.StatusBadRequest},
		{name: "start error", body: `{"id":"0x01"}`, err: errors.New("boom"), status: http.StatusInternalServerError},
		{name: "shutting down", body: `{"id":"0x01"}`, err: cancelflow.ErrStopped, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.canceller.set(false, tc.err)
			f.store.Dispatch(store.ReplaceOpenOrders{Symbol: "ETH-USD-USDC", Orders: []perpsync.Order{ethOrder("0x01")}})

			resp, _ := f.do(t, http.MethodPost, "/api/orders/cancel", tc.body)
			require.Equal(t, tc.status, resp.StatusCode)
			require.Empty(t, f.canceller.startedOrders())
		})
	}
}

func TestCancelOrderWithoutCanceller(t *testing.T) {
	t.Parallel()
	f := newFixture(t, WithCanceller(nil))
	resp, _ := f.do(t, http.MethodPost, "/api/orders/cancel", `{"id":"0x01"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRefreshOrders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/orders/refresh", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, 1, f.controller.refreshCount())

	f.controller.setRefreshErr(perpsync.ErrNotConnected)
	resp, _ = f.do(t, http.MethodPost, "/api/orders/refresh", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListCancellations(t *testing.T) {
	t.Parallel()
	journal, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	ctx := context.Background()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, journal.RecordCancelStarted(ctx, storage.CancelAttempt{
		ID: "attempt-1", OrderID: "0x01", Symbol: "ETH-USD-USDC", Trader: trader, StartedAt: started,
	}))

	f := newFixture(t, WithCancelHistory(journal))
	resp, body := f.do(t, http.MethodGet, "/api/cancellations?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)

	resp, _ = f.do(t, http.MethodGet, "/api/cancellations?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bare := newFixture(t)
	resp, _ = bare.do(t, http.MethodGet, "/api/cancellations", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/api/selection", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", DefaultOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, DefaultOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsMounted(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("perpsync_up 1\n"))
	})
	f := newFixture(t, WithMetricsHandler(metrics))
	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

type sseFrame struct {
	event string
	data  Event
}

func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var frame sseFrame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if frame.event != "" {
				return frame
			}
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame.data))
		}
	}
}

func TestStreamState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.Dispatch(store.SetWebSocketReady{Ready: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.stream.ForwardChanges(ctx, f.store) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/sse/state", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	snapshot := readFrame(t, reader)
	require.Equal(t, string(EventSnapshot), snapshot.event)
	require.NotNil(t, snapshot.data.State)
	require.True(t, snapshot.data.State.WebSocketReady)

	f.stream.CancelFailed(ethOrder("0x01"), errors.New("rejected"))
	failed := readFrame(t, reader)
	require.Equal(t, string(EventCancelFailed), failed.event)
	require.Equal(t, "rejected", failed.data.Error)
	require.Equal(t, "0x01", failed.data.Order.ID)

	// keep changing the fee until the forwarder has subscribed
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for fee := int64(1); ; fee++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.store.Dispatch(store.SetPoolFee{Fee: decimal.NewFromInt(fee)})
			}
		}
	}()
	change := readFrame(t, reader)
	require.Equal(t, string(EventChange), change.event)
	require.Equal(t, "set-pool-fee", change.data.Change.Action)
	require.NotNil(t, change.data.State.PoolFee)
}

func TestStreamStateEndsOnFlush(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/sse/state", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	require.Equal(t, string(EventSnapshot), readFrame(t, reader).event)

	f.stream.Flush()
	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Empty(t, rest)
}
