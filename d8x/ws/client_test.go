package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perpsync/perpsync/d8x/d8xtest"
)

type frames struct {
	mu   sync.Mutex
	seen []string
}

func (f *frames) handle(_ context.Context, raw []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(raw, &env) != nil {
		return
	}
	f.mu.Lock()
	f.seen = append(f.seen, env.Type)
	f.mu.Unlock()
}

func (f *frames) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.seen {
		if k == kind {
			n++
		}
	}
	return n
}

func runClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})
}

func TestClientReceivesFramesAndSubscribes(t *testing.T) {
	srv := d8xtest.NewServer(t)
	f := &frames{}
	c := New(srv.WSURL(), f.handle, WithPingInterval(0))
	runClient(t, c)

	require.Eventually(t, func() bool { return f.count("connect") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.True(t, c.Connected())

	require.NoError(t, c.Subscribe("0x00000000000000000000000000000000000000aa", []string{"ETH-USD-USDC", "BTC-USD-USDC"}))
	require.Eventually(t, func() bool { return f.count("subscription") == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []d8xtest.Subscription{
		{TraderAddr: "0x00000000000000000000000000000000000000aa", Symbol: "ETH-USD-USDC"},
		{TraderAddr: "0x00000000000000000000000000000000000000aa", Symbol: "BTC-USD-USDC"},
	}, srv.Subscriptions())

	require.NoError(t, srv.Broadcast(d8xtest.MarkPriceUpdate("ETH-USD-USDC", 100001, "2001")))
	require.Eventually(t, func() bool { return f.count("on-update-mark-price") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientReconnects(t *testing.T) {
	srv := d8xtest.NewServer(t)
	f := &frames{}

	var (
		mu          sync.Mutex
		connects    int
		disconnects int
	)
	c := New(srv.WSURL(), f.handle,
		WithPingInterval(0),
		WithReconnectDelay(10*time.Millisecond, 50*time.Millisecond),
		OnConnect(func(context.Context) {
			mu.Lock()
			connects++
			mu.Unlock()
		}),
		OnDisconnect(func(error) {
			mu.Lock()
			disconnects++
			mu.Unlock()
		}),
	)
	runClient(t, c)

	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	srv.DropConnections()

	require.Eventually(t, func() bool { return f.count("connect") == 2 }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, connects)
	require.GreaterOrEqual(t, disconnects, 1)
}

func TestClientSendWithoutConnection(t *testing.T) {
	t.Parallel()
	c := New("ws://127.0.0.1:1/ws", nil)
	require.False(t, c.Connected())
	require.ErrorIs(t, c.Send(Subscription{Symbol: "ETH-USD-USDC"}), ErrNotConnected)
	require.ErrorIs(t, c.Subscribe("", []string{"ETH-USD-USDC"}), ErrNotConnected)
}

func TestClientRunStopsWhileDialing(t *testing.T) {
	t.Parallel()
	c := New("ws://127.0.0.1:1/ws", nil, WithReconnectDelay(time.Hour, time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))
}
