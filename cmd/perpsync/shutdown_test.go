package main

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/perpsync/perpsync/d8x"
	"github.com/perpsync/perpsync/d8x/d8xtest"
	"github.com/perpsync/perpsync/perpsync"
	"github.com/perpsync/perpsync/storage"
)

const pendingOrderID = "0x0202020202020202020202020202020202020202020202020202020202020202"

// pendingChain accepts every transaction and never mines it.
type pendingChain struct {
	d8x.ChainBackend
	sent chan common.Hash
}

func (c *pendingChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}

func (c *pendingChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *pendingChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (c *pendingChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.sent <- tx.Hash()
	return nil
}

func (c *pendingChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func TestAppShutdownFinishesCancellation(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := perpsync.NormalizeAddress(crypto.PubkeyToAddress(key.PublicKey).Hex())

	srv := d8xtest.NewServer(t)
	seedExchange(srv)
	srv.State().AddOpenOrder(owner, perpsync.Order{ID: pendingOrderID, Symbol: "ETH-USD-USDC", Side: "BUY", Type: "LIMIT", Quantity: decimal.NewFromInt(1)})
	srv.State().SetCancelPayload(pendingOrderID, perpsync.CancelOrderPayload{
		OrderBookAddr: "0x0000000000000000000000000000000000000b0b",
		Digest:        "0x" + strings.Repeat("ab", 32),
		PriceUpdate: perpsync.PriceUpdate{
			UpdateData:   []string{"0x0102"},
			PublishTimes: []uint64{1700000000},
			UpdateFee:    "2",
		},
	})

	cfg := testConfig(srv)
	cfg.WalletAddress = ""
	cfg.WalletKey = hexutil.Encode(crypto.FromECDSA(key))
	cfg.ChainID = 1
	cfg.WaitForReceipt = true

	chain := &pendingChain{sent: make(chan common.Hash, 1)}
	app, err := NewApp(context.Background(), cfg, AppOptions{Backend: chain, LogOutput: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close()) })
	require.NotNil(t, app.Flow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		orders := getState(t, app).OpenOrders
		return len(orders) == 1 && orders[0].ID == pendingOrderID
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post("http://"+app.Addr()+"/api/orders/cancel", "application/json", strings.NewReader(`{"id":"`+pendingOrderID+`"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-chain.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelOrder was never sent")
	}
	require.True(t, app.Flow.InFlight())

	// the receipt never arrives, so shutdown has to end the wait
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("app did not stop")
	}
	require.False(t, app.Flow.InFlight())

	attempts, err := app.Journal.ListCancelAttempts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, pendingOrderID, attempts[0].OrderID)
	require.Equal(t, storage.CancelFailed, attempts[0].Outcome)
	require.Contains(t, attempts[0].Error, "context canceled")
	require.NotNil(t, attempts[0].FinishedAt)
}
