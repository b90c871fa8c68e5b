package d8x

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/perpsync/perpsync/perpsync"
)

// CancelGasLimit is the fixed gas ceiling of an on-chain cancellation.
const CancelGasLimit uint64 = 1_000_000

const orderBookABI = `[{
	"type": "function",
	"name": "cancelOrder",
	"stateMutability": "payable",
	"inputs": [
		{"name": "_orderId", "type": "bytes32"},
		{"name": "_signature", "type": "bytes"},
		{"name": "_updateData", "type": "bytes[]"},
		{"name": "_publishTimes", "type": "uint64[]"}
	],
	"outputs": []
}]`

// ErrTransactionReverted is returned when a mined cancellation failed.
var ErrTransactionReverted = errors.New("d8x: cancel transaction reverted")

// ChainBackend is what the order book client needs from a node.
type ChainBackend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// OrderBookClient submits cancellations to the limit order book contract.
type OrderBookClient struct {
	backend        ChainBackend
	wallet         *Wallet
	chainID        *big.Int
	abi            abi.ABI
	waitForReceipt bool
	logger         *slog.Logger
}

type OrderBookOption func(*OrderBookClient)

// WithWaitForReceipt makes CancelOrder wait until the transaction is mined.
func WithWaitForReceipt(wait bool) OrderBookOption {
	return func(c *OrderBookClient) {
		c.waitForReceipt = wait
	}
}

func WithOrderBookLogger(logger *slog.Logger) OrderBookOption {
	return func(c *OrderBookClient) {
		if logger != nil {
			c.logger = logger.WithGroup("orderbook")
		}
	}
}

func NewOrderBookClient(backend ChainBackend, wallet *Wallet, chainID *big.Int, opts ...OrderBookOption) (*OrderBookClient, error) {
	parsed, err := abi.JSON(strings.NewReader(orderBookABI))
	if err != nil {
		return nil, fmt.Errorf("parse order book abi: %w", err)
	}
	c := &OrderBookClient{
		backend: backend,
		wallet:  wallet,
		chainID: chainID,
		abi:     parsed,
		logger:  slog.Default().WithGroup("orderbook"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CancelOrder sends cancelOrder to payload.OrderBookAddr, paying the price
// update fee, and returns the transaction hash.
func (c *OrderBookClient) CancelOrder(ctx context.Context, payload perpsync.CancelOrderPayload, orderID string, signature []byte) (string, error) {
	if !common.IsHexAddress(payload.OrderBookAddr) {
		return "", fmt.Errorf("invalid order book address %q", payload.OrderBookAddr)
	}
	args, err := cancelArgs(payload, orderID, signature)
	if err != nil {
		return "", err
	}
	fee, err := payload.PriceUpdate.Fee()
	if err != nil {
		return "", err
	}

	opts, err := c.wallet.TransactOpts(ctx, c.chainID)
	if err != nil {
		return "", err
	}
	opts.GasLimit = CancelGasLimit
	opts.Value = fee

	contract := bind.NewBoundContract(common.HexToAddress(payload.OrderBookAddr), c.abi, c.backend, c.backend, c.backend)
	tx, err := contract.Transact(opts, "cancelOrder", args.orderID, args.signature, args.updateData, args.publishTimes)
	if err != nil {
		return "", fmt.Errorf("send cancelOrder: %w", err)
	}
	hash := tx.Hash().Hex()
	c.logger.Info("cancelOrder sent", slog.String("tx", hash), slog.String("order", orderID), slog.String("fee", fee.String()))

	if !c.waitForReceipt {
		return hash, nil
	}
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return hash, fmt.Errorf("wait for cancelOrder: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, fmt.Errorf("%w: %s", ErrTransactionReverted, hash)
	}
	return hash, nil
}

type cancelOrderArgs struct {
	orderID      [32]byte
	signature    []byte
	updateData   [][]byte
	publishTimes []uint64
}

func cancelArgs(payload perpsync.CancelOrderPayload, orderID string, signature []byte) (cancelOrderArgs, error) {
	id, err := hexutil.Decode(orderID)
	if err != nil {
		return cancelOrderArgs{}, fmt.Errorf("decode order id: %w", err)
	}
	if len(id) != common.HashLength {
		return cancelOrderArgs{}, fmt.Errorf("order id must be %d bytes, got %d", common.HashLength, len(id))
	}
	if len(payload.PriceUpdate.UpdateData) != len(payload.PriceUpdate.PublishTimes) {
		return cancelOrderArgs{}, fmt.Errorf("price update has %d updates but %d publish times",
			len(payload.PriceUpdate.UpdateData), len(payload.PriceUpdate.PublishTimes))
	}

	args := cancelOrderArgs{
		orderID:      [32]byte(id),
		signature:    signature,
		updateData:   make([][]byte, 0, len(payload.PriceUpdate.UpdateData)),
		publishTimes: append([]uint64{}, payload.PriceUpdate.PublishTimes...),
	}
	for i, raw := range payload.PriceUpdate.UpdateData {
		data, err := hexutil.Decode(raw)
		if err != nil {
			return cancelOrderArgs{}, fmt.Errorf("decode update data %d: %w", i, err)
		}
		args.updateData = append(args.updateData, data)
	}
	return args, nil
}
