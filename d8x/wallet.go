package d8x

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/perpsync/perpsync/perpsync"
)

// Wallet holds the trader key and signs on its behalf.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewWallet loads a hex private key, with or without 0x prefix.
func NewWallet(hexKey string) (*Wallet, error) {
	key := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("could not load private key: %w", err)
	}
	return &Wallet{
		key:     privateKey,
		address: crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address is the lowercase hex address of the wallet.
func (w *Wallet) Address() string {
	return perpsync.NormalizeAddress(w.address.Hex())
}

// Session returns the session this wallet connects.
func (w *Wallet) Session() perpsync.Session {
	s, _ := perpsync.NewSession(w.address.Hex())
	return s
}

// SignDigest signs a 32 byte digest as a personal message and returns the
// 65 byte signature with v in {27, 28}.
func (w *Wallet) SignDigest(_ context.Context, digest string) ([]byte, error) {
	if !strings.HasPrefix(digest, "0x") && !strings.HasPrefix(digest, "0X") {
		digest = "0x" + digest
	}
	raw, err := hexutil.Decode(digest)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) != common.HashLength {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", common.HashLength, len(raw))
	}

	sig, err := crypto.Sign(accounts.TextHash(raw), w.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// TransactOpts returns signing options for chainID.
func (w *Wallet) TransactOpts(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(w.key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}
