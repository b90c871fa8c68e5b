package perpsync

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/perpsync/perpsync/symbol"
)

// Session is the connected wallet. The zero value is a disconnected session.
type Session struct {
	address string
}

// NewSession validates addr and returns a session for it. An empty addr
// yields a disconnected session.
func NewSession(addr string) (Session, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Session{}, nil
	}
	if !common.IsHexAddress(addr) {
		return Session{}, fmt.Errorf("invalid wallet address %q", addr)
	}
	return Session{address: NormalizeAddress(addr)}, nil
}

// NormalizeAddress lowercases a hex address so checksummed and plain forms
// compare equal.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Address returns the lowercase address, or "" when disconnected.
func (s Session) Address() string {
	return s.address
}

// Connected reports whether a wallet is attached.
func (s Session) Connected() bool {
	return s.address != ""
}

// Owns reports whether traderAddr belongs to this session. A disconnected
// session owns nothing.
func (s Session) Owns(traderAddr string) bool {
	if !s.Connected() {
		return false
	}
	return NormalizeAddress(traderAddr) == s.address
}

// Selection is the pool and perpetual the user is looking at.
type Selection struct {
	Pool      Pool
	Perpetual Perpetual
}

// NewSelection picks perpetualID out of pool. A zero perpetualID selects the
// first perpetual, like switching pools does.
func NewSelection(pool Pool, perpetualID int64) (Selection, error) {
	if len(pool.Perpetuals) == 0 {
		return Selection{}, fmt.Errorf("pool %q has no perpetuals", pool.PoolSymbol)
	}
	if perpetualID == 0 {
		return Selection{Pool: pool, Perpetual: pool.Perpetuals[0]}, nil
	}
	perp, ok := pool.Perpetual(perpetualID)
	if !ok {
		return Selection{}, fmt.Errorf("pool %q has no perpetual %d", pool.PoolSymbol, perpetualID)
	}
	return Selection{Pool: pool, Perpetual: perp}, nil
}

// Valid reports whether both pool and perpetual are chosen.
func (s Selection) Valid() bool {
	return s.Pool.PoolSymbol != "" && s.Perpetual.BaseCurrency != "" && s.Perpetual.QuoteCurrency != ""
}

// Symbol returns the composite symbol of the selected perpetual.
func (s Selection) Symbol() string {
	if !s.Valid() {
		return ""
	}
	return symbol.Create(s.Perpetual.BaseCurrency, s.Perpetual.QuoteCurrency, s.Pool.PoolSymbol)
}

// Matches reports whether stats describe the selected perpetual. All of base,
// quote and pool must match.
func (s Selection) Matches(stats PerpetualStatistics) bool {
	if !s.Valid() {
		return false
	}
	return stats.BaseCurrency == s.Perpetual.BaseCurrency &&
		stats.QuoteCurrency == s.Perpetual.QuoteCurrency &&
		stats.PoolName == s.Pool.PoolSymbol
}

// FindPool returns the pool with the given symbol.
func FindPool(pools []Pool, poolSymbol string) (Pool, bool) {
	for _, p := range pools {
		if strings.EqualFold(p.PoolSymbol, poolSymbol) {
			return p, true
		}
	}
	return Pool{}, false
}
