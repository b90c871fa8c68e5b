package symbol

import (
	"strings"
)

const separator = "-"

// Symbol is the decomposed form of a composite perpetual identifier such as
// "ETH-USD-MATIC": base currency, quote currency, pool symbol.
type Symbol struct {
	Base  string
	Quote string
	Pool  string
}

// Parse splits a composite symbol. ok is false for anything that is not
// exactly three non-empty parts.
func Parse(s string) (Symbol, bool) {
	parts := strings.Split(s, separator)
	if len(parts) != 3 {
		return Symbol{}, false
	}
	for _, p := range parts {
		if p == "" || strings.TrimSpace(p) != p {
			return Symbol{}, false
		}
	}
	return Symbol{Base: parts[0], Quote: parts[1], Pool: parts[2]}, true
}

// Create joins the components back into the wire form.
func Create(base, quote, pool string) string {
	return base + separator + quote + separator + pool
}

func (s Symbol) String() string {
	return Create(s.Base, s.Quote, s.Pool)
}

// IsZero reports whether no component is set.
func (s Symbol) IsZero() bool {
	return s == Symbol{}
}
