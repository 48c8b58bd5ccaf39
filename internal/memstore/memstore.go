// Package memstore provides in-memory repository implementations used by the
// unit tests. They mirror the relational constraints the migrations enforce
// (unique settlement keys, one default address, at most one live
// subscription) so services exercise the same failure surface as against
// the store.
package memstore

import (
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
)

// ids hands out deterministic identifiers so tests can assert on them.
type ids struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *ids) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.prefix + "-" + strconv.Itoa(g.next)
}

// dec parses a decimal literal; it panics on malformed input, which is
// acceptable for fixture data.
func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func one() decimal.Decimal {
	return decimal.NewFromInt(1)
}
