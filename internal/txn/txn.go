// Package txn defines the transaction boundary used by coordinator entry
// points. Implementations carry the live transaction in the context so that
// repositories called within fn join the same unit of work.
package txn

import "context"

// Manager runs fn inside a single transaction. Nested InTx calls join the
// transaction already open on the context instead of opening a new one.
type Manager interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Nop is a Manager that runs fn directly without transactional guarantees.
// It backs in-memory stores in tests.
type Nop struct{}

func (Nop) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
