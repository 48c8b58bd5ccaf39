package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/fitkart/internal/txn"
)

// DB is the query surface shared by pgxpool.Pool and pgx.Tx, so repository
// methods run the same way inside and outside a transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// TxManager implements txn.Manager on a pgx pool. The open transaction is
// carried in the context; nested InTx calls join it instead of opening a
// second one.
type TxManager struct {
	pool *pgxpool.Pool
}

var _ txn.Manager = (*TxManager)(nil)

// NewTxManager returns a TxManager on the given pool.
func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// InTx runs fn inside a transaction. A returned error rolls back; joining an
// already-open transaction delegates commit and rollback to the outermost
// call.
func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
	if err != nil {
		return fmt.Errorf("in tx: %w", err)
	}
	return nil
}

// dbFrom returns the context's open transaction, or the pool when none is
// open.
func dbFrom(ctx context.Context, pool *pgxpool.Pool) DB {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}
