package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

type contextKey string

const DBTxKey contextKey = "db_tx"

// ErrNoBeginner is returned by WithTx when there is nothing to start a
// transaction on.
var ErrNoBeginner = errors.New("no database connection in context")

// Beginner is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx (the
// latter opens a savepoint).
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WithTx starts a transaction and returns a context carrying it. When ctx
// already holds a transaction the new one is nested as a savepoint, so
// callers that own an outer transaction keep control of the final commit.
func WithTx(ctx context.Context, b Beginner) (context.Context, pgx.Tx, error) {
	if outer := TxFromContext(ctx); outer != nil {
		b = outer
	}
	if b == nil {
		return ctx, nil, ErrNoBeginner
	}
	tx, err := b.Begin(ctx)
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// TxFromContext returns the transaction stored by WithTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}
