package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storeroom-ims/storeroom/internal/shared"
)

// WithTx executes fn inside a RepeatableRead transaction. The transaction is
// rolled back when fn returns an error and committed otherwise.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return conflictError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", conflictError(err))
	}

	return nil
}

// conflictError translates Postgres serialization failures and deadlocks into
// the shared conflict sentinel. Under RepeatableRead a blocked UPDATE that
// loses the race aborts with 40001 instead of matching zero rows, so the
// compare-and-set miss path never sees it.
func conflictError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("platform/db: tx aborted (%s): %w", pgErr.Code, shared.ErrConcurrentModification)
		}
	}
	return err
}
