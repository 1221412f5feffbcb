package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/storeroom-ims/storeroom/internal/platform/db"
	"github.com/storeroom-ims/storeroom/internal/stock"
)

// TxRepository exposes the transactional operations used by Service.
type TxRepository interface {
	InsertEntry(ctx context.Context, entry Entry) (int64, error)
	GetStockForUpdate(ctx context.Context, kind stock.Kind, id int64) (stock.Item, error)
	UpdateStockQuantity(ctx context.Context, kind stock.Kind, id int64, qty decimal.Decimal) error
}

// Repository persists ledger entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a RepeatableRead transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// ListForItems returns every entry referencing any of the given requisition
// item ids, unordered.
func (r *Repository) ListForItems(ctx context.Context, itemIDs []int64) ([]Entry, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, item_kind, stock_item_id, requisition_item_id, transaction_type,
quantity_change, quantity_before, quantity_after, performed_by, reason, ref, created_at
FROM inventory_transactions WHERE requisition_item_id = ANY($1)`, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("ledger: list for items: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind string
		var reqItem pgtype.Int8
		var change, before, after pgtype.Numeric
		var reason, ref pgtype.Text
		var at pgtype.Timestamptz
		if err := rows.Scan(&e.ID, &kind, &e.StockItemID, &reqItem, (*string)(&e.Type),
			&change, &before, &after, &e.PerformedBy, &reason, &ref, &at); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		e.ItemKind = stock.Kind(kind)
		e.RequisitionItemID = reqItem.Int64
		e.QuantityChange = db.DecimalFromNumeric(change)
		e.QuantityBefore = db.DecimalFromNumeric(before)
		e.QuantityAfter = db.DecimalFromNumeric(after)
		e.Reason = reason.String
		e.Ref = ref.String
		e.At = at.Time
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

type txRepo struct {
	tx pgx.Tx
}

// InsertEntry appends one validated entry.
func (r *txRepo) InsertEntry(ctx context.Context, entry Entry) (int64, error) {
	change, err := db.NumericFromDecimal(entry.QuantityChange)
	if err != nil {
		return 0, err
	}
	before, err := db.NumericFromDecimal(entry.QuantityBefore)
	if err != nil {
		return 0, err
	}
	after, err := db.NumericFromDecimal(entry.QuantityAfter)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.tx.QueryRow(ctx, `INSERT INTO inventory_transactions
(item_kind, stock_item_id, requisition_item_id, transaction_type, quantity_change, quantity_before, quantity_after, performed_by, reason, ref, created_at)
VALUES ($1, $2, NULLIF($3, 0::bigint), $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11)
RETURNING id`,
		string(entry.ItemKind), entry.StockItemID, entry.RequisitionItemID, string(entry.Type),
		change, before, after, entry.PerformedBy, entry.Reason, entry.Ref, entry.At).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ledger: insert entry: %w", err)
	}
	return id, nil
}

// GetStockForUpdate locks the registry row for the rest of the transaction.
func (r *txRepo) GetStockForUpdate(ctx context.Context, kind stock.Kind, id int64) (stock.Item, error) {
	table, nameCol, err := stock.TableFor(kind)
	if err != nil {
		return stock.Item{}, err
	}
	query := fmt.Sprintf(`SELECT id, %s, quantity, unit FROM %s WHERE id = $1 FOR UPDATE`, nameCol, table)
	var item stock.Item
	var qty pgtype.Numeric
	if err := r.tx.QueryRow(ctx, query, id).Scan(&item.ID, &item.Name, &qty, &item.Unit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stock.Item{}, stock.ErrItemNotFound
		}
		return stock.Item{}, fmt.Errorf("ledger: lock stock item: %w", err)
	}
	item.Kind = kind
	item.Quantity = db.DecimalFromNumeric(qty)
	return item, nil
}

// UpdateStockQuantity writes the new registry quantity.
func (r *txRepo) UpdateStockQuantity(ctx context.Context, kind stock.Kind, id int64, qty decimal.Decimal) error {
	table, _, err := stock.TableFor(kind)
	if err != nil {
		return err
	}
	numeric, err := db.NumericFromDecimal(qty)
	if err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET quantity = $1, updated_at = NOW() WHERE id = $2`, table), numeric, id)
	if err != nil {
		return fmt.Errorf("ledger: update stock quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return stock.ErrItemNotFound
	}
	return nil
}
