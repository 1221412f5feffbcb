package requisition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/storeroom-ims/storeroom/internal/ledger"
	"github.com/storeroom-ims/storeroom/internal/platform/db"
	"github.com/storeroom-ims/storeroom/internal/shared"
	"github.com/storeroom-ims/storeroom/internal/stock"
)

// Repository persists requisitions in PostgreSQL.
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

const requisitionColumns = `id, requisition_number, kind, requisition_date, department, requester, status, total_items,
rejected_by, rejected_by_role, rejection_reason, rejected_at, completed_at, created_at, updated_at`

// Get loads the requisition, its approval records and items.
func (r *Repository) Get(ctx context.Context, id int64) (Requisition, []Item, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requisitionColumns+` FROM requisitions WHERE id = $1`, id)
	req, err := scanRequisition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requisition{}, nil, fmt.Errorf("requisition %d: %w", id, shared.ErrNotFound)
		}
		return Requisition{}, nil, fmt.Errorf("requisition: get: %w", err)
	}

	req.Approvals, err = r.listApprovals(ctx, id)
	if err != nil {
		return Requisition{}, nil, err
	}

	items, err := r.listItems(ctx, id)
	if err != nil {
		return Requisition{}, nil, err
	}
	return req, items, nil
}

// GetDetail loads the requisition with registry display fields per item.
func (r *Repository) GetDetail(ctx context.Context, id int64) (Detail, error) {
	req, items, err := r.Get(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	table, nameCol, err := stock.TableFor(req.Kind)
	if err != nil {
		return Detail{}, err
	}

	query := fmt.Sprintf(`SELECT i.id, s.%s, s.quantity
FROM requisition_items i JOIN %s s ON s.id = i.stock_item_id
WHERE i.requisition_id = $1`, nameCol, table)
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return Detail{}, fmt.Errorf("requisition: detail join: %w", err)
	}
	defer rows.Close()

	type display struct {
		name string
		qty  decimal.Decimal
	}
	displays := make(map[int64]display, len(items))
	for rows.Next() {
		var itemID int64
		var name string
		var qty pgtype.Numeric
		if err := rows.Scan(&itemID, &name, &qty); err != nil {
			return Detail{}, fmt.Errorf("requisition: scan detail join: %w", err)
		}
		displays[itemID] = display{name: name, qty: db.DecimalFromNumeric(qty)}
	}
	if err := rows.Err(); err != nil {
		return Detail{}, err
	}

	detail := Detail{Requisition: req, Items: make([]DetailItem, 0, len(items))}
	for _, item := range items {
		d := DetailItem{Item: item}
		if disp, ok := displays[item.ID]; ok {
			d.StockName = disp.name
			d.StockQuantity = disp.qty
		}
		detail.Items = append(detail.Items, d)
	}
	return detail, nil
}

// List returns requisitions matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Requisition, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+requisitionColumns+` FROM requisitions
WHERE ($1 = '' OR kind = $1)
  AND ($2 = '' OR status = $2)
  AND ($3 = '' OR department = $3)
ORDER BY created_at DESC, id DESC
LIMIT $4 OFFSET $5`,
		string(filter.Kind), string(filter.Status), filter.Department, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("requisition: list: %w", err)
	}
	defer rows.Close()

	var result []Requisition
	for rows.Next() {
		req, err := scanRequisition(rows)
		if err != nil {
			return nil, fmt.Errorf("requisition: scan list row: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListItemIDs resolves item ids for history assembly.
func (r *Repository) ListItemIDs(ctx context.Context, requisitionID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM requisition_items WHERE requisition_id = $1`, requisitionID)
	if err != nil {
		return nil, fmt.Errorf("requisition: list item ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *Repository) listApprovals(ctx context.Context, requisitionID int64) ([]Approval, error) {
	rows, err := r.pool.Query(ctx, `SELECT step_index, role, approved_by, approved_at
FROM requisition_approvals WHERE requisition_id = $1 ORDER BY step_index ASC`, requisitionID)
	if err != nil {
		return nil, fmt.Errorf("requisition: list approvals: %w", err)
	}
	defer rows.Close()
	var approvals []Approval
	for rows.Next() {
		var a Approval
		var role string
		var at pgtype.Timestamptz
		if err := rows.Scan(&a.StepIndex, &role, &a.ApprovedBy, &at); err != nil {
			return nil, err
		}
		a.Role = Role(role)
		a.ApprovedAt = at.Time
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return approvals, nil
}

func (r *Repository) listItems(ctx context.Context, requisitionID int64) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, requisition_id, stock_item_id, requested_quantity, approved_quantity,
unit, remark, is_processed, processed_at
FROM requisition_items WHERE requisition_id = $1 ORDER BY id ASC`, requisitionID)
	if err != nil {
		return nil, fmt.Errorf("requisition: list items: %w", err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var item Item
		var requested, approved pgtype.Numeric
		var remark pgtype.Text
		var processedAt pgtype.Timestamptz
		if err := rows.Scan(&item.ID, &item.RequisitionID, &item.StockItemID, &requested, &approved,
			&item.Unit, &remark, &item.IsProcessed, &processedAt); err != nil {
			return nil, err
		}
		item.RequestedQuantity = db.DecimalFromNumeric(requested)
		item.ApprovedQuantity = db.DecimalFromNumeric(approved)
		item.Remark = remark.String
		item.ProcessedAt = processedAt.Time
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanRequisition(row pgx.Row) (Requisition, error) {
	var req Requisition
	var kind, status string
	var rejectedBy, rejectedByRole, rejectionReason pgtype.Text
	var date, rejectedAt, completedAt, createdAt, updatedAt pgtype.Timestamptz
	if err := row.Scan(&req.ID, &req.Number, &kind, &date, &req.Department, &req.Requester, &status, &req.TotalItems,
		&rejectedBy, &rejectedByRole, &rejectionReason, &rejectedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return Requisition{}, err
	}
	req.Kind = stock.Kind(kind)
	req.Status = Status(status)
	req.Date = date.Time
	req.RejectedBy = rejectedBy.String
	req.RejectedByRole = Role(rejectedByRole.String)
	req.RejectionReason = rejectionReason.String
	req.RejectedAt = rejectedAt.Time
	req.CompletedAt = completedAt.Time
	req.CreatedAt = createdAt.Time
	req.UpdatedAt = updatedAt.Time
	return req, nil
}

type txRepo struct {
	tx pgx.Tx
}

// CreateRequisition inserts the header row.
func (r *txRepo) CreateRequisition(ctx context.Context, req Requisition) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO requisitions
(requisition_number, kind, requisition_date, department, requester, status, total_items, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
RETURNING id`,
		req.Number, string(req.Kind), req.Date, req.Department, req.Requester, string(req.Status), req.TotalItems).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("requisition number %s already exists: %w", req.Number, shared.ErrValidation)
		}
		return 0, fmt.Errorf("requisition: create: %w", err)
	}
	return id, nil
}

// InsertItem inserts one line.
func (r *txRepo) InsertItem(ctx context.Context, item Item) (int64, error) {
	requested, err := db.NumericFromDecimal(item.RequestedQuantity)
	if err != nil {
		return 0, err
	}
	approved, err := db.NumericFromDecimal(item.ApprovedQuantity)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.tx.QueryRow(ctx, `INSERT INTO requisition_items
(requisition_id, stock_item_id, requested_quantity, approved_quantity, unit, remark, is_processed)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), false)
RETURNING id`,
		item.RequisitionID, item.StockItemID, requested, approved, item.Unit, item.Remark).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("requisition: insert item: %w", err)
	}
	return id, nil
}

// UpdateStatusCAS advances status only when the row still holds the expected
// one. This is the serialization point for concurrent transitions.
func (r *txRepo) UpdateStatusCAS(ctx context.Context, id int64, expect, next Status) (bool, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE requisitions SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		string(next), id, string(expect))
	if err != nil {
		return false, fmt.Errorf("requisition: update status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertApproval records one chain step.
func (r *txRepo) InsertApproval(ctx context.Context, requisitionID int64, approval Approval) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO requisition_approvals
(requisition_id, step_index, role, approved_by, approved_at)
VALUES ($1, $2, $3, $4, $5)`,
		requisitionID, approval.StepIndex, string(approval.Role), approval.ApprovedBy, approval.ApprovedAt)
	if err != nil {
		return fmt.Errorf("requisition: insert approval: %w", err)
	}
	return nil
}

// UpdateItemApprovedQuantity narrows one item's approved quantity.
func (r *txRepo) UpdateItemApprovedQuantity(ctx context.Context, itemID int64, qty decimal.Decimal) error {
	numeric, err := db.NumericFromDecimal(qty)
	if err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `UPDATE requisition_items SET approved_quantity = $1 WHERE id = $2`, numeric, itemID)
	if err != nil {
		return fmt.Errorf("requisition: update approved quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requisition item %d: %w", itemID, shared.ErrNotFound)
	}
	return nil
}

// MarkItemProcessed flips is_processed exactly once.
func (r *txRepo) MarkItemProcessed(ctx context.Context, itemID int64, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE requisition_items SET is_processed = true, processed_at = $1
WHERE id = $2 AND is_processed = false`, at, itemID)
	if err != nil {
		return fmt.Errorf("requisition: mark item processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("requisition item %d already processed: %w", itemID, shared.ErrConsistency)
	}
	return nil
}

// RecordRejection stores who rejected and why.
func (r *txRepo) RecordRejection(ctx context.Context, id int64, by string, role Role, reason string, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE requisitions
SET rejected_by = $1, rejected_by_role = NULLIF($2, ''), rejection_reason = $3, rejected_at = $4, updated_at = NOW()
WHERE id = $5`, by, string(role), reason, at, id)
	if err != nil {
		return fmt.Errorf("requisition: record rejection: %w", err)
	}
	return nil
}

// SetCompletedAt stamps reconciliation completion.
func (r *txRepo) SetCompletedAt(ctx context.Context, id int64, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE requisitions SET completed_at = $1, updated_at = NOW() WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("requisition: set completed: %w", err)
	}
	return nil
}

// GetStockForUpdate locks the registry row; it is the cross-requisition
// serialization point when two requisitions share a stock item.
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
		return stock.Item{}, fmt.Errorf("requisition: lock stock item: %w", err)
	}
	item.Kind = kind
	item.Quantity = db.DecimalFromNumeric(qty)
	return item, nil
}

// UpdateStockQuantity writes the decremented registry quantity.
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
		return fmt.Errorf("requisition: update stock quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return stock.ErrItemNotFound
	}
	return nil
}

// InsertLedgerEntry appends a reconciliation deduction entry.
func (r *txRepo) InsertLedgerEntry(ctx context.Context, entry ledger.Entry) (int64, error) {
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
		return 0, fmt.Errorf("requisition: insert ledger entry: %w", err)
	}
	return id, nil
}
