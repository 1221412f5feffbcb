package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storeroom-ims/storeroom/internal/platform/db"
)

// Registry reads stock items for validation and display joins. Quantity
// mutations happen inside requisition/ledger transactions, not through this
// port, so the registry stays read-only.
type Registry interface {
	Get(ctx context.Context, kind Kind, id int64) (Item, error)
}

// PGRegistry implements Registry over the externally owned item tables.
type PGRegistry struct {
	pool *pgxpool.Pool
}

// NewPGRegistry constructs PGRegistry.
func NewPGRegistry(pool *pgxpool.Pool) *PGRegistry {
	return &PGRegistry{pool: pool}
}

// TableFor returns the registry table backing a kind. The requisition and
// ledger repositories join against the same tables.
func TableFor(kind Kind) (table, nameColumn string, err error) {
	switch kind {
	case KindChemical:
		return "chemical_items", "chemical_name", nil
	case KindAdminItem:
		return "admin_items", "item_name", nil
	}
	return "", "", fmt.Errorf("stock: unknown kind %q", kind)
}

// Get fetches one registry item.
func (r *PGRegistry) Get(ctx context.Context, kind Kind, id int64) (Item, error) {
	table, nameCol, err := TableFor(kind)
	if err != nil {
		return Item{}, err
	}
	query := fmt.Sprintf(`SELECT id, %s, quantity, unit FROM %s WHERE id = $1`, nameCol, table)
	var item Item
	var qty pgtype.Numeric
	if err := r.pool.QueryRow(ctx, query, id).Scan(&item.ID, &item.Name, &qty, &item.Unit); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, fmt.Errorf("stock: get item: %w", err)
	}
	item.Kind = kind
	item.Quantity = db.DecimalFromNumeric(qty)
	return item, nil
}
