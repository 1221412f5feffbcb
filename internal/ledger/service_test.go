package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/storeroom-ims/storeroom/internal/shared"
	"github.com/storeroom-ims/storeroom/internal/stock"
)

type memoryRepo struct {
	stockItems map[string]*stock.Item
	entries    []Entry
	nextID     int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{stockItems: make(map[string]*stock.Item)}
}

func stockKey(kind stock.Kind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

func (r *memoryRepo) addStock(kind stock.Kind, id int64, name string, qty string) {
	r.stockItems[stockKey(kind, id)] = &stock.Item{
		ID: id, Kind: kind, Name: name, Unit: "pcs", Quantity: decimal.RequireFromString(qty),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) ListForItems(ctx context.Context, itemIDs []int64) ([]Entry, error) {
	ids := make(map[int64]bool, len(itemIDs))
	for _, id := range itemIDs {
		ids[id] = true
	}
	var result []Entry
	for _, e := range r.entries {
		if ids[e.RequisitionItemID] {
			result = append(result, e)
		}
	}
	return result, nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) InsertEntry(ctx context.Context, entry Entry) (int64, error) {
	tx.repo.nextID++
	entry.ID = tx.repo.nextID
	tx.repo.entries = append(tx.repo.entries, entry)
	return entry.ID, nil
}

func (tx *memoryTx) GetStockForUpdate(ctx context.Context, kind stock.Kind, id int64) (stock.Item, error) {
	if item, ok := tx.repo.stockItems[stockKey(kind, id)]; ok {
		return *item, nil
	}
	return stock.Item{}, stock.ErrItemNotFound
}

func (tx *memoryTx) UpdateStockQuantity(ctx context.Context, kind stock.Kind, id int64, qty decimal.Decimal) error {
	item, ok := tx.repo.stockItems[stockKey(kind, id)]
	if !ok {
		return stock.ErrItemNotFound
	}
	item.Quantity = qty
	return nil
}

func TestEntryValidateArithmetic(t *testing.T) {
	entry := Entry{
		ItemKind:       stock.KindChemical,
		StockItemID:    1,
		Type:           TypeManualAdjustment,
		QuantityChange: decimal.RequireFromString("2"),
		QuantityBefore: decimal.RequireFromString("10"),
		QuantityAfter:  decimal.RequireFromString("11"),
		PerformedBy:    "keeper",
	}
	require.ErrorIs(t, entry.Validate(), shared.ErrConsistency)

	entry.QuantityAfter = decimal.RequireFromString("12")
	require.NoError(t, entry.Validate())
}

func TestEntryValidateSignRules(t *testing.T) {
	base := Entry{
		ItemKind:       stock.KindChemical,
		StockItemID:    1,
		PerformedBy:    "keeper",
		QuantityBefore: decimal.RequireFromString("10"),
	}

	deduction := base
	deduction.Type = TypeRequisitionDeduction
	deduction.RequisitionItemID = 5
	deduction.QuantityChange = decimal.RequireFromString("1")
	deduction.QuantityAfter = decimal.RequireFromString("11")
	require.ErrorIs(t, deduction.Validate(), shared.ErrConsistency)

	deduction.QuantityChange = decimal.RequireFromString("-1")
	deduction.QuantityAfter = decimal.RequireFromString("9")
	require.NoError(t, deduction.Validate())

	deduction.RequisitionItemID = 0
	require.ErrorIs(t, deduction.Validate(), shared.ErrValidation)

	addition := base
	addition.Type = TypeRegistrationAddition
	addition.QuantityChange = decimal.RequireFromString("-1")
	addition.QuantityAfter = decimal.RequireFromString("9")
	require.ErrorIs(t, addition.Validate(), shared.ErrValidation)

	unknown := base
	unknown.Type = TransactionType("transfer")
	unknown.QuantityChange = decimal.RequireFromString("1")
	unknown.QuantityAfter = decimal.RequireFromString("11")
	require.ErrorIs(t, unknown.Validate(), shared.ErrValidation)
}

func TestRecordRejectsStaleQuantityBefore(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "10")
	svc := NewService(repo)

	entry := Entry{
		ItemKind:       stock.KindChemical,
		StockItemID:    1,
		Type:           TypeManualAdjustment,
		QuantityChange: decimal.RequireFromString("-2"),
		QuantityBefore: decimal.RequireFromString("12"),
		QuantityAfter:  decimal.RequireFromString("10"),
		PerformedBy:    "keeper",
		At:             time.Now(),
	}
	_, err := svc.Record(context.Background(), entry)
	require.ErrorIs(t, err, shared.ErrConsistency)
	require.Empty(t, repo.entries)
}

func TestPostAdjustmentAppliesSignedChange(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "10")
	svc := NewService(repo)

	entry, err := svc.PostAdjustment(context.Background(), AdjustmentInput{
		Kind:           stock.KindChemical,
		StockItemID:    1,
		QuantityChange: decimal.RequireFromString("-2.5"),
		PerformedBy:    "keeper",
		Reason:         "spillage",
	})
	require.NoError(t, err)
	require.Equal(t, TypeManualAdjustment, entry.Type)
	require.True(t, entry.QuantityBefore.Equal(decimal.RequireFromString("10")))
	require.True(t, entry.QuantityAfter.Equal(decimal.RequireFromString("7.5")))
	require.NotEmpty(t, entry.Ref)
	require.True(t, repo.stockItems[stockKey(stock.KindChemical, 1)].Quantity.Equal(decimal.RequireFromString("7.5")))
}

func TestPostAdjustmentRejectsNegativeResult(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "2")
	svc := NewService(repo)

	_, err := svc.PostAdjustment(context.Background(), AdjustmentInput{
		Kind:           stock.KindChemical,
		StockItemID:    1,
		QuantityChange: decimal.RequireFromString("-3"),
		PerformedBy:    "keeper",
		Reason:         "spillage",
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Empty(t, repo.entries)
	require.True(t, repo.stockItems[stockKey(stock.KindChemical, 1)].Quantity.Equal(decimal.RequireFromString("2")))
}

func TestPostAdjustmentRejectsZeroChange(t *testing.T) {
	svc := NewService(newMemoryRepo())

	_, err := svc.PostAdjustment(context.Background(), AdjustmentInput{
		Kind:           stock.KindChemical,
		StockItemID:    1,
		QuantityChange: decimal.Zero,
		PerformedBy:    "keeper",
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPostRegistrationAdditionRaisesStock(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindAdminItem, 9, "Stapler", "20")
	svc := NewService(repo)

	entry, err := svc.PostRegistrationAddition(context.Background(), AdditionInput{
		Kind:        stock.KindAdminItem,
		StockItemID: 9,
		Quantity:    decimal.RequireFromString("5"),
		PerformedBy: "keeper",
		Reason:      "delivery 2024-03",
	})
	require.NoError(t, err)
	require.Equal(t, TypeRegistrationAddition, entry.Type)
	require.True(t, entry.QuantityAfter.Equal(decimal.RequireFromString("25")))
	require.True(t, repo.stockItems[stockKey(stock.KindAdminItem, 9)].Quantity.Equal(decimal.RequireFromString("25")))
}

func TestPostRegistrationAdditionUnknownItem(t *testing.T) {
	svc := NewService(newMemoryRepo())

	_, err := svc.PostRegistrationAddition(context.Background(), AdditionInput{
		Kind:        stock.KindAdminItem,
		StockItemID: 404,
		Quantity:    decimal.RequireFromString("5"),
		PerformedBy: "keeper",
	})
	require.ErrorIs(t, err, stock.ErrItemNotFound)
}
