package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/storeroom-ims/storeroom/internal/shared"
	"github.com/storeroom-ims/storeroom/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListForItems(ctx context.Context, itemIDs []int64) ([]Entry, error)
}

// Service owns ledger writes that are not driven by requisition
// reconciliation: manual adjustments and registration additions. Both mutate
// the registry and append the entry in one transaction.
type Service struct {
	repo RepositoryPort
}

// NewService constructs Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Record validates and appends a fully formed entry. The registry row is
// locked to re-check the arithmetic against the live counter at write time.
func (s *Service) Record(ctx context.Context, entry Entry) (Entry, error) {
	if err := entry.Validate(); err != nil {
		return Entry{}, err
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.GetStockForUpdate(ctx, entry.ItemKind, entry.StockItemID)
		if err != nil {
			return err
		}
		if !item.Quantity.Equal(entry.QuantityBefore) {
			return fmt.Errorf("ledger: quantity_before %s does not match registry %s for item %d: %w",
				entry.QuantityBefore, item.Quantity, entry.StockItemID, shared.ErrConsistency)
		}
		id, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		entry.ID = id
		return tx.UpdateStockQuantity(ctx, entry.ItemKind, entry.StockItemID, entry.QuantityAfter)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// ListForItems returns entries for history assembly, unordered.
func (s *Service) ListForItems(ctx context.Context, itemIDs []int64) ([]Entry, error) {
	return s.repo.ListForItems(ctx, itemIDs)
}

// AdjustmentInput describes a manual stock correction.
type AdjustmentInput struct {
	Kind           stock.Kind
	StockItemID    int64
	QuantityChange decimal.Decimal
	PerformedBy    string
	Reason         string
}

// PostAdjustment reads the live quantity, applies the signed change and
// appends a manual_adjustment entry, all atomically.
func (s *Service) PostAdjustment(ctx context.Context, input AdjustmentInput) (Entry, error) {
	if input.QuantityChange.IsZero() {
		return Entry{}, fmt.Errorf("ledger: adjustment must change quantity: %w", shared.ErrValidation)
	}
	if input.PerformedBy == "" {
		return Entry{}, fmt.Errorf("ledger: performer required: %w", shared.ErrValidation)
	}
	var recorded Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.GetStockForUpdate(ctx, input.Kind, input.StockItemID)
		if err != nil {
			return err
		}
		after := item.Quantity.Add(input.QuantityChange)
		if after.IsNegative() {
			return fmt.Errorf("ledger: adjustment would drive %s below zero: %w", item.Name, shared.ErrInsufficientStock)
		}
		entry := Entry{
			ItemKind:       input.Kind,
			StockItemID:    input.StockItemID,
			Type:           TypeManualAdjustment,
			QuantityChange: input.QuantityChange,
			QuantityBefore: item.Quantity,
			QuantityAfter:  after,
			PerformedBy:    input.PerformedBy,
			Reason:         input.Reason,
			Ref:            adjustmentRef(input.Kind, input.StockItemID, time.Now().UTC()),
			At:             time.Now().UTC(),
		}
		if err := entry.Validate(); err != nil {
			return err
		}
		id, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		entry.ID = id
		if err := tx.UpdateStockQuantity(ctx, input.Kind, input.StockItemID, after); err != nil {
			return err
		}
		recorded = entry
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return recorded, nil
}

// AdditionInput describes registered intake raising stock.
type AdditionInput struct {
	Kind        stock.Kind
	StockItemID int64
	Quantity    decimal.Decimal
	PerformedBy string
	Reason      string
}

// PostRegistrationAddition raises stock for registered intake and appends a
// registration_addition entry.
func (s *Service) PostRegistrationAddition(ctx context.Context, input AdditionInput) (Entry, error) {
	if !input.Quantity.IsPositive() {
		return Entry{}, fmt.Errorf("ledger: addition quantity must be positive: %w", shared.ErrValidation)
	}
	if input.PerformedBy == "" {
		return Entry{}, fmt.Errorf("ledger: performer required: %w", shared.ErrValidation)
	}
	var recorded Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.GetStockForUpdate(ctx, input.Kind, input.StockItemID)
		if err != nil {
			return err
		}
		entry := Entry{
			ItemKind:       input.Kind,
			StockItemID:    input.StockItemID,
			Type:           TypeRegistrationAddition,
			QuantityChange: input.Quantity,
			QuantityBefore: item.Quantity,
			QuantityAfter:  item.Quantity.Add(input.Quantity),
			PerformedBy:    input.PerformedBy,
			Reason:         input.Reason,
			Ref:            adjustmentRef(input.Kind, input.StockItemID, time.Now().UTC()),
			At:             time.Now().UTC(),
		}
		if err := entry.Validate(); err != nil {
			return err
		}
		id, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		entry.ID = id
		if err := tx.UpdateStockQuantity(ctx, input.Kind, input.StockItemID, entry.QuantityAfter); err != nil {
			return err
		}
		recorded = entry
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return recorded, nil
}

func adjustmentRef(kind stock.Kind, itemID int64, at time.Time) string {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("LEDGER:%s:%d:%d", kind, itemID, at.UnixNano()))).String()
}
