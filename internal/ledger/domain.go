// Package ledger keeps the append-only record of stock quantity mutations.
// Every entry carries the quantity before and after the mutation and the
// reason it happened; there is no update or delete.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/storeroom-ims/storeroom/internal/shared"
	"github.com/storeroom-ims/storeroom/internal/stock"
)

// TransactionType enumerates why a stock quantity changed.
type TransactionType string

const (
	// TypeRequisitionDeduction is written by reconciliation of an approved
	// requisition.
	TypeRequisitionDeduction TransactionType = "requisition_deduction"
	// TypeManualAdjustment is written by an explicit stock correction.
	TypeManualAdjustment TransactionType = "manual_adjustment"
	// TypeRegistrationAddition is written when registered intake raises stock.
	TypeRegistrationAddition TransactionType = "registration_addition"
)

// Entry is one immutable ledger record.
type Entry struct {
	ID                int64
	ItemKind          stock.Kind
	StockItemID       int64
	RequisitionItemID int64 // zero when the mutation is not requisition-driven
	Type              TransactionType
	QuantityChange    decimal.Decimal
	QuantityBefore    decimal.Decimal
	QuantityAfter     decimal.Decimal
	PerformedBy       string
	Reason            string
	Ref               string // deterministic id of the originating operation
	At                time.Time
}

// Validate checks the arithmetic invariant and per-type sign rules. The ledger
// verifies its own arithmetic at write time; the registry owns the
// authoritative counter.
func (e Entry) Validate() error {
	if e.StockItemID == 0 {
		return fmt.Errorf("ledger: stock item required: %w", shared.ErrValidation)
	}
	if e.PerformedBy == "" {
		return fmt.Errorf("ledger: performer required: %w", shared.ErrValidation)
	}
	if !e.QuantityAfter.Equal(e.QuantityBefore.Add(e.QuantityChange)) {
		return fmt.Errorf("ledger: entry for item %d does not balance (%s + %s != %s): %w",
			e.StockItemID, e.QuantityBefore, e.QuantityChange, e.QuantityAfter, shared.ErrConsistency)
	}
	switch e.Type {
	case TypeRequisitionDeduction:
		if e.QuantityChange.IsPositive() {
			return fmt.Errorf("ledger: requisition deduction must not increase stock: %w", shared.ErrConsistency)
		}
		if e.RequisitionItemID == 0 {
			return fmt.Errorf("ledger: requisition deduction requires item back-reference: %w", shared.ErrValidation)
		}
	case TypeRegistrationAddition:
		if !e.QuantityChange.IsPositive() {
			return fmt.Errorf("ledger: registration addition must increase stock: %w", shared.ErrValidation)
		}
	case TypeManualAdjustment:
		if e.QuantityChange.IsZero() {
			return fmt.Errorf("ledger: adjustment must change quantity: %w", shared.ErrValidation)
		}
	default:
		return fmt.Errorf("ledger: unknown transaction type %q: %w", e.Type, shared.ErrValidation)
	}
	return nil
}
