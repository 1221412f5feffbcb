// Package history composes the requisition audit log and the inventory
// transaction ledger into one chronological timeline. It is a pure read-side
// view; it never mutates either source.
package history

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/storeroom-ims/storeroom/internal/audit"
	"github.com/storeroom-ims/storeroom/internal/ledger"
)

// EventKind tags which source an event came from.
type EventKind string

const (
	// KindAudit marks a lifecycle action.
	KindAudit EventKind = "audit"
	// KindTransaction marks a stock quantity mutation.
	KindTransaction EventKind = "transaction"
)

// Event is the tagged union over both sources. Audit fields and transaction
// fields are populated depending on Kind.
type Event struct {
	Kind        EventKind
	Timestamp   time.Time
	Action      string
	PerformedBy string

	// audit fields
	Role      string
	OldStatus string
	NewStatus string
	Details   map[string]any

	// transaction fields
	QuantityChange *decimal.Decimal
	QuantityBefore *decimal.Decimal
	QuantityAfter  *decimal.Decimal
	Reason         string
}

// AuditSource lists audit entries for one requisition.
type AuditSource interface {
	ListForRequisition(ctx context.Context, requisitionID int64) ([]audit.Entry, error)
}

// LedgerSource lists ledger entries referencing requisition items.
type LedgerSource interface {
	ListForItems(ctx context.Context, itemIDs []int64) ([]ledger.Entry, error)
}

// ItemSource resolves a requisition's item ids.
type ItemSource interface {
	ItemIDs(ctx context.Context, requisitionID int64) ([]int64, error)
}

// Service assembles timelines.
type Service struct {
	auditLog AuditSource
	ledger   LedgerSource
	items    ItemSource
}

// NewService constructs Service.
func NewService(auditLog AuditSource, ledgerSource LedgerSource, items ItemSource) *Service {
	return &Service{auditLog: auditLog, ledger: ledgerSource, items: items}
}

// GetHistory returns the merged timeline, most recent first, stable on ties.
// Its length always equals audit entries plus ledger entries in scope.
func (s *Service) GetHistory(ctx context.Context, requisitionID int64) ([]Event, error) {
	itemIDs, err := s.items.ItemIDs(ctx, requisitionID)
	if err != nil {
		return nil, err
	}

	var auditEntries []audit.Entry
	var ledgerEntries []ledger.Entry

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, err := s.auditLog.ListForRequisition(gctx, requisitionID)
		if err != nil {
			return err
		}
		auditEntries = entries
		return nil
	})
	g.Go(func() error {
		if len(itemIDs) == 0 {
			return nil
		}
		entries, err := s.ledger.ListForItems(gctx, itemIDs)
		if err != nil {
			return err
		}
		ledgerEntries = entries
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(auditEntries)+len(ledgerEntries))
	for _, e := range auditEntries {
		events = append(events, Event{
			Kind:        KindAudit,
			Timestamp:   e.At,
			Action:      e.Action,
			PerformedBy: e.PerformedBy,
			Role:        e.Role,
			OldStatus:   e.OldStatus,
			NewStatus:   e.NewStatus,
			Details:     e.Details,
		})
	}
	for _, e := range ledgerEntries {
		change, before, after := e.QuantityChange, e.QuantityBefore, e.QuantityAfter
		events = append(events, Event{
			Kind:           KindTransaction,
			Timestamp:      e.At,
			Action:         string(e.Type),
			PerformedBy:    e.PerformedBy,
			QuantityChange: &change,
			QuantityBefore: &before,
			QuantityAfter:  &after,
			Reason:         e.Reason,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events, nil
}
