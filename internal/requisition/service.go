package requisition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/storeroom-ims/storeroom/internal/audit"
	"github.com/storeroom-ims/storeroom/internal/ledger"
	"github.com/storeroom-ims/storeroom/internal/shared"
	"github.com/storeroom-ims/storeroom/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Requisition, []Item, error)
	GetDetail(ctx context.Context, id int64) (Detail, error)
	List(ctx context.Context, filter ListFilter) ([]Requisition, error)
	ListItemIDs(ctx context.Context, requisitionID int64) ([]int64, error)
}

// TxRepository exposes the writes that must land atomically.
type TxRepository interface {
	CreateRequisition(ctx context.Context, req Requisition) (int64, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	UpdateStatusCAS(ctx context.Context, id int64, expect, next Status) (bool, error)
	InsertApproval(ctx context.Context, requisitionID int64, approval Approval) error
	UpdateItemApprovedQuantity(ctx context.Context, itemID int64, qty decimal.Decimal) error
	MarkItemProcessed(ctx context.Context, itemID int64, at time.Time) error
	RecordRejection(ctx context.Context, id int64, by string, role Role, reason string, at time.Time) error
	SetCompletedAt(ctx context.Context, id int64, at time.Time) error
	GetStockForUpdate(ctx context.Context, kind stock.Kind, id int64) (stock.Item, error)
	UpdateStockQuantity(ctx context.Context, kind stock.Kind, id int64, qty decimal.Decimal) error
	InsertLedgerEntry(ctx context.Context, entry ledger.Entry) (int64, error)
}

// AuditPort records lifecycle entries; failures are observational only.
type AuditPort interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Service is the requisition state machine controller.
type Service struct {
	repo     RepositoryPort
	registry stock.Registry
	audit    AuditPort
	now      func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, registry stock.Registry, auditor AuditPort) *Service {
	return &Service{repo: repo, registry: registry, audit: auditor, now: func() time.Time { return time.Now().UTC() }}
}

// SubmitItemInput is one requested line.
type SubmitItemInput struct {
	StockItemID int64
	Quantity    decimal.Decimal
	Unit        string
	Remark      string
}

// SubmitInput describes a requisition draft.
type SubmitInput struct {
	Kind       stock.Kind
	Department string
	Requester  string
	Items      []SubmitItemInput
}

// Submit validates the draft and creates the requisition in pending state.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (Requisition, error) {
	if _, err := ChainFor(input.Kind); err != nil {
		return Requisition{}, err
	}
	if input.Department == "" {
		return Requisition{}, fmt.Errorf("requisition: department required: %w", shared.ErrValidation)
	}
	if input.Requester == "" {
		return Requisition{}, fmt.Errorf("requisition: requester required: %w", shared.ErrValidation)
	}
	if len(input.Items) == 0 {
		return Requisition{}, fmt.Errorf("requisition: at least one item required: %w", shared.ErrValidation)
	}

	now := s.now()
	req := Requisition{
		Number:     generateNumber(input.Kind, now),
		Kind:       input.Kind,
		Date:       now,
		Department: input.Department,
		Requester:  input.Requester,
		Status:     StatusPending,
		TotalItems: len(input.Items),
	}

	items := make([]Item, 0, len(input.Items))
	for i, line := range input.Items {
		if line.StockItemID == 0 {
			return Requisition{}, fmt.Errorf("requisition: item %d missing stock reference: %w", i, shared.ErrValidation)
		}
		if !line.Quantity.IsPositive() {
			return Requisition{}, fmt.Errorf("requisition: item %d quantity must be positive: %w", i, shared.ErrValidation)
		}
		registryItem, err := s.registry.Get(ctx, input.Kind, line.StockItemID)
		if err != nil {
			if errors.Is(err, stock.ErrItemNotFound) {
				return Requisition{}, fmt.Errorf("requisition: item %d references unknown stock item %d: %w", i, line.StockItemID, shared.ErrValidation)
			}
			return Requisition{}, err
		}
		unit := line.Unit
		if unit == "" {
			unit = registryItem.Unit
		}
		items = append(items, Item{
			StockItemID:       line.StockItemID,
			RequestedQuantity: line.Quantity,
			ApprovedQuantity:  line.Quantity,
			Unit:              unit,
			Remark:            line.Remark,
		})
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateRequisition(ctx, req)
		if err != nil {
			return err
		}
		req.ID = id
		for i := range items {
			items[i].RequisitionID = id
			if _, err := tx.InsertItem(ctx, items[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Requisition{}, err
	}
	req.CreatedAt = now

	s.recordAudit(ctx, audit.Entry{
		RequisitionID: req.ID,
		Action:        audit.ActionCreated,
		PerformedBy:   input.Requester,
		NewStatus:     string(StatusPending),
		Details:       map[string]any{"number": req.Number, "total_items": req.TotalItems},
	})
	return req, nil
}

// ApproveInput describes one approval step.
type ApproveInput struct {
	RequisitionID int64
	Actor         shared.Actor
	// ApprovedQuantities optionally narrows item quantities, keyed by
	// requisition item id. Values may never exceed the requested quantity
	// and are immutable once first narrowed.
	ApprovedQuantities map[int64]decimal.Decimal
}

// ApproveStep records the approval the current status is waiting on and
// advances the chain. When the final step lands, reconciliation runs inside
// the same transaction.
func (s *Service) ApproveStep(ctx context.Context, input ApproveInput) (Requisition, error) {
	req, items, err := s.repo.Get(ctx, input.RequisitionID)
	if err != nil {
		return Requisition{}, err
	}
	chain, err := ChainFor(req.Kind)
	if err != nil {
		return Requisition{}, err
	}
	step, stepIndex, err := chain.CurrentStep(req.Status)
	if err != nil {
		return Requisition{}, err
	}
	if Role(input.Actor.Role) != step.Role {
		return Requisition{}, fmt.Errorf("requisition %s: role %s may not act while status is %s (expected %s): %w",
			req.Number, input.Actor.Role, req.Status, step.Role, shared.ErrInvalidState)
	}

	byID := make(map[int64]*Item, len(items))
	for i := range items {
		byID[items[i].ID] = &items[i]
	}
	for itemID, qty := range input.ApprovedQuantities {
		item, ok := byID[itemID]
		if !ok {
			return Requisition{}, fmt.Errorf("requisition %s: item %d does not belong to it: %w", req.Number, itemID, shared.ErrValidation)
		}
		if qty.IsNegative() {
			return Requisition{}, fmt.Errorf("requisition %s: approved quantity for item %d is negative: %w", req.Number, itemID, shared.ErrValidation)
		}
		if qty.GreaterThan(item.RequestedQuantity) {
			return Requisition{}, fmt.Errorf("requisition %s: approved quantity %s exceeds requested %s for item %d: %w",
				req.Number, qty, item.RequestedQuantity, itemID, shared.ErrValidation)
		}
		if !item.ApprovedQuantity.Equal(item.RequestedQuantity) && !item.ApprovedQuantity.Equal(qty) {
			return Requisition{}, fmt.Errorf("requisition %s: approved quantity for item %d was already set to %s: %w",
				req.Number, itemID, item.ApprovedQuantity, shared.ErrValidation)
		}
	}

	now := s.now()
	oldStatus := req.Status
	approval := Approval{StepIndex: stepIndex, Role: step.Role, ApprovedBy: input.Actor.Identity, ApprovedAt: now}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.UpdateStatusCAS(ctx, req.ID, oldStatus, step.Next)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("requisition %s: status moved past %s: %w", req.Number, oldStatus, shared.ErrConcurrentModification)
		}
		if err := tx.InsertApproval(ctx, req.ID, approval); err != nil {
			return err
		}
		for itemID, qty := range input.ApprovedQuantities {
			item := byID[itemID]
			if item.ApprovedQuantity.Equal(qty) {
				continue
			}
			if err := tx.UpdateItemApprovedQuantity(ctx, itemID, qty); err != nil {
				return err
			}
			item.ApprovedQuantity = qty
		}
		if step.Next == StatusApproved {
			if err := s.reconcile(ctx, tx, req, items, input.Actor.Identity, now); err != nil {
				return err
			}
			if err := tx.SetCompletedAt(ctx, req.ID, now); err != nil {
				return err
			}
			req.CompletedAt = now
		}
		return nil
	})
	if err != nil {
		return Requisition{}, err
	}

	req.Status = step.Next
	req.Approvals = append(req.Approvals, approval)
	req.UpdatedAt = now

	s.recordAudit(ctx, audit.Entry{
		RequisitionID: req.ID,
		Action:        audit.ActionApproved,
		PerformedBy:   input.Actor.Identity,
		Role:          string(step.Role),
		OldStatus:     string(oldStatus),
		NewStatus:     string(step.Next),
	})
	return req, nil
}

// reconcile deducts approved quantities from the registry and writes one
// requisition_deduction entry per item, exactly once. A failure on any item
// aborts the whole approval transition; no partial deduction survives.
func (s *Service) reconcile(ctx context.Context, tx TxRepository, req Requisition, items []Item, actor string, now time.Time) error {
	for i := range items {
		item := &items[i]
		if item.IsProcessed {
			continue
		}
		registryItem, err := tx.GetStockForUpdate(ctx, req.Kind, item.StockItemID)
		if err != nil {
			return err
		}
		if registryItem.Quantity.LessThan(item.ApprovedQuantity) {
			return fmt.Errorf("requisition %s: %s has %s but %s approved: %w",
				req.Number, registryItem.Name, registryItem.Quantity, item.ApprovedQuantity, shared.ErrInsufficientStock)
		}
		remaining := registryItem.Quantity.Sub(item.ApprovedQuantity)
		entry := ledger.Entry{
			ItemKind:          req.Kind,
			StockItemID:       item.StockItemID,
			RequisitionItemID: item.ID,
			Type:              ledger.TypeRequisitionDeduction,
			QuantityChange:    item.ApprovedQuantity.Neg(),
			QuantityBefore:    registryItem.Quantity,
			QuantityAfter:     remaining,
			PerformedBy:       actor,
			Ref:               reconciliationRef(req.ID, item.ID),
			At:                now,
		}
		if err := entry.Validate(); err != nil {
			return err
		}
		if _, err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}
		if err := tx.UpdateStockQuantity(ctx, req.Kind, item.StockItemID, remaining); err != nil {
			return err
		}
		if err := tx.MarkItemProcessed(ctx, item.ID, now); err != nil {
			return err
		}
		item.IsProcessed = true
		item.ProcessedAt = now
	}
	return nil
}

// RejectInput describes a rejection.
type RejectInput struct {
	RequisitionID int64
	Actor         shared.Actor
	Reason        string
}

// Reject moves any non-terminal requisition to rejected. Rejecting an
// already-rejected requisition is a no-op reporting the existing state.
func (s *Service) Reject(ctx context.Context, input RejectInput) (Requisition, error) {
	req, _, err := s.repo.Get(ctx, input.RequisitionID)
	if err != nil {
		return Requisition{}, err
	}
	if req.Status == StatusRejected {
		return req, nil
	}
	if req.Status.Terminal() {
		return Requisition{}, fmt.Errorf("requisition %s: cannot reject from %s: %w", req.Number, req.Status, shared.ErrInvalidState)
	}
	if input.Reason == "" {
		return Requisition{}, fmt.Errorf("requisition: rejection reason required: %w", shared.ErrValidation)
	}

	now := s.now()
	oldStatus := req.Status
	role := Role(input.Actor.Role)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.UpdateStatusCAS(ctx, req.ID, oldStatus, StatusRejected)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("requisition %s: status moved past %s: %w", req.Number, oldStatus, shared.ErrConcurrentModification)
		}
		return tx.RecordRejection(ctx, req.ID, input.Actor.Identity, role, input.Reason, now)
	})
	if err != nil {
		return Requisition{}, err
	}

	req.Status = StatusRejected
	req.RejectedBy = input.Actor.Identity
	req.RejectedByRole = role
	req.RejectionReason = input.Reason
	req.RejectedAt = now
	req.UpdatedAt = now

	s.recordAudit(ctx, audit.Entry{
		RequisitionID: req.ID,
		Action:        audit.ActionRejected,
		PerformedBy:   input.Actor.Identity,
		Role:          input.Actor.Role,
		OldStatus:     string(oldStatus),
		NewStatus:     string(StatusRejected),
		Details:       map[string]any{"reason": input.Reason},
	})
	return req, nil
}

// CancelInput describes a cancellation by the requester.
type CancelInput struct {
	RequisitionID int64
	Actor         shared.Actor
}

// Cancel is allowed only while pending, before any approval has been
// recorded. Once a step has approved, accountability requires rejection.
func (s *Service) Cancel(ctx context.Context, input CancelInput) (Requisition, error) {
	req, _, err := s.repo.Get(ctx, input.RequisitionID)
	if err != nil {
		return Requisition{}, err
	}
	if req.Status != StatusPending || len(req.Approvals) > 0 {
		return Requisition{}, fmt.Errorf("requisition %s: cannot cancel from %s: %w", req.Number, req.Status, shared.ErrInvalidState)
	}

	now := s.now()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.UpdateStatusCAS(ctx, req.ID, StatusPending, StatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("requisition %s: status moved past %s: %w", req.Number, StatusPending, shared.ErrConcurrentModification)
		}
		return nil
	})
	if err != nil {
		return Requisition{}, err
	}

	req.Status = StatusCancelled
	req.UpdatedAt = now

	s.recordAudit(ctx, audit.Entry{
		RequisitionID: req.ID,
		Action:        audit.ActionCancelled,
		PerformedBy:   input.Actor.Identity,
		OldStatus:     string(StatusPending),
		NewStatus:     string(StatusCancelled),
	})
	return req, nil
}

// Detail returns the requisition with display-joined items.
func (s *Service) Detail(ctx context.Context, id int64) (Detail, error) {
	return s.repo.GetDetail(ctx, id)
}

// List returns requisitions matching the filter. Negative paging values are
// treated as absent rather than handed to SQL.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Requisition, error) {
	if filter.Limit < 0 {
		filter.Limit = 0
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.List(ctx, filter)
}

// ItemIDs resolves the requisition's item ids for history assembly.
func (s *Service) ItemIDs(ctx context.Context, requisitionID int64) ([]int64, error) {
	return s.repo.ListItemIDs(ctx, requisitionID)
}

func (s *Service) recordAudit(ctx context.Context, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, entry)
}

func reconciliationRef(requisitionID, itemID int64) string {
	return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("REQ:%d:%d", requisitionID, itemID))).String()
}

func generateNumber(kind stock.Kind, at time.Time) string {
	code := "C"
	if kind == stock.KindAdminItem {
		code = "A"
	}
	return fmt.Sprintf("REQ-%s-%d", code, at.UnixNano())
}
