package requisition

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/storeroom-ims/storeroom/internal/audit"
	"github.com/storeroom-ims/storeroom/internal/ledger"
	"github.com/storeroom-ims/storeroom/internal/shared"
	"github.com/storeroom-ims/storeroom/internal/stock"
)

type memoryRepo struct {
	reqs       map[int64]*Requisition
	items      map[int64]*Item
	stockItems map[string]*stock.Item
	entries    []ledger.Entry

	nextReqID    int64
	nextItemID   int64
	nextEntryID  int64
	failNextCAS  bool
	lastFilter   ListFilter
	rollbackSnap *memorySnapshot
}

type memorySnapshot struct {
	reqs       map[int64]Requisition
	items      map[int64]Item
	stockItems map[string]stock.Item
	entries    []ledger.Entry
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		reqs:       make(map[int64]*Requisition),
		items:      make(map[int64]*Item),
		stockItems: make(map[string]*stock.Item),
	}
}

func stockKey(kind stock.Kind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

func (r *memoryRepo) addStock(kind stock.Kind, id int64, name, unit string, qty string) {
	r.stockItems[stockKey(kind, id)] = &stock.Item{
		ID: id, Kind: kind, Name: name, Unit: unit, Quantity: decimal.RequireFromString(qty),
	}
}

// memoryRegistry adapts memoryRepo to stock.Registry.
type memoryRegistry struct {
	repo *memoryRepo
}

func (r memoryRegistry) Get(ctx context.Context, kind stock.Kind, id int64) (stock.Item, error) {
	if item, ok := r.repo.stockItems[stockKey(kind, id)]; ok {
		return *item, nil
	}
	return stock.Item{}, stock.ErrItemNotFound
}

func (r *memoryRepo) snapshot() *memorySnapshot {
	snap := &memorySnapshot{
		reqs:       make(map[int64]Requisition, len(r.reqs)),
		items:      make(map[int64]Item, len(r.items)),
		stockItems: make(map[string]stock.Item, len(r.stockItems)),
		entries:    append([]ledger.Entry(nil), r.entries...),
	}
	for id, req := range r.reqs {
		copied := *req
		copied.Approvals = append([]Approval(nil), req.Approvals...)
		snap.reqs[id] = copied
	}
	for id, item := range r.items {
		snap.items[id] = *item
	}
	for key, item := range r.stockItems {
		snap.stockItems[key] = *item
	}
	return snap
}

func (r *memoryRepo) restore(snap *memorySnapshot) {
	r.reqs = make(map[int64]*Requisition, len(snap.reqs))
	for id, req := range snap.reqs {
		copied := req
		r.reqs[id] = &copied
	}
	r.items = make(map[int64]*Item, len(snap.items))
	for id, item := range snap.items {
		copied := item
		r.items[id] = &copied
	}
	r.stockItems = make(map[string]*stock.Item, len(snap.stockItems))
	for key, item := range snap.stockItems {
		copied := item
		r.stockItems[key] = &copied
	}
	r.entries = snap.entries
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snap := r.snapshot()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *memoryRepo) getRequisition(id int64) (Requisition, []Item, error) {
	req, ok := r.reqs[id]
	if !ok {
		return Requisition{}, nil, fmt.Errorf("requisition %d: %w", id, shared.ErrNotFound)
	}
	copied := *req
	copied.Approvals = append([]Approval(nil), req.Approvals...)
	var items []Item
	for _, item := range r.items {
		if item.RequisitionID == id {
			items = append(items, *item)
		}
	}
	return copied, items, nil
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Requisition, []Item, error) {
	return r.getRequisition(id)
}

func (r *memoryRepo) GetDetail(ctx context.Context, id int64) (Detail, error) {
	req, items, err := r.getRequisition(id)
	if err != nil {
		return Detail{}, err
	}
	detail := Detail{Requisition: req}
	for _, item := range items {
		stockItem := r.stockItems[stockKey(req.Kind, item.StockItemID)]
		detail.Items = append(detail.Items, DetailItem{
			Item:          item,
			StockName:     stockItem.Name,
			StockQuantity: stockItem.Quantity,
		})
	}
	return detail, nil
}

func (r *memoryRepo) List(ctx context.Context, filter ListFilter) ([]Requisition, error) {
	r.lastFilter = filter
	var result []Requisition
	for _, req := range r.reqs {
		if filter.Kind != "" && req.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		result = append(result, *req)
	}
	return result, nil
}

func (r *memoryRepo) ListItemIDs(ctx context.Context, requisitionID int64) ([]int64, error) {
	var ids []int64
	for id, item := range r.items {
		if item.RequisitionID == requisitionID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) CreateRequisition(ctx context.Context, req Requisition) (int64, error) {
	tx.repo.nextReqID++
	req.ID = tx.repo.nextReqID
	tx.repo.reqs[req.ID] = &req
	return req.ID, nil
}

func (tx *memoryTx) InsertItem(ctx context.Context, item Item) (int64, error) {
	tx.repo.nextItemID++
	item.ID = tx.repo.nextItemID
	tx.repo.items[item.ID] = &item
	return item.ID, nil
}

func (tx *memoryTx) UpdateStatusCAS(ctx context.Context, id int64, expect, next Status) (bool, error) {
	if tx.repo.failNextCAS {
		tx.repo.failNextCAS = false
		return false, nil
	}
	req, ok := tx.repo.reqs[id]
	if !ok || req.Status != expect {
		return false, nil
	}
	req.Status = next
	return true, nil
}

func (tx *memoryTx) InsertApproval(ctx context.Context, requisitionID int64, approval Approval) error {
	req := tx.repo.reqs[requisitionID]
	req.Approvals = append(req.Approvals, approval)
	return nil
}

func (tx *memoryTx) UpdateItemApprovedQuantity(ctx context.Context, itemID int64, qty decimal.Decimal) error {
	tx.repo.items[itemID].ApprovedQuantity = qty
	return nil
}

func (tx *memoryTx) MarkItemProcessed(ctx context.Context, itemID int64, at time.Time) error {
	item := tx.repo.items[itemID]
	if item.IsProcessed {
		return fmt.Errorf("item %d already processed: %w", itemID, shared.ErrConsistency)
	}
	item.IsProcessed = true
	item.ProcessedAt = at
	return nil
}

func (tx *memoryTx) RecordRejection(ctx context.Context, id int64, by string, role Role, reason string, at time.Time) error {
	req := tx.repo.reqs[id]
	req.RejectedBy = by
	req.RejectedByRole = role
	req.RejectionReason = reason
	req.RejectedAt = at
	return nil
}

func (tx *memoryTx) SetCompletedAt(ctx context.Context, id int64, at time.Time) error {
	tx.repo.reqs[id].CompletedAt = at
	return nil
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

func (tx *memoryTx) InsertLedgerEntry(ctx context.Context, entry ledger.Entry) (int64, error) {
	tx.repo.nextEntryID++
	entry.ID = tx.repo.nextEntryID
	tx.repo.entries = append(tx.repo.entries, entry)
	return entry.ID, nil
}

type auditSpy struct {
	entries []audit.Entry
}

func (s *auditSpy) Record(ctx context.Context, entry audit.Entry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func newTestService(repo *memoryRepo) (*Service, *auditSpy) {
	spy := &auditSpy{}
	svc := NewService(repo, memoryRegistry{repo: repo}, spy)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	return svc, spy
}

func chemicalActor(role Role) shared.Actor {
	return shared.Actor{Identity: string(role) + "@store", Role: string(role)}
}

func TestSubmitCreatesPendingRequisition(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, spy := newTestService(repo)

	req, err := svc.Submit(context.Background(), SubmitInput{
		Kind:       stock.KindChemical,
		Department: "Biology",
		Requester:  "lab-1",
		Items: []SubmitItemInput{
			{StockItemID: 1, Quantity: decimal.RequireFromString("5")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, req.Status)
	require.Contains(t, req.Number, "REQ-C-")
	require.Equal(t, 1, req.TotalItems)

	_, items, err := repo.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.True(t, items[0].ApprovedQuantity.Equal(items[0].RequestedQuantity))
	require.Equal(t, "L", items[0].Unit, "unit defaults from the registry")
	require.False(t, items[0].IsProcessed)

	require.Len(t, spy.entries, 1)
	require.Equal(t, audit.ActionCreated, spy.entries[0].Action)
}

func TestSubmitRejectsUnknownStockItem(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)

	_, err := svc.Submit(context.Background(), SubmitInput{
		Kind:       stock.KindChemical,
		Department: "Biology",
		Requester:  "lab-1",
		Items: []SubmitItemInput{
			{StockItemID: 42, Quantity: decimal.RequireFromString("1")},
		},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSubmitRejectsNonPositiveQuantity(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, _ := newTestService(repo)

	for _, qty := range []string{"0", "-3"} {
		_, err := svc.Submit(context.Background(), SubmitInput{
			Kind:       stock.KindChemical,
			Department: "Biology",
			Requester:  "lab-1",
			Items: []SubmitItemInput{
				{StockItemID: 1, Quantity: decimal.RequireFromString(qty)},
			},
		})
		require.ErrorIs(t, err, shared.ErrValidation, "quantity %s", qty)
	}
}

func TestSubmitRequiresItems(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)

	_, err := svc.Submit(context.Background(), SubmitInput{
		Kind:       stock.KindChemical,
		Department: "Biology",
		Requester:  "lab-1",
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func submitChemical(t *testing.T, svc *Service, repo *memoryRepo, qty string) Requisition {
	t.Helper()
	req, err := svc.Submit(context.Background(), SubmitInput{
		Kind:       stock.KindChemical,
		Department: "Biology",
		Requester:  "lab-1",
		Items: []SubmitItemInput{
			{StockItemID: 1, Quantity: decimal.RequireFromString(qty)},
		},
	})
	require.NoError(t, err)
	return req
}

func TestChemicalApprovalChainDeductsOnFinalStep(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, spy := newTestService(repo)

	req := submitChemical(t, svc, repo, "5")

	req, err := svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleAdmin),
	})
	require.NoError(t, err)
	require.Equal(t, StatusApprovedByAdmin, req.Status)
	require.Empty(t, repo.entries, "no deduction before the final step")
	require.True(t, repo.stockItems[stockKey(stock.KindChemical, 1)].Quantity.Equal(decimal.RequireFromString("100")))

	req, err = svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleModerator),
	})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, req.Status)
	require.False(t, req.CompletedAt.IsZero())
	require.Len(t, req.Approvals, 2)

	require.True(t, repo.stockItems[stockKey(stock.KindChemical, 1)].Quantity.Equal(decimal.RequireFromString("95")))
	require.Len(t, repo.entries, 1)
	entry := repo.entries[0]
	require.Equal(t, ledger.TypeRequisitionDeduction, entry.Type)
	require.True(t, entry.QuantityChange.Equal(decimal.RequireFromString("-5")))
	require.True(t, entry.QuantityBefore.Equal(decimal.RequireFromString("100")))
	require.True(t, entry.QuantityAfter.Equal(decimal.RequireFromString("95")))
	require.NotEmpty(t, entry.Ref)

	_, items, err := repo.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.True(t, items[0].IsProcessed)

	var actions []string
	for _, e := range spy.entries {
		actions = append(actions, string(e.Action))
	}
	require.Equal(t, []string{"created", "approved", "approved"}, actions)
}

func TestApproveRejectsWrongRole(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, _ := newTestService(repo)

	req := submitChemical(t, svc, repo, "5")

	// Moderator is the second step; acting first must fail.
	_, err := svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleModerator),
	})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	got, _, err := repo.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestApproveRejectsSameRoleTwice(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, _ := newTestService(repo)

	req := submitChemical(t, svc, repo, "5")

	_, err := svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleAdmin),
	})
	require.NoError(t, err)

	_, err = svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleAdmin),
	})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestApproveNarrowsQuantityOnce(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, _ := newTestService(repo)

	req := submitChemical(t, svc, repo, "10")
	itemIDs, err := repo.ListItemIDs(context.Background(), req.ID)
	require.NoError(t, err)
	itemID := itemIDs[0]

	_, err = svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID:      req.ID,
		Actor:              chemicalActor(RoleAdmin),
		ApprovedQuantities: map[int64]decimal.Decimal{itemID: decimal.RequireFromString("7")},
	})
	require.NoError(t, err)

	// A later step may not change the narrowed quantity again.
	_, err = svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID:      req.ID,
		Actor:              chemicalActor(RoleModerator),
		ApprovedQuantities: map[int64]decimal.Decimal{itemID: decimal.RequireFromString("6")},
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// Restating the same value is fine.
	final, err := svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID:      req.ID,
		Actor:              chemicalActor(RoleModerator),
		ApprovedQuantities: map[int64]decimal.Decimal{itemID: decimal.RequireFromString("7")},
	})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, final.Status)
	require.True(t, repo.stockItems[stockKey(stock.KindChemical, 1)].Quantity.Equal(decimal.RequireFromString("93")))
}

func TestApproveRejectsQuantityAboveRequested(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, _ := newTestService(repo)

	req := submitChemical(t, svc, repo, "10")
	itemIDs, err := repo.ListItemIDs(context.Background(), req.ID)
	require.NoError(t, err)

	_, err = svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID:      req.ID,
		Actor:              chemicalActor(RoleAdmin),
		ApprovedQuantities: map[int64]decimal.Decimal{itemIDs[0]: decimal.RequireFromString("11")},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestInsufficientStockAbortsFinalApproval(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "3")
	svc, _ := newTestService(repo)

	req := submitChemical(t, svc, repo, "5")

	req, err := svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleAdmin),
	})
	require.NoError(t, err)

	_, err = svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleModerator),
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	// Transaction rolled back: status and counters untouched.
	got, items, err := repo.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApprovedByAdmin, got.Status)
	require.False(t, items[0].IsProcessed)
	require.Empty(t, repo.entries)
	require.True(t, repo.stockItems[stockKey(stock.KindChemical, 1)].Quantity.Equal(decimal.RequireFromString("3")))
}

func TestConcurrentStatusChangeSurfacesConflict(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, _ := newTestService(repo)

	req := submitChemical(t, svc, repo, "5")
	repo.failNextCAS = true

	_, err := svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleAdmin),
	})
	require.ErrorIs(t, err, shared.ErrConcurrentModification)
}

func TestAdminItemChainRequiresAllThreeSteps(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindAdminItem, 9, "Stapler", "pcs", "20")
	svc, _ := newTestService(repo)

	req, err := svc.Submit(context.Background(), SubmitInput{
		Kind:       stock.KindAdminItem,
		Department: "Registry",
		Requester:  "front-desk",
		Items: []SubmitItemInput{
			{StockItemID: 9, Quantity: decimal.RequireFromString("2")},
		},
	})
	require.NoError(t, err)
	require.Contains(t, req.Number, "REQ-A-")

	steps := []Role{RoleTechnicalManagerC, RoleTechnicalManagerM, RoleSeniorAssistantDirector}
	for i, role := range steps {
		req, err = svc.ApproveStep(context.Background(), ApproveInput{
			RequisitionID: req.ID,
			Actor:         chemicalActor(role),
		})
		require.NoError(t, err, "step %d", i)
		if i < len(steps)-1 {
			require.NotEqual(t, StatusApproved, req.Status)
			require.Empty(t, repo.entries)
		}
	}
	require.Equal(t, StatusApproved, req.Status)
	require.Len(t, repo.entries, 1)
	require.True(t, repo.stockItems[stockKey(stock.KindAdminItem, 9)].Quantity.Equal(decimal.RequireFromString("18")))
}

func TestRejectRecordsReasonAndIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, spy := newTestService(repo)

	req := submitChemical(t, svc, repo, "5")

	rejected, err := svc.Reject(context.Background(), RejectInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleAdmin),
		Reason:        "budget freeze",
	})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "budget freeze", rejected.RejectionReason)
	require.Equal(t, RoleAdmin, rejected.RejectedByRole)

	auditCount := len(spy.entries)

	again, err := svc.Reject(context.Background(), RejectInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleModerator),
		Reason:        "different reason",
	})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, again.Status)
	require.Equal(t, "budget freeze", again.RejectionReason, "first rejection wins")
	require.Len(t, spy.entries, auditCount, "no duplicate audit entry")
}

func TestRejectRequiresReason(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, _ := newTestService(repo)

	req := submitChemical(t, svc, repo, "5")

	_, err := svc.Reject(context.Background(), RejectInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleAdmin),
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRejectApprovedFails(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, _ := newTestService(repo)

	req := submitChemical(t, svc, repo, "5")
	for _, role := range []Role{RoleAdmin, RoleModerator} {
		var err error
		req, err = svc.ApproveStep(context.Background(), ApproveInput{RequisitionID: req.ID, Actor: chemicalActor(role)})
		require.NoError(t, err)
	}

	_, err := svc.Reject(context.Background(), RejectInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleAdmin),
		Reason:        "too late",
	})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestCancelOnlyWhilePendingWithoutApprovals(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, _ := newTestService(repo)

	req := submitChemical(t, svc, repo, "5")
	cancelled, err := svc.Cancel(context.Background(), CancelInput{
		RequisitionID: req.ID,
		Actor:         shared.Actor{Identity: "lab-1"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	other := submitChemical(t, svc, repo, "5")
	_, err = svc.ApproveStep(context.Background(), ApproveInput{RequisitionID: other.ID, Actor: chemicalActor(RoleAdmin)})
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), CancelInput{
		RequisitionID: other.ID,
		Actor:         shared.Actor{Identity: "lab-1"},
	})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestReconciliationSkipsAlreadyProcessedItems(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, _ := newTestService(repo)

	req := submitChemical(t, svc, repo, "5")
	itemIDs, err := repo.ListItemIDs(context.Background(), req.ID)
	require.NoError(t, err)
	repo.items[itemIDs[0]].IsProcessed = true

	for _, role := range []Role{RoleAdmin, RoleModerator} {
		req, err = svc.ApproveStep(context.Background(), ApproveInput{RequisitionID: req.ID, Actor: chemicalActor(role)})
		require.NoError(t, err)
	}
	require.Equal(t, StatusApproved, req.Status)
	require.Empty(t, repo.entries, "processed items are not deducted again")
	require.True(t, repo.stockItems[stockKey(stock.KindChemical, 1)].Quantity.Equal(decimal.RequireFromString("100")))
}

func TestReconciliationRefIsDeterministic(t *testing.T) {
	require.Equal(t, reconciliationRef(7, 3), reconciliationRef(7, 3))
	require.NotEqual(t, reconciliationRef(7, 3), reconciliationRef(7, 4))
}

func TestReconciliationDeductsItemsSharingOneStockRow(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "20")
	svc, _ := newTestService(repo)

	req, err := svc.Submit(context.Background(), SubmitInput{
		Kind:       stock.KindChemical,
		Department: "Biology",
		Requester:  "lab-1",
		Items: []SubmitItemInput{
			{StockItemID: 1, Quantity: decimal.RequireFromString("10")},
			{StockItemID: 1, Quantity: decimal.RequireFromString("5")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, req.TotalItems)

	req, err = svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleAdmin),
	})
	require.NoError(t, err)

	req, err = svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleModerator),
	})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, req.Status)

	require.True(t, repo.stockItems[stockKey(stock.KindChemical, 1)].Quantity.Equal(decimal.RequireFromString("5")))

	// The second deduction re-reads the row the first one just wrote, so the
	// entries chain: before(2nd) == after(1st), last after is the final stock.
	require.Len(t, repo.entries, 2)
	first, second := repo.entries[0], repo.entries[1]
	require.Equal(t, ledger.TypeRequisitionDeduction, first.Type)
	require.Equal(t, ledger.TypeRequisitionDeduction, second.Type)
	require.True(t, first.QuantityBefore.Equal(decimal.RequireFromString("20")))
	require.True(t, second.QuantityBefore.Equal(first.QuantityAfter))
	require.True(t, second.QuantityAfter.Equal(decimal.RequireFromString("5")))
	require.True(t, first.QuantityChange.Add(second.QuantityChange).Equal(decimal.RequireFromString("-15")))
	require.True(t, first.QuantityAfter.Equal(first.QuantityBefore.Add(first.QuantityChange)))
	require.True(t, second.QuantityAfter.Equal(second.QuantityBefore.Add(second.QuantityChange)))
	require.NotEqual(t, first.Ref, second.Ref)

	_, items, err := repo.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		require.True(t, item.IsProcessed)
	}
}

func TestReconciliationShortfallOnAnyItemRollsBackAll(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "12")
	svc, _ := newTestService(repo)

	// 12 covers either item alone but not both.
	req, err := svc.Submit(context.Background(), SubmitInput{
		Kind:       stock.KindChemical,
		Department: "Biology",
		Requester:  "lab-1",
		Items: []SubmitItemInput{
			{StockItemID: 1, Quantity: decimal.RequireFromString("10")},
			{StockItemID: 1, Quantity: decimal.RequireFromString("5")},
		},
	})
	require.NoError(t, err)

	req, err = svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleAdmin),
	})
	require.NoError(t, err)

	_, err = svc.ApproveStep(context.Background(), ApproveInput{
		RequisitionID: req.ID,
		Actor:         chemicalActor(RoleModerator),
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	got, items, err := repo.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApprovedByAdmin, got.Status)
	require.Empty(t, repo.entries, "the successful deduction must not survive the failed one")
	require.True(t, repo.stockItems[stockKey(stock.KindChemical, 1)].Quantity.Equal(decimal.RequireFromString("12")))
	for _, item := range items {
		require.False(t, item.IsProcessed)
	}
}

func TestListClampsNegativePaging(t *testing.T) {
	repo := newMemoryRepo()
	repo.addStock(stock.KindChemical, 1, "Ethanol", "L", "100")
	svc, _ := newTestService(repo)
	submitChemical(t, svc, repo, "5")

	reqs, err := svc.List(context.Background(), ListFilter{Limit: -1, Offset: -10})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, 0, repo.lastFilter.Limit)
	require.Equal(t, 0, repo.lastFilter.Offset)
}
