package requisition

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/storeroom-ims/storeroom/internal/history"
	"github.com/storeroom-ims/storeroom/internal/platform/httpx"
	"github.com/storeroom-ims/storeroom/internal/shared"
	"github.com/storeroom-ims/storeroom/internal/stock"
)

// HistoryPort assembles the merged timeline for one requisition.
type HistoryPort interface {
	GetHistory(ctx context.Context, requisitionID int64) ([]history.Event, error)
}

// Handler wires requisition HTTP endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	history  HistoryPort
	cache    *DetailCache
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service, historyPort HistoryPort, cache *DetailCache) *Handler {
	return &Handler{logger: logger, service: service, history: historyPort, cache: cache, validate: validator.New()}
}

// MountRoutes registers requisition routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/requisitions", h.submit)
	r.Get("/requisitions", h.list)
	r.Get("/requisitions/{id}", h.detail)
	r.Get("/requisitions/{id}/history", h.getHistory)
	r.Post("/requisitions/{id}/approve", h.approve)
	r.Post("/requisitions/{id}/reject", h.reject)
	r.Post("/requisitions/{id}/cancel", h.cancel)
}

type submitItemRequest struct {
	StockItemID int64           `json:"stock_item_id" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
	Remark      string          `json:"remark"`
}

type submitRequest struct {
	Kind       string              `json:"kind" validate:"required,oneof=chemical admin_item"`
	Department string              `json:"department" validate:"required"`
	Requester  string              `json:"requester"`
	Items      []submitItemRequest `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var payload submitRequest
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	kind, err := stock.ParseKind(payload.Kind)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	requester := payload.Requester
	if requester == "" {
		requester = actor.Identity
	}
	input := SubmitInput{Kind: kind, Department: payload.Department, Requester: requester}
	for _, item := range payload.Items {
		input.Items = append(input.Items, SubmitItemInput{
			StockItemID: item.StockItemID,
			Quantity:    item.Quantity,
			Unit:        item.Unit,
			Remark:      item.Remark,
		})
	}
	req, err := h.service.Submit(r.Context(), input)
	if err != nil {
		h.respondServiceError(w, "submit requisition", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, requisitionResponseFrom(req))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	filter := ListFilter{
		Kind:       stock.Kind(r.URL.Query().Get("kind")),
		Status:     Status(r.URL.Query().Get("status")),
		Department: r.URL.Query().Get("department"),
		Limit:      limit,
		Offset:     offset,
	}
	reqs, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, "list requisitions", err)
		return
	}
	responses := make([]requisitionResponse, 0, len(reqs))
	for _, req := range reqs {
		responses = append(responses, requisitionResponseFrom(req))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requisitions": responses})
}

func (h *Handler) detail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requisitionID(w, r)
	if !ok {
		return
	}
	if detail, hit := h.cache.Get(r.Context(), id); hit {
		httpx.JSON(w, http.StatusOK, detailResponseFrom(detail))
		return
	}
	detail, err := h.service.Detail(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "requisition detail", err)
		return
	}
	h.cache.Set(r.Context(), id, detail)
	httpx.JSON(w, http.StatusOK, detailResponseFrom(detail))
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requisitionID(w, r)
	if !ok {
		return
	}
	// Resolve the requisition first so unknown ids surface as 404 rather
	// than an empty timeline.
	if _, _, err := h.service.repo.Get(r.Context(), id); err != nil {
		h.respondServiceError(w, "requisition history", err)
		return
	}
	events, err := h.history.GetHistory(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "requisition history", err)
		return
	}
	responses := make([]historyEventResponse, 0, len(events))
	for _, event := range events {
		responses = append(responses, historyEventResponseFrom(event))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": responses})
}

type approveRequest struct {
	ApprovedQuantities map[int64]decimal.Decimal `json:"approved_quantities"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	if actor.Role == "" {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "acting role assertion required")
		return
	}
	id, ok := h.requisitionID(w, r)
	if !ok {
		return
	}
	var payload approveRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &payload); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid JSON body")
			return
		}
	}
	req, err := h.service.ApproveStep(r.Context(), ApproveInput{
		RequisitionID:      id,
		Actor:              actor,
		ApprovedQuantities: payload.ApprovedQuantities,
	})
	if err != nil {
		h.respondServiceError(w, "approve requisition", err)
		return
	}
	h.cache.Invalidate(r.Context(), id)
	httpx.JSON(w, http.StatusOK, requisitionResponseFrom(req))
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := h.requisitionID(w, r)
	if !ok {
		return
	}
	var payload rejectRequest
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	req, err := h.service.Reject(r.Context(), RejectInput{RequisitionID: id, Actor: actor, Reason: payload.Reason})
	if err != nil {
		h.respondServiceError(w, "reject requisition", err)
		return
	}
	h.cache.Invalidate(r.Context(), id)
	httpx.JSON(w, http.StatusOK, requisitionResponseFrom(req))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id, ok := h.requisitionID(w, r)
	if !ok {
		return
	}
	req, err := h.service.Cancel(r.Context(), CancelInput{RequisitionID: id, Actor: actor})
	if err != nil {
		h.respondServiceError(w, "cancel requisition", err)
		return
	}
	h.cache.Invalidate(r.Context(), id)
	httpx.JSON(w, http.StatusOK, requisitionResponseFrom(req))
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.Valid() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor assertion required")
		return shared.Actor{}, false
	}
	return actor, true
}

func (h *Handler) requisitionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid requisition id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondServiceError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}

type approvalResponse struct {
	StepIndex  int       `json:"step_index"`
	Role       string    `json:"role"`
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
}

type requisitionResponse struct {
	ID              int64              `json:"id"`
	Number          string             `json:"requisition_number"`
	Kind            string             `json:"kind"`
	Date            time.Time          `json:"requisition_date"`
	Department      string             `json:"department"`
	Requester       string             `json:"requester"`
	Status          string             `json:"status"`
	TotalItems      int                `json:"total_items"`
	Approvals       []approvalResponse `json:"approvals"`
	RejectedBy      string             `json:"rejected_by,omitempty"`
	RejectedByRole  string             `json:"rejected_by_role,omitempty"`
	RejectionReason string             `json:"rejection_reason,omitempty"`
	RejectedAt      *time.Time         `json:"rejected_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

type itemResponse struct {
	ID                int64           `json:"id"`
	StockItemID       int64           `json:"stock_item_id"`
	RequestedQuantity decimal.Decimal `json:"requested_quantity"`
	ApprovedQuantity  decimal.Decimal `json:"approved_quantity"`
	Unit              string          `json:"unit"`
	Remark            string          `json:"remark,omitempty"`
	IsProcessed       bool            `json:"is_processed"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	StockName         string          `json:"stock_name"`
	StockQuantity     decimal.Decimal `json:"stock_quantity"`
}

type detailResponse struct {
	Requisition requisitionResponse `json:"requisition"`
	Items       []itemResponse      `json:"items"`
}

type historyEventResponse struct {
	Type           string           `json:"type"`
	Timestamp      time.Time        `json:"timestamp"`
	Action         string           `json:"action"`
	PerformedBy    string           `json:"performed_by"`
	Role           string           `json:"role,omitempty"`
	OldStatus      string           `json:"old_status,omitempty"`
	NewStatus      string           `json:"new_status,omitempty"`
	Details        map[string]any   `json:"details,omitempty"`
	QuantityChange *decimal.Decimal `json:"quantity_change,omitempty"`
	QuantityBefore *decimal.Decimal `json:"quantity_before,omitempty"`
	QuantityAfter  *decimal.Decimal `json:"quantity_after,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

func requisitionResponseFrom(req Requisition) requisitionResponse {
	approvals := make([]approvalResponse, 0, len(req.Approvals))
	for _, a := range req.Approvals {
		approvals = append(approvals, approvalResponse{
			StepIndex:  a.StepIndex,
			Role:       string(a.Role),
			ApprovedBy: a.ApprovedBy,
			ApprovedAt: a.ApprovedAt,
		})
	}
	return requisitionResponse{
		ID:              req.ID,
		Number:          req.Number,
		Kind:            string(req.Kind),
		Date:            req.Date,
		Department:      req.Department,
		Requester:       req.Requester,
		Status:          string(req.Status),
		TotalItems:      req.TotalItems,
		Approvals:       approvals,
		RejectedBy:      req.RejectedBy,
		RejectedByRole:  string(req.RejectedByRole),
		RejectionReason: req.RejectionReason,
		RejectedAt:      timePtr(req.RejectedAt),
		CompletedAt:     timePtr(req.CompletedAt),
		CreatedAt:       req.CreatedAt,
		UpdatedAt:       req.UpdatedAt,
	}
}

func detailResponseFrom(detail Detail) detailResponse {
	items := make([]itemResponse, 0, len(detail.Items))
	for _, item := range detail.Items {
		items = append(items, itemResponse{
			ID:                item.ID,
			StockItemID:       item.StockItemID,
			RequestedQuantity: item.RequestedQuantity,
			ApprovedQuantity:  item.ApprovedQuantity,
			Unit:              item.Unit,
			Remark:            item.Remark,
			IsProcessed:       item.IsProcessed,
			ProcessedAt:       timePtr(item.ProcessedAt),
			StockName:         item.StockName,
			StockQuantity:     item.StockQuantity,
		})
	}
	return detailResponse{Requisition: requisitionResponseFrom(detail.Requisition), Items: items}
}

func historyEventResponseFrom(event history.Event) historyEventResponse {
	return historyEventResponse{
		Type:           string(event.Kind),
		Timestamp:      event.Timestamp,
		Action:         event.Action,
		PerformedBy:    event.PerformedBy,
		Role:           event.Role,
		OldStatus:      event.OldStatus,
		NewStatus:      event.NewStatus,
		Details:        event.Details,
		QuantityChange: event.QuantityChange,
		QuantityBefore: event.QuantityBefore,
		QuantityAfter:  event.QuantityAfter,
		Reason:         event.Reason,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
