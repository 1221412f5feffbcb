package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/storeroom-ims/storeroom/internal/platform/httpx"
	"github.com/storeroom-ims/storeroom/internal/shared"
	"github.com/storeroom-ims/storeroom/internal/stock"
)

// Handler exposes the manual stock mutation endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stock mutation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/stock/{kind}/{itemID}/adjust", h.adjust)
	r.Post("/stock/{kind}/{itemID}/register", h.register)
}

type adjustRequest struct {
	QuantityChange decimal.Decimal `json:"quantity_change"`
	Reason         string          `json:"reason" validate:"required"`
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	kind, itemID, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var payload adjustRequest
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.PostAdjustment(r.Context(), AdjustmentInput{
		Kind:           kind,
		StockItemID:    itemID,
		QuantityChange: payload.QuantityChange,
		PerformedBy:    actor.Identity,
		Reason:         payload.Reason,
	})
	if err != nil {
		h.logger.Error("stock adjustment", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entryResponseFrom(entry))
}

type registerRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	Reason   string          `json:"reason"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	kind, itemID, actor, ok := h.target(w, r)
	if !ok {
		return
	}
	var payload registerRequest
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid JSON body")
		return
	}
	entry, err := h.service.PostRegistrationAddition(r.Context(), AdditionInput{
		Kind:        kind,
		StockItemID: itemID,
		Quantity:    payload.Quantity,
		PerformedBy: actor.Identity,
		Reason:      payload.Reason,
	})
	if err != nil {
		h.logger.Error("stock registration", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entryResponseFrom(entry))
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (stock.Kind, int64, shared.Actor, bool) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.Valid() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor assertion required")
		return "", 0, shared.Actor{}, false
	}
	kind, err := stock.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return "", 0, shared.Actor{}, false
	}
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil || itemID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid stock item id")
		return "", 0, shared.Actor{}, false
	}
	return kind, itemID, actor, true
}

type entryResponse struct {
	ID                int64           `json:"id"`
	ItemKind          string          `json:"item_kind"`
	StockItemID       int64           `json:"stock_item_id"`
	RequisitionItemID int64           `json:"requisition_item_id,omitempty"`
	Type              string          `json:"transaction_type"`
	QuantityChange    decimal.Decimal `json:"quantity_change"`
	QuantityBefore    decimal.Decimal `json:"quantity_before"`
	QuantityAfter     decimal.Decimal `json:"quantity_after"`
	PerformedBy       string          `json:"performed_by"`
	Reason            string          `json:"reason,omitempty"`
	Ref               string          `json:"reference,omitempty"`
	At                time.Time       `json:"created_at"`
}

func entryResponseFrom(entry Entry) entryResponse {
	return entryResponse{
		ID:                entry.ID,
		ItemKind:          string(entry.ItemKind),
		StockItemID:       entry.StockItemID,
		RequisitionItemID: entry.RequisitionItemID,
		Type:              string(entry.Type),
		QuantityChange:    entry.QuantityChange,
		QuantityBefore:    entry.QuantityBefore,
		QuantityAfter:     entry.QuantityAfter,
		PerformedBy:       entry.PerformedBy,
		Reason:            entry.Reason,
		Ref:               entry.Ref,
		At:                entry.At,
	}
}
