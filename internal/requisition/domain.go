// Package requisition implements the requisition lifecycle: submission,
// ordered role-gated approval, rejection/cancellation and the stock
// reconciliation that runs when the final approval lands.
package requisition

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/storeroom-ims/storeroom/internal/stock"
)

// Status is the current lifecycle state of a requisition.
type Status string

const (
	// StatusPending is the initial state.
	StatusPending Status = "pending"
	// StatusApprovedByAdmin follows the first chemical chain step.
	StatusApprovedByAdmin Status = "approved_by_admin"
	// StatusApprovedByTechnicalManagerC follows the first administrative chain step.
	StatusApprovedByTechnicalManagerC Status = "approved_by_technical_manager_c"
	// StatusApprovedByTechnicalManagerM follows the second administrative chain step.
	StatusApprovedByTechnicalManagerM Status = "approved_by_technical_manager_m"
	// StatusApproved is terminal; reconciliation has run.
	StatusApproved Status = "approved"
	// StatusRejected is terminal.
	StatusRejected Status = "rejected"
	// StatusCancelled is terminal.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Role identifies an approval authority.
type Role string

const (
	RoleAdmin                   Role = "admin"
	RoleModerator               Role = "moderator"
	RoleTechnicalManagerC       Role = "technical_manager_c"
	RoleTechnicalManagerM       Role = "technical_manager_m"
	RoleSeniorAssistantDirector Role = "senior_assistant_director"
)

// Requisition is the lifecycle aggregate. It is mutated only through the
// service transitions and never deleted.
type Requisition struct {
	ID              int64
	Number          string
	Kind            stock.Kind
	Date            time.Time
	Department      string
	Requester       string
	Status          Status
	TotalItems      int
	Approvals       []Approval
	RejectedBy      string
	RejectedByRole  Role
	RejectionReason string
	RejectedAt      time.Time
	CompletedAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Approval is one recorded chain step, ordered by StepIndex.
type Approval struct {
	StepIndex  int
	Role       Role
	ApprovedBy string
	ApprovedAt time.Time
}

// Item is one requested line. ApprovedQuantity defaults to the requested
// quantity and may be narrowed once during an approval step. IsProcessed
// flips false to true exactly once, by reconciliation.
type Item struct {
	ID                int64
	RequisitionID     int64
	StockItemID       int64
	RequestedQuantity decimal.Decimal
	ApprovedQuantity  decimal.Decimal
	Unit              string
	Remark            string
	IsProcessed       bool
	ProcessedAt       time.Time
}

// DetailItem is an item joined with registry display fields.
type DetailItem struct {
	Item
	StockName     string
	StockQuantity decimal.Decimal
}

// Detail is the read model served by the detail endpoint.
type Detail struct {
	Requisition Requisition
	Items       []DetailItem
}

// ListFilter narrows requisition list reads.
type ListFilter struct {
	Kind       stock.Kind
	Status     Status
	Department string
	Limit      int
	Offset     int
}
