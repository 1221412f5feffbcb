// Package audit keeps the append-only record of lifecycle actions taken on
// requisitions. It is a passive observer: recording never gates a business
// operation.
package audit

import "time"

// Lifecycle action labels.
const (
	ActionCreated   = "created"
	ActionApproved  = "approved"
	ActionRejected  = "rejected"
	ActionCancelled = "cancelled"
)

// Entry is one immutable audit record.
type Entry struct {
	ID            int64
	RequisitionID int64
	Action        string
	PerformedBy   string
	Role          string
	OldStatus     string
	NewStatus     string
	Details       map[string]any
	At            time.Time
}
