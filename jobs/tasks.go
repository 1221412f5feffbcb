package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrityScan re-verifies the inventory ledger arithmetic.
	TaskLedgerIntegrityScan = "ledger:integrity_scan"
)

// LedgerIntegrityScanPayload bounds one scan run.
type LedgerIntegrityScanPayload struct {
	// BatchSize caps how many ledger entries one run re-checks. Zero means
	// the scanner default.
	BatchSize int `json:"batch_size,omitempty"`
}

// NewLedgerIntegrityScanTask constructs an Asynq task.
func NewLedgerIntegrityScanTask(payload LedgerIntegrityScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrityScan, data), nil
}
