package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Recorder persists audit entries.
type Recorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRecorder constructs Recorder.
func NewRecorder(pool *pgxpool.Pool, logger *slog.Logger) *Recorder {
	return &Recorder{pool: pool, logger: logger}
}

// Record appends one entry. It fails only on infrastructure problems or a
// missing referenced requisition, never on business rules.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if r == nil {
		return errors.New("audit recorder not initialised")
	}
	if entry.RequisitionID == 0 || entry.Action == "" || entry.PerformedBy == "" {
		return errors.New("audit entry requires requisition/action/performer")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO requisition_audit_log
(requisition_id, action, performed_by, performed_by_role, old_status, new_status, details, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8)`,
		entry.RequisitionID, entry.Action, entry.PerformedBy, entry.Role,
		entry.OldStatus, entry.NewStatus, details, entry.At)
	if err != nil {
		r.logger.Error("record audit entry", slog.Int64("requisition_id", entry.RequisitionID), slog.Any("error", err))
		return err
	}
	return nil
}

// ListForRequisition returns all entries for a requisition, unordered.
// Ordering is the history aggregator's job.
func (r *Recorder) ListForRequisition(ctx context.Context, requisitionID int64) ([]Entry, error) {
	if r == nil {
		return nil, errors.New("audit recorder not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, requisition_id, action, performed_by, performed_by_role, old_status, new_status, details, created_at
FROM requisition_audit_log WHERE requisition_id = $1`, requisitionID)
	if err != nil {
		return nil, fmt.Errorf("audit: list for requisition: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var role, oldStatus, newStatus pgtype.Text
		var details []byte
		var at pgtype.Timestamptz
		if err := rows.Scan(&e.ID, &e.RequisitionID, &e.Action, &e.PerformedBy,
			&role, &oldStatus, &newStatus, &details, &at); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.Role = role.String
		e.OldStatus = oldStatus.String
		e.NewStatus = newStatus.String
		e.At = at.Time
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("audit: unmarshal details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
