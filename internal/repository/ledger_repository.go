package repository

import (
	"context"

	"github.com/pesio-ai/be-ex-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
)

// LedgerRepo appends and reads action ledger entries. The table carries an
// update/delete-prevention trigger so Append is the only mutation exposed.
type LedgerRepo struct {
	db database.Querier
}

// NewLedgerRepo creates a LedgerRepo.
func NewLedgerRepo(db database.Querier) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// Append inserts one entry and fills in its sequence number.
func (r *LedgerRepo) Append(ctx context.Context, e *LedgerEntry) error {
	query := `
		INSERT INTO action_ledger
		    (id, instance_id, document_id, step_id, step_order,
		     actor_id, action, result_status, comment, actioned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq
	`

	err := r.db.QueryRow(ctx, query,
		e.ID,
		e.InstanceID,
		e.DocumentID,
		e.StepID,
		e.StepOrder,
		e.ActorID,
		e.Action,
		e.ResultStatus,
		e.Comment,
		e.ActionedAt,
	).Scan(&e.Seq)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append ledger entry")
	}
	return nil
}

// ListByDocument returns the trail for a document ordered oldest-first.
func (r *LedgerRepo) ListByDocument(ctx context.Context, documentID string) ([]*LedgerEntry, error) {
	query := `
		SELECT id, instance_id, document_id, step_id, step_order,
		       actor_id, action, result_status, comment, actioned_at, seq
		FROM action_ledger
		WHERE document_id = $1
		ORDER BY actioned_at ASC, seq ASC
	`

	rows, err := r.db.Query(ctx, query, documentID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get ledger")
	}
	defer rows.Close()

	var out []*LedgerEntry
	for rows.Next() {
		e := &LedgerEntry{}
		if err := rows.Scan(
			&e.ID,
			&e.InstanceID,
			&e.DocumentID,
			&e.StepID,
			&e.StepOrder,
			&e.ActorID,
			&e.Action,
			&e.ResultStatus,
			&e.Comment,
			&e.ActionedAt,
			&e.Seq,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan ledger entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
