package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
)

// AssignmentRepo stores approver assignments in Postgres.
type AssignmentRepo struct {
	db database.Querier
}

// NewAssignmentRepo creates an AssignmentRepo.
func NewAssignmentRepo(db database.Querier) *AssignmentRepo {
	return &AssignmentRepo{db: db}
}

const assignmentColumns = `
	id, document_id, step_id, step_order, person_id,
	status, decided_at, remarks, created_at`

// Insert adds one assignment row.
func (r *AssignmentRepo) Insert(ctx context.Context, a *ApproverAssignment) error {
	query := `
		INSERT INTO approver_assignments
		    (id, document_id, step_id, step_order, person_id,
		     status, decided_at, remarks, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Exec(ctx, query,
		a.ID,
		a.DocumentID,
		a.StepID,
		a.StepOrder,
		a.PersonID,
		a.Status,
		a.DecidedAt,
		a.Remarks,
		a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return errors.State("step %d of document %s already has an active assignment", a.StepOrder, a.DocumentID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert approver assignment")
	}
	return nil
}

// Update records a decision or promotion on an existing row.
func (r *AssignmentRepo) Update(ctx context.Context, a *ApproverAssignment) error {
	query := `
		UPDATE approver_assignments
		SET person_id  = $2,
		    status     = $3,
		    decided_at = $4,
		    remarks    = $5
		WHERE id = $1
		RETURNING id
	`

	var id string
	err := r.db.QueryRow(ctx, query, a.ID, a.PersonID, a.Status, a.DecidedAt, a.Remarks).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("approver_assignment", a.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approver assignment")
	}
	return nil
}

// ListByDocument returns every assignment of a document, oldest first.
func (r *AssignmentRepo) ListByDocument(ctx context.Context, documentID string) ([]*ApproverAssignment, error) {
	query := `SELECT` + assignmentColumns + `
		FROM approver_assignments
		WHERE document_id = $1
		ORDER BY created_at ASC, step_order ASC`

	return r.list(ctx, query, documentID)
}

// ListActive returns the draft/pending rows for one step order.
func (r *AssignmentRepo) ListActive(ctx context.Context, documentID string, stepOrder int) ([]*ApproverAssignment, error) {
	query := `SELECT` + assignmentColumns + `
		FROM approver_assignments
		WHERE document_id = $1 AND step_order = $2
		  AND status IN ('draft', 'pending')
		ORDER BY created_at ASC`

	return r.list(ctx, query, documentID, stepOrder)
}

// DeleteActive removes undecided rows from fromOrder onwards.
func (r *AssignmentRepo) DeleteActive(ctx context.Context, documentID string, fromOrder int) error {
	query := `
		DELETE FROM approver_assignments
		WHERE document_id = $1 AND step_order >= $2
		  AND status IN ('draft', 'pending')
	`

	if _, err := r.db.Exec(ctx, query, documentID, fromOrder); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear approver assignments")
	}
	return nil
}

// ListPendingForPerson returns pending rows assigned to a person.
func (r *AssignmentRepo) ListPendingForPerson(ctx context.Context, personID string) ([]*ApproverAssignment, error) {
	query := `SELECT` + assignmentColumns + `
		FROM approver_assignments
		WHERE person_id = $1 AND status = 'pending'
		ORDER BY created_at ASC`

	return r.list(ctx, query, personID)
}

func (r *AssignmentRepo) list(ctx context.Context, query string, args ...any) ([]*ApproverAssignment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approver assignments")
	}
	defer rows.Close()

	var out []*ApproverAssignment
	for rows.Next() {
		a := &ApproverAssignment{}
		if err := rows.Scan(
			&a.ID,
			&a.DocumentID,
			&a.StepID,
			&a.StepOrder,
			&a.PersonID,
			&a.Status,
			&a.DecidedAt,
			&a.Remarks,
			&a.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver assignment")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approver assignments")
	}
	return out, nil
}
