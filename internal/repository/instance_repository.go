package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
)

// InstanceRepo stores workflow instances in Postgres.
type InstanceRepo struct {
	db database.Querier
}

// NewInstanceRepo creates an InstanceRepo bound to a pool or a transaction.
func NewInstanceRepo(db database.Querier) *InstanceRepo {
	return &InstanceRepo{db: db}
}

const instanceColumns = `
	id, document_id, template_id, applicant_id,
	step_id, step_order, status, version,
	started_at, completed_at, updated_at`

// Create inserts a new instance at version 1.
func (r *InstanceRepo) Create(ctx context.Context, inst *WorkflowInstance) error {
	query := `
		INSERT INTO workflow_instances
		    (id, document_id, template_id, applicant_id,
		     step_id, step_order, status, version, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)
		RETURNING version, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		inst.ID,
		inst.DocumentID,
		inst.TemplateID,
		inst.ApplicantID,
		inst.StepID,
		inst.StepOrder,
		inst.Status,
		inst.StartedAt,
	).Scan(&inst.Version, &inst.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.State("document %s already has a workflow instance", inst.DocumentID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow instance")
	}
	return nil
}

// GetByID retrieves an instance by its primary key.
func (r *InstanceRepo) GetByID(ctx context.Context, id string) (*WorkflowInstance, error) {
	return r.getOne(ctx, `SELECT`+instanceColumns+` FROM workflow_instances WHERE id = $1`, "workflow_instance", id)
}

// GetByDocumentID retrieves the instance of a document.
func (r *InstanceRepo) GetByDocumentID(ctx context.Context, documentID string) (*WorkflowInstance, error) {
	return r.getOne(ctx, `SELECT`+instanceColumns+` FROM workflow_instances WHERE document_id = $1`, "workflow_instance", documentID)
}

// LockByID is GetByID holding a row lock until the transaction ends.
func (r *InstanceRepo) LockByID(ctx context.Context, id string) (*WorkflowInstance, error) {
	return r.getOne(ctx, `SELECT`+instanceColumns+` FROM workflow_instances WHERE id = $1 FOR UPDATE`, "workflow_instance", id)
}

// LockByDocumentID is GetByDocumentID holding a row lock until the transaction ends.
func (r *InstanceRepo) LockByDocumentID(ctx context.Context, documentID string) (*WorkflowInstance, error) {
	return r.getOne(ctx, `SELECT`+instanceColumns+` FROM workflow_instances WHERE document_id = $1 FOR UPDATE`, "workflow_instance", documentID)
}

// Update writes the mutable fields when the stored version still matches.
func (r *InstanceRepo) Update(ctx context.Context, inst *WorkflowInstance, expectedVersion int) error {
	query := `
		UPDATE workflow_instances
		SET step_id      = $3,
		    step_order   = $4,
		    status       = $5,
		    completed_at = $6,
		    version      = version + 1,
		    updated_at   = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		inst.ID,
		expectedVersion,
		inst.StepID,
		inst.StepOrder,
		inst.Status,
		inst.CompletedAt,
	).Scan(&inst.Version, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.State("workflow instance %s changed concurrently (expected version %d)", inst.ID, expectedVersion)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow instance")
	}
	return nil
}

func (r *InstanceRepo) getOne(ctx context.Context, query, kind, key string) (*WorkflowInstance, error) {
	inst, err := scanInstance(r.db.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound(kind, key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow instance")
	}
	return inst, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.DocumentID,
		&inst.TemplateID,
		&inst.ApplicantID,
		&inst.StepID,
		&inst.StepOrder,
		&inst.Status,
		&inst.Version,
		&inst.StartedAt,
		&inst.CompletedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
