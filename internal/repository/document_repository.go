package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
)

// Document status codes. The vocabulary is closed.
const (
	DocumentDraft     = "DRA"
	DocumentSubmitted = "SUB"
	DocumentInReview  = "APP"
	DocumentRejected  = "REJ"
	DocumentReturned  = "RET"
	DocumentCancelled = "CAN"
	DocumentFinalized = "FNS"
)

// DocumentRepo tracks the status column of externally owned documents.
type DocumentRepo struct {
	db database.Querier
}

// NewDocumentRepo creates a DocumentRepo.
func NewDocumentRepo(db database.Querier) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// GetStatus returns the document status, DRA when none was recorded yet.
func (r *DocumentRepo) GetStatus(ctx context.Context, documentID string) (string, error) {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM document_statuses WHERE document_id = $1`, documentID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return DocumentDraft, nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to get document status")
	}
	return status, nil
}

// SetStatus upserts the document status.
func (r *DocumentRepo) SetStatus(ctx context.Context, documentID, status string) error {
	query := `
		INSERT INTO document_statuses (document_id, status, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (document_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW()
	`

	if _, err := r.db.Exec(ctx, query, documentID, status); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to set document status")
	}
	return nil
}

// StatusRepo reads and extends the status display catalog.
type StatusRepo struct {
	db database.Querier
}

// NewStatusRepo creates a StatusRepo.
func NewStatusRepo(db database.Querier) *StatusRepo {
	return &StatusRepo{db: db}
}

// Get returns one catalog record.
func (r *StatusRepo) Get(ctx context.Context, code string) (*StatusRecord, error) {
	rec := &StatusRecord{}
	err := r.db.QueryRow(ctx, `SELECT code, name, action_name FROM status_catalog WHERE code = $1`, code).
		Scan(&rec.Code, &rec.Name, &rec.ActionName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("status", code)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get status record")
	}
	return rec, nil
}

// Insert adds rec unless the code is already present.
func (r *StatusRepo) Insert(ctx context.Context, rec *StatusRecord) error {
	query := `
		INSERT INTO status_catalog (code, name, action_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO NOTHING
	`

	if _, err := r.db.Exec(ctx, query, rec.Code, rec.Name, rec.ActionName); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert status record")
	}
	return nil
}

// IdempotencyRepo stores submission de-duplication keys.
type IdempotencyRepo struct {
	db database.Querier
}

// NewIdempotencyRepo creates an IdempotencyRepo.
func NewIdempotencyRepo(db database.Querier) *IdempotencyRepo {
	return &IdempotencyRepo{db: db}
}

// Get returns a key regardless of expiry; callers decide with Expired.
func (r *IdempotencyRepo) Get(ctx context.Context, key string) (*IdempotencyKey, error) {
	k := &IdempotencyKey{}
	err := r.db.QueryRow(ctx, `
		SELECT key, document_id, instance_id, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(&k.Key, &k.DocumentID, &k.InstanceID, &k.CreatedAt, &k.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("idempotency_key", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get idempotency key")
	}
	return k, nil
}

// Put inserts the key, overwriting an earlier binding.
func (r *IdempotencyRepo) Put(ctx context.Context, k *IdempotencyKey) error {
	query := `
		INSERT INTO idempotency_keys (key, document_id, instance_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET document_id = EXCLUDED.document_id,
		    instance_id = EXCLUDED.instance_id,
		    created_at  = EXCLUDED.created_at,
		    expires_at  = EXCLUDED.expires_at
	`

	if _, err := r.db.Exec(ctx, query, k.Key, k.DocumentID, k.InstanceID, k.CreatedAt, k.ExpiresAt); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to store idempotency key")
	}
	return nil
}

// DeleteExpired purges keys whose expiry is at or before now.
func (r *IdempotencyRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to purge idempotency keys")
	}
	return tag.RowsAffected(), nil
}
