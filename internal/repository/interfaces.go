package repository

import (
	"context"
	"time"
)

// Directory supplies people, org relations and ranks. It is read-only to the engine.
type Directory interface {
	GetPerson(ctx context.Context, id string) (*Person, error)
	ListPersons(ctx context.Context) ([]*Person, error)
	ListRelations(ctx context.Context) ([]OrgRelation, error)
	ListRanks(ctx context.Context) ([]Rank, error)
}

// TemplateSource loads every workflow template with its steps.
type TemplateSource interface {
	ListTemplates(ctx context.Context) ([]*WorkflowTemplate, error)
}

// InstanceRepository persists workflow instances. Lock* variants serialize
// concurrent writers for the rest of the enclosing transaction.
type InstanceRepository interface {
	Create(ctx context.Context, inst *WorkflowInstance) error
	GetByID(ctx context.Context, id string) (*WorkflowInstance, error)
	GetByDocumentID(ctx context.Context, documentID string) (*WorkflowInstance, error)
	LockByID(ctx context.Context, id string) (*WorkflowInstance, error)
	LockByDocumentID(ctx context.Context, documentID string) (*WorkflowInstance, error)
	// Update writes inst when the stored version equals expectedVersion and
	// bumps inst.Version. A mismatch is a StateError.
	Update(ctx context.Context, inst *WorkflowInstance, expectedVersion int) error
}

// AssignmentRepository persists approver assignments.
type AssignmentRepository interface {
	Insert(ctx context.Context, a *ApproverAssignment) error
	Update(ctx context.Context, a *ApproverAssignment) error
	ListByDocument(ctx context.Context, documentID string) ([]*ApproverAssignment, error)
	// ListActive returns draft and pending rows for one step order, oldest first.
	ListActive(ctx context.Context, documentID string, stepOrder int) ([]*ApproverAssignment, error)
	// DeleteActive drops draft and pending rows at or after fromOrder.
	DeleteActive(ctx context.Context, documentID string, fromOrder int) error
	ListPendingForPerson(ctx context.Context, personID string) ([]*ApproverAssignment, error)
}

// LedgerRepository is the append-only action ledger.
type LedgerRepository interface {
	Append(ctx context.Context, e *LedgerEntry) error
	// ListByDocument returns entries ordered by (actioned_at, seq).
	ListByDocument(ctx context.Context, documentID string) ([]*LedgerEntry, error)
}

// DocumentRepository reads and writes the externally owned document status.
type DocumentRepository interface {
	// GetStatus returns DRA for documents it has never seen.
	GetStatus(ctx context.Context, documentID string) (string, error)
	SetStatus(ctx context.Context, documentID, status string) error
}

// IdempotencyRepository stores submission keys.
type IdempotencyRepository interface {
	Get(ctx context.Context, key string) (*IdempotencyKey, error)
	// Put inserts or overwrites the key.
	Put(ctx context.Context, k *IdempotencyKey) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// StatusRepository holds the status display catalog.
type StatusRepository interface {
	Get(ctx context.Context, code string) (*StatusRecord, error)
	// Insert is a no-op when the code already exists.
	Insert(ctx context.Context, rec *StatusRecord) error
}

// Repositories bundles the repositories bound to one unit of work.
type Repositories struct {
	Instances   InstanceRepository
	Assignments AssignmentRepository
	Ledger      LedgerRepository
	Documents   DocumentRepository
	Idempotency IdempotencyRepository
	Statuses    StatusRepository
}

// Store opens units of work. Repositories returned by InTransaction commit
// together when fn returns nil and roll back otherwise.
type Store interface {
	Repositories() Repositories
	InTransaction(ctx context.Context, fn func(r Repositories) error) error
}
