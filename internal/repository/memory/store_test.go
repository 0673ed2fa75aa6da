package memory

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
)

func TestInTransaction_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	boom := stderrors.New("boom")

	err := s.InTransaction(ctx, func(r repository.Repositories) error {
		require.NoError(t, r.Instances.Create(ctx, &repository.WorkflowInstance{ID: "i1", DocumentID: "d1", Status: "SUBMITTED"}))
		require.NoError(t, r.Documents.SetStatus(ctx, "d1", repository.DocumentSubmitted))
		require.NoError(t, r.Ledger.Append(ctx, &repository.LedgerEntry{ID: "l1", DocumentID: "d1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	repos := s.Repositories()
	_, err = repos.Instances.GetByID(ctx, "i1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	st, err := repos.Documents.GetStatus(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, repository.DocumentDraft, st)
	entries, err := repos.Ledger.ListByDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstanceUpdate_VersionCheck(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repositories()

	inst := &repository.WorkflowInstance{ID: "i1", DocumentID: "d1", Status: "SUBMITTED"}
	require.NoError(t, repos.Instances.Create(ctx, inst))
	assert.Equal(t, 1, inst.Version)

	stale := *inst
	inst.Status = "RETURNED"
	require.NoError(t, repos.Instances.Update(ctx, inst, 1))
	assert.Equal(t, 2, inst.Version)

	stale.Status = "REJECTED"
	err := repos.Instances.Update(ctx, &stale, 1)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	got, err := repos.Instances.GetByDocumentID(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "RETURNED", got.Status)

	err = repos.Instances.Create(ctx, &repository.WorkflowInstance{ID: "i2", DocumentID: "d1"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict), "one instance per document")
}

func TestAssignments_OneActivePerOrder(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repositories()

	first := &repository.ApproverAssignment{ID: "a1", DocumentID: "d1", StepOrder: 1, PersonID: "A", Status: repository.AssignmentPending}
	require.NoError(t, repos.Assignments.Insert(ctx, first))

	err := repos.Assignments.Insert(ctx, &repository.ApproverAssignment{ID: "a2", DocumentID: "d1", StepOrder: 1, PersonID: "B", Status: repository.AssignmentDraft})
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	now := time.Now()
	first.Status, first.DecidedAt = repository.AssignmentApproved, &now
	require.NoError(t, repos.Assignments.Update(ctx, first))
	require.NoError(t, repos.Assignments.Insert(ctx, &repository.ApproverAssignment{ID: "a3", DocumentID: "d1", StepOrder: 1, PersonID: "B", Status: repository.AssignmentPending}))

	active, err := repos.Assignments.ListActive(ctx, "d1", 1)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a3", active[0].ID)

	require.NoError(t, repos.Assignments.DeleteActive(ctx, "d1", 1))
	all, err := repos.Assignments.ListByDocument(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, all, 1, "decided rows are history and survive DeleteActive")
	assert.Equal(t, "a1", all[0].ID)
}

func TestLedger_OrderedByTimeThenSeq(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repositories()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repos.Ledger.Append(ctx, &repository.LedgerEntry{ID: "late", DocumentID: "d1", ActionedAt: t0.Add(time.Minute)}))
	require.NoError(t, repos.Ledger.Append(ctx, &repository.LedgerEntry{ID: "early-1", DocumentID: "d1", ActionedAt: t0}))
	require.NoError(t, repos.Ledger.Append(ctx, &repository.LedgerEntry{ID: "early-2", DocumentID: "d1", ActionedAt: t0}))
	require.NoError(t, repos.Ledger.Append(ctx, &repository.LedgerEntry{ID: "other", DocumentID: "d2", ActionedAt: t0}))

	entries, err := repos.Ledger.ListByDocument(ctx, "d1")
	require.NoError(t, err)
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"early-1", "early-2", "late"}, ids)
}

func TestIdempotency_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	repos := NewStore().Repositories()
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repos.Idempotency.Put(ctx, &repository.IdempotencyKey{Key: "old", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, repos.Idempotency.Put(ctx, &repository.IdempotencyKey{Key: "edge", ExpiresAt: now}))
	require.NoError(t, repos.Idempotency.Put(ctx, &repository.IdempotencyKey{Key: "live", ExpiresAt: now.Add(time.Hour)}))

	n, err := repos.Idempotency.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = repos.Idempotency.Get(ctx, "live")
	assert.NoError(t, err)
	_, err = repos.Idempotency.Get(ctx, "edge")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}
