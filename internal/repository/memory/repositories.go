package memory

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ex-approvals/internal/repository"
)

// ── instances ────────────────────────────────────────────────────────────────

type instanceRepo struct{ v view }

func (r *instanceRepo) Create(_ context.Context, inst *repository.WorkflowInstance) error {
	return r.v.do(func(s *state) error {
		if _, ok := s.byDocument[inst.DocumentID]; ok {
			return errors.State("document %s already has a workflow instance", inst.DocumentID)
		}
		inst.Version = 1
		inst.UpdatedAt = time.Now().UTC()
		s.instances[inst.ID] = *inst
		s.byDocument[inst.DocumentID] = inst.ID
		return nil
	})
}

func (r *instanceRepo) GetByID(_ context.Context, id string) (*repository.WorkflowInstance, error) {
	var out *repository.WorkflowInstance
	err := r.v.do(func(s *state) error {
		inst, ok := s.instances[id]
		if !ok {
			return errors.NotFound("workflow_instance", id)
		}
		out = &inst
		return nil
	})
	return out, err
}

func (r *instanceRepo) GetByDocumentID(_ context.Context, documentID string) (*repository.WorkflowInstance, error) {
	var out *repository.WorkflowInstance
	err := r.v.do(func(s *state) error {
		inst, ok := s.instances[s.byDocument[documentID]]
		if !ok {
			return errors.NotFound("workflow_instance", documentID)
		}
		out = &inst
		return nil
	})
	return out, err
}

// Transactions already run under the store lock, so locking reads are plain reads.
func (r *instanceRepo) LockByID(ctx context.Context, id string) (*repository.WorkflowInstance, error) {
	return r.GetByID(ctx, id)
}

func (r *instanceRepo) LockByDocumentID(ctx context.Context, documentID string) (*repository.WorkflowInstance, error) {
	return r.GetByDocumentID(ctx, documentID)
}

func (r *instanceRepo) Update(_ context.Context, inst *repository.WorkflowInstance, expectedVersion int) error {
	return r.v.do(func(s *state) error {
		cur, ok := s.instances[inst.ID]
		if !ok {
			return errors.NotFound("workflow_instance", inst.ID)
		}
		if cur.Version != expectedVersion {
			return errors.State("workflow instance %s changed concurrently (expected version %d)", inst.ID, expectedVersion)
		}
		cur.StepID = inst.StepID
		cur.StepOrder = inst.StepOrder
		cur.Status = inst.Status
		cur.CompletedAt = inst.CompletedAt
		cur.Version++
		cur.UpdatedAt = time.Now().UTC()
		s.instances[inst.ID] = cur
		inst.Version = cur.Version
		inst.UpdatedAt = cur.UpdatedAt
		return nil
	})
}

// ── assignments ──────────────────────────────────────────────────────────────

type assignmentRepo struct{ v view }

func (r *assignmentRepo) Insert(_ context.Context, a *repository.ApproverAssignment) error {
	return r.v.do(func(s *state) error {
		if a.Active() {
			for _, cur := range s.assignments {
				if cur.DocumentID == a.DocumentID && cur.StepOrder == a.StepOrder && cur.Active() {
					return errors.State("step %d of document %s already has an active assignment", a.StepOrder, a.DocumentID)
				}
			}
		}
		s.assignments = append(s.assignments, *a)
		return nil
	})
}

func (r *assignmentRepo) Update(_ context.Context, a *repository.ApproverAssignment) error {
	return r.v.do(func(s *state) error {
		for i := range s.assignments {
			if s.assignments[i].ID == a.ID {
				s.assignments[i].PersonID = a.PersonID
				s.assignments[i].Status = a.Status
				s.assignments[i].DecidedAt = a.DecidedAt
				s.assignments[i].Remarks = a.Remarks
				return nil
			}
		}
		return errors.NotFound("approver_assignment", a.ID)
	})
}

func (r *assignmentRepo) ListByDocument(_ context.Context, documentID string) ([]*repository.ApproverAssignment, error) {
	return r.filter(func(a repository.ApproverAssignment) bool { return a.DocumentID == documentID })
}

func (r *assignmentRepo) ListActive(_ context.Context, documentID string, stepOrder int) ([]*repository.ApproverAssignment, error) {
	return r.filter(func(a repository.ApproverAssignment) bool {
		return a.DocumentID == documentID && a.StepOrder == stepOrder && a.Active()
	})
}

func (r *assignmentRepo) DeleteActive(_ context.Context, documentID string, fromOrder int) error {
	return r.v.do(func(s *state) error {
		kept := s.assignments[:0:0]
		for _, a := range s.assignments {
			if a.DocumentID == documentID && a.StepOrder >= fromOrder && a.Active() {
				continue
			}
			kept = append(kept, a)
		}
		s.assignments = kept
		return nil
	})
}

func (r *assignmentRepo) ListPendingForPerson(_ context.Context, personID string) ([]*repository.ApproverAssignment, error) {
	return r.filter(func(a repository.ApproverAssignment) bool {
		return a.PersonID == personID && a.Status == repository.AssignmentPending
	})
}

// filter preserves insertion order, which is creation order.
func (r *assignmentRepo) filter(keep func(repository.ApproverAssignment) bool) ([]*repository.ApproverAssignment, error) {
	var out []*repository.ApproverAssignment
	err := r.v.do(func(s *state) error {
		for _, a := range s.assignments {
			if keep(a) {
				a := a
				out = append(out, &a)
			}
		}
		return nil
	})
	return out, err
}

// ── ledger ───────────────────────────────────────────────────────────────────

type ledgerRepo struct{ v view }

func (r *ledgerRepo) Append(_ context.Context, e *repository.LedgerEntry) error {
	return r.v.do(func(s *state) error {
		s.seq++
		e.Seq = s.seq
		s.ledger = append(s.ledger, *e)
		return nil
	})
}

func (r *ledgerRepo) ListByDocument(_ context.Context, documentID string) ([]*repository.LedgerEntry, error) {
	var out []*repository.LedgerEntry
	err := r.v.do(func(s *state) error {
		for _, e := range s.ledger {
			if e.DocumentID == documentID {
				e := e
				out = append(out, &e)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ActionedAt.Equal(out[j].ActionedAt) {
			return out[i].ActionedAt.Before(out[j].ActionedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, err
}

// ── documents ────────────────────────────────────────────────────────────────

type documentRepo struct{ v view }

func (r *documentRepo) GetStatus(_ context.Context, documentID string) (string, error) {
	status := repository.DocumentDraft
	err := r.v.do(func(s *state) error {
		if st, ok := s.documents[documentID]; ok {
			status = st
		}
		return nil
	})
	return status, err
}

func (r *documentRepo) SetStatus(_ context.Context, documentID, status string) error {
	return r.v.do(func(s *state) error {
		s.documents[documentID] = status
		return nil
	})
}

// ── idempotency keys ─────────────────────────────────────────────────────────

type idempotencyRepo struct{ v view }

func (r *idempotencyRepo) Get(_ context.Context, key string) (*repository.IdempotencyKey, error) {
	var out *repository.IdempotencyKey
	err := r.v.do(func(s *state) error {
		k, ok := s.keys[key]
		if !ok {
			return errors.NotFound("idempotency_key", key)
		}
		out = &k
		return nil
	})
	return out, err
}

func (r *idempotencyRepo) Put(_ context.Context, k *repository.IdempotencyKey) error {
	return r.v.do(func(s *state) error {
		s.keys[k.Key] = *k
		return nil
	})
}

func (r *idempotencyRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.v.do(func(s *state) error {
		for key, k := range s.keys {
			if k.Expired(now) {
				delete(s.keys, key)
				n++
			}
		}
		return nil
	})
	return n, err
}

// ── status catalog ───────────────────────────────────────────────────────────

type statusRepo struct{ v view }

func (r *statusRepo) Get(_ context.Context, code string) (*repository.StatusRecord, error) {
	var out *repository.StatusRecord
	err := r.v.do(func(s *state) error {
		rec, ok := s.statuses[code]
		if !ok {
			return errors.NotFound("status", code)
		}
		out = &rec
		return nil
	})
	return out, err
}

func (r *statusRepo) Insert(_ context.Context, rec *repository.StatusRecord) error {
	return r.v.do(func(s *state) error {
		if _, ok := s.statuses[rec.Code]; !ok {
			s.statuses[rec.Code] = *rec
		}
		return nil
	})
}
