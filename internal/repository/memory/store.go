// Package memory is an in-process repository.Store used by tests and by the
// server when STORE_BACKEND=memory. All methods hand out copies so callers never
// alias stored records.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/pesio-ai/be-ex-approvals/internal/repository"
)

type state struct {
	instances   map[string]repository.WorkflowInstance
	byDocument  map[string]string
	assignments []repository.ApproverAssignment
	ledger      []repository.LedgerEntry
	seq         int64
	documents   map[string]string
	keys        map[string]repository.IdempotencyKey
	statuses    map[string]repository.StatusRecord
}

func newState() *state {
	return &state{
		instances:  map[string]repository.WorkflowInstance{},
		byDocument: map[string]string{},
		documents:  map[string]string{},
		keys:       map[string]repository.IdempotencyKey{},
		statuses:   map[string]repository.StatusRecord{},
	}
}

func (s *state) clone() *state {
	return &state{
		instances:   maps.Clone(s.instances),
		byDocument:  maps.Clone(s.byDocument),
		assignments: slices.Clone(s.assignments),
		ledger:      slices.Clone(s.ledger),
		seq:         s.seq,
		documents:   maps.Clone(s.documents),
		keys:        maps.Clone(s.keys),
		statuses:    maps.Clone(s.statuses),
	}
}

// view gives repositories access to a state. The live view locks per call,
// the transactional view runs under the lock already held by InTransaction.
type view interface {
	do(fn func(*state) error) error
}

// Store is a mutex-guarded repository.Store. Transactions are serialized and
// work on a snapshot that replaces the live state only on success.
type Store struct {
	mu   sync.Mutex
	data *state
}

var _ repository.Store = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{data: newState()}
}

func (s *Store) do(fn func(*state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

// Repositories returns repositories whose calls are individually atomic.
func (s *Store) Repositories() repository.Repositories {
	return bind(s)
}

type snapshot struct {
	st *state
}

func (t snapshot) do(fn func(*state) error) error { return fn(t.st) }

// InTransaction runs fn against a snapshot, publishing it when fn returns nil.
func (s *Store) InTransaction(ctx context.Context, fn func(r repository.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snap := snapshot{st: s.data.clone()}
	if err := fn(bind(snap)); err != nil {
		return err
	}
	s.data = snap.st
	return nil
}

func bind(v view) repository.Repositories {
	return repository.Repositories{
		Instances:   &instanceRepo{v: v},
		Assignments: &assignmentRepo{v: v},
		Ledger:      &ledgerRepo{v: v},
		Documents:   &documentRepo{v: v},
		Idempotency: &idempotencyRepo{v: v},
		Statuses:    &statusRepo{v: v},
	}
}
