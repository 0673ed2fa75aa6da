package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ex-approvals/internal/platform/errors"
)

// uniqueViolation is the SQLSTATE of a unique or exclusion index conflict.
const uniqueViolation = "23505"

// PostgresStore hands out repositories bound to the pool or to a transaction.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Repositories returns repositories that run each statement on the pool.
func (s *PostgresStore) Repositories() Repositories {
	return bind(s.db)
}

// InTransaction runs fn with repositories sharing one read-committed transaction.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(r Repositories) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(bind(tx))
	})
}

func bind(q database.Querier) Repositories {
	return Repositories{
		Instances:   NewInstanceRepo(q),
		Assignments: NewAssignmentRepo(q),
		Ledger:      NewLedgerRepo(q),
		Documents:   NewDocumentRepo(q),
		Idempotency: NewIdempotencyRepo(q),
		Statuses:    NewStatusRepo(q),
	}
}

// isUniqueViolation reports whether err is a Postgres unique constraint failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
