package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// querier is satisfied by both *sql.DB and *sql.Tx so every repository
// method works inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore Store implementation over PostgreSQL.
type PostgresStore struct {
	db *sql.DB // nil for the transactional view
	q  querier
}

// NewPostgresStore creates the store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

var _ Store = (*PostgresStore)(nil)

// WithinTx runs fn against a transaction-backed view of the store.
// Nested calls reuse the surrounding transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStore := &PostgresStore{q: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
