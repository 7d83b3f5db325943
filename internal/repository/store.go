package repository

import "context"

// Store aggregates the repositories the reconciliation services depend on.
type Store interface {
	PatientsRepository
	ChangesetsRepository
	ImportsRepository
	ParentsRepository
	SchoolMovesRepository
	SessionsRepository
	DependentsRepository

	// WithinTx runs fn against a transactional view of the store. The
	// commit engine and the merge procedure wrap their whole batch in one
	// transaction so a crash mid-write leaves nothing half-applied.
	WithinTx(ctx context.Context, fn func(Store) error) error
}
