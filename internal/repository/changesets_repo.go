package repository

import (
	"context"

	"cohort-data/internal/domain"
)

// ChangesetsRepository data access for per-row reconciliation state.
type ChangesetsRepository interface {
	GetChangeset(ctx context.Context, changesetID string) (*domain.Changeset, error)
	CreateChangeset(ctx context.Context, changeset *domain.Changeset) (string, error)
	UpdateChangeset(ctx context.Context, changeset *domain.Changeset) error

	// AppendSearchAttempts appends atomically (jsonb concatenation under a
	// row-level write) so concurrent or out-of-order cascade steps for the
	// same changeset cannot lose attempts.
	AppendSearchAttempts(ctx context.Context, changesetID string, attempts []domain.SearchAttempt) error

	ListByImport(ctx context.Context, importID string) ([]*domain.Changeset, error)

	// CountPending is the durable completion check that triggers the commit
	// engine; it must not rely on job-completion callbacks.
	CountPending(ctx context.Context, importID string) (int, error)

	// ClaimedPatientIDs returns patient ids already bound by sibling
	// changesets of the same import (auto_matched, school_move or
	// cross_team). Only one changeset may claim a given patient per import.
	ClaimedPatientIDs(ctx context.Context, importID string) (map[string]bool, error)
}
