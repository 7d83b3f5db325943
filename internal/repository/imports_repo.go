package repository

import (
	"context"
	"time"

	"cohort-data/internal/domain"
)

// ImportCounts audit statistics persisted when an import is recorded.
type ImportCounts struct {
	NewRecords       int
	ChangedRecords   int
	DuplicateRecords int
	ReviewRecords    int
}

// ImportsRepository data access for imports.
type ImportsRepository interface {
	GetImport(ctx context.Context, importID string) (*domain.Import, error)

	// GetImportForUpdate row-locks the import for the duration of the
	// surrounding transaction. The commit engine's idempotency hinges on
	// the status check made under this lock.
	GetImportForUpdate(ctx context.Context, importID string) (*domain.Import, error)

	CreateImport(ctx context.Context, imp *domain.Import) (string, error)

	// RecordImport transitions status and persists count statistics.
	RecordImport(ctx context.Context, importID string, status domain.ImportStatus, counts ImportCounts, recordedAt time.Time) error
}
