package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cohort-data/internal/domain"

	"github.com/google/uuid"
)

const importColumns = `
	import_id::text,
	team_id::text,
	import_type,
	status,
	academic_year,
	COALESCE(school_id::text, ''),
	rows_count,
	COALESCE(new_records_count, 0),
	COALESCE(changed_records_count, 0),
	COALESCE(duplicate_records_count, 0),
	COALESCE(review_records_count, 0),
	recorded_at,
	created_at,
	updated_at
`

func scanImport(row interface{ Scan(...any) error }) (*domain.Import, error) {
	var imp domain.Import
	var recordedAt sql.NullTime
	err := row.Scan(
		&imp.ID,
		&imp.TeamID,
		&imp.Type,
		&imp.Status,
		&imp.AcademicYear,
		&imp.SchoolID,
		&imp.RowsCount,
		&imp.NewRecordsCount,
		&imp.ChangedRecordsCount,
		&imp.DuplicateRecordsCount,
		&imp.ReviewRecordsCount,
		&recordedAt,
		&imp.CreatedAt,
		&imp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if recordedAt.Valid {
		imp.RecordedAt = &recordedAt.Time
	}
	return &imp, nil
}

func (s *PostgresStore) GetImport(ctx context.Context, importID string) (*domain.Import, error) {
	query := `SELECT ` + importColumns + ` FROM imports WHERE import_id = $1`
	imp, err := scanImport(s.q.QueryRowContext(ctx, query, importID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("import not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get import: %w", err)
	}
	return imp, nil
}

func (s *PostgresStore) GetImportForUpdate(ctx context.Context, importID string) (*domain.Import, error) {
	query := `SELECT ` + importColumns + ` FROM imports WHERE import_id = $1 FOR UPDATE`
	imp, err := scanImport(s.q.QueryRowContext(ctx, query, importID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("import not found: %w", err)
		}
		return nil, fmt.Errorf("failed to lock import: %w", err)
	}
	return imp, nil
}

func (s *PostgresStore) CreateImport(ctx context.Context, imp *domain.Import) (string, error) {
	if imp.ID == "" {
		imp.ID = uuid.NewString()
	}
	if imp.Status == "" {
		imp.Status = domain.ImportStatusPending
	}
	query := `
		INSERT INTO imports (
			import_id, team_id, import_type, status, academic_year,
			school_id, rows_count
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::uuid, $7)`
	_, err := s.q.ExecContext(ctx, query,
		imp.ID, imp.TeamID, imp.Type, imp.Status, imp.AcademicYear,
		imp.SchoolID, imp.RowsCount,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create import: %w", err)
	}
	return imp.ID, nil
}

func (s *PostgresStore) RecordImport(ctx context.Context, importID string, status domain.ImportStatus, counts ImportCounts, recordedAt time.Time) error {
	query := `
		UPDATE imports SET
			status = $2,
			new_records_count = $3,
			changed_records_count = $4,
			duplicate_records_count = $5,
			review_records_count = $6,
			recorded_at = $7,
			updated_at = NOW()
		WHERE import_id = $1`
	result, err := s.q.ExecContext(ctx, query,
		importID, status,
		counts.NewRecords, counts.ChangedRecords, counts.DuplicateRecords, counts.ReviewRecords,
		recordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record import: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("import not found: %s", importID)
	}
	return nil
}
