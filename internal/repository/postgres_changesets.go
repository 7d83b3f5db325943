package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"cohort-data/internal/domain"

	"github.com/google/uuid"
)

const changesetColumns = `
	changeset_id::text,
	import_id::text,
	row_number,
	status,
	COALESCE(classification, ''),
	child,
	parent_1,
	parent_2,
	dose,
	COALESCE(school_id::text, ''),
	academic_year,
	home_educated,
	COALESCE(search_attempts, '[]'::jsonb)::text,
	COALESCE(uploaded_nhs_number, ''),
	COALESCE(resolved_nhs_number, ''),
	matched_on_nhs_number,
	COALESCE(matched_patient_id::text, ''),
	COALESCE(staged_changes, '{}'::jsonb)::text,
	created_at,
	updated_at
`

func scanChangeset(row interface{ Scan(...any) error }) (*domain.Changeset, error) {
	var c domain.Changeset
	var childRaw []byte
	var parent1Raw, parent2Raw, doseRaw sql.Null[[]byte]
	var attemptsRaw, stagedRaw string
	err := row.Scan(
		&c.ID,
		&c.ImportID,
		&c.RowNumber,
		&c.Status,
		&c.Classification,
		&childRaw,
		&parent1Raw,
		&parent2Raw,
		&doseRaw,
		&c.SchoolID,
		&c.AcademicYear,
		&c.HomeEducated,
		&attemptsRaw,
		&c.UploadedNHSNumber,
		&c.ResolvedNHSNumber,
		&c.MatchedOnNHSNumber,
		&c.MatchedPatientID,
		&stagedRaw,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(childRaw, &c.Child); err != nil {
		return nil, fmt.Errorf("failed to decode child attributes: %w", err)
	}
	if parent1Raw.Valid {
		if err := json.Unmarshal(parent1Raw.V, &c.Parent1); err != nil {
			return nil, fmt.Errorf("failed to decode parent_1 attributes: %w", err)
		}
	}
	if parent2Raw.Valid {
		if err := json.Unmarshal(parent2Raw.V, &c.Parent2); err != nil {
			return nil, fmt.Errorf("failed to decode parent_2 attributes: %w", err)
		}
	}
	if doseRaw.Valid {
		if err := json.Unmarshal(doseRaw.V, &c.Dose); err != nil {
			return nil, fmt.Errorf("failed to decode dose attributes: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(attemptsRaw), &c.SearchAttempts); err != nil {
		return nil, fmt.Errorf("failed to decode search_attempts: %w", err)
	}
	if err := json.Unmarshal([]byte(stagedRaw), &c.StagedChanges); err != nil {
		return nil, fmt.Errorf("failed to decode staged_changes: %w", err)
	}
	return &c, nil
}

func encodeChangesetJSON(c *domain.Changeset) (child, parent1, parent2, dose, attempts, staged []byte, err error) {
	if child, err = json.Marshal(c.Child); err != nil {
		return
	}
	if c.Parent1 != nil {
		if parent1, err = json.Marshal(c.Parent1); err != nil {
			return
		}
	}
	if c.Parent2 != nil {
		if parent2, err = json.Marshal(c.Parent2); err != nil {
			return
		}
	}
	if c.Dose != nil {
		if dose, err = json.Marshal(c.Dose); err != nil {
			return
		}
	}
	if c.SearchAttempts == nil {
		attempts = []byte("[]")
	} else if attempts, err = json.Marshal(c.SearchAttempts); err != nil {
		return
	}
	staged, err = json.Marshal(orEmptyMap(c.StagedChanges))
	return
}

func (s *PostgresStore) GetChangeset(ctx context.Context, changesetID string) (*domain.Changeset, error) {
	query := `SELECT ` + changesetColumns + ` FROM changesets WHERE changeset_id = $1`
	c, err := scanChangeset(s.q.QueryRowContext(ctx, query, changesetID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("changeset not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get changeset: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) CreateChangeset(ctx context.Context, changeset *domain.Changeset) (string, error) {
	if changeset.ID == "" {
		changeset.ID = uuid.NewString()
	}
	if changeset.Status == "" {
		changeset.Status = domain.ChangesetPending
	}
	child, parent1, parent2, dose, attempts, staged, err := encodeChangesetJSON(changeset)
	if err != nil {
		return "", fmt.Errorf("failed to encode changeset: %w", err)
	}

	query := `
		INSERT INTO changesets (
			changeset_id, import_id, row_number, status, classification,
			child, parent_1, parent_2, dose,
			school_id, academic_year, home_educated,
			search_attempts, uploaded_nhs_number, resolved_nhs_number,
			matched_on_nhs_number, matched_patient_id, staged_changes
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, ''),
			$6::jsonb, $7::jsonb, $8::jsonb, $9::jsonb,
			NULLIF($10, '')::uuid, $11, $12,
			$13::jsonb, NULLIF($14, ''), NULLIF($15, ''),
			$16, NULLIF($17, '')::uuid, $18::jsonb
		)`
	_, err = s.q.ExecContext(ctx, query,
		changeset.ID, changeset.ImportID, changeset.RowNumber, changeset.Status, string(changeset.Classification),
		child, nullableJSON(parent1), nullableJSON(parent2), nullableJSON(dose),
		changeset.SchoolID, changeset.AcademicYear, changeset.HomeEducated,
		attempts, changeset.UploadedNHSNumber, changeset.ResolvedNHSNumber,
		changeset.MatchedOnNHSNumber, changeset.MatchedPatientID, staged,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create changeset: %w", err)
	}
	return changeset.ID, nil
}

func (s *PostgresStore) UpdateChangeset(ctx context.Context, changeset *domain.Changeset) error {
	_, _, _, _, _, staged, err := encodeChangesetJSON(changeset)
	if err != nil {
		return fmt.Errorf("failed to encode changeset: %w", err)
	}

	// Deliberately does not touch search_attempts: the sequence is
	// append-only and owned by AppendSearchAttempts.
	query := `
		UPDATE changesets SET
			status = $2,
			classification = NULLIF($3, ''),
			resolved_nhs_number = NULLIF($4, ''),
			matched_on_nhs_number = $5,
			matched_patient_id = NULLIF($6, '')::uuid,
			staged_changes = $7::jsonb,
			updated_at = NOW()
		WHERE changeset_id = $1`
	result, err := s.q.ExecContext(ctx, query,
		changeset.ID, changeset.Status, string(changeset.Classification),
		changeset.ResolvedNHSNumber, changeset.MatchedOnNHSNumber,
		changeset.MatchedPatientID, staged,
	)
	if err != nil {
		return fmt.Errorf("failed to update changeset: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("changeset not found: %s", changeset.ID)
	}
	return nil
}

func (s *PostgresStore) AppendSearchAttempts(ctx context.Context, changesetID string, attempts []domain.SearchAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	encoded, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("failed to encode search attempts: %w", err)
	}

	// jsonb concatenation inside one UPDATE is atomic per row, so
	// concurrent cascade steps cannot lose each other's attempts.
	query := `
		UPDATE changesets SET
			search_attempts = COALESCE(search_attempts, '[]'::jsonb) || $2::jsonb,
			updated_at = NOW()
		WHERE changeset_id = $1`
	result, err := s.q.ExecContext(ctx, query, changesetID, encoded)
	if err != nil {
		return fmt.Errorf("failed to append search attempts: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("changeset not found: %s", changesetID)
	}
	return nil
}

func (s *PostgresStore) ListByImport(ctx context.Context, importID string) ([]*domain.Changeset, error) {
	query := `SELECT ` + changesetColumns + ` FROM changesets WHERE import_id = $1 ORDER BY row_number`
	rows, err := s.q.QueryContext(ctx, query, importID)
	if err != nil {
		return nil, fmt.Errorf("failed to list changesets: %w", err)
	}
	defer rows.Close()

	var changesets []*domain.Changeset
	for rows.Next() {
		c, err := scanChangeset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan changeset: %w", err)
		}
		changesets = append(changesets, c)
	}
	return changesets, rows.Err()
}

func (s *PostgresStore) CountPending(ctx context.Context, importID string) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM changesets WHERE import_id = $1 AND status = 'pending'`,
		importID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changesets: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ClaimedPatientIDs(ctx context.Context, importID string) (map[string]bool, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT matched_patient_id::text
		 FROM changesets
		 WHERE import_id = $1
		   AND classification IN ('auto_matched', 'school_move', 'cross_team')
		   AND matched_patient_id IS NOT NULL`,
		importID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimed patients: %w", err)
	}
	defer rows.Close()

	claimed := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan claimed patient id: %w", err)
		}
		claimed[id] = true
	}
	return claimed, rows.Err()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
