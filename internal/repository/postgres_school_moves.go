package repository

import (
	"context"
	"fmt"

	"cohort-data/internal/domain"

	"github.com/google/uuid"
)

func (s *PostgresStore) UpsertMove(ctx context.Context, move *domain.SchoolMove) (string, error) {
	if move.ID == "" {
		move.ID = uuid.NewString()
	}
	if move.Status == "" {
		move.Status = domain.SchoolMovePending
	}

	// One pending move per patient; a newer proposal replaces the
	// destination. Partial unique index: school_moves_pending_patient.
	query := `
		INSERT INTO school_moves (
			school_move_id, patient_id, team_id, school_id,
			home_educated, academic_year, source, status
		) VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6, $7, $8)
		ON CONFLICT (patient_id) WHERE status = 'pending'
		DO UPDATE SET
			team_id = EXCLUDED.team_id,
			school_id = EXCLUDED.school_id,
			home_educated = EXCLUDED.home_educated,
			academic_year = EXCLUDED.academic_year,
			source = EXCLUDED.source,
			updated_at = NOW()
		RETURNING school_move_id::text`
	var id string
	err := s.q.QueryRowContext(ctx, query,
		move.ID, move.PatientID, move.TeamID, move.SchoolID,
		move.HomeEducated, move.AcademicYear, move.Source, move.Status,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert school move: %w", err)
	}
	move.ID = id
	return id, nil
}

func (s *PostgresStore) ConfirmMove(ctx context.Context, moveID string) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE school_moves SET status = 'confirmed', updated_at = NOW() WHERE school_move_id = $1`,
		moveID,
	)
	if err != nil {
		return fmt.Errorf("failed to confirm school move: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("school move not found: %s", moveID)
	}
	return nil
}

func (s *PostgresStore) ListMovesByPatient(ctx context.Context, patientID string) ([]*domain.SchoolMove, error) {
	query := `
		SELECT school_move_id::text, patient_id::text, team_id::text,
			COALESCE(school_id::text, ''), home_educated, academic_year,
			source, status, created_at, updated_at
		FROM school_moves
		WHERE patient_id = $1
		ORDER BY school_move_id`
	rows, err := s.q.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list school moves: %w", err)
	}
	defer rows.Close()

	var moves []*domain.SchoolMove
	for rows.Next() {
		var m domain.SchoolMove
		if err := rows.Scan(&m.ID, &m.PatientID, &m.TeamID, &m.SchoolID,
			&m.HomeEducated, &m.AcademicYear, &m.Source, &m.Status,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan school move: %w", err)
		}
		moves = append(moves, &m)
	}
	return moves, rows.Err()
}

func (s *PostgresStore) ReassignMove(ctx context.Context, moveID, newPatientID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE school_moves SET patient_id = $2, updated_at = NOW() WHERE school_move_id = $1`,
		moveID, newPatientID,
	)
	if err != nil {
		return fmt.Errorf("failed to reassign school move: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMove(ctx context.Context, moveID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM school_moves WHERE school_move_id = $1`, moveID)
	if err != nil {
		return fmt.Errorf("failed to delete school move: %w", err)
	}
	return nil
}
