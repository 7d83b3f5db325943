package repository

import (
	"context"
	"database/sql"
	"fmt"

	"cohort-data/internal/domain"

	"github.com/google/uuid"
)

func (s *PostgresStore) FindOrCreateSession(ctx context.Context, teamID, schoolID string, academicYear int) (*domain.Session, error) {
	query := `
		INSERT INTO sessions (session_id, team_id, school_id, academic_year)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4)
		ON CONFLICT (team_id, school_id, academic_year)
		DO UPDATE SET team_id = EXCLUDED.team_id
		RETURNING session_id::text, team_id::text, COALESCE(school_id::text, ''), academic_year, created_at`
	var sess domain.Session
	err := s.q.QueryRowContext(ctx, query, uuid.NewString(), teamID, schoolID, academicYear).Scan(
		&sess.ID, &sess.TeamID, &sess.SchoolID, &sess.AcademicYear, &sess.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find or create session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id::text, team_id::text, COALESCE(school_id::text, ''), academic_year, created_at
		FROM sessions WHERE session_id = $1`
	var sess domain.Session
	err := s.q.QueryRowContext(ctx, query, sessionID).Scan(
		&sess.ID, &sess.TeamID, &sess.SchoolID, &sess.AcademicYear, &sess.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) EnsureMembership(ctx context.Context, sessionID, patientID string) error {
	query := `
		INSERT INTO session_memberships (membership_id, session_id, patient_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, patient_id) DO NOTHING`
	_, err := s.q.ExecContext(ctx, query, uuid.NewString(), sessionID, patientID)
	if err != nil {
		return fmt.Errorf("failed to ensure session membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMembershipsByPatient(ctx context.Context, patientID string) ([]*domain.SessionMembership, error) {
	query := `
		SELECT membership_id::text, session_id::text, patient_id::text, created_at
		FROM session_memberships
		WHERE patient_id = $1
		ORDER BY membership_id`
	rows, err := s.q.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*domain.SessionMembership
	for rows.Next() {
		var m domain.SessionMembership
		if err := rows.Scan(&m.ID, &m.SessionID, &m.PatientID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session membership: %w", err)
		}
		memberships = append(memberships, &m)
	}
	return memberships, rows.Err()
}

func (s *PostgresStore) HasMembership(ctx context.Context, sessionID, patientID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM session_memberships WHERE session_id = $1 AND patient_id = $2)`,
		sessionID, patientID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check session membership: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ReassignMembership(ctx context.Context, membershipID, newPatientID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE session_memberships SET patient_id = $2 WHERE membership_id = $1`,
		membershipID, newPatientID,
	)
	if err != nil {
		return fmt.Errorf("failed to reassign session membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMembership(ctx context.Context, membershipID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM session_memberships WHERE membership_id = $1`, membershipID)
	if err != nil {
		return fmt.Errorf("failed to delete session membership: %w", err)
	}
	return nil
}
