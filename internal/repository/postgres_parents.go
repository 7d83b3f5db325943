package repository

import (
	"context"
	"database/sql"
	"fmt"

	"cohort-data/internal/domain"

	"github.com/google/uuid"
)

func scanParent(row interface{ Scan(...any) error }) (*domain.Parent, error) {
	var p domain.Parent
	err := row.Scan(&p.ID, &p.FullName, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const parentColumns = `
	parent_id::text,
	COALESCE(full_name, ''),
	COALESCE(email, ''),
	COALESCE(phone, ''),
	created_at,
	updated_at
`

func (s *PostgresStore) FindMatchingParent(ctx context.Context, patientID, email, phone, fullName string) (*domain.Parent, error) {
	// Match precedence: email, then phone, then full name among parents
	// already linked to the patient.
	query := `
		SELECT ` + parentColumns + `
		FROM parents
		WHERE ($1 <> '' AND email = $1)
		   OR ($2 <> '' AND phone = $2)
		   OR ($3 <> '' AND $4 <> '' AND full_name = $3 AND parent_id IN (
			SELECT parent_id FROM parent_relationships WHERE patient_id = NULLIF($4, '')::uuid
		   ))
		ORDER BY CASE
			WHEN $1 <> '' AND email = $1 THEN 0
			WHEN $2 <> '' AND phone = $2 THEN 1
			ELSE 2
		END
		LIMIT 1`
	p, err := scanParent(s.q.QueryRowContext(ctx, query, email, phone, fullName, patientID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find matching parent: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) CreateParent(ctx context.Context, parent *domain.Parent) (string, error) {
	if parent.ID == "" {
		parent.ID = uuid.NewString()
	}
	query := `
		INSERT INTO parents (parent_id, full_name, email, phone)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''))`
	_, err := s.q.ExecContext(ctx, query, parent.ID, parent.FullName, parent.Email, parent.Phone)
	if err != nil {
		return "", fmt.Errorf("failed to create parent: %w", err)
	}
	return parent.ID, nil
}

func (s *PostgresStore) UpdateParent(ctx context.Context, parent *domain.Parent) error {
	query := `
		UPDATE parents SET
			full_name = NULLIF($2, ''),
			email = NULLIF($3, ''),
			phone = NULLIF($4, ''),
			updated_at = NOW()
		WHERE parent_id = $1`
	result, err := s.q.ExecContext(ctx, query, parent.ID, parent.FullName, parent.Email, parent.Phone)
	if err != nil {
		return fmt.Errorf("failed to update parent: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("parent not found: %s", parent.ID)
	}
	return nil
}

func (s *PostgresStore) UpsertRelationship(ctx context.Context, rel *domain.ParentRelationship) error {
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	query := `
		INSERT INTO parent_relationships (relationship_id, parent_id, patient_id, type, other_name)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (parent_id, patient_id)
		DO UPDATE SET type = EXCLUDED.type, other_name = EXCLUDED.other_name`
	_, err := s.q.ExecContext(ctx, query, rel.ID, rel.ParentID, rel.PatientID, rel.Type, rel.OtherName)
	if err != nil {
		return fmt.Errorf("failed to upsert parent relationship: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRelationshipsByPatient(ctx context.Context, patientID string) ([]*domain.ParentRelationship, error) {
	query := `
		SELECT relationship_id::text, parent_id::text, patient_id::text, type, COALESCE(other_name, ''), created_at
		FROM parent_relationships
		WHERE patient_id = $1
		ORDER BY relationship_id`
	rows, err := s.q.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list parent relationships: %w", err)
	}
	defer rows.Close()

	var rels []*domain.ParentRelationship
	for rows.Next() {
		var rel domain.ParentRelationship
		if err := rows.Scan(&rel.ID, &rel.ParentID, &rel.PatientID, &rel.Type, &rel.OtherName, &rel.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan parent relationship: %w", err)
		}
		rels = append(rels, &rel)
	}
	return rels, rows.Err()
}

func (s *PostgresStore) ReassignRelationship(ctx context.Context, relationshipID, newPatientID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE parent_relationships SET patient_id = $2 WHERE relationship_id = $1`,
		relationshipID, newPatientID,
	)
	if err != nil {
		return fmt.Errorf("failed to reassign parent relationship: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRelationship(ctx context.Context, relationshipID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM parent_relationships WHERE relationship_id = $1`, relationshipID)
	if err != nil {
		return fmt.Errorf("failed to delete parent relationship: %w", err)
	}
	return nil
}
