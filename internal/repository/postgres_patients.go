package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cohort-data/internal/domain"

	"github.com/google/uuid"
)

const patientColumns = `
	patient_id::text,
	COALESCE(nhs_number, ''),
	given_name,
	family_name,
	COALESCE(preferred_given_name, ''),
	date_of_birth,
	COALESCE(gender_code, ''),
	COALESCE(address_line_1, ''),
	COALESCE(address_line_2, ''),
	COALESCE(address_town, ''),
	COALESCE(address_postcode, ''),
	COALESCE(school_id::text, ''),
	home_educated,
	COALESCE(registration, ''),
	COALESCE(registration_academic_year, 0),
	COALESCE(team_id::text, ''),
	COALESCE(pending_changes, '{}'::jsonb)::text,
	invalidated_at,
	deceased_at,
	created_at,
	updated_at
`

func scanPatient(row interface{ Scan(...any) error }) (*domain.Patient, error) {
	var p domain.Patient
	var pendingChangesRaw string
	var invalidatedAt, deceasedAt sql.NullTime
	err := row.Scan(
		&p.ID,
		&p.NHSNumber,
		&p.GivenName,
		&p.FamilyName,
		&p.PreferredGivenName,
		&p.DateOfBirth,
		&p.GenderCode,
		&p.AddressLine1,
		&p.AddressLine2,
		&p.AddressTown,
		&p.AddressPostcode,
		&p.SchoolID,
		&p.HomeEducated,
		&p.Registration,
		&p.RegistrationAcademicYear,
		&p.TeamID,
		&pendingChangesRaw,
		&invalidatedAt,
		&deceasedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if invalidatedAt.Valid {
		p.InvalidatedAt = &invalidatedAt.Time
	}
	if deceasedAt.Valid {
		p.DeceasedAt = &deceasedAt.Time
	}
	if err := json.Unmarshal([]byte(pendingChangesRaw), &p.PendingChanges); err != nil {
		return nil, fmt.Errorf("failed to decode pending_changes: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients WHERE patient_id = $1`
	p, err := scanPatient(s.q.QueryRowContext(ctx, query, patientID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("patient not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) FindByNHSNumber(ctx context.Context, nhsNumber string) (*domain.Patient, error) {
	if nhsNumber == "" {
		return nil, nil
	}
	query := `SELECT ` + patientColumns + ` FROM patients WHERE nhs_number = $1`
	p, err := scanPatient(s.q.QueryRowContext(ctx, query, nhsNumber))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find patient by nhs number: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) FindByNameAndDateOfBirth(ctx context.Context, givenName, familyName string, dateOfBirth time.Time) ([]*domain.Patient, error) {
	query := `SELECT ` + patientColumns + `
		FROM patients
		WHERE LOWER(given_name) = LOWER($1)
		  AND LOWER(family_name) = LOWER($2)
		  AND date_of_birth = $3
		ORDER BY patient_id`
	rows, err := s.q.QueryContext(ctx, query, givenName, familyName, dateOfBirth.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to find patients by name and dob: %w", err)
	}
	defer rows.Close()

	var patients []*domain.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

func (s *PostgresStore) CreatePatient(ctx context.Context, patient *domain.Patient) (string, error) {
	if patient.ID == "" {
		patient.ID = uuid.NewString()
	}
	pendingChanges, err := json.Marshal(orEmptyMap(patient.PendingChanges))
	if err != nil {
		return "", fmt.Errorf("failed to encode pending_changes: %w", err)
	}

	query := `
		INSERT INTO patients (
			patient_id, nhs_number, given_name, family_name,
			preferred_given_name, date_of_birth, gender_code,
			address_line_1, address_line_2, address_town, address_postcode,
			school_id, home_educated, registration, registration_academic_year,
			team_id, pending_changes, invalidated_at, deceased_at
		) VALUES (
			$1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''),
			NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''),
			NULLIF($12, '')::uuid, $13, NULLIF($14, ''), NULLIF($15, 0),
			NULLIF($16, '')::uuid, $17::jsonb, $18, $19
		)`
	_, err = s.q.ExecContext(ctx, query,
		patient.ID, patient.NHSNumber, patient.GivenName, patient.FamilyName,
		patient.PreferredGivenName, patient.DateOfBirth.Format("2006-01-02"), patient.GenderCode,
		patient.AddressLine1, patient.AddressLine2, patient.AddressTown, patient.AddressPostcode,
		patient.SchoolID, patient.HomeEducated, patient.Registration, patient.RegistrationAcademicYear,
		patient.TeamID, string(pendingChanges), patient.InvalidatedAt, patient.DeceasedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create patient: %w", err)
	}
	return patient.ID, nil
}

func (s *PostgresStore) UpdatePatient(ctx context.Context, patient *domain.Patient) error {
	pendingChanges, err := json.Marshal(orEmptyMap(patient.PendingChanges))
	if err != nil {
		return fmt.Errorf("failed to encode pending_changes: %w", err)
	}

	query := `
		UPDATE patients SET
			nhs_number = NULLIF($2, ''),
			given_name = $3,
			family_name = $4,
			preferred_given_name = NULLIF($5, ''),
			date_of_birth = $6,
			gender_code = NULLIF($7, ''),
			address_line_1 = NULLIF($8, ''),
			address_line_2 = NULLIF($9, ''),
			address_town = NULLIF($10, ''),
			address_postcode = NULLIF($11, ''),
			school_id = NULLIF($12, '')::uuid,
			home_educated = $13,
			registration = NULLIF($14, ''),
			registration_academic_year = NULLIF($15, 0),
			team_id = NULLIF($16, '')::uuid,
			pending_changes = $17::jsonb,
			invalidated_at = $18,
			deceased_at = $19,
			updated_at = NOW()
		WHERE patient_id = $1`
	result, err := s.q.ExecContext(ctx, query,
		patient.ID, patient.NHSNumber, patient.GivenName, patient.FamilyName,
		patient.PreferredGivenName, patient.DateOfBirth.Format("2006-01-02"), patient.GenderCode,
		patient.AddressLine1, patient.AddressLine2, patient.AddressTown, patient.AddressPostcode,
		patient.SchoolID, patient.HomeEducated, patient.Registration, patient.RegistrationAcademicYear,
		patient.TeamID, string(pendingChanges), patient.InvalidatedAt, patient.DeceasedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update patient: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("patient not found: %s", patient.ID)
	}
	return nil
}

func (s *PostgresStore) DeletePatient(ctx context.Context, patientID string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM patients WHERE patient_id = $1`, patientID)
	if err != nil {
		return fmt.Errorf("failed to delete patient: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("patient not found: %s", patientID)
	}
	return nil
}

func (s *PostgresStore) ListBySchoolAndTeam(ctx context.Context, schoolID, teamID string) ([]*domain.Patient, error) {
	query := `SELECT ` + patientColumns + `
		FROM patients
		WHERE school_id = $1 AND team_id = $2
		ORDER BY patient_id`
	rows, err := s.q.QueryContext(ctx, query, schoolID, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients by school: %w", err)
	}
	defer rows.Close()

	var patients []*domain.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

func (s *PostgresStore) ListWithoutNHSNumber(ctx context.Context, limit int) ([]*domain.Patient, error) {
	query := `SELECT ` + patientColumns + `
		FROM patients
		WHERE nhs_number IS NULL
		  AND invalidated_at IS NULL
		  AND deceased_at IS NULL
		ORDER BY updated_at ASC
		LIMIT $1`
	rows, err := s.q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients without nhs number: %w", err)
	}
	defer rows.Close()

	var patients []*domain.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
