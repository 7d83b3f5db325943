package repository

import (
	"context"
	"fmt"

	"cohort-data/internal/domain"

	"github.com/google/uuid"
)

func (s *PostgresStore) EnsureVaccinationRecord(ctx context.Context, record *domain.VaccinationRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	query := `
		INSERT INTO vaccination_records (vaccination_record_id, patient_id, vaccine, dose_sequence, performed_at, source)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (patient_id, vaccine, dose_sequence, performed_at) DO NOTHING`
	_, err := s.q.ExecContext(ctx, query,
		record.ID, record.PatientID, record.Vaccine, record.DoseSequence, record.PerformedAt, record.Source)
	if err != nil {
		return fmt.Errorf("failed to ensure vaccination record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVaccinationRecordsByPatient(ctx context.Context, patientID string) ([]*domain.VaccinationRecord, error) {
	query := `
		SELECT vaccination_record_id::text, patient_id::text, vaccine, dose_sequence, performed_at, source, created_at
		FROM vaccination_records
		WHERE patient_id = $1
		ORDER BY performed_at`
	rows, err := s.q.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vaccination records: %w", err)
	}
	defer rows.Close()

	var records []*domain.VaccinationRecord
	for rows.Next() {
		var r domain.VaccinationRecord
		if err := rows.Scan(&r.ID, &r.PatientID, &r.Vaccine, &r.DoseSequence, &r.PerformedAt, &r.Source, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vaccination record: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) ReassignVaccinationRecords(ctx context.Context, fromPatientID, toPatientID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE vaccination_records SET patient_id = $2 WHERE patient_id = $1`,
		fromPatientID, toPatientID,
	)
	if err != nil {
		return fmt.Errorf("failed to reassign vaccination records: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReassignTriages(ctx context.Context, fromPatientID, toPatientID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE triages SET patient_id = $2 WHERE patient_id = $1`,
		fromPatientID, toPatientID,
	)
	if err != nil {
		return fmt.Errorf("failed to reassign triages: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReassignAssessmentNotes(ctx context.Context, fromPatientID, toPatientID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE assessment_notes SET patient_id = $2 WHERE patient_id = $1`,
		fromPatientID, toPatientID,
	)
	if err != nil {
		return fmt.Errorf("failed to reassign assessment notes: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTriage(ctx context.Context, triage *domain.Triage) (string, error) {
	if triage.ID == "" {
		triage.ID = uuid.NewString()
	}
	query := `
		INSERT INTO triages (triage_id, patient_id, programme, decision, notes)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))`
	_, err := s.q.ExecContext(ctx, query,
		triage.ID, triage.PatientID, triage.Programme, triage.Decision, triage.Notes)
	if err != nil {
		return "", fmt.Errorf("failed to create triage: %w", err)
	}
	return triage.ID, nil
}

func (s *PostgresStore) ListTriagesByPatient(ctx context.Context, patientID string) ([]*domain.Triage, error) {
	query := `
		SELECT triage_id::text, patient_id::text, programme, decision, COALESCE(notes, ''), created_at
		FROM triages
		WHERE patient_id = $1
		ORDER BY created_at`
	rows, err := s.q.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list triages: %w", err)
	}
	defer rows.Close()

	var triages []*domain.Triage
	for rows.Next() {
		var t domain.Triage
		if err := rows.Scan(&t.ID, &t.PatientID, &t.Programme, &t.Decision, &t.Notes, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan triage: %w", err)
		}
		triages = append(triages, &t)
	}
	return triages, rows.Err()
}

func (s *PostgresStore) CreateAssessmentNote(ctx context.Context, note *domain.AssessmentNote) (string, error) {
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	query := `
		INSERT INTO assessment_notes (assessment_note_id, patient_id, session_id, notes)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4)`
	_, err := s.q.ExecContext(ctx, query, note.ID, note.PatientID, note.SessionID, note.Notes)
	if err != nil {
		return "", fmt.Errorf("failed to create assessment note: %w", err)
	}
	return note.ID, nil
}

func (s *PostgresStore) ListAssessmentNotesByPatient(ctx context.Context, patientID string) ([]*domain.AssessmentNote, error) {
	query := `
		SELECT assessment_note_id::text, patient_id::text, COALESCE(session_id::text, ''), notes, created_at
		FROM assessment_notes
		WHERE patient_id = $1
		ORDER BY created_at`
	rows, err := s.q.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessment notes: %w", err)
	}
	defer rows.Close()

	var notes []*domain.AssessmentNote
	for rows.Next() {
		var n domain.AssessmentNote
		if err := rows.Scan(&n.ID, &n.PatientID, &n.SessionID, &n.Notes, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assessment note: %w", err)
		}
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}
