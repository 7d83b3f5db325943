package repository

import (
	"context"

	"cohort-data/internal/domain"
)

// DependentsRepository data access for records owned by a patient that the
// merge procedure transfers wholesale.
type DependentsRepository interface {
	// EnsureVaccinationRecord inserts unless an identical dose already
	// exists for the patient (vaccine, sequence, date).
	EnsureVaccinationRecord(ctx context.Context, record *domain.VaccinationRecord) error
	ListVaccinationRecordsByPatient(ctx context.Context, patientID string) ([]*domain.VaccinationRecord, error)

	ReassignVaccinationRecords(ctx context.Context, fromPatientID, toPatientID string) error
	ReassignTriages(ctx context.Context, fromPatientID, toPatientID string) error
	ReassignAssessmentNotes(ctx context.Context, fromPatientID, toPatientID string) error

	CreateTriage(ctx context.Context, triage *domain.Triage) (string, error)
	ListTriagesByPatient(ctx context.Context, patientID string) ([]*domain.Triage, error)
	CreateAssessmentNote(ctx context.Context, note *domain.AssessmentNote) (string, error)
	ListAssessmentNotesByPatient(ctx context.Context, patientID string) ([]*domain.AssessmentNote, error)
}
