package domain

import "time"

// VaccinationRecord an administered (or historically reported) dose
// (corresponds to the vaccination_records table).
type VaccinationRecord struct {
	ID           string    `db:"vaccination_record_id"` // UUID, PRIMARY KEY
	PatientID    string    `db:"patient_id"`            // UUID, NOT NULL
	Vaccine      string    `db:"vaccine"`               // VARCHAR(100), NOT NULL
	DoseSequence int       `db:"dose_sequence"`         // INTEGER, NOT NULL
	PerformedAt  time.Time `db:"performed_at"`          // TIMESTAMPTZ, NOT NULL
	Source       string    `db:"source"`                // VARCHAR(20), NOT NULL (service/import/national_record)
	CreatedAt    time.Time `db:"created_at"`
}

// Triage a nurse's triage decision for a patient
// (corresponds to the triages table).
type Triage struct {
	ID        string    `db:"triage_id"`  // UUID, PRIMARY KEY
	PatientID string    `db:"patient_id"` // UUID, NOT NULL
	Programme string    `db:"programme"`  // VARCHAR(50), NOT NULL
	Decision  string    `db:"decision"`   // VARCHAR(50), NOT NULL
	Notes     string    `db:"notes"`      // TEXT, nullable
	CreatedAt time.Time `db:"created_at"`
}

// AssessmentNote a competence/safety assessment taken during a session
// (corresponds to the assessment_notes table).
type AssessmentNote struct {
	ID        string    `db:"assessment_note_id"` // UUID, PRIMARY KEY
	PatientID string    `db:"patient_id"`         // UUID, NOT NULL
	SessionID string    `db:"session_id"`         // UUID, nullable
	Notes     string    `db:"notes"`              // TEXT, NOT NULL
	CreatedAt time.Time `db:"created_at"`
}
