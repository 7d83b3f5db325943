package repository

import (
	"context"
	"time"

	"cohort-data/internal/domain"
)

// PatientsRepository data access for durable child records.
// Repository layer only does data access; matching/merge rules live in the
// service layer.
type PatientsRepository interface {
	GetPatient(ctx context.Context, patientID string) (*domain.Patient, error)

	// FindByNHSNumber returns (nil, nil) when no record carries the number.
	FindByNHSNumber(ctx context.Context, nhsNumber string) (*domain.Patient, error)

	// FindByNameAndDateOfBirth matches case-insensitively on both names and
	// on the calendar date, across all teams (the matcher decides whether a
	// hit is same-team or cross-team).
	FindByNameAndDateOfBirth(ctx context.Context, givenName, familyName string, dateOfBirth time.Time) ([]*domain.Patient, error)

	CreatePatient(ctx context.Context, patient *domain.Patient) (string, error)
	UpdatePatient(ctx context.Context, patient *domain.Patient) error
	DeletePatient(ctx context.Context, patientID string) error

	// ListBySchoolAndTeam lists the current roster for one school, used by
	// full-roster-replacement imports to detect children absent from the
	// upload.
	ListBySchoolAndTeam(ctx context.Context, schoolID, teamID string) ([]*domain.Patient, error)

	// ListWithoutNHSNumber feeds the periodic reconciliation sweep. Skips
	// invalidated and deceased records.
	ListWithoutNHSNumber(ctx context.Context, limit int) ([]*domain.Patient, error)
}
