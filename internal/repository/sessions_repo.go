package repository

import (
	"context"

	"cohort-data/internal/domain"
)

// SessionsRepository data access for session rosters and memberships.
type SessionsRepository interface {
	// FindOrCreateSession resolves the roster for one school/team/year.
	FindOrCreateSession(ctx context.Context, teamID, schoolID string, academicYear int) (*domain.Session, error)

	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// EnsureMembership enrols without creating duplicate membership rows.
	EnsureMembership(ctx context.Context, sessionID, patientID string) error

	ListMembershipsByPatient(ctx context.Context, patientID string) ([]*domain.SessionMembership, error)
	HasMembership(ctx context.Context, sessionID, patientID string) (bool, error)
	ReassignMembership(ctx context.Context, membershipID, newPatientID string) error
	DeleteMembership(ctx context.Context, membershipID string) error
}
