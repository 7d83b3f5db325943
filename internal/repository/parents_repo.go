package repository

import (
	"context"

	"cohort-data/internal/domain"
)

// ParentsRepository data access for guardians and their links to patients.
type ParentsRepository interface {
	// FindMatchingParent matches an uploaded guardian to an existing one by
	// email, phone or (when linked to the given patient) full name.
	// patientID may be empty for brand-new patients.
	FindMatchingParent(ctx context.Context, patientID, email, phone, fullName string) (*domain.Parent, error)

	CreateParent(ctx context.Context, parent *domain.Parent) (string, error)
	UpdateParent(ctx context.Context, parent *domain.Parent) error

	// UpsertRelationship creates or updates the (parent, patient) link.
	UpsertRelationship(ctx context.Context, rel *domain.ParentRelationship) error

	ListRelationshipsByPatient(ctx context.Context, patientID string) ([]*domain.ParentRelationship, error)
	ReassignRelationship(ctx context.Context, relationshipID, newPatientID string) error
	DeleteRelationship(ctx context.Context, relationshipID string) error
}
