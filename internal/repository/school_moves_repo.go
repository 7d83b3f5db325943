package repository

import (
	"context"

	"cohort-data/internal/domain"
)

// SchoolMovesRepository data access for proposed school moves.
type SchoolMovesRepository interface {
	// UpsertMove keeps at most one pending move per patient, replacing the
	// destination on conflict.
	UpsertMove(ctx context.Context, move *domain.SchoolMove) (string, error)

	ConfirmMove(ctx context.Context, moveID string) error

	ListMovesByPatient(ctx context.Context, patientID string) ([]*domain.SchoolMove, error)
	ReassignMove(ctx context.Context, moveID, newPatientID string) error
	DeleteMove(ctx context.Context, moveID string) error
}
