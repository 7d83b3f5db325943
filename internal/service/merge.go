package service

import (
	"context"
	"fmt"

	"cohort-data/internal/repository"

	"go.uber.org/zap"
)

// MergeService collapses two records that turned out to be the same child
// into one. The duplicate's dependent records move to the canonical record
// wholesale, then the duplicate is deleted. The whole procedure runs in
// one transaction so no dependent record can ever reference a deleted
// patient.
type MergeService struct {
	store  repository.Store
	logger *zap.Logger
}

func NewMergeService(store repository.Store, logger *zap.Logger) *MergeService {
	return &MergeService{store: store, logger: logger}
}

// Merge transfers everything the duplicate owns to the canonical record
// and deletes the duplicate. Membership, relationship and school-move rows
// that the canonical record already carries are dropped rather than
// duplicated; everything else is re-pointed.
func (s *MergeService) Merge(ctx context.Context, duplicateID, canonicalID string) error {
	if duplicateID == canonicalID {
		return fmt.Errorf("cannot merge a patient into itself: %s", duplicateID)
	}

	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		duplicate, err := tx.GetPatient(ctx, duplicateID)
		if err != nil {
			return fmt.Errorf("failed to load duplicate patient: %w", err)
		}
		canonical, err := tx.GetPatient(ctx, canonicalID)
		if err != nil {
			return fmt.Errorf("failed to load canonical patient: %w", err)
		}

		if err := tx.ReassignVaccinationRecords(ctx, duplicateID, canonicalID); err != nil {
			return err
		}
		if err := tx.ReassignTriages(ctx, duplicateID, canonicalID); err != nil {
			return err
		}
		if err := tx.ReassignAssessmentNotes(ctx, duplicateID, canonicalID); err != nil {
			return err
		}

		if err := s.transferMemberships(ctx, tx, duplicateID, canonicalID); err != nil {
			return err
		}
		if err := s.transferRelationships(ctx, tx, duplicateID, canonicalID); err != nil {
			return err
		}
		if err := s.transferMoves(ctx, tx, duplicateID, canonicalID); err != nil {
			return err
		}

		// A swept duplicate may carry roster ownership the canonical record
		// never got; keep it rather than orphaning the child.
		if canonical.TeamID == "" && duplicate.TeamID != "" {
			canonical.TeamID = duplicate.TeamID
			if err := tx.UpdatePatient(ctx, canonical); err != nil {
				return err
			}
		}

		return tx.DeletePatient(ctx, duplicateID)
	})
	if err != nil {
		return fmt.Errorf("failed to merge patient %s into %s: %w", duplicateID, canonicalID, err)
	}

	s.logger.Info("merged duplicate patient",
		zap.String("duplicate_id", duplicateID),
		zap.String("canonical_id", canonicalID),
	)
	return nil
}

// transferMemberships re-points the duplicate's session memberships unless
// the canonical record is already enrolled in that session.
func (s *MergeService) transferMemberships(ctx context.Context, tx repository.Store, duplicateID, canonicalID string) error {
	memberships, err := tx.ListMembershipsByPatient(ctx, duplicateID)
	if err != nil {
		return err
	}
	for _, m := range memberships {
		enrolled, err := tx.HasMembership(ctx, m.SessionID, canonicalID)
		if err != nil {
			return err
		}
		if enrolled {
			if err := tx.DeleteMembership(ctx, m.ID); err != nil {
				return err
			}
			continue
		}
		if err := tx.ReassignMembership(ctx, m.ID, canonicalID); err != nil {
			return err
		}
	}
	return nil
}

// transferRelationships re-points guardian links, dropping links to
// guardians the canonical record already has.
func (s *MergeService) transferRelationships(ctx context.Context, tx repository.Store, duplicateID, canonicalID string) error {
	existing, err := tx.ListRelationshipsByPatient(ctx, canonicalID)
	if err != nil {
		return err
	}
	linked := make(map[string]bool, len(existing))
	for _, rel := range existing {
		linked[rel.ParentID] = true
	}

	relationships, err := tx.ListRelationshipsByPatient(ctx, duplicateID)
	if err != nil {
		return err
	}
	for _, rel := range relationships {
		if linked[rel.ParentID] {
			if err := tx.DeleteRelationship(ctx, rel.ID); err != nil {
				return err
			}
			continue
		}
		if err := tx.ReassignRelationship(ctx, rel.ID, canonicalID); err != nil {
			return err
		}
	}
	return nil
}

// transferMoves re-points the duplicate's school moves, dropping any whose
// destination the canonical record already has a move to.
func (s *MergeService) transferMoves(ctx context.Context, tx repository.Store, duplicateID, canonicalID string) error {
	existing, err := tx.ListMovesByPatient(ctx, canonicalID)
	if err != nil {
		return err
	}
	moves, err := tx.ListMovesByPatient(ctx, duplicateID)
	if err != nil {
		return err
	}
	for _, move := range moves {
		dropped := false
		for _, have := range existing {
			if move.SameDestination(have) {
				if err := tx.DeleteMove(ctx, move.ID); err != nil {
					return err
				}
				dropped = true
				break
			}
		}
		if dropped {
			continue
		}
		if err := tx.ReassignMove(ctx, move.ID, canonicalID); err != nil {
			return err
		}
	}
	return nil
}
