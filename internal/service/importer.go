package service

import (
	"context"
	"fmt"

	"cohort-data/internal/domain"
	"cohort-data/internal/repository"

	"go.uber.org/zap"
)

// ImporterService kicks off reconciliation for a parsed import: every
// pending row either enters the cascade or, when the upload already
// carries a valid NHS number, goes straight to matching.
type ImporterService struct {
	store    repository.Store
	cascade  *CascadeService
	enqueuer Enqueuer
	logger   *zap.Logger

	// slowThreshold imports above this row count run each cascade step as
	// a separate job instead of looping in-process.
	slowThreshold int
}

func NewImporterService(store repository.Store, cascade *CascadeService, enqueuer Enqueuer, logger *zap.Logger, slowThreshold int) *ImporterService {
	return &ImporterService{
		store:         store,
		cascade:       cascade,
		enqueuer:      enqueuer,
		logger:        logger,
		slowThreshold: slowThreshold,
	}
}

// StartImport dispatches every pending row of the import. Rows already
// processed (a retried job) are skipped, so delivery is at-least-once
// safe.
func (s *ImporterService) StartImport(ctx context.Context, importID string) error {
	imp, err := s.store.GetImport(ctx, importID)
	if err != nil {
		return fmt.Errorf("failed to load import: %w", err)
	}
	if imp.Committed() {
		return nil
	}

	changesets, err := s.store.ListByImport(ctx, importID)
	if err != nil {
		return fmt.Errorf("failed to list changesets: %w", err)
	}

	slow := imp.Slow(s.slowThreshold)
	s.logger.Info("starting import reconciliation",
		zap.String("import_id", importID),
		zap.String("type", string(imp.Type)),
		zap.Int("rows", imp.RowsCount),
		zap.Bool("slow", slow),
	)

	for _, changeset := range changesets {
		if changeset.Status != domain.ChangesetPending {
			continue
		}

		// A valid uploaded number needs no registry round trips.
		if domain.ValidNHSNumber(changeset.UploadedNHSNumber) {
			if err := s.enqueuer.EnqueueProcessChangeset(ctx, changeset.ID); err != nil {
				return err
			}
			continue
		}

		ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
		if slow {
			if err := s.enqueuer.EnqueueCascadeStep(ctx, ref, FirstStep, nil); err != nil {
				return err
			}
			continue
		}
		if err := s.cascade.ResolveSync(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}
