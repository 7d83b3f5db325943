package service

import (
	"context"
	"fmt"

	"cohort-data/internal/domain"
	"cohort-data/internal/registry"
	"cohort-data/internal/repository"

	"go.uber.org/zap"
)

// SweepService periodically retries identifier resolution for records that
// never got an NHS number, and pulls national vaccination history for
// records that just got one.
type SweepService struct {
	store    repository.Store
	client   registry.Client
	enqueuer Enqueuer
	logger   *zap.Logger

	batchSize int
}

func NewSweepService(store repository.Store, client registry.Client, enqueuer Enqueuer, logger *zap.Logger, batchSize int) *SweepService {
	return &SweepService{
		store:     store,
		client:    client,
		enqueuer:  enqueuer,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Sweep enqueues a fresh cascade for every unidentified record. Each
// cascade runs as its own job chain so one rate-limited subject never
// stalls the rest.
func (s *SweepService) Sweep(ctx context.Context) error {
	patients, err := s.store.ListWithoutNHSNumber(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unidentified patients: %w", err)
	}

	for _, patient := range patients {
		ref := SubjectRef{Kind: SubjectPatient, ID: patient.ID}
		if err := s.enqueuer.EnqueueCascadeStep(ctx, ref, FirstStep, nil); err != nil {
			return fmt.Errorf("failed to enqueue sweep cascade: %w", err)
		}
	}

	s.logger.Info("reconciliation sweep enqueued",
		zap.Int("patients", len(patients)))
	return nil
}

// SearchVaccinationHistory imports the national vaccination history for one
// identified record. Doses already known locally are left alone.
func (s *SweepService) SearchVaccinationHistory(ctx context.Context, patientID string) error {
	patient, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		return fmt.Errorf("failed to load patient: %w", err)
	}
	if patient.NHSNumber == "" {
		return nil
	}

	records, err := s.client.SearchVaccinationHistory(ctx, patient.NHSNumber)
	if err != nil {
		return fmt.Errorf("failed to search vaccination history: %w", err)
	}

	for _, record := range records {
		dose := &domain.VaccinationRecord{
			PatientID:    patientID,
			Vaccine:      record.Vaccine,
			DoseSequence: record.DoseSequence,
			PerformedAt:  record.PerformedAt,
			Source:       "national_record",
		}
		if err := s.store.EnsureVaccinationRecord(ctx, dose); err != nil {
			return err
		}
	}

	s.logger.Info("vaccination history imported",
		zap.String("patient_id", patientID),
		zap.Int("records", len(records)),
	)
	return nil
}
