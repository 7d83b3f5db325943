package service

import (
	"context"
	"testing"
	"time"

	"cohort-data/internal/domain"
	"cohort-data/internal/registry"
	"cohort-data/internal/repository"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// Valid NHS numbers for fixtures (mod-11 check digit passes).
const (
	nhsNumberA = "9434765919"
	nhsNumberB = "9434765870"
)

// fakeRegistry scripted registry client. Search pops responses in order;
// once the script is exhausted every further query finds nothing.
type fakeRegistry struct {
	responses []searchResponse
	queries   []registry.Query

	historyRecords []domain.VaccinationRecord
	historyErr     error
	historyCalls   []string
}

type searchResponse struct {
	person *registry.Person
	err    error
}

func match(nhsNumber string) searchResponse {
	return searchResponse{person: &registry.Person{NHSNumber: nhsNumber}}
}

func noMatches() searchResponse {
	return searchResponse{}
}

func failWith(err error) searchResponse {
	return searchResponse{err: err}
}

func (f *fakeRegistry) Search(_ context.Context, query registry.Query) (*registry.Person, error) {
	f.queries = append(f.queries, query)
	if len(f.responses) == 0 {
		return nil, nil
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next.person, next.err
}

func (f *fakeRegistry) SearchVaccinationHistory(_ context.Context, nhsNumber string) ([]domain.VaccinationRecord, error) {
	f.historyCalls = append(f.historyCalls, nhsNumber)
	return f.historyRecords, f.historyErr
}

var _ registry.Client = (*fakeRegistry)(nil)

// recordingEnqueuer captures enqueued work instead of running it.
type recordingEnqueuer struct {
	cascadeSteps      []domain.Step
	cascadeRefs       []SubjectRef
	processChangesets []string
	commitImports     []string
	vaccinationSearch []string
}

func (e *recordingEnqueuer) EnqueueCascadeStep(_ context.Context, ref SubjectRef, step domain.Step, _ []domain.SearchAttempt) error {
	e.cascadeRefs = append(e.cascadeRefs, ref)
	e.cascadeSteps = append(e.cascadeSteps, step)
	return nil
}

func (e *recordingEnqueuer) EnqueueProcessChangeset(_ context.Context, changesetID string) error {
	e.processChangesets = append(e.processChangesets, changesetID)
	return nil
}

func (e *recordingEnqueuer) EnqueueCommitImport(_ context.Context, importID string) error {
	e.commitImports = append(e.commitImports, importID)
	return nil
}

func (e *recordingEnqueuer) EnqueueVaccinationSearch(_ context.Context, patientID string) error {
	e.vaccinationSearch = append(e.vaccinationSearch, patientID)
	return nil
}

var _ Enqueuer = (*recordingEnqueuer)(nil)

func dob(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func seedImport(t *testing.T, store *repository.MemoryStore, imp *domain.Import) *domain.Import {
	t.Helper()
	_, err := store.CreateImport(context.Background(), imp)
	require.NoError(t, err)
	return imp
}

func seedChangeset(t *testing.T, store *repository.MemoryStore, changeset *domain.Changeset) *domain.Changeset {
	t.Helper()
	_, err := store.CreateChangeset(context.Background(), changeset)
	require.NoError(t, err)
	return changeset
}

func seedPatient(t *testing.T, store *repository.MemoryStore, patient *domain.Patient) *domain.Patient {
	t.Helper()
	_, err := store.CreatePatient(context.Background(), patient)
	require.NoError(t, err)
	return patient
}
