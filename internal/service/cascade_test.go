package service

import (
	"context"
	"testing"

	"cohort-data/internal/domain"
	"cohort-data/internal/registry"
	"cohort-data/internal/report"
	"cohort-data/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCascadeFixture(t *testing.T, reg *fakeRegistry) (*CascadeService, *repository.MemoryStore, *recordingEnqueuer, *report.CapturingReporter) {
	t.Helper()
	store := repository.NewMemoryStore()
	enqueuer := &recordingEnqueuer{}
	reporter := report.NewCapturingReporter()
	merger := NewMergeService(store, testLogger())
	cascade := NewCascadeService(store, reg, enqueuer, reporter, merger, testLogger())
	return cascade, store, enqueuer, reporter
}

func seedCascadeChangeset(t *testing.T, store *repository.MemoryStore) *domain.Changeset {
	t.Helper()
	imp := seedImport(t, store, &domain.Import{
		TeamID:       "team-1",
		Type:         domain.ImportTypeCohort,
		AcademicYear: 2025,
		RowsCount:    1,
	})
	return seedChangeset(t, store, &domain.Changeset{
		ImportID:  imp.ID,
		RowNumber: 1,
		Child: domain.ChildAttributes{
			GivenName:       "Harriet",
			FamilyName:      "Jones",
			DateOfBirth:     dob(2014, 3, 9),
			AddressPostcode: "SW1A 1AA",
		},
		AcademicYear: 2025,
	})
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		attempts    []domain.SearchAttempt
		nhsNumber   string
		conflicting bool
	}{
		{
			name:     "no attempts is unresolved",
			attempts: nil,
		},
		{
			name: "attempts without ids are unresolved",
			attempts: []domain.SearchAttempt{
				{Step: domain.StepNoFuzzyWithHistory, Outcome: domain.OutcomeNoMatches},
				{Step: domain.StepFuzzy, Outcome: domain.OutcomeTooManyMatches},
			},
		},
		{
			name: "one id across several attempts is accepted",
			attempts: []domain.SearchAttempt{
				{Step: domain.StepNoFuzzyWildcardPostcode, Outcome: domain.OutcomeOneMatch, NHSNumber: nhsNumberA},
				{Step: domain.StepNoFuzzyWildcardGivenName, Outcome: domain.OutcomeNoMatches},
				{Step: domain.StepFuzzy, Outcome: domain.OutcomeOneMatch, NHSNumber: nhsNumberA},
			},
			nhsNumber: nhsNumberA,
		},
		{
			name: "two distinct ids conflict",
			attempts: []domain.SearchAttempt{
				{Step: domain.StepNoFuzzyWildcardPostcode, Outcome: domain.OutcomeOneMatch, NHSNumber: nhsNumberA},
				{Step: domain.StepFuzzy, Outcome: domain.OutcomeOneMatch, NHSNumber: nhsNumberB},
			},
			conflicting: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolution := Decide(tt.attempts)
			assert.Equal(t, tt.nhsNumber, resolution.NHSNumber)
			assert.Equal(t, tt.conflicting, resolution.Conflicting)
		})
	}
}

func TestRunStepNoPostcodeTerminatesImmediately(t *testing.T) {
	reg := &fakeRegistry{}
	cascade, store, _, _ := newCascadeFixture(t, reg)

	imp := seedImport(t, store, &domain.Import{TeamID: "team-1", Type: domain.ImportTypeCohort, AcademicYear: 2025})
	changeset := seedChangeset(t, store, &domain.Changeset{
		ImportID:  imp.ID,
		RowNumber: 1,
		Child: domain.ChildAttributes{
			GivenName:   "Harriet",
			FamilyName:  "Jones",
			DateOfBirth: dob(2014, 3, 9),
		},
		AcademicYear: 2025,
	})

	ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
	result, err := cascade.RunStep(context.Background(), ref, nil, FirstStep)
	require.NoError(t, err)

	assert.True(t, result.Done)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, domain.OutcomeNoPostcode, result.Attempts[0].Outcome)
	assert.Empty(t, reg.queries, "no registry call without a postcode")

	stored, err := store.GetChangeset(context.Background(), changeset.ID)
	require.NoError(t, err)
	require.Len(t, stored.SearchAttempts, 1)
	assert.Equal(t, domain.OutcomeNoPostcode, stored.SearchAttempts[0].Outcome)
}

func TestCascadeOneMatchAtFirstStepTerminates(t *testing.T) {
	reg := &fakeRegistry{responses: []searchResponse{match(nhsNumberA)}}
	cascade, store, enqueuer, _ := newCascadeFixture(t, reg)
	changeset := seedCascadeChangeset(t, store)

	ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
	require.NoError(t, cascade.ResolveSync(context.Background(), ref))

	require.Len(t, reg.queries, 1)
	assert.True(t, reg.queries[0].History)

	stored, err := store.GetChangeset(context.Background(), changeset.ID)
	require.NoError(t, err)
	require.Len(t, stored.SearchAttempts, 1)
	assert.Equal(t, domain.OutcomeOneMatch, stored.SearchAttempts[0].Outcome)
	assert.Equal(t, nhsNumberA, stored.ResolvedNHSNumber)
	assert.Equal(t, []string{changeset.ID}, enqueuer.processChangesets)
}

func TestCascadeTooManyAtFirstStepRetriesWithoutHistory(t *testing.T) {
	reg := &fakeRegistry{responses: []searchResponse{
		failWith(registry.ErrTooManyMatches),
		match(nhsNumberA),
	}}
	cascade, store, _, _ := newCascadeFixture(t, reg)
	changeset := seedCascadeChangeset(t, store)

	ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
	require.NoError(t, cascade.ResolveSync(context.Background(), ref))

	require.Len(t, reg.queries, 2)
	assert.True(t, reg.queries[0].History)
	assert.False(t, reg.queries[1].History)

	stored, err := store.GetChangeset(context.Background(), changeset.ID)
	require.NoError(t, err)
	require.Len(t, stored.SearchAttempts, 2)
	assert.Equal(t, domain.StepNoFuzzyWithoutHistory, stored.SearchAttempts[1].Step)
	assert.Equal(t, nhsNumberA, stored.ResolvedNHSNumber)
}

func TestCascadeNoMatchesAtFirstStepSkipsToWildcardPostcode(t *testing.T) {
	reg := &fakeRegistry{responses: []searchResponse{noMatches()}}
	cascade, store, _, _ := newCascadeFixture(t, reg)
	changeset := seedCascadeChangeset(t, store)

	ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
	result, err := cascade.RunStep(context.Background(), ref, nil, FirstStep)
	require.NoError(t, err)

	assert.False(t, result.Done)
	assert.Equal(t, domain.StepNoFuzzyWildcardPostcode, result.Next)
}

func TestCascadeWildcardStepsAlwaysAdvance(t *testing.T) {
	// One match at the wildcard-postcode step must not terminate: the
	// remaining steps run and the final decision accepts the single
	// distinct id.
	reg := &fakeRegistry{responses: []searchResponse{
		noMatches(),         // with history
		match(nhsNumberA),   // wildcard postcode
		noMatches(),         // wildcard given name
		match(nhsNumberA),   // wildcard family name
		noMatches(),         // fuzzy
	}}
	cascade, store, _, _ := newCascadeFixture(t, reg)
	changeset := seedCascadeChangeset(t, store)

	ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
	require.NoError(t, cascade.ResolveSync(context.Background(), ref))

	require.Len(t, reg.queries, 5)
	assert.Equal(t, "SW*", reg.queries[1].Postcode)
	assert.Equal(t, "Har*", reg.queries[2].GivenName)
	assert.Equal(t, "Jon*", reg.queries[3].FamilyName)
	assert.True(t, reg.queries[4].Fuzzy)

	stored, err := store.GetChangeset(context.Background(), changeset.ID)
	require.NoError(t, err)
	assert.Len(t, stored.SearchAttempts, 5)
	assert.Equal(t, nhsNumberA, stored.ResolvedNHSNumber)
}

func TestCascadeShortPostcodeWildcardsWhole(t *testing.T) {
	// A one-character postcode is shorter than the outward district prefix;
	// the wildcard step must still run (with the whole value wildcarded)
	// rather than fault on the slice.
	reg := &fakeRegistry{}
	cascade, store, _, _ := newCascadeFixture(t, reg)

	imp := seedImport(t, store, &domain.Import{TeamID: "team-1", Type: domain.ImportTypeCohort, AcademicYear: 2025})
	changeset := seedChangeset(t, store, &domain.Changeset{
		ImportID:  imp.ID,
		RowNumber: 1,
		Child: domain.ChildAttributes{
			GivenName:       "Harriet",
			FamilyName:      "Jones",
			DateOfBirth:     dob(2014, 3, 9),
			AddressPostcode: "M",
		},
		AcademicYear: 2025,
	})

	ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
	require.NoError(t, cascade.ResolveSync(context.Background(), ref))

	require.Len(t, reg.queries, 5)
	assert.Equal(t, "M*", reg.queries[1].Postcode)
}

func TestCascadeWildcardsMultibyteNamesByCharacter(t *testing.T) {
	reg := &fakeRegistry{}
	cascade, store, _, _ := newCascadeFixture(t, reg)

	imp := seedImport(t, store, &domain.Import{TeamID: "team-1", Type: domain.ImportTypeCohort, AcademicYear: 2025})
	changeset := seedChangeset(t, store, &domain.Changeset{
		ImportID:  imp.ID,
		RowNumber: 1,
		Child: domain.ChildAttributes{
			GivenName:       "Ööbik",
			FamilyName:      "Jõgi",
			DateOfBirth:     dob(2014, 3, 9),
			AddressPostcode: "SW1A 1AA",
		},
		AcademicYear: 2025,
	})

	ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
	require.NoError(t, cascade.ResolveSync(context.Background(), ref))

	require.Len(t, reg.queries, 5)
	// Truncation counts characters, never bytes: no query carries a
	// split rune.
	assert.Equal(t, "Ööb*", reg.queries[2].GivenName)
	assert.Equal(t, "Jõg*", reg.queries[3].FamilyName)
}

func TestCascadeSkipsWildcardForShortNames(t *testing.T) {
	reg := &fakeRegistry{}
	cascade, store, _, _ := newCascadeFixture(t, reg)

	imp := seedImport(t, store, &domain.Import{TeamID: "team-1", Type: domain.ImportTypeCohort, AcademicYear: 2025})
	changeset := seedChangeset(t, store, &domain.Changeset{
		ImportID:  imp.ID,
		RowNumber: 1,
		Child: domain.ChildAttributes{
			GivenName:       "Kit",
			FamilyName:      "Ng",
			DateOfBirth:     dob(2014, 3, 9),
			AddressPostcode: "SW1A 1AA",
		},
		AcademicYear: 2025,
	})

	ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
	require.NoError(t, cascade.ResolveSync(context.Background(), ref))

	stored, err := store.GetChangeset(context.Background(), changeset.ID)
	require.NoError(t, err)

	byStep := map[domain.Step]domain.Outcome{}
	for _, a := range stored.SearchAttempts {
		byStep[a.Step] = a.Outcome
	}
	assert.Equal(t, domain.OutcomeSkipped, byStep[domain.StepNoFuzzyWildcardGivenName])
	assert.Equal(t, domain.OutcomeSkipped, byStep[domain.StepNoFuzzyWildcardFamilyName])

	// Skipped steps issue no registry call: history, without-history is
	// never reached on no-matches, wildcard postcode and fuzzy remain.
	assert.Len(t, reg.queries, 3)
}

func TestCascadeRateLimitPropagatesWithoutAttempt(t *testing.T) {
	reg := &fakeRegistry{responses: []searchResponse{failWith(registry.ErrRateLimited)}}
	cascade, store, enqueuer, _ := newCascadeFixture(t, reg)
	changeset := seedCascadeChangeset(t, store)

	ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
	err := cascade.ResolveSync(context.Background(), ref)
	require.ErrorIs(t, err, registry.ErrRateLimited)

	stored, getErr := store.GetChangeset(context.Background(), changeset.ID)
	require.NoError(t, getErr)
	assert.Empty(t, stored.SearchAttempts, "rate limiting must not record an attempt")
	assert.Empty(t, enqueuer.processChangesets)
}

func TestCascadeServerErrorIsReportedAndTerminal(t *testing.T) {
	reg := &fakeRegistry{responses: []searchResponse{
		failWith(&registry.ServerError{StatusCode: 502, Message: "bad gateway"}),
	}}
	cascade, store, enqueuer, reporter := newCascadeFixture(t, reg)
	changeset := seedCascadeChangeset(t, store)

	ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
	require.NoError(t, cascade.ResolveSync(context.Background(), ref))

	stored, err := store.GetChangeset(context.Background(), changeset.ID)
	require.NoError(t, err)
	require.Len(t, stored.SearchAttempts, 1)
	assert.Equal(t, domain.OutcomeError, stored.SearchAttempts[0].Outcome)
	assert.Empty(t, stored.ResolvedNHSNumber)

	require.Len(t, reporter.Reports(), 1)
	// The subject still hands off so the matcher can classify on local
	// data alone.
	assert.Equal(t, []string{changeset.ID}, enqueuer.processChangesets)
}

func TestCascadeConflictingIdsTerminateEarly(t *testing.T) {
	reg := &fakeRegistry{responses: []searchResponse{
		noMatches(),       // with history
		match(nhsNumberA), // wildcard postcode
		match(nhsNumberB), // wildcard given name: second distinct id
	}}
	cascade, store, enqueuer, _ := newCascadeFixture(t, reg)
	changeset := seedCascadeChangeset(t, store)

	ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
	require.NoError(t, cascade.ResolveSync(context.Background(), ref))

	// Terminated after the conflicting id, before family-name and fuzzy.
	assert.Len(t, reg.queries, 3)

	stored, err := store.GetChangeset(context.Background(), changeset.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ResolvedNHSNumber, "conflicting ids never resolve")
	assert.Equal(t, []string{changeset.ID}, enqueuer.processChangesets)
}

func TestCascadeContinueStepReenqueuesNextStep(t *testing.T) {
	reg := &fakeRegistry{responses: []searchResponse{noMatches()}}
	cascade, store, enqueuer, _ := newCascadeFixture(t, reg)
	changeset := seedCascadeChangeset(t, store)

	ref := SubjectRef{Kind: SubjectChangeset, ID: changeset.ID}
	require.NoError(t, cascade.ContinueStep(context.Background(), ref, nil, FirstStep))

	require.Len(t, enqueuer.cascadeSteps, 1)
	assert.Equal(t, domain.StepNoFuzzyWildcardPostcode, enqueuer.cascadeSteps[0])
	assert.Equal(t, ref, enqueuer.cascadeRefs[0])
	assert.Empty(t, enqueuer.processChangesets)
}

func TestCascadePatientSubjectAssignsNumber(t *testing.T) {
	reg := &fakeRegistry{responses: []searchResponse{match(nhsNumberA)}}
	cascade, store, enqueuer, _ := newCascadeFixture(t, reg)

	patient := seedPatient(t, store, &domain.Patient{
		GivenName:       "Harriet",
		FamilyName:      "Jones",
		DateOfBirth:     dob(2014, 3, 9),
		AddressPostcode: "SW1A 1AA",
		TeamID:          "team-1",
	})

	ref := SubjectRef{Kind: SubjectPatient, ID: patient.ID}
	require.NoError(t, cascade.ResolveSync(context.Background(), ref))

	updated, err := store.GetPatient(context.Background(), patient.ID)
	require.NoError(t, err)
	assert.Equal(t, nhsNumberA, updated.NHSNumber)
	assert.Equal(t, []string{patient.ID}, enqueuer.vaccinationSearch)
}

func TestCascadePatientSubjectMergesIntoExistingOwner(t *testing.T) {
	reg := &fakeRegistry{responses: []searchResponse{match(nhsNumberA)}}
	cascade, store, enqueuer, _ := newCascadeFixture(t, reg)

	canonical := seedPatient(t, store, &domain.Patient{
		NHSNumber:   nhsNumberA,
		GivenName:   "Harriet",
		FamilyName:  "Jones",
		DateOfBirth: dob(2014, 3, 9),
		TeamID:      "team-1",
	})
	duplicate := seedPatient(t, store, &domain.Patient{
		GivenName:       "Harriet",
		FamilyName:      "Jones",
		DateOfBirth:     dob(2014, 3, 9),
		AddressPostcode: "SW1A 1AA",
		TeamID:          "team-1",
	})

	ref := SubjectRef{Kind: SubjectPatient, ID: duplicate.ID}
	require.NoError(t, cascade.ResolveSync(context.Background(), ref))

	_, err := store.GetPatient(context.Background(), duplicate.ID)
	assert.Error(t, err, "duplicate record is deleted by the merge")

	kept, err := store.GetPatient(context.Background(), canonical.ID)
	require.NoError(t, err)
	assert.Equal(t, nhsNumberA, kept.NHSNumber)
	assert.Empty(t, enqueuer.vaccinationSearch, "merged records keep the canonical history")
}
