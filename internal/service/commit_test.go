package service

import (
	"context"
	"testing"
	"time"

	"cohort-data/internal/domain"
	"cohort-data/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommitFixture(t *testing.T) (*CommitService, *repository.MemoryStore, *recordingEnqueuer) {
	t.Helper()
	store := repository.NewMemoryStore()
	enqueuer := &recordingEnqueuer{}
	merger := NewMergeService(store, testLogger())
	commit := NewCommitService(store, enqueuer, merger, testLogger())
	return commit, store, enqueuer
}

func commitImport(t *testing.T, store *repository.MemoryStore, importType domain.ImportType, rows int) *domain.Import {
	t.Helper()
	return seedImport(t, store, &domain.Import{
		TeamID:       "team-1",
		Type:         importType,
		AcademicYear: 2025,
		SchoolID:     "school-1",
		RowsCount:    rows,
	})
}

func processedChangeset(imp *domain.Import, row int, classification domain.Classification) *domain.Changeset {
	return &domain.Changeset{
		ImportID:       imp.ID,
		RowNumber:      row,
		Status:         domain.ChangesetProcessed,
		Classification: classification,
		Child: domain.ChildAttributes{
			GivenName:       "Harriet",
			FamilyName:      "Jones",
			DateOfBirth:     dob(2014, 3, 9),
			AddressPostcode: "SW1A 1AA",
		},
		SchoolID:     "school-1",
		AcademicYear: 2025,
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	commit, store, _ := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeCohort, 1)
	seedChangeset(t, store, processedChangeset(imp, 1, domain.ClassificationNew))

	require.NoError(t, store.RecordImport(context.Background(), imp.ID,
		domain.ImportStatusRecorded, repository.ImportCounts{NewRecords: 1}, time.Now()))

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	// Nothing was created on the repeat invocation.
	patients, err := store.FindByNameAndDateOfBirth(context.Background(), "Harriet", "Jones", dob(2014, 3, 9))
	require.NoError(t, err)
	assert.Empty(t, patients)

	stored, err := store.GetImport(context.Background(), imp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.NewRecordsCount, "recorded counts are untouched")
}

func TestCommitNewRowCreatesPatient(t *testing.T) {
	commit, store, _ := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeCohort, 1)

	changeset := processedChangeset(imp, 1, domain.ClassificationNew)
	changeset.ResolvedNHSNumber = nhsNumberA
	changeset.Parent1 = &domain.ParentAttributes{
		FullName:     "Sarah Jones",
		Email:        "sarah@example.com",
		Relationship: "mum",
	}
	seedChangeset(t, store, changeset)

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	patient, err := store.FindByNHSNumber(context.Background(), nhsNumberA)
	require.NoError(t, err)
	require.NotNil(t, patient)
	assert.Equal(t, "Harriet", patient.GivenName)
	assert.Equal(t, "team-1", patient.TeamID)
	assert.Equal(t, "school-1", patient.SchoolID)

	rels, err := store.ListRelationshipsByPatient(context.Background(), patient.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, domain.RelationshipMother, rels[0].Type)

	session, err := store.FindOrCreateSession(context.Background(), "team-1", "school-1", 2025)
	require.NoError(t, err)
	enrolled, err := store.HasMembership(context.Background(), session.ID, patient.ID)
	require.NoError(t, err)
	assert.True(t, enrolled)

	stored, err := store.GetImport(context.Background(), imp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusRecorded, stored.Status)
	assert.Equal(t, 1, stored.NewRecordsCount)
}

func TestCommitNewPatientWithNumberGetsVaccinationSearch(t *testing.T) {
	commit, store, enqueuer := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeCohort, 1)

	changeset := processedChangeset(imp, 1, domain.ClassificationNew)
	changeset.ResolvedNHSNumber = nhsNumberA
	seedChangeset(t, store, changeset)

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	created, err := store.FindByNHSNumber(context.Background(), nhsNumberA)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, []string{created.ID}, enqueuer.vaccinationSearch,
		"a freshly created record with a number needs its national history pulled")
}

func TestCommitNewPatientWithoutNumberGetsNoVaccinationSearch(t *testing.T) {
	commit, store, enqueuer := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeCohort, 1)

	seedChangeset(t, store, processedChangeset(imp, 1, domain.ClassificationNew))

	require.NoError(t, commit.Commit(context.Background(), imp.ID))
	assert.Empty(t, enqueuer.vaccinationSearch)
}

func TestCommitDeduplicatesNewRowsWithSameNHSNumber(t *testing.T) {
	commit, store, _ := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeCohort, 2)

	first := processedChangeset(imp, 1, domain.ClassificationNew)
	first.ResolvedNHSNumber = nhsNumberA
	seedChangeset(t, store, first)

	second := processedChangeset(imp, 2, domain.ClassificationNew)
	second.ResolvedNHSNumber = nhsNumberA
	seedChangeset(t, store, second)

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	patients, err := store.FindByNameAndDateOfBirth(context.Background(), "Harriet", "Jones", dob(2014, 3, 9))
	require.NoError(t, err)
	assert.Len(t, patients, 1, "two rows with one NHS number create one record")

	stored, err := store.GetImport(context.Background(), imp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.NewRecordsCount)
	assert.Equal(t, 1, stored.DuplicateRecordsCount)
}

func TestCommitAutoMatchedAppliesChangesDirectly(t *testing.T) {
	commit, store, enqueuer := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeCohort, 1)

	patient := seedPatient(t, store, &domain.Patient{
		GivenName:   "Harriet",
		FamilyName:  "Jones",
		DateOfBirth: dob(2014, 3, 9),
		SchoolID:    "school-1",
		TeamID:      "team-1",
	})

	changeset := processedChangeset(imp, 1, domain.ClassificationAutoMatched)
	changeset.MatchedPatientID = patient.ID
	changeset.ResolvedNHSNumber = nhsNumberA
	changeset.StagedChanges = map[string]string{
		"preferred_given_name": "Hattie",
		"address_postcode":     "SW1A 1AA",
	}
	seedChangeset(t, store, changeset)

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	updated, err := store.GetPatient(context.Background(), patient.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hattie", updated.PreferredGivenName)
	assert.Equal(t, "SW1A 1AA", updated.AddressPostcode)
	assert.Equal(t, nhsNumberA, updated.NHSNumber)
	assert.Empty(t, updated.PendingChanges, "owned-team updates are direct, not staged")

	// The NHS number changed, so a history search runs after commit.
	assert.Equal(t, []string{patient.ID}, enqueuer.vaccinationSearch)

	stored, err := store.GetImport(context.Background(), imp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ChangedRecordsCount)
}

func TestCommitUnchangedMatchCountsAsDuplicate(t *testing.T) {
	commit, store, enqueuer := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeCohort, 1)

	patient := seedPatient(t, store, &domain.Patient{
		NHSNumber:       nhsNumberA,
		GivenName:       "Harriet",
		FamilyName:      "Jones",
		DateOfBirth:     dob(2014, 3, 9),
		AddressPostcode: "SW1A 1AA",
		SchoolID:        "school-1",
		TeamID:          "team-1",
	})

	changeset := processedChangeset(imp, 1, domain.ClassificationAutoMatched)
	changeset.MatchedPatientID = patient.ID
	changeset.ResolvedNHSNumber = nhsNumberA
	seedChangeset(t, store, changeset)

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	stored, err := store.GetImport(context.Background(), imp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.DuplicateRecordsCount)
	assert.Zero(t, stored.ChangedRecordsCount)
	assert.Empty(t, enqueuer.vaccinationSearch)
}

func TestCommitMergesWhenNHSNumberAlreadyOwned(t *testing.T) {
	commit, store, _ := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeCohort, 1)

	owner := seedPatient(t, store, &domain.Patient{
		NHSNumber:   nhsNumberA,
		GivenName:   "Harriet",
		FamilyName:  "Jones",
		DateOfBirth: dob(2014, 3, 9),
		TeamID:      "team-1",
	})
	duplicate := seedPatient(t, store, &domain.Patient{
		GivenName:   "Harriet",
		FamilyName:  "Jones",
		DateOfBirth: dob(2014, 3, 9),
		TeamID:      "team-1",
	})
	_, err := store.CreateTriage(context.Background(), &domain.Triage{
		PatientID: duplicate.ID,
		Programme: "hpv",
		Decision:  "safe_to_vaccinate",
	})
	require.NoError(t, err)

	changeset := processedChangeset(imp, 1, domain.ClassificationAutoMatched)
	changeset.MatchedPatientID = duplicate.ID
	changeset.ResolvedNHSNumber = nhsNumberA
	seedChangeset(t, store, changeset)

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	_, err = store.GetPatient(context.Background(), duplicate.ID)
	assert.Error(t, err, "matched record merged into the number's owner")

	triages, err := store.ListTriagesByPatient(context.Background(), owner.ID)
	require.NoError(t, err)
	assert.Len(t, triages, 1, "dependents moved to the canonical record")
}

func TestCommitCrossTeamStagesChangesAndProposesMove(t *testing.T) {
	commit, store, _ := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeCohort, 1)

	patient := seedPatient(t, store, &domain.Patient{
		GivenName:   "Harriet",
		FamilyName:  "Jones",
		DateOfBirth: dob(2014, 3, 9),
		SchoolID:    "school-2",
		TeamID:      "team-2",
	})

	changeset := processedChangeset(imp, 1, domain.ClassificationCrossTeam)
	changeset.MatchedPatientID = patient.ID
	changeset.StagedChanges = map[string]string{"address_postcode": "SW1A 1AA"}
	seedChangeset(t, store, changeset)

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	updated, err := store.GetPatient(context.Background(), patient.ID)
	require.NoError(t, err)
	assert.Equal(t, "team-2", updated.TeamID, "another team's record is never reassigned directly")
	assert.Empty(t, updated.AddressPostcode, "cross-team changes are staged, not applied")
	assert.Equal(t, "SW1A 1AA", updated.PendingChanges["address_postcode"])

	moves, err := store.ListMovesByPatient(context.Background(), patient.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, domain.SchoolMovePending, moves[0].Status)
	assert.Equal(t, "team-1", moves[0].TeamID)

	stored, err := store.GetImport(context.Background(), imp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusInReReview, stored.Status)
	assert.Equal(t, 1, stored.ReviewRecordsCount)
}

func TestCommitSchoolMoveAutoConfirmedForUnplacedPatient(t *testing.T) {
	commit, store, _ := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeCohort, 1)

	patient := seedPatient(t, store, &domain.Patient{
		GivenName:   "Harriet",
		FamilyName:  "Jones",
		DateOfBirth: dob(2014, 3, 9),
		TeamID:      "team-1",
	})

	changeset := processedChangeset(imp, 1, domain.ClassificationSchoolMove)
	changeset.MatchedPatientID = patient.ID
	seedChangeset(t, store, changeset)

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	updated, err := store.GetPatient(context.Background(), patient.ID)
	require.NoError(t, err)
	assert.Equal(t, "school-1", updated.SchoolID, "nobody disputes a move for an unplaced child")

	moves, err := store.ListMovesByPatient(context.Background(), patient.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, domain.SchoolMoveConfirmed, moves[0].Status)
}

func TestCommitSchoolMoveStaysPendingForPlacedPatient(t *testing.T) {
	commit, store, _ := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeCohort, 1)

	patient := seedPatient(t, store, &domain.Patient{
		GivenName:   "Harriet",
		FamilyName:  "Jones",
		DateOfBirth: dob(2014, 3, 9),
		SchoolID:    "school-2",
		TeamID:      "team-1",
	})

	changeset := processedChangeset(imp, 1, domain.ClassificationSchoolMove)
	changeset.MatchedPatientID = patient.ID
	seedChangeset(t, store, changeset)

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	updated, err := store.GetPatient(context.Background(), patient.ID)
	require.NoError(t, err)
	assert.Equal(t, "school-2", updated.SchoolID, "relocation waits for confirmation")

	moves, err := store.ListMovesByPatient(context.Background(), patient.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, domain.SchoolMovePending, moves[0].Status)
}

func TestCommitClassImportProposesRemovalForAbsentPatients(t *testing.T) {
	commit, store, _ := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeClass, 1)

	// Rostered at the school but absent from the upload.
	absent := seedPatient(t, store, &domain.Patient{
		GivenName:   "Oliver",
		FamilyName:  "Smith",
		DateOfBirth: dob(2013, 7, 1),
		SchoolID:    "school-1",
		TeamID:      "team-1",
	})

	changeset := processedChangeset(imp, 1, domain.ClassificationNew)
	seedChangeset(t, store, changeset)

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	moves, err := store.ListMovesByPatient(context.Background(), absent.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Empty(t, moves[0].SchoolID, "removal is a move to school-unknown, not a delete")
	assert.Equal(t, domain.SchoolMovePending, moves[0].Status)
	assert.Equal(t, domain.SchoolMoveSourceClassImport, moves[0].Source)

	_, err = store.GetPatient(context.Background(), absent.ID)
	assert.NoError(t, err, "absent patients are never deleted")
}

func TestCommitAppliesImmunisationDose(t *testing.T) {
	commit, store, _ := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeImmunisation, 1)

	patient := seedPatient(t, store, &domain.Patient{
		NHSNumber:   nhsNumberA,
		GivenName:   "Harriet",
		FamilyName:  "Jones",
		DateOfBirth: dob(2014, 3, 9),
		SchoolID:    "school-1",
		TeamID:      "team-1",
	})

	changeset := processedChangeset(imp, 1, domain.ClassificationAutoMatched)
	changeset.MatchedPatientID = patient.ID
	changeset.Dose = &domain.DoseAttributes{
		Vaccine:      "MenACWY",
		DoseSequence: 1,
		PerformedAt:  dob(2024, 10, 2),
	}
	seedChangeset(t, store, changeset)

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	records, err := store.ListVaccinationRecordsByPatient(context.Background(), patient.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "MenACWY", records[0].Vaccine)
	assert.Equal(t, "import", records[0].Source)
}

func TestCommitNeedsReviewWritesNothing(t *testing.T) {
	commit, store, _ := newCommitFixture(t)
	imp := commitImport(t, store, domain.ImportTypeCohort, 1)

	seedChangeset(t, store, processedChangeset(imp, 1, domain.ClassificationNeedsReview))

	require.NoError(t, commit.Commit(context.Background(), imp.ID))

	patients, err := store.FindByNameAndDateOfBirth(context.Background(), "Harriet", "Jones", dob(2014, 3, 9))
	require.NoError(t, err)
	assert.Empty(t, patients)

	stored, err := store.GetImport(context.Background(), imp.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImportStatusInReReview, stored.Status)
	assert.Equal(t, 1, stored.ReviewRecordsCount)
}
