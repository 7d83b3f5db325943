package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cohort-data/internal/domain"
	"cohort-data/internal/repository"

	"go.uber.org/zap"
)

// CommitService applies an import's processed changesets to the durable
// records in one transaction. Repeat invocations on a committed import are
// no-ops, which is what makes the durable-count trigger safe.
type CommitService struct {
	store    repository.Store
	enqueuer Enqueuer
	merger   *MergeService
	logger   *zap.Logger
}

func NewCommitService(store repository.Store, enqueuer Enqueuer, merger *MergeService, logger *zap.Logger) *CommitService {
	return &CommitService{store: store, enqueuer: enqueuer, merger: merger, logger: logger}
}

// commitState accumulates per-batch bookkeeping while the transaction runs.
type commitState struct {
	tx       repository.Store
	imp      *domain.Import
	counts   repository.ImportCounts
	sessions map[string]*domain.Session

	// claimedNHS dedupes two new rows of the same batch resolving to the
	// same NHS number.
	claimedNHS map[string]string
	// touched patient ids written by this batch, used by the
	// roster-replacement pass.
	touched map[string]bool
	// nhsChanged patients whose NHS number was assigned or replaced;
	// vaccination-history searches are enqueued after the transaction
	// commits.
	nhsChanged []string
}

// Commit runs the whole per-classification write batch. The import row is
// locked for the duration so concurrent triggers serialize, and the status
// check under that lock guarantees at-most-once application.
func (s *CommitService) Commit(ctx context.Context, importID string) error {
	var nhsChanged []string

	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		imp, err := tx.GetImportForUpdate(ctx, importID)
		if err != nil {
			return fmt.Errorf("failed to lock import: %w", err)
		}
		if imp.Committed() {
			s.logger.Info("import already committed, skipping",
				zap.String("import_id", importID))
			return nil
		}

		changesets, err := tx.ListByImport(ctx, importID)
		if err != nil {
			return fmt.Errorf("failed to list changesets: %w", err)
		}

		state := &commitState{
			tx:         tx,
			imp:        imp,
			sessions:   make(map[string]*domain.Session),
			claimedNHS: make(map[string]string),
			touched:    make(map[string]bool),
		}

		for _, changeset := range changesets {
			if err := s.commitChangeset(ctx, state, changeset); err != nil {
				return fmt.Errorf("failed to commit row %d: %w", changeset.RowNumber, err)
			}
		}

		if imp.Type == domain.ImportTypeClass {
			if err := s.proposeRemovals(ctx, state); err != nil {
				return err
			}
		}

		status := domain.ImportStatusRecorded
		if state.counts.ReviewRecords > 0 {
			status = domain.ImportStatusInReReview
		}
		if err := tx.RecordImport(ctx, importID, status, state.counts, time.Now()); err != nil {
			return fmt.Errorf("failed to record import: %w", err)
		}

		nhsChanged = state.nhsChanged

		s.logger.Info("import committed",
			zap.String("import_id", importID),
			zap.String("status", string(status)),
			zap.Int("new", state.counts.NewRecords),
			zap.Int("changed", state.counts.ChangedRecords),
			zap.Int("duplicate", state.counts.DuplicateRecords),
			zap.Int("review", state.counts.ReviewRecords),
		)
		return nil
	})
	if err != nil {
		return err
	}

	for _, patientID := range nhsChanged {
		if err := s.enqueuer.EnqueueVaccinationSearch(ctx, patientID); err != nil {
			return fmt.Errorf("failed to enqueue vaccination search: %w", err)
		}
	}
	return nil
}

func (s *CommitService) commitChangeset(ctx context.Context, state *commitState, changeset *domain.Changeset) error {
	switch changeset.Classification {
	case domain.ClassificationNew:
		return s.commitNew(ctx, state, changeset)
	case domain.ClassificationAutoMatched:
		return s.commitMatched(ctx, state, changeset, false)
	case domain.ClassificationSchoolMove:
		return s.commitMatched(ctx, state, changeset, true)
	case domain.ClassificationCrossTeam:
		return s.commitCrossTeam(ctx, state, changeset)
	case domain.ClassificationNeedsReview:
		state.counts.ReviewRecords++
		return nil
	default:
		return fmt.Errorf("unclassified changeset: %s", changeset.ID)
	}
}

// commitNew creates the record, unless an earlier row of the same batch or
// a concurrent import already created one under the same NHS number.
func (s *CommitService) commitNew(ctx context.Context, state *commitState, changeset *domain.Changeset) error {
	nhsNumber := changeset.BestNHSNumber()

	if nhsNumber != "" {
		if patientID, ok := state.claimedNHS[nhsNumber]; ok {
			state.counts.DuplicateRecords++
			state.touched[patientID] = true
			return s.applyDose(ctx, state, changeset, patientID)
		}
		existing, err := state.tx.FindByNHSNumber(ctx, nhsNumber)
		if err != nil {
			return err
		}
		if existing != nil {
			// The record appeared between matching and committing; treat
			// the row as a match instead of creating a duplicate.
			changeset.MatchedPatientID = existing.ID
			changeset.StagedChanges = fieldUpdates(changeset.Child, existing)
			return s.commitMatched(ctx, state, changeset, false)
		}
	}

	patient := &domain.Patient{
		NHSNumber:                nhsNumber,
		GivenName:                changeset.Child.GivenName,
		FamilyName:               changeset.Child.FamilyName,
		PreferredGivenName:       changeset.Child.PreferredGivenName,
		DateOfBirth:              changeset.Child.DateOfBirth,
		GenderCode:               changeset.Child.GenderCode,
		AddressLine1:             changeset.Child.AddressLine1,
		AddressLine2:             changeset.Child.AddressLine2,
		AddressTown:              changeset.Child.AddressTown,
		AddressPostcode:          changeset.Child.AddressPostcode,
		SchoolID:                 changeset.SchoolID,
		HomeEducated:             changeset.HomeEducated,
		Registration:             changeset.Child.Registration,
		RegistrationAcademicYear: changeset.Child.RegistrationAcademicYear,
		TeamID:                   state.imp.TeamID,
	}
	patientID, err := state.tx.CreatePatient(ctx, patient)
	if err != nil {
		return err
	}
	state.counts.NewRecords++
	state.touched[patientID] = true
	if nhsNumber != "" {
		state.claimedNHS[nhsNumber] = patientID
		// A brand-new record with a number also needs its national
		// vaccination history pulled.
		state.nhsChanged = append(state.nhsChanged, patientID)
	}

	if err := s.applyGuardians(ctx, state, changeset, patientID); err != nil {
		return err
	}
	if err := s.enrol(ctx, state, changeset, patientID); err != nil {
		return err
	}
	return s.applyDose(ctx, state, changeset, patientID)
}

// commitMatched applies the staged field diff directly to the matched
// record. When withMove is set the row also relocates the child, which
// needs a school-move proposal rather than a silent reassignment.
func (s *CommitService) commitMatched(ctx context.Context, state *commitState, changeset *domain.Changeset, withMove bool) error {
	patient, err := state.tx.GetPatient(ctx, changeset.MatchedPatientID)
	if err != nil {
		return err
	}

	nhsNumber := changeset.BestNHSNumber()
	if nhsNumber != "" && nhsNumber != patient.NHSNumber {
		owner, err := state.tx.FindByNHSNumber(ctx, nhsNumber)
		if err != nil {
			return err
		}
		if owner != nil && owner.ID != patient.ID {
			// Two local records turned out to be the same child. The
			// number-bearing record is canonical; the matched one merges
			// into it and the row continues against the survivor.
			if err := s.merger.Merge(ctx, patient.ID, owner.ID); err != nil {
				return err
			}
			patient = owner
			changeset.MatchedPatientID = owner.ID
		}
	}

	changed := applyUpdates(patient, changeset.StagedChanges)
	if nhsNumber != "" && patient.NHSNumber != nhsNumber {
		patient.NHSNumber = nhsNumber
		state.nhsChanged = append(state.nhsChanged, patient.ID)
		changed = true
	}
	if patient.TeamID == "" {
		patient.TeamID = state.imp.TeamID
		changed = true
	}

	if withMove {
		confirmed, err := s.proposeMove(ctx, state, changeset, patient)
		if err != nil {
			return err
		}
		changed = changed || confirmed
	}

	if changed {
		if err := state.tx.UpdatePatient(ctx, patient); err != nil {
			return err
		}
		state.counts.ChangedRecords++
	} else {
		state.counts.DuplicateRecords++
	}
	state.touched[patient.ID] = true
	if nhsNumber != "" {
		state.claimedNHS[nhsNumber] = patient.ID
	}

	if err := s.applyGuardians(ctx, state, changeset, patient.ID); err != nil {
		return err
	}
	if err := s.enrol(ctx, state, changeset, patient.ID); err != nil {
		return err
	}
	return s.applyDose(ctx, state, changeset, patient.ID)
}

// commitCrossTeam never overwrites another team's record: the field diff
// is staged on the patient for that team's review, and the relocation is a
// pending proposal.
func (s *CommitService) commitCrossTeam(ctx context.Context, state *commitState, changeset *domain.Changeset) error {
	patient, err := state.tx.GetPatient(ctx, changeset.MatchedPatientID)
	if err != nil {
		return err
	}

	if len(changeset.StagedChanges) > 0 {
		if patient.PendingChanges == nil {
			patient.PendingChanges = make(map[string]string)
		}
		for column, value := range changeset.StagedChanges {
			patient.PendingChanges[column] = value
		}
		if err := state.tx.UpdatePatient(ctx, patient); err != nil {
			return err
		}
	}

	move := &domain.SchoolMove{
		PatientID:    patient.ID,
		TeamID:       state.imp.TeamID,
		SchoolID:     changeset.SchoolID,
		HomeEducated: changeset.HomeEducated,
		AcademicYear: state.imp.AcademicYear,
		Source:       moveSource(state.imp.Type),
		Status:       domain.SchoolMovePending,
	}
	if _, err := state.tx.UpsertMove(ctx, move); err != nil {
		return err
	}

	state.counts.ReviewRecords++
	state.touched[patient.ID] = true
	return nil
}

// proposeMove records the relocation. Moves are auto-confirmed when nobody
// would dispute them: the child has no current school or no current team.
// Returns whether the move was applied to the record immediately.
func (s *CommitService) proposeMove(ctx context.Context, state *commitState, changeset *domain.Changeset, patient *domain.Patient) (bool, error) {
	move := &domain.SchoolMove{
		PatientID:    patient.ID,
		TeamID:       state.imp.TeamID,
		SchoolID:     changeset.SchoolID,
		HomeEducated: changeset.HomeEducated,
		AcademicYear: state.imp.AcademicYear,
		Source:       moveSource(state.imp.Type),
		Status:       domain.SchoolMovePending,
	}
	moveID, err := state.tx.UpsertMove(ctx, move)
	if err != nil {
		return false, err
	}

	unplaced := patient.SchoolID == "" && !patient.HomeEducated
	if unplaced || patient.TeamID == "" {
		if err := state.tx.ConfirmMove(ctx, moveID); err != nil {
			return false, err
		}
		patient.SchoolID = changeset.SchoolID
		patient.HomeEducated = changeset.HomeEducated
		patient.TeamID = state.imp.TeamID
		return true, nil
	}
	return false, nil
}

// proposeRemovals handles full-roster-replacement semantics: children
// rostered at the school but absent from the upload get a proposed move to
// school-unknown, never a deletion.
func (s *CommitService) proposeRemovals(ctx context.Context, state *commitState) error {
	roster, err := state.tx.ListBySchoolAndTeam(ctx, state.imp.SchoolID, state.imp.TeamID)
	if err != nil {
		return fmt.Errorf("failed to list school roster: %w", err)
	}
	for _, patient := range roster {
		if state.touched[patient.ID] {
			continue
		}
		move := &domain.SchoolMove{
			PatientID:    patient.ID,
			TeamID:       state.imp.TeamID,
			SchoolID:     "",
			HomeEducated: false,
			AcademicYear: state.imp.AcademicYear,
			Source:       domain.SchoolMoveSourceClassImport,
			Status:       domain.SchoolMovePending,
		}
		if _, err := state.tx.UpsertMove(ctx, move); err != nil {
			return err
		}
	}
	return nil
}

// applyGuardians upserts the row's guardians and their links to the child.
func (s *CommitService) applyGuardians(ctx context.Context, state *commitState, changeset *domain.Changeset, patientID string) error {
	for _, attrs := range []*domain.ParentAttributes{changeset.Parent1, changeset.Parent2} {
		if attrs.Empty() {
			continue
		}
		parent, err := state.tx.FindMatchingParent(ctx, patientID, attrs.Email, attrs.Phone, attrs.FullName)
		if err != nil {
			return err
		}
		if parent == nil {
			parent = &domain.Parent{
				FullName: attrs.FullName,
				Email:    attrs.Email,
				Phone:    attrs.Phone,
			}
			if _, err := state.tx.CreateParent(ctx, parent); err != nil {
				return err
			}
		} else if fillParent(parent, attrs) {
			if err := state.tx.UpdateParent(ctx, parent); err != nil {
				return err
			}
		}

		relType, otherName := domain.NormalizeRelationship(attrs.Relationship)
		rel := &domain.ParentRelationship{
			ParentID:  parent.ID,
			PatientID: patientID,
			Type:      relType,
			OtherName: otherName,
		}
		if err := state.tx.UpsertRelationship(ctx, rel); err != nil {
			return err
		}
	}
	return nil
}

// fillParent fills blanks on an existing guardian from the upload without
// overwriting known contact details. Returns whether anything changed.
func fillParent(parent *domain.Parent, attrs *domain.ParentAttributes) bool {
	changed := false
	if parent.FullName == "" && attrs.FullName != "" {
		parent.FullName = attrs.FullName
		changed = true
	}
	if parent.Email == "" && attrs.Email != "" {
		parent.Email = attrs.Email
		changed = true
	}
	if parent.Phone == "" && attrs.Phone != "" {
		parent.Phone = attrs.Phone
		changed = true
	}
	return changed
}

// enrol adds the child to the import's session roster for the row's
// school. Enrolment is idempotent, so a child already in a prior year's
// session joins the current one without duplicate rows.
func (s *CommitService) enrol(ctx context.Context, state *commitState, changeset *domain.Changeset, patientID string) error {
	schoolID := changeset.SchoolID
	if schoolID == "" {
		schoolID = state.imp.SchoolID
	}
	if schoolID == "" && !changeset.HomeEducated {
		return nil
	}

	session, ok := state.sessions[schoolID]
	if !ok {
		var err error
		session, err = state.tx.FindOrCreateSession(ctx, state.imp.TeamID, schoolID, state.imp.AcademicYear)
		if err != nil {
			return err
		}
		state.sessions[schoolID] = session
	}
	return state.tx.EnsureMembership(ctx, session.ID, patientID)
}

// applyDose records the historical dose carried by immunisation rows.
func (s *CommitService) applyDose(ctx context.Context, state *commitState, changeset *domain.Changeset, patientID string) error {
	if changeset.Dose == nil {
		return nil
	}
	record := &domain.VaccinationRecord{
		PatientID:    patientID,
		Vaccine:      changeset.Dose.Vaccine,
		DoseSequence: changeset.Dose.DoseSequence,
		PerformedAt:  changeset.Dose.PerformedAt,
		Source:       "import",
	}
	return state.tx.EnsureVaccinationRecord(ctx, record)
}

func moveSource(importType domain.ImportType) domain.SchoolMoveSource {
	if importType == domain.ImportTypeClass {
		return domain.SchoolMoveSourceClassImport
	}
	return domain.SchoolMoveSourceCohortImport
}

// applyUpdates writes a staged field diff onto the record. Returns whether
// anything changed.
func applyUpdates(patient *domain.Patient, updates map[string]string) bool {
	changed := false
	set := func(dst *string, value string) {
		if *dst != value {
			*dst = value
			changed = true
		}
	}

	for column, value := range updates {
		switch column {
		case "given_name":
			set(&patient.GivenName, value)
		case "family_name":
			set(&patient.FamilyName, value)
		case "preferred_given_name":
			set(&patient.PreferredGivenName, value)
		case "gender_code":
			set(&patient.GenderCode, value)
		case "address_line_1":
			set(&patient.AddressLine1, value)
		case "address_line_2":
			set(&patient.AddressLine2, value)
		case "address_town":
			set(&patient.AddressTown, value)
		case "address_postcode":
			set(&patient.AddressPostcode, value)
		case "registration":
			set(&patient.Registration, value)
		case "registration_academic_year":
			if year, err := strconv.Atoi(value); err == nil && patient.RegistrationAcademicYear != year {
				patient.RegistrationAcademicYear = year
				changed = true
			}
		case "date_of_birth":
			if dob, err := time.Parse("2006-01-02", value); err == nil && !patient.SameDateOfBirth(dob) {
				patient.DateOfBirth = dob
				changed = true
			}
		}
	}
	return changed
}
