package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"cohort-data/internal/domain"
	"cohort-data/internal/repository"

	"go.uber.org/zap"
)

// MatcherService classifies a resolved changeset against existing records.
// Classification is conservative: any ambiguity routes to manual review,
// never to a silent merge.
type MatcherService struct {
	store    repository.Store
	enqueuer Enqueuer
	logger   *zap.Logger
}

func NewMatcherService(store repository.Store, enqueuer Enqueuer, logger *zap.Logger) *MatcherService {
	return &MatcherService{store: store, enqueuer: enqueuer, logger: logger}
}

// ProcessChangeset classifies one changeset, marks it processed, and
// triggers the commit when it was the import's last pending row. Safe to
// deliver more than once: an already-processed changeset is a no-op.
func (s *MatcherService) ProcessChangeset(ctx context.Context, changesetID string) error {
	changeset, err := s.store.GetChangeset(ctx, changesetID)
	if err != nil {
		return fmt.Errorf("failed to load changeset: %w", err)
	}
	if changeset.Status == domain.ChangesetProcessed {
		return nil
	}

	imp, err := s.store.GetImport(ctx, changeset.ImportID)
	if err != nil {
		return fmt.Errorf("failed to load import: %w", err)
	}

	if err := s.Classify(ctx, changeset, imp); err != nil {
		return err
	}

	changeset.Status = domain.ChangesetProcessed
	if err := s.store.UpdateChangeset(ctx, changeset); err != nil {
		return fmt.Errorf("failed to mark changeset processed: %w", err)
	}

	s.logger.Info("changeset classified",
		zap.String("changeset_id", changeset.ID),
		zap.String("import_id", changeset.ImportID),
		zap.String("classification", string(changeset.Classification)),
	)

	// Completion is decided from durable state, never from job callbacks.
	// Several rows may observe zero at once; the commit engine's own
	// status check makes the duplicate triggers harmless.
	pending, err := s.store.CountPending(ctx, changeset.ImportID)
	if err != nil {
		return fmt.Errorf("failed to count pending changesets: %w", err)
	}
	if pending == 0 {
		return s.enqueuer.EnqueueCommitImport(ctx, changeset.ImportID)
	}
	return nil
}

// Classify fills the changeset's classification, matched patient and
// staged field diff. Precedence: NHS-number match, then name+date-of-birth
// match, then new.
func (s *MatcherService) Classify(ctx context.Context, changeset *domain.Changeset, imp *domain.Import) error {
	if nhsNumber := changeset.BestNHSNumber(); nhsNumber != "" {
		patient, err := s.store.FindByNHSNumber(ctx, nhsNumber)
		if err != nil {
			return fmt.Errorf("failed to look up patient by nhs number: %w", err)
		}
		if patient != nil {
			changeset.MatchedOnNHSNumber = true
			s.classifyMatch(changeset, imp, patient)
			return nil
		}
	}

	candidates, err := s.store.FindByNameAndDateOfBirth(ctx,
		changeset.Child.GivenName, changeset.Child.FamilyName, changeset.Child.DateOfBirth)
	if err != nil {
		return fmt.Errorf("failed to look up patients by name and date of birth: %w", err)
	}

	switch len(candidates) {
	case 0:
		changeset.Classification = domain.ClassificationNew
		return nil
	case 1:
		// fall through to the single-candidate checks below
	default:
		// Two existing children share the name and birth date. Guessing
		// which one the row means risks merging twins.
		changeset.Classification = domain.ClassificationNeedsReview
		return nil
	}

	candidate := candidates[0]

	claimed, err := s.store.ClaimedPatientIDs(ctx, changeset.ImportID)
	if err != nil {
		return fmt.Errorf("failed to list claimed patients: %w", err)
	}
	if claimed[candidate.ID] {
		// A sibling row of this import already matched the candidate, so
		// this row is very likely the candidate's twin.
		changeset.Classification = domain.ClassificationNeedsReview
		return nil
	}

	if differentPostcode(candidate.AddressPostcode, changeset.Child.AddressPostcode) {
		changeset.Classification = domain.ClassificationNeedsReview
		changeset.MatchedPatientID = candidate.ID
		return nil
	}

	s.classifyMatch(changeset, imp, candidate)
	return nil
}

// classifyMatch settles an unambiguous single-candidate match: cross-team
// when another team currently rosters the child, school-move when the
// upload relocates them, plain auto-match otherwise.
func (s *MatcherService) classifyMatch(changeset *domain.Changeset, imp *domain.Import, patient *domain.Patient) {
	changeset.MatchedPatientID = patient.ID
	changeset.StagedChanges = fieldUpdates(changeset.Child, patient)

	if patient.TeamID != "" && patient.TeamID != imp.TeamID {
		changeset.Classification = domain.ClassificationCrossTeam
		return
	}
	if relocates(changeset, patient) {
		changeset.Classification = domain.ClassificationSchoolMove
		return
	}
	changeset.Classification = domain.ClassificationAutoMatched
}

// relocates reports whether the upload places the child at a different
// education location than the record currently has.
func relocates(changeset *domain.Changeset, patient *domain.Patient) bool {
	if changeset.HomeEducated != patient.HomeEducated {
		return true
	}
	if changeset.SchoolID == "" {
		return false
	}
	return changeset.SchoolID != patient.SchoolID
}

// differentPostcode both sides known and disagreeing. A blank on either
// side is not evidence of a second child.
func differentPostcode(existing, uploaded string) bool {
	a := normalizePostcode(existing)
	b := normalizePostcode(uploaded)
	return a != "" && b != "" && a != b
}

func normalizePostcode(postcode string) string {
	return strings.ToUpper(strings.ReplaceAll(postcode, " ", ""))
}

// fieldUpdates diffs the uploaded fields against the existing record,
// keyed by column name. Blank uploads never erase existing data.
func fieldUpdates(child domain.ChildAttributes, patient *domain.Patient) map[string]string {
	updates := make(map[string]string)

	put := func(column, uploaded, existing string) {
		if uploaded != "" && uploaded != existing {
			updates[column] = uploaded
		}
	}

	put("given_name", child.GivenName, patient.GivenName)
	put("family_name", child.FamilyName, patient.FamilyName)
	put("preferred_given_name", child.PreferredGivenName, patient.PreferredGivenName)
	put("gender_code", child.GenderCode, patient.GenderCode)
	put("address_line_1", child.AddressLine1, patient.AddressLine1)
	put("address_line_2", child.AddressLine2, patient.AddressLine2)
	put("address_town", child.AddressTown, patient.AddressTown)
	put("address_postcode", child.AddressPostcode, patient.AddressPostcode)
	put("registration", child.Registration, patient.Registration)

	if child.RegistrationAcademicYear != 0 &&
		child.RegistrationAcademicYear != patient.RegistrationAcademicYear {
		updates["registration_academic_year"] = strconv.Itoa(child.RegistrationAcademicYear)
	}
	if !child.DateOfBirth.IsZero() && !patient.SameDateOfBirth(child.DateOfBirth) {
		updates["date_of_birth"] = child.DateOfBirth.Format("2006-01-02")
	}

	return updates
}
