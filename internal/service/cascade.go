package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cohort-data/internal/domain"
	"cohort-data/internal/registry"
	"cohort-data/internal/report"
	"cohort-data/internal/repository"

	"go.uber.org/zap"
)

// minWildcardNameLength name fragments shorter than this are never
// wildcarded: truncating too-short fragments produces combinatorial false
// positives and wasteful registry calls.
const minWildcardNameLength = 4

// FirstStep where every cascade starts.
const FirstStep = domain.StepNoFuzzyWithHistory

// Resolution the final decision over a subject's full attempt sequence.
type Resolution struct {
	// NHSNumber non-empty only when exactly one distinct number was seen.
	NHSNumber string
	// Conflicting two or more distinct numbers were seen; never guess.
	Conflicting bool
}

// Resolved reports whether a single identifier was accepted.
func (r Resolution) Resolved() bool {
	return r.NHSNumber != ""
}

// Decide applies the cross-attempt decision rule: the set of distinct
// non-empty NHS numbers across all recorded attempts determines the
// outcome, regardless of attempt order or count.
func Decide(attempts []domain.SearchAttempt) Resolution {
	numbers := domain.DistinctNHSNumbers(attempts)
	switch len(numbers) {
	case 0:
		return Resolution{}
	case 1:
		return Resolution{NHSNumber: numbers[0]}
	default:
		return Resolution{Conflicting: true}
	}
}

// StepResult one cascade transition: the attempts appended so far plus
// either the next step or termination. The continuation is identical
// whether the caller loops in-process or re-enqueues a job.
type StepResult struct {
	Attempts []domain.SearchAttempt
	Next     domain.Step
	Done     bool
}

// CascadeService drives the ordered sequence of registry query strategies
// for one subject.
type CascadeService struct {
	store    repository.Store
	client   registry.Client
	enqueuer Enqueuer
	reporter report.Reporter
	merger   *MergeService
	logger   *zap.Logger
}

func NewCascadeService(store repository.Store, client registry.Client, enqueuer Enqueuer, reporter report.Reporter, merger *MergeService, logger *zap.Logger) *CascadeService {
	return &CascadeService{
		store:    store,
		client:   client,
		enqueuer: enqueuer,
		reporter: reporter,
		merger:   merger,
		logger:   logger,
	}
}

// RunStep executes one cascade step for the subject, appends its attempt
// and decides the continuation. The only error it returns is a retryable
// one (registry rate limit); every other failure is absorbed into the
// attempt sequence.
func (s *CascadeService) RunStep(ctx context.Context, ref SubjectRef, attempts []domain.SearchAttempt, step domain.Step) (StepResult, error) {
	if step == domain.StepGiveUp {
		return StepResult{Attempts: attempts, Done: true}, nil
	}

	fields, err := s.loadSubject(ctx, ref)
	if err != nil {
		return StepResult{}, fmt.Errorf("failed to load cascade subject: %w", err)
	}

	// A subject without a postcode never issues a registry call.
	if fields.Postcode == "" {
		result, err := s.append(ctx, ref, attempts, domain.SearchAttempt{
			Step:      step,
			Outcome:   domain.OutcomeNoPostcode,
			CreatedAt: time.Now(),
		})
		if err != nil {
			return StepResult{}, err
		}
		return StepResult{Attempts: result, Done: true}, nil
	}

	if skipStep(step, fields) {
		result, err := s.append(ctx, ref, attempts, domain.SearchAttempt{
			Step:      step,
			Outcome:   domain.OutcomeSkipped,
			CreatedAt: time.Now(),
		})
		if err != nil {
			return StepResult{}, err
		}
		return s.advance(result, step, domain.OutcomeSkipped), nil
	}

	outcome, person, err := s.search(ctx, fields, step)
	if err != nil {
		// Rate limiting is the one failure mode that must bubble to the
		// job-retry layer. No attempt is recorded for it.
		if errors.Is(err, registry.ErrRateLimited) {
			return StepResult{}, err
		}
		return StepResult{}, err
	}

	attempt := domain.SearchAttempt{
		Step:      step,
		Outcome:   outcome,
		CreatedAt: time.Now(),
	}
	if person != nil {
		attempt.NHSNumber = person.NHSNumber
	}

	result, err := s.append(ctx, ref, attempts, attempt)
	if err != nil {
		return StepResult{}, err
	}

	s.logger.Info("cascade step completed",
		zap.String("subject_kind", string(ref.Kind)),
		zap.String("subject_id", ref.ID),
		zap.String("step", string(step)),
		zap.String("outcome", string(outcome)),
	)

	if outcome == domain.OutcomeError {
		return StepResult{Attempts: result, Done: true}, nil
	}

	// Once attempts disagree there is nothing left to learn; the decision
	// rule will route the subject to review.
	if len(domain.DistinctNHSNumbers(result)) > 1 {
		return StepResult{Attempts: result, Done: true}, nil
	}

	return s.advance(result, step, outcome), nil
}

// search issues the registry query for one step and maps the response to
// an outcome.
func (s *CascadeService) search(ctx context.Context, fields subjectFields, step domain.Step) (domain.Outcome, *registry.Person, error) {
	query := registry.Query{
		GivenName:   fields.GivenName,
		FamilyName:  fields.FamilyName,
		DateOfBirth: fields.DateOfBirth,
		Postcode:    fields.Postcode,
		History:     true,
	}

	switch step {
	case domain.StepNoFuzzyWithHistory:
	case domain.StepNoFuzzyWithoutHistory:
		query.History = false
	case domain.StepNoFuzzyWildcardPostcode:
		// Keep the outward district prefix; wildcard the rest.
		query.Postcode = wildcard(fields.Postcode, 2)
	case domain.StepNoFuzzyWildcardGivenName:
		query.GivenName = wildcard(fields.GivenName, 3)
	case domain.StepNoFuzzyWildcardFamilyName:
		query.FamilyName = wildcard(fields.FamilyName, 3)
	case domain.StepFuzzy:
		query.Fuzzy = true
	default:
		return "", nil, fmt.Errorf("unknown cascade step: %s", step)
	}

	person, err := s.client.Search(ctx, query)
	switch {
	case err == nil:
		if person == nil {
			return domain.OutcomeNoMatches, nil, nil
		}
		return domain.OutcomeOneMatch, person, nil
	case errors.Is(err, registry.ErrTooManyMatches):
		return domain.OutcomeTooManyMatches, nil, nil
	case errors.Is(err, registry.ErrRateLimited):
		return "", nil, err
	default:
		// Transient server failure: report it and absorb it as an
		// inconclusive run. A future sweep retries from the first step.
		s.reporter.Report(err, map[string]string{
			"step": string(step),
		})
		return domain.OutcomeError, nil, nil
	}
}

// append persists the attempt (changeset subjects keep the sequence
// durable) and returns the grown sequence.
func (s *CascadeService) append(ctx context.Context, ref SubjectRef, attempts []domain.SearchAttempt, attempt domain.SearchAttempt) ([]domain.SearchAttempt, error) {
	if ref.Kind == SubjectChangeset {
		if err := s.store.AppendSearchAttempts(ctx, ref.ID, []domain.SearchAttempt{attempt}); err != nil {
			return nil, err
		}
	}
	return append(attempts, attempt), nil
}

// advance computes the continuation from the fixed step order.
func (s *CascadeService) advance(attempts []domain.SearchAttempt, step domain.Step, outcome domain.Outcome) StepResult {
	next := nextStep(step, outcome)
	if next == "" || next == domain.StepGiveUp {
		return StepResult{Attempts: attempts, Done: true}
	}
	return StepResult{Attempts: attempts, Next: next}
}

// nextStep the fixed transition table. One match terminates the exact
// steps; the wildcard steps always advance, accumulating identifiers for
// the final cross-attempt decision. Too many matches at the first step
// signals the history flag caused the ambiguity, so it retries without
// historical names before widening.
func nextStep(step domain.Step, outcome domain.Outcome) domain.Step {
	switch step {
	case domain.StepNoFuzzyWithHistory:
		switch outcome {
		case domain.OutcomeOneMatch:
			return ""
		case domain.OutcomeTooManyMatches:
			return domain.StepNoFuzzyWithoutHistory
		default:
			return domain.StepNoFuzzyWildcardPostcode
		}
	case domain.StepNoFuzzyWithoutHistory:
		if outcome == domain.OutcomeOneMatch {
			return ""
		}
		return domain.StepNoFuzzyWildcardPostcode
	case domain.StepNoFuzzyWildcardPostcode:
		return domain.StepNoFuzzyWildcardGivenName
	case domain.StepNoFuzzyWildcardGivenName:
		return domain.StepNoFuzzyWildcardFamilyName
	case domain.StepNoFuzzyWildcardFamilyName:
		return domain.StepFuzzy
	case domain.StepFuzzy:
		return ""
	default:
		return ""
	}
}

// wildcard keeps the first n characters of the value and wildcards the
// rest. Counts runes, not bytes, so multibyte names are never split
// mid-character; a value of n characters or fewer is wildcarded whole.
func wildcard(value string, n int) string {
	runes := []rune(value)
	if len(runes) > n {
		runes = runes[:n]
	}
	return string(runes) + "*"
}

// skipStep wildcard name steps are skipped for fragments too short to
// wildcard safely.
func skipStep(step domain.Step, fields subjectFields) bool {
	switch step {
	case domain.StepNoFuzzyWildcardGivenName:
		return len([]rune(fields.GivenName)) < minWildcardNameLength
	case domain.StepNoFuzzyWildcardFamilyName:
		return len([]rune(fields.FamilyName)) < minWildcardNameLength
	default:
		return false
	}
}

func (s *CascadeService) loadSubject(ctx context.Context, ref SubjectRef) (subjectFields, error) {
	switch ref.Kind {
	case SubjectChangeset:
		changeset, err := s.store.GetChangeset(ctx, ref.ID)
		if err != nil {
			return subjectFields{}, err
		}
		return subjectFields{
			GivenName:   changeset.Child.GivenName,
			FamilyName:  changeset.Child.FamilyName,
			DateOfBirth: changeset.Child.DateOfBirth,
			Postcode:    changeset.Child.AddressPostcode,
		}, nil
	case SubjectPatient:
		patient, err := s.store.GetPatient(ctx, ref.ID)
		if err != nil {
			return subjectFields{}, err
		}
		return subjectFields{
			GivenName:   patient.GivenName,
			FamilyName:  patient.FamilyName,
			DateOfBirth: patient.DateOfBirth,
			Postcode:    patient.AddressPostcode,
		}, nil
	default:
		return subjectFields{}, fmt.Errorf("unknown subject kind: %s", ref.Kind)
	}
}

// ResolveSync runs the whole cascade in-process: the low-volume mode.
// The decision rule and step semantics are shared with the per-step job
// mode via RunStep.
func (s *CascadeService) ResolveSync(ctx context.Context, ref SubjectRef) error {
	attempts, step := []domain.SearchAttempt(nil), FirstStep
	for {
		result, err := s.RunStep(ctx, ref, attempts, step)
		if err != nil {
			return err
		}
		if result.Done {
			return s.Finish(ctx, ref, result.Attempts)
		}
		attempts, step = result.Attempts, result.Next
	}
}

// ContinueStep runs one step as an independent job and either re-enqueues
// the continuation or hands off: the high-volume mode.
func (s *CascadeService) ContinueStep(ctx context.Context, ref SubjectRef, attempts []domain.SearchAttempt, step domain.Step) error {
	result, err := s.RunStep(ctx, ref, attempts, step)
	if err != nil {
		return err
	}
	if result.Done {
		return s.Finish(ctx, ref, result.Attempts)
	}
	return s.enqueuer.EnqueueCascadeStep(ctx, ref, result.Next, result.Attempts)
}

// Finish applies the cross-attempt decision and hands the subject to the
// next stage.
func (s *CascadeService) Finish(ctx context.Context, ref SubjectRef, attempts []domain.SearchAttempt) error {
	resolution := Decide(attempts)

	switch ref.Kind {
	case SubjectChangeset:
		if resolution.Resolved() {
			changeset, err := s.store.GetChangeset(ctx, ref.ID)
			if err != nil {
				return err
			}
			changeset.ResolvedNHSNumber = resolution.NHSNumber
			if err := s.store.UpdateChangeset(ctx, changeset); err != nil {
				return err
			}
		}
		return s.enqueuer.EnqueueProcessChangeset(ctx, ref.ID)

	case SubjectPatient:
		if !resolution.Resolved() {
			if resolution.Conflicting {
				s.logger.Warn("sweep found conflicting identifiers",
					zap.String("patient_id", ref.ID))
			}
			return nil
		}
		return s.applyToPatient(ctx, ref.ID, resolution.NHSNumber)

	default:
		return fmt.Errorf("unknown subject kind: %s", ref.Kind)
	}
}

// applyToPatient assigns a freshly-resolved NHS number to a swept patient.
// If the number already belongs to another record, the swept patient is a
// duplicate of it and is merged away.
func (s *CascadeService) applyToPatient(ctx context.Context, patientID, nhsNumber string) error {
	canonical, err := s.store.FindByNHSNumber(ctx, nhsNumber)
	if err != nil {
		return err
	}
	if canonical != nil && canonical.ID != patientID {
		s.logger.Info("resolved identifier belongs to an existing record, merging",
			zap.String("duplicate_id", patientID),
			zap.String("canonical_id", canonical.ID),
		)
		return s.merger.Merge(ctx, patientID, canonical.ID)
	}

	patient, err := s.store.GetPatient(ctx, patientID)
	if err != nil {
		return err
	}
	if patient.NHSNumber == nhsNumber {
		return nil
	}
	patient.NHSNumber = nhsNumber
	if err := s.store.UpdatePatient(ctx, patient); err != nil {
		return err
	}
	return s.enqueuer.EnqueueVaccinationSearch(ctx, patientID)
}
