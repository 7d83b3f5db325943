package domain

import "time"

// Step one strategy in the cascading registry search, tried in a fixed
// order with each step strictly more permissive than the last.
type Step string

const (
	StepNoFuzzyWithHistory        Step = "no_fuzzy_with_history"
	StepNoFuzzyWithoutHistory     Step = "no_fuzzy_without_history"
	StepNoFuzzyWildcardPostcode   Step = "no_fuzzy_with_wildcard_postcode"
	StepNoFuzzyWildcardGivenName  Step = "no_fuzzy_with_wildcard_given_name"
	StepNoFuzzyWildcardFamilyName Step = "no_fuzzy_with_wildcard_family_name"
	StepFuzzy                     Step = "fuzzy"
	StepGiveUp                    Step = "give_up"
)

// Outcome result of a single cascade step.
type Outcome string

const (
	OutcomeOneMatch       Outcome = "one_match"
	OutcomeNoMatches      Outcome = "no_matches"
	OutcomeTooManyMatches Outcome = "too_many_matches"
	OutcomeError          Outcome = "error"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeNoPostcode     Outcome = "no_postcode"
)

// SearchAttempt immutable record of one cascade step. Attempts are
// append-only; the full sequence is the sole input to the final
// accept/reject decision.
type SearchAttempt struct {
	Step      Step      `json:"step" db:"step"`
	Outcome   Outcome   `json:"outcome" db:"outcome"`
	NHSNumber string    `json:"nhs_number,omitempty" db:"nhs_number"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DistinctNHSNumbers collects the set of distinct non-empty NHS numbers
// across the full attempt sequence, in first-seen order.
func DistinctNHSNumbers(attempts []SearchAttempt) []string {
	seen := map[string]bool{}
	var numbers []string
	for _, a := range attempts {
		if a.NHSNumber == "" || seen[a.NHSNumber] {
			continue
		}
		seen[a.NHSNumber] = true
		numbers = append(numbers, a.NHSNumber)
	}
	return numbers
}
