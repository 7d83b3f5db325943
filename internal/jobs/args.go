package jobs

import (
	"encoding/json"
	"time"

	"cohort-data/internal/domain"
)

// JobType discriminates envelope payloads.
type JobType string

const (
	JobCascadeSearch     JobType = "cascade_search"
	JobProcessChangeset  JobType = "process_changeset"
	JobCommitImport      JobType = "commit_import"
	JobVaccinationSearch JobType = "vaccination_search"
	JobStartImport       JobType = "start_import"
	JobSweep             JobType = "sweep"
)

// Envelope is the wire form of one queued job. Args stay raw until the
// dispatcher knows the type.
type Envelope struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Args      json.RawMessage `json:"args"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// CascadeSearchArgs one cascade step for one subject. Attempts carries the
// accumulated sequence so a step job is self-contained.
type CascadeSearchArgs struct {
	SubjectKind string                 `json:"subject_kind"`
	SubjectID   string                 `json:"subject_id"`
	Step        domain.Step            `json:"step"`
	Attempts    []domain.SearchAttempt `json:"attempts,omitempty"`
}

type ProcessChangesetArgs struct {
	ChangesetID string `json:"changeset_id"`
}

type CommitImportArgs struct {
	ImportID string `json:"import_id"`
}

type VaccinationSearchArgs struct {
	PatientID string `json:"patient_id"`
}

type StartImportArgs struct {
	ImportID string `json:"import_id"`
}

type SweepArgs struct{}
