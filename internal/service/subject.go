package service

import (
	"context"
	"time"

	"cohort-data/internal/domain"
)

// SubjectKind which kind of record the cascade is identifying.
type SubjectKind string

const (
	// SubjectChangeset an import row awaiting an NHS number.
	SubjectChangeset SubjectKind = "changeset"
	// SubjectPatient an existing record swept for a missing NHS number.
	SubjectPatient SubjectKind = "patient"
)

// SubjectRef serializable reference to a cascade subject. Jobs carry
// references, never live objects, since they may execute in another
// process.
type SubjectRef struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

// subjectFields the single capability a cascade subject exposes: the
// demographic fields a registry query is built from. Both subject kinds
// load into this one shape so the engine has a single code path.
type subjectFields struct {
	GivenName   string
	FamilyName  string
	DateOfBirth time.Time
	Postcode    string
}

// Enqueuer is the boundary to the job-queue runtime, which supplies
// at-least-once delivery and retry with backoff.
type Enqueuer interface {
	EnqueueCascadeStep(ctx context.Context, ref SubjectRef, step domain.Step, attempts []domain.SearchAttempt) error
	EnqueueProcessChangeset(ctx context.Context, changesetID string) error
	EnqueueCommitImport(ctx context.Context, importID string) error
	EnqueueVaccinationSearch(ctx context.Context, patientID string) error
}
