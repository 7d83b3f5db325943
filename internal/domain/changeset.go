package domain

import "time"

// ChangesetStatus lifecycle of a changeset.
type ChangesetStatus string

const (
	ChangesetPending   ChangesetStatus = "pending"
	ChangesetProcessed ChangesetStatus = "processed"
)

// Classification result of matching a changeset against existing records.
type Classification string

const (
	// ClassificationNew no existing local record matches the row.
	ClassificationNew Classification = "new"
	// ClassificationAutoMatched exactly one unambiguous existing record.
	ClassificationAutoMatched Classification = "auto_matched"
	// ClassificationNeedsReview ambiguous match ("twin"); nothing is
	// auto-applied.
	ClassificationNeedsReview Classification = "needs_review"
	// ClassificationSchoolMove matched record needs a confirmed relocation.
	ClassificationSchoolMove Classification = "school_move"
	// ClassificationCrossTeam matched record belongs to another team's
	// current roster.
	ClassificationCrossTeam Classification = "cross_team"
)

// ChildAttributes uploaded identity fields for one import row.
type ChildAttributes struct {
	NHSNumber                string    `json:"nhs_number,omitempty"`
	GivenName                string    `json:"given_name"`
	FamilyName               string    `json:"family_name"`
	PreferredGivenName       string    `json:"preferred_given_name,omitempty"`
	DateOfBirth              time.Time `json:"date_of_birth"`
	GenderCode               string    `json:"gender_code,omitempty"`
	AddressLine1             string    `json:"address_line_1,omitempty"`
	AddressLine2             string    `json:"address_line_2,omitempty"`
	AddressTown              string    `json:"address_town,omitempty"`
	AddressPostcode          string    `json:"address_postcode,omitempty"`
	Registration             string    `json:"registration,omitempty"`
	RegistrationAcademicYear int       `json:"registration_academic_year,omitempty"`
}

// ParentAttributes uploaded guardian fields for one import row.
type ParentAttributes struct {
	FullName     string `json:"full_name,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

// Empty reports whether no guardian fields were uploaded.
func (p *ParentAttributes) Empty() bool {
	return p == nil || (p.FullName == "" && p.Email == "" && p.Phone == "")
}

// DoseAttributes uploaded historical vaccination fields (immunisation
// imports only).
type DoseAttributes struct {
	Vaccine      string    `json:"vaccine"`
	DoseSequence int       `json:"dose_sequence"`
	PerformedAt  time.Time `json:"performed_at"`
}

// Changeset is the per-row unit of import reconciliation state
// (corresponds to the changesets table). It is created when an import's
// rows are parsed, mutated by the cascading search engine and the matcher,
// consumed exactly once by the commit engine, and never deleted.
type Changeset struct {
	ID        string `db:"changeset_id"` // UUID, PRIMARY KEY
	ImportID  string `db:"import_id"`    // UUID, NOT NULL
	RowNumber int    `db:"row_number"`   // INTEGER, NOT NULL

	Status         ChangesetStatus `db:"status"`         // VARCHAR(20), NOT NULL, DEFAULT 'pending'
	Classification Classification  `db:"classification"` // VARCHAR(20), nullable until matched

	// Uploaded field values (JSONB).
	Child   ChildAttributes   `db:"child"`
	Parent1 *ParentAttributes `db:"parent_1"`
	Parent2 *ParentAttributes `db:"parent_2"`
	Dose    *DoseAttributes   `db:"dose"`

	SchoolID     string `db:"school_id"`     // UUID, nullable
	AcademicYear int    `db:"academic_year"` // INTEGER, NOT NULL
	HomeEducated bool   `db:"home_educated"` // BOOLEAN, NOT NULL, DEFAULT FALSE

	// Registry resolution. SearchAttempts is append-only (JSONB).
	SearchAttempts     []SearchAttempt `db:"search_attempts"`
	UploadedNHSNumber  string          `db:"uploaded_nhs_number"` // VARCHAR(10), nullable
	ResolvedNHSNumber  string          `db:"resolved_nhs_number"` // VARCHAR(10), nullable
	MatchedOnNHSNumber bool            `db:"matched_on_nhs_number"`

	// Local matching result.
	MatchedPatientID string `db:"matched_patient_id"` // UUID, nullable

	// Field updates the matcher staged for review rather than auto-applying.
	StagedChanges map[string]string `db:"staged_changes"` // JSONB, NOT NULL, DEFAULT '{}'

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// BestNHSNumber prefers the registry-resolved number over the uploaded one.
func (c *Changeset) BestNHSNumber() string {
	if c.ResolvedNHSNumber != "" {
		return c.ResolvedNHSNumber
	}
	return c.UploadedNHSNumber
}

// RequiresReview reports whether the row must be resolved by a human.
func (c *Changeset) RequiresReview() bool {
	return c.Classification == ClassificationNeedsReview ||
		c.Classification == ClassificationCrossTeam
}
