package domain

import "time"

// ImportType kind of upload being reconciled.
type ImportType string

const (
	// ImportTypeCohort adds children to a team's cohort.
	ImportTypeCohort ImportType = "cohort"
	// ImportTypeClass is a full roster replacement for one school: children
	// previously rostered but absent from the upload get a proposed move to
	// school-unknown rather than deletion.
	ImportTypeClass ImportType = "class"
	// ImportTypeImmunisation carries historical vaccination rows.
	ImportTypeImmunisation ImportType = "immunisation"
)

// ImportStatus lifecycle of an import.
type ImportStatus string

const (
	ImportStatusPending    ImportStatus = "pending_import"
	ImportStatusInvalid    ImportStatus = "rows_are_invalid"
	ImportStatusRecorded   ImportStatus = "recorded"
	ImportStatusInReReview ImportStatus = "in_re_review"
)

// Import owns a collection of changesets (corresponds to the imports table).
// The commit engine may run at most once per import; repeat triggers are
// no-ops checked against Status.
type Import struct {
	ID           string       `db:"import_id"`     // UUID, PRIMARY KEY
	TeamID       string       `db:"team_id"`       // UUID, NOT NULL
	Type         ImportType   `db:"import_type"`   // VARCHAR(20), NOT NULL
	Status       ImportStatus `db:"status"`        // VARCHAR(20), NOT NULL, DEFAULT 'pending_import'
	AcademicYear int          `db:"academic_year"` // INTEGER, NOT NULL
	SchoolID     string       `db:"school_id"`     // UUID, nullable (class imports only)
	RowsCount    int          `db:"rows_count"`    // INTEGER, NOT NULL

	// Count statistics persisted at commit time for audit.
	NewRecordsCount       int `db:"new_records_count"`       // INTEGER, nullable until recorded
	ChangedRecordsCount   int `db:"changed_records_count"`   // INTEGER, nullable until recorded
	DuplicateRecordsCount int `db:"duplicate_records_count"` // INTEGER, nullable until recorded
	ReviewRecordsCount    int `db:"review_records_count"`    // INTEGER, nullable until recorded

	RecordedAt *time.Time `db:"recorded_at"` // TIMESTAMPTZ, nullable
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// Slow reports whether each cascade step should run as a separate job
// instead of looping in-process.
func (i *Import) Slow(threshold int) bool {
	return i.RowsCount > threshold
}

// Committed reports whether the commit engine has already run.
func (i *Import) Committed() bool {
	return i.Status == ImportStatusRecorded || i.Status == ImportStatusInReReview
}
