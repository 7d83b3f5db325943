package domain

import "time"

// SchoolMoveStatus lifecycle of a proposed move.
type SchoolMoveStatus string

const (
	SchoolMovePending   SchoolMoveStatus = "pending"
	SchoolMoveConfirmed SchoolMoveStatus = "confirmed"
)

// SchoolMoveSource where the proposal originated.
type SchoolMoveSource string

const (
	SchoolMoveSourceCohortImport SchoolMoveSource = "cohort_import"
	SchoolMoveSourceClassImport  SchoolMoveSource = "class_import"
	SchoolMoveSourceSweep        SchoolMoveSource = "sweep"
)

// SchoolMove a proposed change of a child's school/roster, requiring
// confirmation rather than silent application
// (corresponds to the school_moves table, UNIQUE(patient_id) while pending).
type SchoolMove struct {
	ID           string           `db:"school_move_id"` // UUID, PRIMARY KEY
	PatientID    string           `db:"patient_id"`     // UUID, NOT NULL
	TeamID       string           `db:"team_id"`        // UUID, NOT NULL
	SchoolID     string           `db:"school_id"`      // UUID, nullable (empty = unknown school)
	HomeEducated bool             `db:"home_educated"`  // BOOLEAN, NOT NULL, DEFAULT FALSE
	AcademicYear int              `db:"academic_year"`  // INTEGER, NOT NULL
	Source       SchoolMoveSource `db:"source"`         // VARCHAR(20), NOT NULL
	Status       SchoolMoveStatus `db:"status"`         // VARCHAR(20), NOT NULL, DEFAULT 'pending'

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SameDestination reports whether two moves point a patient at the same
// education location for the same team.
func (m *SchoolMove) SameDestination(other *SchoolMove) bool {
	return m.SchoolID == other.SchoolID &&
		m.HomeEducated == other.HomeEducated &&
		m.TeamID == other.TeamID
}
