package domain

import "time"

// Session a vaccination session roster for one school and academic year
// (corresponds to the sessions table).
type Session struct {
	ID           string    `db:"session_id"`    // UUID, PRIMARY KEY
	TeamID       string    `db:"team_id"`       // UUID, NOT NULL
	SchoolID     string    `db:"school_id"`     // UUID, nullable (clinic sessions have none)
	AcademicYear int       `db:"academic_year"` // INTEGER, NOT NULL
	CreatedAt    time.Time `db:"created_at"`
}

// SessionMembership enrols a patient in a session
// (corresponds to the session_memberships table, UNIQUE(session_id, patient_id)).
type SessionMembership struct {
	ID        string    `db:"membership_id"` // UUID, PRIMARY KEY
	SessionID string    `db:"session_id"`    // UUID, NOT NULL
	PatientID string    `db:"patient_id"`    // UUID, NOT NULL
	CreatedAt time.Time `db:"created_at"`
}
