package domain

import (
	"strings"
	"time"
)

// Patient is the durable child record (corresponds to the patients table).
// A patient exclusively owns its dependent records (vaccination records,
// triage decisions, assessment notes, session memberships, parent
// relationships, school moves); merging transfers that ownership wholesale.
type Patient struct {
	// Primary key
	ID string `db:"patient_id"` // UUID, PRIMARY KEY

	// External identity
	NHSNumber string `db:"nhs_number"` // VARCHAR(10), nullable, UNIQUE when set

	// Identity fields
	GivenName          string    `db:"given_name"`           // VARCHAR(100), NOT NULL
	FamilyName         string    `db:"family_name"`          // VARCHAR(100), NOT NULL
	PreferredGivenName string    `db:"preferred_given_name"` // VARCHAR(100), nullable
	DateOfBirth        time.Time `db:"date_of_birth"`        // DATE, NOT NULL
	GenderCode         string    `db:"gender_code"`          // VARCHAR(20), nullable (male/female/not_specified)

	// Address
	AddressLine1    string `db:"address_line_1"`   // VARCHAR(200), nullable
	AddressLine2    string `db:"address_line_2"`   // VARCHAR(200), nullable
	AddressTown     string `db:"address_town"`     // VARCHAR(100), nullable
	AddressPostcode string `db:"address_postcode"` // VARCHAR(10), nullable

	// Education location
	SchoolID     string `db:"school_id"`     // UUID, nullable
	HomeEducated bool   `db:"home_educated"` // BOOLEAN, NOT NULL, DEFAULT FALSE

	// Registration (class/form group)
	Registration             string `db:"registration"`               // VARCHAR(50), nullable
	RegistrationAcademicYear int    `db:"registration_academic_year"` // INTEGER, nullable

	// Roster ownership
	TeamID string `db:"team_id"` // UUID, nullable

	// Staged field updates awaiting manual review, keyed by column name.
	PendingChanges map[string]string `db:"pending_changes"` // JSONB, NOT NULL, DEFAULT '{}'

	InvalidatedAt *time.Time `db:"invalidated_at"` // TIMESTAMPTZ, nullable
	DeceasedAt    *time.Time `db:"deceased_at"`    // TIMESTAMPTZ, nullable

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SameName reports whether the patient's name matches case-insensitively.
func (p *Patient) SameName(givenName, familyName string) bool {
	return strings.EqualFold(p.GivenName, givenName) &&
		strings.EqualFold(p.FamilyName, familyName)
}

// SameDateOfBirth compares calendar dates, ignoring time-of-day and zone.
func (p *Patient) SameDateOfBirth(dob time.Time) bool {
	y1, m1, d1 := p.DateOfBirth.Date()
	y2, m2, d2 := dob.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// HasPendingChanges reports whether any staged updates await review.
func (p *Patient) HasPendingChanges() bool {
	return len(p.PendingChanges) > 0
}
