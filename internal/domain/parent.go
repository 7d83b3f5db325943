package domain

import (
	"strings"
	"time"
)

// Parent guardian record (corresponds to the parents table).
type Parent struct {
	ID       string `db:"parent_id"` // UUID, PRIMARY KEY
	FullName string `db:"full_name"` // VARCHAR(200), nullable
	Email    string `db:"email"`     // VARCHAR(200), nullable
	Phone    string `db:"phone"`     // VARCHAR(20), nullable

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// RelationshipType parent/child relationship kind
type RelationshipType string

const (
	RelationshipMother   RelationshipType = "mother"
	RelationshipFather   RelationshipType = "father"
	RelationshipGuardian RelationshipType = "guardian"
	RelationshipOther    RelationshipType = "other"
	RelationshipUnknown  RelationshipType = "unknown"
)

// ParentRelationship links a parent to a patient
// (corresponds to the parent_relationships table, UNIQUE(parent_id, patient_id)).
type ParentRelationship struct {
	ID        string           `db:"relationship_id"` // UUID, PRIMARY KEY
	ParentID  string           `db:"parent_id"`       // UUID, NOT NULL
	PatientID string           `db:"patient_id"`      // UUID, NOT NULL
	Type      RelationshipType `db:"type"`            // VARCHAR(20), NOT NULL
	OtherName string           `db:"other_name"`      // VARCHAR(100), nullable, set when type='other'

	CreatedAt time.Time `db:"created_at"`
}

// NormalizeRelationship maps an uploaded free-text relationship to a
// RelationshipType plus the free-text name kept for the "other" kind.
func NormalizeRelationship(raw string) (RelationshipType, string) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "unknown":
		return RelationshipUnknown, ""
	case "mother", "mum":
		return RelationshipMother, ""
	case "father", "dad":
		return RelationshipFather, ""
	case "guardian":
		return RelationshipGuardian, ""
	default:
		return RelationshipOther, strings.TrimSpace(raw)
	}
}
