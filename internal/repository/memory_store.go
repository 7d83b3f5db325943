package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cohort-data/internal/domain"

	"github.com/google/uuid"
)

// MemoryStore in-memory Store used by unit tests and local development
// without a database. WithinTx provides no isolation; callers that need
// real transactional behaviour use the Postgres store.
type MemoryStore struct {
	mu            sync.RWMutex
	patients      map[string]*domain.Patient
	changesets    map[string]*domain.Changeset
	imports       map[string]*domain.Import
	parents       map[string]*domain.Parent
	relationships map[string]*domain.ParentRelationship
	schoolMoves   map[string]*domain.SchoolMove
	sessions      map[string]*domain.Session
	memberships   map[string]*domain.SessionMembership
	vaccinations  map[string]*domain.VaccinationRecord
	triages       map[string]*domain.Triage
	notes         map[string]*domain.AssessmentNote
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:      map[string]*domain.Patient{},
		changesets:    map[string]*domain.Changeset{},
		imports:       map[string]*domain.Import{},
		parents:       map[string]*domain.Parent{},
		relationships: map[string]*domain.ParentRelationship{},
		schoolMoves:   map[string]*domain.SchoolMove{},
		sessions:      map[string]*domain.Session{},
		memberships:   map[string]*domain.SessionMembership{},
		vaccinations:  map[string]*domain.VaccinationRecord{},
		triages:       map[string]*domain.Triage{},
		notes:         map[string]*domain.AssessmentNote{},
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) WithinTx(_ context.Context, fn func(Store) error) error {
	return fn(s)
}

// ========== Patients ==========

func clonePatient(p *domain.Patient) *domain.Patient {
	c := *p
	if p.PendingChanges != nil {
		c.PendingChanges = make(map[string]string, len(p.PendingChanges))
		for k, v := range p.PendingChanges {
			c.PendingChanges[k] = v
		}
	}
	return &c
}

func (s *MemoryStore) GetPatient(_ context.Context, patientID string) (*domain.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[patientID]
	if !ok {
		return nil, fmt.Errorf("patient not found: %s", patientID)
	}
	return clonePatient(p), nil
}

func (s *MemoryStore) FindByNHSNumber(_ context.Context, nhsNumber string) (*domain.Patient, error) {
	if nhsNumber == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.patients {
		if p.NHSNumber == nhsNumber {
			return clonePatient(p), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindByNameAndDateOfBirth(_ context.Context, givenName, familyName string, dateOfBirth time.Time) ([]*domain.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []*domain.Patient
	for _, p := range s.patients {
		if p.SameName(givenName, familyName) && p.SameDateOfBirth(dateOfBirth) {
			matches = append(matches, clonePatient(p))
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

func (s *MemoryStore) CreatePatient(_ context.Context, patient *domain.Patient) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patient.ID == "" {
		patient.ID = uuid.NewString()
	}
	now := time.Now()
	patient.CreatedAt = now
	patient.UpdatedAt = now
	s.patients[patient.ID] = clonePatient(patient)
	return patient.ID, nil
}

func (s *MemoryStore) UpdatePatient(_ context.Context, patient *domain.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[patient.ID]; !ok {
		return fmt.Errorf("patient not found: %s", patient.ID)
	}
	patient.UpdatedAt = time.Now()
	s.patients[patient.ID] = clonePatient(patient)
	return nil
}

func (s *MemoryStore) DeletePatient(_ context.Context, patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[patientID]; !ok {
		return fmt.Errorf("patient not found: %s", patientID)
	}
	delete(s.patients, patientID)
	return nil
}

func (s *MemoryStore) ListBySchoolAndTeam(_ context.Context, schoolID, teamID string) ([]*domain.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Patient
	for _, p := range s.patients {
		if p.SchoolID == schoolID && p.TeamID == teamID {
			out = append(out, clonePatient(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListWithoutNHSNumber(_ context.Context, limit int) ([]*domain.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Patient
	for _, p := range s.patients {
		if p.NHSNumber == "" && p.InvalidatedAt == nil && p.DeceasedAt == nil {
			out = append(out, clonePatient(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ========== Changesets ==========

func cloneChangeset(c *domain.Changeset) *domain.Changeset {
	cc := *c
	cc.SearchAttempts = append([]domain.SearchAttempt(nil), c.SearchAttempts...)
	if c.StagedChanges != nil {
		cc.StagedChanges = make(map[string]string, len(c.StagedChanges))
		for k, v := range c.StagedChanges {
			cc.StagedChanges[k] = v
		}
	}
	return &cc
}

func (s *MemoryStore) GetChangeset(_ context.Context, changesetID string) (*domain.Changeset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.changesets[changesetID]
	if !ok {
		return nil, fmt.Errorf("changeset not found: %s", changesetID)
	}
	return cloneChangeset(c), nil
}

func (s *MemoryStore) CreateChangeset(_ context.Context, changeset *domain.Changeset) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if changeset.ID == "" {
		changeset.ID = uuid.NewString()
	}
	if changeset.Status == "" {
		changeset.Status = domain.ChangesetPending
	}
	now := time.Now()
	changeset.CreatedAt = now
	changeset.UpdatedAt = now
	s.changesets[changeset.ID] = cloneChangeset(changeset)
	return changeset.ID, nil
}

func (s *MemoryStore) UpdateChangeset(_ context.Context, changeset *domain.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.changesets[changeset.ID]
	if !ok {
		return fmt.Errorf("changeset not found: %s", changeset.ID)
	}
	// Attempts are append-only; an update must never shrink the sequence.
	if len(changeset.SearchAttempts) < len(existing.SearchAttempts) {
		changeset.SearchAttempts = existing.SearchAttempts
	}
	changeset.UpdatedAt = time.Now()
	s.changesets[changeset.ID] = cloneChangeset(changeset)
	return nil
}

func (s *MemoryStore) AppendSearchAttempts(_ context.Context, changesetID string, attempts []domain.SearchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.changesets[changesetID]
	if !ok {
		return fmt.Errorf("changeset not found: %s", changesetID)
	}
	c.SearchAttempts = append(c.SearchAttempts, attempts...)
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListByImport(_ context.Context, importID string) ([]*domain.Changeset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Changeset
	for _, c := range s.changesets {
		if c.ImportID == importID {
			out = append(out, cloneChangeset(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowNumber < out[j].RowNumber })
	return out, nil
}

func (s *MemoryStore) CountPending(_ context.Context, importID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, c := range s.changesets {
		if c.ImportID == importID && c.Status == domain.ChangesetPending {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ClaimedPatientIDs(_ context.Context, importID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	claimed := map[string]bool{}
	for _, c := range s.changesets {
		if c.ImportID == importID && c.MatchedPatientID != "" && claims(c.Classification) {
			claimed[c.MatchedPatientID] = true
		}
	}
	return claimed, nil
}

// claims reports whether a classification binds its matched patient to the
// row at commit time. Review rows carry a candidate id without claiming it.
func claims(c domain.Classification) bool {
	switch c {
	case domain.ClassificationAutoMatched, domain.ClassificationSchoolMove, domain.ClassificationCrossTeam:
		return true
	}
	return false
}

// ========== Imports ==========

func (s *MemoryStore) GetImport(_ context.Context, importID string) (*domain.Import, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	imp, ok := s.imports[importID]
	if !ok {
		return nil, fmt.Errorf("import not found: %s", importID)
	}
	c := *imp
	return &c, nil
}

func (s *MemoryStore) GetImportForUpdate(ctx context.Context, importID string) (*domain.Import, error) {
	return s.GetImport(ctx, importID)
}

func (s *MemoryStore) CreateImport(_ context.Context, imp *domain.Import) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if imp.ID == "" {
		imp.ID = uuid.NewString()
	}
	if imp.Status == "" {
		imp.Status = domain.ImportStatusPending
	}
	now := time.Now()
	imp.CreatedAt = now
	imp.UpdatedAt = now
	c := *imp
	s.imports[imp.ID] = &c
	return imp.ID, nil
}

func (s *MemoryStore) RecordImport(_ context.Context, importID string, status domain.ImportStatus, counts ImportCounts, recordedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	imp, ok := s.imports[importID]
	if !ok {
		return fmt.Errorf("import not found: %s", importID)
	}
	imp.Status = status
	imp.NewRecordsCount = counts.NewRecords
	imp.ChangedRecordsCount = counts.ChangedRecords
	imp.DuplicateRecordsCount = counts.DuplicateRecords
	imp.ReviewRecordsCount = counts.ReviewRecords
	imp.RecordedAt = &recordedAt
	imp.UpdatedAt = time.Now()
	return nil
}

// ========== Parents ==========

func (s *MemoryStore) FindMatchingParent(_ context.Context, patientID, email, phone, fullName string) (*domain.Parent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	linked := map[string]bool{}
	if patientID != "" {
		for _, rel := range s.relationships {
			if rel.PatientID == patientID {
				linked[rel.ParentID] = true
			}
		}
	}
	var ids []string
	for id := range s.parents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := s.parents[id]
		if email != "" && p.Email == email {
			c := *p
			return &c, nil
		}
		if phone != "" && p.Phone == phone {
			c := *p
			return &c, nil
		}
		if fullName != "" && p.FullName == fullName && linked[p.ID] {
			c := *p
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateParent(_ context.Context, parent *domain.Parent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if parent.ID == "" {
		parent.ID = uuid.NewString()
	}
	now := time.Now()
	parent.CreatedAt = now
	parent.UpdatedAt = now
	c := *parent
	s.parents[parent.ID] = &c
	return parent.ID, nil
}

func (s *MemoryStore) UpdateParent(_ context.Context, parent *domain.Parent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parents[parent.ID]; !ok {
		return fmt.Errorf("parent not found: %s", parent.ID)
	}
	parent.UpdatedAt = time.Now()
	c := *parent
	s.parents[parent.ID] = &c
	return nil
}

func (s *MemoryStore) UpsertRelationship(_ context.Context, rel *domain.ParentRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.relationships {
		if existing.ParentID == rel.ParentID && existing.PatientID == rel.PatientID {
			existing.Type = rel.Type
			existing.OtherName = rel.OtherName
			rel.ID = existing.ID
			return nil
		}
	}
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	rel.CreatedAt = time.Now()
	c := *rel
	s.relationships[rel.ID] = &c
	return nil
}

func (s *MemoryStore) ListRelationshipsByPatient(_ context.Context, patientID string) ([]*domain.ParentRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.ParentRelationship
	for _, rel := range s.relationships {
		if rel.PatientID == patientID {
			c := *rel
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ReassignRelationship(_ context.Context, relationshipID, newPatientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relationships[relationshipID]
	if !ok {
		return fmt.Errorf("relationship not found: %s", relationshipID)
	}
	rel.PatientID = newPatientID
	return nil
}

func (s *MemoryStore) DeleteRelationship(_ context.Context, relationshipID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.relationships, relationshipID)
	return nil
}

// ========== School moves ==========

func (s *MemoryStore) UpsertMove(_ context.Context, move *domain.SchoolMove) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.schoolMoves {
		if existing.PatientID == move.PatientID && existing.Status == domain.SchoolMovePending {
			existing.SchoolID = move.SchoolID
			existing.HomeEducated = move.HomeEducated
			existing.TeamID = move.TeamID
			existing.AcademicYear = move.AcademicYear
			existing.Source = move.Source
			existing.UpdatedAt = time.Now()
			move.ID = existing.ID
			return existing.ID, nil
		}
	}
	if move.ID == "" {
		move.ID = uuid.NewString()
	}
	if move.Status == "" {
		move.Status = domain.SchoolMovePending
	}
	now := time.Now()
	move.CreatedAt = now
	move.UpdatedAt = now
	c := *move
	s.schoolMoves[move.ID] = &c
	return move.ID, nil
}

func (s *MemoryStore) ConfirmMove(_ context.Context, moveID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	move, ok := s.schoolMoves[moveID]
	if !ok {
		return fmt.Errorf("school move not found: %s", moveID)
	}
	move.Status = domain.SchoolMoveConfirmed
	move.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListMovesByPatient(_ context.Context, patientID string) ([]*domain.SchoolMove, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.SchoolMove
	for _, move := range s.schoolMoves {
		if move.PatientID == patientID {
			c := *move
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ReassignMove(_ context.Context, moveID, newPatientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	move, ok := s.schoolMoves[moveID]
	if !ok {
		return fmt.Errorf("school move not found: %s", moveID)
	}
	move.PatientID = newPatientID
	return nil
}

func (s *MemoryStore) DeleteMove(_ context.Context, moveID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schoolMoves, moveID)
	return nil
}

// ========== Sessions ==========

func (s *MemoryStore) FindOrCreateSession(_ context.Context, teamID, schoolID string, academicYear int) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.TeamID == teamID && sess.SchoolID == schoolID && sess.AcademicYear == academicYear {
			c := *sess
			return &c, nil
		}
	}
	sess := &domain.Session{
		ID:           uuid.NewString(),
		TeamID:       teamID,
		SchoolID:     schoolID,
		AcademicYear: academicYear,
		CreatedAt:    time.Now(),
	}
	s.sessions[sess.ID] = sess
	c := *sess
	return &c, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	c := *sess
	return &c, nil
}

func (s *MemoryStore) EnsureMembership(_ context.Context, sessionID, patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.SessionID == sessionID && m.PatientID == patientID {
			return nil
		}
	}
	m := &domain.SessionMembership{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		PatientID: patientID,
		CreatedAt: time.Now(),
	}
	s.memberships[m.ID] = m
	return nil
}

func (s *MemoryStore) ListMembershipsByPatient(_ context.Context, patientID string) ([]*domain.SessionMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.SessionMembership
	for _, m := range s.memberships {
		if m.PatientID == patientID {
			c := *m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) HasMembership(_ context.Context, sessionID, patientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.memberships {
		if m.SessionID == sessionID && m.PatientID == patientID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ReassignMembership(_ context.Context, membershipID, newPatientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[membershipID]
	if !ok {
		return fmt.Errorf("membership not found: %s", membershipID)
	}
	m.PatientID = newPatientID
	return nil
}

func (s *MemoryStore) DeleteMembership(_ context.Context, membershipID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships, membershipID)
	return nil
}

// ========== Dependents ==========

func (s *MemoryStore) EnsureVaccinationRecord(_ context.Context, record *domain.VaccinationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.vaccinations {
		if r.PatientID == record.PatientID && r.Vaccine == record.Vaccine &&
			r.DoseSequence == record.DoseSequence && r.PerformedAt.Equal(record.PerformedAt) {
			return nil
		}
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.CreatedAt = time.Now()
	c := *record
	s.vaccinations[record.ID] = &c
	return nil
}

func (s *MemoryStore) ListVaccinationRecordsByPatient(_ context.Context, patientID string) ([]*domain.VaccinationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.VaccinationRecord
	for _, r := range s.vaccinations {
		if r.PatientID == patientID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ReassignVaccinationRecords(_ context.Context, fromPatientID, toPatientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.vaccinations {
		if r.PatientID == fromPatientID {
			r.PatientID = toPatientID
		}
	}
	return nil
}

func (s *MemoryStore) ReassignTriages(_ context.Context, fromPatientID, toPatientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.triages {
		if t.PatientID == fromPatientID {
			t.PatientID = toPatientID
		}
	}
	return nil
}

func (s *MemoryStore) ReassignAssessmentNotes(_ context.Context, fromPatientID, toPatientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notes {
		if n.PatientID == fromPatientID {
			n.PatientID = toPatientID
		}
	}
	return nil
}

func (s *MemoryStore) CreateTriage(_ context.Context, triage *domain.Triage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if triage.ID == "" {
		triage.ID = uuid.NewString()
	}
	triage.CreatedAt = time.Now()
	c := *triage
	s.triages[triage.ID] = &c
	return triage.ID, nil
}

func (s *MemoryStore) ListTriagesByPatient(_ context.Context, patientID string) ([]*domain.Triage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Triage
	for _, t := range s.triages {
		if t.PatientID == patientID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateAssessmentNote(_ context.Context, note *domain.AssessmentNote) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	note.CreatedAt = time.Now()
	c := *note
	s.notes[note.ID] = &c
	return note.ID, nil
}

func (s *MemoryStore) ListAssessmentNotesByPatient(_ context.Context, patientID string) ([]*domain.AssessmentNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AssessmentNote
	for _, n := range s.notes {
		if n.PatientID == patientID {
			c := *n
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
