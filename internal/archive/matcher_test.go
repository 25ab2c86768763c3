package archive

import (
	"testing"

	"github.com/google/uuid"
)

func incomingFor(pid string) *Incoming {
	return &Incoming{
		Patient: PatientIdentity{PID: pid, Name: "DOE^JOHN", BirthDate: "19700101", Sex: "M"},
		Study:   StudyIdentity{AccessionNumber: "ACC1", StudyID: "1", Description: "CHEST"},
	}
}

func studyFor(in *Incoming, status uuid.UUID) *Study {
	return &Study{ID: uuid.New(), Status: status, Identity: in.Study, Patient: in.Patient}
}

func TestFindMatchingPatient(t *testing.T) {
	in := incomingFor("P1")
	other := &Patient{Identity: in.Patient}
	other.Identity.BirthTime = "1200"
	match := &Patient{Identity: in.Patient}

	if got := FindMatchingPatient([]*Patient{other, match}, in); got != match {
		t.Errorf("expected exact 7-tuple match, got %+v", got)
	}
	if got := FindMatchingPatient([]*Patient{other}, in); got != nil {
		t.Errorf("expected no match, got %+v", got)
	}
}

func TestFindOnlineStudy(t *testing.T) {
	in := incomingFor("P1")
	group := uuid.New()
	online := studyFor(in, StatusOnline)
	conflicted := studyFor(in, group)

	got, err := FindOnlineStudy([]*Study{conflicted, online}, false)
	if err != nil || got != online {
		t.Errorf("FindOnlineStudy = %v, %v", got, err)
	}

	if _, err := FindOnlineStudy([]*Study{conflicted}, false); KindOf(err) != KindConsistency {
		t.Errorf("zero online without allowNone: %v", err)
	}
	if got, err := FindOnlineStudy([]*Study{conflicted}, true); err != nil || got != nil {
		t.Errorf("zero online with allowNone = %v, %v", got, err)
	}
	if _, err := FindOnlineStudy([]*Study{online, studyFor(in, StatusOnline)}, true); KindOf(err) != KindConsistency {
		t.Errorf("two online copies: %v", err)
	}
}

func TestStudyIsInConflict(t *testing.T) {
	base := incomingFor("P1")
	candidate := studyFor(base, StatusOnline)

	mutate := func(f func(in *Incoming)) *Incoming {
		in := incomingFor("P1")
		f(in)
		return in
	}

	tests := []struct {
		name     string
		in       *Incoming
		criteria Criteria
		want     bool
	}{
		{"identical", base, criteriaMask, false},
		{"pid differs, no criteria", incomingFor("P2"), 0, true},
		{"name differs, no criteria", mutate(func(in *Incoming) { in.Patient.Name = "X" }), 0, false},
		{"accession differs", mutate(func(in *Incoming) { in.Study.AccessionNumber = "X" }), CriterionAccessionNumber, true},
		{"accession differs, other bit", mutate(func(in *Incoming) { in.Study.AccessionNumber = "X" }), CriterionPatientSex, false},
		{"study id differs", mutate(func(in *Incoming) { in.Study.StudyID = "9" }), CriterionStudyID, true},
		{"description gated by study id bit", mutate(func(in *Incoming) { in.Study.Description = "HEAD" }), CriterionStudyID, true},
		{"description bit alone is inert", mutate(func(in *Incoming) { in.Study.Description = "HEAD" }), CriterionStudyDescription, false},
		{"ideogram differs", mutate(func(in *Incoming) { in.Patient.Ideogram = "X" }), CriterionPatientName, true},
		{"birthdate differs", mutate(func(in *Incoming) { in.Patient.BirthDate = "19800101" }), CriterionPatientBirthDate, true},
		{"sex differs", mutate(func(in *Incoming) { in.Patient.Sex = "F" }), CriterionPatientSex, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StudyIsInConflict(candidate, tt.in, tt.criteria); got != tt.want {
				t.Errorf("StudyIsInConflict = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindConflictStudy(t *testing.T) {
	group := uuid.New()
	in := incomingFor("P2")

	online := studyFor(in, StatusOnline)
	loose := studyFor(incomingFor("P2"), group)
	loose.Identity.AccessionNumber = "OTHER"
	exact := studyFor(in, group)
	foreign := studyFor(incomingFor("P3"), group)

	if got := FindConflictStudy([]*Study{online, loose, exact}, in, 0); got != exact {
		t.Errorf("exact match should win over earlier loose match, got %+v", got)
	}
	if got := FindConflictStudy([]*Study{online, foreign, loose}, in, 0); got != loose {
		t.Errorf("expected first non-conflicting copy, got %+v", got)
	}
	if got := FindConflictStudy([]*Study{online, loose}, in, CriterionAccessionNumber); got != nil {
		t.Errorf("expected no candidate, got %+v", got)
	}
	if got := FindConflictStudy([]*Study{online}, in, 0); got != nil {
		t.Errorf("online copies are never conflict candidates, got %+v", got)
	}
}
