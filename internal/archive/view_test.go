package archive

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestParseIncludes(t *testing.T) {
	got, err := ParseIncludes("identity, Stats")
	if err != nil {
		t.Fatalf("ParseIncludes: %v", err)
	}
	if len(got) != 2 || got[0] != IncludeIdentity || got[1] != IncludeStats {
		t.Errorf("includes = %v", got)
	}
	if all, _ := ParseIncludes("all"); len(all) != len(allIncludes) {
		t.Errorf("all = %v", all)
	}
	if def, _ := ParseIncludes(""); len(def) != len(DefaultIncludes) {
		t.Errorf("default = %v", def)
	}
	if _, err := ParseIncludes("identity,pixels"); KindOf(err) != KindValidation {
		t.Errorf("unknown token: %v", err)
	}
}

func TestRenderStudy_OnlyRequestedGroups(t *testing.T) {
	s := &Study{
		ID:       uuid.New(),
		UID:      "1.2.3",
		Identity: StudyIdentity{AccessionNumber: "ACC1"},
		Status:   StatusOnline,
		Stats:    StudyStats{ImageCount: 3},
	}

	v := RenderStudy(s, IncludeStats)
	if v.Identity != nil || v.Status != nil || v.Aggregates != nil || v.Provenance != nil {
		t.Errorf("unrequested groups rendered: %+v", v)
	}
	if v.Stats == nil || v.Stats.ImageCount != 3 {
		t.Errorf("stats = %+v", v.Stats)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	json.Unmarshal(raw, &m)
	if _, ok := m["identity"]; ok {
		t.Error("identity key should be omitted")
	}
	if m["study_uid"] != "1.2.3" {
		t.Errorf("study_uid = %v", m["study_uid"])
	}
}

func TestRenderStatus(t *testing.T) {
	group := uuid.New()
	tests := []struct {
		status uuid.UUID
		state  string
	}{
		{StatusOnline, "online"},
		{StatusDeleted, "deleted"},
		{group, "conflict"},
		{uuid.Nil, "unknown"},
	}
	for _, tt := range tests {
		v := renderStatus(tt.status, nil)
		if v.State != tt.state {
			t.Errorf("state(%s) = %s, want %s", tt.status, v.State, tt.state)
		}
	}
	if v := renderStatus(group, nil); v.ConflictGroup == nil || *v.ConflictGroup != group {
		t.Error("conflicted status should expose its group")
	}
}

func TestRenderStudy_AggregatesNeverNull(t *testing.T) {
	v := RenderStudy(&Study{}, IncludeAggregates)
	raw, _ := json.Marshal(v.Aggregates)
	if string(raw) != `{"modalities":[],"body_parts":[],"stations":[]}` {
		t.Errorf("aggregates = %s", raw)
	}
}

func TestRenderPartition_Policy(t *testing.T) {
	p := &Partition{ID: uuid.New(), Name: "main", Policy: []byte(`{"conflict_mode":1}`)}
	v := RenderPartition(p, IncludePolicy)
	if v.Policy == nil || v.Policy.ConflictMode != ConflictReject || v.Policy.OverwriteMode != OverwriteRejectDuplicate {
		t.Errorf("policy = %+v", v.Policy)
	}
	if v.Name != "" {
		t.Error("name requires the identity include")
	}

	p.Policy = []byte(`{"conflict_mode":9}`)
	if v := RenderPartition(p, IncludePolicy); v.Policy != nil || string(v.RawPolicy) != `{"conflict_mode":9}` {
		t.Errorf("invalid policy should be returned raw, got %+v", v)
	}
}

func TestConflictGroup_Deterministic(t *testing.T) {
	p := uuid.New()
	a, b := ConflictGroup(p, "1.2.3"), ConflictGroup(p, "1.2.3")
	if a != b {
		t.Error("group id must be stable")
	}
	if a == ConflictGroup(p, "1.2.4") || a == ConflictGroup(uuid.New(), "1.2.3") {
		t.Error("group id must depend on partition and uid")
	}
	if !IsConflict(a) || IsOnline(a) {
		t.Error("group id must read as a conflict status")
	}
}
