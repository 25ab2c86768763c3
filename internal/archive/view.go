package archive

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Include names an optional group of fields in a rendered entity.
type Include string

const (
	IncludeIdentity   Include = "identity"
	IncludeStatus     Include = "status"
	IncludeStats      Include = "stats"
	IncludeAggregates Include = "aggregates"
	IncludeStorage    Include = "storage"
	IncludeProvenance Include = "provenance"
	IncludePolicy     Include = "policy"
)

var allIncludes = []Include{
	IncludeIdentity, IncludeStatus, IncludeStats, IncludeAggregates,
	IncludeStorage, IncludeProvenance, IncludePolicy,
}

// DefaultIncludes is used when a client asks for nothing in particular.
var DefaultIncludes = []Include{IncludeIdentity, IncludeStatus, IncludeStats}

// ParseIncludes maps a comma separated token list to includes. "all" selects
// every group and an empty string the defaults.
func ParseIncludes(s string) ([]Include, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultIncludes, nil
	}
	var out []Include
	for _, tok := range strings.Split(s, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		if tok == "all" {
			return allIncludes, nil
		}
		inc := Include(tok)
		if !inc.valid() {
			return nil, newError(KindValidation, "unknown include %q", tok)
		}
		out = append(out, inc)
	}
	return out, nil
}

func (i Include) valid() bool {
	for _, known := range allIncludes {
		if i == known {
			return true
		}
	}
	return false
}

type includeSet map[Include]bool

func newIncludeSet(includes []Include) includeSet {
	set := make(includeSet, len(includes))
	for _, i := range includes {
		set[i] = true
	}
	return set
}

// StatusView spells out what a status UUID means.
type StatusView struct {
	Status        uuid.UUID  `json:"status"`
	State         string     `json:"state"`
	ConflictGroup *uuid.UUID `json:"conflict_group,omitempty"`
}

func renderStatus(status uuid.UUID, group *uuid.UUID) *StatusView {
	v := &StatusView{Status: status, ConflictGroup: group}
	switch {
	case IsOnline(status):
		v.State = "online"
	case status == StatusDeleted:
		v.State = "deleted"
	case IsConflict(status):
		v.State = "conflict"
		if group == nil {
			g := status
			v.ConflictGroup = &g
		}
	default:
		v.State = "unknown"
	}
	return v
}

type PartitionView struct {
	ID           uuid.UUID       `json:"id"`
	Name         string          `json:"name,omitempty"`
	HasConflicts *bool           `json:"has_conflicts,omitempty"`
	Policy       *Policy         `json:"policy,omitempty"`
	RawPolicy    json.RawMessage `json:"raw_policy,omitempty"`
	Provenance   *Provenance     `json:"provenance,omitempty"`
}

type PatientView struct {
	ID          uuid.UUID        `json:"id"`
	PartitionID uuid.UUID        `json:"partition_id"`
	Identity    *PatientIdentity `json:"identity,omitempty"`
	Status      *StatusView      `json:"status,omitempty"`
	Stats       *PatientStats    `json:"stats,omitempty"`
	Provenance  *Provenance      `json:"provenance,omitempty"`
}

type StudyView struct {
	ID          uuid.UUID        `json:"id"`
	PartitionID uuid.UUID        `json:"partition_id"`
	PatientID   uuid.UUID        `json:"patient_id"`
	UID         string           `json:"study_uid"`
	Identity    *StudyIdentity   `json:"identity,omitempty"`
	Patient     *PatientIdentity `json:"patient,omitempty"`
	Status      *StatusView      `json:"status,omitempty"`
	Stats       *StudyStats      `json:"stats,omitempty"`
	Aggregates  *StudyAggregates `json:"aggregates,omitempty"`
	Provenance  *Provenance      `json:"provenance,omitempty"`
}

type SeriesView struct {
	ID         uuid.UUID       `json:"id"`
	StudyID    uuid.UUID       `json:"study_id"`
	UID        string          `json:"series_uid"`
	Identity   *SeriesIdentity `json:"identity,omitempty"`
	Status     *StatusView     `json:"status,omitempty"`
	ImageCount *int            `json:"image_count,omitempty"`
	Provenance *Provenance     `json:"provenance,omitempty"`
}

type ImageView struct {
	ID         uuid.UUID      `json:"id"`
	SeriesID   uuid.UUID      `json:"series_id"`
	StudyID    uuid.UUID      `json:"study_id"`
	SOPUID     string         `json:"sop_uid"`
	Identity   *ImageIdentity `json:"identity,omitempty"`
	Status     *StatusView    `json:"status,omitempty"`
	Storage    *ImageStorage  `json:"storage,omitempty"`
	Provenance *Provenance    `json:"provenance,omitempty"`
}

// RenderPartition renders p. The policy group carries the effective policy
// with defaults applied; a blob that does not parse is returned raw.
func RenderPartition(p *Partition, includes ...Include) *PartitionView {
	set := newIncludeSet(includes)
	v := &PartitionView{ID: p.ID}
	if set[IncludeIdentity] {
		v.Name = p.Name
	}
	if set[IncludeStatus] {
		has := p.HasConflicts
		v.HasConflicts = &has
	}
	if set[IncludePolicy] {
		if policy, err := ParsePolicy(p.Policy); err == nil {
			v.Policy = &policy
		} else {
			v.RawPolicy = p.Policy
		}
	}
	if set[IncludeProvenance] {
		v.Provenance = &Provenance{CreatedAt: p.CreatedAt}
	}
	return v
}

func RenderPatient(p *Patient, includes ...Include) *PatientView {
	set := newIncludeSet(includes)
	v := &PatientView{ID: p.ID, PartitionID: p.PartitionID}
	if set[IncludeIdentity] {
		identity := p.Identity
		v.Identity = &identity
	}
	if set[IncludeStatus] {
		v.Status = renderStatus(p.Status, nil)
	}
	if set[IncludeStats] {
		stats := p.Stats
		v.Stats = &stats
	}
	if set[IncludeProvenance] {
		prov := p.Provenance
		v.Provenance = &prov
	}
	return v
}

func RenderStudy(s *Study, includes ...Include) *StudyView {
	set := newIncludeSet(includes)
	v := &StudyView{ID: s.ID, PartitionID: s.PartitionID, PatientID: s.PatientID, UID: s.UID}
	if set[IncludeIdentity] {
		identity := s.Identity
		v.Identity = &identity
		if s.Patient != (PatientIdentity{}) {
			patient := s.Patient
			v.Patient = &patient
		}
	}
	if set[IncludeStatus] {
		v.Status = renderStatus(s.Status, s.ConflictGroup)
	}
	if set[IncludeStats] {
		stats := s.Stats
		v.Stats = &stats
	}
	if set[IncludeAggregates] {
		agg := StudyAggregates{
			Modalities: nonNil(s.Aggregates.Modalities),
			BodyParts:  nonNil(s.Aggregates.BodyParts),
			Stations:   nonNil(s.Aggregates.Stations),
		}
		v.Aggregates = &agg
	}
	if set[IncludeProvenance] {
		prov := s.Provenance
		v.Provenance = &prov
	}
	return v
}

func RenderSeries(s *Series, includes ...Include) *SeriesView {
	set := newIncludeSet(includes)
	v := &SeriesView{ID: s.ID, StudyID: s.StudyID, UID: s.UID}
	if set[IncludeIdentity] {
		identity := s.Identity
		v.Identity = &identity
	}
	if set[IncludeStatus] {
		v.Status = renderStatus(s.Status, nil)
	}
	if set[IncludeStats] {
		n := s.ImageCount
		v.ImageCount = &n
	}
	if set[IncludeProvenance] {
		prov := s.Provenance
		v.Provenance = &prov
	}
	return v
}

func RenderImage(i *Image, includes ...Include) *ImageView {
	set := newIncludeSet(includes)
	v := &ImageView{ID: i.ID, SeriesID: i.SeriesID, StudyID: i.StudyID, SOPUID: i.SOPUID}
	if set[IncludeIdentity] {
		identity := i.Identity
		v.Identity = &identity
	}
	if set[IncludeStatus] {
		v.Status = renderStatus(i.Status, nil)
	}
	if set[IncludeStorage] {
		storage := i.Storage
		v.Storage = &storage
	}
	if set[IncludeProvenance] {
		prov := i.Provenance
		v.Provenance = &prov
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
