package archive

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Status sentinels. Any other value in a status column is the id of the
// conflict group the row belongs to.
var (
	StatusOnline  = uuid.MustParse("6f6e6c69-6e65-4000-8000-000000000001")
	StatusDeleted = uuid.MustParse("64656c65-7465-4000-8000-000000000002")
)

func IsOnline(status uuid.UUID) bool { return status == StatusOnline }

func IsConflict(status uuid.UUID) bool {
	return status != StatusOnline && status != StatusDeleted && status != uuid.Nil
}

// ConflictGroup is the group id shared by every conflicted copy of a study
// UID inside one partition.
func ConflictGroup(partitionID uuid.UUID, studyUID string) uuid.UUID {
	return uuid.NewSHA1(partitionID, []byte(studyUID))
}

// Origin identifies who delivered an object.
type Origin struct {
	ID   string `json:"origin_id"`
	Name string `json:"origin_name"`
	IP   string `json:"origin_ip"`
}

type Provenance struct {
	CreatedAt time.Time `json:"created_at"`
	Origin
}

type Partition struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	Name         string          `db:"name" json:"name"`
	Policy       json.RawMessage `db:"policy" json:"policy"`
	HasConflicts bool            `db:"has_conflicts" json:"has_conflicts"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// PatientIdentity is the tuple two ingestions must agree on to share a
// patient row.
type PatientIdentity struct {
	PID       string `json:"patient_id"`
	Name      string `json:"name"`
	Ideogram  string `json:"ideogram,omitempty"`
	Phonetic  string `json:"phonetic,omitempty"`
	BirthDate string `json:"birth_date,omitempty"`
	BirthTime string `json:"birth_time,omitempty"`
	Sex       string `json:"sex,omitempty"`
}

type PatientStats struct {
	StudyCount  int `json:"study_count"`
	SeriesCount int `json:"series_count"`
	ImageCount  int `json:"image_count"`
}

type Patient struct {
	ID          uuid.UUID
	PartitionID uuid.UUID
	Identity    PatientIdentity
	Status      uuid.UUID
	Stats       PatientStats
	Provenance  Provenance
}

type StudyIdentity struct {
	AccessionNumber string `json:"accession_number,omitempty"`
	StudyID         string `json:"study_id,omitempty"`
	Description     string `json:"description,omitempty"`
	StudyDate       string `json:"study_date,omitempty"`
}

type StudyAggregates struct {
	Modalities []string `json:"modalities"`
	BodyParts  []string `json:"body_parts"`
	Stations   []string `json:"stations"`
}

type StudyStats struct {
	SeriesCount int `json:"series_count"`
	ImageCount  int `json:"image_count"`
	ReportCount int `json:"report_count"`
}

type Study struct {
	ID            uuid.UUID
	PartitionID   uuid.UUID
	PatientID     uuid.UUID
	UID           string
	Identity      StudyIdentity
	Aggregates    StudyAggregates
	Status        uuid.UUID
	ConflictGroup *uuid.UUID
	Stats         StudyStats
	Provenance    Provenance

	// Patient is the owning patient's identity, loaded alongside the study
	// for conflict evaluation. It is never written back.
	Patient PatientIdentity
}

type SeriesIdentity struct {
	Modality     string `json:"modality"`
	SeriesNumber string `json:"series_number,omitempty"`
	Description  string `json:"description,omitempty"`
	BodyPart     string `json:"body_part,omitempty"`
	StationName  string `json:"station_name,omitempty"`
}

type Series struct {
	ID         uuid.UUID
	StudyID    uuid.UUID
	UID        string
	Identity   SeriesIdentity
	Status     uuid.UUID
	ImageCount int
	Provenance Provenance
}

type ImageIdentity struct {
	SOPClassUID    string `json:"sop_class_uid,omitempty"`
	InstanceNumber string `json:"instance_number,omitempty"`
	CharSet        string `json:"charset,omitempty"`
}

// ImageStorage locates the file and records its compression state;
// codec 0 with level 0 means uncompressed.
type ImageStorage struct {
	MediaID          uuid.UUID `json:"media_id"`
	Path             string    `json:"path"`
	CompressionCodec int       `json:"compression_codec"`
	CompressionLevel int       `json:"compression_level"`
}

type Image struct {
	ID         uuid.UUID
	SeriesID   uuid.UUID
	StudyID    uuid.UUID
	SOPUID     string
	Identity   ImageIdentity
	Storage    ImageStorage
	Status     uuid.UUID
	Provenance Provenance
}

// Resolved is a hierarchy level after matching: either a row that already
// existed and was locked, or one created by the current ingestion.
type Resolved[T any] struct {
	Value   *T
	Created bool
}

func Existing[T any](v *T) Resolved[T] { return Resolved[T]{Value: v} }

func Created[T any](v *T) Resolved[T] { return Resolved[T]{Value: v, Created: true} }

// DICOM value length limits per VR.
const (
	maxUI = 64
	maxLO = 64
	maxSH = 16
	maxCS = 16
	maxPN = 64
	maxIS = 12
	maxDA = 8
)

type lengthCheck struct {
	field string
	value string
	max   int
}

func checkLengths(entity string, checks ...lengthCheck) error {
	for _, c := range checks {
		if utf8.RuneCountInString(c.value) > c.max {
			return newError(KindValidation, "%s %s exceeds %d characters", entity, c.field, c.max)
		}
	}
	return nil
}

func (p *Patient) Verify() error {
	if p.PartitionID == uuid.Nil {
		return newError(KindValidation, "patient partition is required")
	}
	if p.Status == uuid.Nil {
		return newError(KindValidation, "patient status is required")
	}
	return checkLengths("patient",
		lengthCheck{"patient_id", p.Identity.PID, maxLO},
		lengthCheck{"name", p.Identity.Name, maxPN},
		lengthCheck{"ideogram", p.Identity.Ideogram, maxPN},
		lengthCheck{"phonetic", p.Identity.Phonetic, maxPN},
		lengthCheck{"birth_date", p.Identity.BirthDate, maxDA},
		lengthCheck{"birth_time", p.Identity.BirthTime, maxSH},
		lengthCheck{"sex", p.Identity.Sex, maxCS},
	)
}

func (s *Study) Verify() error {
	if s.UID == "" {
		return newError(KindValidation, "study instance uid is required")
	}
	if s.PartitionID == uuid.Nil || s.PatientID == uuid.Nil {
		return newError(KindValidation, "study partition and patient are required")
	}
	if s.Status == uuid.Nil {
		return newError(KindValidation, "study status is required")
	}
	return checkLengths("study",
		lengthCheck{"study_uid", s.UID, maxUI},
		lengthCheck{"accession_number", s.Identity.AccessionNumber, maxSH},
		lengthCheck{"study_id", s.Identity.StudyID, maxSH},
		lengthCheck{"description", s.Identity.Description, maxLO},
		lengthCheck{"study_date", s.Identity.StudyDate, maxDA},
	)
}

func (s *Series) Verify() error {
	if s.UID == "" || s.Identity.Modality == "" {
		return newError(KindValidation, "series instance uid and modality are required")
	}
	if s.StudyID == uuid.Nil {
		return newError(KindValidation, "series study is required")
	}
	return checkLengths("series",
		lengthCheck{"series_uid", s.UID, maxUI},
		lengthCheck{"modality", s.Identity.Modality, maxCS},
		lengthCheck{"series_number", s.Identity.SeriesNumber, maxIS},
		lengthCheck{"description", s.Identity.Description, maxLO},
		lengthCheck{"body_part", s.Identity.BodyPart, maxCS},
		lengthCheck{"station_name", s.Identity.StationName, maxSH},
	)
}

func (i *Image) Verify() error {
	if i.SOPUID == "" {
		return newError(KindValidation, "sop instance uid is required")
	}
	if i.SeriesID == uuid.Nil || i.StudyID == uuid.Nil {
		return newError(KindValidation, "image series and study are required")
	}
	if i.Storage.Path == "" {
		return newError(KindValidation, "image storage path is required")
	}
	return checkLengths("image",
		lengthCheck{"sop_uid", i.SOPUID, maxUI},
		lengthCheck{"sop_class_uid", i.Identity.SOPClassUID, maxUI},
		lengthCheck{"instance_number", i.Identity.InstanceNumber, maxIS},
	)
}
