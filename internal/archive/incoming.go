package archive

import (
	"io"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Object is a parsed DICOM instance as the engine sees it.
type Object interface {
	Get(t tag.Tag) string
	Encode(w io.Writer) error
}

// Incoming holds the identifying fields read from an object before any
// locking or I/O takes place.
type Incoming struct {
	CharSet     string
	Patient     PatientIdentity
	StudyUID    string
	SeriesUID   string
	SOPUID      string
	SOPClassUID string
	Study       StudyIdentity
	Series      SeriesIdentity
	Instance    string
}

// ReadIncoming extracts and checks the identifying fields of obj.
func ReadIncoming(obj Object, policy Policy) (*Incoming, error) {
	if obj == nil {
		return nil, newError(KindValidation, "no dicom object")
	}

	name, ideogram, phonetic := splitPersonName(obj.Get(tag.PatientName))
	in := &Incoming{
		CharSet: obj.Get(tag.SpecificCharacterSet),
		Patient: PatientIdentity{
			PID:       obj.Get(tag.PatientID),
			Name:      name,
			Ideogram:  ideogram,
			Phonetic:  phonetic,
			BirthDate: obj.Get(tag.PatientBirthDate),
			BirthTime: obj.Get(tag.PatientBirthTime),
			Sex:       obj.Get(tag.PatientSex),
		},
		StudyUID:    obj.Get(tag.StudyInstanceUID),
		SeriesUID:   obj.Get(tag.SeriesInstanceUID),
		SOPUID:      obj.Get(tag.SOPInstanceUID),
		SOPClassUID: obj.Get(tag.SOPClassUID),
		Study: StudyIdentity{
			AccessionNumber: obj.Get(tag.AccessionNumber),
			StudyID:         obj.Get(tag.StudyID),
			Description:     obj.Get(tag.StudyDescription),
			StudyDate:       NormalizeStudyDate(obj.Get(tag.StudyDate)),
		},
		Series: SeriesIdentity{
			Modality:     obj.Get(tag.Modality),
			SeriesNumber: obj.Get(tag.SeriesNumber),
			Description:  obj.Get(tag.SeriesDescription),
			BodyPart:     obj.Get(tag.BodyPartExamined),
			StationName:  obj.Get(tag.StationName),
		},
		Instance: obj.Get(tag.InstanceNumber),
	}

	switch {
	case in.SOPUID == "":
		return nil, newError(KindValidation, "missing SOP instance uid")
	case in.SeriesUID == "":
		return nil, newError(KindValidation, "missing series instance uid")
	case in.StudyUID == "":
		return nil, newError(KindValidation, "missing study instance uid")
	case in.Series.Modality == "":
		return nil, newError(KindValidation, "missing modality")
	}

	if in.Patient.PID == "" {
		if policy.PIDMode != PIDAccept {
			return nil, newError(KindValidation, "missing patient id")
		}
		in.Patient.PID = policy.DefaultPID
	}

	return in, nil
}

// NormalizeStudyDate keeps the last of several backslash separated values
// and drops anything that is not exactly eight digits.
func NormalizeStudyDate(v string) string {
	if i := strings.LastIndexByte(v, '\\'); i >= 0 {
		v = v[i+1:]
	}
	v = strings.TrimSpace(v)
	if len(v) != 8 {
		return ""
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return ""
		}
	}
	return v
}

// splitPersonName splits a PN value into its alphabetic, ideographic and
// phonetic component groups.
func splitPersonName(pn string) (name, ideogram, phonetic string) {
	parts := strings.SplitN(pn, "=", 3)
	name = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		ideogram = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		phonetic = strings.TrimSpace(parts[2])
	}
	return name, ideogram, phonetic
}
