package archive

// FindMatchingPatient returns the first candidate whose identity equals the
// incoming one field for field, or nil.
func FindMatchingPatient(candidates []*Patient, in *Incoming) *Patient {
	for _, p := range candidates {
		if p.Identity == in.Patient {
			return p
		}
	}
	return nil
}

// FindOnlineStudy returns the single online study among candidates. More
// than one online copy means the archive is already corrupt.
func FindOnlineStudy(candidates []*Study, allowNone bool) (*Study, error) {
	var online *Study
	for _, s := range candidates {
		if !IsOnline(s.Status) {
			continue
		}
		if online != nil {
			return nil, newError(KindConsistency, "study %s has more than one online copy", s.UID)
		}
		online = s
	}
	if online == nil && !allowNone {
		return nil, newError(KindConsistency, "no online study found")
	}
	return online, nil
}

// FindConflictStudy picks the conflicted copy an incoming object should join:
// first an exact identity match, then any copy it does not conflict with.
func FindConflictStudy(candidates []*Study, in *Incoming, criteria Criteria) *Study {
	for _, s := range candidates {
		if IsOnline(s.Status) {
			continue
		}
		if exactStudyMatch(s, in) {
			return s
		}
	}
	for _, s := range candidates {
		if IsOnline(s.Status) {
			continue
		}
		if !StudyIsInConflict(s, in, criteria) {
			return s
		}
	}
	return nil
}

func exactStudyMatch(s *Study, in *Incoming) bool {
	return s.Patient.PID == in.Patient.PID &&
		s.Patient.Name == in.Patient.Name &&
		s.Patient.Ideogram == in.Patient.Ideogram &&
		s.Patient.Phonetic == in.Patient.Phonetic &&
		s.Patient.BirthDate == in.Patient.BirthDate &&
		s.Patient.Sex == in.Patient.Sex &&
		s.Identity.AccessionNumber == in.Study.AccessionNumber &&
		s.Identity.StudyID == in.Study.StudyID &&
		s.Identity.Description == in.Study.Description
}

// StudyIsInConflict reports whether in disagrees with s under criteria.
func StudyIsInConflict(s *Study, in *Incoming, criteria Criteria) bool {
	if s.Patient.PID != in.Patient.PID {
		return true
	}
	if criteria == 0 {
		return false
	}
	if criteria.Has(CriterionAccessionNumber) && s.Identity.AccessionNumber != in.Study.AccessionNumber {
		return true
	}
	if criteria.Has(CriterionStudyID) {
		if s.Identity.StudyID != in.Study.StudyID || s.Identity.Description != in.Study.Description {
			return true
		}
	}
	if criteria.Has(CriterionPatientName) {
		if s.Patient.Name != in.Patient.Name ||
			s.Patient.Ideogram != in.Patient.Ideogram ||
			s.Patient.Phonetic != in.Patient.Phonetic {
			return true
		}
	}
	if criteria.Has(CriterionPatientBirthDate) && s.Patient.BirthDate != in.Patient.BirthDate {
		return true
	}
	if criteria.Has(CriterionPatientSex) && s.Patient.Sex != in.Patient.Sex {
		return true
	}
	return false
}
