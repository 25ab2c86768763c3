package archive

import (
	"testing"

	"github.com/google/uuid"
)

func TestCountImage(t *testing.T) {
	tests := []struct {
		name          string
		status        uuid.UUID
		studyCreated  bool
		seriesCreated bool
		wantPatient   PatientStats
		wantStudy     StudyStats
	}{
		{"new online study", StatusOnline, true, true, PatientStats{1, 1, 1}, StudyStats{SeriesCount: 1, ImageCount: 1}},
		{"new series in online study", StatusOnline, false, true, PatientStats{0, 1, 1}, StudyStats{SeriesCount: 1, ImageCount: 1}},
		{"image in online series", StatusOnline, false, false, PatientStats{0, 0, 1}, StudyStats{ImageCount: 1}},
		{"new conflicted study", uuid.New(), true, true, PatientStats{}, StudyStats{SeriesCount: 1, ImageCount: 1}},
		{"image in conflicted series", uuid.New(), false, false, PatientStats{}, StudyStats{ImageCount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &hierarchy{
				patient: Existing(&Patient{}),
				study:   Resolved[Study]{Value: &Study{Status: tt.status}, Created: tt.studyCreated},
				series:  Resolved[Series]{Value: &Series{}, Created: tt.seriesCreated},
			}
			countImage(h)
			if h.patient.Value.Stats != tt.wantPatient {
				t.Errorf("patient = %+v, want %+v", h.patient.Value.Stats, tt.wantPatient)
			}
			if h.study.Value.Stats != tt.wantStudy {
				t.Errorf("study = %+v, want %+v", h.study.Value.Stats, tt.wantStudy)
			}
			if h.series.Value.ImageCount != 1 {
				t.Errorf("series image count = %d", h.series.Value.ImageCount)
			}
		})
	}
}

func TestAggregateSeries(t *testing.T) {
	series := []*Series{
		{Identity: SeriesIdentity{Modality: "MR", BodyPart: "HEAD", StationName: "MR01"}},
		{Identity: SeriesIdentity{Modality: "CT", BodyPart: "", StationName: "CT01"}},
		{Identity: SeriesIdentity{Modality: "MR", BodyPart: "HEAD", StationName: "MR02"}},
	}
	got := AggregateSeries(series)
	want := StudyAggregates{
		Modalities: []string{"CT", "MR"},
		BodyParts:  []string{"HEAD"},
		Stations:   []string{"CT01", "MR01", "MR02"},
	}
	if !got.Equal(want) {
		t.Errorf("AggregateSeries = %+v, want %+v", got, want)
	}
	if got.Equal(StudyAggregates{Modalities: []string{"CT"}}) {
		t.Error("Equal should compare every list")
	}
	if !AggregateSeries(nil).Equal(StudyAggregates{}) {
		t.Error("no series should give empty aggregates")
	}
}
