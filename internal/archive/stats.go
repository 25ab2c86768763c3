package archive

import (
	"context"
	"slices"
	"sort"
)

// hierarchy is the chain a new image hangs off once matching is done.
type hierarchy struct {
	patient Resolved[Patient]
	study   Resolved[Study]
	series  Resolved[Series]
	image   *Image

	// online is the partition's online copy of the study UID, if any. It is
	// stamped with the conflict group when a conflicted copy is created.
	online *Study
}

// countImage applies the counter rules for one new image in memory.
// Patient counters only follow online studies.
func countImage(h *hierarchy) {
	patient, study, series := h.patient.Value, h.study.Value, h.series.Value
	online := IsOnline(study.Status)

	if h.study.Created && online {
		patient.Stats.StudyCount++
	}
	if h.series.Created {
		study.Stats.SeriesCount++
		if online {
			patient.Stats.SeriesCount++
		}
	}
	series.ImageCount++
	study.Stats.ImageCount++
	if online {
		patient.Stats.ImageCount++
	}
}

// AggregateSeries returns the distinct, sorted modalities, body parts and
// station names of a study's series.
func AggregateSeries(series []*Series) StudyAggregates {
	var a StudyAggregates
	for _, s := range series {
		a.Modalities = appendDistinct(a.Modalities, s.Identity.Modality)
		a.BodyParts = appendDistinct(a.BodyParts, s.Identity.BodyPart)
		a.Stations = appendDistinct(a.Stations, s.Identity.StationName)
	}
	sort.Strings(a.Modalities)
	sort.Strings(a.BodyParts)
	sort.Strings(a.Stations)
	return a
}

func appendDistinct(list []string, v string) []string {
	if v == "" || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func (a StudyAggregates) Equal(b StudyAggregates) bool {
	return slices.Equal(a.Modalities, b.Modalities) &&
		slices.Equal(a.BodyParts, b.BodyParts) &&
		slices.Equal(a.Stations, b.Stations)
}

// updateStats persists the counter, aggregate and conflict bookkeeping for
// one new image. It reports whether the partition's conflict marker was set
// by this call.
func updateStats(ctx context.Context, tx Tx, partition *Partition, h *hierarchy) (bool, error) {
	countImage(h)
	patient, study, series := h.patient.Value, h.study.Value, h.series.Value

	withAggregates := false
	if h.series.Created {
		all, err := tx.ListSeries(ctx, study.ID)
		if err != nil {
			return false, wrapError(KindDatabase, err, "list series of study %s", study.UID)
		}
		if agg := AggregateSeries(all); !agg.Equal(study.Aggregates) {
			study.Aggregates = agg
			withAggregates = true
		}
	}

	if err := tx.UpdateSeriesStats(ctx, series); err != nil {
		return false, wrapError(KindDatabase, err, "update series %s", series.UID)
	}
	if err := tx.UpdateStudy(ctx, study, withAggregates); err != nil {
		return false, wrapError(KindDatabase, err, "update study %s", study.UID)
	}
	if IsOnline(study.Status) {
		if err := tx.UpdatePatientStats(ctx, patient); err != nil {
			return false, wrapError(KindDatabase, err, "update patient %s", patient.Identity.PID)
		}
	}

	if !h.study.Created || !IsConflict(study.Status) {
		return false, nil
	}

	if h.online != nil && (h.online.ConflictGroup == nil || *h.online.ConflictGroup != study.Status) {
		group := study.Status
		h.online.ConflictGroup = &group
		if err := tx.UpdateStudy(ctx, h.online, false); err != nil {
			return false, wrapError(KindDatabase, err, "mark study %s as conflicted", h.online.UID)
		}
	}
	if partition.HasConflicts {
		return false, nil
	}
	if err := tx.SetPartitionConflicts(ctx, partition.ID); err != nil {
		return false, wrapError(KindDatabase, err, "flag partition %s", partition.ID)
	}
	partition.HasConflicts = true
	return true, nil
}
