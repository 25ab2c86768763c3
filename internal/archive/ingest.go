package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pacs/pacs/internal/platform/db"
	"github.com/pacs/pacs/internal/platform/filestore"
)

const tracerName = "github.com/pacs/pacs/internal/archive"

// ImportRequest is one DICOM object to archive into a partition.
type ImportRequest struct {
	PartitionID uuid.UUID
	// Policy is the partition's policy blob; nil means defaults.
	Policy      json.RawMessage
	MediaID     uuid.UUID
	MediaFolder string
	Object      Object
	// Commit finishes the transaction before Import returns. Without it the
	// result carries a Pending handle.
	Commit   bool
	Origin   Origin
	Includes []Include
}

type ImportResult struct {
	Patient *PatientView `json:"patient,omitempty"`
	Study   *StudyView   `json:"study,omitempty"`
	Series  *SeriesView  `json:"series,omitempty"`
	Image   *ImageView   `json:"image,omitempty"`

	PatientCreated bool `json:"patient_created"`
	StudyCreated   bool `json:"study_created"`
	SeriesCreated  bool `json:"series_created"`
	// Conflict is set when the object landed in a conflicted study.
	Conflict bool `json:"conflict"`
	// Ignored is set when the SOP instance already existed and the policy
	// says to ignore duplicates. Nothing was written.
	Ignored bool `json:"ignored"`

	// Pending is set only for Commit=false ingestions that wrote something.
	// It is nil for an ignored duplicate; its methods accept a nil receiver.
	Pending *Pending `json:"-"`
}

// Ingestor runs ingestions against a Store and a file store.
type Ingestor struct {
	store  Store
	files  filestore.Store
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewIngestor(store Store, files filestore.Store, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		files:  files,
		logger: logger.With().Str("component", "ingestor").Logger(),
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Import archives one object. On any error the transaction is rolled back
// and every file written by this attempt is removed.
func (g *Ingestor) Import(ctx context.Context, req ImportRequest) (_ *ImportResult, err error) {
	ctx, span := g.tracer.Start(ctx, "archive.Import", trace.WithAttributes(
		attribute.String("pacs.partition_id", req.PartitionID.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	policy, err := ParsePolicy(req.Policy)
	if err != nil {
		return nil, err
	}
	in, err := ReadIncoming(req.Object, policy)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("dicom.study_uid", in.StudyUID),
		attribute.String("dicom.sop_uid", in.SOPUID),
	)
	log := g.logger.With().
		Str("partition_id", req.PartitionID.String()).
		Str("study_uid", in.StudyUID).
		Str("sop_uid", in.SOPUID).
		Logger()

	rawTx, err := g.store.Begin(ctx)
	if err != nil {
		return nil, wrapError(KindDatabase, err, "begin ingestion")
	}
	tx := newLockedTx(rawTx)
	journal := filestore.NewJournal(g.files)

	finished := false
	defer func() {
		if finished {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			log.Error().Err(rbErr).Msg("rollback failed")
		}
		if clErr := journal.Cleanup(context.WithoutCancel(ctx)); clErr != nil {
			log.Error().Err(clErr).Msg("file cleanup failed")
		}
		if err != nil {
			log.Warn().Err(err).Str("kind", KindOf(err).String()).Msg("ingestion failed")
		}
	}()

	partition, err := tx.SelectPartition(ctx, req.PartitionID, db.LockShare)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, wrapError(KindValidation, err, "partition %s", req.PartitionID)
		}
		return nil, wrapError(KindDatabase, err, "lock partition %s", req.PartitionID)
	}
	studies, err := tx.SelectStudies(ctx, partition.ID, in.StudyUID, db.LockExclusive)
	if err != nil {
		return nil, wrapError(KindDatabase, err, "lock studies %s", in.StudyUID)
	}
	patients, err := tx.SelectPatients(ctx, partition.ID, in.Patient.PID, db.LockExclusive)
	if err != nil {
		return nil, wrapError(KindDatabase, err, "lock patients %s", in.Patient.PID)
	}

	if len(studies) > 0 {
		ids := make([]uuid.UUID, len(studies))
		for i, s := range studies {
			ids[i] = s.ID
		}
		dup, err := tx.ImageExists(ctx, ids, in.SOPUID)
		if err != nil {
			return nil, wrapError(KindDatabase, err, "duplicate check %s", in.SOPUID)
		}
		if dup {
			if policy.OverwriteMode == OverwriteRejectDuplicate {
				return nil, newError(KindDuplicate, "sop instance %s already archived", in.SOPUID)
			}
			log.Info().Msg("duplicate ignored")
			return &ImportResult{Ignored: true}, nil
		}
	}

	prov := Provenance{CreatedAt: g.now(), Origin: req.Origin}
	h, err := g.resolve(ctx, tx, partition, policy, in, studies, patients, prov)
	if err != nil {
		return nil, err
	}
	if err := g.create(ctx, tx, h); err != nil {
		return nil, err
	}

	saved, err := journal.Save(ctx, req.Object, filestore.Location{
		Root:        req.MediaFolder,
		PartitionID: partition.ID,
		StudyDate:   in.Study.StudyDate,
		Modality:    in.Series.Modality,
		SeriesUID:   in.SeriesUID,
		SOPUID:      in.SOPUID,
	})
	if err != nil {
		return nil, wrapError(KindIO, err, "store sop instance %s", in.SOPUID)
	}

	h.image = &Image{
		ID:       uuid.New(),
		SeriesID: h.series.Value.ID,
		StudyID:  h.study.Value.ID,
		SOPUID:   in.SOPUID,
		Identity: ImageIdentity{
			SOPClassUID:    in.SOPClassUID,
			InstanceNumber: in.Instance,
			CharSet:        in.CharSet,
		},
		Storage:    ImageStorage{MediaID: req.MediaID, Path: saved.RelPath},
		Status:     h.study.Value.Status,
		Provenance: prov,
	}
	if err := h.image.Verify(); err != nil {
		return nil, err
	}
	if err := tx.InsertImage(ctx, h.image); err != nil {
		return nil, wrapError(KindDatabase, err, "insert image %s", in.SOPUID)
	}

	flagged, err := updateStats(ctx, tx, partition, h)
	if err != nil {
		return nil, err
	}

	res := render(h, req.Includes)
	if !req.Commit {
		finished = true
		res.Pending = &Pending{tx: tx, journal: journal, log: log}
		return res, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrapError(KindDatabase, err, "commit ingestion")
	}
	journal.Forget()
	finished = true

	ev := log.Info().
		Bool("patient_created", h.patient.Created).
		Bool("study_created", h.study.Created).
		Bool("series_created", h.series.Created).
		Bool("conflict", res.Conflict).
		Str("path", saved.RelPath)
	if flagged {
		ev = ev.Bool("partition_flagged", true)
	}
	ev.Msg("ingested")
	return res, nil
}

// resolve decides which patient, study and series the object belongs to.
// Nothing is written.
func (g *Ingestor) resolve(ctx context.Context, tx Tx, partition *Partition, policy Policy, in *Incoming,
	studies []*Study, patients []*Patient, prov Provenance) (*hierarchy, error) {
	online, err := FindOnlineStudy(studies, true)
	if err != nil {
		return nil, err
	}
	h := &hierarchy{online: online}

	switch {
	case online == nil:
		h.patient = matchOrNewPatient(partition, patients, in, prov)
		h.study = Created(newStudy(partition, h.patient.Value, in, StatusOnline, prov))

	case !StudyIsInConflict(online, in, policy.ConflictCriteria):
		patient, err := studyPatient(ctx, tx, online, patients)
		if err != nil {
			return nil, err
		}
		h.patient = Existing(patient)
		h.study = Existing(online)

	default:
		if policy.ConflictMode == ConflictReject {
			return nil, newError(KindConflict, "study %s conflicts with the archived copy", in.StudyUID)
		}
		if existing := FindConflictStudy(studies, in, policy.ConflictCriteria); existing != nil {
			patient, err := studyPatient(ctx, tx, existing, patients)
			if err != nil {
				return nil, err
			}
			h.patient = Existing(patient)
			h.study = Existing(existing)
			break
		}
		h.patient = matchOrNewPatient(partition, patients, in, prov)
		group := ConflictGroup(partition.ID, in.StudyUID)
		h.study = Created(newStudy(partition, h.patient.Value, in, group, prov))
	}

	if !h.study.Created {
		series, err := tx.FindSeries(ctx, h.study.Value.ID, in.SeriesUID)
		if err != nil {
			return nil, wrapError(KindDatabase, err, "find series %s", in.SeriesUID)
		}
		if series != nil {
			h.series = Existing(series)
			return h, nil
		}
	}
	h.series = Created(&Series{
		ID:         uuid.New(),
		StudyID:    h.study.Value.ID,
		UID:        in.SeriesUID,
		Identity:   in.Series,
		Status:     h.study.Value.Status,
		Provenance: prov,
	})
	return h, nil
}

func matchOrNewPatient(partition *Partition, candidates []*Patient, in *Incoming, prov Provenance) Resolved[Patient] {
	if p := FindMatchingPatient(candidates, in); p != nil {
		return Existing(p)
	}
	return Created(&Patient{
		ID:          uuid.New(),
		PartitionID: partition.ID,
		Identity:    in.Patient,
		Status:      StatusOnline,
		Provenance:  prov,
	})
}

func newStudy(partition *Partition, patient *Patient, in *Incoming, status uuid.UUID, prov Provenance) *Study {
	s := &Study{
		ID:          uuid.New(),
		PartitionID: partition.ID,
		PatientID:   patient.ID,
		UID:         in.StudyUID,
		Identity:    in.Study,
		Status:      status,
		Provenance:  prov,
		Patient:     patient.Identity,
	}
	if IsConflict(status) {
		group := status
		s.ConflictGroup = &group
	}
	return s
}

// studyPatient returns the owner of s, preferring the already locked rows.
func studyPatient(ctx context.Context, tx Tx, s *Study, locked []*Patient) (*Patient, error) {
	for _, p := range locked {
		if p.ID == s.PatientID {
			return p, nil
		}
	}
	p, err := tx.SelectPatient(ctx, s.PatientID, db.LockExclusive)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, wrapError(KindConsistency, err, "patient of study %s", s.UID)
		}
		return nil, wrapError(KindDatabase, err, "lock patient of study %s", s.UID)
	}
	return p, nil
}

// create inserts the levels resolve marked as new, top down.
func (g *Ingestor) create(ctx context.Context, tx Tx, h *hierarchy) error {
	if h.patient.Created {
		if err := h.patient.Value.Verify(); err != nil {
			return err
		}
		if err := tx.InsertPatient(ctx, h.patient.Value); err != nil {
			return wrapError(KindDatabase, err, "insert patient %s", h.patient.Value.Identity.PID)
		}
	}
	if h.study.Created {
		if err := h.study.Value.Verify(); err != nil {
			return err
		}
		if err := tx.InsertStudy(ctx, h.study.Value); err != nil {
			return wrapError(KindDatabase, err, "insert study %s", h.study.Value.UID)
		}
	}
	if h.series.Created {
		if err := h.series.Value.Verify(); err != nil {
			return err
		}
		if err := tx.InsertSeries(ctx, h.series.Value); err != nil {
			return wrapError(KindDatabase, err, "insert series %s", h.series.Value.UID)
		}
	}
	return nil
}

func render(h *hierarchy, includes []Include) *ImportResult {
	if len(includes) == 0 {
		includes = DefaultIncludes
	}
	return &ImportResult{
		Patient:        RenderPatient(h.patient.Value, includes...),
		Study:          RenderStudy(h.study.Value, includes...),
		Series:         RenderSeries(h.series.Value, includes...),
		Image:          RenderImage(h.image, includes...),
		PatientCreated: h.patient.Created,
		StudyCreated:   h.study.Created,
		SeriesCreated:  h.series.Created,
		Conflict:       IsConflict(h.study.Value.Status),
	}
}

// Pending is an ingestion whose transaction is still open. Exactly one of
// Commit or Rollback takes effect; later calls are no-ops, as are calls on a
// nil Pending.
type Pending struct {
	tx      Tx
	journal *filestore.Journal
	log     zerolog.Logger

	mu   sync.Mutex
	done bool
}

func (p *Pending) Commit(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil
	}
	p.done = true
	if err := p.tx.Commit(ctx); err != nil {
		_ = p.tx.Rollback(context.WithoutCancel(ctx))
		if clErr := p.journal.Cleanup(context.WithoutCancel(ctx)); clErr != nil {
			p.log.Error().Err(clErr).Msg("file cleanup failed")
		}
		return wrapError(KindDatabase, err, "commit ingestion")
	}
	p.journal.Forget()
	p.log.Info().Msg("ingested")
	return nil
}

func (p *Pending) Rollback(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return nil
	}
	p.done = true
	rbErr := p.tx.Rollback(ctx)
	clErr := p.journal.Cleanup(context.WithoutCancel(ctx))
	if rbErr != nil {
		return wrapError(KindDatabase, rbErr, "rollback ingestion")
	}
	if clErr != nil {
		return wrapError(KindIO, clErr, "remove written files")
	}
	return nil
}
