package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pacs/pacs/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// StorePG is the PostgreSQL Store. Row locks come from SELECT ... FOR
// SHARE/UPDATE; creators racing on rows that do not exist yet are
// serialized by transaction scoped advisory locks on the same keys.
type StorePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) *StorePG {
	return &StorePG{pool: pool}
}

func (s *StorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const partitionCols = `id, name, policy, has_conflicts, created_at`

const patientCols = `id, partition_id, pid, name, ideogram, phonetic, birthdate, birthtime, sex,
	status, study_count, series_count, image_count, created_at, origin_id, origin_name, origin_ip`

const studyCols = `s.id, s.partition_id, s.patient_id, s.study_uid, s.accession_number, s.study_code,
	s.description, s.study_date, s.modalities, s.body_parts, s.stations, s.status, s.conflict_group,
	s.series_count, s.image_count, s.report_count, s.created_at, s.origin_id, s.origin_name, s.origin_ip,
	p.pid, p.name, p.ideogram, p.phonetic, p.birthdate, p.birthtime, p.sex`

const studyFrom = ` FROM study s JOIN patient p ON p.id = s.patient_id`

const seriesCols = `id, study_id, series_uid, modality, series_number, description, body_part,
	station_name, status, image_count, created_at, origin_id, origin_name, origin_ip`

func scanPartition(row pgx.Row) (*Partition, error) {
	var p Partition
	err := row.Scan(&p.ID, &p.Name, &p.Policy, &p.HasConflicts, &p.CreatedAt)
	return &p, notFound(err)
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.PartitionID, &p.Identity.PID, &p.Identity.Name, &p.Identity.Ideogram,
		&p.Identity.Phonetic, &p.Identity.BirthDate, &p.Identity.BirthTime, &p.Identity.Sex,
		&p.Status, &p.Stats.StudyCount, &p.Stats.SeriesCount, &p.Stats.ImageCount,
		&p.Provenance.CreatedAt, &p.Provenance.ID, &p.Provenance.Name, &p.Provenance.IP)
	return &p, notFound(err)
}

func scanStudy(row pgx.Row) (*Study, error) {
	var s Study
	err := row.Scan(&s.ID, &s.PartitionID, &s.PatientID, &s.UID, &s.Identity.AccessionNumber,
		&s.Identity.StudyID, &s.Identity.Description, &s.Identity.StudyDate,
		&s.Aggregates.Modalities, &s.Aggregates.BodyParts, &s.Aggregates.Stations,
		&s.Status, &s.ConflictGroup, &s.Stats.SeriesCount, &s.Stats.ImageCount, &s.Stats.ReportCount,
		&s.Provenance.CreatedAt, &s.Provenance.ID, &s.Provenance.Name, &s.Provenance.IP,
		&s.Patient.PID, &s.Patient.Name, &s.Patient.Ideogram, &s.Patient.Phonetic,
		&s.Patient.BirthDate, &s.Patient.BirthTime, &s.Patient.Sex)
	return &s, notFound(err)
}

func scanSeries(row pgx.Row) (*Series, error) {
	var s Series
	err := row.Scan(&s.ID, &s.StudyID, &s.UID, &s.Identity.Modality, &s.Identity.SeriesNumber,
		&s.Identity.Description, &s.Identity.BodyPart, &s.Identity.StationName, &s.Status,
		&s.ImageCount, &s.Provenance.CreatedAt, &s.Provenance.ID, &s.Provenance.Name, &s.Provenance.IP)
	return &s, notFound(err)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var items []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *StorePG) Begin(ctx context.Context) (Tx, error) {
	_, tx, err := db.WithTx(ctx, s.pool)
	if err != nil {
		return nil, err
	}
	return &txPG{tx: tx}, nil
}

func (s *StorePG) GetPartition(ctx context.Context, id uuid.UUID) (*Partition, error) {
	return scanPartition(s.conn(ctx).QueryRow(ctx, `SELECT `+partitionCols+` FROM partition WHERE id = $1`, id))
}

func (s *StorePG) CreatePartition(ctx context.Context, p *Partition) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	policy := p.Policy
	if len(policy) == 0 {
		policy = []byte(`{}`)
	}
	return s.conn(ctx).QueryRow(ctx, `
		INSERT INTO partition (id, name, policy)
		VALUES ($1, $2, $3)
		RETURNING has_conflicts, created_at`,
		p.ID, p.Name, policy).Scan(&p.HasConflicts, &p.CreatedAt)
}

func (s *StorePG) UpdatePartitionPolicy(ctx context.Context, id uuid.UUID, policy []byte) error {
	tag, err := s.conn(ctx).Exec(ctx, `UPDATE partition SET policy = $2 WHERE id = $1`, id, policy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *StorePG) ListStudies(ctx context.Context, partitionID uuid.UUID, studyUID string) ([]*Study, error) {
	return selectStudies(ctx, s.conn(ctx), partitionID, studyUID, db.LockNone)
}

func (s *StorePG) ListConflictGroup(ctx context.Context, partitionID, group uuid.UUID) ([]*Study, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+studyCols+studyFrom+`
		WHERE s.partition_id = $1 AND (s.status = $2 OR s.conflict_group = $2)
		ORDER BY s.created_at, s.id`, partitionID, group)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanStudy)
}

func (s *StorePG) ListSeries(ctx context.Context, studyID uuid.UUID) ([]*Series, error) {
	return listSeries(ctx, s.conn(ctx), studyID)
}

func selectStudies(ctx context.Context, q queryable, partitionID uuid.UUID, studyUID string, lock db.LockStrength) ([]*Study, error) {
	rows, err := q.Query(ctx, `SELECT `+studyCols+studyFrom+`
		WHERE s.partition_id = $1 AND s.study_uid = $2 AND s.status <> $3
		ORDER BY s.created_at, s.id`+db.LockClause(lock, "s"),
		partitionID, studyUID, StatusDeleted)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanStudy)
}

func listSeries(ctx context.Context, q queryable, studyID uuid.UUID) ([]*Series, error) {
	rows, err := q.Query(ctx, `SELECT `+seriesCols+` FROM series WHERE study_id = $1 ORDER BY created_at, id`, studyID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSeries)
}

type txPG struct {
	tx pgx.Tx
}

// advisoryLock takes a transaction scoped lock on key. Row locks cannot
// cover rows that do not exist yet; this does.
func (t *txPG) advisoryLock(ctx context.Context, key string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

func studyLockKey(partitionID uuid.UUID, studyUID string) string {
	return fmt.Sprintf("study:%s:%s", partitionID, studyUID)
}

func patientLockKey(partitionID uuid.UUID, pid string) string {
	return fmt.Sprintf("patient:%s:%s", partitionID, pid)
}

func (t *txPG) SelectPartition(ctx context.Context, id uuid.UUID, lock db.LockStrength) (*Partition, error) {
	return scanPartition(t.tx.QueryRow(ctx,
		`SELECT `+partitionCols+` FROM partition WHERE id = $1`+db.LockClause(lock), id))
}

func (t *txPG) SelectStudies(ctx context.Context, partitionID uuid.UUID, studyUID string, lock db.LockStrength) ([]*Study, error) {
	if lock == db.LockExclusive {
		if err := t.advisoryLock(ctx, studyLockKey(partitionID, studyUID)); err != nil {
			return nil, err
		}
	}
	return selectStudies(ctx, t.tx, partitionID, studyUID, lock)
}

func (t *txPG) SelectPatients(ctx context.Context, partitionID uuid.UUID, pid string, lock db.LockStrength) ([]*Patient, error) {
	if lock == db.LockExclusive {
		if err := t.advisoryLock(ctx, patientLockKey(partitionID, pid)); err != nil {
			return nil, err
		}
	}
	rows, err := t.tx.Query(ctx, `SELECT `+patientCols+` FROM patient
		WHERE partition_id = $1 AND pid = $2 AND status = $3
		ORDER BY created_at, id`+db.LockClause(lock),
		partitionID, pid, StatusOnline)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPatient)
}

func (t *txPG) SelectPatient(ctx context.Context, id uuid.UUID, lock db.LockStrength) (*Patient, error) {
	return scanPatient(t.tx.QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`+db.LockClause(lock), id))
}

func (t *txPG) ImageExists(ctx context.Context, studyIDs []uuid.UUID, sopUID string) (bool, error) {
	ids := make([]string, len(studyIDs))
	for i, id := range studyIDs {
		ids[i] = id.String()
	}
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM image WHERE study_id = ANY($1::uuid[]) AND sop_uid = $2)`,
		ids, sopUID).Scan(&exists)
	return exists, err
}

func (t *txPG) FindSeries(ctx context.Context, studyID uuid.UUID, seriesUID string) (*Series, error) {
	s, err := scanSeries(t.tx.QueryRow(ctx,
		`SELECT `+seriesCols+` FROM series WHERE study_id = $1 AND series_uid = $2`, studyID, seriesUID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return s, err
}

func (t *txPG) ListSeries(ctx context.Context, studyID uuid.UUID) ([]*Series, error) {
	return listSeries(ctx, t.tx, studyID)
}

func (t *txPG) InsertPatient(ctx context.Context, p *Patient) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO patient (id, partition_id, pid, name, ideogram, phonetic, birthdate, birthtime, sex,
			status, study_count, series_count, image_count, created_at, origin_id, origin_name, origin_ip)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		p.ID, p.PartitionID, p.Identity.PID, p.Identity.Name, p.Identity.Ideogram, p.Identity.Phonetic,
		p.Identity.BirthDate, p.Identity.BirthTime, p.Identity.Sex, p.Status,
		p.Stats.StudyCount, p.Stats.SeriesCount, p.Stats.ImageCount,
		p.Provenance.CreatedAt, p.Provenance.ID, p.Provenance.Name, p.Provenance.IP)
	return err
}

func (t *txPG) InsertStudy(ctx context.Context, s *Study) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO study (id, partition_id, patient_id, study_uid, accession_number, study_code,
			description, study_date, modalities, body_parts, stations, status, conflict_group,
			series_count, image_count, report_count, created_at, origin_id, origin_name, origin_ip)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		s.ID, s.PartitionID, s.PatientID, s.UID, s.Identity.AccessionNumber, s.Identity.StudyID,
		s.Identity.Description, s.Identity.StudyDate,
		nonNil(s.Aggregates.Modalities), nonNil(s.Aggregates.BodyParts), nonNil(s.Aggregates.Stations),
		s.Status, s.ConflictGroup, s.Stats.SeriesCount, s.Stats.ImageCount, s.Stats.ReportCount,
		s.Provenance.CreatedAt, s.Provenance.ID, s.Provenance.Name, s.Provenance.IP)
	return err
}

func (t *txPG) InsertSeries(ctx context.Context, s *Series) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO series (id, study_id, series_uid, modality, series_number, description, body_part,
			station_name, status, image_count, created_at, origin_id, origin_name, origin_ip)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		s.ID, s.StudyID, s.UID, s.Identity.Modality, s.Identity.SeriesNumber, s.Identity.Description,
		s.Identity.BodyPart, s.Identity.StationName, s.Status, s.ImageCount,
		s.Provenance.CreatedAt, s.Provenance.ID, s.Provenance.Name, s.Provenance.IP)
	return err
}

func (t *txPG) InsertImage(ctx context.Context, i *Image) error {
	var mediaID *uuid.UUID
	if i.Storage.MediaID != uuid.Nil {
		mediaID = &i.Storage.MediaID
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO image (id, series_id, study_id, sop_uid, sop_class_uid, instance_number, charset,
			media_id, path, compression_codec, compression_level, status, created_at,
			origin_id, origin_name, origin_ip)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		i.ID, i.SeriesID, i.StudyID, i.SOPUID, i.Identity.SOPClassUID, i.Identity.InstanceNumber,
		i.Identity.CharSet, mediaID, i.Storage.Path, i.Storage.CompressionCodec, i.Storage.CompressionLevel,
		i.Status, i.Provenance.CreatedAt, i.Provenance.ID, i.Provenance.Name, i.Provenance.IP)
	return err
}

func (t *txPG) UpdatePatientStats(ctx context.Context, p *Patient) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE patient SET study_count = $2, series_count = $3, image_count = $4 WHERE id = $1`,
		p.ID, p.Stats.StudyCount, p.Stats.SeriesCount, p.Stats.ImageCount)
	return err
}

func (t *txPG) UpdateStudy(ctx context.Context, s *Study, withAggregates bool) error {
	if withAggregates {
		_, err := t.tx.Exec(ctx, `
			UPDATE study SET series_count = $2, image_count = $3, report_count = $4, conflict_group = $5,
				modalities = $6, body_parts = $7, stations = $8
			WHERE id = $1`,
			s.ID, s.Stats.SeriesCount, s.Stats.ImageCount, s.Stats.ReportCount, s.ConflictGroup,
			nonNil(s.Aggregates.Modalities), nonNil(s.Aggregates.BodyParts), nonNil(s.Aggregates.Stations))
		return err
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE study SET series_count = $2, image_count = $3, report_count = $4, conflict_group = $5
		WHERE id = $1`,
		s.ID, s.Stats.SeriesCount, s.Stats.ImageCount, s.Stats.ReportCount, s.ConflictGroup)
	return err
}

func (t *txPG) UpdateSeriesStats(ctx context.Context, s *Series) error {
	_, err := t.tx.Exec(ctx, `UPDATE series SET image_count = $2 WHERE id = $1`, s.ID, s.ImageCount)
	return err
}

func (t *txPG) SetPartitionConflicts(ctx context.Context, id uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `UPDATE partition SET has_conflicts = TRUE WHERE id = $1 AND NOT has_conflicts`, id)
	return err
}

func (t *txPG) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *txPG) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
