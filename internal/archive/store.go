package archive

import (
	"context"

	"github.com/google/uuid"

	"github.com/pacs/pacs/internal/platform/db"
)

// Store is the archive's persistence boundary. Reads outside a transaction
// take no row locks.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	GetPartition(ctx context.Context, id uuid.UUID) (*Partition, error)
	CreatePartition(ctx context.Context, p *Partition) error
	UpdatePartitionPolicy(ctx context.Context, id uuid.UUID, policy []byte) error
	// ListStudies returns online and conflicted copies of a study UID.
	ListStudies(ctx context.Context, partitionID uuid.UUID, studyUID string) ([]*Study, error)
	ListConflictGroup(ctx context.Context, partitionID, group uuid.UUID) ([]*Study, error)
	ListSeries(ctx context.Context, studyID uuid.UUID) ([]*Series, error)
}

// Tx is one ingestion's transaction scope. Rollback after Commit is a no-op,
// so callers defer it unconditionally.
type Tx interface {
	SelectPartition(ctx context.Context, id uuid.UUID, lock db.LockStrength) (*Partition, error)
	// SelectStudies returns every online or conflicted study with the UID,
	// each carrying its patient's identity.
	SelectStudies(ctx context.Context, partitionID uuid.UUID, studyUID string, lock db.LockStrength) ([]*Study, error)
	// SelectPatients returns every online patient with the external id.
	SelectPatients(ctx context.Context, partitionID uuid.UUID, pid string, lock db.LockStrength) ([]*Patient, error)
	SelectPatient(ctx context.Context, id uuid.UUID, lock db.LockStrength) (*Patient, error)
	ImageExists(ctx context.Context, studyIDs []uuid.UUID, sopUID string) (bool, error)
	// FindSeries returns nil without error when the study has no such series.
	FindSeries(ctx context.Context, studyID uuid.UUID, seriesUID string) (*Series, error)
	ListSeries(ctx context.Context, studyID uuid.UUID) ([]*Series, error)

	InsertPatient(ctx context.Context, p *Patient) error
	InsertStudy(ctx context.Context, s *Study) error
	InsertSeries(ctx context.Context, s *Series) error
	InsertImage(ctx context.Context, i *Image) error

	UpdatePatientStats(ctx context.Context, p *Patient) error
	// UpdateStudy persists counters, the conflict reference and, when
	// withAggregates is set, the aggregates.
	UpdateStudy(ctx context.Context, s *Study, withAggregates bool) error
	UpdateSeriesStats(ctx context.Context, s *Series) error
	SetPartitionConflicts(ctx context.Context, id uuid.UUID) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
