package archive

import (
	"context"

	"github.com/google/uuid"

	"github.com/pacs/pacs/internal/platform/db"
)

type lockStage int

const (
	stageNone lockStage = iota
	stagePartition
	stageStudies
	stagePatients
)

func (s lockStage) String() string {
	switch s {
	case stagePartition:
		return "partition"
	case stageStudies:
		return "studies"
	case stagePatients:
		return "patients"
	default:
		return "none"
	}
}

// lockSequence enforces the row lock order partition, studies, patients
// within one transaction. A stage may be entered again but never left for
// an earlier one.
type lockSequence struct {
	current lockStage
}

func (l *lockSequence) enter(next lockStage, strength db.LockStrength) error {
	if strength == db.LockNone || strength == db.LockNoLock {
		return nil
	}
	if next < l.current {
		return newError(KindConsistency, "lock order violation: %s lock requested after %s", next, l.current)
	}
	l.current = next
	return nil
}

// lockedTx wraps a Tx so every locking read passes through the sequence.
type lockedTx struct {
	Tx
	seq lockSequence
}

func newLockedTx(tx Tx) *lockedTx { return &lockedTx{Tx: tx} }

func (t *lockedTx) SelectPartition(ctx context.Context, id uuid.UUID, lock db.LockStrength) (*Partition, error) {
	if err := t.seq.enter(stagePartition, lock); err != nil {
		return nil, err
	}
	return t.Tx.SelectPartition(ctx, id, lock)
}

func (t *lockedTx) SelectStudies(ctx context.Context, partitionID uuid.UUID, studyUID string, lock db.LockStrength) ([]*Study, error) {
	if err := t.seq.enter(stageStudies, lock); err != nil {
		return nil, err
	}
	return t.Tx.SelectStudies(ctx, partitionID, studyUID, lock)
}

func (t *lockedTx) SelectPatients(ctx context.Context, partitionID uuid.UUID, pid string, lock db.LockStrength) ([]*Patient, error) {
	if err := t.seq.enter(stagePatients, lock); err != nil {
		return nil, err
	}
	return t.Tx.SelectPatients(ctx, partitionID, pid, lock)
}

func (t *lockedTx) SelectPatient(ctx context.Context, id uuid.UUID, lock db.LockStrength) (*Patient, error) {
	if err := t.seq.enter(stagePatients, lock); err != nil {
		return nil, err
	}
	return t.Tx.SelectPatient(ctx, id, lock)
}
