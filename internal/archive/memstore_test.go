package archive

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStore_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := &Partition{Name: "main"}
	if err := store.CreatePartition(ctx, p); err != nil {
		t.Fatal(err)
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	patient := &Patient{ID: uuid.New(), PartitionID: p.ID, Identity: PatientIdentity{PID: "P1"}, Status: StatusOnline}
	if err := tx.InsertPatient(ctx, patient); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if got := store.Patients(p.ID); len(got) != 0 {
		t.Errorf("rolled back patient visible: %v", got)
	}
	if err := tx.InsertPatient(ctx, patient); err != ErrTxDone {
		t.Errorf("use after rollback: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Errorf("second rollback should be a no-op: %v", err)
	}
}

func TestMemoryStore_OneOnlineStudyPerUID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := &Partition{Name: "main"}
	store.CreatePartition(ctx, p)

	tx, _ := store.Begin(ctx)
	defer tx.Rollback(ctx)
	patient := &Patient{ID: uuid.New(), PartitionID: p.ID, Status: StatusOnline}
	tx.InsertPatient(ctx, patient)

	first := &Study{ID: uuid.New(), PartitionID: p.ID, PatientID: patient.ID, UID: "ST1", Status: StatusOnline}
	if err := tx.InsertStudy(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &Study{ID: uuid.New(), PartitionID: p.ID, PatientID: patient.ID, UID: "ST1", Status: StatusOnline}
	if err := tx.InsertStudy(ctx, second); err == nil {
		t.Fatal("second online copy must be refused")
	}
	conflicted := &Study{ID: uuid.New(), PartitionID: p.ID, PatientID: patient.ID, UID: "ST1", Status: ConflictGroup(p.ID, "ST1")}
	if err := tx.InsertStudy(ctx, conflicted); err != nil {
		t.Fatalf("conflicted copy: %v", err)
	}

	studies, err := tx.SelectStudies(ctx, p.ID, "ST1", 0)
	if err != nil || len(studies) != 2 {
		t.Fatalf("SelectStudies = %d, %v", len(studies), err)
	}
}

func TestMemoryStore_SerializesTransactions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tx, _ := store.Begin(ctx)
	started := make(chan struct{})
	go func() {
		second, err := store.Begin(ctx)
		if err == nil {
			second.Rollback(ctx)
		}
		close(started)
	}()

	select {
	case <-started:
		t.Fatal("second transaction began while the first was open")
	case <-time.After(20 * time.Millisecond):
	}
	tx.Commit(ctx)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("second transaction never began")
	}
}

func TestMemoryStore_ReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := &Partition{Name: "main", Policy: []byte(`{}`)}
	store.CreatePartition(ctx, p)

	got, err := store.GetPartition(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.HasConflicts = true
	again, _ := store.GetPartition(ctx, p.ID)
	if again.HasConflicts {
		t.Error("mutating a read result leaked into the store")
	}
	if _, err := store.GetPartition(ctx, uuid.New()); err != ErrNotFound {
		t.Errorf("unknown partition: %v", err)
	}
	if err := store.CreatePartition(ctx, &Partition{Name: "main"}); err == nil {
		t.Error("duplicate partition name accepted")
	}
}
