package archive

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pacs/pacs/internal/platform/db"
)

var (
	ErrTxDone           = errors.New("transaction already finished")
	errOnlineStudyTaken = errors.New("an online study with this uid already exists")
)

// MemoryStore keeps the archive in process memory. Transactions are fully
// serialized: Begin blocks until the previous transaction has finished, and
// each transaction works on a private copy that replaces the shared state on
// commit.
type MemoryStore struct {
	txMu sync.Mutex

	mu    sync.RWMutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type memState struct {
	partitions map[uuid.UUID]*Partition
	patients   map[uuid.UUID]*Patient
	studies    map[uuid.UUID]*Study
	series     map[uuid.UUID]*Series
	images     map[uuid.UUID]*Image

	// insertion order, for deterministic candidate lists
	patientOrder []uuid.UUID
	studyOrder   []uuid.UUID
	seriesOrder  []uuid.UUID
}

func newMemState() *memState {
	return &memState{
		partitions: map[uuid.UUID]*Partition{},
		patients:   map[uuid.UUID]*Patient{},
		studies:    map[uuid.UUID]*Study{},
		series:     map[uuid.UUID]*Series{},
		images:     map[uuid.UUID]*Image{},
	}
}

func (m *memState) clone() *memState {
	c := newMemState()
	for id, p := range m.partitions {
		c.partitions[id] = clonePartition(p)
	}
	for id, p := range m.patients {
		cp := *p
		c.patients[id] = &cp
	}
	for id, s := range m.studies {
		c.studies[id] = cloneStudy(s)
	}
	for id, s := range m.series {
		cs := *s
		c.series[id] = &cs
	}
	for id, i := range m.images {
		ci := *i
		c.images[id] = &ci
	}
	c.patientOrder = slices.Clone(m.patientOrder)
	c.studyOrder = slices.Clone(m.studyOrder)
	c.seriesOrder = slices.Clone(m.seriesOrder)
	return c
}

func clonePartition(p *Partition) *Partition {
	c := *p
	c.Policy = slices.Clone(p.Policy)
	return &c
}

func cloneStudy(s *Study) *Study {
	c := *s
	c.Aggregates = StudyAggregates{
		Modalities: slices.Clone(s.Aggregates.Modalities),
		BodyParts:  slices.Clone(s.Aggregates.BodyParts),
		Stations:   slices.Clone(s.Aggregates.Stations),
	}
	if s.ConflictGroup != nil {
		g := *s.ConflictGroup
		c.ConflictGroup = &g
	}
	return &c
}

// withPatient returns a copy of s carrying its owner's identity.
func (m *memState) withPatient(s *Study) *Study {
	c := cloneStudy(s)
	if p, ok := m.patients[s.PatientID]; ok {
		c.Patient = p.Identity
	}
	return c
}

func (m *memState) studiesByUID(partitionID uuid.UUID, studyUID string) []*Study {
	var out []*Study
	for _, id := range m.studyOrder {
		s := m.studies[id]
		if s.PartitionID != partitionID || s.UID != studyUID {
			continue
		}
		if IsOnline(s.Status) || IsConflict(s.Status) {
			out = append(out, m.withPatient(s))
		}
	}
	return out
}

func (m *memState) seriesOf(studyID uuid.UUID) []*Series {
	var out []*Series
	for _, id := range m.seriesOrder {
		if s := m.series[id]; s.StudyID == studyID {
			cs := *s
			out = append(out, &cs)
		}
	}
	return out
}

func (s *MemoryStore) read() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	return &memTx{store: s, state: s.read().clone()}, nil
}

func (s *MemoryStore) GetPartition(_ context.Context, id uuid.UUID) (*Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.partitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePartition(p), nil
}

func (s *MemoryStore) CreatePartition(ctx context.Context, p *Partition) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	mt := tx.(*memTx)
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	for _, existing := range mt.state.partitions {
		if existing.ID == p.ID || existing.Name == p.Name {
			return fmt.Errorf("partition %q already exists", p.Name)
		}
	}
	mt.state.partitions[p.ID] = clonePartition(p)
	return tx.Commit(ctx)
}

func (s *MemoryStore) UpdatePartitionPolicy(ctx context.Context, id uuid.UUID, policy []byte) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	p, ok := tx.(*memTx).state.partitions[id]
	if !ok {
		return ErrNotFound
	}
	p.Policy = slices.Clone(policy)
	return tx.Commit(ctx)
}

func (s *MemoryStore) ListStudies(_ context.Context, partitionID uuid.UUID, studyUID string) ([]*Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.studiesByUID(partitionID, studyUID), nil
}

func (s *MemoryStore) ListConflictGroup(_ context.Context, partitionID, group uuid.UUID) ([]*Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Study
	for _, id := range s.state.studyOrder {
		st := s.state.studies[id]
		if st.PartitionID != partitionID {
			continue
		}
		if st.Status == group || (st.ConflictGroup != nil && *st.ConflictGroup == group) {
			out = append(out, s.state.withPatient(st))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListSeries(_ context.Context, studyID uuid.UUID) ([]*Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.seriesOf(studyID), nil
}

// Images returns every committed image, for tests and diagnostics.
func (s *MemoryStore) Images() []*Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Image, 0, len(s.state.images))
	for _, i := range s.state.images {
		ci := *i
		out = append(out, &ci)
	}
	return out
}

// Patients returns every committed patient of a partition in creation order.
func (s *MemoryStore) Patients(partitionID uuid.UUID) []*Patient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Patient
	for _, id := range s.state.patientOrder {
		if p := s.state.patients[id]; p.PartitionID == partitionID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

type memTx struct {
	store *MemoryStore
	state *memState
	done  bool
}

func (t *memTx) check(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	return ctx.Err()
}

func (t *memTx) SelectPartition(ctx context.Context, id uuid.UUID, _ db.LockStrength) (*Partition, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	p, ok := t.state.partitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePartition(p), nil
}

func (t *memTx) SelectStudies(ctx context.Context, partitionID uuid.UUID, studyUID string, _ db.LockStrength) ([]*Study, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.state.studiesByUID(partitionID, studyUID), nil
}

func (t *memTx) SelectPatients(ctx context.Context, partitionID uuid.UUID, pid string, _ db.LockStrength) ([]*Patient, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	var out []*Patient
	for _, id := range t.state.patientOrder {
		p := t.state.patients[id]
		if p.PartitionID == partitionID && p.Identity.PID == pid && IsOnline(p.Status) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) SelectPatient(ctx context.Context, id uuid.UUID, _ db.LockStrength) (*Patient, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	p, ok := t.state.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) ImageExists(ctx context.Context, studyIDs []uuid.UUID, sopUID string) (bool, error) {
	if err := t.check(ctx); err != nil {
		return false, err
	}
	for _, i := range t.state.images {
		if i.SOPUID == sopUID && slices.Contains(studyIDs, i.StudyID) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) FindSeries(ctx context.Context, studyID uuid.UUID, seriesUID string) (*Series, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	for _, s := range t.state.seriesOf(studyID) {
		if s.UID == seriesUID {
			return s, nil
		}
	}
	return nil, nil
}

func (t *memTx) ListSeries(ctx context.Context, studyID uuid.UUID) ([]*Series, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.state.seriesOf(studyID), nil
}

func (t *memTx) InsertPatient(ctx context.Context, p *Patient) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, ok := t.state.patients[p.ID]; ok {
		return fmt.Errorf("patient %s already exists", p.ID)
	}
	cp := *p
	t.state.patients[p.ID] = &cp
	t.state.patientOrder = append(t.state.patientOrder, p.ID)
	return nil
}

func (t *memTx) InsertStudy(ctx context.Context, s *Study) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, ok := t.state.patients[s.PatientID]; !ok {
		return fmt.Errorf("study %s references unknown patient %s", s.UID, s.PatientID)
	}
	if IsOnline(s.Status) {
		for _, existing := range t.state.studies {
			if existing.PartitionID == s.PartitionID && existing.UID == s.UID && IsOnline(existing.Status) {
				return errOnlineStudyTaken
			}
		}
	}
	c := cloneStudy(s)
	c.Patient = PatientIdentity{}
	t.state.studies[s.ID] = c
	t.state.studyOrder = append(t.state.studyOrder, s.ID)
	return nil
}

func (t *memTx) InsertSeries(ctx context.Context, s *Series) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, ok := t.state.studies[s.StudyID]; !ok {
		return fmt.Errorf("series %s references unknown study %s", s.UID, s.StudyID)
	}
	for _, existing := range t.state.series {
		if existing.StudyID == s.StudyID && existing.UID == s.UID {
			return fmt.Errorf("series %s already exists in study", s.UID)
		}
	}
	cs := *s
	t.state.series[s.ID] = &cs
	t.state.seriesOrder = append(t.state.seriesOrder, s.ID)
	return nil
}

func (t *memTx) InsertImage(ctx context.Context, i *Image) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if _, ok := t.state.series[i.SeriesID]; !ok {
		return fmt.Errorf("image %s references unknown series %s", i.SOPUID, i.SeriesID)
	}
	ci := *i
	t.state.images[i.ID] = &ci
	return nil
}

func (t *memTx) UpdatePatientStats(ctx context.Context, p *Patient) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	row, ok := t.state.patients[p.ID]
	if !ok {
		return ErrNotFound
	}
	row.Stats = p.Stats
	return nil
}

func (t *memTx) UpdateStudy(ctx context.Context, s *Study, withAggregates bool) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	row, ok := t.state.studies[s.ID]
	if !ok {
		return ErrNotFound
	}
	row.Stats = s.Stats
	row.ConflictGroup = nil
	if s.ConflictGroup != nil {
		g := *s.ConflictGroup
		row.ConflictGroup = &g
	}
	if withAggregates {
		row.Aggregates = cloneStudy(s).Aggregates
	}
	return nil
}

func (t *memTx) UpdateSeriesStats(ctx context.Context, s *Series) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	row, ok := t.state.series[s.ID]
	if !ok {
		return ErrNotFound
	}
	row.ImageCount = s.ImageCount
	return nil
}

func (t *memTx) SetPartitionConflicts(ctx context.Context, id uuid.UUID) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	p, ok := t.state.partitions[id]
	if !ok {
		return ErrNotFound
	}
	p.HasConflicts = true
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.done = true
	t.store.mu.Lock()
	t.store.state = t.state
	t.store.mu.Unlock()
	t.store.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.state = nil
	t.store.txMu.Unlock()
	return nil
}
