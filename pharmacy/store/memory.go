// Package store provides in-memory pharmacy.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/dispensary/pharmacy"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a transactional in-memory store. Every public method takes the
// store lock, so WithTx calls are fully serialized.
type Memory struct {
	mu    sync.Mutex
	state *memoryState
}

type memoryState struct {
	medications      map[pharmacy.MedicationID]pharmacy.Medication
	dispensations    map[pharmacy.DispensationID]pharmacy.Dispensation
	audit            []pharmacy.AuditEntry
	nextMedication   int64
	nextDispensation int64
	nextAudit        int64
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

func newMemoryState() *memoryState {
	return &memoryState{
		medications:   make(map[pharmacy.MedicationID]pharmacy.Medication),
		dispensations: make(map[pharmacy.DispensationID]pharmacy.Dispensation),
	}
}

// SaveMedication inserts m (when m.ID is zero) or replaces it.
func (m *Memory) SaveMedication(_ context.Context, med pharmacy.Medication) (pharmacy.MedicationID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if med.ID == 0 {
		m.state.nextMedication++
		med.ID = pharmacy.MedicationID(m.state.nextMedication)
	} else if int64(med.ID) > m.state.nextMedication {
		m.state.nextMedication = int64(med.ID)
	}
	m.state.medications[med.ID] = med
	return med.ID, nil
}

func (m *Memory) GetMedication(ctx context.Context, id pharmacy.MedicationID) (*pharmacy.Medication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetMedication(ctx, id)
}

func (m *Memory) ListMedications(ctx context.Context) ([]pharmacy.Medication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListMedications(ctx)
}

func (m *Memory) AdjustStock(ctx context.Context, id pharmacy.MedicationID, delta int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AdjustStock(ctx, id, delta, at)
}

func (m *Memory) InsertDispensation(ctx context.Context, d *pharmacy.Dispensation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertDispensation(ctx, d)
}

func (m *Memory) GetDispensation(ctx context.Context, id pharmacy.DispensationID) (*pharmacy.Dispensation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetDispensation(ctx, id)
}

func (m *Memory) DispensedQuantity(ctx context.Context, id pharmacy.DispensationID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DispensedQuantity(ctx, id)
}

func (m *Memory) UpdateDispensation(ctx context.Context, d pharmacy.Dispensation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateDispensation(ctx, d)
}

func (m *Memory) DeleteDispensation(ctx context.Context, id pharmacy.DispensationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteDispensation(ctx, id)
}

func (m *Memory) ListDispensations(ctx context.Context) ([]pharmacy.Dispensation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListDispensations(ctx)
}

func (m *Memory) AppendAudit(ctx context.Context, entry pharmacy.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendAudit(ctx, entry)
}

func (m *Memory) ListAudit(ctx context.Context) ([]pharmacy.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListAudit(ctx)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(pharmacy.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		medications:      make(map[pharmacy.MedicationID]pharmacy.Medication, len(s.medications)),
		dispensations:    make(map[pharmacy.DispensationID]pharmacy.Dispensation, len(s.dispensations)),
		audit:            append([]pharmacy.AuditEntry(nil), s.audit...),
		nextMedication:   s.nextMedication,
		nextDispensation: s.nextDispensation,
		nextAudit:        s.nextAudit,
	}
	for k, v := range s.medications {
		c.medications[k] = v
	}
	for k, v := range s.dispensations {
		c.dispensations[k] = v
	}
	return c
}

// =============================================================================
// UNLOCKED STATE - pharmacy.Store view used directly inside WithTx
// =============================================================================

func (s *memoryState) GetMedication(_ context.Context, id pharmacy.MedicationID) (*pharmacy.Medication, error) {
	med, ok := s.medications[id]
	if !ok {
		return nil, pharmacy.ErrMedicationNotFound
	}
	return &med, nil
}

func (s *memoryState) ListMedications(_ context.Context) ([]pharmacy.Medication, error) {
	out := make([]pharmacy.Medication, 0, len(s.medications))
	for _, med := range s.medications {
		out = append(out, med)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *memoryState) AdjustStock(_ context.Context, id pharmacy.MedicationID, delta int, at time.Time) error {
	med, ok := s.medications[id]
	if !ok {
		return pharmacy.ErrMedicationNotFound
	}
	med.Stock += delta
	med.UpdatedAt = at
	s.medications[id] = med
	return nil
}

func (s *memoryState) InsertDispensation(_ context.Context, d *pharmacy.Dispensation) error {
	if _, ok := s.medications[d.MedicationID]; !ok {
		return pharmacy.ErrConstraintViolation
	}
	s.nextDispensation++
	d.ID = pharmacy.DispensationID(s.nextDispensation)
	s.dispensations[d.ID] = *d
	return nil
}

func (s *memoryState) GetDispensation(_ context.Context, id pharmacy.DispensationID) (*pharmacy.Dispensation, error) {
	d, ok := s.dispensations[id]
	if !ok {
		return nil, pharmacy.ErrDispensationNotFound
	}
	return &d, nil
}

func (s *memoryState) DispensedQuantity(_ context.Context, id pharmacy.DispensationID) (int, error) {
	d, ok := s.dispensations[id]
	if !ok {
		return 0, pharmacy.ErrDispensationNotFound
	}
	return d.Quantity, nil
}

func (s *memoryState) UpdateDispensation(_ context.Context, d pharmacy.Dispensation) error {
	if _, ok := s.dispensations[d.ID]; !ok {
		return pharmacy.ErrDispensationNotFound
	}
	if _, ok := s.medications[d.MedicationID]; !ok {
		return pharmacy.ErrConstraintViolation
	}
	s.dispensations[d.ID] = d
	return nil
}

func (s *memoryState) DeleteDispensation(_ context.Context, id pharmacy.DispensationID) error {
	if _, ok := s.dispensations[id]; !ok {
		return pharmacy.ErrDispensationNotFound
	}
	delete(s.dispensations, id)
	return nil
}

func (s *memoryState) ListDispensations(_ context.Context) ([]pharmacy.Dispensation, error) {
	out := make([]pharmacy.Dispensation, 0, len(s.dispensations))
	for _, d := range s.dispensations {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DispensedAt.Equal(out[j].DispensedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].DispensedAt.After(out[j].DispensedAt)
	})
	return out, nil
}

func (s *memoryState) AppendAudit(_ context.Context, entry pharmacy.AuditEntry) error {
	s.nextAudit++
	entry.ID = pharmacy.AuditEntryID(s.nextAudit)
	s.audit = append(s.audit, entry)
	return nil
}

func (s *memoryState) ListAudit(_ context.Context) ([]pharmacy.AuditEntry, error) {
	out := make([]pharmacy.AuditEntry, len(s.audit))
	copy(out, s.audit)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModifiedAt.Equal(out[j].ModifiedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].ModifiedAt.After(out[j].ModifiedAt)
	})
	return out, nil
}
