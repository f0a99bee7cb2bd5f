package pharmacy_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dispensary/pharmacy"
	"github.com/warp/dispensary/pharmacy/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// tickingClock returns a clock that advances one second per call so audit
// entries written by successive operations have distinct timestamps.
func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestWorkflow(t *testing.T) (*pharmacy.Workflow, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	wf := pharmacy.NewWorkflow(mem, zerolog.Nop())
	wf.Now = tickingClock(time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC))

	var seq int64
	wf.NewID = func() string { return fmt.Sprintf("cs-%d", atomic.AddInt64(&seq, 1)) }
	return wf, mem
}

func addMedication(t *testing.T, mem *store.Memory, name string, stock int) pharmacy.MedicationID {
	t.Helper()
	id, err := mem.SaveMedication(context.Background(), pharmacy.Medication{
		Code:          name,
		Name:          name,
		Stock:         stock,
		MinStockAlert: 5,
		ExpiresOn:     time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return id
}

func stockOf(t *testing.T, mem *store.Memory, id pharmacy.MedicationID) int {
	t.Helper()
	med, err := mem.GetMedication(context.Background(), id)
	require.NoError(t, err)
	return med.Stock
}

func createReq(med pharmacy.MedicationID, qty int) pharmacy.CreateDispensation {
	return pharmacy.CreateDispensation{
		MedicationID: med,
		PatientID:    1,
		StaffID:      1,
		Quantity:     qty,
		Reason:       "pain",
		Notes:        "after meals",
	}
}

func updateFrom(d *pharmacy.Dispensation) pharmacy.UpdateDispensation {
	return pharmacy.UpdateDispensation{
		ID:           d.ID,
		MedicationID: d.MedicationID,
		PatientID:    d.PatientID,
		StaffID:      d.StaffID,
		Quantity:     d.Quantity,
		Reason:       d.Reason,
		Notes:        d.Notes,
		ModifiedBy:   pharmacy.Actor{UserID: 7, Name: "Ana Farmacia"},
	}
}

// =============================================================================
// CREATE
// =============================================================================

func TestWorkflow_Create_DecrementsStock(t *testing.T) {
	// GIVEN: Medication with stock 100
	// WHEN: Dispensing 30 units
	// THEN: Stock is 70 and dispensation #1 exists

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Paracetamol", 100)

	id, err := wf.Create(ctx, createReq(med, 30))
	require.NoError(t, err)
	assert.Equal(t, pharmacy.DispensationID(1), id)
	assert.Equal(t, 70, stockOf(t, mem, med))

	d, err := wf.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 30, d.Quantity)
	assert.Equal(t, med, d.MedicationID)
	assert.False(t, d.DispensedAt.IsZero())
}

func TestWorkflow_Create_InsufficientStock_NothingChanges(t *testing.T) {
	// GIVEN: Medication with stock 10
	// WHEN: Dispensing 20 units
	// THEN: InsufficientStock{available=10}, stock still 10, no row

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Amoxicilina", 10)

	_, err := wf.Create(ctx, createReq(med, 20))
	require.Error(t, err)
	assert.ErrorIs(t, err, pharmacy.ErrInsufficientStock)

	var stockErr *pharmacy.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 10, stockErr.Available)
	assert.Equal(t, 20, stockErr.Requested)

	assert.Equal(t, 10, stockOf(t, mem, med))
	list, err := wf.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWorkflow_Create_ExactStockAllowed(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	med := addMedication(t, mem, "Ibuprofeno", 12)

	_, err := wf.Create(context.Background(), createReq(med, 12))
	require.NoError(t, err)
	assert.Equal(t, 0, stockOf(t, mem, med))
}

func TestWorkflow_Create_InvalidQuantity(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	med := addMedication(t, mem, "Dipirona", 50)

	for _, qty := range []int{0, -3} {
		_, err := wf.Create(context.Background(), createReq(med, qty))
		assert.ErrorIs(t, err, pharmacy.ErrInvalidQuantity, "quantity %d", qty)
	}
	assert.Equal(t, 50, stockOf(t, mem, med))
}

func TestWorkflow_Create_UnknownMedication(t *testing.T) {
	wf, _ := newTestWorkflow(t)

	_, err := wf.Create(context.Background(), createReq(999, 1))
	assert.ErrorIs(t, err, pharmacy.ErrConstraintViolation)
	assert.False(t, pharmacy.IsNotFound(err), "a bad reference is not a missing dispensation")
}

func TestWorkflow_Create_SequenceNeverGoesNegative(t *testing.T) {
	// GIVEN: Medication with stock 25
	// WHEN: A sequence of creates, some too large for what remains
	// THEN: Final stock = initial - sum(successful quantities)

	wf, mem := newTestWorkflow(t)
	med := addMedication(t, mem, "Losartana", 25)

	succeeded := 0
	for _, qty := range []int{10, 20, 8, 5, 3, 1} {
		if _, err := wf.Create(context.Background(), createReq(med, qty)); err == nil {
			succeeded += qty
		} else {
			assert.ErrorIs(t, err, pharmacy.ErrInsufficientStock)
		}
	}

	assert.Equal(t, 25-succeeded, stockOf(t, mem, med))
	assert.GreaterOrEqual(t, stockOf(t, mem, med), 0)
}

func TestWorkflow_Create_ConcurrentNeverOversells(t *testing.T) {
	// GIVEN: Medication with stock 100
	// WHEN: 50 goroutines each dispense 3 units
	// THEN: Exactly 33 succeed and stock ends at 1

	wf, mem := newTestWorkflow(t)
	med := addMedication(t, mem, "Metformina", 100)

	var wg sync.WaitGroup
	var ok, rejected int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := wf.Create(context.Background(), createReq(med, 3))
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, pharmacy.ErrInsufficientStock):
				atomic.AddInt64(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(33), ok)
	assert.Equal(t, int64(17), rejected)
	assert.Equal(t, 1, stockOf(t, mem, med))
}

// =============================================================================
// UPDATE
// =============================================================================

func TestWorkflow_Update_IncreaseQuantity_Reconciles(t *testing.T) {
	// GIVEN: stock=100, dispensation #1 of 30 (stock 70)
	// WHEN: Updating #1 to 50
	// THEN: Stock is 50 and one audit entry {quantity, "30", "50"}

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Paracetamol", 100)

	id, err := wf.Create(ctx, createReq(med, 30))
	require.NoError(t, err)
	d, err := wf.Get(ctx, id)
	require.NoError(t, err)

	req := updateFrom(d)
	req.Quantity = 50
	require.NoError(t, wf.Update(ctx, req))

	assert.Equal(t, 50, stockOf(t, mem, med))

	entries, err := wf.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pharmacy.FieldQuantity, entries[0].Field)
	assert.Equal(t, "30", entries[0].OldValue)
	assert.Equal(t, "50", entries[0].NewValue)
	assert.Equal(t, id, entries[0].DispensationID)
	assert.Equal(t, pharmacy.UserID(7), entries[0].ModifiedByID)
	assert.Equal(t, "Ana Farmacia", entries[0].ModifiedByName)
}

func TestWorkflow_Update_DecreaseQuantity_ReturnsDifference(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Omeprazol", 40)

	id, err := wf.Create(ctx, createReq(med, 15))
	require.NoError(t, err)
	require.Equal(t, 25, stockOf(t, mem, med))

	d, _ := wf.Get(ctx, id)
	req := updateFrom(d)
	req.Quantity = 4
	require.NoError(t, wf.Update(ctx, req))

	assert.Equal(t, 25+(15-4), stockOf(t, mem, med))

	entries, err := wf.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pharmacy.FieldQuantity, entries[0].Field)
	assert.Equal(t, "15", entries[0].OldValue)
	assert.Equal(t, "4", entries[0].NewValue)
}

func TestWorkflow_Update_IncreaseBeyondStock_Restores(t *testing.T) {
	// GIVEN: stock=20, dispensation of 10 (stock 10)
	// WHEN: Updating to 25 (only 20 available after reversal)
	// THEN: InsufficientStock{available=20}, stock back at 10, row unchanged, no audit

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Captopril", 20)

	id, err := wf.Create(ctx, createReq(med, 10))
	require.NoError(t, err)

	d, _ := wf.Get(ctx, id)
	req := updateFrom(d)
	req.Quantity = 25
	req.Notes = "changed too"
	err = wf.Update(ctx, req)

	var stockErr *pharmacy.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 20, stockErr.Available)
	assert.NotErrorIs(t, err, pharmacy.ErrUpdateFailed)

	assert.Equal(t, 10, stockOf(t, mem, med))
	after, _ := wf.Get(ctx, id)
	assert.Equal(t, 10, after.Quantity)
	assert.Equal(t, "after meals", after.Notes)

	entries, _ := wf.Audit(ctx)
	assert.Empty(t, entries)
}

func TestWorkflow_Update_ReasonAndNotesOnly(t *testing.T) {
	// GIVEN: A dispensation
	// WHEN: Changing reason and notes but not quantity
	// THEN: Stock untouched, one audit entry per changed field

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Dipirona", 60)

	id, err := wf.Create(ctx, createReq(med, 6))
	require.NoError(t, err)

	d, _ := wf.Get(ctx, id)
	req := updateFrom(d)
	req.Reason = "fever"
	req.Notes = "every 6h"
	require.NoError(t, wf.Update(ctx, req))

	assert.Equal(t, 54, stockOf(t, mem, med))

	entries, err := wf.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byField := map[pharmacy.AuditField]pharmacy.AuditEntry{}
	for _, e := range entries {
		byField[e.Field] = e
	}
	assert.Equal(t, "pain", byField[pharmacy.FieldReason].OldValue)
	assert.Equal(t, "fever", byField[pharmacy.FieldReason].NewValue)
	assert.Equal(t, "after meals", byField[pharmacy.FieldNotes].OldValue)
	assert.Equal(t, "every 6h", byField[pharmacy.FieldNotes].NewValue)
	assert.Equal(t, entries[0].ChangeSetID, entries[1].ChangeSetID)
}

func TestWorkflow_Update_Idempotent(t *testing.T) {
	// GIVEN: A dispensation
	// WHEN: Applying the same update twice
	// THEN: First call writes one entry, second call writes none

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Loratadina", 30)

	id, err := wf.Create(ctx, createReq(med, 5))
	require.NoError(t, err)

	d, _ := wf.Get(ctx, id)
	req := updateFrom(d)
	req.Quantity = 8

	require.NoError(t, wf.Update(ctx, req))
	entries, _ := wf.Audit(ctx)
	assert.Len(t, entries, 1)

	require.NoError(t, wf.Update(ctx, req))
	entries, _ = wf.Audit(ctx)
	assert.Len(t, entries, 1)
	assert.Equal(t, 22, stockOf(t, mem, med))
}

func TestWorkflow_Update_MedicationChange_ReversesOriginal(t *testing.T) {
	// GIVEN: Two medications A (stock 50) and B (stock 40), dispensation of 10 from A
	// WHEN: Updating the dispensation to 15 units of B
	// THEN: A is back to 50, B drops to 25

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	medA := addMedication(t, mem, "Amlodipino", 50)
	medB := addMedication(t, mem, "Atenolol", 40)

	id, err := wf.Create(ctx, createReq(medA, 10))
	require.NoError(t, err)
	require.Equal(t, 40, stockOf(t, mem, medA))

	d, _ := wf.Get(ctx, id)
	req := updateFrom(d)
	req.MedicationID = medB
	req.Quantity = 15
	require.NoError(t, wf.Update(ctx, req))

	assert.Equal(t, 50, stockOf(t, mem, medA), "original medication gets the old quantity back")
	assert.Equal(t, 25, stockOf(t, mem, medB))

	after, _ := wf.Get(ctx, id)
	assert.Equal(t, medB, after.MedicationID)
}

func TestWorkflow_Update_MedicationChange_SameQuantity(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	medA := addMedication(t, mem, "Sinvastatina", 20)
	medB := addMedication(t, mem, "Atorvastatina", 20)

	id, err := wf.Create(ctx, createReq(medA, 5))
	require.NoError(t, err)

	d, _ := wf.Get(ctx, id)
	req := updateFrom(d)
	req.MedicationID = medB
	require.NoError(t, wf.Update(ctx, req))

	assert.Equal(t, 20, stockOf(t, mem, medA))
	assert.Equal(t, 15, stockOf(t, mem, medB))

	// Medication is not a tracked field and quantity did not change.
	entries, _ := wf.Audit(ctx)
	assert.Empty(t, entries)
}

func TestWorkflow_Update_MedicationChange_InsufficientRollsBackBoth(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	medA := addMedication(t, mem, "Prednisona", 30)
	medB := addMedication(t, mem, "Dexametasona", 3)

	id, err := wf.Create(ctx, createReq(medA, 10))
	require.NoError(t, err)

	d, _ := wf.Get(ctx, id)
	req := updateFrom(d)
	req.MedicationID = medB
	err = wf.Update(ctx, req)

	var stockErr *pharmacy.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, medB, stockErr.MedicationID)
	assert.Equal(t, 3, stockErr.Available)

	assert.Equal(t, 20, stockOf(t, mem, medA))
	assert.Equal(t, 3, stockOf(t, mem, medB))
}

func TestWorkflow_Update_NotFound(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	med := addMedication(t, mem, "Salbutamol", 10)

	err := wf.Update(context.Background(), pharmacy.UpdateDispensation{
		ID:           42,
		MedicationID: med,
		Quantity:     1,
		ModifiedBy:   pharmacy.Actor{UserID: 7, Name: "Ana Farmacia"},
	})
	assert.ErrorIs(t, err, pharmacy.ErrDispensationNotFound)
	assert.Equal(t, 10, stockOf(t, mem, med))
}

func TestWorkflow_Update_InvalidQuantity(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Cetirizina", 10)

	id, err := wf.Create(ctx, createReq(med, 2))
	require.NoError(t, err)

	d, _ := wf.Get(ctx, id)
	req := updateFrom(d)
	req.Quantity = 0
	assert.ErrorIs(t, wf.Update(ctx, req), pharmacy.ErrInvalidQuantity)
	assert.Equal(t, 8, stockOf(t, mem, med))
}

func TestWorkflow_Update_UnknownMedication_RollsBack(t *testing.T) {
	// GIVEN: Dispensation of 4 from a medication with stock 20
	// WHEN: Pointing the dispensation at a medication that does not exist
	// THEN: Constraint violation, original stock and row untouched

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Metformina", 20)

	id, err := wf.Create(ctx, createReq(med, 4))
	require.NoError(t, err)

	d, _ := wf.Get(ctx, id)
	req := updateFrom(d)
	req.MedicationID = 999
	err = wf.Update(ctx, req)

	assert.ErrorIs(t, err, pharmacy.ErrConstraintViolation)
	assert.False(t, pharmacy.IsNotFound(err))
	assert.NotErrorIs(t, err, pharmacy.ErrUpdateFailed)

	assert.Equal(t, 16, stockOf(t, mem, med))
	after, _ := wf.Get(ctx, id)
	assert.Equal(t, med, after.MedicationID)
	entries, _ := wf.Audit(ctx)
	assert.Empty(t, entries)
}

func TestWorkflow_Update_RequiresActor(t *testing.T) {
	// GIVEN: A dispensation of 5
	// WHEN: Updating the quantity without a complete actor
	// THEN: ErrMissingActor, nothing written

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Enalapril", 30)

	id, err := wf.Create(ctx, createReq(med, 5))
	require.NoError(t, err)
	d, _ := wf.Get(ctx, id)

	for _, actor := range []pharmacy.Actor{{}, {UserID: 7}, {Name: "Ana Farmacia"}, {UserID: 7, Name: "  "}} {
		req := updateFrom(d)
		req.Quantity = 9
		req.ModifiedBy = actor
		err := wf.Update(ctx, req)
		assert.ErrorIs(t, err, pharmacy.ErrMissingActor, "actor %+v", actor)
		assert.True(t, pharmacy.IsClientError(err))
	}

	assert.Equal(t, 25, stockOf(t, mem, med))
	entries, _ := wf.Audit(ctx)
	assert.Empty(t, entries)
}

// failingAuditStore fails every AppendAudit made inside a transaction.
type failingAuditStore struct {
	*store.Memory
	err error
}

func (f *failingAuditStore) WithTx(ctx context.Context, fn func(pharmacy.Store) error) error {
	return f.Memory.WithTx(ctx, func(s pharmacy.Store) error {
		return fn(failingAuditView{Store: s, err: f.err})
	})
}

type failingAuditView struct {
	pharmacy.Store
	err error
}

func (v failingAuditView) AppendAudit(context.Context, pharmacy.AuditEntry) error {
	return v.err
}

func TestWorkflow_Update_PersistenceFailure_RollsBack(t *testing.T) {
	// GIVEN: A store whose audit writes fail
	// WHEN: Updating the quantity
	// THEN: UpdateFailed wrapping the cause, stock and row untouched

	mem := store.NewMemory()
	diskErr := errors.New("disk full")
	wf := pharmacy.NewWorkflow(&failingAuditStore{Memory: mem, err: diskErr}, zerolog.Nop())
	ctx := context.Background()
	med := addMedication(t, mem, "Insulina", 40)

	id, err := wf.Create(ctx, createReq(med, 10))
	require.NoError(t, err)

	d, _ := wf.Get(ctx, id)
	req := updateFrom(d)
	req.Quantity = 20
	err = wf.Update(ctx, req)

	assert.ErrorIs(t, err, pharmacy.ErrUpdateFailed)
	assert.ErrorIs(t, err, diskErr)
	var failed *pharmacy.UpdateFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, id, failed.DispensationID)

	assert.Equal(t, 30, stockOf(t, mem, med))
	after, _ := wf.Get(ctx, id)
	assert.Equal(t, 10, after.Quantity)
}

// =============================================================================
// DELETE
// =============================================================================

func TestWorkflow_Delete_RestoresStockAndAudits(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Diclofenaco", 30)

	id, err := wf.Create(ctx, createReq(med, 12))
	require.NoError(t, err)
	require.Equal(t, 18, stockOf(t, mem, med))

	require.NoError(t, wf.Delete(ctx, id, pharmacy.Actor{UserID: 3, Name: "Admin"}))

	assert.Equal(t, 30, stockOf(t, mem, med))
	_, err = wf.Get(ctx, id)
	assert.ErrorIs(t, err, pharmacy.ErrDispensationNotFound)

	entries, err := wf.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pharmacy.FieldDeleted, entries[0].Field)
	assert.Equal(t, "12", entries[0].OldValue)
	assert.Equal(t, "", entries[0].NewValue)
	assert.Equal(t, id, entries[0].DispensationID)
	assert.Equal(t, "Admin", entries[0].ModifiedByName)
}

func TestWorkflow_Delete_NotFound(t *testing.T) {
	wf, _ := newTestWorkflow(t)

	err := wf.Delete(context.Background(), 5, pharmacy.Actor{UserID: 3, Name: "Admin"})
	assert.ErrorIs(t, err, pharmacy.ErrDispensationNotFound)

	entries, _ := wf.Audit(context.Background())
	assert.Empty(t, entries)
}

func TestWorkflow_Delete_RequiresActor(t *testing.T) {
	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Clonazepam", 10)

	id, err := wf.Create(ctx, createReq(med, 3))
	require.NoError(t, err)

	err = wf.Delete(ctx, id, pharmacy.Actor{})
	assert.ErrorIs(t, err, pharmacy.ErrMissingActor)

	_, err = wf.Get(ctx, id)
	assert.NoError(t, err, "row still there")
	assert.Equal(t, 7, stockOf(t, mem, med))
	entries, _ := wf.Audit(ctx)
	assert.Empty(t, entries)
}

// =============================================================================
// AUDIT READER
// =============================================================================

func TestWorkflow_Audit_EmptyIsNotNil(t *testing.T) {
	wf, _ := newTestWorkflow(t)

	entries, err := wf.Audit(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Len(t, entries, 0)
}

func TestWorkflow_Audit_NewestFirst(t *testing.T) {
	// GIVEN: Three updates at increasing times
	// WHEN: Reading the audit log
	// THEN: Entries come back newest first

	wf, mem := newTestWorkflow(t)
	ctx := context.Background()
	med := addMedication(t, mem, "Paracetamol", 100)

	id, err := wf.Create(ctx, createReq(med, 1))
	require.NoError(t, err)

	for _, qty := range []int{2, 3, 4} {
		d, _ := wf.Get(ctx, id)
		req := updateFrom(d)
		req.Quantity = qty
		require.NoError(t, wf.Update(ctx, req))
	}

	entries, err := wf.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "4", entries[0].NewValue)
	assert.Equal(t, "3", entries[1].NewValue)
	assert.Equal(t, "2", entries[2].NewValue)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].ModifiedAt.After(entries[i-1].ModifiedAt))
	}
}
