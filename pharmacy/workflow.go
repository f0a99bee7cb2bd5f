/*
workflow.go - Stock-aware dispensation create/update/delete

PURPOSE:
  Orchestrates every write to a dispensation against the StockLedger so
  that medication stock never goes negative and every edit is attributable.

OPERATIONS:
  Create: check stock >= quantity, insert row, ApplyDelta(-quantity)
  Update: reverse the old quantity against the ORIGINAL medication, re-check
          the (possibly different) target medication, apply the new quantity,
          persist the row, append one audit entry per changed tracked field
  Delete: return the quantity to stock, delete the row, append an audit entry
  Audit:  full audit history, newest first

ATOMICITY:
  Each operation is one Store.WithTx call. An InsufficientStockError
  returned from inside the transaction aborts it, which also undoes the
  reversal applied a few statements earlier: the medication's stock is back
  at its pre-call value when Update returns.

  ┌──────────────────────────────── WithTx ────────────────────────────────┐
  │ read old ─▶ +oldQty (old med) ─▶ check new med ─▶ -newQty ─▶ row ─▶ audit │
  └────────────────────────────────────────────────────────────────────────┘
           any error ──▶ rollback (stock, row and audit together)

ERRORS:
  ErrInvalidQuantity       quantity <= 0, nothing touched
  ErrMissingActor          update/delete without user id and name, nothing touched
  InsufficientStockError   carries the available quantity
  ErrDispensationNotFound  target row is gone
  ErrMedicationNotFound    restock target is gone
  ErrConstraintViolation   store rejected a reference, or the referenced
                           medication does not exist
  UpdateFailedError        anything else during Update (wraps the cause)

SEE ALSO:
  - ledger.go: ApplyDelta
  - audit.go: Tracked field diff
*/
package pharmacy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateDispensation struct {
	MedicationID MedicationID
	PatientID    PatientID
	StaffID      UserID
	Quantity     int
	Reason       string
	Notes        string
}

type UpdateDispensation struct {
	ID           DispensationID
	MedicationID MedicationID
	PatientID    PatientID
	StaffID      UserID
	Quantity     int
	Reason       string
	Notes        string
	ModifiedBy   Actor
}

// =============================================================================
// WORKFLOW
// =============================================================================

// Workflow is stateless between calls; all state lives in the Store.
type Workflow struct {
	Store TxStore
	Log   zerolog.Logger
	Now   func() time.Time
	NewID func() string
}

func NewWorkflow(store TxStore, log zerolog.Logger) *Workflow {
	return &Workflow{
		Store: store,
		Log:   log,
		Now:   time.Now,
		NewID: func() string { return uuid.NewString() },
	}
}

func (w *Workflow) now() time.Time {
	return w.Now().UTC()
}

// Create registers a dispensation and decrements the medication's stock.
func (w *Workflow) Create(ctx context.Context, req CreateDispensation) (DispensationID, error) {
	if req.Quantity <= 0 {
		return 0, ErrInvalidQuantity
	}

	var id DispensationID
	err := w.Store.WithTx(ctx, func(s Store) error {
		ledger := NewStockLedger(s, w.Now)

		available, err := ledger.Available(ctx, req.MedicationID)
		if err != nil {
			return medicationReference(req.MedicationID, err)
		}
		if available < req.Quantity {
			return &InsufficientStockError{
				MedicationID: req.MedicationID,
				Available:    available,
				Requested:    req.Quantity,
			}
		}

		d := &Dispensation{
			MedicationID: req.MedicationID,
			PatientID:    req.PatientID,
			StaffID:      req.StaffID,
			Quantity:     req.Quantity,
			DispensedAt:  w.now(),
			Reason:       req.Reason,
			Notes:        req.Notes,
		}
		if err := s.InsertDispensation(ctx, d); err != nil {
			return err
		}
		if err := ledger.ApplyDelta(ctx, req.MedicationID, -req.Quantity); err != nil {
			return err
		}
		id = d.ID
		return nil
	})
	if err != nil {
		w.logRejected("create", req.MedicationID, err)
		return 0, err
	}

	w.Log.Debug().
		Int64("dispensation_id", int64(id)).
		Int64("medication_id", int64(req.MedicationID)).
		Int("quantity", req.Quantity).
		Msg("dispensation created")
	return id, nil
}

// Update edits a dispensation, reconciling stock for a quantity or
// medication change and auditing every tracked field that changed.
func (w *Workflow) Update(ctx context.Context, req UpdateDispensation) error {
	if req.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if !req.ModifiedBy.Valid() {
		return ErrMissingActor
	}

	var written int
	err := w.Store.WithTx(ctx, func(s Store) error {
		old, err := s.GetDispensation(ctx, req.ID)
		if err != nil {
			return err
		}
		oldQty, err := s.DispensedQuantity(ctx, req.ID)
		if err != nil {
			return err
		}

		if oldQty != req.Quantity || old.MedicationID != req.MedicationID {
			if err := w.reconcile(ctx, s, old.MedicationID, oldQty, req.MedicationID, req.Quantity); err != nil {
				return err
			}
		}

		updated := *old
		updated.MedicationID = req.MedicationID
		updated.PatientID = req.PatientID
		updated.StaffID = req.StaffID
		updated.Quantity = req.Quantity
		updated.Reason = req.Reason
		updated.Notes = req.Notes
		if err := s.UpdateDispensation(ctx, updated); err != nil {
			return err
		}

		entries := diffTracked(*old, updated, w.NewID(), req.ModifiedBy, w.now())
		for _, e := range entries {
			if err := s.AppendAudit(ctx, e); err != nil {
				return fmt.Errorf("append audit entry for %s: %w", e.Field, err)
			}
		}
		written = len(entries)
		return nil
	})
	if err != nil {
		w.logRejected("update", req.MedicationID, err)
		return classifyUpdateError(req.ID, err)
	}

	w.Log.Debug().
		Int64("dispensation_id", int64(req.ID)).
		Int("audit_entries", written).
		Msg("dispensation updated")
	return nil
}

// reconcile undoes oldQty against the medication the dispensation was
// originally drawn from, then draws newQty from the target medication.
func (w *Workflow) reconcile(ctx context.Context, s Store, fromMed MedicationID, oldQty int, toMed MedicationID, newQty int) error {
	ledger := NewStockLedger(s, w.Now)

	if err := ledger.ApplyDelta(ctx, fromMed, oldQty); err != nil {
		return err
	}

	available, err := ledger.Available(ctx, toMed)
	if err != nil {
		return medicationReference(toMed, err)
	}
	if available < newQty {
		// Returning aborts the transaction, which also drops the reversal above.
		return &InsufficientStockError{
			MedicationID: toMed,
			Available:    available,
			Requested:    newQty,
		}
	}

	return ledger.ApplyDelta(ctx, toMed, -newQty)
}

// Delete removes a dispensation, returns its quantity to stock and records
// the deletion in the audit log.
func (w *Workflow) Delete(ctx context.Context, id DispensationID, actor Actor) error {
	if !actor.Valid() {
		return ErrMissingActor
	}
	return w.Store.WithTx(ctx, func(s Store) error {
		d, err := s.GetDispensation(ctx, id)
		if err != nil {
			return err
		}

		ledger := NewStockLedger(s, w.Now)
		if err := ledger.ApplyDelta(ctx, d.MedicationID, d.Quantity); err != nil {
			return err
		}
		if err := s.DeleteDispensation(ctx, id); err != nil {
			return err
		}

		return s.AppendAudit(ctx, AuditEntry{
			DispensationID: id,
			ChangeSetID:    w.NewID(),
			Field:          FieldDeleted,
			OldValue:       strconv.Itoa(d.Quantity),
			NewValue:       "",
			ModifiedByID:   actor.UserID,
			ModifiedByName: actor.Name,
			ModifiedAt:     w.now(),
		})
	})
}

// Restock adds received units to a medication and returns the updated record.
func (w *Workflow) Restock(ctx context.Context, id MedicationID, quantity int) (*Medication, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	var med *Medication
	err := w.Store.WithTx(ctx, func(s Store) error {
		if err := NewStockLedger(s, w.Now).ApplyDelta(ctx, id, quantity); err != nil {
			return err
		}
		var err error
		med, err = s.GetMedication(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	w.Log.Info().Int64("medication_id", int64(id)).Int("quantity", quantity).Int("stock", med.Stock).Msg("medication restocked")
	return med, nil
}

// Get returns a single dispensation.
func (w *Workflow) Get(ctx context.Context, id DispensationID) (*Dispensation, error) {
	return w.Store.GetDispensation(ctx, id)
}

// List returns every dispensation, newest first.
func (w *Workflow) List(ctx context.Context) ([]Dispensation, error) {
	return w.Store.ListDispensations(ctx)
}

// Audit returns the full dispensation audit history, newest first.
func (w *Workflow) Audit(ctx context.Context) ([]AuditEntry, error) {
	entries, err := w.Store.ListAudit(ctx)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// medicationReference reports a dispensation pointing at a medication that
// does not exist as a constraint violation. Not-found is kept for the
// dispensation being edited.
func medicationReference(id MedicationID, err error) error {
	if errors.Is(err, ErrMedicationNotFound) {
		return fmt.Errorf("%w: medication %d", ErrConstraintViolation, id)
	}
	return err
}

// classifyUpdateError passes typed outcomes through and wraps everything else
// as an UpdateFailedError.
func classifyUpdateError(id DispensationID, err error) error {
	if IsNotFound(err) || IsClientError(err) {
		return err
	}
	return &UpdateFailedError{DispensationID: id, Cause: err}
}

func (w *Workflow) logRejected(op string, med MedicationID, err error) {
	var stockErr *InsufficientStockError
	if errors.As(err, &stockErr) {
		w.Log.Info().
			Str("op", op).
			Int64("medication_id", int64(stockErr.MedicationID)).
			Int("available", stockErr.Available).
			Int("requested", stockErr.Requested).
			Msg("dispensation rejected: insufficient stock")
		return
	}
	w.Log.Warn().Err(err).Str("op", op).Int64("medication_id", int64(med)).Msg("dispensation failed")
}
