/*
store.go - Persistence contracts for the dispensation core

PURPOSE:
  Defines the interface between the workflow and the database. The workflow
  only ever talks to these interfaces; SQLite and in-memory implementations
  live in store/sqlite and pharmacy/store.

KEY INTERFACES:
  Store:   Keyed reads/writes for medications, dispensations and audit entries
  TxStore: Store plus WithTx for atomic read-check-write sequences

ATOMICITY:
  Every workflow operation runs inside WithTx. The read of current stock,
  the sufficiency check, the dispensation write, the stock write and the
  audit writes commit together or not at all. Implementations must also
  serialize concurrent WithTx calls so two dispensations cannot both pass
  the sufficiency check against the same stale stock value.

AUDIT LOG:
  AppendAudit is the only audit write. There is no update or delete for
  audit entries.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite (BEGIN IMMEDIATE + store mutex)
  - pharmacy/store/memory.go: In-memory for tests (lock + snapshot rollback)

SEE ALSO:
  - ledger.go: Uses AdjustStock
  - workflow.go: Uses WithTx
*/
package pharmacy

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Keyed reads/writes used by the workflow
// =============================================================================

type Store interface {
	// GetMedication returns ErrMedicationNotFound when the row does not exist.
	GetMedication(ctx context.Context, id MedicationID) (*Medication, error)

	// ListMedications returns every medication ordered by name.
	ListMedications(ctx context.Context) ([]Medication, error)

	// AdjustStock adds delta to the medication's stock and sets its
	// last-updated timestamp to at. No bounds checking.
	AdjustStock(ctx context.Context, id MedicationID, delta int, at time.Time) error

	// InsertDispensation persists d and sets d.ID.
	InsertDispensation(ctx context.Context, d *Dispensation) error

	// GetDispensation returns ErrDispensationNotFound when the row does not exist.
	GetDispensation(ctx context.Context, id DispensationID) (*Dispensation, error)

	// DispensedQuantity re-reads only the stored quantity of a dispensation.
	DispensedQuantity(ctx context.Context, id DispensationID) (int, error)

	// UpdateDispensation overwrites every field of the row identified by d.ID.
	UpdateDispensation(ctx context.Context, d Dispensation) error

	// DeleteDispensation removes the row.
	DeleteDispensation(ctx context.Context, id DispensationID) error

	// ListDispensations returns every dispensation, newest first.
	ListDispensations(ctx context.Context) ([]Dispensation, error)

	// AppendAudit persists an audit entry. Append-only.
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// ListAudit returns every audit entry, newest first.
	ListAudit(ctx context.Context) ([]AuditEntry, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the view is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
