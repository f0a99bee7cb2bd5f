/*
ledger.go - Stock mutation primitive

PURPOSE:
  The StockLedger applies signed deltas to a medication's running stock.
  Both dispensation create and update need it, and update also needs to
  reverse a previous delta before applying the new one. Keeping the
  arithmetic here means the non-negative policy lives in one place: the
  workflow, which checks sufficiency before calling ApplyDelta.

DELTAS:
  negative  consumption (dispensation created, quantity increased)
  positive  reversal or restock (quantity decreased, dispensation deleted)

  ApplyDelta performs NO bounds checking. Callers must have validated that
  the resulting stock is non-negative.

EXAMPLE FLOW:
  stock=100
  create qty=30        ApplyDelta(-30)  -> 70
  update qty 30 -> 50  ApplyDelta(+30)  -> 100 (reverse)
                       Available() >= 50 ok
                       ApplyDelta(-50)  -> 50

SEE ALSO:
  - workflow.go: The policy layer that calls ApplyDelta
  - store.go: AdjustStock persistence primitive
*/
package pharmacy

import (
	"context"
	"fmt"
	"time"
)

// StockLedger applies signed quantity deltas against a Store. It is bound to
// one Store (usually a transactional view) and is cheap to construct.
type StockLedger struct {
	Store Store
	Now   func() time.Time
}

func NewStockLedger(store Store, now func() time.Time) *StockLedger {
	if now == nil {
		now = time.Now
	}
	return &StockLedger{Store: store, Now: now}
}

// ApplyDelta adds delta to the medication's stock and refreshes its
// last-updated timestamp.
func (l *StockLedger) ApplyDelta(ctx context.Context, id MedicationID, delta int) error {
	if delta == 0 {
		return nil
	}
	if err := l.Store.AdjustStock(ctx, id, delta, l.Now().UTC()); err != nil {
		return fmt.Errorf("apply stock delta %+d to medication %d: %w", delta, id, err)
	}
	return nil
}

// Available returns the medication's current stock.
func (l *StockLedger) Available(ctx context.Context, id MedicationID) (int, error) {
	med, err := l.Store.GetMedication(ctx, id)
	if err != nil {
		return 0, err
	}
	return med.Stock, nil
}
