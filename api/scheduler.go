/*
scheduler.go - Periodic inventory alert scheduler

PURPOSE:
  Periodically scans medication stock and logs low-stock, expiring and
  expired medications so that pharmacy staff can reorder in time.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Builds a pharmacy.InventoryReport on every tick
  - Logs one warning per alerting medication and a summary line
  - Keeps the last report for RunNow callers and tests

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)
  - ExpiryWindow: How far ahead to look for expirations (default: 90 days)

USAGE:
  scheduler := NewAlertScheduler(store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: InventoryAlerts endpoint (on-demand report)
  - pharmacy/inventory.go: Report computation
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/dispensary/pharmacy"
)

// MedicationLister is the read the scheduler needs from a store.
type MedicationLister interface {
	ListMedications(ctx context.Context) ([]pharmacy.Medication, error)
}

// AlertScheduler handles periodic inventory alerts.
type AlertScheduler struct {
	Store         MedicationLister
	Log           zerolog.Logger
	CheckInterval time.Duration
	ExpiryWindow  time.Duration
	Enabled       bool
	Now           func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	reportMu sync.RWMutex
	last     *pharmacy.InventoryReport
}

// NewAlertScheduler creates a new scheduler.
func NewAlertScheduler(store MedicationLister, log zerolog.Logger) *AlertScheduler {
	return &AlertScheduler{
		Store:         store,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		ExpiryWindow:  90 * 24 * time.Hour,
		Enabled:       true,
		Now:           time.Now,
	}
}

// Start begins the scheduler.
func (as *AlertScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.Log.Info().Msg("alert scheduler disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)

	go as.run()

	as.Log.Info().Dur("interval", as.CheckInterval).Msg("alert scheduler started")
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (as *AlertScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.Log.Info().Msg("alert scheduler stopped")
	}
}

func (as *AlertScheduler) run() {
	defer as.wg.Done()

	// Run immediately on start
	as.check(context.Background())

	for {
		select {
		case <-as.ticker.C:
			as.check(context.Background())
		case <-as.stop:
			return
		}
	}
}

// RunNow performs a check synchronously and returns the report.
func (as *AlertScheduler) RunNow(ctx context.Context) (*pharmacy.InventoryReport, error) {
	return as.check(ctx)
}

// LastReport returns the most recent report, or nil before the first check.
func (as *AlertScheduler) LastReport() *pharmacy.InventoryReport {
	as.reportMu.RLock()
	defer as.reportMu.RUnlock()
	return as.last
}

func (as *AlertScheduler) check(ctx context.Context) (*pharmacy.InventoryReport, error) {
	meds, err := as.Store.ListMedications(ctx)
	if err != nil {
		as.Log.Error().Err(err).Msg("alert check: failed to list medications")
		return nil, err
	}

	report := pharmacy.BuildInventoryReport(meds, as.Now(), as.ExpiryWindow)

	for _, m := range report.LowStock {
		as.Log.Warn().
			Int64("medication_id", int64(m.ID)).
			Str("name", m.Name).
			Int("stock", m.Stock).
			Int("min_stock_alert", m.MinStockAlert).
			Msg("low stock")
	}
	for _, m := range report.Expiring {
		as.Log.Warn().
			Int64("medication_id", int64(m.ID)).
			Str("name", m.Name).
			Time("expires_on", m.ExpiresOn).
			Msg("medication expiring soon")
	}
	for _, m := range report.Expired {
		as.Log.Warn().
			Int64("medication_id", int64(m.ID)).
			Str("name", m.Name).
			Time("expires_on", m.ExpiresOn).
			Int("stock", m.Stock).
			Msg("medication expired")
	}

	as.Log.Info().
		Int("low_stock", len(report.LowStock)).
		Int("expiring", len(report.Expiring)).
		Int("expired", len(report.Expired)).
		Int("total_units", report.TotalUnits).
		Int("emergency_units", report.EmergencyUnits).
		Msg("inventory check complete")

	as.reportMu.Lock()
	as.last = &report
	as.reportMu.Unlock()

	return &report, nil
}
