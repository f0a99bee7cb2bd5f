package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dispensary/pharmacy"
)

type stubLister struct {
	meds  []pharmacy.Medication
	err   error
	calls atomic.Int32
}

func (s *stubLister) ListMedications(context.Context) ([]pharmacy.Medication, error) {
	s.calls.Add(1)
	return s.meds, s.err
}

func schedulerFixture() (*stubLister, time.Time) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return &stubLister{meds: []pharmacy.Medication{
		{ID: 1, Name: "Paracetamol", Stock: 120, MinStockAlert: 50, ExpiresOn: now.AddDate(1, 0, 0)},
		{ID: 2, Name: "Ibuprofeno", Stock: 7, MinStockAlert: 15, ExpiresOn: now.AddDate(0, 0, 20)},
		{ID: 3, Name: "Omeprazol", Stock: 25, MinStockAlert: 10, ExpiresOn: now.AddDate(0, 0, -1)},
		{ID: 4, Name: "Adrenalina", Stock: 5, MinStockAlert: 2, ExpiresOn: now.AddDate(0, 2, 0), EmergencyOnly: true},
	}}, now
}

func TestAlertScheduler_RunNow(t *testing.T) {
	lister, now := schedulerFixture()
	as := NewAlertScheduler(lister, zerolog.Nop())
	as.Now = func() time.Time { return now }

	assert.Nil(t, as.LastReport())

	report, err := as.RunNow(context.Background())
	require.NoError(t, err)

	require.Len(t, report.LowStock, 1)
	assert.Equal(t, "Ibuprofeno", report.LowStock[0].Name)
	require.Len(t, report.Expiring, 2)
	assert.Equal(t, "Ibuprofeno", report.Expiring[0].Name)
	assert.Equal(t, "Adrenalina", report.Expiring[1].Name)
	require.Len(t, report.Expired, 1)
	assert.Equal(t, "Omeprazol", report.Expired[0].Name)
	assert.Equal(t, 157, report.TotalUnits)
	assert.Equal(t, 5, report.EmergencyUnits)

	assert.Same(t, report, as.LastReport())
}

func TestAlertScheduler_RunNowError(t *testing.T) {
	lister := &stubLister{err: errors.New("database is locked")}
	as := NewAlertScheduler(lister, zerolog.Nop())

	_, err := as.RunNow(context.Background())
	assert.Error(t, err)
	assert.Nil(t, as.LastReport())
}

func TestAlertScheduler_StartStop(t *testing.T) {
	// GIVEN: An enabled scheduler with a long interval
	// WHEN: Started
	// THEN: It checks once immediately, and can be stopped and restarted

	lister, now := schedulerFixture()
	as := NewAlertScheduler(lister, zerolog.Nop())
	as.Now = func() time.Time { return now }
	as.CheckInterval = time.Hour

	as.Start()
	as.Start() // no second goroutine
	assert.Eventually(t, func() bool { return as.LastReport() != nil }, time.Second, 5*time.Millisecond)
	as.Stop()
	as.Stop()
	assert.Equal(t, int32(1), lister.calls.Load())

	as.Start()
	assert.Eventually(t, func() bool { return lister.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	as.Stop()
}

func TestAlertScheduler_Disabled(t *testing.T) {
	lister, _ := schedulerFixture()
	as := NewAlertScheduler(lister, zerolog.Nop())
	as.Enabled = false

	as.Start()
	as.Stop()

	assert.Equal(t, int32(0), lister.calls.Load())
	assert.Nil(t, as.LastReport())
}
