package pharmacy

import (
	"sort"
	"time"
)

// InventoryReport summarizes stock alerts over a set of medications.
type InventoryReport struct {
	AsOf           time.Time
	LowStock       []Medication
	Expiring       []Medication
	Expired        []Medication
	TotalUnits     int
	EmergencyUnits int
}

// LowStock returns medications at or below their alert threshold.
func LowStock(meds []Medication) []Medication {
	var out []Medication
	for _, m := range meds {
		if m.IsLowStock() {
			out = append(out, m)
		}
	}
	return out
}

// Expiring returns medications that expire within window of now and have not
// expired yet, soonest first.
func Expiring(meds []Medication, now time.Time, window time.Duration) []Medication {
	today := truncateDay(now)
	limit := today.Add(window)

	var out []Medication
	for _, m := range meds {
		exp := truncateDay(m.ExpiresOn)
		if !exp.Before(today) && !exp.After(limit) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresOn.Before(out[j].ExpiresOn) })
	return out
}

// EmergencyStock returns the total units held for emergency use only.
func EmergencyStock(meds []Medication) int {
	total := 0
	for _, m := range meds {
		if m.EmergencyOnly {
			total += m.Stock
		}
	}
	return total
}

// BuildInventoryReport computes every alert list and unit totals.
func BuildInventoryReport(meds []Medication, now time.Time, window time.Duration) InventoryReport {
	report := InventoryReport{
		AsOf:     now,
		LowStock: LowStock(meds),
		Expiring: Expiring(meds, now, window),

		EmergencyUnits: EmergencyStock(meds),
	}
	today := truncateDay(now)
	for _, m := range meds {
		report.TotalUnits += m.Stock
		if !m.ExpiresOn.IsZero() && truncateDay(m.ExpiresOn).Before(today) {
			report.Expired = append(report.Expired, m)
		}
	}
	return report
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
