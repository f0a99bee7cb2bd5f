package pharmacy

import (
	"strconv"
	"time"
)

// trackedField pulls one audited value out of a dispensation as text.
type trackedField struct {
	Field AuditField
	Value func(Dispensation) string
}

// trackedFields lists the dispensation fields whose edits are audited, in the
// order entries are written.
var trackedFields = []trackedField{
	{Field: FieldQuantity, Value: func(d Dispensation) string { return strconv.Itoa(d.Quantity) }},
	{Field: FieldReason, Value: func(d Dispensation) string { return d.Reason }},
	{Field: FieldNotes, Value: func(d Dispensation) string { return d.Notes }},
}

// diffTracked returns one audit entry per tracked field that differs between
// before and after. Entries share changeSetID, actor and timestamp.
func diffTracked(before, after Dispensation, changeSetID string, actor Actor, at time.Time) []AuditEntry {
	var entries []AuditEntry
	for _, f := range trackedFields {
		oldValue, newValue := f.Value(before), f.Value(after)
		if oldValue == newValue {
			continue
		}
		entries = append(entries, AuditEntry{
			DispensationID: after.ID,
			ChangeSetID:    changeSetID,
			Field:          f.Field,
			OldValue:       oldValue,
			NewValue:       newValue,
			ModifiedByID:   actor.UserID,
			ModifiedByName: actor.Name,
			ModifiedAt:     at,
		})
	}
	return entries
}
