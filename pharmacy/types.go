/*
Package pharmacy provides the dispensation and stock-consistency core.

PURPOSE:
  Registering a dispensation hands units of a medication to a patient and
  must decrement that medication's stock. Editing a dispensation must undo
  the old stock effect before applying the new one, and must leave an audit
  trail of every tracked field that changed. This package owns those rules.
  Everything else (HTTP, seed data, catalog CRUD) is a thin layer on top.

KEY CONCEPTS IN THIS FILE (types.go):
  - Medication: An inventory item with a single running stock count
  - Dispensation: One event of handing a quantity to a patient
  - AuditEntry: Immutable record of one field-level change to a dispensation
  - Patient, User, Appointment: Records referenced by dispensations

DESIGN PRINCIPLES:
  1. Stock is an integer and is never negative after a committed operation
  2. Audit entries are append-only; old/new values are stored as text
  3. Typed IDs prevent passing a patient ID where a medication ID is expected
  4. The workflow holds no session state; the acting user is a parameter

SEE ALSO:
  - ledger.go: Stock mutation primitive
  - workflow.go: Create/Update/Delete orchestration
  - store.go: Persistence contracts
*/
package pharmacy

import (
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MedicationID int64
type PatientID int64
type UserID int64
type DispensationID int64
type AuditEntryID int64
type AppointmentID int64

func (id DispensationID) String() string { return strconv.FormatInt(int64(id), 10) }
func (id MedicationID) String() string   { return strconv.FormatInt(int64(id), 10) }

// =============================================================================
// MEDICATION
// =============================================================================

type Medication struct {
	ID                MedicationID
	Code              string // unique
	Name              string
	ActiveIngredient  string
	Presentation      string
	Stock             int
	MinStockAlert     int
	ExpiresOn         time.Time
	Indications       string
	AdultDosage       string
	PediatricDosage   string
	Contraindications string
	SideEffects       string
	Interactions      string
	Manufacturer      string
	Location          string
	EmergencyOnly     bool
	UpdatedAt         time.Time
}

// IsLowStock reports whether the medication is at or below its alert threshold.
func (m Medication) IsLowStock() bool {
	return m.Stock <= m.MinStockAlert
}

// =============================================================================
// PATIENT / USER / APPOINTMENT
// =============================================================================

type Patient struct {
	ID                PatientID
	FullName          string
	NationalID        string // unique
	RecordCode        string // optional, unique when set
	BirthDate         time.Time
	Phone             string
	Address           string
	Neighborhood      string
	MedicalConditions string // comma-separated tags
}

type Role string

const (
	RoleDoctor   Role = "doctor"
	RolePharmacy Role = "pharmacy"
	RoleAdmin    Role = "admin"
	RoleArchive  Role = "archive"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RolePharmacy, RoleAdmin, RoleArchive:
		return true
	}
	return false
}

// User is a staff member. The "staff" reference on a dispensation points at
// whichever user performed it, whatever their role.
type User struct {
	ID           UserID
	Name         string
	Login        string // unique
	PasswordHash string
	Role         Role
	Active       bool
	CreatedAt    time.Time
}

type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

type Appointment struct {
	ID          AppointmentID
	PatientID   PatientID
	StaffID     UserID
	ScheduledAt time.Time
	Reason      string
	Status      AppointmentStatus
}

// =============================================================================
// DISPENSATION
// =============================================================================

type Dispensation struct {
	ID           DispensationID
	MedicationID MedicationID
	PatientID    PatientID
	StaffID      UserID
	Quantity     int
	DispensedAt  time.Time
	Reason       string
	Notes        string
}

// =============================================================================
// AUDIT ENTRY - One field-level change, immutable once written
// =============================================================================

type AuditField string

const (
	FieldQuantity AuditField = "quantity"
	FieldReason   AuditField = "reason"
	FieldNotes    AuditField = "notes"
	FieldDeleted  AuditField = "deleted"
)

type AuditEntry struct {
	ID             AuditEntryID
	DispensationID DispensationID
	ChangeSetID    string // shared by all entries written by one operation
	Field          AuditField
	OldValue       string
	NewValue       string
	ModifiedByID   UserID
	ModifiedByName string // snapshot at modification time
	ModifiedAt     time.Time
}

// Actor identifies who is performing a workflow operation.
type Actor struct {
	UserID UserID
	Name   string
}

// Valid reports whether both the user id and the display name are set.
func (a Actor) Valid() bool {
	return a.UserID > 0 && strings.TrimSpace(a.Name) != ""
}
