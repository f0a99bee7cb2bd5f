/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the pharmacy domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small response wrappers

TYPES:
  Catalog:
    MedicationDTO, CreateMedicationRequest, RestockRequest
    PatientDTO, CreatePatientRequest
    UserDTO, CreateUserRequest
    AppointmentDTO, CreateAppointmentRequest

  Dispensations:
    DispensationDTO, CreateDispensationRequest, UpdateDispensationRequest
    AuditEntryDTO

  Inventory:
    InventoryAlertsDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest, ScenarioResult

ACTING USER:
  Update and delete carry the acting user explicitly (modified_by_id,
  modified_by_name). The server keeps no session.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/dispensary/pharmacy"
)

const dateFormat = "2006-01-02"

// =============================================================================
// CATALOG
// =============================================================================

// MedicationDTO represents a medication in API responses.
type MedicationDTO struct {
	ID                int64  `json:"id"`
	Code              string `json:"code"`
	Name              string `json:"name"`
	ActiveIngredient  string `json:"active_ingredient,omitempty"`
	Presentation      string `json:"presentation,omitempty"`
	Stock             int    `json:"stock"`
	MinStockAlert     int    `json:"min_stock_alert"`
	LowStock          bool   `json:"low_stock"`
	ExpiresOn         string `json:"expires_on,omitempty"`
	Indications       string `json:"indications,omitempty"`
	AdultDosage       string `json:"adult_dosage,omitempty"`
	PediatricDosage   string `json:"pediatric_dosage,omitempty"`
	Contraindications string `json:"contraindications,omitempty"`
	SideEffects       string `json:"side_effects,omitempty"`
	Interactions      string `json:"interactions,omitempty"`
	Manufacturer      string `json:"manufacturer,omitempty"`
	Location          string `json:"location,omitempty"`
	EmergencyOnly     bool   `json:"emergency_only"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

// CreateMedicationRequest is the request to register a medication.
type CreateMedicationRequest struct {
	Code              string `json:"code"`
	Name              string `json:"name"`
	ActiveIngredient  string `json:"active_ingredient"`
	Presentation      string `json:"presentation"`
	Stock             int    `json:"stock"`
	MinStockAlert     int    `json:"min_stock_alert"`
	ExpiresOn         string `json:"expires_on"` // YYYY-MM-DD
	Indications       string `json:"indications"`
	AdultDosage       string `json:"adult_dosage"`
	PediatricDosage   string `json:"pediatric_dosage"`
	Contraindications string `json:"contraindications"`
	SideEffects       string `json:"side_effects"`
	Interactions      string `json:"interactions"`
	Manufacturer      string `json:"manufacturer"`
	Location          string `json:"location"`
	EmergencyOnly     bool   `json:"emergency_only"`
}

// RestockRequest adds received units to a medication.
type RestockRequest struct {
	Quantity int `json:"quantity"`
}

type PatientDTO struct {
	ID                int64  `json:"id"`
	FullName          string `json:"full_name"`
	NationalID        string `json:"national_id"`
	RecordCode        string `json:"record_code,omitempty"`
	BirthDate         string `json:"birth_date,omitempty"`
	Phone             string `json:"phone,omitempty"`
	Address           string `json:"address,omitempty"`
	Neighborhood      string `json:"neighborhood,omitempty"`
	MedicalConditions string `json:"medical_conditions,omitempty"`
}

type CreatePatientRequest struct {
	FullName          string `json:"full_name"`
	NationalID        string `json:"national_id"`
	RecordCode        string `json:"record_code"`
	BirthDate         string `json:"birth_date"` // YYYY-MM-DD
	Phone             string `json:"phone"`
	Address           string `json:"address"`
	Neighborhood      string `json:"neighborhood"`
	MedicalConditions string `json:"medical_conditions"`
}

// UserDTO never carries the password hash.
type UserDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Login     string `json:"login"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at,omitempty"`
}

type CreateUserRequest struct {
	Name     string `json:"name"`
	Login    string `json:"login"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type AppointmentDTO struct {
	ID          int64  `json:"id"`
	PatientID   int64  `json:"patient_id"`
	StaffID     int64  `json:"staff_id"`
	ScheduledAt string `json:"scheduled_at"`
	Reason      string `json:"reason,omitempty"`
	Status      string `json:"status"`
}

type CreateAppointmentRequest struct {
	PatientID   int64  `json:"patient_id"`
	StaffID     int64  `json:"staff_id"`
	ScheduledAt string `json:"scheduled_at"` // RFC3339
	Reason      string `json:"reason"`
}

// =============================================================================
// DISPENSATIONS
// =============================================================================

type DispensationDTO struct {
	ID           int64  `json:"id"`
	MedicationID int64  `json:"medication_id"`
	PatientID    int64  `json:"patient_id"`
	StaffID      int64  `json:"staff_id"`
	Quantity     int    `json:"quantity"`
	DispensedAt  string `json:"dispensed_at"`
	Reason       string `json:"reason"`
	Notes        string `json:"notes"`
}

// CreateDispensationRequest is the body of POST /api/dispensations.
type CreateDispensationRequest struct {
	MedicationID int64  `json:"medication_id"`
	PatientID    int64  `json:"patient_id"`
	StaffID      int64  `json:"staff_id"`
	Quantity     int    `json:"quantity"`
	Reason       string `json:"reason"`
	Notes        string `json:"notes"`
}

// UpdateDispensationRequest is the body of PUT /api/dispensations/{id}.
type UpdateDispensationRequest struct {
	MedicationID   int64  `json:"medication_id"`
	PatientID      int64  `json:"patient_id"`
	StaffID        int64  `json:"staff_id"`
	Quantity       int    `json:"quantity"`
	Reason         string `json:"reason"`
	Notes          string `json:"notes"`
	ModifiedByID   int64  `json:"modified_by_id"`
	ModifiedByName string `json:"modified_by_name"`
}

type AuditEntryDTO struct {
	ID             int64  `json:"id"`
	DispensationID int64  `json:"dispensation_id"`
	ChangeSetID    string `json:"change_set_id"`
	Field          string `json:"field"`
	OldValue       string `json:"old_value"`
	NewValue       string `json:"new_value"`
	ModifiedByID   int64  `json:"modified_by_id"`
	ModifiedByName string `json:"modified_by_name"`
	ModifiedAt     string `json:"modified_at"`
}

// CreatedResponse carries the id of a newly created record.
type CreatedResponse struct {
	ID int64 `json:"id"`
}

// =============================================================================
// INVENTORY
// =============================================================================

type InventoryAlertsDTO struct {
	AsOf           string          `json:"as_of"`
	WindowDays     int             `json:"window_days"`
	LowStock       []MedicationDTO `json:"low_stock"`
	Expiring       []MedicationDTO `json:"expiring"`
	Expired        []MedicationDTO `json:"expired"`
	TotalUnits     int             `json:"total_units"`
	EmergencyUnits int             `json:"emergency_units"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a loadable demo dataset.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResult summarizes what a scenario loaded.
type ScenarioResult struct {
	ScenarioID    string `json:"scenario_id"`
	Users         int    `json:"users"`
	Patients      int    `json:"patients"`
	Medications   int    `json:"medications"`
	Dispensations int    `json:"dispensations"`
	Appointments  int    `json:"appointments"`
	Rejected      int    `json:"rejected"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   any    `json:"details,omitempty"`
	Available *int   `json:"available,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateFormat)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toMedicationDTO(m pharmacy.Medication) MedicationDTO {
	return MedicationDTO{
		ID:                int64(m.ID),
		Code:              m.Code,
		Name:              m.Name,
		ActiveIngredient:  m.ActiveIngredient,
		Presentation:      m.Presentation,
		Stock:             m.Stock,
		MinStockAlert:     m.MinStockAlert,
		LowStock:          m.IsLowStock(),
		ExpiresOn:         formatDate(m.ExpiresOn),
		Indications:       m.Indications,
		AdultDosage:       m.AdultDosage,
		PediatricDosage:   m.PediatricDosage,
		Contraindications: m.Contraindications,
		SideEffects:       m.SideEffects,
		Interactions:      m.Interactions,
		Manufacturer:      m.Manufacturer,
		Location:          m.Location,
		EmergencyOnly:     m.EmergencyOnly,
		UpdatedAt:         formatTimestamp(m.UpdatedAt),
	}
}

func toMedicationDTOs(meds []pharmacy.Medication) []MedicationDTO {
	dtos := make([]MedicationDTO, len(meds))
	for i, m := range meds {
		dtos[i] = toMedicationDTO(m)
	}
	return dtos
}

func toPatientDTO(p pharmacy.Patient) PatientDTO {
	return PatientDTO{
		ID:                int64(p.ID),
		FullName:          p.FullName,
		NationalID:        p.NationalID,
		RecordCode:        p.RecordCode,
		BirthDate:         formatDate(p.BirthDate),
		Phone:             p.Phone,
		Address:           p.Address,
		Neighborhood:      p.Neighborhood,
		MedicalConditions: p.MedicalConditions,
	}
}

func toUserDTO(u pharmacy.User) UserDTO {
	return UserDTO{
		ID:        int64(u.ID),
		Name:      u.Name,
		Login:     u.Login,
		Role:      string(u.Role),
		Active:    u.Active,
		CreatedAt: formatTimestamp(u.CreatedAt),
	}
}

func toAppointmentDTO(a pharmacy.Appointment) AppointmentDTO {
	return AppointmentDTO{
		ID:          int64(a.ID),
		PatientID:   int64(a.PatientID),
		StaffID:     int64(a.StaffID),
		ScheduledAt: formatTimestamp(a.ScheduledAt),
		Reason:      a.Reason,
		Status:      string(a.Status),
	}
}

func toDispensationDTO(d pharmacy.Dispensation) DispensationDTO {
	return DispensationDTO{
		ID:           int64(d.ID),
		MedicationID: int64(d.MedicationID),
		PatientID:    int64(d.PatientID),
		StaffID:      int64(d.StaffID),
		Quantity:     d.Quantity,
		DispensedAt:  formatTimestamp(d.DispensedAt),
		Reason:       d.Reason,
		Notes:        d.Notes,
	}
}

func toAuditEntryDTO(e pharmacy.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:             int64(e.ID),
		DispensationID: int64(e.DispensationID),
		ChangeSetID:    e.ChangeSetID,
		Field:          string(e.Field),
		OldValue:       e.OldValue,
		NewValue:       e.NewValue,
		ModifiedByID:   int64(e.ModifiedByID),
		ModifiedByName: e.ModifiedByName,
		ModifiedAt:     e.ModifiedAt.UTC().Format(time.RFC3339Nano),
	}
}
