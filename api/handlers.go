/*
handlers.go - HTTP API handlers for the pharmacy dispensation service

PURPOSE:
  Exposes the dispensation workflow and the record catalog via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  pharmacy package for anything that touches stock.

ENDPOINTS:
  Dispensations:
    GET    /api/dispensations          List dispensations, newest first
    POST   /api/dispensations          Create (decrements stock)
    GET    /api/dispensations/{id}     Get one
    PUT    /api/dispensations/{id}     Update (reconciles stock, writes audit)
    DELETE /api/dispensations/{id}     Delete (restores stock, writes audit)

  Audit:
    GET    /api/audit/dispensations    Field-level change history, newest first

  Medications:
    GET    /api/medications            List medications
    POST   /api/medications            Register medication
    GET    /api/medications/{id}       Get medication
    POST   /api/medications/{id}/restock  Add received units

  Inventory:
    GET    /api/inventory/alerts       Low stock, expiring and expired medications

  Patients / Users / Appointments:
    GET, POST on /api/patients, /api/users, /api/appointments

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: catalog access (patients, users, appointments, medications)
  - Workflow: every write that affects stock or the audit log

ERROR HANDLING:
  writeDomainError is the single mapping from pharmacy errors to statuses:
  - 400: Invalid input, non-positive quantity, missing modified_by_*
  - 404: Dispensation or record not found
  - 409: Insufficient stock (response carries "available")
  - 422: Constraint violation (unknown medication/patient/staff, duplicate code)
  - 500: Update failed, internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - seed.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/dispensary/pharmacy"
	"github.com/warp/dispensary/store/sqlite"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        *sqlite.Store
	Workflow     *pharmacy.Workflow
	Log          zerolog.Logger
	Now          func() time.Time
	ExpiryWindow time.Duration

	// bcrypt cost for new users; tests lower it.
	PasswordCost int

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler with the given store.
func NewHandler(store *sqlite.Store, log zerolog.Logger) *Handler {
	return &Handler{
		Store:        store,
		Workflow:     pharmacy.NewWorkflow(store, log),
		Log:          log,
		Now:          time.Now,
		ExpiryWindow: 90 * 24 * time.Hour,
		PasswordCost: bcrypt.DefaultCost,
	}
}

// =============================================================================
// DISPENSATION HANDLERS
// =============================================================================

// ListDispensations returns every dispensation, newest first.
func (h *Handler) ListDispensations(w http.ResponseWriter, r *http.Request) {
	list, err := h.Workflow.List(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list dispensations", err)
		return
	}

	dtos := make([]DispensationDTO, len(list))
	for i, d := range list {
		dtos[i] = toDispensationDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDispensation returns a single dispensation.
func (h *Handler) GetDispensation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	d, err := h.Workflow.Get(r.Context(), pharmacy.DispensationID(id))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get dispensation", err)
		return
	}
	writeJSON(w, http.StatusOK, toDispensationDTO(*d))
}

// CreateDispensation registers a dispensation and decrements stock.
func (h *Handler) CreateDispensation(w http.ResponseWriter, r *http.Request) {
	var req CreateDispensationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MedicationID <= 0 || req.PatientID <= 0 || req.StaffID <= 0 {
		writeError(w, http.StatusBadRequest, "medication_id, patient_id and staff_id are required", nil)
		return
	}

	id, err := h.Workflow.Create(r.Context(), pharmacy.CreateDispensation{
		MedicationID: pharmacy.MedicationID(req.MedicationID),
		PatientID:    pharmacy.PatientID(req.PatientID),
		StaffID:      pharmacy.UserID(req.StaffID),
		Quantity:     req.Quantity,
		Reason:       strings.TrimSpace(req.Reason),
		Notes:        strings.TrimSpace(req.Notes),
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to create dispensation", err)
		return
	}

	writeJSON(w, http.StatusCreated, CreatedResponse{ID: int64(id)})
}

// UpdateDispensation edits a dispensation, reconciling stock and writing
// audit entries for changed fields.
func (h *Handler) UpdateDispensation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req UpdateDispensationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.MedicationID <= 0 || req.PatientID <= 0 || req.StaffID <= 0 {
		writeError(w, http.StatusBadRequest, "medication_id, patient_id and staff_id are required", nil)
		return
	}

	err := h.Workflow.Update(r.Context(), pharmacy.UpdateDispensation{
		ID:           pharmacy.DispensationID(id),
		MedicationID: pharmacy.MedicationID(req.MedicationID),
		PatientID:    pharmacy.PatientID(req.PatientID),
		StaffID:      pharmacy.UserID(req.StaffID),
		Quantity:     req.Quantity,
		Reason:       strings.TrimSpace(req.Reason),
		Notes:        strings.TrimSpace(req.Notes),
		ModifiedBy: pharmacy.Actor{
			UserID: pharmacy.UserID(req.ModifiedByID),
			Name:   req.ModifiedByName,
		},
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to update dispensation", err)
		return
	}

	d, err := h.Workflow.Get(r.Context(), pharmacy.DispensationID(id))
	if err != nil {
		h.writeDomainError(w, r, "Failed to reload dispensation", err)
		return
	}
	writeJSON(w, http.StatusOK, toDispensationDTO(*d))
}

// DeleteDispensation removes a dispensation and returns its units to stock.
// The acting user comes from the modified_by_id and modified_by_name query
// parameters.
func (h *Handler) DeleteDispensation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var actor pharmacy.Actor
	if v := r.URL.Query().Get("modified_by_id"); v != "" {
		uid, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid modified_by_id", err)
			return
		}
		actor.UserID = pharmacy.UserID(uid)
	}
	actor.Name = r.URL.Query().Get("modified_by_name")

	if err := h.Workflow.Delete(r.Context(), pharmacy.DispensationID(id), actor); err != nil {
		h.writeDomainError(w, r, "Failed to delete dispensation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDispensationAudit returns the full audit history, newest first.
func (h *Handler) ListDispensationAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Workflow.Audit(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to read audit log", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MEDICATION HANDLERS
// =============================================================================

// ListMedications returns all medications.
func (h *Handler) ListMedications(w http.ResponseWriter, r *http.Request) {
	meds, err := h.Store.ListMedications(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list medications", err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicationDTOs(meds))
}

// GetMedication returns a single medication.
func (h *Handler) GetMedication(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	med, err := h.Store.GetMedication(r.Context(), pharmacy.MedicationID(id))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get medication", err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicationDTO(*med))
}

// CreateMedication registers a medication with its opening stock.
func (h *Handler) CreateMedication(w http.ResponseWriter, r *http.Request) {
	var req CreateMedicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Code == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "code and name are required", nil)
		return
	}
	if req.Stock < 0 || req.MinStockAlert < 0 {
		writeError(w, http.StatusBadRequest, "stock and min_stock_alert must not be negative", nil)
		return
	}

	var expiresOn time.Time
	if req.ExpiresOn != "" {
		var err error
		expiresOn, err = time.Parse(dateFormat, req.ExpiresOn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expires_on format (use YYYY-MM-DD)", err)
			return
		}
	}

	med := pharmacy.Medication{
		Code:              req.Code,
		Name:              req.Name,
		ActiveIngredient:  req.ActiveIngredient,
		Presentation:      req.Presentation,
		Stock:             req.Stock,
		MinStockAlert:     req.MinStockAlert,
		ExpiresOn:         expiresOn,
		Indications:       req.Indications,
		AdultDosage:       req.AdultDosage,
		PediatricDosage:   req.PediatricDosage,
		Contraindications: req.Contraindications,
		SideEffects:       req.SideEffects,
		Interactions:      req.Interactions,
		Manufacturer:      req.Manufacturer,
		Location:          req.Location,
		EmergencyOnly:     req.EmergencyOnly,
	}
	id, err := h.Store.SaveMedication(r.Context(), med)
	if err != nil {
		h.writeDomainError(w, r, "Failed to create medication", err)
		return
	}

	saved, err := h.Store.GetMedication(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Failed to reload medication", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMedicationDTO(*saved))
}

// RestockMedication adds received units through the stock ledger.
func (h *Handler) RestockMedication(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req RestockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	med, err := h.Workflow.Restock(r.Context(), pharmacy.MedicationID(id), req.Quantity)
	if err != nil {
		h.writeDomainError(w, r, "Failed to restock medication", err)
		return
	}
	writeJSON(w, http.StatusOK, toMedicationDTO(*med))
}

// InventoryAlerts reports low-stock, expiring and expired medications.
func (h *Handler) InventoryAlerts(w http.ResponseWriter, r *http.Request) {
	meds, err := h.Store.ListMedications(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list medications", err)
		return
	}

	window := h.ExpiryWindow
	if v := r.URL.Query().Get("window_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			writeError(w, http.StatusBadRequest, "Invalid window_days", err)
			return
		}
		window = time.Duration(days) * 24 * time.Hour
	}

	report := pharmacy.BuildInventoryReport(meds, h.Now(), window)
	writeJSON(w, http.StatusOK, InventoryAlertsDTO{
		AsOf:           formatTimestamp(report.AsOf),
		WindowDays:     int(window / (24 * time.Hour)),
		LowStock:       toMedicationDTOs(report.LowStock),
		Expiring:       toMedicationDTOs(report.Expiring),
		Expired:        toMedicationDTOs(report.Expired),
		TotalUnits:     report.TotalUnits,
		EmergencyUnits: report.EmergencyUnits,
	})
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	patients, err := h.Store.ListPatients(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list patients", err)
		return
	}

	dtos := make([]PatientDTO, len(patients))
	for i, p := range patients {
		dtos[i] = toPatientDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	p, err := h.Store.GetPatient(r.Context(), pharmacy.PatientID(id))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get patient", err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientDTO(*p))
}

func (h *Handler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var req CreatePatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.FullName == "" || req.NationalID == "" {
		writeError(w, http.StatusBadRequest, "full_name and national_id are required", nil)
		return
	}

	p := pharmacy.Patient{
		FullName:          req.FullName,
		NationalID:        req.NationalID,
		RecordCode:        req.RecordCode,
		Phone:             req.Phone,
		Address:           req.Address,
		Neighborhood:      req.Neighborhood,
		MedicalConditions: req.MedicalConditions,
	}
	if req.BirthDate != "" {
		bd, err := time.Parse(dateFormat, req.BirthDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid birth_date format (use YYYY-MM-DD)", err)
			return
		}
		p.BirthDate = bd
	}

	id, err := h.Store.SavePatient(r.Context(), p)
	if err != nil {
		h.writeDomainError(w, r, "Failed to create patient", err)
		return
	}
	p.ID = id
	writeJSON(w, http.StatusCreated, toPatientDTO(p))
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list users", err)
		return
	}

	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateUser stores a staff member with a bcrypt password hash.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" || req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "name, login and password are required", nil)
		return
	}
	role := pharmacy.Role(req.Role)
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, "role must be one of doctor, pharmacy, admin, archive", nil)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.PasswordCost)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Password cannot be hashed", err)
		return
	}

	u := pharmacy.User{
		Name:         req.Name,
		Login:        req.Login,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
		CreatedAt:    h.Now(),
	}
	id, err := h.Store.SaveUser(r.Context(), u)
	if err != nil {
		h.writeDomainError(w, r, "Failed to create user", err)
		return
	}
	u.ID = id
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// =============================================================================
// APPOINTMENT HANDLERS
// =============================================================================

// ListAppointments accepts optional from/to dates (YYYY-MM-DD, to exclusive).
func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	var from, to time.Time
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(dateFormat, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+name+" date (use YYYY-MM-DD)", err)
			return
		}
		*dst = t
	}

	appts, err := h.Store.ListAppointments(r.Context(), from, to)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list appointments", err)
		return
	}

	dtos := make([]AppointmentDTO, len(appts))
	for i, a := range appts {
		dtos[i] = toAppointmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	at, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid scheduled_at format (use RFC3339)", err)
		return
	}

	a := pharmacy.Appointment{
		PatientID:   pharmacy.PatientID(req.PatientID),
		StaffID:     pharmacy.UserID(req.StaffID),
		ScheduledAt: at,
		Reason:      req.Reason,
		Status:      pharmacy.AppointmentScheduled,
	}
	id, err := h.Store.SaveAppointment(r.Context(), a)
	if err != nil {
		h.writeDomainError(w, r, "Failed to create appointment", err)
		return
	}
	a.ID = id
	writeJSON(w, http.StatusCreated, toAppointmentDTO(a))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps pharmacy errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var stockErr *pharmacy.InsufficientStockError

	switch {
	case errors.As(err, &stockErr):
		available := stockErr.Available
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "Insufficient stock",
			Code:      "insufficient_stock",
			Details:   err.Error(),
			Available: &available,
		})
	case pharmacy.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: message, Code: "not_found", Details: err.Error()})
	case errors.Is(err, pharmacy.ErrInvalidQuantity):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "invalid_quantity", Details: err.Error()})
	case errors.Is(err, pharmacy.ErrMissingActor):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "missing_actor", Details: err.Error()})
	case errors.Is(err, pharmacy.ErrConstraintViolation):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: message, Code: "constraint_violation", Details: err.Error()})
	case errors.Is(err, pharmacy.ErrUpdateFailed):
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg(message)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: message, Code: "update_failed", Details: err.Error()})
	default:
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}
