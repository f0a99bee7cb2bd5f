/*
seed.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Populates the database with realistic sample data: staff for every role,
  patients, medications and dispensations. Dispensations go through the
  workflow, so stock always matches what was dispensed.

AVAILABLE SCENARIOS:
  clinic:          Sample clinic (4 users, 4 patients, 5 medications,
                   3 dispensations, 3 appointments)
  stock-pressure:  clinic plus a large ibuprofen dispensation (low stock),
                   a rejected adrenaline dispensation and an audited edit

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create users (bcrypt password hashes)
 3. Create patients and medications
 4. Dispense through Workflow.Create
 5. Schedule appointments

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "stock-pressure"}

  POST /api/seed   (loads "clinic")

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Catalog handlers
  - cmd/server/main.go: "seed" command
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/dispensary/pharmacy"
	"github.com/warp/dispensary/store/sqlite"
	"golang.org/x/crypto/bcrypt"
)

// DefaultScenario is loaded by POST /api/seed and the seed command.
const DefaultScenario = "clinic"

var ErrUnknownScenario = errors.New("unknown scenario")

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "clinic",
		Name:        "Community Clinic",
		Description: "One user per role, four patients, five medications and three dispensations",
	},
	{
		ID:          "stock-pressure",
		Name:        "Stock Pressure",
		Description: "Clinic data plus a low-stock medication, a rejected dispensation and an edited one",
	},
}

// Seeder loads scenarios into a store.
type Seeder struct {
	Store        *sqlite.Store
	Workflow     *pharmacy.Workflow
	Now          func() time.Time
	PasswordCost int
}

func NewSeeder(store *sqlite.Store, wf *pharmacy.Workflow) *Seeder {
	return &Seeder{
		Store:        store,
		Workflow:     wf,
		Now:          time.Now,
		PasswordCost: bcrypt.DefaultCost,
	}
}

// Load resets the database and loads the named scenario.
func (s *Seeder) Load(ctx context.Context, scenarioID string) (*ScenarioResult, error) {
	var load func(context.Context, *clinicRefs, *ScenarioResult) error
	switch scenarioID {
	case "clinic":
		load = func(context.Context, *clinicRefs, *ScenarioResult) error { return nil }
	case "stock-pressure":
		load = s.loadStockPressure
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, scenarioID)
	}

	if err := s.Store.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset database: %w", err)
	}

	result := &ScenarioResult{ScenarioID: scenarioID}
	refs, err := s.loadClinic(ctx, result)
	if err != nil {
		return nil, err
	}
	if err := load(ctx, refs, result); err != nil {
		return nil, err
	}
	return result, nil
}

// clinicRefs holds the ids created by loadClinic for later scenario steps.
type clinicRefs struct {
	users         map[string]pharmacy.UserID
	patients      map[string]pharmacy.PatientID
	medications   map[string]pharmacy.MedicationID
	dispensations []pharmacy.DispensationID
}

func (s *Seeder) loadClinic(ctx context.Context, result *ScenarioResult) (*clinicRefs, error) {
	now := s.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	refs := &clinicRefs{
		users:       map[string]pharmacy.UserID{},
		patients:    map[string]pharmacy.PatientID{},
		medications: map[string]pharmacy.MedicationID{},
	}

	// Users
	users := []struct {
		name, login, password string
		role                  pharmacy.Role
	}{
		{"Dr. Juan Pérez", "jperez", "docpass123", pharmacy.RoleDoctor},
		{"Lic. Ana Gómez", "agomez", "farmapass123", pharmacy.RolePharmacy},
		{"Admin Principal", "admin", "adminpass", pharmacy.RoleAdmin},
		{"Archivero Sofía", "ssofia", "arcpass123", pharmacy.RoleArchive},
	}
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), s.PasswordCost)
		if err != nil {
			return nil, fmt.Errorf("hash password for %s: %w", u.login, err)
		}
		id, err := s.Store.SaveUser(ctx, pharmacy.User{
			Name:         u.name,
			Login:        u.login,
			PasswordHash: string(hash),
			Role:         u.role,
			Active:       true,
			CreatedAt:    now,
		})
		if err != nil {
			return nil, fmt.Errorf("create user %s: %w", u.login, err)
		}
		refs.users[u.login] = id
		result.Users++
	}

	// Patients
	patients := []pharmacy.Patient{
		{FullName: "María Fernanda López", NationalID: "001-010180-0001X", RecordCode: "EXP001",
			BirthDate: date(1980, 1, 1), Phone: "8888-1111", Address: "Managua, Calle 1",
			Neighborhood: "Barrio Central", MedicalConditions: "Diabetes Tipo 2, Hipertensión"},
		{FullName: "Carlos Alberto Ruiz", NationalID: "002-050592-0002Y", RecordCode: "EXP002",
			BirthDate: date(1992, 5, 5), Phone: "7777-2222", Address: "Masaya, Avenida 2",
			Neighborhood: "Barrio Modelo", MedicalConditions: "Asma"},
		{FullName: "Ana Gabriela Soto", NationalID: "003-121275-0003Z", RecordCode: "EXP003",
			BirthDate: date(1975, 12, 12), Phone: "5555-3333", Address: "Granada, Calle Principal",
			Neighborhood: "Barrio Histórico", MedicalConditions: "Problemas cardíacos"},
		{FullName: "Pedro Antonio Vargas", NationalID: "004-030365-0004A", RecordCode: "EXP004",
			BirthDate: date(1965, 3, 3), Phone: "9999-4444", Address: "León, Callejon del Sol",
			Neighborhood: "Barrio Viejo", MedicalConditions: "Diabetes Tipo 1"},
	}
	for _, p := range patients {
		id, err := s.Store.SavePatient(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("create patient %s: %w", p.RecordCode, err)
		}
		refs.patients[p.RecordCode] = id
		result.Patients++
	}

	// Medications. Expiry dates are relative to today so the alert lists
	// always have something in them.
	meds := []pharmacy.Medication{
		{Code: "01160216", Name: "Paracetamol", ActiveIngredient: "Paracetamol", Presentation: "Tabletas 500mg",
			Stock: 150, MinStockAlert: 50, ExpiresOn: today.AddDate(1, 6, 0),
			Indications: "Alivio del dolor y fiebre.", AdultDosage: "500mg - 1000mg cada 4-6h",
			PediatricDosage: "10-15 mg/kg cada 4-6h", Contraindications: "Insuficiencia hepática grave.",
			SideEffects: "Náuseas, dolor abdominal.", Interactions: "Alcohol, warfarina.",
			Manufacturer: "Laboratorios X", Location: "Estante A-1"},
		{Code: "01130920", Name: "Amoxicilina", ActiveIngredient: "Amoxicilina", Presentation: "Cápsulas 500mg",
			Stock: 80, MinStockAlert: 20, ExpiresOn: today.AddDate(2, 0, 0),
			Indications: "Infecciones bacterianas.", AdultDosage: "250mg - 500mg cada 8h",
			PediatricDosage: "25-50 mg/kg/día dividido en dosis", Contraindications: "Alergia a penicilinas.",
			SideEffects: "Diarrea, náuseas, erupciones cutáneas.", Interactions: "Metotrexato, probenecid.",
			Manufacturer: "Farmacorp", Location: "Estante B-2"},
		{Code: "01150105", Name: "Ibuprofeno", ActiveIngredient: "Ibuprofeno", Presentation: "Tabletas 400mg",
			Stock: 45, MinStockAlert: 15, ExpiresOn: today.AddDate(0, 0, 60),
			Indications: "Antiinflamatorio, analgésico, antipirético.", AdultDosage: "200mg - 400mg cada 4-6h",
			PediatricDosage: "5-10 mg/kg cada 6-8h", Contraindications: "Úlcera péptica, asma, insuficiencia renal.",
			SideEffects: "Malestar estomacal, mareos.", Interactions: "Anticoagulantes, diuréticos.",
			Manufacturer: "MediFarma", Location: "Estante A-2"},
		{Code: "01140310", Name: "Omeprazol", ActiveIngredient: "Omeprazol", Presentation: "Cápsulas 20mg",
			Stock: 25, MinStockAlert: 10, ExpiresOn: today.AddDate(0, 0, -30),
			Indications: "Úlcera gástrica, reflujo gastroesofágico.", AdultDosage: "20mg una vez al día",
			PediatricDosage: "No recomendado en niños menores de 1 año.", Contraindications: "Hipersensibilidad.",
			SideEffects: "Dolor de cabeza, náuseas, diarrea.", Interactions: "Clopidogrel, ketoconazol.",
			Manufacturer: "GlobalPharma", Location: "Estante C-1"},
		{Code: "01170425", Name: "Adrenalina", ActiveIngredient: "Epinefrina", Presentation: "Inyectable 1mg/ml",
			Stock: 5, MinStockAlert: 2, ExpiresOn: today.AddDate(0, 0, 45),
			Indications: "Reacciones alérgicas graves, paro cardíaco.", AdultDosage: "Dosis según emergencia.",
			PediatricDosage: "Dosis según emergencia.", Contraindications: "No hay contraindicaciones absolutas en emergencia.",
			SideEffects: "Taquicardia, hipertensión.", Interactions: "Betabloqueantes.",
			Manufacturer: "Emergencia Pharma", Location: "Refrigerador E-1", EmergencyOnly: true},
	}
	for _, m := range meds {
		id, err := s.Store.SaveMedication(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("create medication %s: %w", m.Name, err)
		}
		refs.medications[m.Name] = id
		result.Medications++
	}

	// Dispensations
	dispensations := []pharmacy.CreateDispensation{
		{MedicationID: refs.medications["Paracetamol"], PatientID: refs.patients["EXP001"], StaffID: refs.users["jperez"],
			Quantity: 20, Reason: "Dolor de cabeza, fiebre", Notes: "Se le indicó reposo."},
		{MedicationID: refs.medications["Amoxicilina"], PatientID: refs.patients["EXP002"], StaffID: refs.users["jperez"],
			Quantity: 14, Reason: "Infección de garganta", Notes: "Reevaluar en 7 días."},
		{MedicationID: refs.medications["Paracetamol"], PatientID: refs.patients["EXP002"], StaffID: refs.users["agomez"],
			Quantity: 10, Reason: "Control de fiebre post-vacuna"},
	}
	for _, req := range dispensations {
		id, err := s.Workflow.Create(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("create dispensation: %w", err)
		}
		refs.dispensations = append(refs.dispensations, id)
		result.Dispensations++
	}

	// Appointments
	appointments := []pharmacy.Appointment{
		{PatientID: refs.patients["EXP001"], StaffID: refs.users["jperez"],
			ScheduledAt: today.AddDate(0, 0, 7).Add(9 * time.Hour), Reason: "Revisión general"},
		{PatientID: refs.patients["EXP002"], StaffID: refs.users["jperez"],
			ScheduledAt: today.AddDate(0, 0, 3).Add(11 * time.Hour), Reason: "Control de infección"},
		{PatientID: refs.patients["EXP001"], StaffID: refs.users["jperez"],
			ScheduledAt: today.AddDate(0, 0, 40).Add(15 * time.Hour), Reason: "Seguimiento diabetes"},
	}
	for _, a := range appointments {
		a.Status = pharmacy.AppointmentScheduled
		if _, err := s.Store.SaveAppointment(ctx, a); err != nil {
			return nil, fmt.Errorf("create appointment: %w", err)
		}
		result.Appointments++
	}

	return refs, nil
}

func (s *Seeder) loadStockPressure(ctx context.Context, refs *clinicRefs, result *ScenarioResult) error {
	// Ibuprofeno 45 -> 7, below its alert threshold of 15.
	_, err := s.Workflow.Create(ctx, pharmacy.CreateDispensation{
		MedicationID: refs.medications["Ibuprofeno"], PatientID: refs.patients["EXP003"], StaffID: refs.users["agomez"],
		Quantity: 38, Reason: "Tratamiento prolongado", Notes: "Entrega mensual.",
	})
	if err != nil {
		return fmt.Errorf("create ibuprofen dispensation: %w", err)
	}
	result.Dispensations++

	// Only 5 units of adrenaline exist.
	_, err = s.Workflow.Create(ctx, pharmacy.CreateDispensation{
		MedicationID: refs.medications["Adrenalina"], PatientID: refs.patients["EXP004"], StaffID: refs.users["jperez"],
		Quantity: 10, Reason: "Reserva domiciliaria",
	})
	if !errors.Is(err, pharmacy.ErrInsufficientStock) {
		return fmt.Errorf("expected adrenaline dispensation to be rejected, got %v", err)
	}
	result.Rejected++

	// Extend the amoxicillin course: 14 -> 20 units, audited.
	amox, err := s.Workflow.Get(ctx, refs.dispensations[1])
	if err != nil {
		return err
	}
	return s.Workflow.Update(ctx, pharmacy.UpdateDispensation{
		ID:           amox.ID,
		MedicationID: amox.MedicationID,
		PatientID:    amox.PatientID,
		StaffID:      amox.StaffID,
		Quantity:     20,
		Reason:       amox.Reason,
		Notes:        "Tratamiento extendido a 10 días.",
		ModifiedBy:   pharmacy.Actor{UserID: refs.users["admin"], Name: "Admin Principal"},
	})
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

func (h *Handler) seeder() *Seeder {
	return &Seeder{Store: h.Store, Workflow: h.Workflow, Now: h.Now, PasswordCost: h.PasswordCost}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, map[string]any{"scenario_id": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

// LoadScenario resets the database and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	h.loadScenario(w, r, req.ScenarioID)
}

// Seed loads the default scenario.
func (h *Handler) Seed(w http.ResponseWriter, r *http.Request) {
	h.loadScenario(w, r, DefaultScenario)
}

func (h *Handler) loadScenario(w http.ResponseWriter, r *http.Request, id string) {
	result, err := h.seeder().Load(r.Context(), id)
	if errors.Is(err, ErrUnknownScenario) {
		writeError(w, http.StatusBadRequest, "Unknown scenario", err)
		return
	}
	if err != nil {
		h.writeDomainError(w, r, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()

	h.Log.Info().Str("scenario", id).Int("dispensations", result.Dispensations).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, result)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
