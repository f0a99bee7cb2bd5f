package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/dispensary/pharmacy"
)

// =============================================================================
// MEDICATION CATALOG
// =============================================================================

// SaveMedication inserts m when m.ID is zero, otherwise overwrites every
// catalog field of the existing row. Returns the row id.
//
// Stock is written as given. Later stock movements go through the ledger.
func (s *Store) SaveMedication(ctx context.Context, m pharmacy.Medication) (pharmacy.MedicationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(s.Now())

	if m.ID == 0 {
		query := `
			INSERT INTO medications
			(code, name, active_ingredient, presentation, stock, min_stock_alert, expires_on,
			 indications, adult_dosage, pediatric_dosage, contraindications, side_effects,
			 interactions, manufacturer, location, emergency_only, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		res, err := s.db.ExecContext(ctx, query,
			m.Code, m.Name, m.ActiveIngredient, m.Presentation, m.Stock, m.MinStockAlert, formatDate(m.ExpiresOn),
			m.Indications, m.AdultDosage, m.PediatricDosage, m.Contraindications, m.SideEffects,
			m.Interactions, m.Manufacturer, m.Location, m.EmergencyOnly, now,
		)
		if err != nil {
			return 0, mapConstraintError(err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		return pharmacy.MedicationID(id), nil
	}

	query := `
		UPDATE medications SET
			code = ?, name = ?, active_ingredient = ?, presentation = ?, stock = ?,
			min_stock_alert = ?, expires_on = ?, indications = ?, adult_dosage = ?,
			pediatric_dosage = ?, contraindications = ?, side_effects = ?, interactions = ?,
			manufacturer = ?, location = ?, emergency_only = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		m.Code, m.Name, m.ActiveIngredient, m.Presentation, m.Stock,
		m.MinStockAlert, formatDate(m.ExpiresOn), m.Indications, m.AdultDosage,
		m.PediatricDosage, m.Contraindications, m.SideEffects, m.Interactions,
		m.Manufacturer, m.Location, m.EmergencyOnly, now, m.ID,
	)
	if err != nil {
		return 0, mapConstraintError(err)
	}
	if err := requireRow(res, pharmacy.ErrMedicationNotFound); err != nil {
		return 0, err
	}
	return m.ID, nil
}

// =============================================================================
// PATIENT STORE
// =============================================================================

const patientColumns = `id, full_name, national_id, record_code, birth_date, phone, address, neighborhood, medical_conditions`

func scanPatient(row rowScanner) (pharmacy.Patient, error) {
	var (
		p          pharmacy.Patient
		recordCode sql.NullString
		birthDate  sql.NullString
	)
	err := row.Scan(&p.ID, &p.FullName, &p.NationalID, &recordCode, &birthDate,
		&p.Phone, &p.Address, &p.Neighborhood, &p.MedicalConditions)
	if err != nil {
		return p, err
	}
	p.RecordCode = recordCode.String
	p.BirthDate = parseDate(birthDate)
	return p, nil
}

// SavePatient inserts a patient and returns its id.
func (s *Store) SavePatient(ctx context.Context, p pharmacy.Patient) (pharmacy.PatientID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO patients
		(full_name, national_id, record_code, birth_date, phone, address, neighborhood, medical_conditions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		p.FullName, p.NationalID, nullString(p.RecordCode), formatDate(p.BirthDate),
		p.Phone, p.Address, p.Neighborhood, p.MedicalConditions,
	)
	if err != nil {
		return 0, mapConstraintError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return pharmacy.PatientID(id), nil
}

// GetPatient retrieves a patient by ID.
func (s *Store) GetPatient(ctx context.Context, id pharmacy.PatientID) (*pharmacy.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+patientColumns+" FROM patients WHERE id = ?", id)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pharmacy.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPatients returns all patients ordered by name.
func (s *Store) ListPatients(ctx context.Context) ([]pharmacy.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+patientColumns+" FROM patients ORDER BY full_name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []pharmacy.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

// =============================================================================
// USER STORE
// =============================================================================

const userColumns = `id, name, login, password_hash, role, active, created_at`

func scanUser(row rowScanner) (pharmacy.User, error) {
	var (
		u         pharmacy.User
		role      string
		createdAt string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Login, &u.PasswordHash, &role, &u.Active, &createdAt); err != nil {
		return u, err
	}
	u.Role = pharmacy.Role(role)
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

// SaveUser inserts a user and returns its id. PasswordHash must already be
// hashed.
func (s *Store) SaveUser(ctx context.Context, u pharmacy.User) (pharmacy.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.Now()
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (name, login, password_hash, role, active, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		u.Name, u.Login, u.PasswordHash, string(u.Role), u.Active, formatTime(createdAt),
	)
	if err != nil {
		return 0, mapConstraintError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return pharmacy.UserID(id), nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id pharmacy.UserID) (*pharmacy.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pharmacy.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all users ordered by name.
func (s *Store) ListUsers(ctx context.Context) ([]pharmacy.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []pharmacy.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// =============================================================================
// APPOINTMENT STORE
// =============================================================================

// SaveAppointment inserts an appointment and returns its id.
func (s *Store) SaveAppointment(ctx context.Context, a pharmacy.Appointment) (pharmacy.AppointmentID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := a.Status
	if status == "" {
		status = pharmacy.AppointmentScheduled
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO appointments (patient_id, staff_id, scheduled_at, reason, status) VALUES (?, ?, ?, ?, ?)",
		a.PatientID, a.StaffID, formatTime(a.ScheduledAt), a.Reason, string(status),
	)
	if err != nil {
		return 0, mapConstraintError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return pharmacy.AppointmentID(id), nil
}

// ListAppointments returns appointments scheduled in [from, to), earliest
// first. A zero bound is open.
func (s *Store) ListAppointments(ctx context.Context, from, to time.Time) ([]pharmacy.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, patient_id, staff_id, scheduled_at, reason, status FROM appointments WHERE 1 = 1"
	var args []any
	if !from.IsZero() {
		query += " AND scheduled_at >= ?"
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		query += " AND scheduled_at < ?"
		args = append(args, formatTime(to))
	}
	query += " ORDER BY scheduled_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()

	var out []pharmacy.Appointment
	for rows.Next() {
		var (
			a           pharmacy.Appointment
			scheduledAt string
			status      string
		)
		if err := rows.Scan(&a.ID, &a.PatientID, &a.StaffID, &scheduledAt, &a.Reason, &status); err != nil {
			return nil, err
		}
		a.ScheduledAt = parseTime(scheduledAt)
		a.Status = pharmacy.AppointmentStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}
