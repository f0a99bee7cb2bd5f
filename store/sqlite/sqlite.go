/*
Package sqlite provides a SQLite-backed implementation of the pharmacy record store.

PURPOSE:
  Implements pharmacy.TxStore (medications, dispensations, audit entries)
  plus the catalog records the HTTP layer manages (patients, users,
  appointments).

INTERFACES IMPLEMENTED:
  pharmacy.Store:   Keyed reads/writes used by the workflow
  pharmacy.TxStore: WithTx for atomic read-check-write sequences

KEY TABLES:
  medications:        One running stock count per medication
  dispensations:      One row per dispensation event (FKs to medication, patient, user)
  dispensation_audit: Append-only field-level history, no FK so it outlives deletes
  patients, users, appointments: Catalog records

CONCURRENCY:
  Writers hold the store mutex for the whole transaction and open it with
  BEGIN IMMEDIATE (_txlock=immediate), so two dispensations can never both
  pass the stock check against the same value. The pool is capped at one
  connection: ":memory:" databases are per-connection and SQLite has a
  single writer anyway.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

TIMESTAMPS:
  Stored as UTC text in a fixed-width layout so ORDER BY on the column is
  chronological. Calendar dates (expiry, birth date) are stored as YYYY-MM-DD.

USAGE:
  store, err := sqlite.New("./data/pharmacy.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  wf := pharmacy.NewWorkflow(store, logger)

SEE ALSO:
  - pharmacy/store.go: Interface definitions
  - pharmacy/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/dispensary/pharmacy"
)

const (
	timeLayout = "2006-01-02 15:04:05.000000"
	dateLayout = "2006-01-02"
)

// Store implements pharmacy.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	// Now stamps catalog writes. Defaults to time.Now.
	Now func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, Now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		login TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('doctor', 'pharmacy', 'admin', 'archive')),
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS patients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		full_name TEXT NOT NULL,
		national_id TEXT NOT NULL UNIQUE,
		record_code TEXT UNIQUE,
		birth_date TEXT,
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		neighborhood TEXT NOT NULL DEFAULT '',
		medical_conditions TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS medications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		active_ingredient TEXT NOT NULL DEFAULT '',
		presentation TEXT NOT NULL DEFAULT '',
		stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		min_stock_alert INTEGER NOT NULL DEFAULT 0,
		expires_on TEXT,
		indications TEXT NOT NULL DEFAULT '',
		adult_dosage TEXT NOT NULL DEFAULT '',
		pediatric_dosage TEXT NOT NULL DEFAULT '',
		contraindications TEXT NOT NULL DEFAULT '',
		side_effects TEXT NOT NULL DEFAULT '',
		interactions TEXT NOT NULL DEFAULT '',
		manufacturer TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		emergency_only INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_medications_name
		ON medications(name);

	CREATE TABLE IF NOT EXISTS dispensations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		medication_id INTEGER NOT NULL REFERENCES medications(id),
		patient_id INTEGER NOT NULL REFERENCES patients(id),
		staff_id INTEGER NOT NULL REFERENCES users(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		dispensed_at TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_dispensations_medication
		ON dispensations(medication_id);
	CREATE INDEX IF NOT EXISTS idx_dispensations_patient
		ON dispensations(patient_id);
	CREATE INDEX IF NOT EXISTS idx_dispensations_dispensed_at
		ON dispensations(dispensed_at DESC);

	-- Append-only. No FK to dispensations: history must survive deletion.
	CREATE TABLE IF NOT EXISTS dispensation_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dispensation_id INTEGER NOT NULL,
		change_set_id TEXT NOT NULL,
		field TEXT NOT NULL,
		old_value TEXT NOT NULL DEFAULT '',
		new_value TEXT NOT NULL DEFAULT '',
		modified_by_id INTEGER NOT NULL,
		modified_by_name TEXT NOT NULL DEFAULT '',
		modified_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dispensation_audit_modified_at
		ON dispensation_audit(modified_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_dispensation_audit_dispensation
		ON dispensation_audit(dispensation_id);

	CREATE TABLE IF NOT EXISTS appointments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id INTEGER NOT NULL REFERENCES patients(id),
		staff_id INTEGER NOT NULL REFERENCES users(id),
		scheduled_at TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'scheduled'
			CHECK (status IN ('scheduled', 'completed', 'cancelled'))
	);

	CREATE INDEX IF NOT EXISTS idx_appointments_scheduled_at
		ON appointments(scheduled_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECORD STORE (pharmacy.Store interface)
// =============================================================================

func (s *Store) GetMedication(ctx context.Context, id pharmacy.MedicationID) (*pharmacy.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMedication(ctx, s.db, id)
}

func (s *Store) ListMedications(ctx context.Context) ([]pharmacy.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listMedications(ctx, s.db)
}

func (s *Store) AdjustStock(ctx context.Context, id pharmacy.MedicationID, delta int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return adjustStock(ctx, s.db, id, delta, at)
}

func (s *Store) InsertDispensation(ctx context.Context, d *pharmacy.Dispensation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertDispensation(ctx, s.db, d)
}

func (s *Store) GetDispensation(ctx context.Context, id pharmacy.DispensationID) (*pharmacy.Dispensation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDispensation(ctx, s.db, id)
}

func (s *Store) DispensedQuantity(ctx context.Context, id pharmacy.DispensationID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return dispensedQuantity(ctx, s.db, id)
}

func (s *Store) UpdateDispensation(ctx context.Context, d pharmacy.Dispensation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateDispensation(ctx, s.db, d)
}

func (s *Store) DeleteDispensation(ctx context.Context, id pharmacy.DispensationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteDispensation(ctx, s.db, id)
}

func (s *Store) ListDispensations(ctx context.Context) ([]pharmacy.Dispensation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDispensations(ctx, s.db)
}

func (s *Store) AppendAudit(ctx context.Context, entry pharmacy.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, entry)
}

func (s *Store) ListAudit(ctx context.Context) ([]pharmacy.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAudit(ctx, s.db)
}

// =============================================================================
// TRANSACTIONAL STORE (pharmacy.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. The store mutex is held
// until commit or rollback; fn must only use the Store it is given.
func (s *Store) WithTx(ctx context.Context, fn func(store pharmacy.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore runs every call on the open transaction. It never touches the
// parent's mutex, which WithTx already holds.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetMedication(ctx context.Context, id pharmacy.MedicationID) (*pharmacy.Medication, error) {
	return getMedication(ctx, ts.tx, id)
}

func (ts *txStore) ListMedications(ctx context.Context) ([]pharmacy.Medication, error) {
	return listMedications(ctx, ts.tx)
}

func (ts *txStore) AdjustStock(ctx context.Context, id pharmacy.MedicationID, delta int, at time.Time) error {
	return adjustStock(ctx, ts.tx, id, delta, at)
}

func (ts *txStore) InsertDispensation(ctx context.Context, d *pharmacy.Dispensation) error {
	return insertDispensation(ctx, ts.tx, d)
}

func (ts *txStore) GetDispensation(ctx context.Context, id pharmacy.DispensationID) (*pharmacy.Dispensation, error) {
	return getDispensation(ctx, ts.tx, id)
}

func (ts *txStore) DispensedQuantity(ctx context.Context, id pharmacy.DispensationID) (int, error) {
	return dispensedQuantity(ctx, ts.tx, id)
}

func (ts *txStore) UpdateDispensation(ctx context.Context, d pharmacy.Dispensation) error {
	return updateDispensation(ctx, ts.tx, d)
}

func (ts *txStore) DeleteDispensation(ctx context.Context, id pharmacy.DispensationID) error {
	return deleteDispensation(ctx, ts.tx, id)
}

func (ts *txStore) ListDispensations(ctx context.Context) ([]pharmacy.Dispensation, error) {
	return listDispensations(ctx, ts.tx)
}

func (ts *txStore) AppendAudit(ctx context.Context, entry pharmacy.AuditEntry) error {
	return appendAudit(ctx, ts.tx, entry)
}

func (ts *txStore) ListAudit(ctx context.Context) ([]pharmacy.AuditEntry, error) {
	return listAudit(ctx, ts.tx)
}

// =============================================================================
// MEDICATION QUERIES
// =============================================================================

const medicationColumns = `
	id, code, name, active_ingredient, presentation, stock, min_stock_alert,
	expires_on, indications, adult_dosage, pediatric_dosage, contraindications,
	side_effects, interactions, manufacturer, location, emergency_only, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMedication(row rowScanner) (pharmacy.Medication, error) {
	var (
		m         pharmacy.Medication
		expiresOn sql.NullString
		updatedAt string
	)
	err := row.Scan(
		&m.ID, &m.Code, &m.Name, &m.ActiveIngredient, &m.Presentation, &m.Stock, &m.MinStockAlert,
		&expiresOn, &m.Indications, &m.AdultDosage, &m.PediatricDosage, &m.Contraindications,
		&m.SideEffects, &m.Interactions, &m.Manufacturer, &m.Location, &m.EmergencyOnly, &updatedAt,
	)
	if err != nil {
		return m, err
	}
	m.ExpiresOn = parseDate(expiresOn)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

func getMedication(ctx context.Context, q querier, id pharmacy.MedicationID) (*pharmacy.Medication, error) {
	row := q.QueryRowContext(ctx, "SELECT "+medicationColumns+" FROM medications WHERE id = ?", id)
	m, err := scanMedication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pharmacy.ErrMedicationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get medication %d: %w", id, err)
	}
	return &m, nil
}

func listMedications(ctx context.Context, q querier) ([]pharmacy.Medication, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+medicationColumns+" FROM medications ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query medications: %w", err)
	}
	defer rows.Close()

	var meds []pharmacy.Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan medication: %w", err)
		}
		meds = append(meds, m)
	}
	return meds, rows.Err()
}

func adjustStock(ctx context.Context, q querier, id pharmacy.MedicationID, delta int, at time.Time) error {
	res, err := q.ExecContext(ctx,
		"UPDATE medications SET stock = stock + ?, updated_at = ? WHERE id = ?",
		delta, formatTime(at), id,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return requireRow(res, pharmacy.ErrMedicationNotFound)
}

// =============================================================================
// DISPENSATION QUERIES
// =============================================================================

const dispensationColumns = `id, medication_id, patient_id, staff_id, quantity, dispensed_at, reason, notes`

func scanDispensation(row rowScanner) (pharmacy.Dispensation, error) {
	var (
		d           pharmacy.Dispensation
		dispensedAt string
	)
	err := row.Scan(&d.ID, &d.MedicationID, &d.PatientID, &d.StaffID, &d.Quantity, &dispensedAt, &d.Reason, &d.Notes)
	if err != nil {
		return d, err
	}
	d.DispensedAt = parseTime(dispensedAt)
	return d, nil
}

func insertDispensation(ctx context.Context, q querier, d *pharmacy.Dispensation) error {
	query := `
		INSERT INTO dispensations
		(medication_id, patient_id, staff_id, quantity, dispensed_at, reason, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := q.ExecContext(ctx, query,
		d.MedicationID, d.PatientID, d.StaffID, d.Quantity,
		formatTime(d.DispensedAt), d.Reason, d.Notes,
	)
	if err != nil {
		return mapConstraintError(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read dispensation id: %w", err)
	}
	d.ID = pharmacy.DispensationID(id)
	return nil
}

func getDispensation(ctx context.Context, q querier, id pharmacy.DispensationID) (*pharmacy.Dispensation, error) {
	row := q.QueryRowContext(ctx, "SELECT "+dispensationColumns+" FROM dispensations WHERE id = ?", id)
	d, err := scanDispensation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pharmacy.ErrDispensationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispensation %d: %w", id, err)
	}
	return &d, nil
}

func dispensedQuantity(ctx context.Context, q querier, id pharmacy.DispensationID) (int, error) {
	var qty int
	err := q.QueryRowContext(ctx, "SELECT quantity FROM dispensations WHERE id = ?", id).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, pharmacy.ErrDispensationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read quantity of dispensation %d: %w", id, err)
	}
	return qty, nil
}

func updateDispensation(ctx context.Context, q querier, d pharmacy.Dispensation) error {
	query := `
		UPDATE dispensations SET
			medication_id = ?, patient_id = ?, staff_id = ?,
			quantity = ?, reason = ?, notes = ?
		WHERE id = ?
	`
	res, err := q.ExecContext(ctx, query,
		d.MedicationID, d.PatientID, d.StaffID, d.Quantity, d.Reason, d.Notes, d.ID,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return requireRow(res, pharmacy.ErrDispensationNotFound)
}

func deleteDispensation(ctx context.Context, q querier, id pharmacy.DispensationID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM dispensations WHERE id = ?", id)
	if err != nil {
		return mapConstraintError(err)
	}
	return requireRow(res, pharmacy.ErrDispensationNotFound)
}

func listDispensations(ctx context.Context, q querier) ([]pharmacy.Dispensation, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+dispensationColumns+" FROM dispensations ORDER BY dispensed_at DESC, id DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispensations: %w", err)
	}
	defer rows.Close()

	var out []pharmacy.Dispensation
	for rows.Next() {
		d, err := scanDispensation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispensation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT QUERIES
// =============================================================================

func appendAudit(ctx context.Context, q querier, e pharmacy.AuditEntry) error {
	query := `
		INSERT INTO dispensation_audit
		(dispensation_id, change_set_id, field, old_value, new_value,
		 modified_by_id, modified_by_name, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		e.DispensationID, e.ChangeSetID, string(e.Field), e.OldValue, e.NewValue,
		e.ModifiedByID, e.ModifiedByName, formatTime(e.ModifiedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", mapConstraintError(err))
	}
	return nil
}

func listAudit(ctx context.Context, q querier) ([]pharmacy.AuditEntry, error) {
	query := `
		SELECT id, dispensation_id, change_set_id, field, old_value, new_value,
		       modified_by_id, modified_by_name, modified_at
		FROM dispensation_audit
		ORDER BY modified_at DESC, id DESC
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	entries := []pharmacy.AuditEntry{}
	for rows.Next() {
		var (
			e          pharmacy.AuditEntry
			field      string
			modifiedAt string
		)
		if err := rows.Scan(
			&e.ID, &e.DispensationID, &e.ChangeSetID, &field, &e.OldValue, &e.NewValue,
			&e.ModifiedByID, &e.ModifiedByName, &modifiedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Field = pharmacy.AuditField(field)
		e.ModifiedAt = parseTime(modifiedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Children before parents so foreign keys hold at every step.
	tables := []string{"dispensation_audit", "dispensations", "appointments", "medications", "patients", "users"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM sqlite_sequence")
	return err
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func formatDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(dateLayout), Valid: true}
}

func parseDate(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(dateLayout, s.String)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// mapConstraintError turns SQLite FK, UNIQUE, CHECK and NOT NULL failures
// into pharmacy.ErrConstraintViolation.
func mapConstraintError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s", pharmacy.ErrConstraintViolation, sqliteErr.Error())
	}
	return err
}
