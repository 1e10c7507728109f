// Package localstore is the durable local side of the app: the cached
// medication snapshot read while offline, the pending-operation queue,
// and sync bookkeeping. It is the single shared mutable resource between
// the optimistic write path, the flush path and the realtime listener,
// so every mutation here is one self-contained SQL statement.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/davidkimdev/CS370-MediTrack-sub000/domain"
)

// ErrStorageUnavailable marks any failure of the underlying local
// database. Callers surface it but do not retry automatically.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// StorageError wraps a driver failure so callers can match it with
// errors.Is(err, ErrStorageUnavailable) without losing the cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

const lastSyncKey = "last_sync"

// Store persists the offline cache and queue in SQLite.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

func New(db *sqlx.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

type medRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	Strength     string `db:"strength"`
	DosageForm   string `db:"dosage_form"`
	Categories   string `db:"categories"`
	CurrentStock int    `db:"current_stock"`
	IsAvailable  bool   `db:"is_available"`
	UpdatedAt    string `db:"updated_at"`
}

func toMedRow(m domain.Medication) (medRow, error) {
	categories := []byte("[]")
	if m.Categories != nil {
		var err error
		categories, err = json.Marshal(m.Categories)
		if err != nil {
			return medRow{}, err
		}
	}
	return medRow{
		ID:           m.ID,
		Name:         m.Name,
		Strength:     m.Strength,
		DosageForm:   m.DosageForm,
		Categories:   string(categories),
		CurrentStock: m.CurrentStock,
		IsAvailable:  m.IsAvailable,
		UpdatedAt:    m.UpdatedAt,
	}, nil
}

func fromMedRow(r medRow) (domain.Medication, error) {
	m := domain.Medication{
		ID:           r.ID,
		Name:         r.Name,
		Strength:     r.Strength,
		DosageForm:   r.DosageForm,
		CurrentStock: r.CurrentStock,
		IsAvailable:  r.IsAvailable,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Categories != "" {
		if err := json.Unmarshal([]byte(r.Categories), &m.Categories); err != nil {
			return domain.Medication{}, err
		}
	}
	return m, nil
}

// ReplaceMedications swaps the whole cached catalog snapshot.
func (s *Store) ReplaceMedications(ctx context.Context, meds []domain.Medication) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("replace medications", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM medications_cache`); err != nil {
		return storageErr("replace medications", err)
	}
	const insert = `INSERT INTO medications_cache
        (id, name, strength, dosage_form, categories, current_stock, is_available, updated_at)
        VALUES (:id, :name, :strength, :dosage_form, :categories, :current_stock, :is_available, :updated_at)`
	for _, m := range meds {
		row, err := toMedRow(m)
		if err != nil {
			return storageErr("replace medications", err)
		}
		if _, err := tx.NamedExecContext(ctx, insert, row); err != nil {
			return storageErr("replace medications", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("replace medications", err)
	}
	return nil
}

// Medications returns the cached snapshot, name-sorted.
func (s *Store) Medications(ctx context.Context) ([]domain.Medication, error) {
	var rows []medRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, name, strength, dosage_form, categories, current_stock, is_available, updated_at
         FROM medications_cache ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, storageErr("read medications", err)
	}
	meds := make([]domain.Medication, 0, len(rows))
	for _, r := range rows {
		m, err := fromMedRow(r)
		if err != nil {
			return nil, storageErr("read medications", err)
		}
		meds = append(meds, m)
	}
	return meds, nil
}

// Medication returns one cached row, or ok=false when not cached.
func (s *Store) Medication(ctx context.Context, id string) (domain.Medication, bool, error) {
	var row medRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, name, strength, dosage_form, categories, current_stock, is_available, updated_at
         FROM medications_cache WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Medication{}, false, nil
	}
	if err != nil {
		return domain.Medication{}, false, storageErr("read medication", err)
	}
	m, err := fromMedRow(row)
	if err != nil {
		return domain.Medication{}, false, storageErr("read medication", err)
	}
	return m, true, nil
}

// UpdateMedicationStock point-patches one medication's cached stock to an
// authoritative total. Negative totals clamp to zero.
func (s *Store) UpdateMedicationStock(ctx context.Context, id string, newTotal int) error {
	if newTotal < 0 {
		newTotal = 0
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE medications_cache SET current_stock = ?, is_available = ? WHERE id = ?`,
		newTotal, newTotal > 0, id)
	if err != nil {
		return storageErr("update medication stock", err)
	}
	return nil
}

// IncrementMedicationStock applies an optimistic local stock increase.
func (s *Store) IncrementMedicationStock(ctx context.Context, id string, amount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE medications_cache
         SET current_stock = current_stock + ?,
             is_available = CASE WHEN current_stock + ? > 0 THEN 1 ELSE 0 END
         WHERE id = ?`,
		amount, amount, id)
	if err != nil {
		return storageErr("increment medication stock", err)
	}
	return nil
}

// DecrementMedicationStock applies an optimistic local stock decrease,
// clamping at zero. The whole adjustment is one UPDATE so a concurrent
// flush or listener write cannot observe a half-applied value.
func (s *Store) DecrementMedicationStock(ctx context.Context, id string, amount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE medications_cache
         SET current_stock = CASE WHEN current_stock > ? THEN current_stock - ? ELSE 0 END,
             is_available = CASE WHEN current_stock > ? THEN 1 ELSE 0 END
         WHERE id = ?`,
		amount, amount, amount, id)
	if err != nil {
		return storageErr("decrement medication stock", err)
	}
	return nil
}

// SetLastSync records when a flush last replayed at least one entry.
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastSyncKey, t.UTC().Format(time.RFC3339))
	if err != nil {
		return storageErr("set last sync", err)
	}
	return nil
}

// LastSync returns the recorded sync time, zero when never synced.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM sync_meta WHERE key = ?`, lastSyncKey)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storageErr("read last sync", err)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, storageErr("read last sync", err)
	}
	return t, nil
}
