// Package history keeps small per-field autocomplete lists: every value
// ever submitted for a named form field, ranked by recency then use
// count. It shares the local database with the offline store but is
// independent of the sync queue.
package history

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/davidkimdev/CS370-MediTrack-sub000/domain"
	"github.com/davidkimdev/CS370-MediTrack-sub000/internal/localstore"
)

const suggestionLimit = 10

// Recorder persists and ranks field history.
type Recorder struct {
	db         *sqlx.DB
	log        *zap.Logger
	maxEntries int
	defaultMin int
	fieldMin   map[string]int
}

// NewRecorder wires a recorder over the shared local database.
// maxEntries bounds each field's list; defaultMin is the minimum query
// length before Suggestions returns anything.
func NewRecorder(db *sqlx.DB, log *zap.Logger, maxEntries, defaultMin int) *Recorder {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	if defaultMin <= 0 {
		defaultMin = 1
	}
	return &Recorder{
		db:         db,
		log:        log,
		maxEntries: maxEntries,
		defaultMin: defaultMin,
		fieldMin:   make(map[string]int),
	}
}

// SetFieldMinChars overrides the suggestion threshold for one field.
// Call during wiring, before serving.
func (r *Recorder) SetFieldMinChars(field string, n int) {
	r.fieldMin[field] = n
}

func (r *Recorder) minChars(field string) int {
	if n, ok := r.fieldMin[field]; ok {
		return n
	}
	return r.defaultMin
}

func storageErr(op string, err error) error {
	return &localstore.StorageError{Op: op, Err: err}
}

// RecordValue upserts a submitted value: new values are inserted, known
// values bump use_count and last_used_at. The field's list is trimmed to
// maxEntries, evicting the stalest and least used.
func (r *Recorder) RecordValue(ctx context.Context, field, value string) error {
	value = strings.TrimSpace(value)
	if field == "" || value == "" {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO field_history (field_key, value, use_count, last_used_at)
         VALUES (?, ?, 1, ?)
         ON CONFLICT(field_key, value) DO UPDATE
         SET use_count = use_count + 1, last_used_at = excluded.last_used_at`,
		field, value, now)
	if err != nil {
		return storageErr("record field value", err)
	}
	_, err = r.db.ExecContext(ctx,
		`DELETE FROM field_history
         WHERE field_key = ? AND value NOT IN (
             SELECT value FROM field_history WHERE field_key = ?
             ORDER BY last_used_at DESC, use_count DESC LIMIT ?
         )`,
		field, field, r.maxEntries)
	if err != nil {
		// The upsert landed; a failed trim only delays eviction.
		r.log.Warn("field history trim failed", zap.String("field", field), zap.Error(err))
	}
	return nil
}

// Suggestions returns ranked matches whose value contains partial,
// case-insensitive. Empty until partial reaches the field's minimum
// length. A storage failure is logged and yields an empty list.
func (r *Recorder) Suggestions(ctx context.Context, field, partial string) []domain.FieldHistoryEntry {
	partial = strings.TrimSpace(partial)
	if len([]rune(partial)) < r.minChars(field) {
		return nil
	}
	var entries []domain.FieldHistoryEntry
	err := r.db.SelectContext(ctx, &entries,
		`SELECT value, use_count, last_used_at FROM field_history
         WHERE field_key = ? AND value LIKE ? ESCAPE '\'
         ORDER BY last_used_at DESC, use_count DESC
         LIMIT ?`,
		field, likePattern(partial), suggestionLimit)
	if err != nil {
		r.log.Warn("field history read failed", zap.String("field", field), zap.Error(err))
		return nil
	}
	return entries
}

// ClearEntry removes one remembered value. Unknown values are a no-op.
func (r *Recorder) ClearEntry(ctx context.Context, field, value string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM field_history WHERE field_key = ? AND value = ?`, field, value)
	if err != nil {
		return storageErr("clear field value", err)
	}
	return nil
}

// ClearAll forgets a field's whole list.
func (r *Recorder) ClearAll(ctx context.Context, field string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM field_history WHERE field_key = ?`, field)
	if err != nil {
		return storageErr("clear field history", err)
	}
	return nil
}

// likePattern builds a contains-match LIKE pattern, escaping the LIKE
// metacharacters in the user's input.
func likePattern(partial string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(partial)
	return "%" + escaped + "%"
}
