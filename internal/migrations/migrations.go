package migrations

import (
	"log"

	"github.com/jmoiron/sqlx"
)

// Run creates the local schema: the cached catalog snapshot, the
// pending-operation queue, field history and sync bookkeeping.
func Run(db *sqlx.DB) {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS medications_cache (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            strength TEXT,
            dosage_form TEXT,
            categories TEXT NOT NULL DEFAULT '[]',
            current_stock INTEGER NOT NULL DEFAULT 0,
            is_available INTEGER NOT NULL DEFAULT 0,
            updated_at TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS pending_operations (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            local_id TEXT NOT NULL UNIQUE,
            kind TEXT NOT NULL,
            payload TEXT NOT NULL,
            queued_at DATETIME DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS field_history (
            field_key TEXT NOT NULL,
            value TEXT NOT NULL,
            use_count INTEGER NOT NULL DEFAULT 1,
            last_used_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (field_key, value)
        );`,
		`CREATE TABLE IF NOT EXISTS sync_meta (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL
        );`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
	}
}
