package database

import (
	"log"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Connect opens the local SQLite database that backs the offline cache
// and the pending-operation queue.
func Connect(path string) *sqlx.DB {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		log.Fatalf("failed to open local database: %v", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Fatalf("failed to apply pragma: %v", err)
		}
	}
	return db
}
