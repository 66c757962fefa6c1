package repository

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDB wraps the database connection
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens a SQLite database. The key-value table is written by a
// single logical writer, so one open connection avoids SQLITE_BUSY entirely.
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// InitSchema creates the database tables and runs migrations
func (s *SQLiteDB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sync_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		direction TEXT NOT NULL,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		record_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_history_started ON sync_history(started_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations executes pending database migrations
func (s *SQLiteDB) runMigrations() error {
	// Early builds created kv_store without updated_at
	var result sql.NullString
	err := s.db.QueryRow("SELECT updated_at FROM kv_store LIMIT 1").Scan(&result)
	if err != nil && err != sql.ErrNoRows {
		return s.migrateKVUpdatedAt()
	}

	return nil
}

// migrateKVUpdatedAt rebuilds kv_store with the updated_at column
func (s *SQLiteDB) migrateKVUpdatedAt() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		CREATE TABLE kv_store_new (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`INSERT INTO kv_store_new (key, value) SELECT key, value FROM kv_store`)
	if err != nil {
		return err
	}

	if _, err = tx.Exec(`DROP TABLE kv_store`); err != nil {
		return err
	}

	if _, err = tx.Exec(`ALTER TABLE kv_store_new RENAME TO kv_store`); err != nil {
		return err
	}

	return tx.Commit()
}
