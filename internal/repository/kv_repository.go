package repository

import (
	"database/sql"

	"streamvault/internal/timeutil"
)

// KVRepository is a synchronous key-value medium backed by the kv_store table.
type KVRepository struct {
	db *sql.DB
}

// NewKVRepository creates a new KVRepository
func NewKVRepository(sqliteDB *SQLiteDB) *KVRepository {
	return &KVRepository{db: sqliteDB.db}
}

// Get returns the value stored under key.
func (r *KVRepository) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := r.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set replaces the value under key. The upsert runs in its own transaction so
// readers see either the old or the new blob, never a mix.
func (r *KVRepository) Set(key string, value []byte) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, timeutil.Now())
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Delete removes key. Missing keys are not an error.
func (r *KVRepository) Delete(key string) error {
	_, err := r.db.Exec(`DELETE FROM kv_store WHERE key = ?`, key)
	return err
}
