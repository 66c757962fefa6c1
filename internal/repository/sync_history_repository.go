package repository

import (
	"database/sql"

	"streamvault/internal/models"
)

// SyncHistoryRepository keeps a log of sync attempts
type SyncHistoryRepository struct {
	db *sql.DB
}

// NewSyncHistoryRepository creates a new SyncHistoryRepository
func NewSyncHistoryRepository(sqliteDB *SQLiteDB) *SyncHistoryRepository {
	return &SyncHistoryRepository{db: sqliteDB.db}
}

// Record inserts an attempt and sets its ID
func (r *SyncHistoryRepository) Record(attempt *models.SyncAttempt) error {
	result, err := r.db.Exec(`
		INSERT INTO sync_history (direction, success, record_count, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, attempt.Direction, attempt.Success, attempt.RecordCount, attempt.Error, attempt.StartedAt, attempt.FinishedAt)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	attempt.ID = id
	return nil
}

// Recent returns up to limit attempts, newest first
func (r *SyncHistoryRepository) Recent(limit int) ([]models.SyncAttempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`
		SELECT id, direction, success, record_count, error, started_at, finished_at
		FROM sync_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.SyncAttempt
	for rows.Next() {
		var a models.SyncAttempt
		if err := rows.Scan(&a.ID, &a.Direction, &a.Success, &a.RecordCount, &a.Error, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Prune deletes everything but the newest keep attempts
func (r *SyncHistoryRepository) Prune(keep int) error {
	_, err := r.db.Exec(`
		DELETE FROM sync_history
		WHERE id NOT IN (SELECT id FROM sync_history ORDER BY id DESC LIMIT ?)
	`, keep)
	return err
}
