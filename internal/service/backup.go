package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"streamvault/internal/logging"
	"streamvault/internal/timeutil"
)

const (
	backupPrefix = "streamvault_backup_"
	backupSuffix = ".json"

	maxNameAttempts = 100
)

// SnapshotExporter produces an export file
type SnapshotExporter interface {
	ExportSnapshot() ([]byte, error)
}

// BackupService writes export snapshots to a directory and prunes old ones
type BackupService struct {
	exporter   SnapshotExporter
	backupDir  string
	maxBackups int
}

// NewBackupService creates a new BackupService
func NewBackupService(exporter SnapshotExporter, backupDir string, maxBackups int) *BackupService {
	if maxBackups <= 0 {
		maxBackups = 4
	}
	return &BackupService{
		exporter:   exporter,
		backupDir:  backupDir,
		maxBackups: maxBackups,
	}
}

// Backup writes the current collection to a new timestamped file
func (b *BackupService) Backup() (string, error) {
	if err := os.MkdirAll(b.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	data, err := b.exporter.ExportSnapshot()
	if err != nil {
		return "", fmt.Errorf("failed to export records: %w", err)
	}

	backupPath, err := b.writeNew(timeutil.StampMilli(timeutil.Now()), data)
	if err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	if err := b.CleanOldBackups(); err != nil {
		// Backup itself succeeded
		logging.WithError(err).Warn("Failed to clean old backups")
	}

	return backupPath, nil
}

// writeNew creates a backup file that did not exist before. Backups taken in
// the same millisecond get a _N suffix, which still sorts after the first.
func (b *BackupService) writeNew(stamp string, data []byte) (string, error) {
	for i := 0; i < maxNameAttempts; i++ {
		name := backupPrefix + stamp
		if i > 0 {
			name += fmt.Sprintf("_%d", i)
		}
		path := filepath.Join(b.backupDir, name+backupSuffix)

		err := writeFileSync(path, data)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return path, err
	}
	return "", fmt.Errorf("no free backup name for %s", stamp)
}

// GetLastBackupTime returns the time of the most recent backup, zero if none
func (b *BackupService) GetLastBackupTime() (time.Time, error) {
	backups, err := b.listBackups()
	if err != nil {
		return time.Time{}, err
	}
	if len(backups) == 0 {
		return time.Time{}, nil
	}

	name := filepath.Base(backups[len(backups)-1])
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
	if t, err := timeutil.ParseStamp(stamp); err == nil {
		return t, nil
	}

	info, err := os.Stat(backups[len(backups)-1])
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat backup file: %w", err)
	}
	return info.ModTime(), nil
}

// CleanOldBackups removes old backups, keeping only the most recent ones
func (b *BackupService) CleanOldBackups() error {
	backups, err := b.listBackups()
	if err != nil {
		return err
	}

	if len(backups) > b.maxBackups {
		for _, backup := range backups[:len(backups)-b.maxBackups] {
			if err := os.Remove(backup); err != nil {
				return fmt.Errorf("failed to delete old backup %s: %w", backup, err)
			}
		}
	}

	return nil
}

// listBackups returns backup files sorted oldest first
func (b *BackupService) listBackups() ([]string, error) {
	entries, err := os.ReadDir(b.backupDir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), backupPrefix) && strings.HasSuffix(entry.Name(), backupSuffix) {
			backups = append(backups, filepath.Join(b.backupDir, entry.Name()))
		}
	}

	// The timestamp in the name sorts chronologically
	sort.Strings(backups)

	return backups, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
