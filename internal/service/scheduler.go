package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"streamvault/internal/logging"
)

// Syncer is the part of SyncService the scheduler drives
type Syncer interface {
	SyncNow(ctx context.Context) error
}

// Backuper writes a backup and returns its path
type Backuper interface {
	Backup() (string, error)
}

// HistoryPruner trims the sync attempt log
type HistoryPruner interface {
	Prune(keep int) error
}

// Scheduler handles scheduled tasks
type Scheduler struct {
	cron           *cron.Cron
	syncer         Syncer
	backupSvc      Backuper
	syncInterval   time.Duration
	backupSchedule string

	pruner      HistoryPruner
	historyKeep int
}

// NewScheduler creates a new Scheduler. A nil syncer or an empty backup
// schedule disables the corresponding job.
func NewScheduler(syncer Syncer, backupSvc Backuper, syncInterval time.Duration, backupSchedule string) *Scheduler {
	return &Scheduler{
		cron:           cron.New(),
		syncer:         syncer,
		backupSvc:      backupSvc,
		syncInterval:   syncInterval,
		backupSchedule: backupSchedule,
	}
}

// SetHistoryPruner trims the sync history to keep rows after every scheduled
// sync. Call before Start.
func (s *Scheduler) SetHistoryPruner(p HistoryPruner, keep int) {
	s.pruner = p
	s.historyKeep = keep
}

// Start registers the jobs and starts the cron runner
func (s *Scheduler) Start() error {
	if s.syncer != nil && s.syncInterval > 0 {
		if _, err := s.cron.AddFunc("@every "+s.syncInterval.String(), s.runSync); err != nil {
			return fmt.Errorf("failed to schedule sync: %w", err)
		}
	}
	if s.backupSvc != nil && s.backupSchedule != "" {
		if _, err := s.cron.AddFunc(s.backupSchedule, s.runBackup); err != nil {
			return fmt.Errorf("invalid backup schedule %q: %w", s.backupSchedule, err)
		}
	}

	s.cron.Start()
	logging.WithFields(map[string]interface{}{
		"sync_interval":   s.syncInterval.String(),
		"backup_schedule": s.backupSchedule,
	}).Info("Scheduler started")
	return nil
}

// Stop stops the runner and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// NextRuns lists the upcoming run time of each job
func (s *Scheduler) NextRuns() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Next)
	}
	return out
}

func (s *Scheduler) runSync() {
	defer s.pruneHistory()

	if err := s.syncer.SyncNow(context.Background()); err != nil {
		if errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrStaleResult) {
			logging.WithError(err).Debug("Scheduled sync skipped")
			return
		}
		logging.WithError(err).Error("Scheduled sync failed")
	}
}

func (s *Scheduler) pruneHistory() {
	if s.pruner == nil || s.historyKeep <= 0 {
		return
	}
	if err := s.pruner.Prune(s.historyKeep); err != nil {
		logging.WithError(err).Warn("Failed to prune sync history")
	}
}

func (s *Scheduler) runBackup() {
	logging.Logger.Info("Running scheduled backup...")
	backupPath, err := s.backupSvc.Backup()
	if err != nil {
		logging.WithError(err).Error("Failed to create backup")
		return
	}
	logging.WithField("path", backupPath).Info("Backup created successfully")
}
