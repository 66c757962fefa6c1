package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"streamvault/internal/logging"
	"streamvault/internal/models"
	"streamvault/internal/timeutil"
)

const defaultSyncTimeout = 10 * time.Second

// StreamsRemote is the companion server as seen by the sync worker.
type StreamsRemote interface {
	FetchStreams(ctx context.Context) ([]models.StreamRecord, error)
	PushStreams(ctx context.Context, records []models.StreamRecord) error
}

// addressable is implemented by remotes whose address can be unset at runtime.
type addressable interface {
	BaseURL() string
}

// HistoryRecorder persists sync attempts
type HistoryRecorder interface {
	Record(attempt *models.SyncAttempt) error
}

// ErrStaleResult is returned by Pull when a local mutation landed while the
// request was in flight; the remote collection was not applied.
var ErrStaleResult = errors.New("sync result superseded by a local change")

var (
	errOffline  = errors.New("offline")
	errNoRemote = errors.New("no remote configured")
)

type snapshot struct {
	version uint64
	records []models.StreamRecord
}

// SyncService reconciles the record store with the companion server on a
// best-effort basis. Local mutations never wait for it and never see its
// errors.
//
// At most one attempt (pull or push) runs at a time. Snapshots queued by
// Notify collapse to the newest one, and a newer snapshot cancels an
// in-flight push of an older one.
type SyncService struct {
	remote  StreamsRemote
	conn    Connectivity
	store   *RecordStore
	history HistoryRecorder
	timeout time.Duration

	attemptMu sync.Mutex

	mu        sync.Mutex
	status    models.SyncStatus
	synced    uint64 // store version known to match the remote
	lastLocal uint64 // newest locally mutated version
	pending   *snapshot
	inflight  *snapshot
	cancel    context.CancelFunc
	subs      map[int]chan models.SyncStatus
	nextSub   int

	wake     chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

// NewSyncService creates the sync worker. remote may be nil, in which case
// every operation reports ErrRemoteUnavailable and Notify is a no-op. A remote
// with an empty BaseURL behaves the same until an address is set.
func NewSyncService(remote StreamsRemote, conn Connectivity, store *RecordStore, timeout time.Duration) *SyncService {
	if timeout <= 0 {
		timeout = defaultSyncTimeout
	}
	if conn == nil {
		conn = NewOnlineFlag(true)
	}
	return &SyncService{
		remote:  remote,
		conn:    conn,
		store:   store,
		timeout: timeout,
		status:  models.SyncStatus{State: models.SyncIdle},
		subs:    map[int]chan models.SyncStatus{},
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetHistory enables the attempt log. Call before Start.
func (s *SyncService) SetHistory(h HistoryRecorder) {
	s.history = h
}

// Enabled reports whether a remote is configured.
func (s *SyncService) Enabled() bool {
	if s.remote == nil {
		return false
	}
	if a, ok := s.remote.(addressable); ok {
		return a.BaseURL() != ""
	}
	return true
}

// Start launches the background push worker.
func (s *SyncService) Start() {
	if s.remote == nil {
		logging.Logger.Info("Sync disabled: no remote configured")
		return
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go s.run()
	logging.WithFields(logrus.Fields{
		"timeout": s.timeout,
		"enabled": s.Enabled(),
	}).Info("Sync worker started")
}

// Stop pushes whatever is still queued, then stops the worker.
func (s *SyncService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

// Notify queues a snapshot for pushing. It never blocks.
func (s *SyncService) Notify(version uint64, records []models.StreamRecord) {
	if s.remote == nil {
		return
	}

	s.mu.Lock()
	if version > s.lastLocal {
		s.lastLocal = version
	}
	if s.pending == nil || version > s.pending.version {
		s.pending = &snapshot{version: version, records: records}
	}
	if s.inflight != nil && s.inflight.version < version && s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Resume re-queues the current collection if it holds changes the remote
// has not seen, e.g. after coming back online, after a restart or after the
// remote address changed.
func (s *SyncService) Resume() {
	if !s.hasPending() {
		return
	}
	version, records := s.store.Snapshot()
	s.Notify(version, records)
}

// Pull fetches the remote collection and, on success, replaces the local one
// wholesale. Any network problem yields ErrRemoteUnavailable and leaves local
// state untouched.
func (s *SyncService) Pull(ctx context.Context) ([]models.StreamRecord, error) {
	if !s.Enabled() {
		return nil, unavailable(errNoRemote)
	}

	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()

	if !s.conn.Online() {
		logging.WithField("direction", models.SyncPull).Debug("Offline, skipping sync")
		return nil, unavailable(errOffline)
	}

	base := s.store.Version()
	started := s.begin(models.SyncPull)

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	records, err := s.remote.FetchStreams(reqCtx)
	cancel()
	if err != nil {
		s.finish(models.SyncPull, started, 0, err, 0)
		return nil, unavailable(err)
	}

	version, applied, err := s.store.ReplaceIfVersion(records, base)
	switch {
	case err != nil:
		s.finish(models.SyncPull, started, len(records), err, 0)
		if errors.Is(err, ErrInvalidRecord) {
			return nil, unavailable(err)
		}
		return nil, err
	case !applied:
		s.finish(models.SyncPull, started, len(records), ErrStaleResult, 0)
		return nil, ErrStaleResult
	}

	s.finish(models.SyncPull, started, len(records), nil, version)
	return cloneAll(records), nil
}

// Push sends records to the remote and reports whether it accepted them.
// Failures are logged, never retried.
func (s *SyncService) Push(ctx context.Context, records []models.StreamRecord) bool {
	return s.push(ctx, snapshot{records: records}) == nil
}

// PushCurrent pushes the store's current collection.
func (s *SyncService) PushCurrent(ctx context.Context) error {
	version, records := s.store.Snapshot()
	return s.push(ctx, snapshot{version: version, records: records})
}

// SyncNow pushes when there are local changes the remote has not seen and
// pulls otherwise, so a periodic sync never overwrites offline edits.
func (s *SyncService) SyncNow(ctx context.Context) error {
	if s.hasPending() {
		return s.PushCurrent(ctx)
	}
	_, err := s.Pull(ctx)
	return err
}

// Status returns the current worker state
func (s *SyncService) Status() models.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotStatusLocked()
}

// Subscribe returns a channel receiving every status transition. Slow
// readers miss events rather than blocking the worker.
func (s *SyncService) Subscribe() (<-chan models.SyncStatus, func()) {
	ch := make(chan models.SyncStatus, 16)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *SyncService) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.drain()
		case <-s.stopCh:
			s.drain()
			return
		}
	}
}

// drain pushes queued snapshots until none is left
func (s *SyncService) drain() {
	for {
		snap, ctx := s.take()
		if snap == nil {
			return
		}

		if current := s.store.Version(); snap.version < current {
			logging.WithFields(logrus.Fields{
				"version": snap.version,
				"current": current,
			}).Debug("Skipping stale snapshot")
		} else if err := s.push(ctx, *snap); err != nil {
			logging.WithField("version", snap.version).Debug("Snapshot not pushed")
		}

		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.inflight, s.cancel = nil, nil
		s.mu.Unlock()
	}
}

func (s *SyncService) take() (*snapshot, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.pending
	if snap == nil {
		return nil, nil
	}
	s.pending = nil
	ctx, cancel := context.WithCancel(context.Background())
	s.inflight, s.cancel = snap, cancel
	return snap, ctx
}

func (s *SyncService) push(ctx context.Context, snap snapshot) error {
	if !s.Enabled() {
		return unavailable(errNoRemote)
	}

	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()

	if !s.conn.Online() {
		logging.WithField("direction", models.SyncPush).Debug("Offline, skipping sync")
		return unavailable(errOffline)
	}

	started := s.begin(models.SyncPush)

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.remote.PushStreams(reqCtx, snap.records)
	if err == nil && snap.version > 0 {
		if merr := s.store.MarkSynced(snap.version); merr != nil {
			logging.WithError(merr).Warn("Failed to persist sync state")
		}
	}

	s.finish(models.SyncPush, started, len(snap.records), err, snap.version)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *SyncService) begin(direction models.SyncDirection) time.Time {
	now := timeutil.Now()

	s.mu.Lock()
	s.status.State = models.SyncSyncing
	s.status.LastDirection = direction
	s.status.LastAttempt = now
	s.publishLocked()
	s.mu.Unlock()

	return now
}

// finish moves the state machine out of syncing. syncedVersion is the store
// version the remote now matches, 0 when unknown.
func (s *SyncService) finish(direction models.SyncDirection, started time.Time, count int, err error, syncedVersion uint64) {
	finished := timeutil.Now()
	attempt := models.SyncAttempt{
		Direction:   direction,
		Success:     err == nil,
		RecordCount: count,
		StartedAt:   started,
		FinishedAt:  finished,
	}
	entry := logging.WithFields(logrus.Fields{
		"direction": direction,
		"records":   count,
		"elapsed":   finished.Sub(started).String(),
	})

	s.mu.Lock()
	switch {
	case err == nil:
		if syncedVersion > s.synced {
			s.synced = syncedVersion
		}
		s.status.State = models.SyncIdle
		s.status.LastSuccess = finished
		s.status.LastError = ""
		s.publishLocked()
		entry.Info("Sync succeeded")
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrStaleResult):
		attempt.Error = "superseded"
		s.status.State = models.SyncIdle
		s.publishLocked()
		entry.Debug("Sync attempt superseded")
	default:
		attempt.Error = err.Error()
		s.status.State = models.SyncFailed
		s.status.LastError = err.Error()
		s.publishLocked()
		s.status.State = models.SyncIdle
		s.publishLocked()
		entry.WithError(err).Warn("Sync failed, staying on local data")
	}
	s.mu.Unlock()

	if s.history != nil {
		if herr := s.history.Record(&attempt); herr != nil {
			logging.WithError(herr).Warn("Failed to record sync attempt")
		}
	}
}

func (s *SyncService) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

// pendingLocked combines the changes queued since start with the persisted
// unsynced flag, which covers edits made before a restart.
func (s *SyncService) pendingLocked() bool {
	return s.lastLocal > s.synced || s.store.Unsynced()
}

func (s *SyncService) snapshotStatusLocked() models.SyncStatus {
	st := s.status
	st.Online = s.conn.Online()
	st.SyncedVersion = s.synced
	st.Pending = s.pendingLocked()
	return st
}

func (s *SyncService) publishLocked() {
	st := s.snapshotStatusLocked()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
