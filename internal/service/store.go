package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"streamvault/internal/logging"
	"streamvault/internal/models"
	"streamvault/internal/persistence"
	"streamvault/internal/timeutil"
)

// SnapshotNotifier receives every committed collection state. Notify must
// not block.
type SnapshotNotifier interface {
	Notify(version uint64, records []models.StreamRecord)
}

// RecordStore owns the in-memory collection. Every mutation is written
// through the persistence adapter before it becomes visible.
//
// The records slice is copy-on-write: a committed slice and the records in it
// are never modified again, so snapshots can be handed out without copying.
type RecordStore struct {
	mu       sync.RWMutex
	persist  persistence.Adapter
	records  []models.StreamRecord
	index    map[string]int
	version  uint64
	notifier SnapshotNotifier
	newID    func() string

	// unsynced survives restarts through the persisted state. Read without mu.
	unsynced atomic.Bool
}

// NewRecordStore creates an empty store. Call Load to read persisted state.
func NewRecordStore(persist persistence.Adapter) *RecordStore {
	return &RecordStore{
		persist: persist,
		records: []models.StreamRecord{},
		index:   map[string]int{},
		newID:   uuid.NewString,
	}
}

// SetNotifier registers the sync hook. Passing nil disables notifications.
func (s *RecordStore) SetNotifier(n SnapshotNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Load replaces the in-memory collection with the persisted one. Missing or
// corrupt data degrades to an empty collection.
func (s *RecordStore) Load() []models.StreamRecord {
	state, err := s.persist.Load()
	if err != nil {
		var corrupt *persistence.CorruptError
		if errors.As(err, &corrupt) {
			logging.WithError(err).Warn("Persisted records are corrupt, starting empty")
		} else {
			logging.WithError(err).Error("Failed to read persisted records, starting empty")
		}
		state = persistence.State{}
	}

	records := make([]models.StreamRecord, 0, len(state.Records))
	seen := make(map[string]bool, len(state.Records))
	for _, rec := range state.Records {
		if rec.ID == "" {
			rec.ID = s.newID()
			logging.WithField("url", rec.URL).Warn("Loaded record without id, assigned a new one")
		}
		if seen[rec.ID] {
			logging.WithField("id", rec.ID).Warn("Dropping duplicate record id from persisted data")
			continue
		}
		seen[rec.ID] = true
		records = append(records, normalize(rec))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	s.reindex()
	s.version++
	s.unsynced.Store(state.Unsynced)

	logging.WithFields(map[string]interface{}{
		"count":    len(records),
		"unsynced": state.Unsynced,
	}).Info("Record store loaded")
	return cloneAll(records)
}

// Add finalizes and appends one record. A record whose id already exists
// updates that record instead.
func (s *RecordStore) Add(partial models.PartialStreamRecord) (models.StreamRecord, error) {
	out, err := s.AddMany([]models.PartialStreamRecord{partial})
	if err != nil {
		return models.StreamRecord{}, err
	}
	return out[0], nil
}

// AddMany applies Add to every element with a single persistence write. If
// any element is invalid nothing is applied.
func (s *RecordStore) AddMany(partials []models.PartialStreamRecord) ([]models.StreamRecord, error) {
	if len(partials) == 0 {
		return []models.StreamRecord{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := timeutil.Now()
	next := make([]models.StreamRecord, len(s.records), len(s.records)+len(partials))
	copy(next, s.records)
	index := make(map[string]int, len(s.index)+len(partials))
	for id, pos := range s.index {
		index[id] = pos
	}

	out := make([]models.StreamRecord, 0, len(partials))
	for i, p := range partials {
		if p.ID != nil && *p.ID != "" {
			if pos, ok := index[*p.ID]; ok {
				merged, err := merge(next[pos], p)
				if err != nil {
					return nil, fmt.Errorf("record %d: %w", i, err)
				}
				next[pos] = merged
				out = append(out, merged)
				continue
			}
		}

		rec, err := s.finalize(p, now)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		index[rec.ID] = len(next)
		next = append(next, rec)
		out = append(out, rec)
	}

	if err := s.commit(next); err != nil {
		return nil, err
	}
	return cloneAll(out), nil
}

// Update merges the fields present in patch into the record with id.
func (s *RecordStore) Update(id string, patch models.PartialStreamRecord) (models.StreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	if !ok {
		return models.StreamRecord{}, notFound(id)
	}

	merged, err := merge(s.records[pos], patch)
	if err != nil {
		return models.StreamRecord{}, err
	}

	next := make([]models.StreamRecord, len(s.records))
	copy(next, s.records)
	next[pos] = merged

	if err := s.commit(next); err != nil {
		return models.StreamRecord{}, err
	}
	return merged.Clone(), nil
}

// Remove deletes the record with id and reports whether one existed. The
// collection is persisted either way.
func (s *RecordStore) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.index[id]
	next := make([]models.StreamRecord, 0, len(s.records))
	next = append(next, s.records...)
	if ok {
		next = append(next[:pos], next[pos+1:]...)
	}

	if err := s.commit(next); err != nil {
		return false, err
	}
	return ok, nil
}

// Clear empties the collection.
func (s *RecordStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit([]models.StreamRecord{})
}

// Get returns one record.
func (s *RecordStore) Get(id string) (models.StreamRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.index[id]
	if !ok {
		return models.StreamRecord{}, false
	}
	return s.records[pos].Clone(), true
}

// Records returns the whole collection in insertion order.
func (s *RecordStore) Records() []models.StreamRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.records)
}

// Len returns the number of records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Version increases on every committed change, including Load and Replace.
func (s *RecordStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Unsynced reports whether the collection holds local changes the remote has
// not accepted yet. The flag is persisted, so it survives restarts.
func (s *RecordStore) Unsynced() bool {
	return s.unsynced.Load()
}

// MarkSynced records that the remote accepted the collection at version. It
// does nothing when the store has moved past version since.
func (s *RecordStore) MarkSynced(version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.version != version || !s.unsynced.Load() {
		return nil
	}
	if err := s.persist.Save(persistence.State{Records: s.records}); err != nil {
		return fmt.Errorf("failed to persist sync state: %w", err)
	}
	s.unsynced.Store(false)
	return nil
}

// Snapshot returns the version together with the matching collection.
func (s *RecordStore) Snapshot() (uint64, []models.StreamRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, cloneAll(s.records)
}

// FilterByCategory returns records whose tags or category intersect
// selected. An empty selection returns everything.
func (s *RecordStore) FilterByCategory(selected []string) []models.StreamRecord {
	want := make(map[string]struct{}, len(selected))
	for _, tag := range selected {
		want[tag] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(want) == 0 {
		return cloneAll(s.records)
	}

	out := []models.StreamRecord{}
	for _, rec := range s.records {
		if matches(rec, want) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Tags lists the distinct tags and categories in use, sorted.
func (s *RecordStore) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := map[string]struct{}{}
	for _, rec := range s.records {
		set[string(rec.Category)] = struct{}{}
		for _, tag := range rec.Tags {
			set[tag] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// ExportSnapshot renders the collection as an indented JSON array.
func (s *RecordStore) ExportSnapshot() ([]byte, error) {
	records := s.Records()
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// ImportSnapshot parses data as an array of records and appends them with
// AddMany. Nothing is applied unless every element is a valid record.
func (s *RecordStore) ImportSnapshot(data []byte) (int, error) {
	partials, err := ParseSnapshot(data)
	if err != nil {
		return 0, err
	}

	added, err := s.AddMany(partials)
	if err != nil {
		if errors.Is(err, ErrInvalidRecord) {
			return 0, &ParseError{Index: -1, Err: err}
		}
		return 0, err
	}

	logging.WithField("count", len(added)).Info("Imported records")
	return len(added), nil
}

// ParseSnapshot decodes an export file into partial records.
func ParseSnapshot(data []byte) ([]models.PartialStreamRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return nil, &ParseError{Index: -1, Err: errors.New("expected a JSON array")}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Index: -1, Err: err}
	}

	partials := make([]models.PartialStreamRecord, 0, len(raw))
	for i, item := range raw {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			return nil, &ParseError{Index: i, Err: errors.New("expected an object")}
		}
		var p models.PartialStreamRecord
		if err := json.Unmarshal(item, &p); err != nil {
			return nil, &ParseError{Index: i, Err: err}
		}
		partials = append(partials, p)
	}
	return partials, nil
}

// ReplaceIfVersion swaps in records wholesale when the store is still at
// version and returns the new version. It reports false, without touching
// anything, when a local change happened in between. Replacements are not
// sent back to the notifier and leave the collection marked as synced.
func (s *RecordStore) ReplaceIfVersion(records []models.StreamRecord, version uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.version != version {
		return s.version, false, nil
	}
	if err := s.replaceLocked(records); err != nil {
		return s.version, false, err
	}
	return s.version, true, nil
}

// Replace swaps in records wholesale regardless of version.
func (s *RecordStore) Replace(records []models.StreamRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(records)
}

func (s *RecordStore) replaceLocked(records []models.StreamRecord) error {
	next := make([]models.StreamRecord, 0, len(records))
	seen := make(map[string]bool, len(records))
	for i, rec := range records {
		if rec.ID == "" {
			return invalid("record %d: missing id", i)
		}
		if seen[rec.ID] {
			return invalid("record %d: duplicate id %s", i, rec.ID)
		}
		if strings.TrimSpace(rec.URL) == "" {
			return invalid("record %d: url is required", i)
		}
		if _, err := models.ParseCategory(string(rec.Category)); err != nil {
			return invalid("record %d: %v", i, err)
		}
		seen[rec.ID] = true
		next = append(next, normalize(rec.Clone()))
	}

	if err := s.persist.Save(persistence.State{Records: next}); err != nil {
		return fmt.Errorf("failed to persist records: %w", err)
	}
	s.records = next
	s.reindex()
	s.version++
	s.unsynced.Store(false)
	return nil
}

// commit persists next as unsynced, publishes it and notifies the sync hook.
// Callers hold the write lock.
func (s *RecordStore) commit(next []models.StreamRecord) error {
	if err := s.persist.Save(persistence.State{Records: next, Unsynced: true}); err != nil {
		logging.WithError(err).Error("Failed to persist records")
		return fmt.Errorf("failed to persist records: %w", err)
	}

	s.records = next
	s.reindex()
	s.version++
	s.unsynced.Store(true)

	if s.notifier != nil {
		s.notifier.Notify(s.version, next)
	}
	return nil
}

func (s *RecordStore) reindex() {
	s.index = make(map[string]int, len(s.records))
	for i, rec := range s.records {
		s.index[rec.ID] = i
	}
}

func (s *RecordStore) finalize(p models.PartialStreamRecord, now time.Time) (models.StreamRecord, error) {
	if p.URL == nil || strings.TrimSpace(*p.URL) == "" {
		return models.StreamRecord{}, invalid("url is required")
	}

	rec := models.StreamRecord{
		ID:      s.newID(),
		URL:     *p.URL,
		AddedAt: now,
	}
	if p.ID != nil && *p.ID != "" {
		rec.ID = *p.ID
	}
	if p.AddedAt != nil && !p.AddedAt.IsZero() {
		rec.AddedAt = *p.AddedAt
	}

	return apply(rec, p)
}

// merge applies a patch to an existing record. id and addedAt never change.
func merge(existing models.StreamRecord, p models.PartialStreamRecord) (models.StreamRecord, error) {
	rec := existing.Clone()
	if p.URL != nil {
		if strings.TrimSpace(*p.URL) == "" {
			return models.StreamRecord{}, invalid("url must not be empty")
		}
		rec.URL = *p.URL
	}
	return apply(rec, p)
}

// apply copies the optional fields of p onto rec and normalizes the result.
func apply(rec models.StreamRecord, p models.PartialStreamRecord) (models.StreamRecord, error) {
	if p.Title != nil {
		rec.Title = *p.Title
	}
	if p.Description != nil {
		rec.Description = *p.Description
	}
	if p.ThumbnailURL != nil {
		rec.ThumbnailURL = *p.ThumbnailURL
	}
	if p.CustomThumbnailURL != nil {
		rec.CustomThumbnailURL = *p.CustomThumbnailURL
	}
	if p.Tags != nil {
		rec.Tags = append([]string(nil), p.Tags...)
	}
	if p.Category != nil {
		rec.Category = *p.Category
	}
	if p.Episodes != nil {
		rec.Episodes = append([]models.EpisodeRecord(nil), p.Episodes...)
	}

	category, err := models.ParseCategory(string(rec.Category))
	if err != nil {
		return models.StreamRecord{}, invalid("%v", err)
	}
	rec.Category = category

	if err := checkEpisodes(rec); err != nil {
		return models.StreamRecord{}, err
	}

	return normalize(rec), nil
}

func checkEpisodes(rec models.StreamRecord) error {
	seen := make(map[[2]int]bool, len(rec.Episodes))
	for i, ep := range rec.Episodes {
		if ep.Season <= 0 || ep.Episode <= 0 {
			return invalid("episode %d: season and episode must be positive", i)
		}
		key := [2]int{ep.Season, ep.Episode}
		if seen[key] {
			logging.WithFields(map[string]interface{}{
				"record":  rec.ID,
				"episode": models.FormatEpisodeID(ep.Season, ep.Episode),
			}).Warn("Duplicate episode in series")
		}
		seen[key] = true
	}
	return nil
}

// normalize fills defaults and collapses duplicate tags.
func normalize(rec models.StreamRecord) models.StreamRecord {
	if rec.Title == "" {
		rec.Title = rec.URL
	}
	if rec.Category == "" {
		rec.Category = models.CategoryOther
	}
	rec.Tags = dedupeTags(rec.Tags)
	return rec
}

func dedupeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func matches(rec models.StreamRecord, want map[string]struct{}) bool {
	if _, ok := want[string(rec.Category)]; ok {
		return true
	}
	for _, tag := range rec.Tags {
		if _, ok := want[tag]; ok {
			return true
		}
	}
	return false
}

func cloneAll(records []models.StreamRecord) []models.StreamRecord {
	out := make([]models.StreamRecord, len(records))
	for i, rec := range records {
		out[i] = rec.Clone()
	}
	return out
}
