// Package persistence stores the whole record collection as one blob under a
// fixed key of a synchronous key-value medium.
package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"streamvault/internal/models"
	"streamvault/internal/timeutil"
)

// RecordsKey is the well-known key the collection lives under.
const RecordsKey = "streamvault.records"

// CurrentVersion is the envelope version written by Save.
const CurrentVersion = 1

// Medium is a synchronous key-value store with atomic replace semantics.
type Medium interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
}

// State is the stored collection together with its sync bookkeeping.
type State struct {
	Records []models.StreamRecord
	// Unsynced marks local changes the remote has not accepted yet.
	Unsynced bool
}

// Adapter saves and loads the collection.
type Adapter interface {
	Save(state State) error
	Load() (State, error)
}

// envelope is the persisted format. Version 0 blobs are bare JSON arrays.
type envelope struct {
	Version  int                    `json:"version"`
	SavedAt  time.Time              `json:"savedAt"`
	Unsynced bool                   `json:"unsynced,omitempty"`
	Records  *[]models.StreamRecord `json:"records"`
}

// CorruptError reports a persisted blob that could not be decoded.
type CorruptError struct {
	Key string
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt data under %q: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// BlobAdapter is the default Adapter over any Medium.
type BlobAdapter struct {
	medium Medium
	key    string
}

// NewBlobAdapter creates an adapter writing under RecordsKey.
func NewBlobAdapter(medium Medium) *BlobAdapter {
	return &BlobAdapter{medium: medium, key: RecordsKey}
}

// Save serializes the full collection and replaces the stored blob.
func (a *BlobAdapter) Save(state State) error {
	records := state.Records
	if records == nil {
		records = []models.StreamRecord{}
	}
	data, err := json.Marshal(envelope{
		Version:  CurrentVersion,
		SavedAt:  timeutil.Now(),
		Unsynced: state.Unsynced,
		Records:  &records,
	})
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	if err := a.medium.Set(a.key, data); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	return nil
}

// Load returns the stored collection, or an empty one when nothing was saved.
// Undecodable data yields a *CorruptError.
func (a *BlobAdapter) Load() (State, error) {
	data, ok, err := a.medium.Get(a.key)
	if err != nil {
		return State{}, fmt.Errorf("failed to read records: %w", err)
	}
	data = bytes.TrimSpace(data)
	if !ok || len(data) == 0 {
		return State{Records: []models.StreamRecord{}}, nil
	}

	state, err := decode(data)
	if err != nil {
		return State{}, &CorruptError{Key: a.key, Err: err}
	}
	return state, nil
}

func decode(data []byte) (State, error) {
	var state State
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &state.Records); err != nil {
			return State{}, err
		}
	case '{':
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return State{}, err
		}
		switch {
		case env.Version < 1:
			return State{}, fmt.Errorf("missing or invalid version %d", env.Version)
		case env.Version > CurrentVersion:
			return State{}, fmt.Errorf("unsupported version %d", env.Version)
		case env.Records == nil:
			return State{}, fmt.Errorf("missing records")
		}
		state.Records = *env.Records
		state.Unsynced = env.Unsynced
	default:
		return State{}, fmt.Errorf("unexpected leading byte %q", data[0])
	}

	if state.Records == nil {
		state.Records = []models.StreamRecord{}
	}
	return state, nil
}
