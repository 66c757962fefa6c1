package service

import (
	"errors"
	"sync"

	"streamvault/internal/models"
	"streamvault/internal/persistence"
)

// memMedium is an in-memory persistence.Medium
type memMedium struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemMedium() *memMedium {
	return &memMedium{data: map[string][]byte{}}
}

func (m *memMedium) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memMedium) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memMedium) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// spyAdapter counts saves and can be told to fail them
type spyAdapter struct {
	inner persistence.Adapter

	mu    sync.Mutex
	saves int
	fail  bool
}

func newSpyAdapter() *spyAdapter {
	return &spyAdapter{inner: persistence.NewBlobAdapter(newMemMedium())}
}

func (a *spyAdapter) Save(state persistence.State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("disk full")
	}
	a.saves++
	return a.inner.Save(state)
}

func (a *spyAdapter) Load() (persistence.State, error) {
	return a.inner.Load()
}

func (a *spyAdapter) Saves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saves
}

func (a *spyAdapter) SetFail(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = fail
}

func strPtr(s string) *string { return &s }

func catPtr(c models.Category) *models.Category { return &c }

func partial(url string, tags ...string) models.PartialStreamRecord {
	return models.PartialStreamRecord{URL: strPtr(url), Tags: tags}
}

func newTestStore() (*RecordStore, *spyAdapter) {
	adapter := newSpyAdapter()
	store := NewRecordStore(adapter)
	store.Load()
	return store, adapter
}
