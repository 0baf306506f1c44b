package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"hanwrite/api/internal/changeset"
)

// MemoryStore keeps documents in process memory. Used in tests and for
// throwaway local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	rec       Record
	updatedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]memoryEntry{}, now: time.Now}
}

func (s *MemoryStore) Load(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.docs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(entry.rec), nil
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	if err := validateID(rec.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[rec.ID] = memoryEntry{rec: cloneRecord(normalize(rec)), updatedAt: s.now().UTC()}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[id]
	return ok, nil
}

func (s *MemoryStore) List(_ context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]DocumentInfo, 0, len(s.docs))
	for _, entry := range s.docs {
		docs = append(docs, DocumentInfo{ID: entry.rec.ID, Name: entry.rec.Name, UpdatedAt: entry.updatedAt})
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	return docs, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func cloneRecord(rec Record) Record {
	rec.Text = append([]changeset.Char{}, rec.Text...)
	return rec
}
