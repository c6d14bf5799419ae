package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps session documents in process memory. Documents are
// stored serialized so callers never share mutable state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	raw, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("load %q: %w", id, ErrNotFound)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("load %q: corrupt document: %w", id, err)
	}
	return &doc, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, id string, doc *Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("save %q: %w", id, err)
	}
	s.mu.Lock()
	s.docs[id] = raw
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.docs, id)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
