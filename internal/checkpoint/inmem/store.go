// Package inmem provides a process-local checkpoint store.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/fentz26/waypoint/internal/checkpoint"
)

// Store keeps checkpoint blobs in memory.
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ checkpoint.Store = (*Store)(nil)

func New() *Store {
	return &Store{blobs: map[string][]byte{}}
}

func (s *Store) Save(_ context.Context, runID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs[runID] = append([]byte(nil), blob...)
	return nil
}

func (s *Store) Load(_ context.Context, runID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[runID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

// RunIDs returns the stored run ids in sorted order.
func (s *Store) RunIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.blobs))
	for id := range s.blobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
