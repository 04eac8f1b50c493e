package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/probelab/deepresearch/pkg/domain"
)

// MemoryStore keeps checkpoints in memory. Used in tests and for
// throwaway runs where durability does not matter.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Save stores a deep copy of the checkpoint.
func (s *MemoryStore) Save(ctx context.Context, sessionID string, cp *domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[sessionID] = data
	return nil
}

// Load returns the checkpoint for a session.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.blobs[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrCheckpointNotFound
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// List returns summaries of all stored checkpoints, newest first.
func (s *MemoryStore) List(ctx context.Context) ([]domain.CheckpointSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]domain.CheckpointSummary, 0, len(s.blobs))
	for _, data := range s.blobs {
		var cp domain.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		summaries = append(summaries, domain.CheckpointSummary{
			SessionID: cp.SessionID,
			Query:     cp.Query,
			Status:    cp.Status,
			Completed: cp.CompletedCount(),
			Total:     cp.CompletedCount() + cp.RemainingCount(),
			UpdatedAt: cp.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}
