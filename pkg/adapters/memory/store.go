package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/ports"
)

// Store implements ports.TrailStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string][]byte
	mu   sync.RWMutex
}

var _ ports.TrailStore = (*Store)(nil)

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string][]byte),
	}
}

// Save persists the artifact in memory.
// It keeps a serialised copy so callers cannot mutate stored state through pointers.
func (s *Store) Save(ctx context.Context, artifact *domain.TrailArtifact) error {
	if artifact.ID == "" {
		return fmt.Errorf("artifact id cannot be empty")
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[artifact.ID] = data
	return nil
}

// Load retrieves a copy of the artifact.
func (s *Store) Load(ctx context.Context, id string) (*domain.TrailArtifact, error) {
	s.mu.RLock()
	data, ok := s.data[id]
	s.mu.RUnlock()

	if !ok {
		return nil, domain.ErrTrailNotFound
	}

	var artifact domain.TrailArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	return &artifact, nil
}

// Delete removes the artifact.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// List returns summaries, newest first.
func (s *Store) List(ctx context.Context) ([]domain.TrailListItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.TrailListItem, 0, len(s.data))
	for _, data := range s.data {
		var artifact domain.TrailArtifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
		}
		items = append(items, artifact.Summary())
	}
	domain.SortTrailItems(items)
	return items, nil
}
