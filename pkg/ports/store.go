package ports

import (
	"context"

	"github.com/aretw0/trailhead/pkg/domain"
)

// TrailStore persists reconstructed trail artifacts.
type TrailStore interface {
	// Save creates or replaces the artifact with the same ID.
	Save(ctx context.Context, artifact *domain.TrailArtifact) error

	// Load retrieves an artifact.
	// Returns domain.ErrTrailNotFound if it does not exist.
	Load(ctx context.Context, id string) (*domain.TrailArtifact, error)

	// List returns summaries ordered by generation time, newest first.
	List(ctx context.Context) ([]domain.TrailListItem, error)

	// Delete removes the artifact. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, id string) error
}
