package trail

import (
	"context"
	"fmt"

	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/observability"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const DefaultCacheSize = 256

// Cache memoises reconstruction results by Fingerprint.
// Safe for concurrent use.
type Cache struct {
	results *lru.Cache[string, Result]
	metrics *observability.Metrics
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithMetrics records reconstruction outcomes.
func WithMetrics(m *observability.Metrics) CacheOption {
	return func(c *Cache) {
		c.metrics = m
	}
}

// NewCache creates a cache holding up to size results.
func NewCache(size int, opts ...CacheOption) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	results, err := lru.New[string, Result](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create trail cache: %w", err)
	}
	c := &Cache{results: results}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Reconstruct returns the cached result for steps, reconstructing on a miss.
func (c *Cache) Reconstruct(ctx context.Context, steps []domain.Step, startNodeID string) Result {
	return c.do(ctx, "trail.Reconstruct", "strict:", steps, startNodeID, Reconstruct)
}

// ReconstructSequential is the cached form of the degraded mode.
func (c *Cache) ReconstructSequential(ctx context.Context, steps []domain.Step, startNodeID string) Result {
	return c.do(ctx, "trail.ReconstructSequential", "sequential:", steps, startNodeID, ReconstructSequential)
}

// Len reports the number of cached results.
func (c *Cache) Len() int {
	return c.results.Len()
}

func (c *Cache) do(ctx context.Context, span, mode string, steps []domain.Step, start string, build func([]domain.Step, string) Result) Result {
	_, s := otel.Tracer("github.com/aretw0/trailhead/pkg/trail").Start(ctx, span)
	defer s.End()

	key := mode + Fingerprint(steps, start)
	if cached, ok := c.results.Get(key); ok {
		s.SetAttributes(attribute.Bool("cache_hit", true))
		c.metrics.ObserveReconstruction(observability.OutcomeCached)
		return cached.Clone()
	}

	res := build(steps, start)
	c.results.Add(key, res.Clone())

	outcome := observability.OutcomeComplete
	if res.Err() != nil {
		outcome = observability.OutcomeIssues
	}
	s.SetAttributes(
		attribute.Bool("cache_hit", false),
		attribute.Int("nodes", len(res.Trail.Nodes)),
		attribute.Int("issues", len(res.Issues)),
	)
	c.metrics.ObserveReconstruction(outcome)
	return res
}
