package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

const defaultStorePrefix = "trailhead:trail:"

// farFuture scores index entries that never expire.
const farFuture = 4102444800 // 2100-01-01

// Store implements ports.TrailStore using Redis.
// Artifacts are stored as JSON under prefix+id and indexed in a ZSET scored by expiry,
// so List can prune entries whose keys have already expired.
type Store struct {
	client *backend.Client
	owned  bool
	prefix string
	ttl    time.Duration
}

var _ ports.TrailStore = (*Store)(nil)

type Option func(*Store)

// WithTTL sets the expiration for stored trails.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for stored trails.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store that owns its client.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	store := NewFromClient(rdb, opts...)
	store.owned = true
	return store
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: defaultStorePrefix,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

// Save persists the artifact.
func (s *Store) Save(ctx context.Context, artifact *domain.TrailArtifact) error {
	if artifact.ID == "" {
		return fmt.Errorf("artifact id cannot be empty")
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	score := float64(time.Now().Add(s.ttl).Unix())
	if s.ttl == 0 {
		score = farFuture
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(artifact.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{Score: score, Member: artifact.ID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Load retrieves the artifact.
func (s *Store) Load(ctx context.Context, id string) (*domain.TrailArtifact, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrTrailNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var artifact domain.TrailArtifact
	if err := json.Unmarshal([]byte(val), &artifact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	return &artifact, nil
}

// Delete removes the artifact. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(id))
	pipe.ZRem(ctx, s.indexKey(), id)

	_, err := pipe.Exec(ctx)
	return err
}

// List returns summaries of the stored trails, newest first.
func (s *Store) List(ctx context.Context) ([]domain.TrailListItem, error) {
	now := float64(time.Now().Unix())
	if err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("%f", now)).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune expired trails: %w", err)
	}

	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list trails: %w", err)
	}
	if len(ids) == 0 {
		return []domain.TrailListItem{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trails: %w", err)
	}

	items := make([]domain.TrailListItem, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Key expired between ZRANGE and MGET.
			continue
		}
		var artifact domain.TrailArtifact
		if err := json.Unmarshal([]byte(raw), &artifact); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trail %s: %w", ids[i], err)
		}
		items = append(items, artifact.Summary())
	}
	domain.SortTrailItems(items)
	return items, nil
}

// Close closes the redis client when the store owns it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
