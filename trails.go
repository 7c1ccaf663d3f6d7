package trailhead

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/aretw0/trailhead/pkg/envelope"
	"github.com/aretw0/trailhead/pkg/trail"
)

// ingestLockTTL bounds how long one replica may hold a request's ingestion lock.
const ingestLockTTL = 30 * time.Second

// TrailFetch is the payload of a direct trail RPC.
type TrailFetch struct {
	RequestID string `json:"request_id"`
}

func (c *Client) onResult(res domain.TrailResult) {
	if _, _, err := c.Ingest(c.ctx, res); err != nil {
		c.logger.Error("failed to ingest trail result", "request_id", res.RequestID, "tenant_id", res.TenantID, "err", err)
	}
}

// Ingest reconstructs res and saves the artifact under the request id.
// Reconstruction issues do not fail ingestion; they are stored with the artifact.
func (c *Client) Ingest(ctx context.Context, res domain.TrailResult) (*domain.TrailArtifact, trail.Result, error) {
	if res.RequestID == "" {
		return nil, trail.Result{}, fmt.Errorf("%w: trail result without request id", ErrInvalidParams)
	}
	start, assumed := startOf(res.StartNodeID)
	if assumed {
		c.logger.Warn("trail result without start node id", "request_id", res.RequestID, "assumed", start)
	}

	unlock, err := c.locker.Lock(ctx, "trail:"+res.RequestID, ingestLockTTL)
	if err != nil {
		return nil, trail.Result{}, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("failed to release ingestion lock", "request_id", res.RequestID, "err", err)
		}
	}()

	built := c.cache.Reconstruct(ctx, res.Steps, start)
	if c.sequential && len(built.Unresolved()) > 0 {
		c.logger.Warn("falling back to sequential reconstruction", "request_id", res.RequestID, "unresolved", len(built.Unresolved()))
		built = c.cache.ReconstructSequential(ctx, res.Steps, start)
	}
	if assumed {
		built = withAssumedStart(built)
	}

	meta := res.Metadata
	if meta.RequestID == "" {
		meta.RequestID = res.RequestID
	}
	if meta.TenantID == "" {
		meta.TenantID = res.TenantID
	}
	if meta.GeneratedAt.IsZero() {
		meta.GeneratedAt = time.Now().UTC()
	}

	artifact := &domain.TrailArtifact{
		ID:                 res.RequestID,
		Trail:              built.Trail,
		TrailSteps:         res.Steps,
		ExecutionTrace:     res.ExecutionTrace,
		GenerationMetadata: meta,
		Status:             built.Status(),
		Issues:             built.Messages(),
	}
	if err := c.store.Save(ctx, artifact); err != nil {
		return nil, built, fmt.Errorf("failed to save trail %s: %w", res.RequestID, err)
	}

	for _, issue := range built.Issues {
		c.logger.Debug("trail issue", "request_id", res.RequestID, "kind", issue.Kind, "node_id", issue.NodeID, "choice_id", issue.ChoiceID)
	}
	c.logger.Info("trail stored", "request_id", res.RequestID, "status", artifact.Status,
		"nodes", len(built.Trail.Nodes), "issues", len(built.Issues))
	return artifact, built, nil
}

// FetchTrail asks the backend for the result of requestID by direct RPC and ingests it.
func (c *Client) FetchTrail(ctx context.Context, requestID string) (*domain.TrailArtifact, error) {
	env, err := envelope.Encode(requestID, TrailFetch{RequestID: requestID})
	if err != nil {
		return nil, err
	}
	reply, err := c.mux.Request(ctx, c.subjects.Trail, env, c.timeout)
	if err != nil {
		return nil, err
	}
	res, err := envelope.DecodePayload[domain.TrailResult](reply)
	if err != nil {
		return nil, err
	}
	if res.RequestID == "" {
		res.RequestID = requestID
	}
	artifact, _, err := c.Ingest(ctx, res)
	return artifact, err
}

// Trail loads a stored artifact or returns domain.ErrTrailNotFound.
func (c *Client) Trail(ctx context.Context, id string) (*domain.TrailArtifact, error) {
	return c.store.Load(ctx, id)
}

// Trails lists stored artifacts, newest first.
func (c *Client) Trails(ctx context.Context) ([]domain.TrailListItem, error) {
	return c.store.List(ctx)
}

// Reconstruct builds a trail from steps without storing it. An empty start id means
// domain.DefaultStartNodeID and adds an IssueAssumedStart warning.
func (c *Client) Reconstruct(ctx context.Context, steps []domain.Step, startNodeID string) trail.Result {
	start, assumed := startOf(startNodeID)
	res := c.cache.Reconstruct(ctx, steps, start)
	if assumed {
		res = withAssumedStart(res)
	}
	return res
}

// ReconstructSequential builds a trail like Reconstruct, then links every choice without
// a target to the step that follows it. Resolved targets are kept.
func (c *Client) ReconstructSequential(ctx context.Context, steps []domain.Step, startNodeID string) trail.Result {
	start, assumed := startOf(startNodeID)
	res := c.cache.ReconstructSequential(ctx, steps, start)
	if assumed {
		res = withAssumedStart(res)
	}
	return res
}

func startOf(startNodeID string) (string, bool) {
	if startNodeID == "" {
		return domain.DefaultStartNodeID, true
	}
	return startNodeID, false
}

// withAssumedStart records the default start substitution as a warning.
func withAssumedStart(res trail.Result) trail.Result {
	res.Issues = append(slices.Clip(res.Issues), trail.Issue{
		Kind:    trail.IssueAssumedStart,
		NodeID:  domain.DefaultStartNodeID,
		Message: fmt.Sprintf("no start node id given, assumed %q", domain.DefaultStartNodeID),
	})
	return res
}
