package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/trailhead/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunTrailStoreContract runs a suite of tests to verify that a TrailStore implementation
// adheres to the defined interface contract.
func RunTrailStoreContract(t *testing.T, store TrailStore) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prefix := "contract-" + time.Now().Format("20060102150405")

	t.Run("Save and Load", func(t *testing.T) {
		artifact := sampleArtifact(prefix+"-a", base)

		err := store.Save(ctx, artifact)
		require.NoError(t, err, "Save should not return error")

		loaded, err := store.Load(ctx, artifact.ID)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, artifact.ID, loaded.ID)
		assert.Equal(t, artifact.Trail.StartNodeID, loaded.Trail.StartNodeID)
		assert.Len(t, loaded.Trail.Nodes, 2)
		assert.Equal(t, artifact.Trail.Edges, loaded.Trail.Edges)
		assert.Equal(t, artifact.TrailSteps, loaded.TrailSteps)
		assert.Equal(t, artifact.GenerationMetadata.Title, loaded.GenerationMetadata.Title)
		assert.True(t, artifact.GenerationMetadata.GeneratedAt.Equal(loaded.GenerationMetadata.GeneratedAt))
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, prefix+"-missing")
		assert.ErrorIs(t, err, domain.ErrTrailNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		artifact := sampleArtifact(prefix+"-d", base)
		require.NoError(t, store.Save(ctx, artifact))

		require.NoError(t, store.Delete(ctx, artifact.ID), "Delete should not return error")

		_, err := store.Load(ctx, artifact.ID)
		assert.ErrorIs(t, err, domain.ErrTrailNotFound, "Load after Delete should return ErrTrailNotFound")

		assert.NoError(t, store.Delete(ctx, artifact.ID), "Deleting twice is not an error")
	})

	t.Run("List", func(t *testing.T) {
		older := sampleArtifact(prefix+"-old", base)
		newer := sampleArtifact(prefix+"-new", base.Add(time.Hour))
		require.NoError(t, store.Save(ctx, older))
		require.NoError(t, store.Save(ctx, newer))
		defer func() {
			_ = store.Delete(ctx, older.ID)
			_ = store.Delete(ctx, newer.ID)
		}()

		items, err := store.List(ctx)
		require.NoError(t, err)

		positions := map[string]int{}
		for i, item := range items {
			positions[item.ID] = i
		}
		require.Contains(t, positions, older.ID)
		require.Contains(t, positions, newer.ID)
		assert.Less(t, positions[newer.ID], positions[older.ID], "newest first")

		item := items[positions[newer.ID]]
		assert.Equal(t, "Forest Path", item.Title)
		assert.Equal(t, 2, item.NodeCount)
		assert.Equal(t, "acme", item.TenantID)
		assert.Equal(t, []string{"forest", "animals"}, item.Tags)
		assert.Equal(t, domain.TrailStatusComplete, item.Status)
	})
}

func sampleArtifact(id string, generatedAt time.Time) *domain.TrailArtifact {
	steps := []domain.Step{
		{TempNodeID: "A", Content: domain.StepContent{Text: "You enter the forest.", Choices: []domain.Choice{{ID: "c1", Text: "Go on", NextNodeID: "B"}}}},
		{TempNodeID: "B", Content: domain.StepContent{Text: "The end.", Choices: []domain.Choice{}}},
	}
	return &domain.TrailArtifact{
		ID: id,
		Trail: domain.Trail{
			Nodes: map[string]domain.TrailNode{
				"A": {ID: "A", Text: steps[0].Content.Text, Choices: steps[0].Content.Choices},
				"B": {ID: "B", Text: steps[1].Content.Text, Choices: []domain.Choice{}},
			},
			Edges:             []domain.Edge{{From: "A", To: "B", ChoiceID: "c1"}},
			StartNodeID:       "A",
			ConvergencePoints: []string{},
		},
		TrailSteps: steps,
		ExecutionTrace: []domain.TraceEntry{
			{Phase: "outline", Status: "completed", Progress: 1, Timestamp: generatedAt},
		},
		GenerationMetadata: domain.GenerationMetadata{
			RequestID:   id,
			TenantID:    "acme",
			Title:       "Forest Path",
			Theme:       "nature",
			AgeGroup:    "6-8",
			Language:    "en",
			Tags:        []string{"forest", "animals"},
			GeneratedAt: generatedAt,
		},
		Status: domain.TrailStatusComplete,
	}
}
