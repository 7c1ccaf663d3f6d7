package trailhead_test

import (
	"testing"

	"github.com/aretw0/trailhead"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeParams(t *testing.T) {
	p, err := trailhead.DecodeParams(map[string]any{
		"tenant_id":  "acme",
		"title":      "Forest",
		"language":   "pt-BR",
		"tags":       []any{"nature", "kids"},
		"node_count": "12",
		"mood":       "calm",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", p.TenantID)
	assert.Equal(t, 12, p.NodeCount)
	assert.Equal(t, []string{"nature", "kids"}, p.Tags)
	assert.Equal(t, "calm", p.Extra["mood"])
}

func TestDecodeParams_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"missing tenant", map[string]any{"title": "x"}},
		{"missing title", map[string]any{"tenant_id": "acme"}},
		{"bad language", map[string]any{"tenant_id": "acme", "title": "x", "language": "not a tag"}},
		{"too many nodes", map[string]any{"tenant_id": "acme", "title": "x", "node_count": 1000}},
		{"empty tag", map[string]any{"tenant_id": "acme", "title": "x", "tags": []string{""}}},
		{"wrong type", map[string]any{"tenant_id": "acme", "title": "x", "node_count": "many"}},
		{"wildcard tenant", map[string]any{"tenant_id": "*", "title": "x"}},
		{"dotted tenant", map[string]any{"tenant_id": "acme.eu", "title": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := trailhead.DecodeParams(tt.params)
			assert.ErrorIs(t, err, trailhead.ErrInvalidParams)
		})
	}
}
