package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSteps(t *testing.T) {
	t.Run("array", func(t *testing.T) {
		steps, start, err := readSteps(strings.NewReader(`[{"temp_node_id":"start","content":{"text":"hi","choices":[]}}]`))
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, "start", steps[0].TempNodeID)
		assert.Empty(t, start)
	})

	t.Run("trail result", func(t *testing.T) {
		steps, start, err := readSteps(strings.NewReader(`{"request_id":"r1","start_node_id":"intro","steps":[{"temp_node_id":"intro","content":{"text":"hi","choices":[]}}]}`))
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, "intro", start)
	})

	t.Run("yaml array", func(t *testing.T) {
		steps, start, err := readSteps(strings.NewReader(`
- temp_node_id: start
  content:
    text: hi
    choices:
      - id: c1
        text: go on
        next_node_id: end
- temp_node_id: end
  content:
    text: bye
    choices: []
`))
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Empty(t, start)
		assert.Equal(t, "end", steps[0].Content.Choices[0].NextNodeID)
		assert.Empty(t, steps[1].Content.Choices)
	})

	t.Run("yaml trail result", func(t *testing.T) {
		steps, start, err := readSteps(strings.NewReader("start_node_id: intro\nsteps:\n  - temp_node_id: intro\n    content:\n      text: hi\n"))
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, "intro", start)
		assert.Equal(t, "hi", steps[0].Content.Text)
	})

	t.Run("yaml without steps", func(t *testing.T) {
		_, _, err := readSteps(strings.NewReader("title: not a trail\n"))
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, _, err := readSteps(strings.NewReader(`"nope"`))
		assert.Error(t, err)
	})
}
