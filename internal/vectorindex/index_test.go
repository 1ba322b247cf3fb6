package vectorindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSearchRanksBySimilarity(t *testing.T) {
	ix := NewIndex(zaptest.NewLogger(t))

	ix.Add("user_a", "close", []float32{1, 0, 0})
	ix.Add("user_a", "mid", []float32{0.7, 0.7, 0})
	ix.Add("user_a", "far", []float32{0, 0, 1})

	matches := ix.Search("user_a", []float32{1, 0, 0}, 2)
	require.Len(t, matches, 2)
	assert.Equal(t, "close", matches[0].UUID)
	assert.Equal(t, "mid", matches[1].UUID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestSearchIsolatesNamespaces(t *testing.T) {
	ix := NewIndex(zaptest.NewLogger(t))

	ix.Add("user_a", "a1", []float32{1, 0})
	ix.Add("user_b", "b1", []float32{1, 0})

	matches := ix.Search("user_a", []float32{1, 0}, 10)
	require.Len(t, matches, 1)
	assert.Equal(t, "a1", matches[0].UUID)

	assert.Nil(t, ix.Search("user_c", []float32{1, 0}, 10))
}

func TestDropNamespace(t *testing.T) {
	ix := NewIndex(zaptest.NewLogger(t))

	ix.Add("user_a", "a1", []float32{1, 0})
	ix.Add("user_a", "a2", []float32{0, 1})
	require.Equal(t, 2, ix.Count("user_a"))

	ix.DropNamespace("user_a")
	assert.Equal(t, 0, ix.Count("user_a"))
	assert.Nil(t, ix.Search("user_a", []float32{1, 0}, 10))
}

func TestRemove(t *testing.T) {
	ix := NewIndex(zaptest.NewLogger(t))

	ix.Add("user_a", "a1", []float32{1, 0})
	ix.Remove("user_a", "a1")
	assert.Equal(t, 0, ix.Count("user_a"))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}
