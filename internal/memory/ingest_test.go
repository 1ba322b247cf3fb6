package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/companion-memory-kernel/internal/graph"
)

var anchor = time.Date(2026, 1, 29, 10, 0, 0, 0, time.Local)

func TestParseValidAt(t *testing.T) {
	got := ParseValidAt("2026-02-01", anchor)
	assert.Equal(t, 2026, got.Year())
	assert.Equal(t, time.February, got.Month())
	assert.Equal(t, 1, got.Day())

	assert.Equal(t, anchor, ParseValidAt("", anchor))
	assert.Equal(t, anchor, ParseValidAt("下周五", anchor))
	assert.Equal(t, anchor, ParseValidAt("soon", anchor))
}

func TestNormalizePredicate(t *testing.T) {
	assert.Equal(t, "WORKS_AT", NormalizePredicate("works at"))
	assert.Equal(t, "LIKES", NormalizePredicate(" likes "))
	assert.Equal(t, "HAS_FRIEND", NormalizePredicate("has-friend"))
	assert.Equal(t, "LIVES_IN", NormalizePredicate("LIVES_IN"))
}

func TestContradicts(t *testing.T) {
	current := &graph.FactEdge{Object: &graph.Entity{UID: "0x1"}}

	assert.False(t, Contradicts(current, "0x1"), "same object restates, not contradicts")
	assert.True(t, Contradicts(current, "0x2"))
	assert.True(t, Contradicts(&graph.FactEdge{}, "0x1"), "edge with no object is displaced")
}

func TestEpisodeName(t *testing.T) {
	ts := time.Unix(1769650000, 0)
	assert.Equal(t, "api_add_1769650000", episodeName(graph.SourceAPI, ts))
	assert.Equal(t, "chat_1769650000", episodeName(graph.SourceChat, ts))
}

func TestClosestEntity(t *testing.T) {
	entities := []graph.Entity{
		{UID: "0x1", Name: "小王", Embedding: []float32{1, 0}},
		{UID: "0x2", Name: "小李", Embedding: []float32{0, 1}},
		{UID: "0x3", Name: "无向量"},
	}

	match := closestEntity(entities, []float32{0.99, 0.01}, 0.85)
	assert.NotNil(t, match)
	assert.Equal(t, "0x1", match.UID)

	assert.Nil(t, closestEntity(entities, []float32{0.7, 0.7}, 0.99), "below threshold")
	assert.Nil(t, closestEntity(nil, []float32{1, 0}, 0.85))
}

func TestGroupByPredicate(t *testing.T) {
	views := []EdgeView{
		{Predicate: "LIKES", Fact: "b", ValidAt: anchor},
		{Predicate: "LIKES", Fact: "a", ValidAt: anchor.AddDate(0, 0, -1)},
		{Predicate: "WORKS_AT", Fact: "c", ValidAt: anchor},
	}

	grouped := GroupByPredicate(views)
	assert.Len(t, grouped, 2)
	assert.Equal(t, "a", grouped["LIKES"][0].Fact, "groups sort by valid_at ascending")
	assert.Equal(t, "b", grouped["LIKES"][1].Fact)
	assert.Len(t, grouped["WORKS_AT"], 1)
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{"a", "b", "a", "", "b"}))
	assert.Empty(t, dedupe(nil))
}
