package streamreader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
)

func TestChunkIndex_FindsContainingChunk(t *testing.T) {
	idx := newChunkIndex([]splits.SplitState{
		indexState("a", keys.Below(keys.Int(10)), 3),
		indexState("a", keys.Between(keys.Int(10), keys.Int(20)), 7),
		indexState("a", keys.AtLeast(keys.Int(20)), 5),
		indexState("b", keys.Unbounded(), 9),
		{Chunk: splits.Chunk{Table: "c", Range: keys.Unbounded()}, Status: splits.StatusPending},
	})
	assert.Equal(t, 4, idx.size(), "pending chunks are not indexed")

	cases := []struct {
		table string
		key   keys.Value
		high  splits.Position
		found bool
	}{
		{"a", keys.Int(-100), 3, true},
		{"a", keys.Int(9), 3, true},
		{"a", keys.Int(10), 7, true},
		{"a", keys.Int(19), 7, true},
		{"a", keys.Int(20), 5, true},
		{"b", keys.String("anything"), 9, true},
		{"c", keys.Int(1), 0, false},
	}
	for _, c := range cases {
		high, ok := idx.highWatermark(c.table, c.key)
		assert.Equal(t, c.found, ok, "%s %s", c.table, c.key)
		assert.Equal(t, c.high, high, "%s %s", c.table, c.key)
	}
}

func TestChunkIndex_PrunesPastEveryHighWatermark(t *testing.T) {
	idx := newChunkIndex([]splits.SplitState{
		indexState("a", keys.Below(keys.Int(10)), 3),
		indexState("a", keys.AtLeast(keys.Int(10)), 8),
	})

	assert.False(t, idx.prune(8))
	assert.Equal(t, 2, idx.size())

	assert.True(t, idx.prune(9))
	assert.Equal(t, 0, idx.size())
	assert.False(t, idx.prune(10), "already pruned")

	_, ok := idx.highWatermark("a", keys.Int(1))
	assert.False(t, ok)
}

func TestChunkIndex_NilIndexFiltersNothing(t *testing.T) {
	var idx *chunkIndex
	_, ok := idx.highWatermark("a", keys.Int(1))
	assert.False(t, ok)
	assert.False(t, idx.prune(100))
	assert.Nil(t, newChunkIndex(nil))
}

func indexState(table string, r keys.Range, high splits.Position) splits.SplitState {
	return splits.SplitState{
		Chunk:         splits.Chunk{ID: table + r.String(), Table: table, Range: r},
		Status:        splits.StatusSnapshotDone,
		HighWatermark: high,
	}
}
