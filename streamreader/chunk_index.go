package streamreader

import (
	"github.com/google/btree"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
)

// chunkIndex finds the finished chunk holding a key. A nil index filters
// nothing.
type chunkIndex struct {
	tables  map[string]*btree.BTreeG[indexedChunk]
	maxHigh splits.Position
}

type indexedChunk struct {
	r    keys.Range
	high splits.Position
}

// lowerLess orders chunks by lower bound with an open bound first.
func lowerLess(a, b indexedChunk) bool {
	if a.r.Lower == nil {
		return b.r.Lower != nil
	}
	if b.r.Lower == nil {
		return false
	}
	return a.r.Lower.Less(*b.r.Lower)
}

func newChunkIndex(finished []splits.SplitState) *chunkIndex {
	idx := &chunkIndex{tables: make(map[string]*btree.BTreeG[indexedChunk])}
	for _, s := range finished {
		if s.Status != splits.StatusSnapshotDone {
			continue
		}
		tree, ok := idx.tables[s.Chunk.Table]
		if !ok {
			tree = btree.NewG(8, lowerLess)
			idx.tables[s.Chunk.Table] = tree
		}
		tree.ReplaceOrInsert(indexedChunk{r: s.Chunk.Range, high: s.HighWatermark})
		idx.maxHigh = max(idx.maxHigh, s.HighWatermark)
	}
	if len(idx.tables) == 0 {
		return nil
	}
	return idx
}

// highWatermark returns the high watermark of the chunk containing key.
func (idx *chunkIndex) highWatermark(table string, key keys.Value) (splits.Position, bool) {
	if idx == nil {
		return 0, false
	}
	tree, ok := idx.tables[table]
	if !ok {
		return 0, false
	}

	var found indexedChunk
	ok = false
	tree.DescendLessOrEqual(indexedChunk{r: keys.AtLeast(key)}, func(c indexedChunk) bool {
		found, ok = c, c.r.Contains(key)
		return false
	})
	if !ok {
		return 0, false
	}
	return found.high, true
}

// prune drops every chunk once the stream is past all high watermarks. It
// reports whether this call dropped them.
func (idx *chunkIndex) prune(pos splits.Position) bool {
	if idx == nil || idx.tables == nil || pos <= idx.maxHigh {
		return false
	}
	idx.tables = nil
	return true
}

func (idx *chunkIndex) size() int {
	if idx == nil {
		return 0
	}
	n := 0
	for _, tree := range idx.tables {
		n += tree.Len()
	}
	return n
}
