package registry

import (
	"github.com/enodenetwork/enoded/src/wire"
)

// EnodeIndex provides a forward and reverse mapping between collateral
// outpoints and dense integers. The mapping is add-only and is expected to be
// permanent; it is only rebuilt if it grows past the expected maximum while
// holding more entries than there are live records. External components use
// the integers as long-lived handles instead of retaining record references.
type EnodeIndex struct {
	size    int
	forward map[wire.OutPoint]int
	reverse map[int]wire.OutPoint
}

// NewEnodeIndex returns an empty index.
func NewEnodeIndex() *EnodeIndex {
	return &EnodeIndex{
		forward: make(map[wire.OutPoint]int),
		reverse: make(map[int]wire.OutPoint),
	}
}

// Size returns the number of indexed outpoints.
func (idx *EnodeIndex) Size() int {
	return idx.size
}

// Get retrieves the outpoint stored at the given index.
func (idx *EnodeIndex) Get(i int) (wire.OutPoint, bool) {
	op, ok := idx.reverse[i]
	return op, ok
}

// GetIndex returns the index of an outpoint, or -1.
func (idx *EnodeIndex) GetIndex(op wire.OutPoint) int {
	i, ok := idx.forward[op]
	if !ok {
		return -1
	}
	return i
}

// Add indexes an outpoint if it is not present yet.
func (idx *EnodeIndex) Add(op wire.OutPoint) {
	if _, ok := idx.forward[op]; ok {
		return
	}
	idx.forward[op] = idx.size
	idx.reverse[idx.size] = op
	idx.size++
}

// Clear empties the index.
func (idx *EnodeIndex) Clear() {
	idx.size = 0
	idx.forward = make(map[wire.OutPoint]int)
	idx.reverse = make(map[int]wire.OutPoint)
}

// Snapshot exports the forward mapping for persistence.
func (idx *EnodeIndex) Snapshot() []IndexEntry {
	entries := make([]IndexEntry, 0, idx.size)
	for op, i := range idx.forward {
		entries = append(entries, IndexEntry{Outpoint: op, Index: i})
	}
	return entries
}

// Restore rebuilds the index from persisted entries.
func (idx *EnodeIndex) Restore(entries []IndexEntry) {
	idx.Clear()
	max := -1
	for _, e := range entries {
		idx.forward[e.Outpoint] = e.Index
		idx.reverse[e.Index] = e.Outpoint
		if e.Index > max {
			max = e.Index
		}
	}
	idx.size = max + 1
}

// IndexEntry is one persisted index row.
type IndexEntry struct {
	Outpoint wire.OutPoint
	Index    int
}
