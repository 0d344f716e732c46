package iommu

import (
	"fmt"

	"github.com/google/btree"
)

// IntervalTree is an ordered map keyed by non-overlapping, inclusive
// [low, high] ranges of a 64-bit address space. Overlap detection,
// point-containment lookup and overlap-rejecting insert all collapse onto
// the same ordered-map primitive by giving the tree a comparator under
// which any two overlapping intervals compare equal (spec §4.A, §9): a
// degenerate [p, p] query then finds the mapping containing p, and an
// insert whose key overlaps an existing one collides with it instead of
// being placed beside it.
type IntervalTree[V any] struct {
	t *btree.BTreeG[intervalEntry[V]]
}

type intervalEntry[V any] struct {
	low, high uint64
	value     V
}

func intervalLess[V any](a, b intervalEntry[V]) bool {
	return a.high < b.low
}

// NewIntervalTree returns an empty tree.
func NewIntervalTree[V any]() *IntervalTree[V] {
	return &IntervalTree[V]{t: btree.NewG(32, intervalLess[V])}
}

// Insert adds the mapping [low, high] -> value. It fails if low > high or
// if the range overlaps any existing entry.
func (it *IntervalTree[V]) Insert(low, high uint64, value V) error {
	if low > high {
		return fmt.Errorf("iommu: invalid interval [%#x, %#x]", low, high)
	}
	if _, ok := it.t.Get(intervalEntry[V]{low: low, high: high}); ok {
		return ErrOverlap
	}
	it.t.ReplaceOrInsert(intervalEntry[V]{low: low, high: high, value: value})
	return nil
}

// LookupContaining returns the unique mapping whose interval contains point,
// if any.
func (it *IntervalTree[V]) LookupContaining(point uint64) (low, high uint64, value V, ok bool) {
	e, found := it.t.Get(intervalEntry[V]{low: point, high: point})
	if !found {
		return 0, 0, value, false
	}
	return e.low, e.high, e.value, true
}

// LookupExact returns the value stored under the exact [low, high] key, not
// merely one that overlaps it.
func (it *IntervalTree[V]) LookupExact(low, high uint64) (value V, ok bool) {
	e, found := it.t.Get(intervalEntry[V]{low: low, high: high})
	if !found || e.low != low || e.high != high {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Remove deletes the entry overlapping [low, high] (normally called with the
// exact key of an entry already found via lookup) and returns its value.
func (it *IntervalTree[V]) Remove(low, high uint64) (value V, ok bool) {
	e, found := it.t.Delete(intervalEntry[V]{low: low, high: high})
	if !found {
		var zero V
		return zero, false
	}
	return e.value, true
}

// ForEach visits every mapping in ascending key order. Iteration stops
// early if visit returns false.
func (it *IntervalTree[V]) ForEach(visit func(low, high uint64, value V) bool) {
	it.t.Ascend(func(e intervalEntry[V]) bool {
		return visit(e.low, e.high, e.value)
	})
}

// Len returns the number of mappings currently stored.
func (it *IntervalTree[V]) Len() int {
	return it.t.Len()
}
