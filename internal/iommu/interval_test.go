package iommu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntervalTree_InsertLookupContaining(t *testing.T) {
	t.Parallel()

	it := NewIntervalTree[int]()
	require.NoError(t, it.Insert(0x1000, 0x1fff, 42))

	low, high, v, ok := it.LookupContaining(0x1800)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), low)
	require.Equal(t, uint64(0x1fff), high)
	require.Equal(t, 42, v)

	_, _, _, ok = it.LookupContaining(0x2000)
	require.False(t, ok)
}

func TestIntervalTree_RejectsOverlap(t *testing.T) {
	t.Parallel()

	it := NewIntervalTree[int]()
	require.NoError(t, it.Insert(0, 0xffff, 1))

	err := it.Insert(0x0800, 0x0fff, 2)
	require.ErrorIs(t, err, ErrOverlap)
}

func TestIntervalTree_RejectsExactDuplicate(t *testing.T) {
	t.Parallel()

	it := NewIntervalTree[int]()
	require.NoError(t, it.Insert(0x1000, 0x1fff, 1))

	err := it.Insert(0x1000, 0x1fff, 2)
	require.ErrorIs(t, err, ErrOverlap)
}

func TestIntervalTree_InvalidRange(t *testing.T) {
	t.Parallel()

	it := NewIntervalTree[int]()
	require.Error(t, it.Insert(5, 4, 1))
}

func TestIntervalTree_RemoveAndForEachOrder(t *testing.T) {
	t.Parallel()

	it := NewIntervalTree[int]()
	require.NoError(t, it.Insert(0x3000, 0x4fff, 3))
	require.NoError(t, it.Insert(0, 0xfff, 1))
	require.NoError(t, it.Insert(0x1000, 0x1fff, 2))

	var order []int
	it.ForEach(func(low, high uint64, v int) bool {
		order = append(order, v)
		return true
	})
	require.Equal(t, []int{1, 2, 3}, order)

	v, ok := it.Remove(0x1000, 0x1fff)
	require.True(t, ok)
	require.Equal(t, 2, v)
	require.Equal(t, 2, it.Len())

	_, ok = it.Remove(0x1000, 0x1fff)
	require.False(t, ok)
}

func TestIntervalTree_LookupExactDistinguishesOverlapFromExact(t *testing.T) {
	t.Parallel()

	it := NewIntervalTree[int]()
	require.NoError(t, it.Insert(0x1000, 0x2fff, 1))

	_, ok := it.LookupExact(0x1000, 0x1fff)
	require.False(t, ok)

	v, ok := it.LookupExact(0x1000, 0x2fff)
	require.True(t, ok)
	require.Equal(t, 1, v)
}
