package generics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceMap(t *testing.T) {
	got := SliceMap([]int{1, 2, 3}, func(e int) int { return e * e })
	assert.Equal(t, []int{1, 4, 9}, got)
	assert.Empty(t, SliceMap(nil, func(e int) int { return e }))
}

func TestSet(t *testing.T) {
	// Sets are created empty.
	s := MakeSet[int](10)
	assert.Len(t, s, 0)

	// Check inserting and recovery.
	s.Insert(3)
	s.Insert(7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	s2 := SetWith("buy", "sell")
	assert.Len(t, s2, 2)
	assert.True(t, s2.Has("buy"))
	assert.False(t, s2.Has("hold"))
}
