package unionfind_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maxgio92/binctx/internal/unionfind"
)

func TestDisjointSet(t *testing.T) {
	d := unionfind.New[int]()

	assert.True(t, d.SameGroup(1, 1), "singleton is related to itself")
	assert.False(t, d.SameGroup(1, 2))

	d.Union(1, 2)
	d.Union(3, 4)
	assert.True(t, d.SameGroup(1, 2))
	assert.True(t, d.SameGroup(4, 3))
	assert.False(t, d.SameGroup(1, 3))

	d.Union(2, 4)
	for _, pair := range [][2]int{{1, 3}, {1, 4}, {2, 3}} {
		assert.True(t, d.SameGroup(pair[0], pair[1]), "%v", pair)
	}
	assert.False(t, d.SameGroup(1, 5))

	// Redundant unions keep the partition unchanged.
	d.Union(1, 4)
	assert.True(t, d.SameGroup(3, 2))
}

func TestDisjointSetLongChain(t *testing.T) {
	d := unionfind.New[uint64]()
	for i := uint64(0); i < 1000; i++ {
		d.Union(i, i+1)
	}
	assert.True(t, d.SameGroup(0, 1000))
	assert.False(t, d.SameGroup(0, 1001))
}
