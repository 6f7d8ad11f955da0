package vmdk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGTCache(t *testing.T) {
	r := require.New(t)
	var stats imageStats
	c := newGTCache(gtCacheLines, &stats)

	r.Nil(c.lookup(0, 3))
	entries := make([]uint32, gtCacheLineEntries)
	entries[5] = 77
	c.fill(0, 3, entries)
	got := c.lookup(0, 3)
	r.NotNil(got)
	r.EqualValues(77, got[5])

	// same slot, different owner: evicts
	c.fill(1, 2, nil)
	r.Nil(c.lookup(0, 3))
	r.NotNil(c.lookup(1, 2))

	// block ids past the line count wrap around
	c.fill(0, 3+gtCacheLines, entries)
	r.Nil(c.lookup(1, 2))
	r.Nil(c.peek(0, 3))
	r.NotNil(c.peek(0, 3+gtCacheLines))

	r.EqualValues(2, stats.gtCacheHits.Load())
	r.EqualValues(3, stats.gtCacheMisses.Load())
}

func TestGTCache_Invalidate(t *testing.T) {
	r := require.New(t)
	c := newGTCache(16, nil)
	for b := uint64(0); b < 4; b++ {
		c.claim(0, b)
		c.claim(1, b+4)
	}
	c.invalidate(1)
	for b := uint64(0); b < 4; b++ {
		r.NotNil(c.peek(0, b))
		r.Nil(c.peek(1, b+4))
	}
	c.drop(0, 2)
	r.Nil(c.peek(0, 2))
	r.NotNil(c.peek(0, 1))
}
