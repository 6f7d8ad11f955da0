package vmdk

type (
	// gtCache is a direct-mapped cache of grain table blocks. A block is
	// gtCacheLineEntries consecutive entries of one extent's tables; block ids
	// count from the start of the extent, not of the table. Updates are written
	// to disk before they reach the cache, so eviction never writes back.
	gtCache struct {
		lines []gtCacheLine
		stats *imageStats
	}

	gtCacheLine struct {
		valid   bool
		extent  uint32
		block   uint64
		entries [gtCacheLineEntries]uint32
	}
)

func newGTCache(lines int, stats *imageStats) *gtCache {
	return &gtCache{lines: make([]gtCacheLine, lines), stats: stats}
}

func (c *gtCache) slot(extent uint32, block uint64) *gtCacheLine {
	return &c.lines[(uint64(extent)+block)%uint64(len(c.lines))]
}

// lookup returns the cached entries for (extent, block) or nil.
func (c *gtCache) lookup(extent uint32, block uint64) *[gtCacheLineEntries]uint32 {
	l := c.slot(extent, block)
	if l.valid && l.extent == extent && l.block == block {
		if c.stats != nil {
			c.stats.gtCacheHits.Add(1)
		}
		return &l.entries
	}
	if c.stats != nil {
		c.stats.gtCacheMisses.Add(1)
	}
	return nil
}

// fill takes over the slot for (extent, block), evicting whatever was there.
func (c *gtCache) fill(extent uint32, block uint64, entries []uint32) *[gtCacheLineEntries]uint32 {
	l := c.slot(extent, block)
	l.valid = true
	l.extent = extent
	l.block = block
	copy(l.entries[:], entries)
	return &l.entries
}

// claim is fill with all entries zero.
func (c *gtCache) claim(extent uint32, block uint64) *[gtCacheLineEntries]uint32 {
	l := c.slot(extent, block)
	*l = gtCacheLine{valid: true, extent: extent, block: block}
	return &l.entries
}

// peek is lookup without touching the stats.
func (c *gtCache) peek(extent uint32, block uint64) *[gtCacheLineEntries]uint32 {
	l := c.slot(extent, block)
	if l.valid && l.extent == extent && l.block == block {
		return &l.entries
	}
	return nil
}

func (c *gtCache) drop(extent uint32, block uint64) {
	if l := c.slot(extent, block); l.valid && l.extent == extent && l.block == block {
		l.valid = false
	}
}

func (c *gtCache) invalidate(extent uint32) {
	for i := range c.lines {
		if c.lines[i].extent == extent {
			c.lines[i].valid = false
		}
	}
}
