package vmdk

import "sync/atomic"

type (
	imageStats struct {
		gtCacheHits     atomic.Int64 // grain table block lookups served from cache
		gtCacheMisses   atomic.Int64 // lookups that read the block from disk
		grainsAllocated atomic.Int64 // grains appended by the allocator
		tablesAllocated atomic.Int64 // grain tables appended by the allocator (per copy)
		grainsRelocated atomic.Int64 // grains moved out of the way by grow
		tablesShifted   atomic.Int64 // grain tables rewritten at a new offset by grow
		streamGrains    atomic.Int64 // compressed grains appended to streams
		streamTables    atomic.Int64 // grain tables appended to streams
		streamElided    atomic.Int64 // all-zero stream grain tables not written
		streamReads     atomic.Int64 // compressed grains decompressed
		readBytes       atomic.Int64 // bytes returned by Read
		writeBytes      atomic.Int64 // bytes accepted by Write
	}

	Stats struct {
		GTCacheHits     int64 // grain table block lookups served from cache
		GTCacheMisses   int64 // lookups that read the block from disk
		GrainsAllocated int64 // grains appended by the allocator
		TablesAllocated int64 // grain tables appended by the allocator (per copy)
		GrainsRelocated int64 // grains moved out of the way by grow
		TablesShifted   int64 // grain tables rewritten at a new offset by grow
		StreamGrains    int64 // compressed grains appended to streams
		StreamTables    int64 // grain tables appended to streams
		StreamElided    int64 // all-zero stream grain tables not written
		StreamReads     int64 // compressed grains decompressed
		ReadBytes       int64 // bytes returned by Read
		WriteBytes      int64 // bytes accepted by Write
	}
)

func (s *imageStats) export() Stats {
	return Stats{
		GTCacheHits:     s.gtCacheHits.Load(),
		GTCacheMisses:   s.gtCacheMisses.Load(),
		GrainsAllocated: s.grainsAllocated.Load(),
		TablesAllocated: s.tablesAllocated.Load(),
		GrainsRelocated: s.grainsRelocated.Load(),
		TablesShifted:   s.tablesShifted.Load(),
		StreamGrains:    s.streamGrains.Load(),
		StreamTables:    s.streamTables.Load(),
		StreamElided:    s.streamElided.Load(),
		StreamReads:     s.streamReads.Load(),
		ReadBytes:       s.readBytes.Load(),
		WriteBytes:      s.writeBytes.Load(),
	}
}

func (a Stats) Sub(b Stats) Stats {
	return Stats{
		GTCacheHits:     a.GTCacheHits - b.GTCacheHits,
		GTCacheMisses:   a.GTCacheMisses - b.GTCacheMisses,
		GrainsAllocated: a.GrainsAllocated - b.GrainsAllocated,
		TablesAllocated: a.TablesAllocated - b.TablesAllocated,
		GrainsRelocated: a.GrainsRelocated - b.GrainsRelocated,
		TablesShifted:   a.TablesShifted - b.TablesShifted,
		StreamGrains:    a.StreamGrains - b.StreamGrains,
		StreamTables:    a.StreamTables - b.StreamTables,
		StreamElided:    a.StreamElided - b.StreamElided,
		StreamReads:     a.StreamReads - b.StreamReads,
		ReadBytes:       a.ReadBytes - b.ReadBytes,
		WriteBytes:      a.WriteBytes - b.WriteBytes,
	}
}
