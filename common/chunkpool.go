package common

import "sync"

// GrainPool recycles grain-sized buffers. Grain sizes are powers of two, so
// there is one pool per shift.
type GrainPool struct {
	lock  sync.Mutex
	pools map[BlkShift]*sync.Pool
}

func NewGrainPool() *GrainPool {
	return &GrainPool{pools: make(map[BlkShift]*sync.Pool)}
}

func (gp *GrainPool) pool(shift BlkShift) *sync.Pool {
	gp.lock.Lock()
	defer gp.lock.Unlock()
	p := gp.pools[shift]
	if p == nil {
		size := shift.Size()
		p = &sync.Pool{New: func() any { return make([]byte, size) }}
		gp.pools[shift] = p
	}
	return p
}

// Get returns a buffer of exactly 1<<shift bytes. Contents are not cleared.
func (gp *GrainPool) Get(shift BlkShift) []byte {
	return gp.pool(shift).Get().([]byte)
}

func (gp *GrainPool) Put(b []byte) {
	shift := ShiftOf(uint64(cap(b)))
	if shift < 0 {
		return
	}
	gp.pool(shift).Put(b[:cap(b)])
}
