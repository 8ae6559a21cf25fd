package pools

import "sync"

// BytePool is a multi-tiered byte slice pool for different size
// classes; the response writer draws its file-streaming chunks from it.
type BytePool struct {
	pools []*sync.Pool
	sizes []int
}

// Size tiers sized for HTTP workloads.
var defaultSizes = []int{
	512,   // small responses
	2048,  // typical headers
	8192,  // large
	32768, // file-streaming chunks
}

// NewBytePool creates a byte pool with the standard size tiers.
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of at least the requested size, from the
// smallest tier that fits.
func (bp *BytePool) Get(size int) []byte {
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bufPtr := bp.pools[i].Get().(*[]byte)
			buf := *bufPtr
			return buf[:size]
		}
	}

	// Larger than every tier: allocate directly.
	return make([]byte, size)
}

// Put returns a byte slice to its tier; slices not sized to a tier are
// left to the GC.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

var globalBytePool = NewBytePool()

// GetBytes draws from the process-wide pool.
func GetBytes(size int) []byte {
	return globalBytePool.Get(size)
}

// PutBytes returns bytes to the process-wide pool.
func PutBytes(buf []byte) {
	globalBytePool.Put(buf)
}
