// Package buffer pools the byte slices internal/sysint's striped I/O path
// allocates per dfile segment (spec.md §4.5.3 step 4), so a steady stream
// of reads/writes against the same few dfile sizes doesn't churn the GC.
package buffer

import (
	"sync"
)

// BytePool pools byte slices bucketed by size to reduce allocation churn
// on the flow I/O path.
type BytePool struct {
	pools map[int]*sync.Pool
	sizes []int
	mu    sync.RWMutex
}

// NewBytePool creates a byte pool with predefined size buckets spanning
// the small-IO inline threshold up through a typical striped dfile chunk.
func NewBytePool() *BytePool {
	sizes := []int{
		1024,     // 1KB
		4096,     // 4KB
		8192,     // 8KB
		16384,    // 16KB
		32768,    // 32KB
		65536,    // 64KB
		131072,   // 128KB
		262144,   // 256KB
		524288,   // 512KB
		1048576,  // 1MB
		4194304,  // 4MB
		16777216, // 16MB
		67108864, // 64MB
	}

	pools := make(map[int]*sync.Pool)
	for _, size := range sizes {
		size := size
		pools[size] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		}
	}

	return &BytePool{
		pools: pools,
		sizes: sizes,
	}
}

// Get returns a byte slice of exactly size, drawn from the smallest bucket
// that accommodates it, or allocated directly if size exceeds every bucket.
func (p *BytePool) Get(size int) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, bucketSize := range p.sizes {
		if bucketSize >= size {
			if pool, exists := p.pools[bucketSize]; exists {
				buf := pool.Get().([]byte)
				return buf[:size]
			}
		}
	}

	return make([]byte, size)
}

// Put returns buf to its bucket for reuse, zeroing it first so a later
// Get doesn't leak a previous caller's payload across operations on
// different servers.
func (p *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}

	capacity := cap(buf)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if pool, exists := p.pools[capacity]; exists {
		buf = buf[:capacity]
		for i := range buf {
			buf[i] = 0
		}
		// nolint:staticcheck // SA6002: sync.Pool.Put requires interface{}, slice allocation is expected
		pool.Put(buf)
	}
}

// PoolStats summarizes a BytePool's bucket configuration.
type PoolStats struct {
	PoolSizes     []int `json:"pool_sizes"`
	TotalPools    int   `json:"total_pools"`
	MaxBufferSize int   `json:"max_buffer_size"`
	MinBufferSize int   `json:"min_buffer_size"`
}

// GetStats returns the pool's current bucket configuration.
func (p *BytePool) GetStats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		PoolSizes:  make([]int, len(p.sizes)),
		TotalPools: len(p.pools),
	}

	copy(stats.PoolSizes, p.sizes)

	if len(p.sizes) > 0 {
		stats.MinBufferSize = p.sizes[0]
		stats.MaxBufferSize = p.sizes[len(p.sizes)-1]
	}

	return stats
}
