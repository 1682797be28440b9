package s3bmi

import (
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ConnectionPool manages a pool of S3 client connections, one per
// concurrent Send/Receive/Post caller, so a single adapter instance
// doesn't serialize every flow behind one client.
type ConnectionPool struct {
	mu          sync.RWMutex
	connections chan *s3.Client
	factory     func() (*s3.Client, error)
	maxSize     int
	currentSize int
	closed      bool

	stats PoolStats
}

// PoolStats tracks connection pool statistics.
type PoolStats struct {
	Active  int
	Idle    int
	Total   int
	MaxSize int
	Hits    int64
	Misses  int64
	Created int64
}

// NewConnectionPool creates a pool of at most maxSize clients, built
// lazily via factory.
func NewConnectionPool(maxSize int, factory func() (*s3.Client, error)) (*ConnectionPool, error) {
	if maxSize <= 0 {
		maxSize = 8
	}
	if factory == nil {
		return nil, fmt.Errorf("connection factory cannot be nil")
	}
	return &ConnectionPool{
		connections: make(chan *s3.Client, maxSize),
		factory:     factory,
		maxSize:     maxSize,
		stats:       PoolStats{MaxSize: maxSize},
	}, nil
}

// Get retrieves a connection from the pool, creating one if the pool has
// room and none are idle.
func (p *ConnectionPool) Get() (*s3.Client, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, fmt.Errorf("connection pool is closed")
	}
	p.mu.RUnlock()

	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Hits++
		p.stats.Active++
		p.mu.Unlock()
		return conn, nil
	default:
		p.mu.Lock()
		canCreate := p.currentSize < p.maxSize
		p.mu.Unlock()

		if !canCreate {
			// Pool is saturated; block for whichever connection frees up
			// first.
			conn := <-p.connections
			p.mu.Lock()
			p.stats.Hits++
			p.stats.Active++
			p.mu.Unlock()
			return conn, nil
		}

		conn, err := p.factory()
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.currentSize++
		p.stats.Created++
		p.stats.Misses++
		p.stats.Active++
		p.mu.Unlock()
		return conn, nil
	}
}

// Put returns a connection to the pool.
func (p *ConnectionPool) Put(conn *s3.Client) {
	if conn == nil {
		return
	}
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return
	}

	select {
	case p.connections <- conn:
		p.mu.Lock()
		p.stats.Active--
		p.mu.Unlock()
	default:
		// Pool is full (shouldn't normally happen since Get only ever
		// checks out up to maxSize connections); discard.
		p.mu.Lock()
		p.currentSize--
		p.stats.Active--
		p.mu.Unlock()
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := p.stats
	stats.Total = p.currentSize
	stats.Idle = len(p.connections)
	return stats
}

// Close drains and closes the pool; idle clients have no explicit
// teardown, so this just stops future Get/Put calls.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.connections)
	for range p.connections {
	}
	return nil
}
