package comm

import (
	"context"
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new "connection" to something.
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc[T io.Closer] func() (T, error)

// Pool holds one or more connections to a device that will be closed if they
// are not in use, and re-opened as needed.  It is concurrent safe.  Pools must
// be created with NewPool.
//
// A pool of size one doubles as the lock that keeps a device to a single
// outstanding request.
type Pool[T io.Closer] struct {
	maxSize int           // maximum number of connections, == cap(conns)
	onLease int           // number of connections given out, <= maxSize
	timeout time.Duration // idle time after which all pooled connections are freed
	conns   chan T        // idle connections
	leases  chan struct{} // one token per connection given out
	timer   *time.Timer   // fires reclaim once nothing is on lease
	maker   CreationFunc[T]
	mu      sync.Mutex
}

// NewPool creates a new pool.  A non-positive timeout keeps idle connections
// open until Close.
func NewPool[T io.Closer](maxSize int, timeout time.Duration, maker CreationFunc[T]) *Pool[T] {
	if maxSize < 1 {
		maxSize = 1
	}
	p := &Pool[T]{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan T, maxSize),
		leases:  make(chan struct{}, maxSize),
		maker:   maker,
	}
	p.timer = time.AfterFunc(time.Hour, p.reclaim)
	p.timer.Stop() // nothing to reclaim initially
	return p
}

// Get retrieves a connection, blocking until one is available if all are in
// use or ctx is done.  When done with the connection, return it with Put, or
// discard it with Destroy if it has gone bad.
//
// If the error from Get is not nil, you must not return the value to the pool.
func (p *Pool[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case p.leases <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	p.mu.Lock()
	p.timer.Stop()
	p.onLease++
	select {
	case c := <-p.conns:
		p.mu.Unlock()
		return c, nil
	default:
	}
	p.mu.Unlock()

	// no idle connection, make one
	c, err := p.maker()
	if err != nil {
		p.mu.Lock()
		p.onLease--
		p.mu.Unlock()
		<-p.leases
		return zero, err
	}
	return c, nil
}

// Put restores a connection to the pool.  It may be reused, or will be
// freed after all connections are returned and the timeout has elapsed.
func (p *Pool[T]) Put(c T) {
	p.mu.Lock()
	p.onLease--
	p.conns <- c
	if p.onLease == 0 && p.timeout > 0 {
		p.timer.Reset(p.timeout)
	}
	p.mu.Unlock()
	<-p.leases
}

// Destroy immediately frees a connection that was given out by the pool.
// This should be used instead of Put if the connection has gone bad.
func (p *Pool[T]) Destroy(c T) error {
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	<-p.leases
	return c.Close()
}

// size returns the number of connections in the pool, or given out from it
func (p *Pool[T]) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool[T]) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close frees every idle connection.  Connections on lease are unaffected.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer.Stop()
	return p.drain()
}

func (p *Pool[T]) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onLease == 0 {
		p.drain()
	}
}

// drain must be called with mu held
func (p *Pool[T]) drain() error {
	var first error
	for {
		select {
		case c := <-p.conns:
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		default:
			return first
		}
	}
}
