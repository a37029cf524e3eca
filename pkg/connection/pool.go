// Package connection provides a thread-safe TCP connection pool keyed by
// remote address. The transactions client uses it to multiplex operation
// traffic across the cluster nodes it talks to, reusing connections
// instead of dialing per request.
package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// PooledConn wraps net.Conn with a reference back to its pool so that
// Close returns the connection for reuse instead of tearing it down.
type PooledConn struct {
	net.Conn
	pool *nodePool
}

// Close returns the connection to its pool. Use Discard to close the
// underlying TCP connection for good (after a protocol error, say).
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection already released")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// Discard closes the underlying connection permanently. The pool's slot
// is freed so a fresh connection can be dialed in its place.
func (c *PooledConn) Discard() error {
	if c.pool != nil {
		c.pool.dropSlot()
		c.pool = nil
	}
	return c.Conn.Close()
}

// nodePool holds the connections for one remote address.
type nodePool struct {
	mu      sync.Mutex
	conns   chan net.Conn
	dial    func() (net.Conn, error)
	maxSize int
	open    int
}

// Pool manages one nodePool per remote address.
type Pool struct {
	mu      sync.RWMutex
	nodes   map[string]*nodePool
	maxSize int
	timeout time.Duration
}

// NewPool creates a connection pool manager. maxSize bounds the open
// connections per address; timeout bounds each dial.
func NewPool(maxSize int, timeout time.Duration) *Pool {
	return &Pool{
		nodes:   make(map[string]*nodePool),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Get checks out a connection to the given address, dialing a new one if
// the pool for that address is not yet at capacity. When the pool is
// full, Get blocks until a connection is returned.
func (p *Pool) Get(address string) (*PooledConn, error) {
	p.mu.RLock()
	np, ok := p.nodes[address]
	p.mu.RUnlock()

	if !ok {
		p.mu.Lock()
		np, ok = p.nodes[address]
		if !ok {
			np = &nodePool{
				conns:   make(chan net.Conn, p.maxSize),
				maxSize: p.maxSize,
				dial: func() (net.Conn, error) {
					return net.DialTimeout("tcp", address, p.timeout)
				},
			}
			p.nodes[address] = np
		}
		p.mu.Unlock()
	}

	conn, err := np.get()
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: np}, nil
}

func (np *nodePool) get() (net.Conn, error) {
	select {
	case conn := <-np.conns:
		return conn, nil
	default:
	}

	np.mu.Lock()
	if np.open < np.maxSize {
		conn, err := np.dial()
		if err != nil {
			np.mu.Unlock()
			return nil, err
		}
		np.open++
		np.mu.Unlock()
		return conn, nil
	}
	np.mu.Unlock()

	// At capacity: wait for a checked-out connection to come back.
	return <-np.conns, nil
}

func (np *nodePool) put(conn net.Conn) {
	if conn == nil {
		return
	}
	select {
	case np.conns <- conn:
	default:
		np.mu.Lock()
		conn.Close()
		np.open--
		np.mu.Unlock()
	}
}

func (np *nodePool) dropSlot() {
	np.mu.Lock()
	np.open--
	np.mu.Unlock()
}

// Close tears down every pooled connection. Checked-out connections are
// not tracked; callers must release them first.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, np := range p.nodes {
		np.close()
	}
	p.nodes = make(map[string]*nodePool)
}

func (np *nodePool) close() {
	np.mu.Lock()
	defer np.mu.Unlock()
	close(np.conns)
	for conn := range np.conns {
		conn.Close()
	}
	np.open = 0
}
