package hl7

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrPoolClosed = errors.New("mllp: connection pool is closed")

// ConnectionPool keeps idle MLLP connections to a single remote listener
// so the outbound forwarder does not redial for every message.
type ConnectionPool struct {
	addr        string
	idleTimeout time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	idle   chan *idleConn
	closed bool
	stop   chan struct{}
}

type idleConn struct {
	conn     net.Conn
	lastUsed time.Time
}

// NewConnectionPool creates a pool holding at most maxIdle idle
// connections. Connections idle longer than idleTimeout are closed by a
// background sweep.
func NewConnectionPool(addr string, maxIdle int, idleTimeout time.Duration, logger zerolog.Logger) *ConnectionPool {
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	p := &ConnectionPool{
		addr:        addr,
		idleTimeout: idleTimeout,
		logger:      logger.With().Str("component", "mllp-pool").Str("address", addr).Logger(),
		idle:        make(chan *idleConn, maxIdle),
		stop:        make(chan struct{}),
	}
	go p.sweep(idleTimeout / 2)
	return p
}

// Get returns an idle connection when a live one is available, otherwise
// dials. Closing the returned conn hands it back to the pool.
func (p *ConnectionPool) Get(ctx context.Context) (net.Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	for {
		var ic *idleConn
		select {
		case ic = <-p.idle:
		default:
		}
		if ic == nil {
			break
		}
		if time.Since(ic.lastUsed) < p.idleTimeout && isAlive(ic.conn) {
			return &pooledConn{Conn: ic.conn, pool: p}, nil
		}
		ic.conn.Close()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: dial %s: %w", p.addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	p.logger.Debug().Msg("dialed new connection")
	return &pooledConn{Conn: conn, pool: p}, nil
}

func (p *ConnectionPool) put(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		return
	}
	select {
	case p.idle <- &idleConn{conn: conn, lastUsed: time.Now()}:
	default:
		conn.Close()
	}
}

// Close closes every idle connection. Connections currently handed out
// are closed when they are returned.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stop)
	close(p.idle)
	for ic := range p.idle {
		ic.conn.Close()
	}
	return nil
}

// Idle reports the number of idle connections.
func (p *ConnectionPool) Idle() int {
	return len(p.idle)
}

// isAlive probes an idle connection with a very short read. A timeout
// means the peer has not closed it.
func isAlive(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	one := make([]byte, 1)
	_, err := conn.Read(one)
	conn.SetReadDeadline(time.Time{})

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return err == nil
}

func (p *ConnectionPool) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		var keep []*idleConn
	drain:
		for {
			select {
			case ic := <-p.idle:
				if time.Since(ic.lastUsed) > p.idleTimeout || !isAlive(ic.conn) {
					ic.conn.Close()
					p.logger.Debug().Msg("closed stale connection")
					continue
				}
				keep = append(keep, ic)
			default:
				break drain
			}
		}
		for _, ic := range keep {
			select {
			case p.idle <- ic:
			default:
				ic.conn.Close()
			}
		}
		p.mu.Unlock()
	}
}

// pooledConn returns itself to the pool on Close unless it was marked
// broken by a failed exchange.
type pooledConn struct {
	net.Conn
	pool *ConnectionPool

	mu       sync.Mutex
	closed   bool
	unusable bool
}

func (c *pooledConn) discard() {
	c.mu.Lock()
	c.unusable = true
	c.mu.Unlock()
}

func (c *pooledConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.unusable {
		return c.Conn.Close()
	}
	c.pool.put(c.Conn)
	return nil
}
