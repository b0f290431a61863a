// SPDX-License-Identifier: GPL-3.0-or-later

package urp

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Wire is an in-memory datagram channel connecting exactly two
// endpoints. Each endpoint is a [net.PacketConn], so a [*Wire] can stand
// in for a pair of UDP sockets when running a [*Sender] and a
// [*Receiver] inside the same process.
//
// The wire itself is reliable and preserves FIFO order per direction:
// unreliability is the business of the [*Link] fault policy, not of the
// transport underneath it.
//
// Construct using [NewWire].
type Wire struct {
	// a is the first endpoint.
	a *wireConn

	// b is the second endpoint.
	b *wireConn
}

// WireOption is an option for [NewWire].
type WireOption func(cfg *wireConfig)

// wireConfig is the internal type modified by [WireOption].
type wireConfig struct {
	capacity int
}

// DefaultWireCapacity is the default number of datagrams buffered per
// direction by a [*Wire].
const DefaultWireCapacity = 1024

// WireOptionCapacity sets the number of datagrams buffered per direction.
//
// The default is [DefaultWireCapacity]. When a direction's buffer is
// full, WriteTo blocks until the peer reads or a deadline expires, so
// size the capacity to the experiment's burst profile.
func WireOptionCapacity(capacity int) WireOption {
	return func(cfg *wireConfig) {
		cfg.capacity = capacity
	}
}

// NewWire creates a new [*Wire] instance.
func NewWire(options ...WireOption) *Wire {
	cfg := &wireConfig{
		capacity: DefaultWireCapacity,
	}
	for _, opt := range options {
		opt(cfg)
	}

	a := newWireConn("a", cfg.capacity)
	b := newWireConn("b", cfg.capacity)
	a.peer, b.peer = b, a
	return &Wire{a: a, b: b}
}

// Endpoints returns the two endpoints of the wire. Datagrams written to
// one endpoint are read from the other.
func (w *Wire) Endpoints() (net.PacketConn, net.PacketConn) {
	return w.a, w.b
}

// WireAddr is the [net.Addr] of a [*Wire] endpoint.
type WireAddr string

// Network implements [net.Addr].
func (a WireAddr) Network() string {
	return "wire"
}

// String implements [net.Addr].
func (a WireAddr) String() string {
	return string(a)
}

// wireConn is one endpoint of a [*Wire].
type wireConn struct {
	// closed is closed when the endpoint is closed.
	closed chan struct{}

	// inbox buffers the datagrams sent to this endpoint.
	inbox chan []byte

	// laddr is the endpoint address.
	laddr WireAddr

	// mu protects the deadlines.
	mu sync.Mutex

	// once provides "once" semantics for Close.
	once sync.Once

	// peer is the other endpoint.
	peer *wireConn

	// rdl is the read deadline, zero meaning none.
	rdl time.Time

	// wdl is the write deadline, zero meaning none.
	wdl time.Time
}

// newWireConn creates a [*wireConn] with the given address and capacity.
func newWireConn(addr string, capacity int) *wireConn {
	return &wireConn{
		closed: make(chan struct{}),
		inbox:  make(chan []byte, capacity),
		laddr:  WireAddr(addr),
		mu:     sync.Mutex{},
		once:   sync.Once{},
		peer:   nil,
		rdl:    time.Time{},
		wdl:    time.Time{},
	}
}

// Ensure that [*wireConn] implements [net.PacketConn].
var _ net.PacketConn = &wireConn{}

// ReadFrom implements [net.PacketConn].
//
// Datagrams larger than p are silently truncated, like UDP.
func (c *wireConn) ReadFrom(p []byte) (int, net.Addr, error) {
	// reads after Close fail even when datagrams are still buffered
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	default:
	}

	timeout, stop := c.deadlineTimer(&c.rdl)
	defer stop()
	select {
	case raw := <-c.inbox:
		return copy(p, raw), c.peer.laddr, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

// WriteTo implements [net.PacketConn].
//
// The only routable address is the peer endpoint's address. Writing to a
// closed peer succeeds and loses the datagram, like UDP to a dead host.
func (c *wireConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if addr == nil || addr.String() != c.peer.laddr.String() {
		return 0, fmt.Errorf("urp: wire: no route to %v", addr)
	}

	// writes after Close fail even when the peer could accept more
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	timeout, stop := c.deadlineTimer(&c.wdl)
	defer stop()
	datagram := bytes.Clone(p)
	select {
	case c.peer.inbox <- datagram:
		return len(p), nil
	case <-c.peer.closed:
		return len(p), nil
	case <-c.closed:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

// Close implements [net.PacketConn].
func (c *wireConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
	})
	return nil
}

// LocalAddr implements [net.PacketConn].
func (c *wireConn) LocalAddr() net.Addr {
	return c.laddr
}

// SetDeadline implements [net.PacketConn].
func (c *wireConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rdl, c.wdl = t, t
	return nil
}

// SetReadDeadline implements [net.PacketConn].
//
// The deadline applies to reads started after this call.
func (c *wireConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rdl = t
	return nil
}

// SetWriteDeadline implements [net.PacketConn].
//
// The deadline applies to writes started after this call.
func (c *wireConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wdl = t
	return nil
}

// deadlineTimer arms a timer for the deadline stored in *dl, returning
// a channel that fires at the deadline (nil when there is none, which
// blocks forever in a select) and a function releasing the timer.
func (c *wireConn) deadlineTimer(dl *time.Time) (<-chan time.Time, func()) {
	c.mu.Lock()
	deadline := *dl
	c.mu.Unlock()
	if deadline.IsZero() {
		return nil, func() {}
	}
	t := time.NewTimer(time.Until(deadline))
	return t.C, func() { t.Stop() }
}
