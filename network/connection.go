package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// tcpConn is a framed TCP connection, either dialed or accepted.
type tcpConn struct {
	transport *TCPTransport
	address   string

	connMu sync.RWMutex
	conn   net.Conn

	sendMu sync.Mutex

	states chan StateEvent

	selfOriginated bool

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

func newOutboundConn(transport *TCPTransport, address string) *tcpConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &tcpConn{
		transport: transport,
		address:   address,
		states:    make(chan StateEvent, 4),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
}

func newAcceptedConn(transport *TCPTransport, conn net.Conn, selfOriginated bool) *tcpConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &tcpConn{
		transport:      transport,
		conn:           conn,
		states:         make(chan StateEvent, 4),
		selfOriginated: selfOriginated,
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
	}
}

// Start begins dialing for outbound connections; accepted ones become ready at once.
func (c *tcpConn) Start() {
	c.startOnce.Do(func() {
		if c.address == "" {
			c.emit(StateEvent{State: StateReady})
			return
		}
		go c.dialLoop()
	})
}

// States streams connection transitions.
func (c *tcpConn) States() <-chan StateEvent {
	return c.states
}

// Send writes payload as one frame.
func (c *tcpConn) Send(payload []byte) error {
	conn, err := c.current()
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := WriteFrame(conn, payload); err != nil {
		return c.translate(err)
	}
	return nil
}

// Receive reads the next frame.
func (c *tcpConn) Receive() ([]byte, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		return nil, c.translate(err)
	}
	return payload, nil
}

// Cancel closes the connection and aborts any pending dial.
func (c *tcpConn) Cancel() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// RemoteAddr returns the peer address once connected.
func (c *tcpConn) RemoteAddr() net.Addr {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// SelfOriginated reports whether the dialing side was this transport.
func (c *tcpConn) SelfOriginated() bool {
	return c.selfOriginated
}

func (c *tcpConn) dialLoop() {
	opts := c.transport.options

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = opts.DialRetryTimeout

	var conn net.Conn
	operation := func() error {
		dialCtx, cancel := context.WithTimeout(c.ctx, opts.DialTimeout)
		defer cancel()

		raw, err := c.transport.dialer.DialContext(dialCtx, "tcp", c.address)
		if err != nil {
			if c.ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := WriteFrame(raw, c.transport.helloPayload()); err != nil {
			_ = raw.Close()
			return fmt.Errorf("write transport hello: %w", err)
		}
		conn = raw
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.emit(StateEvent{State: StateWaiting, Err: err})
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, c.ctx), notify); err != nil {
		if c.isClosed() {
			return
		}
		c.emit(StateEvent{State: StateFailed, Err: fmt.Errorf("dial %q: %w", c.address, err)})
		return
	}

	c.connMu.Lock()
	if c.isClosed() {
		c.connMu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.connMu.Unlock()

	c.emit(StateEvent{State: StateReady})
}

func (c *tcpConn) emit(event StateEvent) {
	select {
	case c.states <- event:
	case <-c.closed:
	}
}

func (c *tcpConn) current() (net.Conn, error) {
	if c.isClosed() {
		return nil, ErrConnectionCancelled
	}
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotReady
	}
	return c.conn, nil
}

func (c *tcpConn) translate(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if c.isClosed() || errors.Is(err, net.ErrClosed) {
		return ErrConnectionCancelled
	}
	return err
}

func (c *tcpConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
