package network

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConn is a scriptable Conn: tests push states and inbound payloads.
type fakeConn struct {
	states  chan StateEvent
	inbound chan fakeReceive

	mu   sync.Mutex
	sent [][]byte

	started   atomic.Int32
	cancelled atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once

	self bool
}

type fakeReceive struct {
	payload []byte
	err     error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		states:  make(chan StateEvent, 16),
		inbound: make(chan fakeReceive, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Start() { c.started.Add(1) }

func (c *fakeConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionCancelled
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case r := <-c.inbound:
		return r.payload, r.err
	case <-c.closed:
		return nil, ErrConnectionCancelled
	}
}

func (c *fakeConn) States() <-chan StateEvent { return c.states }

func (c *fakeConn) Cancel() {
	c.cancelled.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) RemoteAddr() net.Addr { return nil }

func (c *fakeConn) SelfOriginated() bool { return c.self }

func (c *fakeConn) sentPayloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) push(payload string) {
	c.inbound <- fakeReceive{payload: []byte(payload)}
}

func (c *fakeConn) fail(err error) {
	c.inbound <- fakeReceive{err: err}
}

func (c *fakeConn) finish() {
	c.inbound <- fakeReceive{err: io.EOF}
}

func startReadyHandle(t *testing.T, callbacks Callbacks) (*Handle, *fakeConn) {
	t.Helper()

	conn := newFakeConn()
	h := Wrap(conn, callbacks, nil)
	h.Start()
	conn.states <- StateEvent{State: StateReady}
	waitForCondition(t, time.Second, func() bool {
		return h.State() == StateReady
	})
	return h, conn
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
