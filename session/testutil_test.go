package session

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lansession/discovery"
	"lansession/network"
	"lansession/storage"
)

type fakeReceive struct {
	payload []byte
	err     error
}

// fakeConn is a scriptable network.Conn.
type fakeConn struct {
	states  chan network.StateEvent
	inbound chan fakeReceive
	remote  net.Addr
	self    bool

	mu   sync.Mutex
	sent [][]byte

	cancelled atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(port int) *fakeConn {
	return &fakeConn{
		states:  make(chan network.StateEvent, 16),
		inbound: make(chan fakeReceive, 256),
		remote:  &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: port},
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Start() {}

func (c *fakeConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return network.ErrConnectionCancelled
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
		return nil, network.ErrConnectionCancelled
	}
}

func (c *fakeConn) States() <-chan network.StateEvent { return c.states }

func (c *fakeConn) Cancel() {
	c.cancelled.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) RemoteAddr() net.Addr { return c.remote }

func (c *fakeConn) SelfOriginated() bool { return c.self }

func (c *fakeConn) ready() {
	c.states <- network.StateEvent{State: network.StateReady}
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

func (c *fakeConn) isCancelled() bool {
	return c.cancelled.Load() > 0
}

func (c *fakeConn) sentPayloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, p := range c.sent {
		out = append(out, string(p))
	}
	return out
}

type fakeListener struct {
	accept    chan network.Conn
	port      int
	closed    atomic.Bool
	closeOnce sync.Once
}

func (l *fakeListener) Accept() <-chan network.Conn { return l.accept }

func (l *fakeListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: l.port}
}

func (l *fakeListener) Port() int { return l.port }

func (l *fakeListener) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.accept)
	})
	return nil
}

// fakeTransport hands out fake listeners and records dialed addresses.
type fakeTransport struct {
	listenErr error
	openErr   error

	mu        sync.Mutex
	listeners []*fakeListener
	opened    []*fakeConn
	addresses []string
}

func (t *fakeTransport) Listen(address string) (network.Listener, error) {
	if t.listenErr != nil {
		return nil, t.listenErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l := &fakeListener{accept: make(chan network.Conn, 16), port: 40000 + len(t.listeners)}
	t.listeners = append(t.listeners, l)
	return l, nil
}

func (t *fakeTransport) Open(address string) (network.Conn, error) {
	if t.openErr != nil {
		return nil, t.openErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	conn := newFakeConn(50000 + len(t.opened))
	t.opened = append(t.opened, conn)
	t.addresses = append(t.addresses, address)
	return conn, nil
}

func (t *fakeTransport) listener(i int) *fakeListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listeners[i]
}

func (t *fakeTransport) openedConn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened[i]
}

func (t *fakeTransport) openedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opened)
}

type fakeRegistration struct {
	events    chan discovery.RegistrationEvent
	endpoint  discovery.Endpoint
	cancelled atomic.Bool
	once      sync.Once
}

func (r *fakeRegistration) Events() <-chan discovery.RegistrationEvent { return r.events }

func (r *fakeRegistration) Cancel() {
	r.once.Do(func() {
		r.cancelled.Store(true)
		r.events <- discovery.RegistrationEvent{Type: discovery.RegistrationRemoved, Endpoint: r.endpoint}
		close(r.events)
	})
}

// fakeAdvertiser registers instantly unless holdAdded is set.
type fakeAdvertiser struct {
	err       error
	holdAdded bool

	mu            sync.Mutex
	calls         int
	names         []string
	ports         []int
	txt           [][]string
	registrations []*fakeRegistration
}

func (a *fakeAdvertiser) Advertise(ctx context.Context, name, serviceType string, port int, text []string) (discovery.Registration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	a.names = append(a.names, name)
	a.ports = append(a.ports, port)
	a.txt = append(a.txt, append([]string(nil), text...))

	reg := &fakeRegistration{
		events:   make(chan discovery.RegistrationEvent, 8),
		endpoint: discovery.Endpoint{Instance: name, Service: serviceType, Domain: discovery.DefaultDomain},
	}
	if !a.holdAdded {
		reg.events <- discovery.RegistrationEvent{Type: discovery.RegistrationAdded, Endpoint: reg.endpoint}
	}
	a.registrations = append(a.registrations, reg)
	return reg, nil
}

func (a *fakeAdvertiser) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAdvertiser) registration(i int) *fakeRegistration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registrations[i]
}

type fakeBrowser struct {
	events chan discovery.ChangeEvent
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{events: make(chan discovery.ChangeEvent, 16)}
}

func (b *fakeBrowser) Browse(ctx context.Context, serviceType string) (<-chan discovery.ChangeEvent, error) {
	out := make(chan discovery.ChangeEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-b.events:
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// recordingConsumer records payloads and the peak OnData concurrency.
type recordingConsumer struct {
	config []byte
	delay  time.Duration

	mu       sync.Mutex
	payloads []string

	active atomic.Int32
	peak   atomic.Int32
}

func (c *recordingConsumer) OnData(payload []byte) {
	n := c.active.Add(1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	c.payloads = append(c.payloads, string(payload))
	c.mu.Unlock()
	c.active.Add(-1)
}

func (c *recordingConsumer) ConfigurationPayload() []byte {
	return c.config
}

func (c *recordingConsumer) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []storage.SessionEvent
}

func (r *memoryRecorder) RecordEvent(event storage.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *memoryRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.EventType == eventType {
			n++
		}
	}
	return n
}

func testPeer(instance string) discovery.PeerDescriptor {
	return discovery.PeerDescriptor{
		Endpoint:  discovery.Endpoint{Instance: instance, Service: discovery.DefaultServiceType, Domain: discovery.DefaultDomain},
		HostName:  instance + ".local.",
		Port:      40000,
		Addresses: []string{"10.0.0.9"},
	}
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
