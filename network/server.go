package network

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// tcpListener accepts inbound TCP connections and validates the transport hello.
type tcpListener struct {
	transport *TCPTransport
	listener  net.Listener

	incoming chan Conn

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (t *TCPTransport) listen(address string) (*tcpListener, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := t.listenConfig.Listen(t.ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &tcpListener{
		transport: t,
		listener:  listener,
		incoming:  make(chan Conn, 16),
		closed:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Accept returns accepted connections. The channel closes with the listener.
func (l *tcpListener) Accept() <-chan Conn {
	return l.incoming
}

// Addr returns the listening address.
func (l *tcpListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the bound TCP port.
func (l *tcpListener) Port() int {
	if addr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close stops accepting and closes the Accept channel.
func (l *tcpListener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.incoming)
	})
	return closeErr
}

func (l *tcpListener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.transport.logger.WithError(err).Warn("network: accept connection failed")
			continue
		}

		l.wg.Add(1)
		go l.handleInboundConn(conn)
	}
}

func (l *tcpListener) handleInboundConn(conn net.Conn) {
	defer l.wg.Done()

	hello, err := ReadFrameWithTimeout(conn, l.transport.options.HelloTimeout)
	if err != nil {
		l.transport.logger.WithFields(logrus.Fields{
			"remote_addr": conn.RemoteAddr().String(),
		}).WithError(err).Warn("network: read transport hello failed")
		_ = conn.Close()
		return
	}

	origin, ok := parseHello(hello)
	if !ok {
		l.transport.logger.WithField("remote_addr", conn.RemoteAddr().String()).
			Warn("network: rejected connection without transport hello")
		_ = conn.Close()
		return
	}

	accepted := newAcceptedConn(l.transport, conn, bytes.Equal(origin, []byte(l.transport.id)))
	select {
	case l.incoming <- accepted:
	case <-l.closed:
		accepted.Cancel()
	}
}
