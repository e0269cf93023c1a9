package network

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultHelloTimeout bounds reading the transport hello on accept.
	DefaultHelloTimeout = 5 * time.Second

	helloPrefix = "lansession/1 "
)

// TCPOptions configures the TCP transport.
type TCPOptions struct {
	DialTimeout      time.Duration
	DialRetryTimeout time.Duration
	KeepAlivePeriod  time.Duration
	HelloTimeout     time.Duration
	Logger           logrus.FieldLogger
}

func (o TCPOptions) withDefaults() TCPOptions {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.DialRetryTimeout <= 0 {
		out.DialRetryTimeout = DefaultDialRetryTimeout
	}
	if out.KeepAlivePeriod <= 0 {
		out.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if out.HelloTimeout <= 0 {
		out.HelloTimeout = DefaultHelloTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// TCPTransport is the Transport used on the LAN.
//
// Every outbound connection starts with a hello frame carrying the transport
// instance ID, so a listener can tell connections it dialed itself.
type TCPTransport struct {
	id      string
	options TCPOptions
	logger  logrus.FieldLogger

	ctx          context.Context
	dialer       net.Dialer
	listenConfig net.ListenConfig
}

// NewTCPTransport builds a transport with defaults applied.
func NewTCPTransport(options TCPOptions) *TCPTransport {
	opts := options.withDefaults()
	return &TCPTransport{
		id:           uuid.NewString(),
		options:      opts,
		logger:       opts.Logger,
		ctx:          context.Background(),
		dialer:       net.Dialer{KeepAlive: opts.KeepAlivePeriod},
		listenConfig: net.ListenConfig{KeepAlive: opts.KeepAlivePeriod},
	}
}

// ID returns the transport instance ID sent in the hello frame.
func (t *TCPTransport) ID() string {
	return t.id
}

// Open returns an outbound connection in the WAITING state. Start dials it.
func (t *TCPTransport) Open(address string) (Conn, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("open %q: %w", address, err)
	}
	return newOutboundConn(t, address), nil
}

// Listen starts accepting inbound connections on address.
func (t *TCPTransport) Listen(address string) (Listener, error) {
	return t.listen(address)
}

func (t *TCPTransport) helloPayload() []byte {
	return []byte(helloPrefix + t.id)
}

func parseHello(payload []byte) ([]byte, bool) {
	if !bytes.HasPrefix(payload, []byte(helloPrefix)) {
		return nil, false
	}
	origin := payload[len(helloPrefix):]
	if len(origin) == 0 {
		return nil, false
	}
	return origin, true
}
