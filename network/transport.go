package network

import (
	"errors"
	"net"
)

// ConnectionState represents the lifecycle state of one transport connection.
type ConnectionState string

const (
	StateWaiting   ConnectionState = "WAITING"
	StateReady     ConnectionState = "READY"
	StateFailed    ConnectionState = "FAILED"
	StateCancelled ConnectionState = "CANCELLED"
)

var (
	// ErrNotReady indicates the connection is not in the READY state.
	ErrNotReady = errors.New("network: connection not ready")
	// ErrConnectionCancelled indicates the transport connection was cancelled.
	ErrConnectionCancelled = errors.New("network: connection cancelled")
)

// StateEvent is one transition reported by a transport connection.
// Err is optional for StateWaiting and set for StateFailed.
type StateEvent struct {
	State ConnectionState
	Err   error
}

// Conn is one reliable, message-oriented transport connection.
type Conn interface {
	// Start begins connecting. It is a no-op when already started.
	Start()
	// Send writes one payload. It may block until the payload is written.
	Send(payload []byte) error
	// Receive blocks for the next payload. io.EOF means the peer closed the stream.
	Receive() ([]byte, error)
	// States streams WAITING, READY and FAILED transitions.
	States() <-chan StateEvent
	// Cancel closes the connection. It is idempotent.
	Cancel()
	// RemoteAddr is the peer address, nil until connected.
	RemoteAddr() net.Addr
	// SelfOriginated reports whether the peer is this process's own transport.
	SelfOriginated() bool
}

// Listener streams inbound transport connections.
type Listener interface {
	Accept() <-chan Conn
	Addr() net.Addr
	Port() int
	Close() error
}

// Transport opens outbound connections and listens for inbound ones.
type Transport interface {
	Open(address string) (Conn, error)
	Listen(address string) (Listener, error)
}
