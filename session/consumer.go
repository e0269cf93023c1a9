// Package session orchestrates hosting, discovering and joining LAN sessions.
package session

import (
	"errors"
)

var (
	// ErrTransportUnavailable indicates the listener or advertisement could not be created.
	ErrTransportUnavailable = errors.New("session: transport unavailable")
	// ErrRoleConflict indicates the process already holds the other session role.
	ErrRoleConflict = errors.New("session: another session role is active")
	// ErrNoPeers indicates there is no discovered peer to connect to.
	ErrNoPeers = errors.New("session: no discovered peers")
	// ErrSessionClosed indicates the session was shut down.
	ErrSessionClosed = errors.New("session: session closed")
)

// PayloadConsumer receives inbound payloads and supplies the configuration
// payload sent to every peer once its connection is ready.
type PayloadConsumer interface {
	// OnData is never called concurrently with itself.
	OnData(payload []byte)
	// ConfigurationPayload returns nil when there is nothing to send.
	ConfigurationPayload() []byte
}

// ServiceInfo names the advertised service.
type ServiceInfo struct {
	Name    string
	Type    string
	Version int
}
