package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrNoAddress indicates a discovered peer has no dialable address.
	ErrNoAddress = errors.New("discovery: peer has no dialable address")
)

// Endpoint names one advertised service instance.
type Endpoint struct {
	Instance string
	Service  string
	Domain   string
}

// String renders the endpoint as instance.service.domain.
func (e Endpoint) String() string {
	parts := make([]string, 0, 3)
	for _, part := range []string{e.Instance, e.Service, strings.TrimSuffix(e.Domain, ".")} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, ".")
}

// PeerDescriptor identifies a discoverable peer.
type PeerDescriptor struct {
	Endpoint  Endpoint
	HostName  string
	Port      int
	Addresses []string
	Metadata  map[string]string
}

// Equal reports whether both descriptors name the same peer. Only the endpoint counts.
func (p PeerDescriptor) Equal(other PeerDescriptor) bool {
	return p.Endpoint == other.Endpoint
}

// Address returns a host:port suitable for dialing.
func (p PeerDescriptor) Address() (string, error) {
	if p.Port <= 0 {
		return "", ErrNoAddress
	}
	host := ""
	if len(p.Addresses) > 0 {
		host = p.Addresses[0]
	} else {
		host = strings.TrimSuffix(p.HostName, ".")
	}
	if host == "" {
		return "", ErrNoAddress
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port)), nil
}

// ChangeType identifies one browse result change.
type ChangeType string

const (
	ChangeAdded     ChangeType = "added"
	ChangeRemoved   ChangeType = "removed"
	ChangeChanged   ChangeType = "changed"
	ChangeIdentical ChangeType = "identical"
)

// ChangeEvent is one change to the browse results. Old is set for removed and
// changed events, New for added and changed events.
type ChangeEvent struct {
	Type ChangeType
	Old  PeerDescriptor
	New  PeerDescriptor
}

// RegistrationEventType identifies an advertisement registration change.
type RegistrationEventType string

const (
	RegistrationAdded   RegistrationEventType = "added"
	RegistrationRemoved RegistrationEventType = "removed"
)

// RegistrationEvent reports the endpoint an advertisement was registered or removed under.
type RegistrationEvent struct {
	Type     RegistrationEventType
	Endpoint Endpoint
}

// Registration is a live advertisement.
type Registration interface {
	// Events streams registration changes; it closes after Cancel.
	Events() <-chan RegistrationEvent
	Cancel()
}

// Advertiser announces a named, typed service on the local network.
type Advertiser interface {
	Advertise(ctx context.Context, name, serviceType string, port int, text []string) (Registration, error)
}

// Browser continuously discovers services of one type.
type Browser interface {
	// Browse streams changes until ctx is done, then closes the channel.
	Browse(ctx context.Context, serviceType string) (<-chan ChangeEvent, error)
}
