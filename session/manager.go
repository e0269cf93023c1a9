package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"lansession/discovery"
	"lansession/network"
	"lansession/storage"
)

// Selector picks the peer to join from the discovered set.
type Selector func(peers []discovery.PeerDescriptor) (discovery.PeerDescriptor, bool)

// SelectFirst picks the earliest discovered peer.
func SelectFirst(peers []discovery.PeerDescriptor) (discovery.PeerDescriptor, bool) {
	if len(peers) == 0 {
		return discovery.PeerDescriptor{}, false
	}
	return peers[0], true
}

// ManagerOptions wires a manager to its capabilities.
type ManagerOptions struct {
	Service       ServiceInfo
	Transport     network.Transport
	Advertiser    discovery.Advertiser
	Browser       discovery.Browser
	ListenAddress string
	TXT           []string

	// Consumer receives payloads while hosting.
	Consumer PayloadConsumer
	Selector Selector
	// OnDiscoveredChanged is called with every new discovered set.
	OnDiscoveredChanged func([]discovery.PeerDescriptor)

	Logger logrus.FieldLogger
	Events EventRecorder
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	out := o
	if out.Service.Type == "" {
		out.Service.Type = discovery.DefaultServiceType
	}
	if out.Selector == nil {
		out.Selector = SelectFirst
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Manager holds at most one of a hosting session and a remote session, and
// keeps the discovered peer set.
type Manager struct {
	opts   ManagerOptions
	logger logrus.FieldLogger

	mu         sync.Mutex
	server     *Server
	remote     *Remote
	browse     *discovery.Session
	discovered []discovery.PeerDescriptor
}

// NewManager returns an idle manager.
func NewManager(options ManagerOptions) *Manager {
	opts := options.withDefaults()
	return &Manager{
		opts:   opts,
		logger: opts.Logger,
	}
}

// StartHostingSession starts (or returns the running) hosting session.
func (m *Manager) StartHostingSession(ctx context.Context, onReady func()) (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.remote != nil {
		m.roleConflict(RoleHosting, RoleRemote)
		return nil, ErrRoleConflict
	}
	if m.server != nil && m.server.Running() {
		return m.server, nil
	}

	if m.server == nil {
		m.server = NewServer(m.opts.Consumer, ServerOptions{
			Service:       m.opts.Service,
			Transport:     m.opts.Transport,
			Advertiser:    m.opts.Advertiser,
			ListenAddress: m.opts.ListenAddress,
			TXT:           m.opts.TXT,
			Logger:        m.logger,
			Events:        m.opts.Events,
		})
	}
	if err := m.server.Start(ctx, onReady); err != nil {
		m.server = nil
		return nil, err
	}
	return m.server, nil
}

// StopHostingSession stops and releases the hosting session.
func (m *Manager) StopHostingSession() {
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()

	if server != nil {
		server.Stop()
	}
}

// BeginDiscovery starts browsing for hosting sessions. Browsing twice is a no-op.
func (m *Manager) BeginDiscovery(ctx context.Context) error {
	m.mu.Lock()
	if m.browse == nil {
		if m.opts.Browser == nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: browser is required", ErrTransportUnavailable)
		}
		m.browse = discovery.NewSession(m.opts.Browser, m.opts.Service.Type, m.logger)
	}
	browse := m.browse
	m.mu.Unlock()

	updates, unsubscribe := browse.Subscribe()
	if err := browse.Start(ctx); err != nil {
		unsubscribe()
		if errors.Is(err, discovery.ErrSessionRunning) {
			return nil
		}
		m.logger.WithError(err).Warn("session: discovery start failed")
		recordEvent(m.opts.Events, m.logger, storage.EventDiscoveryStartFailed, storage.SeverityWarning, "", "", eventFields{
			"error": err.Error(),
		})
		return err
	}

	go m.relay(updates)
	return nil
}

// EndDiscovery stops browsing. The last discovered set is kept.
func (m *Manager) EndDiscovery() {
	m.mu.Lock()
	browse := m.browse
	m.mu.Unlock()

	if browse != nil {
		browse.Stop()
	}
}

// DiscoveredServers returns the discovered peers in discovery order.
func (m *Manager) DiscoveredServers() []discovery.PeerDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]discovery.PeerDescriptor(nil), m.discovered...)
}

// ConnectToFirstDiscovered joins the peer chosen by the configured selector.
func (m *Manager) ConnectToFirstDiscovered(ctx context.Context, consumer PayloadConsumer, onStateChange func(RemoteState)) (*Remote, error) {
	if m.IsHosting() {
		m.roleConflict(RoleRemote, RoleHosting)
		return nil, ErrRoleConflict
	}

	target, ok := m.opts.Selector(m.DiscoveredServers())
	if !ok {
		return nil, ErrNoPeers
	}
	return m.ConnectTo(ctx, target, consumer, onStateChange)
}

// ConnectTo joins target, replacing any existing remote session.
func (m *Manager) ConnectTo(ctx context.Context, target discovery.PeerDescriptor, consumer PayloadConsumer, onStateChange func(RemoteState)) (*Remote, error) {
	m.mu.Lock()
	if m.server != nil {
		m.mu.Unlock()
		m.roleConflict(RoleRemote, RoleHosting)
		return nil, ErrRoleConflict
	}
	previous := m.remote
	m.remote = nil
	m.mu.Unlock()

	if previous != nil {
		previous.ShutDown()
	}

	remote, err := connect(ctx, m.opts.Transport, target, consumer, onStateChange, m.logger, m.opts.Events)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.server != nil || m.remote != nil {
		current := m.roleLocked()
		m.mu.Unlock()
		remote.ShutDown()
		m.roleConflict(RoleRemote, current)
		return nil, ErrRoleConflict
	}
	m.remote = remote
	m.mu.Unlock()
	return remote, nil
}

// StopRemoteSession shuts down and releases the remote session.
func (m *Manager) StopRemoteSession() {
	m.mu.Lock()
	remote := m.remote
	m.remote = nil
	m.mu.Unlock()

	if remote != nil {
		remote.ShutDown()
	}
}

func (m *Manager) IsHosting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server != nil
}

func (m *Manager) IsRemote() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote != nil
}

// Server returns the hosting session, or nil.
func (m *Manager) Server() *Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server
}

// Remote returns the remote session, or nil.
func (m *Manager) Remote() *Remote {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Role returns the current role.
func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roleLocked()
}

// Snapshot reports the current role, connections and discovered peers.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	server := m.server
	remote := m.remote
	role := m.roleLocked()
	discovered := append([]discovery.PeerDescriptor(nil), m.discovered...)
	m.mu.Unlock()

	status := Status{
		Role:        role,
		Connections: []ConnectionStatus{},
		Discovered:  make([]PeerStatus, 0, len(discovered)),
	}
	for _, peer := range discovered {
		status.Discovered = append(status.Discovered, peerStatus(peer))
	}

	switch {
	case server != nil:
		status.HostName, _ = server.SessionHostName()
		status.Running = server.Running()
		status.Connections = server.Connections()
	case remote != nil:
		state := remote.State()
		status.Running = state.Sequence != SequenceCancelled
		status.Connections = append(status.Connections, remote.status())
		status.Remote = &RemoteStatus{
			Target:        remote.Target().Endpoint.String(),
			Sequence:      string(state.Sequence),
			IsSendingData: state.IsSendingData,
			Error:         errorText(state.Err),
		}
	}
	return status
}

func (m *Manager) roleLocked() Role {
	switch {
	case m.server != nil:
		return RoleHosting
	case m.remote != nil:
		return RoleRemote
	default:
		return RoleIdle
	}
}

func (m *Manager) roleConflict(requested, current Role) {
	m.logger.WithFields(logrus.Fields{
		"requested": requested,
		"current":   current,
	}).Warn("session: role conflict")
	recordEvent(m.opts.Events, m.logger, storage.EventRoleConflict, storage.SeverityWarning, "", "", eventFields{
		"requested": string(requested),
		"current":   string(current),
	})
}

func (m *Manager) relay(updates <-chan []discovery.PeerDescriptor) {
	for peers := range updates {
		m.mu.Lock()
		m.discovered = peers
		m.mu.Unlock()

		if m.opts.OnDiscoveredChanged != nil {
			m.opts.OnDiscoveredChanged(peers)
		}
	}
}
