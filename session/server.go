package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"lansession/discovery"
	"lansession/metrics"
	"lansession/network"
	"lansession/storage"
)

const (
	// DefaultListenAddress lets the OS pick the listening port.
	DefaultListenAddress = ":0"

	serviceVersionTXTKey = "service_version"
)

// ServerOptions configures an advertising session.
type ServerOptions struct {
	Service       ServiceInfo
	Transport     network.Transport
	Advertiser    discovery.Advertiser
	ListenAddress string
	// TXT is appended to the advertised TXT records.
	TXT    []string
	Logger logrus.FieldLogger
	Events EventRecorder
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = DefaultListenAddress
	}
	if out.Service.Type == "" {
		out.Service.Type = discovery.DefaultServiceType
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Server hosts a discoverable session and pools every accepted connection.
type Server struct {
	opts     ServerOptions
	consumer PayloadConsumer
	logger   logrus.FieldLogger
	pool     *network.Pool

	mu           sync.Mutex
	running      bool
	hostName     string
	hasHostName  bool
	listener     network.Listener
	registration discovery.Registration
	dispatcher   *dispatcher
	cancel       context.CancelFunc

	wg sync.WaitGroup
}

// NewServer returns a stopped server delivering payloads to consumer.
func NewServer(consumer PayloadConsumer, options ServerOptions) *Server {
	opts := options.withDefaults()
	return &Server{
		opts:     opts,
		consumer: consumer,
		logger: opts.Logger.WithFields(logrus.Fields{
			"service": opts.Service.Type,
			"role":    metrics.RoleHost,
		}),
		pool: network.NewPool(),
	}
}

// Start listens, then advertises the listener port. onReady is invoked once
// the advertisement is registered. Starting a running server is a no-op.
func (s *Server) Start(ctx context.Context, onReady func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.opts.Transport == nil || s.opts.Advertiser == nil {
		return fmt.Errorf("%w: transport and advertiser are required", ErrTransportUnavailable)
	}

	listener, err := s.opts.Transport.Listen(s.opts.ListenAddress)
	if err != nil {
		s.startFailed(err)
		return fmt.Errorf("%w: listen %q: %w", ErrTransportUnavailable, s.opts.ListenAddress, err)
	}

	registration, err := s.opts.Advertiser.Advertise(ctx, s.opts.Service.Name, s.opts.Service.Type, listener.Port(), s.txt())
	if err != nil {
		_ = listener.Close()
		s.startFailed(err)
		return fmt.Errorf("%w: advertise %q: %w", ErrTransportUnavailable, s.opts.Service.Name, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d := newDispatcher(s.consumer, metrics.RoleHost)

	s.running = true
	s.listener = listener
	s.registration = registration
	s.dispatcher = d
	s.cancel = cancel

	s.wg.Add(2)
	go s.acceptLoop(runCtx, listener, d)
	go s.watchRegistration(registration, onReady)

	s.logger.WithFields(logrus.Fields{
		"name": s.opts.Service.Name,
		"port": listener.Port(),
	}).Info("session: hosting started")
	recordEvent(s.opts.Events, s.logger, storage.EventHostStarted, storage.SeverityInfo, "", addrString(listener.Addr()), eventFields{
		"name": s.opts.Service.Name,
		"type": s.opts.Service.Type,
		"port": listener.Port(),
	})
	return nil
}

// Stop withdraws the advertisement, closes the listener and cancels every
// pooled connection. It is idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	listener := s.listener
	registration := s.registration
	d := s.dispatcher
	cancel := s.cancel
	s.listener = nil
	s.registration = nil
	s.dispatcher = nil
	s.cancel = nil
	s.mu.Unlock()

	registration.Cancel()
	if err := listener.Close(); err != nil {
		s.logger.WithError(err).Debug("session: listener close failed")
	}
	cancel()
	s.wg.Wait()

	s.pool.CancelAll()
	d.stop()

	s.mu.Lock()
	s.hostName = ""
	s.hasHostName = false
	s.mu.Unlock()

	metrics.PoolConnections.Set(float64(s.pool.Len()))
	s.logger.Info("session: hosting stopped")
	recordEvent(s.opts.Events, s.logger, storage.EventHostStopped, storage.SeverityInfo, "", "", nil)
}

// SessionHostName returns the registered instance name, if registered.
func (s *Server) SessionHostName() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostName, s.hasHostName
}

// Running reports whether the server is listening and advertised.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RemoteInterfaces returns the identities of pooled connections.
func (s *Server) RemoteInterfaces() []network.Identity {
	return s.pool.IDs()
}

// Broadcast sends payload to every ready connection and returns how many accepted it.
func (s *Server) Broadcast(payload []byte) int {
	return s.pool.Broadcast(payload)
}

// SendTo sends payload to one pooled connection.
func (s *Server) SendTo(id network.Identity, payload []byte) error {
	return s.pool.SendTo(id, payload)
}

// Addr returns the listener address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections reports the pooled connections.
func (s *Server) Connections() []ConnectionStatus {
	out := make([]ConnectionStatus, 0, s.pool.Len())
	s.pool.ForEach(func(h *network.Handle) {
		out = append(out, connectionStatus(h))
	})
	return out
}

func (s *Server) txt() []string {
	txt := make([]string, 0, len(s.opts.TXT)+1)
	if s.opts.Service.Version > 0 {
		txt = append(txt, serviceVersionTXTKey+"="+strconv.Itoa(s.opts.Service.Version))
	}
	return append(txt, s.opts.TXT...)
}

func (s *Server) startFailed(err error) {
	s.logger.WithError(err).Warn("session: hosting start failed")
	recordEvent(s.opts.Events, s.logger, storage.EventHostStartFailed, storage.SeverityCritical, "", "", eventFields{
		"error": err.Error(),
	})
}

func (s *Server) acceptLoop(ctx context.Context, listener network.Listener, d *dispatcher) {
	defer s.wg.Done()
	for {
		select {
		case conn, ok := <-listener.Accept():
			if !ok {
				return
			}
			s.admit(conn, d)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) admit(conn network.Conn, d *dispatcher) {
	remote := addrString(conn.RemoteAddr())

	if conn.SelfOriginated() {
		conn.Cancel()
		metrics.ConnectionsCancelled.WithLabelValues(metrics.ReasonSelfOriginated).Inc()
		s.logger.WithField("endpoint", remote).Debug("session: dropped self-originated connection")
		recordEvent(s.opts.Events, s.logger, storage.EventConnectionRejected, storage.SeverityInfo, "", remote, eventFields{
			"reason": metrics.ReasonSelfOriginated,
		})
		return
	}

	h := network.Wrap(conn, network.Callbacks{
		OnState: s.onHandleState,
		OnData: func(_ *network.Handle, payload []byte) {
			d.deliver(payload)
		},
		OnCancel: s.onHandleCancel,
	}, s.logger)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		conn.Cancel()
		return
	}
	if err := s.pool.Add(h); err != nil {
		s.mu.Unlock()
		s.logger.WithError(err).Warn("session: pool rejected connection")
		conn.Cancel()
		return
	}
	s.mu.Unlock()

	metrics.ConnectionsAccepted.Inc()
	metrics.PoolConnections.Set(float64(s.pool.Len()))
	s.logger.WithFields(logrus.Fields{
		"connection_id": h.ID().String(),
		"endpoint":      remote,
	}).Info("session: connection accepted")
	recordEvent(s.opts.Events, s.logger, storage.EventConnectionAccepted, storage.SeverityInfo, h.ID().String(), remote, eventFields{
		"pool_size": s.pool.Len(),
	})

	h.Start()
}

func (s *Server) onHandleState(h *network.Handle, state network.ConnectionState) {
	if state != network.StateReady || s.consumer == nil {
		return
	}
	payload := s.consumer.ConfigurationPayload()
	if payload == nil {
		return
	}
	if err := h.Send(payload); err != nil {
		s.logger.WithError(err).WithField("connection_id", h.ID().String()).Warn("session: configuration send failed")
	}
}

func (s *Server) onHandleCancel(h *network.Handle, err error) {
	if !s.pool.Remove(h.ID()) {
		return
	}
	metrics.PoolConnections.Set(float64(s.pool.Len()))

	reason := metrics.ReasonClosed
	severity := storage.SeverityInfo
	switch {
	case err != nil:
		reason = metrics.ReasonError
		severity = storage.SeverityWarning
	case !s.Running():
		reason = metrics.ReasonSessionStop
	}
	metrics.ConnectionsCancelled.WithLabelValues(reason).Inc()

	entry := s.logger.WithFields(logrus.Fields{
		"connection_id": h.ID().String(),
		"reason":        reason,
	})
	if err != nil {
		entry.WithError(err).Warn("session: connection cancelled")
	} else {
		entry.Info("session: connection cancelled")
	}
	recordEvent(s.opts.Events, s.logger, storage.EventConnectionCancelled, severity, h.ID().String(), addrString(h.Conn().RemoteAddr()), eventFields{
		"reason": reason,
		"error":  errorText(err),
	})
}

func (s *Server) watchRegistration(registration discovery.Registration, onReady func()) {
	defer s.wg.Done()

	var readyOnce sync.Once
	for event := range registration.Events() {
		switch event.Type {
		case discovery.RegistrationAdded:
			s.mu.Lock()
			s.hostName = event.Endpoint.Instance
			s.hasHostName = true
			s.mu.Unlock()

			s.logger.WithField("endpoint", event.Endpoint.String()).Info("session: service registered")
			recordEvent(s.opts.Events, s.logger, storage.EventRegistrationChanged, storage.SeverityInfo, "", event.Endpoint.String(), eventFields{
				"change": string(event.Type),
			})
			if onReady != nil {
				readyOnce.Do(onReady)
			}
		case discovery.RegistrationRemoved:
			s.mu.Lock()
			if s.hasHostName && s.hostName == event.Endpoint.Instance {
				s.hostName = ""
				s.hasHostName = false
			}
			s.mu.Unlock()

			s.logger.WithField("endpoint", event.Endpoint.String()).Info("session: service unregistered")
			recordEvent(s.opts.Events, s.logger, storage.EventRegistrationChanged, storage.SeverityInfo, "", event.Endpoint.String(), eventFields{
				"change": string(event.Type),
			})
		}
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
