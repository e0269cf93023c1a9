package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"lansession/discovery"
	"lansession/metrics"
	"lansession/network"
	"lansession/storage"
)

// Sequence is the coarse lifecycle of a remote session.
type Sequence string

const (
	SequenceWaiting   Sequence = "waiting"
	SequenceReady     Sequence = "ready"
	SequenceCancelled Sequence = "cancelled"
)

// RemoteState is reported to the state observer after every mutation.
type RemoteState struct {
	Sequence      Sequence
	IsSendingData bool
	Err           error
}

// Remote is one outbound connection to a hosting session.
type Remote struct {
	target        discovery.PeerDescriptor
	onStateChange func(RemoteState)
	logger        logrus.FieldLogger
	events        EventRecorder
	handle        *network.Handle
	dispatcher    *dispatcher

	mu        sync.Mutex
	state     RemoteState
	closed    bool
	pending   []RemoteState
	notifying bool
	journaled Sequence
}

// Connect opens a connection to target and returns immediately; progress is
// reported through onStateChange.
func Connect(ctx context.Context, transport network.Transport, target discovery.PeerDescriptor, consumer PayloadConsumer, onStateChange func(RemoteState), logger logrus.FieldLogger) (*Remote, error) {
	return connect(ctx, transport, target, consumer, onStateChange, logger, nil)
}

func connect(ctx context.Context, transport network.Transport, target discovery.PeerDescriptor, consumer PayloadConsumer, onStateChange func(RemoteState), logger logrus.FieldLogger, events EventRecorder) (*Remote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrTransportUnavailable)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	address, err := target.Address()
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target.Endpoint, err)
	}

	r := &Remote{
		target:        target,
		onStateChange: onStateChange,
		events:        events,
		state:         RemoteState{Sequence: SequenceWaiting},
	}

	// Callbacks may fire as soon as the handle starts; they wait until r is
	// fully assigned.
	wired := make(chan struct{})
	handleLogger := logger.WithFields(logrus.Fields{
		"role":     metrics.RoleRemote,
		"endpoint": target.Endpoint.String(),
	})
	handle, err := network.Open(transport, address, network.Callbacks{
		OnState: func(h *network.Handle, state network.ConnectionState) {
			<-wired
			r.onHandleState(h, state)
		},
		OnData: func(_ *network.Handle, payload []byte) {
			<-wired
			r.dispatcher.deliver(payload)
		},
		OnSendComplete: func(h *network.Handle, err error) {
			<-wired
			r.onSendComplete(h, err)
		},
	}, handleLogger)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrTransportUnavailable, address, err)
	}

	r.handle = handle
	r.dispatcher = newDispatcher(consumer, metrics.RoleRemote)
	r.logger = handleLogger.WithField("connection_id", handle.ID().String())
	close(wired)

	r.logger.WithField("address", address).Info("session: connecting")
	return r, nil
}

// State returns the current remote state.
func (r *Remote) State() RemoteState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Target returns the peer this session connects to.
func (r *Remote) Target() discovery.PeerDescriptor {
	return r.target
}

// ConnectionID returns the identity of the underlying connection.
func (r *Remote) ConnectionID() network.Identity {
	return r.handle.ID()
}

// Send queues payload on the connection. A rejected send leaves the state untouched.
func (r *Remote) Send(payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	if err := r.handle.Send(payload); err != nil {
		r.logger.WithError(err).Debug("session: send rejected")
		return err
	}
	r.syncSending()
	return nil
}

// ShutDown cancels the connection. It is idempotent.
func (r *Remote) ShutDown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.dispatcher.stop()
	r.handle.Cancel()
	r.update(func(state *RemoteState) bool {
		if state.Sequence == SequenceCancelled && !state.IsSendingData {
			return false
		}
		state.Sequence = SequenceCancelled
		state.IsSendingData = false
		return true
	})
	r.logger.Info("session: remote shut down")
}

func (r *Remote) status() ConnectionStatus {
	return connectionStatus(r.handle)
}

func (r *Remote) onHandleState(h *network.Handle, state network.ConnectionState) {
	switch state {
	case network.StateWaiting:
		err := h.LastError()
		r.update(func(s *RemoteState) bool {
			s.Sequence = SequenceWaiting
			s.Err = err
			return true
		})
	case network.StateReady:
		r.update(func(s *RemoteState) bool {
			s.Sequence = SequenceReady
			s.Err = nil
			return true
		})
		r.logger.Info("session: remote ready")
	case network.StateFailed:
		err := h.LastError()
		r.update(func(s *RemoteState) bool {
			s.Sequence = SequenceCancelled
			s.IsSendingData = false
			s.Err = err
			return true
		})
	case network.StateCancelled:
		err := h.LastError()
		r.update(func(s *RemoteState) bool {
			if s.Sequence == SequenceCancelled {
				return false
			}
			s.Sequence = SequenceCancelled
			s.IsSendingData = false
			if err != nil {
				s.Err = err
			}
			return true
		})
		r.dispatcher.drainAndStop()
	}
}

func (r *Remote) onSendComplete(_ *network.Handle, err error) {
	if err != nil {
		r.logger.WithError(err).Debug("session: send failed")
	}
	r.syncSending()
}

func (r *Remote) syncSending() {
	r.update(func(s *RemoteState) bool {
		sending := s.Sequence == SequenceReady && r.handle.IsSendingData()
		if s.IsSendingData == sending {
			return false
		}
		s.IsSendingData = sending
		return true
	})
}

// update applies fn and notifies the observer of the new state. Notifications
// are delivered in mutation order; an observer that mutates the session from
// its callback has that change delivered after it returns.
func (r *Remote) update(fn func(*RemoteState) bool) {
	r.mu.Lock()
	if !fn(&r.state) {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, r.state)
	if r.notifying {
		r.mu.Unlock()
		return
	}
	r.notifying = true
	for len(r.pending) > 0 {
		next := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()

		r.journal(next)
		if r.onStateChange != nil {
			r.onStateChange(next)
		}

		r.mu.Lock()
	}
	r.notifying = false
	r.mu.Unlock()
}

// journal records sequence changes and errors; send toggles are not journaled.
func (r *Remote) journal(state RemoteState) {
	if state.Sequence == r.journaled && state.Err == nil {
		return
	}
	r.journaled = state.Sequence

	severity := storage.SeverityInfo
	if state.Err != nil {
		severity = storage.SeverityWarning
	}
	recordEvent(r.events, r.logger, storage.EventRemoteStateChanged, severity, r.handle.ID().String(), r.target.Endpoint.String(), eventFields{
		"sequence":        string(state.Sequence),
		"is_sending_data": state.IsSendingData,
		"error":           errorText(state.Err),
	})
}
