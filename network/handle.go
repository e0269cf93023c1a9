package network

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrHandleCancelled indicates the handle was cancelled and accepts no more sends.
	ErrHandleCancelled = errors.New("network: connection handle cancelled")
	// ErrSendQueueFull indicates the outbound queue is saturated.
	ErrSendQueueFull = errors.New("network: send queue full")
)

// Identity distinguishes one connection handle from every other. It is never reused.
type Identity uuid.UUID

// NewIdentity issues a fresh identity.
func NewIdentity() Identity {
	return Identity(uuid.New())
}

func (id Identity) String() string {
	return uuid.UUID(id).String()
}

// Callbacks are the owner's hooks into a handle. All are optional.
//
// OnData is called from the handle's receive loop, one payload at a time in
// transport order. OnCancel is called exactly once.
type Callbacks struct {
	OnState        func(h *Handle, state ConnectionState)
	OnData         func(h *Handle, payload []byte)
	OnCancel       func(h *Handle, err error)
	OnSendComplete func(h *Handle, err error)
}

// Handle owns one transport connection, its receive loop and its send queue.
type Handle struct {
	id        Identity
	conn      Conn
	callbacks Callbacks
	logger    logrus.FieldLogger

	mu        sync.Mutex
	state     ConnectionState
	lastErr   error
	receiving bool

	outbound chan []byte
	inFlight atomic.Int32

	startOnce  sync.Once
	cancelOnce sync.Once
	done       chan struct{}
}

// Wrap builds a handle around conn without starting it.
func Wrap(conn Conn, callbacks Callbacks, logger logrus.FieldLogger) *Handle {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	id := NewIdentity()
	return &Handle{
		id:        id,
		conn:      conn,
		callbacks: callbacks,
		logger:    logger.WithField("connection_id", id.String()),
		state:     StateWaiting,
		outbound:  make(chan []byte, DefaultSendQueueSize),
		done:      make(chan struct{}),
	}
}

// Open dials address through transport and returns a started handle.
func Open(transport Transport, address string, callbacks Callbacks, logger logrus.FieldLogger) (*Handle, error) {
	conn, err := transport.Open(address)
	if err != nil {
		return nil, err
	}
	h := Wrap(conn, callbacks, logger)
	h.Start()
	return h, nil
}

// Start begins the transport connection and the state watcher.
func (h *Handle) Start() {
	h.startOnce.Do(func() {
		go h.watchStates()
		go h.writeLoop()
		h.conn.Start()
	})
}

// ID returns the handle identity.
func (h *Handle) ID() Identity {
	return h.id
}

// Conn returns the wrapped transport connection.
func (h *Handle) Conn() Conn {
	return h.conn
}

// State returns the current handle state.
func (h *Handle) State() ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastError returns the most recent connection error, if any.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// IsSendingData reports whether a payload is queued or being written. It is
// always false once the handle is cancelled.
func (h *Handle) IsSendingData() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return h.inFlight.Load() > 0
}

// Done is closed once the handle is cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Send queues payload for writing without blocking.
func (h *Handle) Send(payload []byte) error {
	switch h.State() {
	case StateReady:
	case StateCancelled, StateFailed:
		return ErrHandleCancelled
	default:
		return ErrNotReady
	}

	h.inFlight.Add(1)
	select {
	case h.outbound <- append([]byte(nil), payload...):
		// A cancel that raced the enqueue leaves the payload unwritten.
		select {
		case <-h.done:
			return ErrHandleCancelled
		default:
			return nil
		}
	default:
		h.inFlight.Add(-1)
		return ErrSendQueueFull
	}
}

// Cancel terminates the connection. It is idempotent.
func (h *Handle) Cancel() {
	h.cancel(nil)
}

func (h *Handle) watchStates() {
	for {
		select {
		case event := <-h.conn.States():
			h.applyState(event)
		case <-h.done:
			return
		}
	}
}

func (h *Handle) applyState(event StateEvent) {
	switch event.State {
	case StateWaiting:
		if !h.transition(StateWaiting, event.Err) {
			return
		}
		if event.Err != nil {
			h.logger.WithError(event.Err).Debug("connection waiting")
		}
		h.notifyState(StateWaiting)
	case StateReady:
		if !h.transition(StateReady, nil) {
			return
		}
		h.notifyState(StateReady)
		h.startReceiving()
	case StateFailed:
		if !h.transition(StateFailed, event.Err) {
			return
		}
		h.logger.WithError(event.Err).Warn("connection failed")
		h.notifyState(StateFailed)
		h.cancel(event.Err)
	}
}

// transition applies a non-terminal state change; it refuses once cancelled.
func (h *Handle) transition(state ConnectionState, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateCancelled {
		return false
	}
	h.state = state
	if err != nil || state == StateReady {
		h.lastErr = err
	}
	return true
}

func (h *Handle) startReceiving() {
	h.mu.Lock()
	if h.receiving {
		h.mu.Unlock()
		return
	}
	h.receiving = true
	h.mu.Unlock()

	go h.receiveLoop()
}

func (h *Handle) receiveLoop() {
	defer func() {
		h.mu.Lock()
		h.receiving = false
		h.mu.Unlock()
	}()

	for h.State() == StateReady {
		payload, err := h.conn.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrConnectionCancelled) {
				h.cancel(nil)
				return
			}
			h.logger.WithError(err).Warn("receive failed")
			h.cancel(err)
			return
		}
		if h.State() != StateReady {
			return
		}
		if h.callbacks.OnData != nil {
			h.callbacks.OnData(h, payload)
		}
	}
}

func (h *Handle) writeLoop() {
	for {
		select {
		case payload := <-h.outbound:
			err := h.conn.Send(payload)
			h.inFlight.Add(-1)
			if err != nil {
				h.mu.Lock()
				h.lastErr = err
				h.mu.Unlock()
				h.logger.WithError(err).Debug("send failed")
			}
			if h.callbacks.OnSendComplete != nil {
				h.callbacks.OnSendComplete(h, err)
			}
		case <-h.done:
			return
		}
	}
}

func (h *Handle) notifyState(state ConnectionState) {
	if h.callbacks.OnState != nil {
		h.callbacks.OnState(h, state)
	}
}

func (h *Handle) cancel(err error) {
	h.cancelOnce.Do(func() {
		h.mu.Lock()
		h.state = StateCancelled
		if err != nil {
			h.lastErr = err
		}
		h.mu.Unlock()

		close(h.done)
		h.conn.Cancel()
		h.inFlight.Store(0)

		h.notifyState(StateCancelled)
		if h.callbacks.OnCancel != nil {
			h.callbacks.OnCancel(h, err)
		}
	})
}
