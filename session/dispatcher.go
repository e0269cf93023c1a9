package session

import (
	"sync"

	"lansession/metrics"
)

const dispatchQueueSize = 256

// dispatcher delivers payloads to a consumer from a single goroutine, so
// OnData is never reentrant even when many connections receive at once.
type dispatcher struct {
	consumer PayloadConsumer
	role     string

	queue     chan []byte
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once
	exited    chan struct{}
}

func newDispatcher(consumer PayloadConsumer, role string) *dispatcher {
	d := &dispatcher{
		consumer: consumer,
		role:     role,
		queue:    make(chan []byte, dispatchQueueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go d.loop()
	return d
}

// deliver queues payload, blocking while the queue is full. It reports false
// once the dispatcher is closing or stopped.
func (d *dispatcher) deliver(payload []byte) bool {
	select {
	case <-d.closing:
		return false
	case <-d.done:
		return false
	default:
	}

	select {
	case d.queue <- payload:
		return true
	case <-d.done:
		return false
	}
}

// stop discards undelivered payloads. It does not wait for an in-progress
// OnData call, so the consumer may stop its own session.
func (d *dispatcher) stop() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
}

// drainAndStop refuses new payloads and lets the loop hand everything already
// queued to the consumer before it exits. A later stop still discards the rest.
func (d *dispatcher) drainAndStop() {
	d.closeOnce.Do(func() {
		close(d.closing)
	})
}

func (d *dispatcher) stopped() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *dispatcher) loop() {
	defer close(d.exited)
	for {
		select {
		case payload := <-d.queue:
			if d.stopped() {
				return
			}
			d.dispatch(payload)
		case <-d.closing:
			d.drain()
			return
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		select {
		case payload := <-d.queue:
			if d.stopped() {
				return
			}
			d.dispatch(payload)
		default:
			return
		}
	}
}

func (d *dispatcher) dispatch(payload []byte) {
	metrics.ObservePayload(d.role, len(payload))
	if d.consumer != nil {
		d.consumer.OnData(payload)
	}
}
