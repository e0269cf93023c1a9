package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"lansession/metrics"
)

// ErrSessionRunning indicates Start was called on a browsing session.
var ErrSessionRunning = errors.New("discovery: session already browsing")

// Session maintains the ordered, deduplicated set of discovered peers.
type Session struct {
	browser     Browser
	serviceType string
	logger      logrus.FieldLogger

	mu      sync.Mutex
	peers   []PeerDescriptor
	subs    map[int]chan []PeerDescriptor
	nextSub int
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSession returns a stopped session browsing serviceType through browser.
func NewSession(browser Browser, serviceType string, logger logrus.FieldLogger) *Session {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Session{
		browser:     browser,
		serviceType: serviceType,
		logger:      logger.WithField("service", serviceType),
		subs:        make(map[int]chan []PeerDescriptor),
	}
}

// Start begins browsing. Browse construction errors are returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrSessionRunning
	}

	browseCtx, cancel := context.WithCancel(ctx)
	events, err := s.browser.Browse(browseCtx, s.serviceType)
	if err != nil {
		cancel()
		return fmt.Errorf("browse %q: %w", s.serviceType, err)
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	go s.consume(events, s.done)

	s.logger.Info("discovery: browsing started")
	return nil
}

// Stop cancels browsing and closes every subscription. The last known peers are kept.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()

	s.logger.Info("discovery: browsing stopped")
}

// Browsing reports whether the session is running.
func (s *Session) Browsing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Peers returns a copy of the discovered peers in insertion order.
func (s *Session) Peers() []PeerDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PeerDescriptor(nil), s.peers...)
}

// Subscribe returns a channel receiving a snapshot after every mutation.
//
// Only the latest snapshot is buffered; a slow reader skips intermediate ones.
func (s *Session) Subscribe() (<-chan []PeerDescriptor, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan []PeerDescriptor, 1)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			close(sub)
			delete(s.subs, id)
		}
	}
}

func (s *Session) consume(events <-chan ChangeEvent, done chan struct{}) {
	defer close(done)
	for event := range events {
		s.apply(event)
	}
}

func (s *Session) apply(event ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	switch event.Type {
	case ChangeAdded:
		if s.indexLocked(event.New) < 0 {
			s.peers = append(s.peers, event.New)
			changed = true
		}
	case ChangeRemoved:
		if idx := s.indexLocked(event.Old); idx >= 0 {
			s.peers = append(s.peers[:idx], s.peers[idx+1:]...)
			changed = true
		}
	case ChangeChanged:
		for i := range s.peers {
			if s.peers[i].Equal(event.Old) {
				s.peers[i] = event.New
				changed = true
			}
		}
	case ChangeIdentical:
	default:
		s.logger.WithField("change", event.Type).Debug("discovery: ignoring unknown change")
	}

	if !changed {
		return
	}

	metrics.DiscoveredPeers.Set(float64(len(s.peers)))
	s.logger.WithFields(logrus.Fields{
		"change": event.Type,
		"peers":  len(s.peers),
	}).Debug("discovery: peer set updated")
	s.publishLocked()
}

func (s *Session) publishLocked() {
	snapshot := append([]PeerDescriptor(nil), s.peers...)
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

func (s *Session) indexLocked(peer PeerDescriptor) int {
	for i := range s.peers {
		if s.peers[i].Equal(peer) {
			return i
		}
	}
	return -1
}
