package network

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateConnection indicates a handle with the same identity is already pooled.
	ErrDuplicateConnection = errors.New("network: duplicate connection identity")
	// ErrUnknownConnection indicates no pooled handle has the requested identity.
	ErrUnknownConnection = errors.New("network: unknown connection identity")
)

// Pool is the ordered set of active handles on the hosting side.
type Pool struct {
	mu      sync.RWMutex
	handles []*Handle
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// Add appends h. Identities are unique within the pool.
func (p *Pool) Add(h *Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.indexLocked(h.ID()) >= 0 {
		return fmt.Errorf("add %s: %w", h.ID(), ErrDuplicateConnection)
	}
	p.handles = append(p.handles, h)
	return nil
}

// Remove drops the handle with id. Missing identities are ignored.
func (p *Pool) Remove(id Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.indexLocked(id)
	if idx < 0 {
		return false
	}
	p.handles = append(p.handles[:idx], p.handles[idx+1:]...)
	return true
}

// Get returns the pooled handle with id.
func (p *Pool) Get(id Identity) (*Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	idx := p.indexLocked(id)
	if idx < 0 {
		return nil, false
	}
	return p.handles[idx], true
}

// Len returns the number of pooled handles.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}

// IDs returns the pooled identities in insertion order.
func (p *Pool) IDs() []Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Identity, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h.ID())
	}
	return out
}

// ForEach calls fn for a snapshot of the pooled handles.
func (p *Pool) ForEach(fn func(*Handle)) {
	for _, h := range p.snapshot() {
		fn(h)
	}
}

// Broadcast sends payload to every READY handle and returns how many accepted it.
// Handles that are not ready are skipped.
func (p *Pool) Broadcast(payload []byte) int {
	sent := 0
	p.ForEach(func(h *Handle) {
		if h.State() != StateReady {
			return
		}
		if err := h.Send(payload); err == nil {
			sent++
		}
	})
	return sent
}

// SendTo sends payload to one pooled handle.
func (p *Pool) SendTo(id Identity, payload []byte) error {
	h, ok := p.Get(id)
	if !ok {
		return fmt.Errorf("send to %s: %w", id, ErrUnknownConnection)
	}
	return h.Send(payload)
}

// CancelAll cancels every pooled handle. Handles leave the pool through their
// own cancel notifications.
func (p *Pool) CancelAll() {
	p.ForEach(func(h *Handle) {
		h.Cancel()
	})
}

func (p *Pool) snapshot() []*Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Handle(nil), p.handles...)
}

func (p *Pool) indexLocked(id Identity) int {
	for i, h := range p.handles {
		if h.ID() == id {
			return i
		}
	}
	return -1
}
