package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// MDNSBrowser discovers services with periodic zeroconf browse scans.
//
// Each scan window yields a snapshot; consecutive snapshots are diffed into
// added, removed and changed events.
type MDNSBrowser struct {
	cfg Config
}

// NewMDNSBrowser returns a browser with config defaults applied.
func NewMDNSBrowser(config Config) *MDNSBrowser {
	return &MDNSBrowser{cfg: config.withDefaults()}
}

// Browse starts scanning for serviceType until ctx is done.
func (b *MDNSBrowser) Browse(ctx context.Context, serviceType string) (<-chan ChangeEvent, error) {
	if strings.TrimSpace(serviceType) == "" {
		return nil, errors.New("browse: service type is required")
	}

	browse := b.cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	s := &peerScanner{
		cfg:         b.cfg,
		serviceType: serviceType,
		browse:      browse,
		peers:       make(map[Endpoint]PeerDescriptor),
		events:      make(chan ChangeEvent, 32),
		logger:      b.cfg.Logger.WithField("service", serviceType),
	}
	go s.loop(ctx)
	return s.events, nil
}

type peerScanner struct {
	cfg         Config
	serviceType string
	browse      browseFunc
	logger      logrus.FieldLogger

	peers  map[Endpoint]PeerDescriptor
	events chan ChangeEvent
}

func (s *peerScanner) loop(ctx context.Context) {
	defer close(s.events)

	// Prime the browse results immediately.
	s.runScan(ctx)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *peerScanner) runScan(ctx context.Context) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[Endpoint]PeerDescriptor)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfInstanceID)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[peer.Endpoint] = peer
				collectedMu.Unlock()
			}
		}
	}()

	if err := s.browse(scanCtx, s.serviceType, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		s.logger.WithError(err).Warn("discovery: browse scan failed")
		cancel()
		<-collectorDone
		return
	}

	<-scanCtx.Done()
	<-collectorDone

	// A cancelled parent means the browse is stopping; keep the last snapshot.
	if ctx.Err() != nil {
		return
	}

	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()
	s.applySnapshot(ctx, next)
}

func (s *peerScanner) applySnapshot(ctx context.Context, next map[Endpoint]PeerDescriptor) {
	previous := s.peers
	s.peers = next

	// Emit in a stable order so consumers see deterministic insertion order.
	added := make([]PeerDescriptor, 0)
	for endpoint, peer := range next {
		old, exists := previous[endpoint]
		switch {
		case !exists:
			added = append(added, peer)
		case !descriptorsEqual(old, peer):
			s.emit(ctx, ChangeEvent{Type: ChangeChanged, Old: old, New: peer})
		}
	}
	sortDescriptors(added)
	for _, peer := range added {
		s.emit(ctx, ChangeEvent{Type: ChangeAdded, New: peer})
	}

	removed := make([]PeerDescriptor, 0)
	for endpoint, peer := range previous {
		if _, exists := next[endpoint]; !exists {
			removed = append(removed, peer)
		}
	}
	sortDescriptors(removed)
	for _, peer := range removed {
		s.emit(ctx, ChangeEvent{Type: ChangeRemoved, Old: peer})
	}
}

func (s *peerScanner) emit(ctx context.Context, event ChangeEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfInstanceID string) (PeerDescriptor, bool) {
	txt := txtToMap(entry.Text)

	if selfInstanceID != "" && txt[instanceIDTXTKey] == selfInstanceID {
		return PeerDescriptor{}, false
	}

	instance := strings.TrimSpace(entry.Instance)
	if instance == "" {
		return PeerDescriptor{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	// IPv4 first, then IPv6, each sorted.
	sort.SliceStable(addresses, func(i, j int) bool {
		iv4 := !strings.Contains(addresses[i], ":")
		jv4 := !strings.Contains(addresses[j], ":")
		if iv4 != jv4 {
			return iv4
		}
		return addresses[i] < addresses[j]
	})

	return PeerDescriptor{
		Endpoint: Endpoint{
			Instance: instance,
			Service:  entry.Service,
			Domain:   entry.Domain,
		},
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		Metadata:  txt,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func descriptorsEqual(a, b PeerDescriptor) bool {
	if a.Endpoint != b.Endpoint ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) ||
		len(a.Metadata) != len(b.Metadata) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	for key, value := range a.Metadata {
		if other, ok := b.Metadata[key]; !ok || other != value {
			return false
		}
	}
	return true
}

func sortDescriptors(peers []PeerDescriptor) {
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Endpoint.String() < peers[j].Endpoint.String()
	})
}
