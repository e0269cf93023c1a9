package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeBrowser struct {
	events chan ChangeEvent
	err    error
	calls  int
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{events: make(chan ChangeEvent, 16)}
}

func (b *fakeBrowser) Browse(ctx context.Context, serviceType string) (<-chan ChangeEvent, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	out := make(chan ChangeEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-b.events:
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func testPeer(instance string, port int) PeerDescriptor {
	return PeerDescriptor{
		Endpoint: Endpoint{Instance: instance, Service: DefaultServiceType, Domain: DefaultDomain},
		Port:     port,
	}
}

func peerNames(peers []PeerDescriptor) []string {
	names := make([]string, 0, len(peers))
	for _, peer := range peers {
		names = append(names, peer.Endpoint.Instance)
	}
	return names
}

func TestSessionAppliesChangesInOrder(t *testing.T) {
	browser := newFakeBrowser()
	session := NewSession(browser, DefaultServiceType, nil)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Stop()

	browser.events <- ChangeEvent{Type: ChangeAdded, New: testPeer("A", 1)}
	browser.events <- ChangeEvent{Type: ChangeAdded, New: testPeer("B", 2)}
	browser.events <- ChangeEvent{Type: ChangeAdded, New: testPeer("A", 1)}

	waitForCondition(t, time.Second, func() bool {
		return len(session.Peers()) == 2
	})
	if diff := cmp.Diff([]string{"A", "B"}, peerNames(session.Peers())); diff != "" {
		t.Fatalf("unexpected peers (-want +got):\n%s", diff)
	}

	browser.events <- ChangeEvent{Type: ChangeChanged, Old: testPeer("A", 1), New: testPeer("A", 10)}
	browser.events <- ChangeEvent{Type: ChangeRemoved, Old: testPeer("B", 2)}

	waitForCondition(t, time.Second, func() bool {
		peers := session.Peers()
		return len(peers) == 1 && peers[0].Port == 10
	})
}

func TestSessionIgnoresUnknownRemovalAndIdentical(t *testing.T) {
	browser := newFakeBrowser()
	session := NewSession(browser, DefaultServiceType, nil)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Stop()

	updates, unsubscribe := session.Subscribe()
	defer unsubscribe()

	browser.events <- ChangeEvent{Type: ChangeAdded, New: testPeer("A", 1)}
	select {
	case peers := <-updates:
		if diff := cmp.Diff([]string{"A"}, peerNames(peers)); diff != "" {
			t.Fatalf("unexpected snapshot (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected snapshot after add")
	}

	browser.events <- ChangeEvent{Type: ChangeRemoved, Old: testPeer("missing", 1)}
	browser.events <- ChangeEvent{Type: ChangeIdentical, Old: testPeer("A", 1), New: testPeer("A", 1)}
	browser.events <- ChangeEvent{Type: ChangeChanged, Old: testPeer("missing", 1), New: testPeer("other", 1)}

	select {
	case peers := <-updates:
		t.Fatalf("expected no snapshot for no-op changes, got %v", peerNames(peers))
	case <-time.After(100 * time.Millisecond):
	}
	if diff := cmp.Diff([]string{"A"}, peerNames(session.Peers())); diff != "" {
		t.Fatalf("unexpected peers (-want +got):\n%s", diff)
	}
}

func TestSessionStopKeepsPeersAndClosesSubscriptions(t *testing.T) {
	browser := newFakeBrowser()
	session := NewSession(browser, DefaultServiceType, nil)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	updates, _ := session.Subscribe()

	browser.events <- ChangeEvent{Type: ChangeAdded, New: testPeer("A", 1)}
	waitForCondition(t, time.Second, func() bool {
		return len(session.Peers()) == 1
	})

	session.Stop()
	session.Stop()

	if session.Browsing() {
		t.Fatalf("expected session to stop browsing")
	}
	if len(session.Peers()) != 1 {
		t.Fatalf("expected peers to be kept after stop")
	}
	waitForCondition(t, time.Second, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	})
}

func TestSessionStartTwiceFails(t *testing.T) {
	browser := newFakeBrowser()
	session := NewSession(browser, DefaultServiceType, nil)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Stop()

	if err := session.Start(context.Background()); !errors.Is(err, ErrSessionRunning) {
		t.Fatalf("expected ErrSessionRunning, got %v", err)
	}
}

func TestSessionStartReportsBrowseError(t *testing.T) {
	browseErr := errors.New("no multicast")
	browser := newFakeBrowser()
	browser.err = browseErr

	session := NewSession(browser, DefaultServiceType, nil)
	if err := session.Start(context.Background()); !errors.Is(err, browseErr) {
		t.Fatalf("expected browse error, got %v", err)
	}
	if session.Browsing() {
		t.Fatalf("expected session to stay stopped")
	}
}
