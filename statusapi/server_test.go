package statusapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"lansession/session"
	"lansession/storage"
)

type staticStatus struct {
	status session.Status
}

func (s staticStatus) Snapshot() session.Status { return s.status }

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStatusReportsSnapshot(t *testing.T) {
	want := session.Status{
		Role:     session.RoleHosting,
		HostName: "host1",
		Running:  true,
		Connections: []session.ConnectionStatus{
			{ID: "c1", State: "READY", RemoteAddr: "10.0.0.2:51000"},
		},
		Discovered: []session.PeerStatus{},
	}
	srv := NewServer(staticStatus{status: want}, nil, nil)

	rec := get(t, srv.Handler(), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}

	var got session.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected status (-want +got):\n%s", diff)
	}

	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode raw status: %v", err)
	}
	for _, key := range []string{"role", "host_name", "running", "connections", "discovered"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("expected %q in status body %s", key, rec.Body.String())
		}
	}
}

func TestEventsListsJournal(t *testing.T) {
	store := newTestStore(t)
	connID := "c1"
	if err := store.RecordEvent(storage.SessionEvent{EventType: storage.EventHostStarted, Details: `{"name":"host1"}`}); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if err := store.RecordEvent(storage.SessionEvent{
		EventType:    storage.EventConnectionCancelled,
		ConnectionID: &connID,
		Severity:     storage.SeverityWarning,
	}); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	srv := NewServer(staticStatus{}, store, nil)

	rec := get(t, srv.Handler(), "/events?severity=warning")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var events []eventView
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != storage.EventConnectionCancelled || events[0].ConnectionID != "c1" {
		t.Fatalf("unexpected filtered events: %+v", events)
	}

	rec = get(t, srv.Handler(), "/events")
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestEventsRejectsBadParameters(t *testing.T) {
	srv := NewServer(staticStatus{}, newTestStore(t), nil)

	for _, path := range []string{"/events?limit=-1", "/events?offset=x", "/events?since=yesterday", "/events?severity=loud"} {
		rec := get(t, srv.Handler(), path)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

func TestEventsRouteRequiresSource(t *testing.T) {
	srv := NewServer(staticStatus{}, nil, nil)
	if rec := get(t, srv.Handler(), "/events"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an event source, got %d", rec.Code)
	}
}

func TestMetricsExposesSessionCollectors(t *testing.T) {
	srv := NewServer(staticStatus{}, nil, nil)

	rec := get(t, srv.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"lansession_pool_connections", "lansession_connections_accepted_total", "lansession_discovered_peers"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}
