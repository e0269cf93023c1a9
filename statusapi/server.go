// Package statusapi serves a read-only HTTP view of a session manager.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"lansession/session"
	"lansession/storage"
)

const shutdownTimeout = 5 * time.Second

// Snapshotter reports the current session status.
type Snapshotter interface {
	Snapshot() session.Status
}

// EventSource lists journaled session events.
type EventSource interface {
	GetEvents(filter storage.SessionEventFilter) ([]storage.SessionEvent, error)
}

// Server is the status HTTP server.
type Server struct {
	status Snapshotter
	events EventSource
	logger logrus.FieldLogger
}

// NewServer creates a status server. events may be nil.
func NewServer(status Snapshotter, events EventSource, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{status: status, events: events, logger: logger}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", s.handleStatus)
	if s.events != nil {
		r.Get("/events", s.handleEvents)
	}
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.WithField("address", address).Info("statusapi: listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

type eventView struct {
	ID           int64           `json:"id"`
	EventType    string          `json:"event_type"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Endpoint     string          `json:"endpoint,omitempty"`
	Details      json.RawMessage `json:"details"`
	Severity     string          `json:"severity"`
	Timestamp    int64           `json:"timestamp"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.SessionEventFilter{
		EventType:    query.Get("type"),
		ConnectionID: query.Get("connection_id"),
		Severity:     query.Get("severity"),
	}

	var err error
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(query.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	if raw := query.Get("since"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		filter.FromTimestamp = &since
	}

	events, err := s.events.GetEvents(filter)
	if err != nil {
		s.logger.WithError(err).Warn("statusapi: query events failed")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := make([]eventView, 0, len(events))
	for _, event := range events {
		view := eventView{
			ID:        event.ID,
			EventType: event.EventType,
			Details:   json.RawMessage(event.Details),
			Severity:  event.Severity,
			Timestamp: event.Timestamp,
		}
		if event.ConnectionID != nil {
			view.ConnectionID = *event.ConnectionID
		}
		if event.Endpoint != nil {
			view.Endpoint = *event.Endpoint
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.New("invalid integer")
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}
