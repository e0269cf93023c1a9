package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	// SeverityInfo marks routine lifecycle events.
	SeverityInfo = "info"
	// SeverityWarning marks per-connection failures and rejected operations.
	SeverityWarning = "warning"
	// SeverityCritical marks failures that stopped a session.
	SeverityCritical = "critical"
)

// Event types recorded by the session layer.
const (
	EventHostStarted          = "host_started"
	EventHostStopped          = "host_stopped"
	EventHostStartFailed      = "host_start_failed"
	EventConnectionAccepted   = "connection_accepted"
	EventConnectionRejected   = "connection_rejected"
	EventConnectionCancelled  = "connection_cancelled"
	EventRemoteStateChanged   = "remote_state_changed"
	EventRoleConflict         = "role_conflict"
	EventRegistrationChanged  = "registration_changed"
	EventDiscoveryStartFailed = "discovery_start_failed"
)

// SessionEvent is one journaled session lifecycle event.
type SessionEvent struct {
	ID           int64
	EventType    string
	ConnectionID *string
	Endpoint     *string
	Details      string
	Severity     string
	Timestamp    int64
}

// SessionEventFilter narrows GetEvents query results.
type SessionEventFilter struct {
	EventType     string
	ConnectionID  string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSeverity(severity string) error {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid session event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
