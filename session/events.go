package session

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"lansession/storage"
)

// EventRecorder journals session lifecycle events.
type EventRecorder interface {
	RecordEvent(event storage.SessionEvent) error
}

type eventFields map[string]any

func recordEvent(recorder EventRecorder, logger logrus.FieldLogger, eventType, severity, connectionID, endpoint string, details eventFields) {
	if recorder == nil {
		return
	}

	event := storage.SessionEvent{
		EventType: eventType,
		Severity:  severity,
	}
	if connectionID != "" {
		event.ConnectionID = &connectionID
	}
	if endpoint != "" {
		event.Endpoint = &endpoint
	}
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err == nil {
			event.Details = string(raw)
		}
	}

	if err := recorder.RecordEvent(event); err != nil {
		logger.WithError(err).WithField("event_type", eventType).Warn("session: record event failed")
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
