// Package audit reports security-relevant events of the session protocol:
// rejected tokens, failed provisioning, root key lifecycle. Events never
// carry key material.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventType identifies an audit event
type EventType string

const (
	EventTokenMismatch   EventType = "token.mismatch"
	EventTimestampFault  EventType = "token.timestamp_fault"
	EventSyncFault       EventType = "token.sync_fault"
	EventProvisioned     EventType = "session.provisioned"
	EventProvisionFailed EventType = "session.provision_failed"
	EventSessionClosed   EventType = "session.closed"
	EventUIDUnavailable  EventType = "uid.unavailable"
	EventRootKeyLoaded   EventType = "rootkey.loaded"
	EventRootKeyFreed    EventType = "rootkey.freed"
	EventCommandRejected EventType = "tee.command_rejected"
)

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	DevFileID uint32    `json:"dev_file_id,omitempty"`
	SessionID uint32    `json:"session_id,omitempty"`
	CmdType   uint32    `json:"cmd_type"`
	CmdID     uint32    `json:"cmd_id"`
	Origin    uint32    `json:"origin,omitempty"`
	Code      uint32    `json:"code,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(t EventType) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: t,
		Time: time.Now().UTC(),
	}
}

// Security reports whether the event indicates a possible attack rather
// than a lifecycle step.
func (e Event) Security() bool {
	switch e.Type {
	case EventTokenMismatch, EventTimestampFault, EventSyncFault, EventProvisionFailed, EventCommandRejected:
		return true
	default:
		return false
	}
}

// Reporter receives audit events. Report must not block on the caller's
// secure-call path for longer than a local write.
type Reporter interface {
	Report(ev Event)
}

// LogReporter writes events to the global zerolog logger.
type LogReporter struct{}

// Report implements Reporter.
func (LogReporter) Report(ev Event) {
	var e *zerolog.Event
	msg := "Audit event"
	if ev.Security() {
		e = log.Warn()
		msg = "SECURITY: " + string(ev.Type)
	} else {
		e = log.Info()
	}

	e.Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Uint32("dev_file_id", ev.DevFileID).
		Uint32("session_id", ev.SessionID).
		Uint32("cmd_type", ev.CmdType).
		Uint32("cmd_id", ev.CmdID)
	if ev.Origin != 0 {
		e.Uint32("origin", ev.Origin).Uint32("code", ev.Code)
	}
	if ev.Detail != "" {
		e.Str("detail", ev.Detail)
	}
	e.Msg(msg)
}

// Multi fans an event out to several reporters.
type Multi []Reporter

// Report implements Reporter.
func (m Multi) Report(ev Event) {
	for _, r := range m {
		r.Report(ev)
	}
}

// Discard drops every event.
type Discard struct{}

// Report implements Reporter.
func (Discard) Report(Event) {}
