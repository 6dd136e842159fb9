/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/getsinto/sschoool-sub001/pkg/mail"
	"github.com/getsinto/sschoool-sub001/pkg/meeting"
)

// EventType identifies what happened.
type EventType string

const (
	// === Mail job events ===
	EventMailQueued         EventType = "mail.queued"
	EventMailRetryScheduled EventType = "mail.retry_scheduled"
	EventMailSent           EventType = "mail.sent"
	EventMailFailed         EventType = "mail.failed"

	// === Meeting events ===
	EventMeetingCreated            EventType = "meeting.created"
	EventMeetingDeleted            EventType = "meeting.deleted"
	EventMeetingAttendanceReported EventType = "meeting.attendance_reported"
)

// Severity of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// SeverityForEventType returns the severity an event type is recorded with.
func SeverityForEventType(t EventType) Severity {
	switch t {
	case EventMailFailed, EventMailRetryScheduled:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Target is the object an event is about.
type Target struct {
	// Kind is "mail" or "meeting".
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Target    Target         `json:"target"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(t EventType, target Target, details map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  SeverityForEventType(t),
		Timestamp: time.Now().UTC(),
		Target:    target,
		Details:   details,
	}
}

// MailEvent converts a job snapshot into an event. Jobs that are only being
// processed produce no event and nil is returned.
func MailEvent(job mail.Job) *Event {
	var t EventType
	switch job.Status {
	case mail.StatusPending:
		t = EventMailQueued
		if job.Attempts > 0 {
			t = EventMailRetryScheduled
		}
	case mail.StatusSent:
		t = EventMailSent
	case mail.StatusFailed:
		t = EventMailFailed
	default:
		return nil
	}

	details := map[string]any{
		"kind":     string(job.Kind),
		"priority": job.Priority,
		"attempts": job.Attempts,
	}
	switch {
	case job.Payload.Single != nil:
		details["template"] = string(job.Payload.Single.Template)
		details["to"] = job.Payload.Single.To
		details["recipients"] = 1
	case job.Payload.Bulk != nil:
		details["template"] = string(job.Payload.Bulk.Template)
		details["recipients"] = len(job.Payload.Bulk.Recipients)
	}
	if job.Payload.ScheduledAt != nil {
		details["scheduledAt"] = job.Payload.ScheduledAt.UTC()
	}
	if t == EventMailRetryScheduled {
		details["nextAttemptAt"] = job.NextAttemptAt.UTC()
	}
	if job.Error != "" {
		details["error"] = job.Error
	}
	if job.MessageID != "" {
		details["messageId"] = job.MessageID
	}
	if job.Bulk != nil {
		details["sent"] = job.Bulk.Sent
		details["failed"] = job.Bulk.Failed
	}
	return NewEvent(t, Target{Kind: "mail", ID: job.ID}, details)
}

// MeetingEvent converts a meeting lifecycle notification into an event.
// Unknown lifecycle names produce nil.
func MeetingEvent(event string, m meeting.Meeting) *Event {
	var t EventType
	switch event {
	case meeting.AuditCreated:
		t = EventMeetingCreated
	case meeting.AuditDeleted:
		t = EventMeetingDeleted
	case meeting.AuditAttendanceReported:
		t = EventMeetingAttendanceReported
	default:
		return nil
	}
	details := map[string]any{
		"provider":  m.Provider,
		"topic":     m.Topic,
		"startTime": m.StartTime.UTC(),
		"duration":  m.Duration,
		"attendees": len(m.Attendees),
	}
	if m.HostEmail != "" {
		details["host"] = m.HostEmail
	}
	return NewEvent(t, Target{Kind: "meeting", ID: m.ID}, details)
}
