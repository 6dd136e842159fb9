package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/getsinto/sschoool-sub001/pkg/mail"
)

// ErrMalformed marks messages that can never be accepted. They are committed
// and dead-lettered rather than redelivered.
var ErrMalformed = errors.New("malformed mail request")

// Message types.
const (
	TypeSingle    = "single"
	TypeBulk      = "bulk"
	TypeScheduled = "scheduled"
)

// Message is the JSON value of a mail request record.
type Message struct {
	Type     string `json:"type"`
	Priority *int   `json:"priority,omitempty"`

	// Request is used by single and scheduled messages.
	Request *mail.SendRequest `json:"request,omitempty"`

	// Bulk fields.
	Recipients []string          `json:"recipients,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Template   mail.TemplateKind `json:"template,omitempty"`
	Data       map[string]any    `json:"data,omitempty"`

	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

// Decode parses and validates a record value.
func Decode(value []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(value, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeSingle, TypeScheduled:
		if m.Request == nil {
			return fmt.Errorf("%w: %s message without request", ErrMalformed, m.Type)
		}
		if m.Request.To == "" {
			return fmt.Errorf("%w: request.to is required", ErrMalformed)
		}
		if !m.Request.Template.Valid() {
			return fmt.Errorf("%w: unknown template %q", ErrMalformed, m.Request.Template)
		}
		if m.Type == TypeScheduled && m.ScheduledAt == nil {
			return fmt.Errorf("%w: scheduled message without scheduledAt", ErrMalformed)
		}
	case TypeBulk:
		if len(m.Recipients) == 0 {
			return fmt.Errorf("%w: bulk message without recipients", ErrMalformed)
		}
		if !m.Template.Valid() {
			return fmt.Errorf("%w: unknown template %q", ErrMalformed, m.Template)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return nil
}

// Apply queues the message and returns the job id.
func (m Message) Apply(p mail.Producer) (string, error) {
	switch m.Type {
	case TypeSingle:
		return p.Enqueue(*m.Request, m.priority(mail.DefaultPriority))
	case TypeScheduled:
		return p.ScheduleEmail(*m.Request, *m.ScheduledAt)
	case TypeBulk:
		return p.EnqueueBulk(m.Recipients, m.Subject, m.Template, m.Data, m.priority(mail.BulkPriority))
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
}

func (m Message) priority(def int) int {
	if m.Priority == nil {
		return def
	}
	return *m.Priority
}
