package meeting

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/getsinto/sschoool-sub001/pkg/mail"
)

// ParseOffsets parses reminder offsets such as "24h" or "15m".
func ParseOffsets(values []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(values))
	for _, v := range values {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid reminder offset %q: %w", v, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("reminder offset %q must be positive", v)
		}
		out = append(out, d)
	}
	return out, nil
}

// Canceller is implemented by producers that can drop queued mail before it
// is sent.
type Canceller interface {
	Cancel(id string) bool
}

// Reminders queues invite and reminder mail for meetings.
type Reminders struct {
	producer mail.Producer
	offsets  []time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewReminders(producer mail.Producer, offsets []time.Duration, log *zap.SugaredLogger) *Reminders {
	return &Reminders{producer: producer, offsets: offsets, log: log, now: time.Now}
}

// Invite sends the meeting_invite mail to every attendee as one bulk job.
func (r *Reminders) Invite(m Meeting) (string, error) {
	if len(m.Attendees) == 0 {
		return "", nil
	}
	id, err := r.producer.EnqueueBulk(m.Attendees, "Invitation: "+m.Topic, mail.TemplateMeetingInvite, mailData(m), mail.DefaultPriority)
	if err != nil {
		return "", fmt.Errorf("queue invite for meeting %s: %w", m.ID, err)
	}
	return id, nil
}

// Schedule queues one class_reminder per attendee and offset. Offsets whose
// send time has already passed are skipped.
func (r *Reminders) Schedule(m Meeting) ([]string, error) {
	now := r.now()
	var ids []string
	for _, offset := range r.offsets {
		at := m.StartTime.Add(-offset)
		if !at.After(now) {
			r.log.Debugw("Skipping reminder in the past", "meeting", m.ID, "offset", offset.String())
			continue
		}
		data := mailData(m)
		data["StartsIn"] = "in " + humanize(offset)
		for _, to := range m.Attendees {
			id, err := r.producer.ScheduleEmail(mail.SendRequest{
				To:       to,
				Subject:  fmt.Sprintf("Reminder: %s starts in %s", m.Topic, humanize(offset)),
				Template: mail.TemplateClassReminder,
				Data:     data,
			}, at)
			if err != nil {
				return ids, fmt.Errorf("schedule reminder for meeting %s: %w", m.ID, err)
			}
			ids = append(ids, id)
		}
	}
	r.log.Infow("Scheduled meeting reminders", "meeting", m.ID, "count", len(ids))
	return ids, nil
}

// Cancel drops reminders that have not gone out yet and returns how many
// were dropped. It is a no-op when the producer cannot cancel.
func (r *Reminders) Cancel(meetingID string, jobIDs []string) int {
	c, ok := r.producer.(Canceller)
	if !ok || len(jobIDs) == 0 {
		return 0
	}
	n := 0
	for _, id := range jobIDs {
		if c.Cancel(id) {
			n++
		}
	}
	r.log.Infow("Cancelled meeting reminders", "meeting", meetingID, "cancelled", n, "scheduled", len(jobIDs))
	return n
}

func mailData(m Meeting) map[string]any {
	return map[string]any{
		"Topic":     m.Topic,
		"Agenda":    m.Agenda,
		"StartTime": formatStart(m),
		"Duration":  m.Duration,
		"JoinURL":   m.JoinURL,
		"Provider":  m.Provider,
	}
}

func formatStart(m Meeting) string {
	t := m.StartTime
	if m.Timezone != "" {
		if loc, err := time.LoadLocation(m.Timezone); err == nil {
			t = t.In(loc)
		}
	}
	return t.Format("Mon, 02 Jan 2006 15:04 MST")
}

// humanize renders whole hours as "24 hours" and anything else as minutes.
func humanize(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "1 hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d == time.Minute:
		return "1 minute"
	default:
		return fmt.Sprintf("%d minutes", d/time.Minute)
	}
}
