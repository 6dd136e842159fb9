package meeting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/getsinto/sschoool-sub001/pkg/mail"
	"github.com/getsinto/sschoool-sub001/pkg/metrics"
)

// DefaultSyncGrace is how long after a meeting's planned end the Syncer waits
// before asking for attendance; providers publish reports with a delay.
const DefaultSyncGrace = 10 * time.Minute

// Syncer pulls attendance for ended meetings and mails a report to the host.
type Syncer struct {
	service  *Service
	producer mail.Producer
	grace    time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewSyncer(service *Service, producer mail.Producer, log *zap.SugaredLogger) *Syncer {
	return &Syncer{
		service:  service,
		producer: producer,
		grace:    DefaultSyncGrace,
		log:      log,
		now:      time.Now,
	}
}

// Run syncs every pending meeting once. Failures of one meeting do not stop
// the others; they are joined into the returned error and retried on the
// next run.
func (s *Syncer) Run(ctx context.Context) error {
	pending := s.service.registry.PendingReports(s.now().Add(-s.grace))
	if len(pending) == 0 {
		return nil
	}
	s.log.Infow("Syncing meeting attendance", "meetings", len(pending))

	var errs []error
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.syncOne(ctx, m); err != nil {
			s.log.Warnw("Attendance sync failed", "meeting", m.ID, "provider", m.Provider, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) syncOne(ctx context.Context, m Meeting) error {
	p, err := s.service.Provider(m.Provider)
	if err != nil {
		return err
	}
	spanCtx, span := startSpan(ctx, p.Name(), "attendance")
	sessions, err := p.ListAttendance(spanCtx, m.ID)
	observe(span, p.Name(), "attendance", err)
	if err != nil {
		return fmt.Errorf("meeting %s: %w", m.ID, err)
	}

	att := Attendance{
		MeetingID:    m.ID,
		Provider:     m.Provider,
		Participants: Merge(sessions),
		SyncedAt:     s.now(),
	}
	s.service.registry.SetAttendance(m.ID, att)
	metrics.AttendanceSynced.WithLabelValues(m.Provider).Inc()

	if m.HostEmail != "" {
		data := mailData(m)
		data["Attendees"] = reportRows(att.Participants)
		_, err := s.producer.Enqueue(mail.SendRequest{
			To:       m.HostEmail,
			Subject:  "Attendance report: " + m.Topic,
			Template: mail.TemplateAttendanceReport,
			Data:     data,
		}, mail.DefaultPriority)
		switch {
		case errors.Is(err, mail.ErrMailDisabled):
			s.log.Debugw("Mail disabled, attendance report not sent", "meeting", m.ID)
		case err != nil:
			return fmt.Errorf("queue attendance report for meeting %s: %w", m.ID, err)
		}
	}
	s.service.registry.MarkReported(m.ID)
	s.service.audit(AuditAttendanceReported, m)
	s.log.Infow("Attendance synced", "meeting", m.ID, "participants", len(att.Participants))
	return nil
}

func reportRows(ps []Participant) []map[string]any {
	rows := make([]map[string]any, 0, len(ps))
	for _, p := range ps {
		rows = append(rows, map[string]any{
			"Name":    p.Name,
			"Email":   p.Email,
			"Minutes": int(math.Round(p.Duration.Minutes())),
		})
	}
	return rows
}
