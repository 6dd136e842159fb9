package meeting

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/getsinto/sschoool-sub001/pkg/config"
	"github.com/getsinto/sschoool-sub001/pkg/metrics"
)

// Service creates meetings at the selected provider, records them and
// queues their invite and reminder mail.
type Service struct {
	providers       map[string]Provider
	defaultProvider string
	registry        *Registry
	reminders       *Reminders
	auditor         Auditor
	log             *zap.SugaredLogger
}

// Lifecycle events passed to an Auditor.
const (
	AuditCreated            = "created"
	AuditDeleted            = "deleted"
	AuditAttendanceReported = "attendance_reported"
)

// Auditor records meeting lifecycle events. It must not block.
type Auditor interface {
	MeetingChanged(event string, m Meeting)
}

func NewService(providers []Provider, defaultProvider string, registry *Registry, reminders *Reminders, log *zap.SugaredLogger) *Service {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Service{
		providers:       m,
		defaultProvider: defaultProvider,
		registry:        registry,
		reminders:       reminders,
		log:             log,
	}
}

// ProvidersFromConfig builds the adapters that have a config section.
func ProvidersFromConfig(cfg config.Meetings, log *zap.SugaredLogger) ([]Provider, error) {
	var out []Provider
	if cfg.Zoom != nil {
		z, err := NewZoomProvider(*cfg.Zoom, log.Named("zoom"))
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	if cfg.Google != nil {
		g, err := NewGoogleProvider(*cfg.Google, log.Named("google"))
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// Provider returns the adapter for name, or the default one for "".
func (s *Service) Provider(name string) (Provider, error) {
	if name == "" {
		name = s.defaultProvider
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (s *Service) Registry() *Registry { return s.registry }

// SetAuditor registers a to receive lifecycle events. Call it before the
// service is used.
func (s *Service) SetAuditor(a Auditor) { s.auditor = a }

func (s *Service) audit(event string, m Meeting) {
	if s.auditor != nil {
		s.auditor.MeetingChanged(event, m)
	}
}

// Create creates the meeting and queues its mail. Mail failures are logged
// and do not undo the meeting.
func (s *Service) Create(ctx context.Context, req MeetingRequest) (Meeting, error) {
	if err := req.Validate(); err != nil {
		return Meeting{}, err
	}
	p, err := s.Provider(req.Provider)
	if err != nil {
		return Meeting{}, err
	}
	ctx, span := startSpan(ctx, p.Name(), "create")
	m, err := p.CreateMeeting(ctx, req)
	observe(span, p.Name(), "create", err)
	if err != nil {
		return Meeting{}, err
	}
	if len(m.Attendees) == 0 {
		m.Attendees = append([]string(nil), req.Attendees...)
	}
	s.registry.Add(m)
	s.audit(AuditCreated, m)

	if s.reminders != nil {
		if _, err := s.reminders.Invite(m); err != nil {
			s.log.Warnw("Failed to queue meeting invite", "meeting", m.ID, "error", err)
		}
		ids, err := s.reminders.Schedule(m)
		if err != nil {
			s.log.Warnw("Failed to schedule meeting reminders", "meeting", m.ID, "error", err)
		}
		s.registry.SetReminders(m.ID, ids)
	}
	s.log.Infow("Meeting created", "meeting", m.ID, "provider", m.Provider, "attendees", len(m.Attendees))
	return m, nil
}

// Get returns a registered meeting.
func (s *Service) Get(id string) (Meeting, error) {
	m, ok := s.registry.Get(id)
	if !ok {
		return Meeting{}, ErrNotFound
	}
	return m, nil
}

// Delete removes the meeting at its provider and from the registry, and
// cancels reminders that are still queued. A meeting already gone at the
// provider is still removed locally.
func (s *Service) Delete(ctx context.Context, id string) error {
	m, ok := s.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	p, err := s.Provider(m.Provider)
	if err != nil {
		return err
	}
	ctx, span := startSpan(ctx, p.Name(), "delete")
	err = p.DeleteMeeting(ctx, id)
	observe(span, p.Name(), "delete", err)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if reminders, ok := s.registry.Remove(id); ok && s.reminders != nil {
		s.reminders.Cancel(id, reminders)
	}
	s.audit(AuditDeleted, m)
	s.log.Infow("Meeting deleted", "meeting", id, "provider", m.Provider)
	return nil
}

// Attendance returns the last synced attendance of a registered meeting.
func (s *Service) Attendance(id string) (Attendance, error) {
	if _, ok := s.registry.Get(id); !ok {
		return Attendance{}, ErrNotFound
	}
	a, ok := s.registry.Attendance(id)
	if !ok {
		return Attendance{}, fmt.Errorf("%w: attendance for %s not synced yet", ErrNotFound, id)
	}
	return a, nil
}

const tracerName = "github.com/getsinto/sschoool-sub001/pkg/meeting"

func startSpan(ctx context.Context, provider, operation string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "meeting."+operation, trace.WithAttributes(
		attribute.String("meeting.provider", provider),
	))
}

// observe records the outcome of a provider call and ends its span.
func observe(span trace.Span, provider, operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	metrics.MeetingRequests.WithLabelValues(provider, operation, result).Inc()
}
