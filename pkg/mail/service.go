package mail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/getsinto/sschoool-sub001/pkg/config"
)

// ErrMailDisabled is returned by Service operations when mail is turned off.
var ErrMailDisabled = errors.New("mail notifications are disabled")

// Producer is the surface application code uses to queue mail.
type Producer interface {
	Enqueue(req SendRequest, priority int) (string, error)
	EnqueueBulk(recipients []string, subject string, tmpl TemplateKind, data map[string]any, priority int) (string, error)
	ScheduleEmail(req SendRequest, at time.Time) (string, error)
}

// Service owns the mail queue and its sender for the lifetime of the process.
type Service struct {
	logger   *zap.SugaredLogger
	renderer *Renderer
	sender   Sender

	mu    sync.RWMutex
	queue *Queue
}

// NewService builds the transport selected by cfg.Mail.Provider, the
// dispatcher and the queue. The queue is not started.
func NewService(cfg config.Config, logger *zap.SugaredLogger) (*Service, error) {
	logger = logger.Named("mail-service")
	renderer := NewRenderer(cfg.Frontend.BrandingName, cfg.Frontend.BaseURL)
	s := &Service{logger: logger, renderer: renderer}

	if cfg.Mail.Disabled {
		logger.Warn("Mail notifications disabled by configuration")
		return s, nil
	}

	transport, err := NewTransport(cfg.Mail, logger)
	if err != nil {
		return nil, err
	}
	s.sender = NewDispatcher(transport, renderer, cfg.Mail.SenderAddress, cfg.Mail.SenderName, BulkOptionsFromConfig(cfg.Mail.Bulk), logger)
	s.queue = NewQueue(s.sender, logger.Named("queue"), OptionsFromConfig(cfg.Mail.Queue))
	return s, nil
}

// NewServiceWithSender wraps an existing sender, mainly for tests and tools.
func NewServiceWithSender(sender Sender, opts Options, logger *zap.SugaredLogger) *Service {
	return &Service{
		logger: logger.Named("mail-service"),
		sender: sender,
		queue:  NewQueue(sender, logger.Named("queue"), opts),
	}
}

// NewTransport returns the transport named by cfg.Provider.
func NewTransport(cfg config.Mail, logger *zap.SugaredLogger) (Transport, error) {
	switch cfg.Provider {
	case "smtp":
		if cfg.SMTP.Host == "" {
			return nil, fmt.Errorf("mail provider smtp requires mail.smtp.host")
		}
		return NewSMTPTransport(cfg.SMTP, logger.Named("smtp")), nil
	case "resend":
		if cfg.Resend.APIKey == "" {
			return nil, fmt.Errorf("mail provider resend requires mail.resend.apiKey")
		}
		return NewResendTransport(cfg.Resend, logger.Named("resend")), nil
	case "log", "":
		return NewLogTransport(logger.Named("log-transport")), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
	}
}

// OptionsFromConfig converts the queue section of the config.
func OptionsFromConfig(cfg config.Queue) Options {
	d := DefaultOptions()
	return Options{
		MaxAttempts:     cfg.MaxAttempts,
		BackoffBase:     config.Duration(cfg.BackoffBase, d.BackoffBase),
		MaxBackoff:      config.Duration(cfg.MaxBackoff, d.MaxBackoff),
		Pacing:          config.Duration(cfg.Pacing, d.Pacing),
		SendTimeout:     config.Duration(cfg.SendTimeout, d.SendTimeout),
		BulkSendTimeout: config.Duration(cfg.BulkSendTimeout, d.BulkSendTimeout),
		MaxQueueSize:    cfg.MaxQueueSize,
		SentRetention:   config.Duration(cfg.SentRetention, d.SentRetention),
	}
}

// BulkOptionsFromConfig converts the bulk section of the config.
func BulkOptionsFromConfig(cfg config.Bulk) BulkOptions {
	d := DefaultBulkOptions()
	return BulkOptions{
		BatchSize:   cfg.BatchSize,
		BatchDelay:  config.Duration(cfg.BatchDelay, d.BatchDelay),
		Concurrency: cfg.Concurrency,
	}
}

// Start begins dispatching.
func (s *Service) Start(_ context.Context) error {
	q := s.Queue()
	if q == nil {
		return ErrMailDisabled
	}
	q.Start()
	s.logger.Infow("Mail queue initialized and started", "sender", s.sender.Name())
	return nil
}

// Stop gracefully shuts down the mail service.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue != nil {
		s.logger.Info("Stopping mail service")
		err := s.queue.Stop(ctx)
		s.queue = nil
		return err
	}
	return nil
}

// IsEnabled returns whether the mail service has an active queue.
func (s *Service) IsEnabled() bool {
	return s.Queue() != nil
}

// Queue returns the underlying queue, nil when mail is disabled or stopped.
func (s *Service) Queue() *Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue
}

// Sender returns the sender behind the queue.
func (s *Service) Sender() Sender {
	return s.sender
}

// Renderer returns the template renderer used by the service.
func (s *Service) Renderer() *Renderer {
	return s.renderer
}

func (s *Service) active(op string, keysAndValues ...any) (*Queue, error) {
	q := s.Queue()
	if q == nil {
		s.logger.Warnw("Mail queue not initialized, dropping email", append([]any{"operation", op}, keysAndValues...)...)
		return nil, ErrMailDisabled
	}
	return q, nil
}

func (s *Service) Enqueue(req SendRequest, priority int) (string, error) {
	q, err := s.active("enqueue", "template", req.Template)
	if err != nil {
		return "", err
	}
	return q.Enqueue(req, priority)
}

func (s *Service) EnqueueBulk(recipients []string, subject string, tmpl TemplateKind, data map[string]any, priority int) (string, error) {
	q, err := s.active("enqueueBulk", "template", tmpl, "recipients", len(recipients))
	if err != nil {
		return "", err
	}
	return q.EnqueueBulk(recipients, subject, tmpl, data, priority)
}

func (s *Service) ScheduleEmail(req SendRequest, at time.Time) (string, error) {
	q, err := s.active("scheduleEmail", "template", req.Template, "scheduledAt", at)
	if err != nil {
		return "", err
	}
	return q.ScheduleEmail(req, at)
}

// Status reports queue counts, zero when mail is disabled.
func (s *Service) Status() QueueStatus {
	if q := s.Queue(); q != nil {
		return q.Status()
	}
	return QueueStatus{}
}

func (s *Service) GetJob(id string) (Job, bool) {
	if q := s.Queue(); q != nil {
		return q.GetJob(id)
	}
	return Job{}, false
}

func (s *Service) ClearFailedJobs() int {
	if q := s.Queue(); q != nil {
		return q.ClearFailedJobs()
	}
	return 0
}

// Cancel withdraws a job that is still waiting. It reports false when mail
// is disabled.
func (s *Service) Cancel(id string) bool {
	if q := s.Queue(); q != nil {
		return q.Cancel(id)
	}
	return false
}

// SetObserver forwards job state changes to o. It has no effect when mail
// is disabled.
func (s *Service) SetObserver(o Observer) {
	if q := s.Queue(); q != nil {
		q.SetObserver(o)
	}
}
