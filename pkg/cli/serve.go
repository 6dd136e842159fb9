package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/getsinto/sschoool-sub001/pkg/api"
	"github.com/getsinto/sschoool-sub001/pkg/audit"
	"github.com/getsinto/sschoool-sub001/pkg/config"
	"github.com/getsinto/sschoool-sub001/pkg/cron"
	"github.com/getsinto/sschoool-sub001/pkg/ingest"
	"github.com/getsinto/sschoool-sub001/pkg/mail"
	"github.com/getsinto/sschoool-sub001/pkg/meeting"
	"github.com/getsinto/sschoool-sub001/pkg/ratelimit"
	"github.com/getsinto/sschoool-sub001/pkg/system"
	"github.com/getsinto/sschoool-sub001/pkg/telemetry"
)

func NewServeCommand(o *Options) *cobra.Command {
	var shutdownTimeout string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mail queue, HTTP API, Kafka consumer and attendance sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			logger, err := system.NewLogger(o.Debug)
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			timeout, err := parseDuration("shutdown-timeout", shutdownTimeout, cfg.Server.GetShutdownTimeout())
			if err != nil {
				logger.Sugar().Warn(err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return Serve(ctx, cfg, logger, o.Debug, timeout)
		},
	}
	cmd.Flags().StringVar(&shutdownTimeout, "shutdown-timeout", getEnvString("NOTIFIER_SHUTDOWN_TIMEOUT", ""),
		"How long to wait for in-flight requests and sends on shutdown (e.g. '30s'); overrides server.shutdownTimeout")
	return cmd
}

// Serve wires every component from cfg and blocks until ctx is cancelled or
// one of the long-running components fails.
func Serve(ctx context.Context, cfg config.Config, logger *zap.Logger, debug bool, shutdownTimeout time.Duration) error {
	log := logger.Sugar()
	Print(cfg, log)

	_, shutdownTracing, err := telemetry.Init(ctx, telemetry.OptionsFromConfig(cfg.Telemetry, log.Named("telemetry")))
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warnw("Failed to flush traces", "error", err)
		}
	}()

	mailSvc, err := mail.NewService(cfg, log)
	if err != nil {
		return fmt.Errorf("creating mail service: %w", err)
	}

	providers, err := meeting.ProvidersFromConfig(cfg.Meetings, log)
	if err != nil {
		return fmt.Errorf("creating meeting providers: %w", err)
	}
	offsets, err := meeting.ParseOffsets(cfg.Meetings.ReminderOffsets)
	if err != nil {
		return fmt.Errorf("meetings.reminderOffsets: %w", err)
	}
	meetingSvc := meeting.NewService(providers, cfg.Meetings.DefaultProvider, meeting.NewRegistry(),
		meeting.NewReminders(mailSvc, offsets, log), log.Named("meetings"))

	recorder, err := audit.FromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating audit recorder: %w", err)
	}
	if recorder != nil {
		mailSvc.SetObserver(recorder)
		meetingSvc.SetAuditor(recorder)
	}

	runner := cron.New(log)
	if len(providers) > 0 {
		syncer := meeting.NewSyncer(meetingSvc, mailSvc, log)
		if err := runner.Add("attendance-sync", cfg.Meetings.AttendanceSyncSchedule, syncer.Run); err != nil {
			return err
		}
	}

	auth, err := api.NewAuth(log, cfg.Auth)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(ratelimit.FromConfig(cfg.RateLimit))
	defer limiter.Stop()

	server := api.NewServer(logger, cfg, debug, auth, limiter)
	if err := server.RegisterAll([]api.APIController{
		api.NewEmailController(mailSvc, log, server.Handlers()...),
		api.NewMeetingController(meetingSvc, log, server.Handlers()...),
	}); err != nil {
		return err
	}

	consumer, err := newConsumer(cfg, mailSvc, log)
	if err != nil {
		return err
	}
	if consumer != nil {
		defer func() { _ = consumer.Close() }()
	}

	if mailSvc.IsEnabled() {
		if err := mailSvc.Start(ctx); err != nil {
			return err
		}
	}
	runner.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Listen(gctx, shutdownTimeout)
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	runErr := g.Wait()
	if runErr != nil {
		log.Errorw("Notifier component failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := runner.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stopping cron: %w", err))
	}
	if err := mailSvc.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stopping mail service: %w", err))
	}
	if recorder != nil {
		if err := recorder.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("closing audit recorder: %w", err))
		}
	}
	log.Info("Notifier stopped")
	return errors.Join(append([]error{runErr}, errs...)...)
}

// newConsumer returns nil when there is nothing to consume or nowhere to
// deliver: with mail disabled every message would end up dead-lettered.
func newConsumer(cfg config.Config, mailSvc *mail.Service, log *zap.SugaredLogger) (*ingest.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	if !mailSvc.IsEnabled() {
		log.Warnw("Mail disabled, not consuming Kafka topic", "topic", cfg.Kafka.Topic)
		return nil, nil
	}
	consumer, err := ingest.NewConsumer(cfg.Kafka, mailSvc, log)
	if err != nil {
		return nil, fmt.Errorf("creating kafka consumer: %w", err)
	}
	return consumer, nil
}
