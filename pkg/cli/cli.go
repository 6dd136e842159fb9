package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/getsinto/sschoool-sub001/pkg/config"
)

// Options are the flags shared by every command.
type Options struct {
	// ConfigPath is the notifier YAML file; empty defers to config.Load.
	ConfigPath string
	Debug      bool
	Out        io.Writer
}

func DefaultOptions() Options {
	return Options{
		ConfigPath: getEnvString(config.EnvConfigPath, ""),
		Debug:      getEnvBool("NOTIFIER_DEBUG", false),
		Out:        os.Stdout,
	}
}

// NewRootCommand builds the notifier command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	o := &opts

	root := &cobra.Command{
		Use:           "notifier",
		Short:         "sschool mail and meeting notifier",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(o.Out)

	root.PersistentFlags().StringVar(&o.ConfigPath, "config", o.ConfigPath, "Path to the notifier configuration file")
	root.PersistentFlags().BoolVar(&o.Debug, "debug", o.Debug, "Enable debug level logging")

	root.AddCommand(
		NewServeCommand(o),
		NewSendCommand(o),
		NewRenderCommand(o),
		NewVersionCommand(),
	)
	return root
}

func (o *Options) loadConfig() (config.Config, error) {
	return config.Load(o.ConfigPath)
}

// Print logs the effective settings without secrets.
func Print(cfg config.Config, log *zap.SugaredLogger) {
	log.Infow("Notifier configuration",
		"listen_address", cfg.Server.ListenAddress,
		"tls", cfg.Server.TLSCertFile != "",
		"auth_disabled", cfg.Auth.Disabled,
		"allowed_roles", cfg.Auth.AllowedRoles,
		"rate_limit_rps", cfg.RateLimit.RequestsPerSecond,
		"mail_disabled", cfg.Mail.Disabled,
		"mail_provider", cfg.Mail.Provider,
		"mail_max_attempts", cfg.Mail.Queue.MaxAttempts,
		"kafka_enabled", cfg.Kafka.Enabled,
		"kafka_topic", cfg.Kafka.Topic,
		"meetings_default_provider", cfg.Meetings.DefaultProvider,
		"zoom", cfg.Meetings.Zoom != nil,
		"google", cfg.Meetings.Google != nil,
		"attendance_sync_schedule", cfg.Meetings.AttendanceSyncSchedule,
		"audit_enabled", cfg.Audit.Enabled,
		"audit_kafka_topic", cfg.Audit.KafkaTopic,
		"tracing_enabled", cfg.Telemetry.Enabled,
	)
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	duration := def
	if value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			duration = d
		} else {
			return duration, fmt.Errorf("invalid %s %q; using default %s: %w", name, value, def.String(), err)
		}
	}

	return duration, nil
}

// getEnvString returns the value of an environment variable, or the provided default if not set.
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvBool returns the value of an environment variable as a bool, or the provided default if not set.
// Valid true values are "true", "1", "yes" (case-insensitive).
func getEnvBool(key string, defaultVal bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return defaultVal
}
