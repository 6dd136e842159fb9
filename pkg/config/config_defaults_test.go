package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigSecureDefaults(t *testing.T) {
	var cfg Config
	// Zero value config should be secure: insecure skip flags must be false
	assert.False(t, cfg.Mail.SMTP.InsecureSkipVerify, "mail.smtp.insecureSkipVerify should be false by default")
	assert.False(t, cfg.Auth.Disabled, "auth.disabled should be false by default")
}

func TestDefaults(t *testing.T) {
	var cfg Config
	cfg.Defaults()

	assert.Equal(t, ":8080", cfg.Server.ListenAddress)
	assert.Equal(t, "log", cfg.Mail.Provider)
	assert.Equal(t, 3, cfg.Mail.Queue.MaxAttempts)
	assert.Equal(t, []string{"admin", "teacher", "service_role"}, cfg.Auth.AllowedRoles)
	assert.Equal(t, []string{"24h", "1h"}, cfg.Meetings.ReminderOffsets)
	assert.Equal(t, "zoom", cfg.Meetings.DefaultProvider)
	assert.Equal(t, "*/15 * * * *", cfg.Meetings.AttendanceSyncSchedule)
	assert.Equal(t, 1000, cfg.Audit.QueueSize)
	assert.False(t, cfg.Audit.Enabled)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestDefaultsKeepExplicitValues(t *testing.T) {
	cfg := Config{
		Mail: Mail{Provider: "resend", Queue: Queue{MaxAttempts: 5}},
	}
	cfg.Defaults()

	assert.Equal(t, "resend", cfg.Mail.Provider)
	assert.Equal(t, 5, cfg.Mail.Queue.MaxAttempts)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, Duration("250ms", time.Second))
	assert.Equal(t, time.Second, Duration("", time.Second))
	assert.Equal(t, time.Second, Duration("not-a-duration", time.Second))
}
