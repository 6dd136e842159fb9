package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Environment variables that override values from the config file.
const (
	EnvConfigPath     = "NOTIFIER_CONFIG_PATH"
	EnvSMTPPassword   = "NOTIFIER_SMTP_PASSWORD"
	EnvResendAPIKey   = "NOTIFIER_RESEND_API_KEY"
	EnvJWTSecret      = "NOTIFIER_JWT_SECRET"
	EnvZoomSecret     = "NOTIFIER_ZOOM_CLIENT_SECRET"
	EnvGoogleSecret   = "NOTIFIER_GOOGLE_CLIENT_SECRET"
	EnvGoogleRefresh  = "NOTIFIER_GOOGLE_REFRESH_TOKEN"
	EnvKafkaPassword  = "NOTIFIER_KAFKA_PASSWORD"
	defaultConfigPath = "./config.yaml"
)

type Server struct {
	ListenAddress   string          `yaml:"listenAddress"`
	TLSCertFile     string          `yaml:"tlsCertFile"`
	TLSKeyFile      string          `yaml:"tlsKeyFile"`
	TrustedProxies  []string        `yaml:"trustedProxies"` // IPs/CIDRS to trust for X-Forwarded-For headers
	Timeouts        *ServerTimeouts `yaml:"timeouts"`
	ShutdownTimeout string          `yaml:"shutdownTimeout"`
}

type Frontend struct {
	BaseURL string `yaml:"baseURL"`
	// BrandingName is the product name shown in mail headers and sender names.
	BrandingName string `yaml:"brandingName"`
}

// Auth configures bearer token validation for producers calling the API.
type Auth struct {
	// Disabled turns authentication off. Only meant for local development.
	Disabled bool `yaml:"disabled"`
	// JWTSecret is the HS256 secret tokens are signed with (e.g. the
	// Supabase project JWT secret).
	JWTSecret string `yaml:"jwtSecret"`
	// Audience, when set, must match the token's aud claim.
	Audience string `yaml:"audience"`
	// AllowedRoles lists values of the role claim that may enqueue mail.
	AllowedRoles []string `yaml:"allowedRoles"`
}

type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

type SMTP struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

type Resend struct {
	APIKey            string  `yaml:"apiKey"`
	BaseURL           string  `yaml:"baseURL"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Timeout           string  `yaml:"timeout"`
}

// Queue holds the mail queue tuning. Durations are strings such as "100ms".
type Queue struct {
	MaxAttempts     int    `yaml:"maxAttempts"`
	BackoffBase     string `yaml:"backoffBase"`
	MaxBackoff      string `yaml:"maxBackoff"`
	Pacing          string `yaml:"pacing"`
	SendTimeout     string `yaml:"sendTimeout"`
	BulkSendTimeout string `yaml:"bulkSendTimeout"`
	MaxQueueSize    int    `yaml:"maxQueueSize"`
	SentRetention   string `yaml:"sentRetention"`
}

type Bulk struct {
	BatchSize   int    `yaml:"batchSize"`
	BatchDelay  string `yaml:"batchDelay"`
	Concurrency int    `yaml:"concurrency"`
}

type Mail struct {
	Disabled bool `yaml:"disabled"`
	// Provider selects the transport: smtp, resend or log.
	Provider      string `yaml:"provider"`
	SenderAddress string `yaml:"senderAddress"`
	SenderName    string `yaml:"senderName"`
	SMTP          SMTP   `yaml:"smtp"`
	Resend        Resend `yaml:"resend"`
	Queue         Queue  `yaml:"queue"`
	Bulk          Bulk   `yaml:"bulk"`
}

// Kafka configures the consumer that accepts mail requests from other services.
type Kafka struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupID"`
	// DeadLetterTopic receives messages that could not be decoded or were
	// rejected by the queue. Empty disables dead-lettering.
	DeadLetterTopic string     `yaml:"deadLetterTopic"`
	TLS             *KafkaTLS  `yaml:"tls"`
	SASL            *KafkaSASL `yaml:"sasl"`
}

type KafkaTLS struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"caFile"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

type KafkaSASL struct {
	// Mechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type Zoom struct {
	AccountID    string `yaml:"accountID"`
	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret"`
	BaseURL      string `yaml:"baseURL"`
	TokenURL     string `yaml:"tokenURL"`
}

type Google struct {
	ClientID        string `yaml:"clientID"`
	ClientSecret    string `yaml:"clientSecret"`
	RefreshToken    string `yaml:"refreshToken"`
	CalendarID      string `yaml:"calendarID"`
	CalendarBaseURL string `yaml:"calendarBaseURL"`
	MeetBaseURL     string `yaml:"meetBaseURL"`
	TokenURL        string `yaml:"tokenURL"`
}

type Meetings struct {
	// DefaultProvider is used when a request does not name one: zoom or google.
	DefaultProvider string  `yaml:"defaultProvider"`
	Zoom            *Zoom   `yaml:"zoom"`
	Google          *Google `yaml:"google"`
	// ReminderOffsets are durations before the start time at which reminder
	// mails are scheduled (e.g. ["24h", "1h"]).
	ReminderOffsets []string `yaml:"reminderOffsets"`
	// AttendanceSyncSchedule is a cron expression.
	AttendanceSyncSchedule string `yaml:"attendanceSyncSchedule"`
}

// Audit controls the delivery audit trail. Events go to the log and, when
// KafkaTopic is set, to Kafka using the brokers and credentials of the
// ingest section.
type Audit struct {
	Enabled    bool   `yaml:"enabled"`
	Log        bool   `yaml:"log"`
	KafkaTopic string `yaml:"kafkaTopic"`
	// QueueSize bounds buffered events per sink; excess events are dropped.
	QueueSize int `yaml:"queueSize"`
}

// Telemetry configures OpenTelemetry tracing.
type Telemetry struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
	// Exporter is otlp, stdout or none.
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"samplingRate"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	Frontend  Frontend  `yaml:"frontend"`
	Auth      Auth      `yaml:"auth"`
	RateLimit RateLimit `yaml:"rateLimit"`
	Mail      Mail      `yaml:"mail"`
	Kafka     Kafka     `yaml:"kafka"`
	Meetings  Meetings  `yaml:"meetings"`
	Audit     Audit     `yaml:"audit"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Load loads the notifier configuration from a file path.
// If configPath is empty, NOTIFIER_CONFIG_PATH is consulted and then
// "./config.yaml" is used. Secrets set in the environment override the file.
func Load(configPath ...string) (Config, error) {
	var path string

	switch {
	case len(configPath) > 0 && configPath[0] != "":
		path = configPath[0]
	case os.Getenv(EnvConfigPath) != "":
		path = os.Getenv(EnvConfigPath)
	default:
		path = defaultConfigPath
	}

	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("trying to open notifier config file %s: %w", path, err)
	}

	err = yaml.Unmarshal(content, &config)
	if err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}
	config.applyEnv()
	config.Defaults()
	return config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSMTPPassword); v != "" {
		c.Mail.SMTP.Password = v
	}
	if v := os.Getenv(EnvResendAPIKey); v != "" {
		c.Mail.Resend.APIKey = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvKafkaPassword); v != "" && c.Kafka.SASL != nil {
		c.Kafka.SASL.Password = v
	}
	if v := os.Getenv(EnvZoomSecret); v != "" && c.Meetings.Zoom != nil {
		c.Meetings.Zoom.ClientSecret = v
	}
	if c.Meetings.Google != nil {
		if v := os.Getenv(EnvGoogleSecret); v != "" {
			c.Meetings.Google.ClientSecret = v
		}
		if v := os.Getenv(EnvGoogleRefresh); v != "" {
			c.Meetings.Google.RefreshToken = v
		}
	}
}

// Defaults fills unset values.
func (c *Config) Defaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Frontend.BrandingName == "" {
		c.Frontend.BrandingName = "sschool"
	}
	if len(c.Auth.AllowedRoles) == 0 {
		c.Auth.AllowedRoles = []string{"admin", "teacher", "service_role"}
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 50
	}
	if c.Mail.Provider == "" {
		c.Mail.Provider = "log"
	}
	if c.Mail.SMTP.Port == 0 {
		c.Mail.SMTP.Port = 587
	}
	if c.Mail.Queue.MaxAttempts <= 0 {
		c.Mail.Queue.MaxAttempts = 3
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "sschool-notifier"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "sschool.mail.requests"
	}
	if c.Meetings.DefaultProvider == "" {
		c.Meetings.DefaultProvider = "zoom"
	}
	if len(c.Meetings.ReminderOffsets) == 0 {
		c.Meetings.ReminderOffsets = []string{"24h", "1h"}
	}
	if c.Meetings.AttendanceSyncSchedule == "" {
		c.Meetings.AttendanceSyncSchedule = "*/15 * * * *"
	}
	if c.Audit.QueueSize <= 0 {
		c.Audit.QueueSize = 1000
	}
}

// Duration parses value with time.ParseDuration and returns fallback when
// value is empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
