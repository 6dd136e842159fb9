package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mail queue metrics, labelled by the sender name so several queues can
	// coexist in tests.
	MailQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_queued_total",
		Help: "Total number of mail jobs accepted by the queue",
	}, []string{"sender", "kind"})
	MailQueueDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_queue_dropped_total",
		Help: "Total number of mail jobs rejected at enqueue time",
	}, []string{"sender"})
	MailSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_sent_total",
		Help: "Total number of mail jobs that reached the sent state",
	}, []string{"sender", "kind"})
	MailFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_failed_total",
		Help: "Total number of mail jobs that failed permanently",
	}, []string{"sender", "kind"})
	MailRetryScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_retry_scheduled_total",
		Help: "Total number of mail job retries scheduled after a failed attempt",
	}, []string{"sender"})
	MailQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "notifier_mail_queue_depth",
		Help: "Number of tracked mail jobs by status",
	}, []string{"sender", "status"})
	MailDispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notifier_mail_dispatch_duration_seconds",
		Help:    "Time spent in a single sender call",
		Buckets: prometheus.DefBuckets,
	}, []string{"sender", "kind"})

	// Transport metrics, per delivered message.
	MailSendSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_send_success_total",
		Help: "Total number of messages accepted by the mail transport",
	}, []string{"transport"})
	MailSendFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_mail_send_failure_total",
		Help: "Total number of messages rejected by the mail transport",
	}, []string{"transport"})

	// Meeting provider metrics
	MeetingRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_meeting_requests_total",
		Help: "Total number of meeting provider API calls",
	}, []string{"provider", "operation", "result"})
	AttendanceSynced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_attendance_synced_total",
		Help: "Total number of meetings whose attendance has been synced",
	}, []string{"provider"})

	// Kafka ingestion metrics
	IngestMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_ingest_messages_total",
		Help: "Total number of producer messages consumed from Kafka",
	}, []string{"topic", "result"})

	// API metrics
	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_api_requests_total",
		Help: "Total number of API requests by route and status code",
	}, []string{"route", "code"})
	APIRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_api_rate_limited_total",
		Help: "Total number of API requests rejected by the rate limiter",
	}, []string{"keyType"})

	// Audit trail metrics; result is written, failed, dropped or circuit_open.
	AuditEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_audit_events_total",
		Help: "Total number of audit events handled per sink",
	}, []string{"sink", "result"})
)

func init() {
	prometheus.MustRegister(MailQueued)
	prometheus.MustRegister(MailQueueDropped)
	prometheus.MustRegister(MailSent)
	prometheus.MustRegister(MailFailed)
	prometheus.MustRegister(MailRetryScheduled)
	prometheus.MustRegister(MailQueueDepth)
	prometheus.MustRegister(MailDispatchDuration)
	prometheus.MustRegister(MailSendSuccess)
	prometheus.MustRegister(MailSendFailure)
	prometheus.MustRegister(MeetingRequests)
	prometheus.MustRegister(AttendanceSynced)
	prometheus.MustRegister(IngestMessages)
	prometheus.MustRegister(APIRequests)
	prometheus.MustRegister(APIRateLimited)
	prometheus.MustRegister(AuditEvents)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
