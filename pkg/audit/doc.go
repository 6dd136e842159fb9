// Package audit records the delivery audit trail of the notifier: every mail
// job transition and meeting lifecycle event becomes an Event that is fanned
// out to the configured sinks (structured log, Kafka) through isolated,
// non-blocking queues.
package audit
