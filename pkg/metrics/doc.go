// Package metrics defines Prometheus metrics for the notifier, covering the
// mail queue, mail transports, meeting providers, Kafka ingestion and the API.
package metrics
