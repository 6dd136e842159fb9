// Package ingest consumes mail requests from Kafka and hands them to the
// mail queue. Producers that cannot call the HTTP API publish JSON messages
// to the configured topic; each message becomes one queued job.
package ingest
