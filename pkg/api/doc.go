// Package api implements the notifier HTTP server (Gin-based): the producer
// endpoints that queue mail, queue inspection, meeting management and the
// bearer JWT authentication in front of them.
package api
