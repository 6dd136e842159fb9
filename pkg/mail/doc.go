// Package mail provides email notification functionality for the notifier,
// including a priority queue with retry and scheduled delivery, HTML template
// rendering, bulk fan-out, SMTP and Resend transports, and service lifecycle
// management.
package mail
