// Package ratelimit provides token-bucket rate limiting middleware for the
// notifier API. Authenticated callers are limited per token subject, anonymous
// callers per client IP, and idle buckets are cleaned up periodically.
package ratelimit
