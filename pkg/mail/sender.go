/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mail

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrQueueStopped    = errors.New("mail queue is shutting down")
	ErrQueueFull       = errors.New("mail queue is full")
	ErrNoRecipients    = errors.New("cannot enqueue email with no receivers")
	ErrUnknownTemplate = errors.New("unknown mail template")
	// ErrPermanent marks delivery errors that must not be retried.
	ErrPermanent = errors.New("permanent delivery failure")
)

// Sender performs the actual delivery of queued jobs. The queue does not
// know which provider sits behind it.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (string, error)
	SendBulk(ctx context.Context, req BulkRequest) (BulkResult, error)
	Name() string
}

// Observer is notified with a snapshot of a job each time it is queued,
// rescheduled for a retry, sent or failed. It runs on the queue's goroutines
// and must not block.
type Observer interface {
	JobChanged(job Job)
}

// Permanent wraps err so that DefaultIsRetryable rejects it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// DefaultIsRetryable retries everything except errors wrapped by Permanent
// and an unknown template.
func DefaultIsRetryable(err error) bool {
	return !errors.Is(err, ErrPermanent) && !errors.Is(err, ErrUnknownTemplate)
}
