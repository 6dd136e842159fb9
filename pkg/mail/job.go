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
	"time"
)

// JobKind distinguishes how a job's payload is delivered.
type JobKind string

const (
	KindSingle    JobKind = "single"
	KindBulk      JobKind = "bulk"
	KindScheduled JobKind = "scheduled"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusSent       JobStatus = "sent"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

const (
	// DefaultPriority is used for transactional and scheduled mail.
	DefaultPriority = 5
	// BulkPriority is lower than DefaultPriority: broadcasts are less urgent.
	BulkPriority = 3
	// DefaultMaxAttempts bounds dispatch attempts per job.
	DefaultMaxAttempts = 3
)

// Attachment is a file sent along with a message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Content     []byte `json:"content"`
}

// SendRequest asks for one templated mail to a single recipient.
type SendRequest struct {
	To          string         `json:"to"`
	Subject     string         `json:"subject"`
	Template    TemplateKind   `json:"template"`
	Data        map[string]any `json:"data,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// BulkRequest asks for the same templated mail to many recipients.
type BulkRequest struct {
	Recipients []string       `json:"recipients"`
	Subject    string         `json:"subject"`
	Template   TemplateKind   `json:"template"`
	Data       map[string]any `json:"data,omitempty"`
}

// Payload carries exactly one of Single or Bulk.
type Payload struct {
	Single      *SendRequest `json:"single,omitempty"`
	Bulk        *BulkRequest `json:"bulk,omitempty"`
	ScheduledAt *time.Time   `json:"scheduledAt,omitempty"`
}

// RecipientError records why delivery to one bulk recipient failed.
type RecipientError struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// BulkResult summarises a bulk fan-out.
type BulkResult struct {
	Sent   int              `json:"sent"`
	Failed int              `json:"failed"`
	Errors []RecipientError `json:"errors,omitempty"`
	// Pending lists recipients not attempted because the send was
	// interrupted. They are the only ones mailed on a retry.
	Pending []string `json:"pending,omitempty"`
}

// Success is true when every recipient was delivered.
func (r BulkResult) Success() bool {
	return r.Failed == 0 && len(r.Pending) == 0
}

// add folds the outcome of a later attempt into r.
func (r *BulkResult) add(next BulkResult) {
	r.Sent += next.Sent
	r.Failed += next.Failed
	r.Errors = append(r.Errors, next.Errors...)
	r.Pending = append([]string(nil), next.Pending...)
}

// Job is a unit of queued mail work.
type Job struct {
	ID            string      `json:"id"`
	Kind          JobKind     `json:"kind"`
	Payload       Payload     `json:"payload"`
	Priority      int         `json:"priority"`
	Attempts      int         `json:"attempts"`
	MaxAttempts   int         `json:"maxAttempts"`
	Status        JobStatus   `json:"status"`
	CreatedAt     time.Time   `json:"createdAt"`
	ProcessedAt   *time.Time  `json:"processedAt,omitempty"`
	NextAttemptAt time.Time   `json:"nextAttemptAt"`
	Error         string      `json:"error,omitempty"`
	MessageID     string      `json:"messageId,omitempty"`
	Bulk          *BulkResult `json:"bulk,omitempty"`

	// seq orders jobs of equal priority by insertion.
	seq uint64
	// heapIndex is the position in the deferred heap, -1 when not deferred.
	heapIndex int
	// discardAt is set on sent jobs kept around for lookups.
	discardAt time.Time
}

// snapshot returns a copy safe to hand out while the queue keeps mutating
// the original.
func (j *Job) snapshot() Job {
	c := *j
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		c.ProcessedAt = &t
	}
	if j.Bulk != nil {
		b := *j.Bulk
		b.Errors = append([]RecipientError(nil), j.Bulk.Errors...)
		b.Pending = append([]string(nil), j.Bulk.Pending...)
		c.Bulk = &b
	}
	c.heapIndex = -1
	return c
}

// recipients returns the number of addresses the job will mail.
func (j *Job) recipients() int {
	switch {
	case j.Payload.Bulk != nil:
		return len(j.Payload.Bulk.Recipients)
	case j.Payload.Single != nil:
		return 1
	}
	return 0
}

// QueueStatus is a point-in-time count of tracked jobs.
type QueueStatus struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
