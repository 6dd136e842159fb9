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
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/getsinto/sschoool-sub001/pkg/metrics"
)

const tracerName = "github.com/getsinto/sschoool-sub001/pkg/mail"

// Options tunes a Queue. Zero values fall back to the defaults from
// DefaultOptions.
type Options struct {
	// MaxAttempts is the ceiling on dispatch attempts per job.
	MaxAttempts int
	// BackoffBase is multiplied by 2^attempts to get the retry delay.
	BackoffBase time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
	// Pacing is the pause between two dispatches. Negative disables it.
	Pacing time.Duration
	// SendTimeout bounds a single sender call.
	SendTimeout time.Duration
	// BulkSendTimeout bounds a bulk sender call, which spans many batches.
	BulkSendTimeout time.Duration
	// MaxQueueSize bounds the number of jobs that are not yet terminal.
	MaxQueueSize int
	// SentRetention keeps sent jobs visible to GetJob. Negative discards
	// them as soon as they are sent.
	SentRetention time.Duration
	// IsRetryable decides whether a failed attempt may be retried.
	IsRetryable func(error) bool
}

// DefaultOptions returns the queue defaults: 3 attempts, 2s/4s/8s backoff,
// 100ms pacing between dispatches.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     DefaultMaxAttempts,
		BackoffBase:     time.Second,
		MaxBackoff:      5 * time.Minute,
		Pacing:          100 * time.Millisecond,
		SendTimeout:     30 * time.Second,
		BulkSendTimeout: 10 * time.Minute,
		MaxQueueSize:    10000,
		SentRetention:   10 * time.Minute,
		IsRetryable:     DefaultIsRetryable,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	if o.Pacing == 0 {
		o.Pacing = d.Pacing
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = d.SendTimeout
	}
	if o.BulkSendTimeout <= 0 {
		o.BulkSendTimeout = d.BulkSendTimeout
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = d.MaxQueueSize
	}
	if o.SentRetention == 0 {
		o.SentRetention = d.SentRetention
	}
	if o.IsRetryable == nil {
		o.IsRetryable = d.IsRetryable
	}
	return o
}

// Queue orders mail jobs by priority and drives them to completion with a
// single worker. Jobs that are not yet due (scheduled, or waiting for a
// retry) wait in a heap keyed by due time.
type Queue struct {
	sender Sender
	log    *zap.SugaredLogger
	opts   Options

	mu       sync.Mutex
	ready    []*Job
	deferred deferredHeap
	jobs     map[string]*Job
	inflight int
	seq      uint64
	stopped  bool
	started  bool

	observer Observer

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a new mail queue. Call Start to begin dispatching.
func NewQueue(sender Sender, log *zap.SugaredLogger, opts Options) *Queue {
	opts = opts.withDefaults()

	log.Infow("Initializing mail queue",
		"sender", sender.Name(),
		"maxAttempts", opts.MaxAttempts,
		"backoffBase", opts.BackoffBase.String(),
		"pacing", opts.Pacing.String(),
		"maxQueueSize", opts.MaxQueueSize)

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		sender: sender,
		log:    log,
		opts:   opts,
		jobs:   make(map[string]*Job),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the background worker. Calling it more than once has no effect.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.worker()
	q.log.Info("Mail queue worker started")
}

// Enqueue adds a single-recipient mail and returns its job id.
func (q *Queue) Enqueue(req SendRequest, priority int) (string, error) {
	if req.To == "" {
		return "", q.reject(ErrNoRecipients, "kind", KindSingle, "subject", req.Subject)
	}
	job := q.newJob(KindSingle, priority)
	job.Payload.Single = &req
	return q.add(job)
}

// EnqueueBulk adds one job that mails the same template to every recipient.
// Per-recipient fan-out is the sender's responsibility.
func (q *Queue) EnqueueBulk(recipients []string, subject string, tmpl TemplateKind, data map[string]any, priority int) (string, error) {
	if len(recipients) == 0 {
		return "", q.reject(ErrNoRecipients, "kind", KindBulk, "subject", subject)
	}
	job := q.newJob(KindBulk, priority)
	job.Payload.Bulk = &BulkRequest{
		Recipients: append([]string(nil), recipients...),
		Subject:    subject,
		Template:   tmpl,
		Data:       data,
	}
	return q.add(job)
}

// ScheduleEmail adds a mail that must not be sent before at.
func (q *Queue) ScheduleEmail(req SendRequest, at time.Time) (string, error) {
	if req.To == "" {
		return "", q.reject(ErrNoRecipients, "kind", KindScheduled, "subject", req.Subject)
	}
	job := q.newJob(KindScheduled, DefaultPriority)
	job.Payload.Single = &req
	job.Payload.ScheduledAt = &at
	job.NextAttemptAt = at
	return q.add(job)
}

// Status returns point-in-time counts of the tracked jobs. Sent jobs are no
// longer part of the queue and are not counted.
func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

// GetJob returns a snapshot of the job with the given id.
func (q *Queue) GetJob(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || q.expired(job, time.Now()) {
		return Job{}, false
	}
	return job.snapshot(), true
}

// ClearFailedJobs removes every failed job and returns how many were removed.
func (q *Queue) ClearFailedJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, job := range q.jobs {
		if job.Status == StatusFailed {
			delete(q.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		q.log.Infow("Cleared failed mail jobs", "count", removed)
		q.updateDepthLocked()
	}
	return removed
}

// Cancel drops a job that has not been dispatched yet and reports whether it
// did. Jobs being sent or already finished are left alone.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPending {
		return false
	}
	if job.heapIndex >= 0 {
		heap.Remove(&q.deferred, job.heapIndex)
	} else {
		for i, r := range q.ready {
			if r == job {
				q.ready = append(q.ready[:i], q.ready[i+1:]...)
				break
			}
		}
	}
	delete(q.jobs, id)
	q.updateDepthLocked()
	q.log.Infow("Cancelled queued email", "id", id, "kind", job.Kind)
	return true
}

// Stop shuts the worker down and waits for an in-flight send to return.
// Jobs still waiting are dropped: the queue is not durable.
func (q *Queue) Stop(ctx context.Context) error {
	q.log.Info("Stopping mail queue")
	q.mu.Lock()
	q.stopped = true
	unsent := len(q.ready) + q.deferred.Len()
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if unsent > 0 {
			q.log.Warnw("Mail queue stopped with unsent jobs", "unsent", unsent)
		}
		q.log.Info("Mail queue stopped gracefully")
		return nil
	case <-ctx.Done():
		q.log.Warnw("Mail queue shutdown timeout, in-flight send did not return")
		return ctx.Err()
	}
}

func (q *Queue) newJob(kind JobKind, priority int) *Job {
	now := time.Now()
	return &Job{
		ID:            uuid.NewString(),
		Kind:          kind,
		Priority:      priority,
		MaxAttempts:   q.opts.MaxAttempts,
		Status:        StatusPending,
		CreatedAt:     now,
		NextAttemptAt: now,
		heapIndex:     -1,
	}
}

// SetObserver registers o to receive a snapshot of every job after it was
// queued, retried, sent or failed.
func (q *Queue) SetObserver(o Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = o
}

func (q *Queue) notify(job Job) {
	q.mu.Lock()
	o := q.observer
	q.mu.Unlock()
	if o != nil {
		o.JobChanged(job)
	}
}

func (q *Queue) reject(err error, keysAndValues ...any) error {
	metrics.MailQueueDropped.WithLabelValues(q.sender.Name()).Inc()
	q.log.Errorw("Cannot enqueue email", append([]any{"error", err}, keysAndValues...)...)
	return err
}

func (q *Queue) add(job *Job) (string, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", q.reject(ErrQueueStopped, "id", job.ID)
	}
	if q.activeLocked() >= q.opts.MaxQueueSize {
		q.mu.Unlock()
		return "", q.reject(fmt.Errorf("%w (capacity: %d)", ErrQueueFull, q.opts.MaxQueueSize),
			"id", job.ID, "kind", job.Kind)
	}
	q.seq++
	job.seq = q.seq
	q.jobs[job.ID] = job
	if job.NextAttemptAt.After(time.Now()) {
		heap.Push(&q.deferred, job)
	} else {
		q.insertReadyLocked(job)
	}
	q.updateDepthLocked()
	snap := job.snapshot()
	q.mu.Unlock()

	q.notify(snap)
	metrics.MailQueued.WithLabelValues(q.sender.Name(), string(job.Kind)).Inc()
	q.log.Debugw("Email queued for sending",
		"id", job.ID,
		"kind", job.Kind,
		"priority", job.Priority,
		"receivers", job.recipients(),
		"notBefore", job.NextAttemptAt.Format(time.RFC3339))
	q.signal()
	return job.ID, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// insertReadyLocked places job after every ready job of equal or higher
// priority, which keeps the list sorted and stable within a priority.
func (q *Queue) insertReadyLocked(job *Job) {
	i := len(q.ready)
	for i > 0 && q.ready[i-1].Priority < job.Priority {
		i--
	}
	q.ready = append(q.ready, nil)
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = job
}

func (q *Queue) activeLocked() int {
	return len(q.ready) + q.deferred.Len() + q.inflight
}

func (q *Queue) statusLocked() QueueStatus {
	var s QueueStatus
	for _, job := range q.jobs {
		switch job.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusFailed:
			s.Failed++
		default:
			continue
		}
		s.Total++
	}
	return s
}

func (q *Queue) updateDepthLocked() {
	s := q.statusLocked()
	name := q.sender.Name()
	metrics.MailQueueDepth.WithLabelValues(name, string(StatusPending)).Set(float64(s.Pending))
	metrics.MailQueueDepth.WithLabelValues(name, string(StatusProcessing)).Set(float64(s.Processing))
	metrics.MailQueueDepth.WithLabelValues(name, string(StatusFailed)).Set(float64(s.Failed))
}

func (q *Queue) expired(job *Job, now time.Time) bool {
	return job.Status == StatusSent && !job.discardAt.IsZero() && !now.Before(job.discardAt)
}

// next promotes due jobs and claims the head of the ready list. When nothing
// is ready it returns how long the worker may sleep; zero means until woken.
func (q *Queue) next(now time.Time) (*Job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, job := range q.jobs {
		if q.expired(job, now) {
			delete(q.jobs, id)
		}
	}
	for q.deferred.Len() > 0 && !q.deferred[0].NextAttemptAt.After(now) {
		q.insertReadyLocked(heap.Pop(&q.deferred).(*Job))
	}
	if len(q.ready) == 0 {
		if q.deferred.Len() == 0 {
			return nil, 0
		}
		return nil, q.deferred[0].NextAttemptAt.Sub(now)
	}

	job := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	job.Status = StatusProcessing
	job.Attempts++
	q.inflight++
	q.updateDepthLocked()
	return job, 0
}

// worker is the only goroutine that dispatches jobs.
func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		job, wait := q.next(time.Now())
		if job != nil {
			q.processJob(job)
			if !q.sleep(q.opts.Pacing) {
				return
			}
			continue
		}

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-q.ctx.Done():
			q.log.Info("Mail queue worker shutting down")
			return
		case <-q.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *Queue) sleep(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// processJob calls the sender and records the outcome.
func (q *Queue) processJob(job *Job) {
	q.log.Infow("Processing queued email",
		"id", job.ID,
		"kind", job.Kind,
		"attempt", job.Attempts,
		"maxAttempts", job.MaxAttempts,
		"receivers", job.recipients())

	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "mail.dispatch", trace.WithAttributes(
		attribute.String("mail.job_id", job.ID),
		attribute.String("mail.kind", string(job.Kind)),
		attribute.String("mail.sender", q.sender.Name()),
		attribute.Int("mail.attempt", job.Attempts),
		attribute.Int("mail.recipients", job.recipients()),
	))
	start := time.Now()
	messageID, bulk, err := q.call(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	metrics.MailDispatchDuration.WithLabelValues(q.sender.Name(), string(job.Kind)).Observe(time.Since(start).Seconds())

	q.notify(q.complete(job, messageID, bulk, err))
}

func (q *Queue) call(parent context.Context, job *Job) (messageID string, bulk *BulkResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorw("panic in mail sender recovered", "id", job.ID, "panic", r)
			err = fmt.Errorf("panic in mail sender: %v", r)
		}
	}()

	if job.Payload.Bulk != nil {
		ctx, cancel := context.WithTimeout(parent, q.opts.BulkSendTimeout)
		defer cancel()
		res, err := q.sender.SendBulk(ctx, *job.Payload.Bulk)
		if err != nil {
			if len(res.Pending) > 0 {
				return "", &res, err
			}
			return "", nil, err
		}
		if res.Sent == 0 && res.Failed > 0 {
			reason := "no reason reported"
			if len(res.Errors) > 0 {
				reason = res.Errors[0].Error
			}
			return "", &res, fmt.Errorf("all %d bulk recipients failed: %s", res.Failed, reason)
		}
		return "", &res, nil
	}
	if job.Payload.Single == nil {
		return "", nil, Permanent(fmt.Errorf("job %s has no payload", job.ID))
	}
	ctx, cancel := context.WithTimeout(parent, q.opts.SendTimeout)
	defer cancel()
	messageID, err = q.sender.Send(ctx, *job.Payload.Single)
	return messageID, nil, err
}

// complete records the outcome and returns a snapshot of the updated job.
func (q *Queue) complete(job *Job, messageID string, bulk *BulkResult, err error) Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	q.inflight--
	name := q.sender.Name()

	if err == nil {
		recordBulk(job, bulk)
		job.Status = StatusSent
		job.ProcessedAt = &now
		job.MessageID = messageID
		job.Error = ""
		if job.Bulk != nil && !job.Bulk.Success() {
			job.Error = fmt.Sprintf("%d of %d bulk recipients failed", job.Bulk.Failed, job.Bulk.Sent+job.Bulk.Failed)
		}
		if q.opts.SentRetention < 0 {
			delete(q.jobs, job.ID)
		} else {
			job.discardAt = now.Add(q.opts.SentRetention)
		}
		metrics.MailSent.WithLabelValues(name, string(job.Kind)).Inc()
		q.log.Infow("Queued email sent successfully",
			"id", job.ID,
			"kind", job.Kind,
			"attempt", job.Attempts,
			"messageID", messageID,
			"partialFailures", job.Error)
		q.updateDepthLocked()
		return job.snapshot()
	}

	job.Error = err.Error()
	if q.opts.IsRetryable(err) && job.Attempts < job.MaxAttempts {
		if bulk != nil && len(bulk.Pending) > 0 {
			// interrupted: keep what was delivered, retry only the rest
			recordBulk(job, bulk)
			req := *job.Payload.Bulk
			req.Recipients = append([]string(nil), bulk.Pending...)
			job.Payload.Bulk = &req
		}
		backoff := q.calculateBackoff(job.Attempts)
		job.Status = StatusPending
		job.NextAttemptAt = now.Add(backoff)
		q.seq++
		job.seq = q.seq
		heap.Push(&q.deferred, job)
		metrics.MailRetryScheduled.WithLabelValues(name).Inc()
		q.log.Warnw("Email send failed, scheduling retry",
			"id", job.ID,
			"attempt", job.Attempts,
			"error", err,
			"retryIn", backoff.String(),
			"nextRetry", job.NextAttemptAt.Format(time.RFC3339))
		q.updateDepthLocked()
		return job.snapshot()
	}

	recordBulk(job, bulk)
	job.Status = StatusFailed
	job.ProcessedAt = &now
	metrics.MailFailed.WithLabelValues(name, string(job.Kind)).Inc()
	q.log.Errorw("Email send failed permanently",
		"id", job.ID,
		"kind", job.Kind,
		"attempts", job.Attempts,
		"retryable", q.opts.IsRetryable(err),
		"error", err)
	q.updateDepthLocked()
	return job.snapshot()
}

// recordBulk adds the outcome of one bulk attempt to the job's running total.
func recordBulk(job *Job, res *BulkResult) {
	if res == nil {
		return
	}
	if job.Bulk == nil {
		job.Bulk = &BulkResult{}
	}
	job.Bulk.add(*res)
}

// calculateBackoff returns BackoffBase * 2^attempt, capped at MaxBackoff.
func (q *Queue) calculateBackoff(attempt int) time.Duration {
	if attempt > 30 {
		return q.opts.MaxBackoff
	}
	backoff := q.opts.BackoffBase * time.Duration(1<<attempt)
	if backoff <= 0 || backoff > q.opts.MaxBackoff {
		backoff = q.opts.MaxBackoff
	}
	return backoff
}

// deferredHeap is a min-heap of jobs keyed by NextAttemptAt.
type deferredHeap []*Job

func (h deferredHeap) Len() int { return len(h) }

func (h deferredHeap) Less(i, j int) bool {
	if h[i].NextAttemptAt.Equal(h[j].NextAttemptAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].NextAttemptAt.Before(h[j].NextAttemptAt)
}

func (h deferredHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *deferredHeap) Push(x any) {
	job := x.(*Job)
	job.heapIndex = len(*h)
	*h = append(*h, job)
}

func (h *deferredHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.heapIndex = -1
	*h = old[:n-1]
	return job
}
