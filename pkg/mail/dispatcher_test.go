package mail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getsinto/sschoool-sub001/pkg/system"
)

type fakeTransport struct {
	mu       sync.Mutex
	messages []Message
	fail     map[string]error
	delay    time.Duration
	// honorCtx makes a delayed delivery give up when ctx ends first.
	honorCtx bool

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Deliver(ctx context.Context, msg Message) (string, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		if f.honorCtx {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(f.delay):
			}
		} else {
			time.Sleep(f.delay)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[msg.To[0]]; err != nil {
		return "", err
	}
	f.messages = append(f.messages, msg)
	return fmt.Sprintf("id-%d", len(f.messages)), nil
}

func (f *fakeTransport) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages...)
}

// deliveries counts messages per recipient.
func (f *fakeTransport) deliveries() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, m := range f.messages {
		out[m.To[0]]++
	}
	return out
}

func recipientsN(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("student%03d@example.com", i)
	}
	return out
}

func TestDispatcherSend(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, NewRenderer("sschool", "https://sschool.app"), "", "", BulkOptions{}, system.NewTestLogger())

	id, err := d.Send(context.Background(), SendRequest{
		To:          "ada@example.com",
		Subject:     "Welcome",
		Template:    TemplateWelcome,
		Data:        map[string]any{"Name": "Ada"},
		Attachments: []Attachment{{Filename: "a.txt", Content: []byte("x")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	assert.Equal(t, "fake", d.Name())

	msgs := tr.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "noreply@sschool.app", msgs[0].FromAddress)
	assert.Equal(t, "sschool", msgs[0].FromName)
	assert.Equal(t, []string{"ada@example.com"}, msgs[0].To)
	assert.Contains(t, msgs[0].HTML, "Hi Ada")
	assert.Len(t, msgs[0].Attachments, 1)
}

func TestDispatcherUnknownTemplateIsPermanent(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, NewRenderer("", ""), "", "", BulkOptions{}, system.NewTestLogger())

	_, err := d.Send(context.Background(), SendRequest{To: "a@example.com", Template: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Empty(t, tr.Messages())

	_, err = d.SendBulk(context.Background(), BulkRequest{Recipients: []string{"a@example.com"}, Template: "nope"})
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestDispatcherSendBulkBatches(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, NewRenderer("", ""), "school@example.com", "School",
		BulkOptions{BatchSize: 50, BatchDelay: 20 * time.Millisecond, Concurrency: 4}, system.NewTestLogger())

	start := time.Now()
	res, err := d.SendBulk(context.Background(), BulkRequest{
		Recipients: recipientsN(120),
		Subject:    "Weekly report",
		Template:   TemplateWeeklyReport,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "two pauses between three batches")

	assert.Equal(t, 120, res.Sent)
	assert.Equal(t, 0, res.Failed)
	assert.True(t, res.Success())

	msgs := tr.Messages()
	require.Len(t, msgs, 120)
	for _, m := range msgs {
		assert.Len(t, m.To, 1, "bulk recipients must not see each other")
		assert.Equal(t, "school@example.com", m.FromAddress)
	}
	assert.LessOrEqual(t, tr.maxActive.Load(), int32(4))
}

func TestDispatcherSendBulkPartialFailure(t *testing.T) {
	rcpts := recipientsN(5)
	tr := &fakeTransport{fail: map[string]error{
		rcpts[1]: Permanent(errors.New("550 no such user")),
		rcpts[3]: errors.New("timeout"),
	}}
	d := NewDispatcher(tr, NewRenderer("", ""), "", "", BulkOptions{BatchSize: 2, BatchDelay: -1}, system.NewTestLogger())

	res, err := d.SendBulk(context.Background(), BulkRequest{Recipients: rcpts, Template: TemplateWeeklyReport})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 2, res.Failed)
	assert.False(t, res.Success())

	failed := map[string]string{}
	for _, e := range res.Errors {
		failed[e.Recipient] = e.Error
	}
	assert.Contains(t, failed[rcpts[1]], "550")
	assert.Contains(t, failed[rcpts[3]], "timeout")
}

func TestDispatcherSendBulkCancelledBetweenBatches(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, NewRenderer("", ""), "", "", BulkOptions{BatchSize: 1, BatchDelay: time.Minute}, system.NewTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := d.SendBulk(ctx, BulkRequest{Recipients: recipientsN(3), Template: TemplateWeeklyReport})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, recipientsN(3)[1:], res.Pending)
	assert.False(t, res.Success())
}

func TestDispatcherSendBulkDeadlineDuringDelivery(t *testing.T) {
	rcpts := recipientsN(4)
	tr := &fakeTransport{delay: 200 * time.Millisecond, honorCtx: true}
	d := NewDispatcher(tr, NewRenderer("", ""), "", "", BulkOptions{BatchSize: 4, BatchDelay: -1, Concurrency: 4}, system.NewTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := d.SendBulk(ctx, BulkRequest{Recipients: rcpts, Template: TemplateWeeklyReport})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 0, res.Failed, "cut-off deliveries are not recipient failures")
	assert.ElementsMatch(t, rcpts, res.Pending)
}

func TestDispatcherThroughQueue(t *testing.T) {
	tr := &fakeTransport{}
	d := NewDispatcher(tr, NewRenderer("", ""), "", "", BulkOptions{BatchSize: 50, BatchDelay: -1}, system.NewTestLogger())
	q := newTestQueue(t, d, fastOptions())
	q.Start()

	id, err := q.EnqueueBulk(recipientsN(120), "Report", TemplateWeeklyReport, map[string]any{"WeekOf": "2026-03-02"}, BulkPriority)
	require.NoError(t, err)

	job := waitForStatus(t, q, id, StatusSent)
	require.NotNil(t, job.Bulk)
	assert.Equal(t, 120, job.Bulk.Sent)
	assert.Len(t, tr.Messages(), 120)
}
