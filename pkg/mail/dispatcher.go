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
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Message is a fully rendered mail ready for a transport.
type Message struct {
	FromAddress string
	FromName    string
	To          []string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Transport delivers rendered messages to a mail provider.
type Transport interface {
	Deliver(ctx context.Context, msg Message) (string, error)
	Name() string
}

// BulkOptions controls the fan-out of bulk sends.
type BulkOptions struct {
	// BatchSize is the number of recipients handled per batch.
	BatchSize int
	// BatchDelay is the pause between two batches.
	BatchDelay time.Duration
	// Concurrency bounds parallel deliveries inside a batch.
	Concurrency int
}

// DefaultBulkOptions returns batches of 50 with 1s between batches.
func DefaultBulkOptions() BulkOptions {
	return BulkOptions{
		BatchSize:   50,
		BatchDelay:  time.Second,
		Concurrency: 10,
	}
}

// Dispatcher renders templates and hands the result to a Transport. It is
// the Sender used by the queue in production.
type Dispatcher struct {
	transport     Transport
	renderer      *Renderer
	log           *zap.SugaredLogger
	senderAddress string
	senderName    string
	bulk          BulkOptions
}

// NewDispatcher creates a Dispatcher. Empty sender fields fall back to the
// renderer's branding.
func NewDispatcher(transport Transport, renderer *Renderer, senderAddress, senderName string, bulk BulkOptions, log *zap.SugaredLogger) *Dispatcher {
	if senderAddress == "" {
		senderAddress = "noreply@sschool.app"
	}
	if senderName == "" {
		senderName = renderer.BrandingName
	}
	d := DefaultBulkOptions()
	if bulk.BatchSize <= 0 {
		bulk.BatchSize = d.BatchSize
	}
	if bulk.BatchDelay < 0 {
		bulk.BatchDelay = 0
	}
	if bulk.Concurrency <= 0 {
		bulk.Concurrency = d.Concurrency
	}
	return &Dispatcher{
		transport:     transport,
		renderer:      renderer,
		log:           log.Named("dispatcher"),
		senderAddress: senderAddress,
		senderName:    senderName,
		bulk:          bulk,
	}
}

// Name identifies the dispatcher by its transport.
func (d *Dispatcher) Name() string {
	return d.transport.Name()
}

// Send renders and delivers a single mail.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (string, error) {
	html, err := d.renderer.Render(req.Template, req.Data)
	if err != nil {
		d.log.Errorw("Failed to render mail", "template", req.Template, "dataKeys", dataKeys(req.Data), "error", err)
		return "", Permanent(err)
	}
	return d.transport.Deliver(ctx, d.message([]string{req.To}, req.Subject, html, req.Attachments))
}

// SendBulk renders the template once and delivers it to every recipient in
// batches. Per-recipient failures are collected, not retried. When ctx ends
// before every recipient was tried, the untried ones are returned in
// BulkResult.Pending together with the context error.
func (d *Dispatcher) SendBulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	html, err := d.renderer.Render(req.Template, req.Data)
	if err != nil {
		return BulkResult{}, Permanent(err)
	}

	var (
		mu     sync.Mutex
		result BulkResult
	)
	batches := (len(req.Recipients) + d.bulk.BatchSize - 1) / d.bulk.BatchSize
	d.log.Infow("Sending bulk mail",
		"recipients", len(req.Recipients),
		"batches", batches,
		"template", req.Template)

	for b := 0; b < batches; b++ {
		start := b * d.bulk.BatchSize
		end := min(start+d.bulk.BatchSize, len(req.Recipients))

		if b > 0 && d.bulk.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(d.bulk.BatchDelay):
			}
		}
		if ctx.Err() != nil {
			result.Pending = append(result.Pending, req.Recipients[start:]...)
			break
		}

		var g errgroup.Group
		g.SetLimit(d.bulk.Concurrency)
		for _, rcpt := range req.Recipients[start:end] {
			g.Go(func() error {
				if ctx.Err() != nil {
					mu.Lock()
					result.Pending = append(result.Pending, rcpt)
					mu.Unlock()
					return nil
				}
				_, err := d.transport.Deliver(ctx, d.message([]string{rcpt}, req.Subject, html, nil))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					result.Sent++
				case ctx.Err() != nil:
					result.Pending = append(result.Pending, rcpt)
				default:
					result.Failed++
					result.Errors = append(result.Errors, RecipientError{Recipient: rcpt, Error: err.Error()})
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if len(result.Pending) > 0 {
		d.log.Warnw("Bulk mail interrupted",
			"sent", result.Sent,
			"failed", result.Failed,
			"pending", len(result.Pending),
			"template", req.Template)
		return result, fmt.Errorf("bulk send interrupted with %d of %d recipients left: %w",
			len(result.Pending), len(req.Recipients), ctx.Err())
	}

	d.log.Infow("Bulk mail finished",
		"sent", result.Sent,
		"failed", result.Failed,
		"template", req.Template)
	return result, nil
}

func (d *Dispatcher) message(to []string, subject, html string, attachments []Attachment) Message {
	return Message{
		FromAddress: d.senderAddress,
		FromName:    d.senderName,
		To:          to,
		Subject:     subject,
		HTML:        html,
		Attachments: attachments,
	}
}
