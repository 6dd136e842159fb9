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
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/getsinto/sschoool-sub001/pkg/config"
	"github.com/getsinto/sschoool-sub001/pkg/metrics"
	"github.com/getsinto/sschoool-sub001/pkg/version"
)

const defaultResendBaseURL = "https://api.resend.com"

type resendAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

type resendEmail struct {
	From        string             `json:"from"`
	To          []string           `json:"to"`
	Subject     string             `json:"subject"`
	HTML        string             `json:"html"`
	Attachments []resendAttachment `json:"attachments,omitempty"`
}

type resendResponse struct {
	ID string `json:"id"`
}

type resendError struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

// ResendTransport delivers messages through the Resend HTTP API.
type ResendTransport struct {
	client  *resty.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewResendTransport creates a transport from the Resend section of the config.
func NewResendTransport(cfg config.Resend, log *zap.SugaredLogger) *ResendTransport {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultResendBaseURL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	timeout := 15 * time.Second
	if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
		timeout = d
	}
	log.Infow("Initializing Resend transport", "baseURL", baseURL, "requestsPerSecond", rps)

	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(cfg.APIKey).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", version.UserAgent())

	return &ResendTransport{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		log:     log,
	}
}

func (t *ResendTransport) Name() string { return "resend" }

// Deliver posts msg to /emails. Rate limiting (429) and server errors are
// retryable, every other 4xx is permanent.
func (t *ResendTransport) Deliver(ctx context.Context, msg Message) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}

	body := resendEmail{
		From:    formatAddress(msg.FromName, msg.FromAddress),
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
	}
	for _, a := range msg.Attachments {
		body.Attachments = append(body.Attachments, resendAttachment{
			Filename:    a.Filename,
			Content:     base64.StdEncoding.EncodeToString(a.Content),
			ContentType: a.ContentType,
		})
	}

	var (
		out    resendResponse
		apiErr resendError
	)
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/emails")
	if err != nil {
		metrics.MailSendFailure.WithLabelValues(t.Name()).Inc()
		return "", fmt.Errorf("resend request failed: %w", err)
	}
	if resp.IsError() {
		metrics.MailSendFailure.WithLabelValues(t.Name()).Inc()
		err := fmt.Errorf("resend rejected message (%d %s): %s", resp.StatusCode(), apiErr.Name, apiErr.Message)
		t.log.Warnw("Resend delivery failed", "status", resp.StatusCode(), "receivers", len(msg.To), "error", err)
		if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= http.StatusInternalServerError {
			return "", err
		}
		return "", Permanent(err)
	}

	metrics.MailSendSuccess.WithLabelValues(t.Name()).Inc()
	t.log.Debugw("Resend delivery succeeded", "messageID", out.ID, "receivers", len(msg.To))
	return out.ID, nil
}

func formatAddress(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}
