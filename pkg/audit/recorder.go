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

package audit

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/getsinto/sschoool-sub001/pkg/config"
	"github.com/getsinto/sschoool-sub001/pkg/mail"
	"github.com/getsinto/sschoool-sub001/pkg/meeting"
)

// Recorder turns mail and meeting notifications into events and hands them
// to its queued sinks. It implements mail.Observer and meeting.Auditor.
type Recorder struct {
	sinks  []*QueuedSink
	logger *zap.Logger
}

var (
	_ mail.Observer   = (*Recorder)(nil)
	_ meeting.Auditor = (*Recorder)(nil)
)

// NewRecorder wraps each sink in its own queue.
func NewRecorder(sinks []Sink, cfg QueuedSinkConfig, logger *zap.Logger) *Recorder {
	r := &Recorder{logger: logger.Named("audit")}
	for _, s := range sinks {
		r.sinks = append(r.sinks, NewQueuedSink(s, cfg, logger))
	}
	return r
}

// FromConfig builds the recorder described by cfg.Audit. It returns nil
// when auditing is disabled or no sink is configured.
func FromConfig(cfg config.Config, logger *zap.Logger) (*Recorder, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}
	var sinks []Sink
	if cfg.Audit.Log {
		sinks = append(sinks, NewLogSink(logger))
	}
	if cfg.Audit.KafkaTopic != "" {
		k, err := NewKafkaSink(cfg.Kafka, cfg.Audit.KafkaTopic, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	if len(sinks) == 0 {
		logger.Warn("audit enabled without any sink, nothing will be recorded")
		return nil, nil
	}

	qcfg := DefaultQueuedSinkConfig()
	qcfg.QueueSize = cfg.Audit.QueueSize
	return NewRecorder(sinks, qcfg, logger), nil
}

// Record hands event to every sink. It never blocks.
func (r *Recorder) Record(event *Event) {
	if event == nil {
		return
	}
	for _, s := range r.sinks {
		_ = s.Write(context.Background(), event)
	}
}

// JobChanged records a mail job transition.
func (r *Recorder) JobChanged(job mail.Job) {
	r.Record(MailEvent(job))
}

// MeetingChanged records a meeting lifecycle event.
func (r *Recorder) MeetingChanged(event string, m meeting.Meeting) {
	r.Record(MeetingEvent(event, m))
}

// Health reports the state of every sink.
func (r *Recorder) Health() []QueuedSinkHealth {
	out := make([]QueuedSinkHealth, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s.Health())
	}
	return out
}

// Close drains and closes all sinks.
func (r *Recorder) Close(ctx context.Context) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
