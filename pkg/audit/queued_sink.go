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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/getsinto/sschoool-sub001/pkg/metrics"
)

// QueuedSinkConfig configures a QueuedSink.
type QueuedSinkConfig struct {
	// QueueSize is the size of the async event queue.
	// Default: 1000
	QueueSize int

	// WriteTimeout is the timeout for writing to the underlying sink.
	// Default: 5s
	WriteTimeout time.Duration

	// CircuitBreakerThreshold is the number of consecutive failures before
	// events are dropped without trying the sink.
	// Default: 5
	CircuitBreakerThreshold int

	// CircuitBreakerResetTime is how long the circuit stays open.
	// Default: 30s
	CircuitBreakerResetTime time.Duration
}

// DefaultQueuedSinkConfig returns the defaults used by the notifier.
func DefaultQueuedSinkConfig() QueuedSinkConfig {
	return QueuedSinkConfig{
		QueueSize:               1000,
		WriteTimeout:            5 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerResetTime: 30 * time.Second,
	}
}

// QueuedSinkHealth is a point-in-time view of a queued sink.
type QueuedSinkHealth struct {
	Name             string    `json:"name"`
	Healthy          bool      `json:"healthy"`
	QueueLength      int       `json:"queueLength"`
	QueueCapacity    int       `json:"queueCapacity"`
	DroppedEvents    int64     `json:"droppedEvents"`
	ProcessedEvents  int64     `json:"processedEvents"`
	FailedEvents     int64     `json:"failedEvents"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	CircuitOpen      bool      `json:"circuitOpen"`
	LastError        string    `json:"lastError,omitempty"`
	LastErrorTime    time.Time `json:"lastErrorTime,omitempty"`
}

// QueuedSink gives a Sink its own queue and worker so a slow or failing
// destination never blocks the mail queue or the other sinks.
type QueuedSink struct {
	sink   Sink
	queue  chan *Event
	config QueuedSinkConfig
	logger *zap.Logger
	now    func() time.Time

	droppedEvents   atomic.Int64
	processedEvents atomic.Int64
	failedEvents    atomic.Int64

	consecutiveFails atomic.Int32
	circuitOpen      atomic.Bool
	openedAt         atomic.Int64 // unix nanos

	mu            sync.RWMutex
	lastError     string
	lastErrorTime time.Time

	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewQueuedSink wraps sink and starts its worker.
func NewQueuedSink(sink Sink, cfg QueuedSinkConfig, logger *zap.Logger) *QueuedSink {
	d := DefaultQueuedSinkConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = d.CircuitBreakerThreshold
	}
	if cfg.CircuitBreakerResetTime <= 0 {
		cfg.CircuitBreakerResetTime = d.CircuitBreakerResetTime
	}

	qs := &QueuedSink{
		sink:   sink,
		queue:  make(chan *Event, cfg.QueueSize),
		config: cfg,
		logger: logger.Named("queued-sink").With(zap.String("sink", sink.Name())),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go qs.processQueue()
	return qs
}

// Write enqueues an event without blocking. Events are dropped, never
// returned as errors, when the queue is full or the circuit is open.
func (qs *QueuedSink) Write(_ context.Context, event *Event) error {
	qs.closeMu.RLock()
	defer qs.closeMu.RUnlock()
	if qs.closed {
		return fmt.Errorf("queued sink %s is closed", qs.sink.Name())
	}

	if qs.circuitOpen.Load() {
		opened := time.Unix(0, qs.openedAt.Load())
		if qs.now().Sub(opened) < qs.config.CircuitBreakerResetTime {
			qs.drop("circuit_open")
			return nil
		}
		if qs.circuitOpen.CompareAndSwap(true, false) {
			qs.consecutiveFails.Store(0)
			qs.logger.Info("closing circuit breaker, retrying sink")
		}
	}

	select {
	case qs.queue <- event:
	default:
		qs.drop("dropped")
		qs.logger.Warn("audit queue full, dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID))
	}
	return nil
}

func (qs *QueuedSink) drop(result string) {
	qs.droppedEvents.Add(1)
	metrics.AuditEvents.WithLabelValues(qs.sink.Name(), result).Inc()
}

func (qs *QueuedSink) processQueue() {
	defer close(qs.done)

	for event := range qs.queue {
		ctx, cancel := context.WithTimeout(context.Background(), qs.config.WriteTimeout)
		err := qs.sink.Write(ctx, event)
		cancel()

		if err == nil {
			qs.processedEvents.Add(1)
			qs.consecutiveFails.Store(0)
			metrics.AuditEvents.WithLabelValues(qs.sink.Name(), "written").Inc()
			continue
		}

		qs.failedEvents.Add(1)
		fails := qs.consecutiveFails.Add(1)
		metrics.AuditEvents.WithLabelValues(qs.sink.Name(), "failed").Inc()

		qs.mu.Lock()
		qs.lastError = err.Error()
		qs.lastErrorTime = qs.now()
		qs.mu.Unlock()

		qs.logger.Error("failed to write audit event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
			zap.Int32("consecutive_fails", fails))

		if int(fails) >= qs.config.CircuitBreakerThreshold && qs.circuitOpen.CompareAndSwap(false, true) {
			qs.openedAt.Store(qs.now().UnixNano())
			qs.logger.Warn("circuit breaker opened for sink", zap.Int32("consecutive_fails", fails))
		}
	}
}

// Health returns the current health of the sink.
func (qs *QueuedSink) Health() QueuedSinkHealth {
	qs.mu.RLock()
	lastError := qs.lastError
	lastErrorTime := qs.lastErrorTime
	qs.mu.RUnlock()

	queueLen := len(qs.queue)
	queueCap := cap(qs.queue)
	circuitOpen := qs.circuitOpen.Load()

	return QueuedSinkHealth{
		Name:             qs.sink.Name(),
		Healthy:          !circuitOpen && float64(queueLen) < float64(queueCap)*0.8,
		QueueLength:      queueLen,
		QueueCapacity:    queueCap,
		DroppedEvents:    qs.droppedEvents.Load(),
		ProcessedEvents:  qs.processedEvents.Load(),
		FailedEvents:     qs.failedEvents.Load(),
		ConsecutiveFails: int(qs.consecutiveFails.Load()),
		CircuitOpen:      circuitOpen,
		LastError:        lastError,
		LastErrorTime:    lastErrorTime,
	}
}

// Close stops accepting events, drains the queue into the sink and closes
// it. ctx bounds the drain.
func (qs *QueuedSink) Close(ctx context.Context) error {
	qs.closeMu.Lock()
	if qs.closed {
		qs.closeMu.Unlock()
		return nil
	}
	qs.closed = true
	close(qs.queue)
	qs.closeMu.Unlock()

	select {
	case <-qs.done:
	case <-ctx.Done():
		return fmt.Errorf("draining audit sink %s: %w", qs.sink.Name(), ctx.Err())
	}
	return qs.sink.Close()
}

// Name returns the underlying sink's name.
func (qs *QueuedSink) Name() string {
	return qs.sink.Name()
}
