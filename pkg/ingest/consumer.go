package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"github.com/getsinto/sschoool-sub001/pkg/config"
	"github.com/getsinto/sschoool-sub001/pkg/mail"
	"github.com/getsinto/sschoool-sub001/pkg/metrics"
)

// Results reported in the ingest metric.
const (
	resultAccepted  = "accepted"
	resultMalformed = "malformed"
	resultRejected  = "rejected"
)

// reader is the part of *kafka.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// writer is the part of *kafka.Writer the dead-letter path uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads mail requests from a consumer group and queues them.
type Consumer struct {
	reader     reader
	deadLetter writer
	producer   mail.Producer
	topic      string
	log        *zap.SugaredLogger

	// retryDelay is the pause before re-offering a message the queue
	// refused because it was full.
	retryDelay time.Duration
}

// NewConsumer connects a consumer group reader for cfg.Topic.
func NewConsumer(cfg config.Kafka, producer mail.Producer, log *zap.SugaredLogger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("Kafka topic is required")
	}
	tlsConfig, mechanism, err := security(cfg)
	if err != nil {
		return nil, err
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
		Dialer: &kafka.Dialer{
			Timeout:       10 * time.Second,
			DualStack:     true,
			TLS:           tlsConfig,
			SASLMechanism: mechanism,
		},
	})

	var dl writer
	if cfg.DeadLetterTopic != "" {
		dl = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DeadLetterTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 10 * time.Second,
			Transport:    &kafka.Transport{TLS: tlsConfig, SASL: mechanism},
		}
	}

	log.Infow("Kafka mail consumer created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"groupID", cfg.GroupID,
		"deadLetterTopic", cfg.DeadLetterTopic,
		"tls", tlsConfig != nil,
		"sasl", mechanism != nil)
	return newConsumer(r, dl, producer, cfg.Topic, log), nil
}

func newConsumer(r reader, dl writer, producer mail.Producer, topic string, log *zap.SugaredLogger) *Consumer {
	return &Consumer{
		reader:     r,
		deadLetter: dl,
		producer:   producer,
		topic:      topic,
		log:        log,
		retryDelay: time.Second,
	}
}

// Run consumes until ctx is cancelled. A message's offset is committed only
// after the queue accepted it or it was found to be unacceptable.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Infow("Kafka mail consumer started", "topic", c.topic)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Kafka mail consumer stopping")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// handle queues one record. It returns an error only when the record must
// not be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.log.With("partition", msg.Partition, "offset", msg.Offset)

	m, err := Decode(msg.Value)
	if err != nil {
		metrics.IngestMessages.WithLabelValues(c.topic, resultMalformed).Inc()
		log.Warnw("Dropping malformed mail request", "error", err)
		return c.toDeadLetter(ctx, msg, err)
	}

	for {
		id, err := m.Apply(c.producer)
		switch {
		case err == nil:
			metrics.IngestMessages.WithLabelValues(c.topic, resultAccepted).Inc()
			log.Debugw("Mail request queued", "type", m.Type, "id", id)
			return nil
		case errors.Is(err, mail.ErrQueueFull):
			log.Warnw("Mail queue full, retrying message", "retryIn", c.retryDelay.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		case errors.Is(err, mail.ErrQueueStopped):
			return err
		default:
			metrics.IngestMessages.WithLabelValues(c.topic, resultRejected).Inc()
			log.Warnw("Mail request rejected by queue", "type", m.Type, "error", err)
			return c.toDeadLetter(ctx, msg, err)
		}
	}
}

func (c *Consumer) toDeadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	if c.deadLetter == nil {
		return nil
	}
	dl := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: "x-error", Value: []byte(cause.Error())},
			kafka.Header{Key: "x-source-topic", Value: []byte(msg.Topic)},
		),
	}
	if err := c.deadLetter.WriteMessages(ctx, dl); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

// Close releases the reader and the dead-letter writer.
func (c *Consumer) Close() error {
	var errs []error
	if err := c.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.deadLetter != nil {
		if err := c.deadLetter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewTransport returns a kafka-go transport carrying the TLS and SASL
// settings of cfg, for writers that talk to the same cluster.
func NewTransport(cfg config.Kafka) (*kafka.Transport, error) {
	tlsConfig, mechanism, err := security(cfg)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{TLS: tlsConfig, SASL: mechanism}, nil
}

func security(cfg config.Kafka) (*tls.Config, sasl.Mechanism, error) {
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, nil, err
	}
	mechanism, err := buildSASLMechanism(cfg.SASL)
	if err != nil {
		return nil, nil, err
	}
	return tlsConfig, mechanism, nil
}

func buildTLSConfig(cfg *config.KafkaTLS) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicit opt-in
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read Kafka CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func buildSASLMechanism(cfg *config.KafkaSASL) (sasl.Mechanism, error) {
	if cfg == nil || cfg.Mechanism == "" {
		return nil, nil
	}
	switch cfg.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", cfg.Mechanism)
	}
}
