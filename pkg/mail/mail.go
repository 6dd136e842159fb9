package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/getsinto/sschoool-sub001/pkg/config"
	"github.com/getsinto/sschoool-sub001/pkg/metrics"
)

// SMTPTransport delivers messages through an SMTP relay.
type SMTPTransport struct {
	dialer *gomail.Dialer
	log    *zap.SugaredLogger
}

// NewSMTPTransport creates a transport from the SMTP section of the config.
func NewSMTPTransport(cfg config.SMTP, log *zap.SugaredLogger) *SMTPTransport {
	log.Infow("Initializing SMTP transport", "host", cfg.Host, "port", cfg.Port, "user", cfg.User)
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if cfg.InsecureSkipVerify {
		log.Warnw("InsecureSkipVerify is enabled for mail TLS connection", "host", cfg.Host)
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in for internal relays
	}
	return &SMTPTransport{dialer: d, log: log}
}

func (t *SMTPTransport) Name() string {
	return fmt.Sprintf("smtp:%s", t.dialer.Host)
}

// Deliver sends msg in one SMTP session. Replies in the 5xx range are
// reported as permanent failures.
func (t *SMTPTransport) Deliver(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), t.dialer.Host)
	m := gomail.NewMessage()
	m.SetHeader("Message-ID", messageID)
	m.SetAddressHeader("From", msg.FromAddress, msg.FromName)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)
	for _, a := range msg.Attachments {
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(a.Content)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}))
		}
		m.Attach(a.Filename, settings...)
	}

	if err := t.send(ctx, m, msg); err != nil {
		metrics.MailSendFailure.WithLabelValues(t.Name()).Inc()
		t.log.Warnw("SMTP delivery failed", "receivers", len(msg.To), "subject", msg.Subject, "error", err)
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code >= 500 {
			return "", Permanent(err)
		}
		return "", err
	}

	metrics.MailSendSuccess.WithLabelValues(t.Name()).Inc()
	t.log.Debugw("SMTP delivery succeeded", "receivers", len(msg.To), "messageID", messageID)
	return messageID, nil
}

// send runs one SMTP session bounded by ctx. The dialer only carries the
// relay settings: gomail dials without a deadline, and gomail.Send flattens
// SMTP reply errors into strings, hiding their status code.
func (t *SMTPTransport) send(ctx context.Context, m *gomail.Message, msg Message) error {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(t.dialer.Host, strconv.Itoa(t.dialer.Port)))
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := t.session(conn, m, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("SMTP session with %s aborted: %w", t.dialer.Host, ctxErr)
		}
		return err
	}
	return nil
}

func (t *SMTPTransport) session(conn net.Conn, m *gomail.Message, msg Message) error {
	d := t.dialer
	if d.SSL {
		conn = tls.Client(conn, t.tlsConfig())
	}
	c, err := smtp.NewClient(conn, d.Host)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if d.LocalName != "" {
		if err := c.Hello(d.LocalName); err != nil {
			return err
		}
	}
	if !d.SSL {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(t.tlsConfig()); err != nil {
				return err
			}
		}
	}
	if d.Username != "" {
		if ok, mechs := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", d.Username, d.Password, d.Host)
			if strings.Contains(mechs, "CRAM-MD5") {
				auth = smtp.CRAMMD5Auth(d.Username, d.Password)
			}
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}

	if err := c.Mail(msg.FromAddress); err != nil {
		return err
	}
	for _, to := range msg.To {
		if err := c.Rcpt(to); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := m.WriteTo(w); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (t *SMTPTransport) tlsConfig() *tls.Config {
	if t.dialer.TLSConfig != nil {
		return t.dialer.TLSConfig
	}
	return &tls.Config{ServerName: t.dialer.Host}
}

// LogTransport only logs messages. It is meant for local development.
type LogTransport struct {
	log *zap.SugaredLogger
}

func NewLogTransport(log *zap.SugaredLogger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Deliver(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	t.log.Infow("Mail delivered to log transport",
		"messageID", id,
		"from", msg.FromAddress,
		"to", msg.To,
		"subject", msg.Subject,
		"bytes", len(msg.HTML),
		"attachments", len(msg.Attachments))
	metrics.MailSendSuccess.WithLabelValues(t.Name()).Inc()
	return id, nil
}
