package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/db"
)

// SMTPConfig holds the outbound mail server settings. All fields are required.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c SMTPConfig) configured() bool {
	return c.Host != "" && c.Port != 0 && c.Username != "" && c.Password != "" && c.From != ""
}

// SMTPDispatcher sends reminders through an SMTP relay. Port 465 uses
// implicit TLS; other ports upgrade with STARTTLS when the server offers it.
type SMTPDispatcher struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

func NewSMTPDispatcher(cfg SMTPConfig, logger *zap.Logger) *SMTPDispatcher {
	if !cfg.configured() {
		logger.Warn("smtp is not configured, reminders will be marked failed",
			zap.Bool("transport_configured", false),
		)
	}
	return &SMTPDispatcher{
		cfg:    cfg,
		logger: logger,
	}
}

// Send delivers the reminder email. Cancelling ctx aborts the SMTP
// conversation.
func (d *SMTPDispatcher) Send(ctx context.Context, r *db.Reminder) error {
	if !d.cfg.configured() {
		return fmt.Errorf("smtp: %w", ErrNotConfigured)
	}

	from, err := mail.ParseAddress(d.cfg.From)
	if err != nil {
		return fmt.Errorf("invalid smtp from address: %w", err)
	}
	to, err := mail.ParseAddress(r.Email)
	if err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}

	msg := ComposeMessage(r)
	raw, err := buildMIME(from, to, msg, time.Now())
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	conn, err := d.dial(ctx)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()

	// expiring ctx unblocks any pending read or write
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := d.deliver(conn, from.Address, to.Address, raw); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("smtp send: %w (%v)", ctxErr, err)
		}
		return fmt.Errorf("smtp send: %w", err)
	}

	d.logger.Info("reminder email sent via smtp",
		zap.String("reminder_id", r.ID.String()),
		zap.String("to", to.Address),
	)

	return nil
}

func (d *SMTPDispatcher) implicitTLS() bool {
	return d.cfg.Port == 465
}

func (d *SMTPDispatcher) clientTLSConfig() *tls.Config {
	return &tls.Config{
		ServerName: d.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
}

func (d *SMTPDispatcher) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))

	if d.implicitTLS() {
		dialer := &tls.Dialer{Config: d.clientTLSConfig()}
		return dialer.DialContext(ctx, "tcp", addr)
	}

	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", addr)
}

func (d *SMTPDispatcher) deliver(conn net.Conn, from, to string, raw []byte) error {
	c, err := smtp.NewClient(conn, d.cfg.Host)
	if err != nil {
		return err
	}
	defer c.Close()

	if !d.implicitTLS() {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(d.clientTLSConfig()); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if ok, _ := c.Extension("AUTH"); ok {
		auth := smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}

	return c.Quit()
}

// buildMIME renders a single-part text/plain message.
func buildMIME(from, to *mail.Address, msg Message, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(msg.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
