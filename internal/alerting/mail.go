package alerting

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"collateral-alerts/internal/storage"
)

// MailOptions configure the SMTP relay.
type MailOptions struct {
	Host        string
	Port        int
	Username    string
	Password    string
	From        string
	Subject     string
	ImplicitTLS bool
}

// sendFunc hands a composed message to the relay.
type sendFunc func(ctx context.Context, to string, msg []byte) error

// MailChannel submits alerts through an SMTP relay.
type MailChannel struct {
	opts   MailOptions
	send   sendFunc
	now    func() time.Time
	logger zerolog.Logger
}

// NewMailChannel builds an SMTP channel.
func NewMailChannel(opts MailOptions, logger zerolog.Logger) *MailChannel {
	if opts.Subject == "" {
		opts.Subject = "Collateral ratio alert"
	}
	c := &MailChannel{
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "mail").Logger(),
	}
	c.send = c.smtpSend
	return c
}

func (c *MailChannel) Name() storage.Channel { return storage.ChannelMail }

func (c *MailChannel) Validate(alert storage.Alert) error {
	if _, err := mail.ParseAddress(alert.Email); err != nil {
		return fmt.Errorf("email %q: %w", alert.Email, err)
	}
	return nil
}

// Send is delivered once the relay accepted DATA.
func (c *MailChannel) Send(ctx context.Context, alert storage.Alert, message string) (bool, error) {
	if alert.Email == "" {
		return false, errors.New("mail alert without email")
	}

	if err := c.send(ctx, alert.Email, c.compose(alert.Email, message)); err != nil {
		return false, err
	}
	c.logger.Info().Str("alert_id", alert.ID).Msg("mail submitted")
	return true, nil
}

func (c *MailChannel) compose(to, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + c.opts.From + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + c.opts.Subject + "\r\n")
	b.WriteString("Date: " + c.now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (c *MailChannel) smtpSend(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	tlsConfig := &tls.Config{ServerName: c.opts.Host}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if c.opts.ImplicitTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, c.opts.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if !c.opts.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if c.opts.Username != "" {
		auth := smtp.PlainAuth("", c.opts.Username, c.opts.Password, c.opts.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(c.opts.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data rejected: %w", err)
	}
	return client.Quit()
}

var _ Channel = (*MailChannel)(nil)
