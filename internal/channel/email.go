package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vnmchuo/callmeter/internal/billing"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// defaultSendTimeout bounds a send when ctx carries no deadline.
const defaultSendTimeout = 30 * time.Second

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Email sends alerts to the recipients snapshotted on the alert.
type Email struct {
	cfg  SMTPConfig
	dial dialFunc
}

func NewEmail(cfg SMTPConfig) *Email {
	return &Email{cfg: cfg, dial: (&net.Dialer{}).DialContext}
}

func (c *Email) Name() string { return billing.ChannelEmail }

// Deliver runs the SMTP exchange on a connection bounded by ctx: the deadline
// caps every read and write, and cancellation closes the connection.
func (c *Email) Deliver(ctx context.Context, alert *billing.Alert) error {
	if len(alert.EmailRecipients) == 0 {
		return errors.New("no email recipients configured")
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial smtp server: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultSendTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set smtp deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.send(conn, alert); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("failed to send alert email: %w", ctxErr)
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("failed to send alert email: %w", context.DeadlineExceeded)
		}
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

func (c *Email) send(conn net.Conn, alert *billing.Alert) error {
	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if c.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return errors.New("smtp server does not support AUTH")
		}
		if err := client.Auth(smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	for _, to := range alert.EmailRecipients {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("set to %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("get writer: %w", err)
	}
	if _, err := w.Write(c.compose(alert)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return client.Quit()
}

func (c *Email) compose(alert *billing.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(alert.EmailRecipients, ", "))
	fmt.Fprintf(&b, "Subject: [%s] Call minutes at %d%% of your plan\r\n", strings.ToUpper(string(alert.Severity)), alert.Threshold)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(alert.Message)
	b.WriteString("\r\n")
	return []byte(b.String())
}
