// Package email delivers notifications over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"scoparia/internal/dispatch"
	"scoparia/internal/model"
)

// Config holds the outgoing server settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendFunc hands a built message to a mail server.
type SendFunc func(ctx context.Context, cfg Config, to string, msg []byte) error

// Transport sends payloads as multipart emails.
type Transport struct {
	cfg  Config
	send SendFunc
	now  func() time.Time
}

// Option configures a Transport.
type Option func(*Transport)

// WithSendFunc replaces the SMTP client, mainly for tests.
func WithSendFunc(f SendFunc) Option {
	return func(t *Transport) { t.send = f }
}

// New creates a Transport. The sender address defaults to the username.
func New(cfg Config, opts ...Option) *Transport {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	t := &Transport{cfg: cfg, send: sendSMTP, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send mails p to the address in its first target.
func (t *Transport) Send(ctx context.Context, p model.NotificationPayload) error {
	if len(p.Targets) == 0 || !strings.Contains(p.Targets[0], "@") {
		return dispatch.Permanent(fmt.Errorf("email: invalid address for %s", p.Username))
	}
	to := p.Targets[0]
	msg := BuildMessage(t.cfg.From, to, p.Message, t.now())
	if err := t.send(ctx, t.cfg, to, msg); err != nil {
		return classify(fmt.Errorf("send email to %s: %w", to, err))
	}
	return nil
}

// BuildMessage renders a multipart/alternative message with a plain text
// part followed by the HTML part.
func BuildMessage(from, to string, m model.Message, date time.Time) []byte {
	boundary := "scoparia-" + uuid.NewString()
	host := from
	if i := strings.LastIndex(from, "@"); i >= 0 {
		host = from[i+1:]
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Title))
	fmt.Fprintf(&msg, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: <%s@%s>\r\n", uuid.NewString(), host)
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	msg.WriteString("\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(crlf(m.Text))
	msg.WriteString("\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	msg.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(crlf(m.Body))
	msg.WriteString("\r\n")

	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return []byte(msg.String())
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// classify treats 5xx SMTP replies as permanent. Everything else,
// including 4xx replies and network errors, may succeed later.
func classify(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return dispatch.Permanent(err)
	}
	return dispatch.Transient(err)
}

// sendSMTP delivers msg honouring ctx for the dial and the whole session.
// Port 465 uses implicit TLS; other ports upgrade with STARTTLS when offered.
func sendSMTP(ctx context.Context, cfg Config, to string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	var conn net.Conn
	var err error
	if cfg.Port == 465 {
		d := &tls.Dialer{Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if cfg.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
			if err := c.Auth(auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}
	if err := c.Mail(cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return c.Quit()
}
