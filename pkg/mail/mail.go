// Package mail delivers transactional email over SMTP. One sender is
// constructed per process and shared by the email adapter and the notifier.
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is a single outbound email. HTML and Text may both be set; the
// rendered message becomes multipart/alternative in that case.
type Message struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers messages and returns a message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// From is the default sender when a message carries none.
	From string
	// StartTLS upgrades the connection when the server offers it.
	StartTLS bool
	// Timeout bounds dial and the whole SMTP dialog when the context
	// carries no deadline.
	Timeout time.Duration
}

// SMTPSender speaks plain SMTP with optional STARTTLS and AUTH PLAIN. It
// opens one connection per message; the volumes here are notification-sized.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	if msg.From == "" {
		msg.From = s.cfg.From
	}
	if msg.From == "" {
		return "", fmt.Errorf("mail: no sender address")
	}
	if len(msg.To) == 0 {
		return "", fmt.Errorf("mail: no recipients")
	}
	id := fmt.Sprintf("<%s@tempus>", uuid.New())

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("mail: dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("mail: handshake: %w", err)
	}
	defer client.Close()

	if s.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				return "", fmt.Errorf("mail: starttls: %w", err)
			}
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return "", fmt.Errorf("mail: auth: %w", err)
		}
	}

	if err := client.Mail(msg.From); err != nil {
		return "", fmt.Errorf("mail: MAIL FROM: %w", err)
	}
	for _, rcpt := range msg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return "", fmt.Errorf("mail: RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("mail: DATA: %w", err)
	}
	if _, err := w.Write(render(id, msg)); err != nil {
		return "", fmt.Errorf("mail: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("mail: close body: %w", err)
	}
	if err := client.Quit(); err != nil {
		return "", fmt.Errorf("mail: quit: %w", err)
	}
	return id, nil
}

// render builds the RFC 5322 message bytes.
func render(id string, msg Message) []byte {
	var b strings.Builder
	write := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\r\n")
	}
	write("Message-ID: %s", id)
	write("Date: %s", time.Now().UTC().Format(time.RFC1123Z))
	write("From: %s", msg.From)
	write("To: %s", strings.Join(msg.To, ", "))
	write("Subject: %s", mime.QEncoding.Encode("utf-8", msg.Subject))
	write("MIME-Version: 1.0")

	switch {
	case msg.HTML != "" && msg.Text != "":
		boundary := strings.ReplaceAll(uuid.New().String(), "-", "")
		write("Content-Type: multipart/alternative; boundary=%q", boundary)
		write("")
		write("--%s", boundary)
		write("Content-Type: text/plain; charset=utf-8")
		write("")
		write("%s", msg.Text)
		write("--%s", boundary)
		write("Content-Type: text/html; charset=utf-8")
		write("")
		write("%s", msg.HTML)
		write("--%s--", boundary)
	case msg.HTML != "":
		write("Content-Type: text/html; charset=utf-8")
		write("")
		write("%s", msg.HTML)
	default:
		write("Content-Type: text/plain; charset=utf-8")
		write("")
		write("%s", msg.Text)
	}
	return []byte(b.String())
}
