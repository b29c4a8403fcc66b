// Package mailer sends plain-text email over SMTP.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Message is a plain-text email.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Sender delivers a composed message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config holds SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends mail through an SMTP relay with STARTTLS when offered.
type SMTPSender struct {
	cfg      Config
	auth     smtp.Auth
	sendMail sendFunc
	now      func() time.Time
}

// NewSMTP creates an SMTPSender. Auth is skipped when no username is set.
func NewSMTP(cfg Config) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, eris.New("mailer: smtp host is required")
	}
	if cfg.From == "" {
		return nil, eris.New("mailer: from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	s := &SMTPSender{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s, nil
}

// Send delivers msg. net/smtp has no context support, so ctx is only
// checked before dialing.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "mailer: send")
	}
	if len(msg.To) == 0 {
		return eris.New("mailer: no recipients")
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.sendMail(addr, s.auth, s.cfg.From, msg.To, Compose(s.cfg.From, msg, s.now())); err != nil {
		return eris.Wrapf(err, "mailer: send to %s", strings.Join(msg.To, ","))
	}
	return nil
}

// Compose renders msg as an RFC 5322 message with CRLF line endings.
func Compose(from string, msg Message, date time.Time) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }

	header("From", from)
	header("To", strings.Join(msg.To, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", date.Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=UTF-8")
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")

	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}
