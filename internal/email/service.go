// Package email delivers approved introductions over SMTP using each
// sender's own OAuth grant.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"introbroker/internal/store"
)

// ErrCredential marks a delivery that failed because the sender's grant was
// rejected. Callers surface it as an auth problem, not a send failure.
var ErrCredential = errors.New("mail credential rejected")

// Receipt describes a message the server accepted.
type Receipt struct {
	MessageID string
	Raw       []byte
}

// Sender is the delivery adapter.
type Sender interface {
	Send(ctx context.Context, cred store.MailCredential, to Address, subject, body string) (Receipt, error)
}

type Address struct {
	Name  string
	Email string
}

type Config struct {
	Host     string
	Port     string
	FromName string
	// Domain is used for Message-ID. Defaults to Host.
	Domain string
}

// Service sends through a submission server authenticating as the sender.
type Service struct {
	config Config
	server string
	dialer net.Dialer
	now    func() time.Time
}

func NewService(config Config) *Service {
	if config.Port == "" {
		config.Port = "587"
	}
	if config.Domain == "" {
		config.Domain = config.Host
	}
	return &Service{
		config: config,
		server: net.JoinHostPort(config.Host, config.Port),
		dialer: net.Dialer{Timeout: 15 * time.Second},
		now:    time.Now,
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != ""
}

func (s *Service) Send(ctx context.Context, cred store.MailCredential, to Address, subject, body string) (Receipt, error) {
	if !s.IsConfigured() {
		return Receipt{}, fmt.Errorf("email not configured")
	}
	if cred.Email == "" || cred.AccessToken == "" {
		return Receipt{}, fmt.Errorf("%w: missing sender address or token", ErrCredential)
	}

	from := Address{Name: s.config.FromName, Email: cred.Email}
	msg := Message{From: from, To: to, Subject: subject, Body: body}
	id := NewMessageID(s.config.Domain)
	raw, err := msg.Render(s.now().UTC(), id)
	if err != nil {
		return Receipt{}, err
	}

	if err := s.deliver(ctx, cred, from.Email, to.Email, raw); err != nil {
		return Receipt{}, err
	}
	return Receipt{MessageID: id, Raw: raw}, nil
}

func (s *Service) deliver(ctx context.Context, cred store.MailCredential, from, to string, raw []byte) error {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.server)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if ok, _ := client.Extension("AUTH"); ok {
		if err := client.Auth(XOAuth2(cred.Email, cred.AccessToken)); err != nil {
			if isAuthRejection(err) {
				return fmt.Errorf("%w: %v", ErrCredential, err)
			}
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return client.Quit()
}

func isAuthRejection(err error) bool {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code == 535 || protoErr.Code == 534 || protoErr.Code == 530
	}
	return strings.Contains(strings.ToLower(err.Error()), "authentication")
}

type xoauth2 struct {
	user  string
	token string
}

// XOAuth2 authenticates with an OAuth bearer token as Gmail and Outlook
// submission servers expect.
func XOAuth2(user, token string) smtp.Auth {
	return &xoauth2{user: user, token: token}
}

func (a *xoauth2) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS && !isLocalhost(server.Name) {
		return "", nil, errors.New("xoauth2 requires an encrypted connection")
	}
	return "XOAUTH2", []byte("user=" + a.user + "\x01auth=Bearer " + a.token + "\x01\x01"), nil
}

// Next answers the server's JSON error challenge with an empty line so it
// reports the failure.
func (a *xoauth2) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}

func isLocalhost(name string) bool {
	return name == "localhost" || name == "127.0.0.1" || name == "::1"
}

// LoggingSender renders the message and logs it instead of delivering.
type LoggingSender struct {
	FromName string
	Domain   string
}

func (s LoggingSender) Send(_ context.Context, cred store.MailCredential, to Address, subject, body string) (Receipt, error) {
	domain := s.Domain
	if domain == "" {
		domain = "localhost"
	}
	id := NewMessageID(domain)
	msg := Message{From: Address{Name: s.FromName, Email: cred.Email}, To: to, Subject: subject, Body: body}
	raw, err := msg.Render(time.Now().UTC(), id)
	if err != nil {
		return Receipt{}, err
	}
	log.Printf("email (logged) from=%s to=%s subject=%q message_id=%s bytes=%d", cred.Email, to.Email, subject, id, len(raw))
	return Receipt{MessageID: id, Raw: raw}, nil
}
