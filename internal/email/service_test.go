package email

import (
	"context"
	"errors"
	"net/mail"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"introbroker/internal/store"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{Port: ""}, expected: false},
		{name: "host only uses default port", config: Config{Host: "smtp.example.com"}, expected: true},
		{name: "fully configured", config: Config{Host: "smtp.example.com", Port: "465"}, expected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSendRejectsMissingCredential(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com"})
	_, err := svc.Send(context.Background(), store.MailCredential{Email: "ada@example.com"}, Address{Email: "bea@example.com"}, "s", "b")
	if !errors.Is(err, ErrCredential) {
		t.Fatalf("expected ErrCredential, got %v", err)
	}
}

func TestRenderMessage(t *testing.T) {
	msg := Message{
		From:    Address{Name: "Ada Lovelace", Email: "ada@example.com"},
		To:      Address{Name: "Bea", Email: "bea@example.com"},
		Subject: "Introduction: Ada <> Bea",
		Body:    "Hi Bea,\n\nMeet Ada <she builds engines>.\n\nBest",
	}
	date := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	raw, err := msg.Render(date, "<msg_1@example.com>")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	parsed, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("rendered message is not parseable: %v", err)
	}
	if got := parsed.Header.Get("Message-Id"); got != "<msg_1@example.com>" {
		t.Errorf("unexpected Message-ID %q", got)
	}
	if got := parsed.Header.Get("From"); !strings.Contains(got, "ada@example.com") {
		t.Errorf("unexpected From %q", got)
	}
	text := string(raw)
	if !strings.Contains(text, "Meet Ada <she builds engines>.\r\n") {
		t.Error("plain part should carry the body verbatim")
	}
	if !strings.Contains(text, "<p>Meet Ada &lt;she builds engines&gt;.</p>") {
		t.Error("html part should escape body text")
	}
	if strings.Contains(strings.ReplaceAll(text, "\r\n", ""), "\n") {
		t.Error("message must use CRLF line endings")
	}
}

func TestRenderRejectsInvalidRecipient(t *testing.T) {
	msg := Message{From: Address{Email: "ada@example.com"}, To: Address{Email: "not an address"}}
	if _, err := msg.Render(time.Now(), "<x@y>"); err == nil {
		t.Fatal("expected invalid recipient error")
	}
}

func TestXOAuth2Payload(t *testing.T) {
	auth := XOAuth2("ada@example.com", "tok123")
	mech, payload, err := auth.Start(&smtp.ServerInfo{Name: "smtp.example.com", TLS: true})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if mech != "XOAUTH2" {
		t.Errorf("unexpected mechanism %s", mech)
	}
	if string(payload) != "user=ada@example.com\x01auth=Bearer tok123\x01\x01" {
		t.Errorf("unexpected payload %q", payload)
	}
	if _, _, err := auth.Start(&smtp.ServerInfo{Name: "smtp.example.com"}); err == nil {
		t.Error("expected plaintext connection to be refused")
	}
}

func TestLoggingSenderReturnsRenderedMessage(t *testing.T) {
	receipt, err := LoggingSender{FromName: "Intros"}.Send(context.Background(),
		store.MailCredential{Email: "ada@example.com", AccessToken: "t"},
		Address{Email: "bea@example.com"}, "Hello", "Body")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if receipt.MessageID == "" || !strings.Contains(string(receipt.Raw), "Subject: Hello") {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}
