package email

import (
	"bytes"
	"fmt"
	"html/template"
	"mime"
	"net/mail"
	"strings"
	"time"

	"introbroker/internal/util"
)

// Message is a plain text introduction with an HTML alternative.
type Message struct {
	From    Address
	To      Address
	Subject string
	Body    string
}

const boundary = "intro-alt-boundary"

func NewMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return "<" + util.NewID("msg") + "@" + domain + ">"
}

func formatAddress(a Address) string {
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// Render produces an RFC 5322 message with CRLF line endings.
func (m Message) Render(date time.Time, messageID string) ([]byte, error) {
	if _, err := mail.ParseAddress(m.To.Email); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", m.To.Email, err)
	}
	if _, err := mail.ParseAddress(m.From.Email); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", m.From.Email, err)
	}
	html, err := renderTemplate(introHTMLTemplate, htmlData{Paragraphs: paragraphs(m.Body)})
	if err != nil {
		return nil, fmt.Errorf("render message html: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", formatAddress(m.From))
	fmt.Fprintf(&msg, "To: %s\r\n", formatAddress(m.To))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", crlf(m.Body))

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", crlf(html))
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes(), nil
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func paragraphs(body string) []string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(body, "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
	}
	return out
}

type htmlData struct {
	Paragraphs []string
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const introHTMLTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #222;">
{{range .Paragraphs}}<p>{{.}}</p>
{{end}}</body>
</html>`
