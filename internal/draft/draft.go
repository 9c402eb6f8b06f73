// Package draft produces outreach message text for an introduction.
package draft

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"introbroker/internal/store"
)

// Generator is the draft adapter. Implementations may be slow and may fail;
// they are never called for a connection that already has a draft.
type Generator interface {
	Generate(ctx context.Context, in Context) (string, error)
}

type ConnectionType string

const (
	ConnectionPeer ConnectionType = "peer"
	ConnectionDeal ConnectionType = "deal"
)

// Context is everything a generator may draw on.
type Context struct {
	RequesterProfile store.User
	TargetName       string
	TargetCompany    string
	ConnectionType   ConnectionType
	Goals            string
	RelatedSignal    string
	Deal             *store.Deal
}

// ContextFor builds generator input from a connection and the records it
// points at. deal is nil for peer requests.
func ContextFor(c store.Connection, requester store.User, deal *store.Deal) Context {
	in := Context{
		RequesterProfile: requester,
		TargetName:       c.ToName,
		TargetCompany:    c.ToCompany,
		ConnectionType:   ConnectionPeer,
		Goals:            c.ClientGoals,
		RelatedSignal:    c.RelatedSignalID,
	}
	if c.IsDealRequest() {
		in.ConnectionType = ConnectionDeal
		in.Deal = deal
	}
	return in
}

// TemplateGenerator writes a fixed-shape draft. It is the fallback when no
// model is configured.
type TemplateGenerator struct {
	tmpl *template.Template
}

func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{tmpl: template.Must(template.New("draft").Funcs(template.FuncMap{
		"firstName": firstName,
	}).Parse(fallbackTemplate))}
}

func (g *TemplateGenerator) Generate(_ context.Context, in Context) (string, error) {
	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, in); err != nil {
		return "", fmt.Errorf("render draft: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}

const fallbackTemplate = `Hi {{firstName .TargetName}},

I'd like to introduce {{.RequesterProfile.DisplayName}}{{with .RequesterProfile.Company}} from {{.}}{{end}}.
{{- if .Deal}} They are interested in {{.Deal.Title}}{{with .Deal.Company}} at {{.}}{{end}}.{{end}}
{{- with .Goals}}

{{.}}{{end}}

Would you be open to a short call?

Best regards`
