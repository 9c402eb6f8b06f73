package store

import (
	"strings"
	"time"
	"unicode"
)

// Text-backed rows (Redis hashes, imported sheets) carry inconsistent key
// casing and booleans as strings. DecodeConnection is the only place that
// sees raw rows; everything past it works with a typed Connection.

var fieldAliases = map[string]string{
	"requesterid":      "fromuserid",
	"requester":        "fromuserid",
	"targetuserid":     "touserid",
	"recipientid":      "touserid",
	"connectionid":     "id",
	"goals":            "clientgoals",
	"signalid":         "relatedsignalid",
	"draft":            "draftmessage",
	"message":          "draftmessage",
	"finalapproved":    "adminfinalapproved",
	"locked":           "draftlocked",
	"fromlinkedinurl":  "fromlinkedin",
	"tolinkedinurl":    "tolinkedin",
	"targetname":       "toname",
	"targetemail":      "toemail",
	"targetcompany":    "tocompany",
	"requestername":    "fromname",
	"requesteremail":   "fromemail",
	"sentmessage":      "lastsentmessage",
	"emailsenttime":    "emailsentat",
	"clientapprovedon": "clientapprovedat",
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// canonicalKey folds "From User ID", "fromUserId" and "from_user_id" to the
// same key.
func canonicalKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	folded := b.String()
	if alias, ok := fieldAliases[folded]; ok {
		return alias
	}
	return folded
}

type row map[string]string

func normalizeRow(raw map[string]string) row {
	out := make(row, len(raw))
	for key, value := range raw {
		canonical := canonicalKey(key)
		value = strings.TrimSpace(value)
		// first non-empty variant wins
		if existing, ok := out[canonical]; ok && existing != "" {
			continue
		}
		out[canonical] = value
	}
	return out
}

func (r row) str(key string) string {
	return r[key]
}

func (r row) boolean(key string) bool {
	return ParseBool(r[key])
}

func (r row) timestamp(key string) *time.Time {
	return ParseTime(r[key])
}

// ParseBool is lenient: "true", "1" and "yes" in any case are true.
func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func FormatBool(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

func ParseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			parsed = parsed.UTC()
			return &parsed
		}
	}
	return nil
}

func FormatTime(value *time.Time) string {
	if value == nil || value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func DecodeConnection(raw map[string]string) Connection {
	r := normalizeRow(raw)
	c := Connection{
		ID:                 r.str("id"),
		FromUserID:         r.str("fromuserid"),
		ToUserID:           r.str("touserid"),
		DealID:             r.str("dealid"),
		FromName:           r.str("fromname"),
		FromEmail:          r.str("fromemail"),
		FromLinkedIn:       r.str("fromlinkedin"),
		ToName:             r.str("toname"),
		ToEmail:            r.str("toemail"),
		ToLinkedIn:         r.str("tolinkedin"),
		ToCompany:          r.str("tocompany"),
		AdminApproved:      r.boolean("adminapproved"),
		ClientApproved:     r.boolean("clientapproved"),
		AdminFinalApproved: r.boolean("adminfinalapproved"),
		DraftLocked:        r.boolean("draftlocked"),
		DraftMessage:       r.str("draftmessage"),
		DraftGeneratedAt:   r.timestamp("draftgeneratedat"),
		ClientApprovedAt:   r.timestamp("clientapprovedat"),
		EmailSentAt:        r.timestamp("emailsentat"),
		EmailStatus:        strings.ToLower(r.str("emailstatus")),
		LastSentMessage:    r.str("lastsentmessage"),
		ClientGoals:        r.str("clientgoals"),
		RelatedSignalID:    r.str("relatedsignalid"),
	}
	if created := r.timestamp("createdat"); created != nil {
		c.CreatedAt = *created
	}
	if updated := r.timestamp("updatedat"); updated != nil {
		c.UpdatedAt = *updated
	}
	c.Status = c.DerivedStatus()
	return c
}

// EncodeConnection writes canonical keys and canonical booleans.
func EncodeConnection(c Connection) map[string]string {
	created := c.CreatedAt
	updated := c.UpdatedAt
	return map[string]string{
		"id":                   c.ID,
		"from_user_id":         c.FromUserID,
		"to_user_id":           c.ToUserID,
		"deal_id":              c.DealID,
		"from_name":            c.FromName,
		"from_email":           c.FromEmail,
		"from_linkedin":        c.FromLinkedIn,
		"to_name":              c.ToName,
		"to_email":             c.ToEmail,
		"to_linkedin":          c.ToLinkedIn,
		"to_company":           c.ToCompany,
		"status":               string(c.DerivedStatus()),
		"admin_approved":       FormatBool(c.AdminApproved),
		"client_approved":      FormatBool(c.ClientApproved),
		"admin_final_approved": FormatBool(c.AdminFinalApproved),
		"draft_locked":         FormatBool(c.DraftLocked),
		"draft_message":        c.DraftMessage,
		"draft_generated_at":   FormatTime(c.DraftGeneratedAt),
		"client_approved_at":   FormatTime(c.ClientApprovedAt),
		"email_sent_at":        FormatTime(c.EmailSentAt),
		"email_status":         c.EmailStatus,
		"last_sent_message":    c.LastSentMessage,
		"client_goals":         c.ClientGoals,
		"related_signal_id":    c.RelatedSignalID,
		"created_at":           FormatTime(&created),
		"updated_at":           FormatTime(&updated),
	}
}

// EncodePatch renders only the fields a patch touches. Gates are written as
// "true" only; a false gate in a patch is never persisted.
func EncodePatch(p ConnectionPatch) map[string]string {
	out := map[string]string{}
	gate := func(key string, value *bool) {
		if value != nil && *value {
			out[key] = "true"
		}
	}
	gate("admin_approved", p.AdminApproved)
	gate("client_approved", p.ClientApproved)
	gate("admin_final_approved", p.AdminFinalApproved)
	gate("draft_locked", p.DraftLocked)
	if p.DraftMessage != nil {
		out["draft_message"] = *p.DraftMessage
	}
	if p.DraftGeneratedAt != nil {
		out["draft_generated_at"] = FormatTime(p.DraftGeneratedAt)
	}
	if p.ClientApprovedAt != nil {
		out["client_approved_at"] = FormatTime(p.ClientApprovedAt)
	}
	if p.EmailSentAt != nil {
		out["email_sent_at"] = FormatTime(p.EmailSentAt)
	}
	if p.EmailStatus != nil {
		out["email_status"] = *p.EmailStatus
	}
	if p.LastSentMessage != nil {
		out["last_sent_message"] = *p.LastSentMessage
	}
	if p.ToName != nil {
		out["to_name"] = *p.ToName
	}
	if p.ToEmail != nil {
		out["to_email"] = *p.ToEmail
	}
	if !p.UpdatedAt.IsZero() {
		out["updated_at"] = FormatTime(&p.UpdatedAt)
	}
	return out
}
