package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports a second peer connection for the same pair of users.
	ErrDuplicate = errors.New("duplicate connection")
)

type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	LinkedIn     string    `json:"linkedin"`
	Company      string    `json:"company"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Deal struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Company         string    `json:"company"`
	ContactName     string    `json:"contact_name"`
	ContactEmail    string    `json:"contact_email"`
	ContactLinkedIn string    `json:"contact_linkedin"`
	CreatedAt       time.Time `json:"created_at"`
}

type Status string

const (
	StatusPending        Status = "pending"
	StatusAdminApproved  Status = "admin_approved"
	StatusDraftGenerated Status = "draft_generated"
	StatusClientApproved Status = "client_approved"
	StatusApproved       Status = "approved"
	StatusEmailSent      Status = "email_sent"
)

const EmailStatusSent = "sent"

// Connection is one introduction request. Contact fields are a snapshot taken
// at request time.
type Connection struct {
	ID         string `json:"id"`
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	DealID     string `json:"deal_id"`

	FromName     string `json:"from_name"`
	FromEmail    string `json:"from_email"`
	FromLinkedIn string `json:"from_linkedin"`
	ToName       string `json:"to_name"`
	ToEmail      string `json:"to_email"`
	ToLinkedIn   string `json:"to_linkedin"`
	ToCompany    string `json:"to_company"`

	Status             Status     `json:"status"`
	AdminApproved      bool       `json:"admin_approved"`
	ClientApproved     bool       `json:"client_approved"`
	AdminFinalApproved bool       `json:"admin_final_approved"`
	DraftLocked        bool       `json:"draft_locked"`
	DraftMessage       string     `json:"draft_message"`
	DraftGeneratedAt   *time.Time `json:"draft_generated_at"`
	ClientApprovedAt   *time.Time `json:"client_approved_at"`

	EmailSentAt     *time.Time `json:"email_sent_at"`
	EmailStatus     string     `json:"email_status"`
	LastSentMessage string     `json:"last_sent_message"`

	ClientGoals     string `json:"client_goals"`
	RelatedSignalID string `json:"related_signal_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c Connection) IsDealRequest() bool {
	return c.DealID != ""
}

// DerivedStatus computes the workflow state from the gate fields.
func (c Connection) DerivedStatus() Status {
	switch {
	case c.EmailSentAt != nil || c.EmailStatus == EmailStatusSent:
		return StatusEmailSent
	case c.AdminFinalApproved && c.DraftLocked:
		return StatusApproved
	case c.ClientApproved:
		return StatusClientApproved
	case c.DraftMessage != "" && c.AdminApproved:
		return StatusDraftGenerated
	case c.AdminApproved:
		return StatusAdminApproved
	default:
		return StatusPending
	}
}

// ConnectionPatch is a partial update. Gate fields only ever raise to true.
type ConnectionPatch struct {
	AdminApproved      *bool
	ClientApproved     *bool
	AdminFinalApproved *bool
	DraftLocked        *bool
	DraftMessage       *string
	DraftGeneratedAt   *time.Time
	ClientApprovedAt   *time.Time
	EmailSentAt        *time.Time
	EmailStatus        *string
	LastSentMessage    *string
	ToName             *string
	ToEmail            *string
	UpdatedAt          time.Time

	// Precondition, when set, is run by the store against the current row
	// inside the same lock or transaction that applies the patch. A non-nil
	// result aborts the write and is returned unchanged.
	Precondition func(Connection) error
}

func (p ConnectionPatch) Apply(c Connection) Connection {
	raise := func(dst *bool, src *bool) {
		if src != nil && *src {
			*dst = true
		}
	}
	raise(&c.AdminApproved, p.AdminApproved)
	raise(&c.ClientApproved, p.ClientApproved)
	raise(&c.AdminFinalApproved, p.AdminFinalApproved)
	raise(&c.DraftLocked, p.DraftLocked)
	if p.DraftMessage != nil {
		c.DraftMessage = *p.DraftMessage
	}
	if p.DraftGeneratedAt != nil {
		c.DraftGeneratedAt = timePtr(*p.DraftGeneratedAt)
	}
	if p.ClientApprovedAt != nil {
		c.ClientApprovedAt = timePtr(*p.ClientApprovedAt)
	}
	if p.EmailSentAt != nil {
		c.EmailSentAt = timePtr(*p.EmailSentAt)
	}
	if p.EmailStatus != nil {
		c.EmailStatus = *p.EmailStatus
	}
	if p.LastSentMessage != nil {
		c.LastSentMessage = *p.LastSentMessage
	}
	if p.ToName != nil {
		c.ToName = *p.ToName
	}
	if p.ToEmail != nil {
		c.ToEmail = *p.ToEmail
	}
	if !p.UpdatedAt.IsZero() {
		c.UpdatedAt = p.UpdatedAt
	}
	c.Status = c.DerivedStatus()
	return c
}

// MailCredential is a sender's outbound-mail OAuth grant.
type MailCredential struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (m MailCredential) Valid(now time.Time) bool {
	return m.AccessToken != "" && (m.ExpiresAt.IsZero() || now.Before(m.ExpiresAt))
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func Bool(v bool) *bool { return &v }

func String(v string) *string { return &v }

func Time(v time.Time) *time.Time { return &v }
