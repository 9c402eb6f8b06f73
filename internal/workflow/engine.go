// Package workflow holds the introduction approval state machine. Every
// function here is pure: it takes a viewer and a connection snapshot and
// returns either a rejection or the patch plus the event it produces.
// Persisting and publishing are the caller's job.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"introbroker/internal/rbac"
	"introbroker/internal/store"
)

type EventType string

const (
	EventConnected         EventType = "connected"
	EventKeepalive         EventType = "keepalive"
	EventConnectionCreated EventType = "connection_created"
	EventAdminApproved     EventType = "admin_approved"
	EventDraftGenerated    EventType = "draft_generated"
	EventDraftEdited       EventType = "draft_edited"
	EventClientApproved    EventType = "client_approved"
	EventFinalApproved     EventType = "final_approved"
	EventEmailSent         EventType = "email_sent"
)

// Mutation is what a successful transition asks the caller to persist and
// announce. Patch.Precondition carries the step's state guard so the store
// can re-run it against the row it is about to overwrite.
type Mutation struct {
	Patch store.ConnectionPatch
	Event EventType
}

func (m Mutation) expect(check func(store.Connection) error) Mutation {
	m.Patch.Precondition = check
	return m
}

// Gate names reported on invalid transitions.
const (
	GateStatus             = "status"
	GateAdminApproved      = "admin_approved"
	GateDraftMessage       = "draft_message"
	GateClientApproved     = "client_approved"
	GateAdminFinalApproved = "admin_final_approved"
	GateDraftLocked        = "draft_locked"
	GateEmailStatus        = "email_status"
	GateRecipient          = "to_email"
)

// authorize runs before any state is inspected so callers without the right
// role never learn where a record stands.
func authorize(v rbac.Viewer, action rbac.Action, c store.Connection) error {
	if v.UserID == "" {
		return Unauthenticated()
	}
	if !rbac.CanAccess(v, action, c.FromUserID) {
		switch action {
		case rbac.ActionCurate:
			return Forbidden("admin role required")
		case rbac.ActionSend:
			return Forbidden("only the requester may send this introduction")
		default:
			return Forbidden("not the requester of this connection")
		}
	}
	return nil
}

// CreateInput is the requester's ask. Exactly one of ToUserID and DealID is set.
type CreateInput struct {
	ToUserID        string
	DealID          string
	ClientGoals     string
	RelatedSignalID string
}

func ValidateCreate(v rbac.Viewer, in CreateInput) error {
	if v.UserID == "" {
		return Unauthenticated()
	}
	if !rbac.Can(v.Role, rbac.ActionRequest) {
		return Forbidden("role may not request introductions")
	}
	toUser := strings.TrimSpace(in.ToUserID)
	deal := strings.TrimSpace(in.DealID)
	switch {
	case toUser == "" && deal == "":
		return Validation("one of toUserId or dealId is required")
	case toUser != "" && deal != "":
		return Validation("toUserId and dealId are mutually exclusive")
	case toUser == v.UserID:
		return Validation("cannot request an introduction to yourself")
	}
	return nil
}

// CheckDuplicate rejects a second peer connection between the same two
// people, in either direction.
func CheckDuplicate(existing *store.Connection) error {
	if existing != nil {
		return Conflict(fmt.Sprintf("connection %s already exists between these users", existing.ID))
	}
	return nil
}

// NewConnection snapshots both parties' contact details. Exactly one of
// target and deal is non-nil.
func NewConnection(id string, requester store.User, target *store.User, deal *store.Deal, in CreateInput, now time.Time) store.Connection {
	c := store.Connection{
		ID:              id,
		FromUserID:      requester.ID,
		FromName:        requester.DisplayName,
		FromEmail:       requester.Email,
		FromLinkedIn:    requester.LinkedIn,
		ClientGoals:     strings.TrimSpace(in.ClientGoals),
		RelatedSignalID: strings.TrimSpace(in.RelatedSignalID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	switch {
	case target != nil:
		c.ToUserID = target.ID
		c.ToName = target.DisplayName
		c.ToEmail = target.Email
		c.ToLinkedIn = target.LinkedIn
		c.ToCompany = target.Company
	case deal != nil:
		c.DealID = deal.ID
		c.ToName = deal.ContactName
		c.ToEmail = deal.ContactEmail
		c.ToLinkedIn = deal.ContactLinkedIn
		c.ToCompany = deal.Company
	}
	c.Status = c.DerivedStatus()
	return c
}

// CanRead allows admins and the owning requester.
func CanRead(v rbac.Viewer, c store.Connection) error {
	if v.UserID == "" {
		return Unauthenticated()
	}
	if !rbac.CanObserve(v, c.FromUserID) {
		return Forbidden("not the requester of this connection")
	}
	return nil
}

func checkAdminApprove(v rbac.Viewer, c store.Connection) error {
	if err := authorize(v, rbac.ActionCurate, c); err != nil {
		return err
	}
	if c.AdminApproved || c.DerivedStatus() != store.StatusPending {
		return InvalidTransition(GateAdminApproved, "already approved")
	}
	return nil
}

func AdminApprove(v rbac.Viewer, c store.Connection, now time.Time) (Mutation, error) {
	if err := checkAdminApprove(v, c); err != nil {
		return Mutation{}, err
	}
	return Mutation{
		Patch: store.ConnectionPatch{AdminApproved: store.Bool(true), UpdatedAt: now},
		Event: EventAdminApproved,
	}.expect(func(fresh store.Connection) error { return checkAdminApprove(v, fresh) }), nil
}

// CheckGenerateDraft must pass before the draft adapter is called, and again
// when the generated text is written.
func CheckGenerateDraft(v rbac.Viewer, c store.Connection) error {
	if err := authorize(v, rbac.ActionCurate, c); err != nil {
		return err
	}
	if !c.AdminApproved {
		return InvalidTransition(GateAdminApproved, "not yet admin-approved")
	}
	if strings.TrimSpace(c.DraftMessage) != "" {
		return InvalidTransition(GateDraftMessage, "draft already exists; edit it instead")
	}
	if c.DraftLocked {
		return InvalidTransition(GateDraftLocked, "draft locked")
	}
	return nil
}

// ApplyDraft turns generated text into a mutation. Blank output counts as
// an adapter failure so the record stays in its prior state.
func ApplyDraft(v rbac.Viewer, text string, now time.Time) (Mutation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Mutation{}, AdapterFailure("draft generator returned empty text", nil)
	}
	return Mutation{
		Patch: store.ConnectionPatch{
			DraftMessage:     store.String(text),
			DraftGeneratedAt: store.Time(now),
			UpdatedAt:        now,
		},
		Event: EventDraftGenerated,
	}.expect(func(fresh store.Connection) error { return CheckGenerateDraft(v, fresh) }), nil
}

// checkEditDraft allows edits only to a generated, unlocked draft.
func checkEditDraft(v rbac.Viewer, c store.Connection) error {
	if err := authorize(v, rbac.ActionReview, c); err != nil {
		return err
	}
	if !c.AdminApproved {
		return InvalidTransition(GateAdminApproved, "not yet admin-approved")
	}
	if c.DraftLocked {
		return InvalidTransition(GateDraftLocked, "draft locked")
	}
	if strings.TrimSpace(c.DraftMessage) == "" {
		return InvalidTransition(GateDraftMessage, "no draft to edit; generate it first")
	}
	return nil
}

func EditDraft(v rbac.Viewer, c store.Connection, text string, now time.Time) (Mutation, error) {
	if err := checkEditDraft(v, c); err != nil {
		return Mutation{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Mutation{}, Validation("message is required")
	}
	return Mutation{
		Patch: store.ConnectionPatch{DraftMessage: store.String(text), UpdatedAt: now},
		Event: EventDraftEdited,
	}.expect(func(fresh store.Connection) error { return checkEditDraft(v, fresh) }), nil
}

func checkClientApprove(v rbac.Viewer, c store.Connection) error {
	if err := authorize(v, rbac.ActionReview, c); err != nil {
		return err
	}
	if strings.TrimSpace(c.DraftMessage) == "" {
		return InvalidTransition(GateDraftMessage, "draft empty")
	}
	if c.ClientApproved {
		return InvalidTransition(GateClientApproved, "already approved")
	}
	return nil
}

func ClientApprove(v rbac.Viewer, c store.Connection, now time.Time) (Mutation, error) {
	if err := checkClientApprove(v, c); err != nil {
		return Mutation{}, err
	}
	return Mutation{
		Patch: store.ConnectionPatch{
			ClientApproved:   store.Bool(true),
			ClientApprovedAt: store.Time(now),
			UpdatedAt:        now,
		},
		Event: EventClientApproved,
	}.expect(func(fresh store.Connection) error { return checkClientApprove(v, fresh) }), nil
}

func checkFinalApprove(v rbac.Viewer, c store.Connection) error {
	if err := authorize(v, rbac.ActionCurate, c); err != nil {
		return err
	}
	if !c.ClientApproved {
		return InvalidTransition(GateClientApproved, "client has not approved the draft")
	}
	if c.DraftLocked {
		return InvalidTransition(GateDraftLocked, "already locked")
	}
	return nil
}

// FinalApprove is the act that locks the draft.
func FinalApprove(v rbac.Viewer, c store.Connection, now time.Time) (Mutation, error) {
	if err := checkFinalApprove(v, c); err != nil {
		return Mutation{}, err
	}
	return Mutation{
		Patch: store.ConnectionPatch{
			AdminFinalApproved: store.Bool(true),
			DraftLocked:        store.Bool(true),
			UpdatedAt:          now,
		},
		Event: EventFinalApproved,
	}.expect(func(fresh store.Connection) error { return checkFinalApprove(v, fresh) }), nil
}

// CheckSend must pass before the delivery adapter is called.
func CheckSend(v rbac.Viewer, c store.Connection) error {
	if err := authorize(v, rbac.ActionSend, c); err != nil {
		return err
	}
	if c.EmailSentAt != nil || c.EmailStatus == store.EmailStatusSent {
		return InvalidTransition(GateEmailStatus, "email already sent")
	}
	if !c.ClientApproved || !c.DraftLocked {
		return InvalidTransition(GateDraftLocked, "draft not approved and locked")
	}
	if strings.TrimSpace(c.ToEmail) == "" {
		return InvalidTransition(GateRecipient, "recipient email missing")
	}
	return nil
}

// CheckCredential rejects a missing or expired outbound-mail grant. It is a
// retryable auth problem, not a workflow violation.
func CheckCredential(cred *store.MailCredential, now time.Time) error {
	if cred == nil || cred.AccessToken == "" {
		return MailAuthRequired("connect an outbound mail account before sending")
	}
	if !cred.Valid(now) {
		return MailAuthRequired("outbound mail authorization expired")
	}
	return nil
}

func ApplySent(v rbac.Viewer, c store.Connection, now time.Time) Mutation {
	return Mutation{
		Patch: store.ConnectionPatch{
			EmailSentAt:     store.Time(now),
			EmailStatus:     store.String(store.EmailStatusSent),
			LastSentMessage: store.String(c.DraftMessage),
			UpdatedAt:       now,
		},
		Event: EventEmailSent,
	}.expect(func(fresh store.Connection) error { return CheckSend(v, fresh) })
}

// Subject is the outbound email subject line.
func Subject(c store.Connection) string {
	from := strings.TrimSpace(c.FromName)
	to := strings.TrimSpace(c.ToName)
	switch {
	case from != "" && to != "":
		return fmt.Sprintf("Introduction: %s <> %s", from, to)
	case from != "":
		return "Introduction from " + from
	default:
		return "Introduction"
	}
}
