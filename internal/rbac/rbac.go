package rbac

import "strings"

type Role string
type Action string

const (
	RoleRequester Role = "requester"
	RoleAdmin     Role = "admin"
)

const (
	// ActionRequest creates introduction requests and reads the caller's own.
	ActionRequest Action = "request"
	// ActionCurate covers admin-only gates: approve, generate, final approve, search.
	ActionCurate Action = "curate"
	// ActionReview covers draft edit and client approval; owners also qualify.
	ActionReview Action = "review"
	// ActionSend is owner-only regardless of role.
	ActionSend Action = "send"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return action != ActionSend
	case RoleRequester:
		return action == ActionRequest || action == ActionReview || action == ActionSend
	default:
		return false
	}
}

// Normalize collapses a free-text role to admin when it mentions admin,
// requester otherwise.
func Normalize(role string) Role {
	if strings.Contains(strings.ToLower(role), "admin") {
		return RoleAdmin
	}
	return RoleRequester
}

// Viewer is the authenticated identity a decision is made for.
type Viewer struct {
	UserID string
	Role   Role
}

func (v Viewer) IsAdmin() bool {
	return v.Role == RoleAdmin
}

// Owns reports whether the viewer is the persisted requester of a record.
func (v Viewer) Owns(fromUserID string) bool {
	return v.UserID != "" && v.UserID == fromUserID
}

// CanAccess gates record-level actions: admins reach every record for
// curate/review, owners reach their own for review/send/request.
func CanAccess(v Viewer, action Action, fromUserID string) bool {
	if !Can(v.Role, action) {
		// Admins who own a record may still send it.
		return action == ActionSend && v.Owns(fromUserID)
	}
	switch action {
	case ActionCurate:
		return v.IsAdmin()
	case ActionSend:
		return v.Owns(fromUserID)
	default:
		return v.IsAdmin() || v.Owns(fromUserID)
	}
}

// CanObserve reports whether a push event about a record requested by
// fromUserID may be delivered to the viewer.
func CanObserve(v Viewer, fromUserID string) bool {
	return v.IsAdmin() || v.Owns(fromUserID)
}
