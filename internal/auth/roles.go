// Package auth provides the RBAC model for the review API (component N):
// roles, the can_view_raw/can_view_audit/can_approve_drafts permission
// matrix, and the extra privacy-queue gate on draft approval.
package auth

// Role is an actor's assigned role. Roles union: an actor's permissions are
// the union of RolePermissions across every role it holds.
type Role string

const (
	RoleAdministrator  Role = "administrator"
	RolePrivacyOfficer Role = "privacy_officer"
	RoleReviewer       Role = "reviewer"
	RoleViewer         Role = "viewer"
)

// Permission is one RBAC matrix key (§4.N).
type Permission string

const (
	PermViewRaw       Permission = "can_view_raw"
	PermViewAudit     Permission = "can_view_audit"
	PermApproveDrafts Permission = "can_approve_drafts"
)

// RolePermissions maps each role to its granted permissions.
var RolePermissions = map[Role][]Permission{
	RoleAdministrator:  {PermViewRaw, PermViewAudit, PermApproveDrafts},
	RolePrivacyOfficer: {PermViewRaw, PermViewAudit, PermApproveDrafts},
	RoleReviewer:       {PermViewAudit, PermApproveDrafts},
	RoleViewer:         {PermViewAudit},
}

// HasPermission reports whether the union of roles grants perm.
func HasPermission(roles []Role, perm Permission) bool {
	for _, role := range roles {
		for _, p := range RolePermissions[role] {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// HasAnyRole reports whether roles contains any of required.
func HasAnyRole(roles []Role, required ...Role) bool {
	for _, have := range roles {
		for _, want := range required {
			if have == want {
				return true
			}
		}
	}
	return false
}

// PrivacyQueueID is the queue whose draft approvals require an extra role
// gate beyond can_approve_drafts.
const PrivacyQueueID = "QUEUE_PRIVACY_DSR"

// CanApproveDraft reports whether roles may approve a draft on queueID.
// Privacy-queue drafts additionally require the privacy_officer or
// administrator role (§4.N).
func CanApproveDraft(roles []Role, queueID string) bool {
	if !HasPermission(roles, PermApproveDrafts) {
		return false
	}
	if queueID == PrivacyQueueID {
		return HasAnyRole(roles, RolePrivacyOfficer, RoleAdministrator)
	}
	return true
}
