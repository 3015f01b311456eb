/*
capability.go - Authorization over a closed capability set

PURPOSE:
  Replaces scattered boolean permission flags with one function:

    Authorize(actor, action, resource) error

  A role grants a fixed set of Actions. Practitioner roles (coach,
  physiotherapist, nutritionist) are additionally scoped to the ledgers they
  own: for them the resource owner must equal the actor. Administrative roles
  bypass ownership.

  The actor itself is trusted. This file never validates credentials.
*/
package generic

import "github.com/cockroachdb/errors"

type Action string

const (
	ActionCheckIn         Action = "check_in"
	ActionScheduleSession Action = "schedule_session"
	ActionReverseSession  Action = "reverse_session"
	ActionViewLedger      Action = "view_ledger"
	ActionSellService     Action = "sell_service"
	ActionIssueReceipt    Action = "issue_receipt"
	ActionCancelReceipt   Action = "cancel_receipt"
	ActionViewFinance     Action = "view_finance"
	ActionRegisterMember  Action = "register_member"
)

// Resource describes what an action targets. An empty OwnerStaffID means the
// resource is not owner-scoped.
type Resource struct {
	OwnerStaffID StaffID
}

var practitionerActions = []Action{
	ActionCheckIn, ActionScheduleSession, ActionReverseSession, ActionViewLedger,
}

var capabilities = map[Role][]Action{
	RoleAdmin: {
		ActionCheckIn, ActionScheduleSession, ActionReverseSession, ActionViewLedger,
		ActionSellService, ActionIssueReceipt, ActionCancelReceipt, ActionViewFinance,
		ActionRegisterMember,
	},
	RoleManager: {
		ActionCheckIn, ActionScheduleSession, ActionReverseSession, ActionViewLedger,
		ActionSellService, ActionIssueReceipt, ActionCancelReceipt, ActionViewFinance,
		ActionRegisterMember,
	},
	RoleReception: {
		ActionViewLedger, ActionSellService, ActionIssueReceipt, ActionViewFinance,
		ActionRegisterMember,
	},
	RoleCoach:           practitionerActions,
	RolePhysiotherapist: practitionerActions,
	RoleNutritionist:    practitionerActions,
}

// IsPractitioner reports whether role owns ledgers and is limited to them.
func IsPractitioner(role Role) bool {
	switch role {
	case RoleCoach, RolePhysiotherapist, RoleNutritionist:
		return true
	}
	return false
}

// IsAdministrative reports whether role bypasses ownership checks.
func IsAdministrative(role Role) bool {
	return role == RoleAdmin || role == RoleManager
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role Role) bool {
	_, ok := capabilities[role]
	return ok
}

// Can reports whether role grants action, ignoring ownership.
func Can(role Role, action Action) bool {
	for _, a := range capabilities[role] {
		if a == action {
			return true
		}
	}
	return false
}

// Authorize checks that actor may perform action on res.
func Authorize(actor Actor, action Action, res Resource) error {
	if actor.IsZero() {
		return errors.WithHint(ErrUnauthorized, "Sign in first")
	}
	if !Can(actor.Role, action) {
		return errors.WithHint(&ForbiddenError{
			StaffID: actor.StaffID,
			Role:    actor.Role,
			Action:  action,
			Reason:  "role lacks capability",
		}, "You do not have permission for this action")
	}
	if IsPractitioner(actor.Role) && res.OwnerStaffID != "" && res.OwnerStaffID != actor.StaffID {
		return errors.WithHint(&ForbiddenError{
			StaffID: actor.StaffID,
			Role:    actor.Role,
			Action:  action,
			Reason:  "ledger belongs to another staff member",
		}, "This client is assigned to another staff member")
	}
	return nil
}
