/*
gate.go - Permission checks consumed by the ledger

PURPOSE:
  The ledger does not authenticate anyone. Callers resolve a Subject
  (from a JWT, a CLI flag, a job) and the engine asks the Gate whether
  that subject may manage or audit credits within a scope, and whether a
  target user belongs to that scope. Denials are *ForbiddenError values
  and are raised before any ledger read or write.

SCOPES:
  A scope is an opaque context identifier (a course, a tenant, a site).
  SystemScope covers every user.

SEE ALSO:
  - api/auth.go: Subject extraction from bearer tokens
*/
package credits

import (
	"context"
	"slices"
)

// SystemScope is the scope that contains every user.
const SystemScope = "system"

// Roles understood by RoleGate.
const (
	RoleManage  = "credits:manage"
	RoleViewAll = "credits:viewall"
	RoleView    = "credits:view"
)

// Gate actions, used in ForbiddenError.
const (
	ActionManage = "manage"
	ActionAudit  = "audit"
	ActionView   = "view"
)

// Subject is the authenticated caller.
type Subject struct {
	UserID int64
	Roles  []string
}

// HasRole reports whether the subject carries role.
func (s Subject) HasRole(role string) bool {
	return slices.Contains(s.Roles, role)
}

// SystemSubject is the subject used by scheduled jobs and the CLI.
func SystemSubject() Subject {
	return Subject{UserID: SystemUserID, Roles: []string{RoleManage, RoleViewAll}}
}

// Gate decides what a subject may do. A nil error means allowed.
type Gate interface {
	CanManage(ctx context.Context, subject Subject, scope string) error
	CanAudit(ctx context.Context, subject Subject, scope string) error
	InScope(ctx context.Context, subject Subject, scope string, userID int64) error
}

// MembershipFunc reports whether userID belongs to scope.
type MembershipFunc func(ctx context.Context, scope string, userID int64) (bool, error)

// =============================================================================
// ROLE GATE
// =============================================================================

// RoleGate grants permissions from the subject's roles. Managers can also
// audit. Membership is checked with Members when set; otherwise every user
// is a member of every scope.
type RoleGate struct {
	Members MembershipFunc
}

// NewRoleGate creates a RoleGate.
func NewRoleGate(members MembershipFunc) *RoleGate {
	return &RoleGate{Members: members}
}

func (g *RoleGate) CanManage(_ context.Context, subject Subject, scope string) error {
	if subject.HasRole(RoleManage) {
		return nil
	}
	return &ForbiddenError{SubjectID: subject.UserID, Action: ActionManage, Scope: scope}
}

func (g *RoleGate) CanAudit(_ context.Context, subject Subject, scope string) error {
	if subject.HasRole(RoleManage) || subject.HasRole(RoleViewAll) {
		return nil
	}
	return &ForbiddenError{SubjectID: subject.UserID, Action: ActionAudit, Scope: scope}
}

func (g *RoleGate) InScope(ctx context.Context, subject Subject, scope string, userID int64) error {
	if scope == SystemScope || g.Members == nil {
		return nil
	}
	ok, err := g.Members(ctx, scope, userID)
	if err != nil {
		return err
	}
	if !ok {
		return &ForbiddenError{SubjectID: subject.UserID, Action: ActionAudit, Scope: scope, UserID: userID}
	}
	return nil
}
