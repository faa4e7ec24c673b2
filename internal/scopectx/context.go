// Package scopectx carries the authenticated caller's role and employer
// scope through the request context. Authentication itself happens
// upstream; this package only transports the outcome.
package scopectx

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Role identifies what kind of actor is calling the workflow.
type Role string

const (
	RoleEmployerOperator Role = "employer-operator"
	RolePlatformOperator Role = "platform-operator"
	RoleInsurerLiaison   Role = "insurer-liaison"
)

// ParseRole maps a wire value to a known role, defaulting to employer-operator.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RolePlatformOperator:
		return RolePlatformOperator
	case RoleInsurerLiaison:
		return RoleInsurerLiaison
	default:
		return RoleEmployerOperator
	}
}

type scopeKey struct{}

// Scope is the caller's authorization envelope.
type Scope struct {
	Role Role
	// EmployerID is zero for platform operators and insurer liaisons,
	// who may act across employers.
	EmployerID snowflake.ID
}

// WithScope stores the caller scope in the context.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// FromContext returns the caller scope, if present.
func FromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	return scope, ok
}

// AllowsEmployer reports whether the scope may operate on the given employer.
func (s Scope) AllowsEmployer(employerID snowflake.ID) bool {
	if s.Role == RolePlatformOperator || s.Role == RoleInsurerLiaison {
		return true
	}
	return s.EmployerID != 0 && s.EmployerID == employerID
}
