// ABOUTME: Authentication context carried through admin API handlers
// ABOUTME: Provides WithAuth/FromContext for propagating identity via context

package auth

import (
	"context"
	"slices"
)

// Role names understood by the admin API.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// AuthContext is the identity extracted from a verified token.
type AuthContext struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the identity carries role.
func (a *AuthContext) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// IsAdmin returns true if the identity has the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a.HasRole(RoleAdmin)
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
