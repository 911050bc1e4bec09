// Package auth guards the gateway's admin HTTP API.
//
// Operators present an HS256 JWT as a bearer token. The token's "sub" claim
// names the operator and its "roles" claim lists granted roles:
//
//	v, err := auth.NewJWTVerifier(secret)
//	token, err := v.Generate("alice", []string{auth.RoleAdmin}, 24*time.Hour)
//
// HTTPAuthMiddleware rejects requests without a valid token and attaches the
// identity to the request context. RequireRole further restricts a route to
// identities holding a role. Agents do not authenticate here; agent admission
// is decided by the session registry.
package auth
