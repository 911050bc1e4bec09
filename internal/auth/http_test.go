// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, and the role gate

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h http.Handler, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Generate("alice", []string{RoleOperator}, time.Hour)
	require.NoError(t, err)

	var got *AuthContext
	h := HTTPAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(t, h, "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, []string{RoleOperator}, got.Roles)
}

func TestHTTPAuthMiddleware_Rejects(t *testing.T) {
	v := newTestVerifier(t)
	h := HTTPAuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run")
	}))

	tests := []struct {
		name   string
		header string
		msg    string
	}{
		{"missing header", "", "missing authorization header"},
		{"basic auth", "Basic Zm9vOmJhcg==", "invalid authorization header format"},
		{"empty bearer", "Bearer ", "empty token"},
		{"bad token", "Bearer nope", "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, h, tt.header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tt.msg)
		})
	}
}

func TestHTTPAuthMiddleware_ExpiredToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Generate("alice", nil, time.Minute)
	require.NoError(t, err)
	v.now = func() time.Time { return time.Now().Add(time.Hour) }

	h := HTTPAuthMiddleware(v)(http.NotFoundHandler())
	rec := serve(t, h, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token expired")
}

func TestRequireAdminHTTP(t *testing.T) {
	v := newTestVerifier(t)
	admin, err := v.Generate("root", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)
	operator, err := v.Generate("ops", []string{RoleOperator}, time.Hour)
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := HTTPAuthMiddleware(v)(RequireAdminHTTP()(ok))

	assert.Equal(t, http.StatusNoContent, serve(t, h, "Bearer "+admin).Code)
	assert.Equal(t, http.StatusForbidden, serve(t, h, "Bearer "+operator).Code)
}

func TestRequireRole_WithoutAuthContext(t *testing.T) {
	h := RequireRole(RoleOperator)(http.NotFoundHandler())
	assert.Equal(t, http.StatusUnauthorized, serve(t, h, "").Code)
}
