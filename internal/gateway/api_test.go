// ABOUTME: Tests for the HTTP API: update endpoints, session control, versions, and auth
// ABOUTME: Requests go straight to the gateway's handler through httptest

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/updates"
)

func decodeJSON[T any](t *testing.T, body *bytes.Buffer) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body.Bytes(), &v))
	return v
}

func TestHealthEndpoints(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := do(t, gw, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(t, gw, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	gw.ready.Store(true)
	registerFake(t, gw, "abc", "CLIENT")
	rec = do(t, gw, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1 sessions")
}

func TestUpdateCheck(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := do(t, gw, http.MethodGet, "/api/updates/check?version=2025.01.01.1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[updates.CheckResponse](t, rec.Body)
	assert.False(t, resp.UpdateAvailable)
	assert.Nil(t, resp.Version)

	addVersion(t, gw.updates, "2025.01.02.1", false)
	addVersion(t, gw.updates, "2025.01.03.1", true)

	rec = do(t, gw, http.MethodGet, "/api/updates/check?version=2025.01.01.1", nil, nil)
	resp = decodeJSON[updates.CheckResponse](t, rec.Body)
	assert.True(t, resp.UpdateAvailable)
	require.NotNil(t, resp.Version)
	assert.Equal(t, "2025.01.02.1", resp.Version.Version)

	rec = do(t, gw, http.MethodGet, "/api/updates/check?version=2025.01.01.1&test=true", nil, nil)
	resp = decodeJSON[updates.CheckResponse](t, rec.Body)
	require.NotNil(t, resp.Version)
	assert.Equal(t, "2025.01.03.1", resp.Version.Version)

	rec = do(t, gw, http.MethodGet, "/api/updates/check?version=2025.01.02.1", nil, nil)
	assert.False(t, decodeJSON[updates.CheckResponse](t, rec.Body).UpdateAvailable)

	rec = do(t, gw, http.MethodGet, "/api/updates/check?version=not-a-version", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownload(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	info := addVersion(t, gw.updates, "2025.01.02.1", false)
	want := []byte("binary 2025.01.02.1")

	t.Run("plain", func(t *testing.T) {
		rec := do(t, gw, http.MethodGet, "/api/updates/download/2025.01.02.1", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, want, rec.Body.Bytes())
		assert.Equal(t, info.SHA256, rec.Header().Get(updates.ChecksumHeader))
		assert.Empty(t, rec.Header().Get("Content-Encoding"))
	})

	t.Run("latest", func(t *testing.T) {
		rec := do(t, gw, http.MethodGet, "/api/updates/download/latest", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, want, rec.Body.Bytes())
	})

	t.Run("zstd", func(t *testing.T) {
		rec := do(t, gw, http.MethodGet, "/api/updates/download/2025.01.02.1", nil,
			http.Header{"Accept-Encoding": {"gzip, zstd"}})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "zstd", rec.Header().Get("Content-Encoding"))
		assert.Equal(t, info.SHA256, rec.Header().Get(updates.ChecksumHeader))

		dec, err := zstd.NewReader(rec.Body)
		require.NoError(t, err)
		defer dec.Close()
		got, err := io.ReadAll(dec)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("unknown version", func(t *testing.T) {
		rec := do(t, gw, http.MethodGet, "/api/updates/download/2030.01.01.1", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("corrupt binary is refused", func(t *testing.T) {
		require.NoError(t, os.WriteFile(gw.updates.BinaryPath(info.Version), []byte("tampered"), 0o755))
		rec := do(t, gw, http.MethodGet, "/api/updates/download/2025.01.02.1", nil, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestAcceptsZstd(t *testing.T) {
	assert.True(t, acceptsZstd("zstd"))
	assert.True(t, acceptsZstd("gzip, ZSTD;q=0.5"))
	assert.False(t, acceptsZstd("gzip, br"))
	assert.False(t, acceptsZstd("zstd;q=0"))
	assert.False(t, acceptsZstd(""))
}

func TestHelperDownload(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGateway(t, cfg)

	rec := do(t, gw, http.MethodGet, "/api/updates/helper", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	helper := filepath.Join(t.TempDir(), "fleet-updater")
	require.NoError(t, os.WriteFile(helper, []byte("helper binary"), 0o755))
	cfg.Updates.HelperPath = helper

	rec = do(t, gw, http.MethodGet, "/api/updates/helper", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "helper binary", rec.Body.String())
	sum, err := updates.HashFile(helper)
	require.NoError(t, err)
	assert.Equal(t, sum, rec.Header().Get(updates.ChecksumHeader))
}

func TestSessionsListGetDelete(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	_, scope := registerFake(t, gw, "abc", "CLIENT")
	registerFake(t, gw, "def", "INSTALLER")

	rec := do(t, gw, http.MethodGet, "/api/sessions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[[]session.Info](t, rec.Body), 2)

	rec = do(t, gw, http.MethodGet, "/api/sessions?agent_type=installer", nil, nil)
	list := decodeJSON[[]session.Info](t, rec.Body)
	require.Len(t, list, 1)
	assert.Equal(t, "def:INSTALLER", list[0].SessionKey)

	rec = do(t, gw, http.MethodGet, "/api/sessions/abc:CLIENT", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "box-abc", decodeJSON[session.Info](t, rec.Body).Inventory.MachineName)

	rec = do(t, gw, http.MethodGet, "/api/sessions/nokey", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, gw, http.MethodDelete, "/api/sessions/abc:CLIENT", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Error(t, scope.Err(), "disconnect cancels the connection scope")
	assert.Equal(t, 1, gw.registry.Count())

	rec = do(t, gw, http.MethodDelete, "/api/sessions/abc:CLIENT", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommand_WaitsForResult(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	tr, _ := registerFake(t, gw, "abc", "CLIENT")
	key := session.NewKey("abc", "CLIENT")
	tr.answer = func(cmd session.Command) {
		gw.registry.HandleResult(key, session.CommandResult{CommandID: cmd.ID, Success: true, Stdout: "pong"})
	}

	body := []byte(`{"commandType":"ping","timeoutSeconds":5}`)
	rec := do(t, gw, http.MethodPost, "/api/sessions/abc:CLIENT/commands", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeJSON[session.CommandResult](t, rec.Body)
	assert.True(t, res.Success)
	assert.Equal(t, "pong", res.Stdout)
	require.Len(t, tr.sent(), 1)
	assert.Equal(t, tr.sent()[0].ID, res.CommandID)
}

func TestCommand_Async(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	tr, _ := registerFake(t, gw, "abc", "CLIENT")

	rec := do(t, gw, http.MethodPost, "/api/sessions/abc:CLIENT/commands",
		[]byte(`{"commandType":"get_logs","commandText":"50","async":true}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	acc := decodeJSON[CommandAccepted](t, rec.Body)
	require.Len(t, tr.sent(), 1)
	assert.Equal(t, tr.sent()[0].ID, acc.CommandID)
	assert.Equal(t, "50", tr.sent()[0].Text)
}

func TestCommand_Errors(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	registerFake(t, gw, "abc", "CLIENT")

	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"bad json", "/api/sessions/abc:CLIENT/commands", "{", http.StatusBadRequest},
		{"missing type", "/api/sessions/abc:CLIENT/commands", `{"commandText":"x"}`, http.StatusBadRequest},
		{"negative timeout", "/api/sessions/abc:CLIENT/commands", `{"commandType":"ping","timeoutSeconds":-1}`, http.StatusBadRequest},
		{"unknown session", "/api/sessions/zzz:CLIENT/commands", `{"commandType":"ping"}`, http.StatusNotFound},
		{"no answer", "/api/sessions/abc:CLIENT/commands", `{"commandType":"ping","timeoutSeconds":1}`, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, gw, http.MethodPost, tt.target, []byte(tt.body), nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestCommand_AbandonedWhenSessionRemoved(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	tr, _ := registerFake(t, gw, "abc", "CLIENT")
	key := session.NewKey("abc", "CLIENT")
	tr.answer = func(session.Command) { gw.registry.Remove(key) }

	rec := do(t, gw, http.MethodPost, "/api/sessions/abc:CLIENT/commands", []byte(`{"commandType":"ping","timeoutSeconds":5}`), nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestBroadcast(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	clientA, _ := registerFake(t, gw, "a", "CLIENT")
	clientB, _ := registerFake(t, gw, "b", "CLIENT")
	installer, _ := registerFake(t, gw, "c", "INSTALLER")

	rec := do(t, gw, http.MethodPost, "/api/broadcast", []byte(`{"commandType":"check_update","agentType":"client"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	acc := decodeJSON[CommandAccepted](t, rec.Body)
	assert.Equal(t, 2, acc.Sent)
	assert.Len(t, clientA.sent(), 1)
	assert.Len(t, clientB.sent(), 1)
	assert.Empty(t, installer.sent())
	assert.Equal(t, acc.CommandID, clientA.sent()[0].ID)

	rec = do(t, gw, http.MethodPost, "/api/broadcast", []byte(`{"commandType":"ping"}`), nil)
	assert.Equal(t, 3, decodeJSON[CommandAccepted](t, rec.Body).Sent)
}

func multipartUpload(t *testing.T, fields map[string]string, content []byte) ([]byte, http.Header) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if content != nil {
		fw, err := mw.CreateFormFile("file", "fleet-agent")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf.Bytes(), http.Header{"Content-Type": {mw.FormDataContentType()}}
}

func TestVersionsLifecycle(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	body, hdr := multipartUpload(t, map[string]string{
		"version":       "2025.02.01.1",
		"release_notes": "# Fixes\n\n- faster heartbeats",
	}, []byte("agent v1"))
	rec := do(t, gw, http.MethodPost, "/api/versions", body, hdr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeJSON[updates.VersionInfo](t, rec.Body)
	assert.Equal(t, "2025.02.01.1", first.Version)
	assert.Equal(t, int64(len("agent v1")), first.FileSizeBytes)

	body, hdr = multipartUpload(t, map[string]string{"version": "2025.02.02.1", "test": "true"}, []byte("agent v2"))
	rec = do(t, gw, http.MethodPost, "/api/versions", body, hdr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decodeJSON[updates.VersionInfo](t, rec.Body).IsTestVersion)

	rec = do(t, gw, http.MethodGet, "/api/versions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeJSON[VersionsResponse](t, rec.Body)
	require.Len(t, list.Versions, 2)
	assert.Equal(t, "2025.02.02.1", list.Versions[0].Version)

	rec = do(t, gw, http.MethodGet, "/api/versions/2025.02.01.1/notes", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "<h1>Fixes</h1>")
	assert.Contains(t, rec.Body.String(), "<li>faster heartbeats</li>")

	rec = do(t, gw, http.MethodDelete, "/api/versions/2025.02.02.1", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, gw, http.MethodDelete, "/api/versions/2025.02.01.1", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "the last version cannot be deleted")

	rec = do(t, gw, http.MethodDelete, "/api/versions/2030.01.01.1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadVersion_Rejections(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	addVersion(t, gw.updates, "2025.03.01.1", false)

	tests := []struct {
		name    string
		fields  map[string]string
		content []byte
		status  int
	}{
		{"missing file", map[string]string{"version": "2025.03.02.1"}, nil, http.StatusBadRequest},
		{"bad version", map[string]string{"version": "v2"}, []byte("x"), http.StatusBadRequest},
		{"not greater", map[string]string{"version": "2025.03.01.1"}, []byte("x"), http.StatusConflict},
		{"empty binary", map[string]string{"version": "2025.03.02.1"}, []byte{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, hdr := multipartUpload(t, tt.fields, tt.content)
			rec := do(t, gw, http.MethodPost, "/api/versions", body, hdr)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestSessionHistory(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, gw.history.RecordSessionEvent(ctx, &store.SessionEvent{
		SessionKey: "abc:CLIENT", SessionID: "s1", AgentID: "abc", AgentType: "CLIENT",
		Kind: store.SessionConnected, Transport: session.TransportStream, At: now,
	}))
	require.NoError(t, gw.history.RecordCommandResult(ctx, &store.CommandRecord{
		SessionKey: "abc:CLIENT", CommandID: "c1", Success: true, ReceivedAt: now,
	}))

	rec := do(t, gw, http.MethodGet, "/api/sessions/abc:CLIENT/history", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hist := decodeJSON[SessionHistory](t, rec.Body)
	require.NotNil(t, hist.Agent)
	assert.Equal(t, 1, hist.Agent.ConnectCount)
	assert.Len(t, hist.Sessions, 1)
	require.Len(t, hist.Commands, 1)
	assert.Equal(t, "c1", hist.Commands[0].CommandID)

	rec = do(t, gw, http.MethodGet, "/api/agents", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[[]store.AgentSummary](t, rec.Body), 1)

	rec = do(t, gw, http.MethodGet, "/api/sessions/zzz:CLIENT/history", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decodeJSON[SessionHistory](t, rec.Body)
	assert.Nil(t, empty.Agent)
	assert.Empty(t, empty.Sessions)
}

func TestHistoryDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = ""
	gw := newTestGateway(t, cfg)

	rec := do(t, gw, http.MethodGet, "/api/agents", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = testSecret
	gw := newTestGateway(t, cfg)
	registerFake(t, gw, "abc", "CLIENT")

	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	operator, err := v.Generate("ops", []string{auth.RoleOperator}, time.Hour)
	require.NoError(t, err)
	admin, err := v.Generate("root", []string{auth.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	bearer := func(tok string) http.Header { return http.Header{"Authorization": {"Bearer " + tok}} }

	assert.Equal(t, http.StatusUnauthorized, do(t, gw, http.MethodGet, "/api/sessions", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, gw, http.MethodGet, "/api/sessions", nil, bearer(operator)).Code)
	assert.Equal(t, http.StatusForbidden, do(t, gw, http.MethodDelete, "/api/sessions/abc:CLIENT", nil, bearer(operator)).Code)
	assert.Equal(t, http.StatusNoContent, do(t, gw, http.MethodDelete, "/api/sessions/abc:CLIENT", nil, bearer(admin)).Code)

	// Agent-facing endpoints stay open.
	assert.Equal(t, http.StatusOK, do(t, gw, http.MethodGet, "/api/updates/check?version=2025.01.01.1", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, gw, http.MethodGet, "/health", nil, nil).Code)
}
