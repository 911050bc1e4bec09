// ABOUTME: HTTP API for agents (update check/download) and operators (sessions, versions)
// ABOUTME: Admin routes are wrapped in JWT auth when a secret is configured

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/yuin/goldmark"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/updates"
)

// defaultCommandWait bounds POST /api/sessions/{key}/commands when the
// request sets no timeout.
const defaultCommandWait = 30 * time.Second

// CommandRequest is the body of the command and broadcast endpoints.
type CommandRequest struct {
	CommandType    string `json:"commandType"`
	CommandText    string `json:"commandText,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	// Async returns as soon as the command is sent.
	Async bool `json:"async,omitempty"`
	// AgentType restricts a broadcast; empty means every session.
	AgentType string `json:"agentType,omitempty"`
}

// CommandAccepted is returned for async sends and broadcasts.
type CommandAccepted struct {
	CommandID string `json:"commandId"`
	Sent      int    `json:"sent"`
}

// SessionHistory is the response of GET /api/sessions/{key}/history.
type SessionHistory struct {
	Agent    *store.AgentSummary   `json:"agent,omitempty"`
	Sessions []store.SessionEvent  `json:"sessions"`
	Commands []store.CommandRecord `json:"commands"`
}

// VersionsResponse is the response of GET /api/versions.
type VersionsResponse struct {
	LatestVersion string                `json:"latestVersion"`
	Versions      []updates.VersionInfo `json:"versions"`
}

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Agent-facing, unauthenticated.
	mux.HandleFunc("GET /api/updates/check", g.handleUpdateCheck)
	mux.HandleFunc("GET /api/updates/download/{version}", g.handleDownload)
	mux.HandleFunc("GET /api/updates/helper", g.handleHelper)

	read := g.guard(auth.RoleOperator, auth.RoleAdmin)
	write := g.guard(auth.RoleAdmin)

	mux.Handle("GET /api/sessions", read(g.handleListSessions))
	mux.Handle("GET /api/sessions/{key}", read(g.handleGetSession))
	mux.Handle("GET /api/sessions/{key}/history", read(g.handleSessionHistory))
	mux.Handle("DELETE /api/sessions/{key}", write(g.handleDisconnect))
	mux.Handle("POST /api/sessions/{key}/commands", write(g.handleCommand))
	mux.Handle("POST /api/broadcast", write(g.handleBroadcast))
	mux.Handle("GET /api/agents", read(g.handleListAgents))

	mux.Handle("GET /api/versions", read(g.handleListVersions))
	mux.Handle("POST /api/versions", write(g.handleUploadVersion))
	mux.Handle("DELETE /api/versions/{version}", write(g.handleDeleteVersion))
	mux.Handle("GET /api/versions/{version}/notes", read(g.handleReleaseNotes))

	return mux
}

// guard wraps a handler in JWT auth plus a role check. With auth disabled
// handlers are served as is.
func (g *Gateway) guard(roles ...string) func(http.HandlerFunc) http.Handler {
	if g.verifier == nil {
		return func(h http.HandlerFunc) http.Handler { return h }
	}
	authn := auth.HTTPAuthMiddleware(g.verifier)
	authz := auth.RequireRole(roles...)
	return func(h http.HandlerFunc) http.Handler {
		return authn(authz(h))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.registry.Count())
}

// handleUpdateCheck handles GET /api/updates/check?version=&test=.
func (g *Gateway) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	current := q.Get("version")
	if current != "" && !updates.IsValidVersion(current) {
		sendJSONError(w, http.StatusBadRequest, "invalid version format")
		return
	}
	testMode, _ := strconv.ParseBool(q.Get("test"))

	ok, v := g.updates.CheckForUpdate(current, testMode)
	resp := updates.CheckResponse{UpdateAvailable: ok}
	if ok {
		resp.Version = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveVersion maps "latest" to the newest version for the request's
// test flag.
func (g *Gateway) resolveVersion(r *http.Request) (updates.VersionInfo, bool) {
	version := r.PathValue("version")
	if version == "latest" {
		testMode, _ := strconv.ParseBool(r.URL.Query().Get("test"))
		return g.updates.Latest(testMode)
	}
	return g.updates.Get(version)
}

// handleDownload handles GET /api/updates/download/{version}. The stored
// binary is re-hashed before it is served.
func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	info, ok := g.resolveVersion(r)
	if !ok {
		sendJSONError(w, http.StatusNotFound, "version not found")
		return
	}
	if err := g.updates.Verify(info.Version); err != nil {
		g.logger.Error("refusing to serve corrupt binary", "version", info.Version, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "stored binary failed verification")
		return
	}

	f, info, err := g.updates.Open(info.Version)
	if err != nil {
		sendJSONError(w, http.StatusNotFound, "version not found")
		return
	}
	defer f.Close()

	g.logger.Info("serving update", "version", info.Version, "remote_addr", r.RemoteAddr)
	g.serveBinary(w, r, f, info.FileName, info.SHA256, info.UploadedAt)
}

// handleHelper handles GET /api/updates/helper.
func (g *Gateway) handleHelper(w http.ResponseWriter, r *http.Request) {
	path := g.config.Updates.HelperPath
	if path == "" {
		sendJSONError(w, http.StatusNotFound, "no updater helper configured")
		return
	}
	sum, err := updates.HashFile(path)
	if err != nil {
		g.logger.Error("hashing updater helper", "path", path, "error", err)
		sendJSONError(w, http.StatusNotFound, "updater helper unavailable")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		sendJSONError(w, http.StatusNotFound, "updater helper unavailable")
		return
	}
	defer f.Close()

	var modTime time.Time
	if st, err := f.Stat(); err == nil {
		modTime = st.ModTime()
	}
	g.serveBinary(w, r, f, filepath.Base(path), sum, modTime)
}

// serveBinary writes f with its checksum header, zstd-compressed when the
// client asks for it.
func (g *Gateway) serveBinary(w http.ResponseWriter, r *http.Request, f *os.File, name, sum string, modTime time.Time) {
	w.Header().Set(updates.ChecksumHeader, sum)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Add("Vary", "Accept-Encoding")

	if !acceptsZstd(r.Header.Get("Accept-Encoding")) {
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, name, modTime, f)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "zstd")
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "compression unavailable")
		return
	}
	if _, err := io.Copy(enc, f); err != nil {
		g.logger.Warn("download interrupted", "file", name, "error", err)
		_ = enc.Close()
		return
	}
	if err := enc.Close(); err != nil {
		g.logger.Warn("finishing compressed download", "file", name, "error", err)
	}
}

func acceptsZstd(header string) bool {
	for _, part := range strings.Split(header, ",") {
		enc, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(enc), "zstd") {
			continue
		}
		return strings.ReplaceAll(params, " ", "") != "q=0"
	}
	return false
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := g.registry.List()
	if t := r.URL.Query().Get("agent_type"); t != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if strings.EqualFold(s.AgentType, t) {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	if sessions == nil {
		sessions = []session.Info{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// pathKey parses the {key} path value, writing a 400 on failure.
func pathKey(w http.ResponseWriter, r *http.Request) (session.Key, bool) {
	key, err := session.ParseKey(r.PathValue("key"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "session key must be agentId:AGENTTYPE")
		return session.Key{}, false
	}
	return key, true
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	info, ok := g.registry.Get(key)
	if !ok {
		sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (g *Gateway) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if g.history == nil {
		sendJSONError(w, http.StatusNotImplemented, "history is disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ctx := r.Context()

	resp := SessionHistory{}
	agent, err := g.history.GetAgent(ctx, key.String())
	switch {
	case err == nil:
		resp.Agent = agent
	case !errors.Is(err, store.ErrNotFound):
		g.logger.Error("loading agent history", "session_key", key.String(), "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if resp.Sessions, err = g.history.ListSessionEvents(ctx, key.String(), limit); err != nil {
		sendJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if resp.Commands, err = g.history.ListCommandResults(ctx, key.String(), limit); err != nil {
		sendJSONError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if resp.Sessions == nil {
		resp.Sessions = []store.SessionEvent{}
	}
	if resp.Commands == nil {
		resp.Commands = []store.CommandRecord{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if g.history == nil {
		sendJSONError(w, http.StatusNotImplemented, "history is disabled")
		return
	}
	agents, err := g.history.ListAgents(r.Context())
	if err != nil {
		g.logger.Error("listing agents", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []store.AgentSummary{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if !g.registry.Disconnect(key) {
		sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	g.logger.Info("session disconnected by operator", "session_key", key.String(), "by", subject(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func subject(ctx context.Context) string {
	if a := auth.FromContext(ctx); a != nil {
		return a.Subject
	}
	return "anonymous"
}

func decodeCommand(w http.ResponseWriter, r *http.Request) (CommandRequest, bool) {
	var req CommandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if strings.TrimSpace(req.CommandType) == "" {
		sendJSONError(w, http.StatusBadRequest, "commandType is required")
		return req, false
	}
	if req.TimeoutSeconds < 0 {
		sendJSONError(w, http.StatusBadRequest, "timeoutSeconds must not be negative")
		return req, false
	}
	return req, true
}

// handleCommand handles POST /api/sessions/{key}/commands. By default it
// waits for the agent's result.
func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	cmd := session.NewCommand(req.CommandType, req.CommandText, req.TimeoutSeconds)
	logger := g.logger.With("session_key", key.String(), "command_id", cmd.ID, "command_type", cmd.Type)

	if req.Async {
		if !g.registry.SendCommand(key, cmd) {
			sendJSONError(w, http.StatusNotFound, "session not found or send failed")
			return
		}
		logger.Info("command sent", "by", subject(r.Context()))
		writeJSON(w, http.StatusAccepted, CommandAccepted{CommandID: cmd.ID, Sent: 1})
		return
	}

	ctx := r.Context()
	if req.TimeoutSeconds == 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCommandWait)
		defer cancel()
	}

	logger.Info("executing command", "by", subject(r.Context()))
	res, err := g.registry.Execute(ctx, key, cmd)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, session.ErrSessionNotFound):
		sendJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrSendFailed):
		sendJSONError(w, http.StatusBadGateway, "failed to deliver command")
	case errors.Is(err, session.ErrCommandAbandoned):
		sendJSONError(w, http.StatusGone, "session went away before answering")
	case errors.Is(err, context.DeadlineExceeded):
		sendJSONError(w, http.StatusGatewayTimeout, "timed out waiting for result")
	default:
		logger.Warn("command failed", "error", err)
		sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	}
}

// handleBroadcast handles POST /api/broadcast. It never waits for results.
func (g *Gateway) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCommand(w, r)
	if !ok {
		return
	}
	var match func(session.Info) bool
	if req.AgentType != "" {
		want := strings.ToUpper(req.AgentType)
		match = func(i session.Info) bool { return i.AgentType == want }
	}
	cmd := session.NewCommand(req.CommandType, req.CommandText, req.TimeoutSeconds)
	sent := g.registry.Broadcast(match, cmd)
	g.logger.Info("command broadcast",
		"command_id", cmd.ID,
		"command_type", cmd.Type,
		"agent_type", req.AgentType,
		"sent", sent,
		"by", subject(r.Context()))
	writeJSON(w, http.StatusAccepted, CommandAccepted{CommandID: cmd.ID, Sent: sent})
}

func (g *Gateway) handleListVersions(w http.ResponseWriter, _ *http.Request) {
	versions := g.updates.ListVersions()
	if versions == nil {
		versions = []updates.VersionInfo{}
	}
	writeJSON(w, http.StatusOK, VersionsResponse{
		LatestVersion: g.updates.LatestVersion(),
		Versions:      versions,
	})
}

// handleUploadVersion handles the multipart upload of a new version with
// fields file, version, release_notes and test.
func (g *Gateway) handleUploadVersion(w http.ResponseWriter, r *http.Request) {
	maxBytes := g.config.Updates.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	version := strings.TrimSpace(r.FormValue("version"))
	isTest, _ := strconv.ParseBool(r.FormValue("test"))
	file, _, err := r.FormFile("file")
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	info, err := g.updates.AddVersion(r.Context(), file, version, r.FormValue("release_notes"), isTest)
	switch {
	case err == nil:
		g.logger.Info("version uploaded", "version", info.Version, "test", info.IsTestVersion, "by", subject(r.Context()))
		writeJSON(w, http.StatusCreated, info)
	case errors.Is(err, updates.ErrInvalidVersion), errors.Is(err, updates.ErrEmptyBinary):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, updates.ErrVersionNotGreater):
		sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error("storing version", "version", version, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to store version")
	}
}

func (g *Gateway) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	err := g.updates.DeleteVersion(version)
	switch {
	case err == nil:
		g.logger.Info("version deleted", "version", version, "by", subject(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, updates.ErrVersionNotFound):
		sendJSONError(w, http.StatusNotFound, "version not found")
	case errors.Is(err, updates.ErrLastVersion):
		sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error("deleting version", "version", version, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to delete version")
	}
}

// handleReleaseNotes renders a version's markdown release notes as HTML.
func (g *Gateway) handleReleaseNotes(w http.ResponseWriter, r *http.Request) {
	info, ok := g.updates.Get(r.PathValue("version"))
	if !ok {
		sendJSONError(w, http.StatusNotFound, "version not found")
		return
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(info.ReleaseNotes), &buf); err != nil {
		sendJSONError(w, http.StatusInternalServerError, "failed to render release notes")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
