// ABOUTME: Shared fixtures for gateway tests
// ABOUTME: Builds a gateway on temp dirs and free ports with shrunk timings

package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/session"
)

const testSecret = "gateway-test-secret-0123456789abcdef"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a config on temp dirs with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Server: config.ServerConfig{
			GRPCAddr:   freeAddr(t),
			HTTPAddr:   freeAddr(t),
			FramedAddr: freeAddr(t),
			PublicURL:  "https://fleet.example.com",
			ServerID:   "gw-test",
		},
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "history.db")},
		Updates:  config.UpdatesConfig{Dir: filepath.Join(dir, "updates")},
		Sessions: config.SessionsConfig{
			ShutdownGrace: config.Duration(200 * time.Millisecond),
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	return gw
}

// do sends a request straight to the gateway's HTTP handler.
func do(t *testing.T, gw *Gateway, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

// fakeTransport records commands and optionally answers them through the
// registry.
type fakeTransport struct {
	mu       sync.Mutex
	commands []session.Command
	answer   func(session.Command)
}

func (f *fakeTransport) SendCommand(cmd session.Command) error {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	answer := f.answer
	f.mu.Unlock()
	if answer != nil {
		go answer(cmd)
	}
	return nil
}

func (f *fakeTransport) sent() []session.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Command(nil), f.commands...)
}

func registerFake(t *testing.T, gw *Gateway, id, typ string) (*fakeTransport, context.Context) {
	t.Helper()
	tr := &fakeTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := session.New(session.NewKey(id, typ), session.TransportStream, tr, session.Inventory{MachineName: "box-" + id}, cancel)
	ok, reason := gw.registry.Register(s)
	require.True(t, ok, reason)
	return tr, ctx
}
