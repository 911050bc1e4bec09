// ABOUTME: Loopback tests for the framed TCP server
// ABOUTME: Covers registration, installer provisioning, idle teardown, and eviction self-healing

package framed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/session"
)

type fakeAdvisor struct {
	latest string
}

func (a *fakeAdvisor) download() session.Command {
	text, _ := json.Marshal(map[string]string{"version": a.latest})
	return session.NewCommand("download", string(text), 0)
}

func (a *fakeAdvisor) ProvisionCommand(session.Key) (session.Command, bool) {
	if a.latest == "" {
		return session.Command{}, false
	}
	return a.download(), true
}

func (a *fakeAdvisor) UpdateCommand(current string, _ bool) (session.Command, bool) {
	if a.latest == "" || current >= a.latest {
		return session.Command{}, false
	}
	return a.download(), true
}

type testServer struct {
	srv      *Server
	registry *session.Registry
	addr     string
}

func fastConfig() Config {
	return Config{
		PollInterval: 10 * time.Millisecond,
		IdleTimeout:  time.Second,
		FrameTimeout: time.Second,
		WriteTimeout: time.Second,
	}
}

func startServer(t *testing.T, cfg Config, advisor UpdateAdvisor) *testServer {
	t.Helper()

	registry := session.NewRegistry(slog.Default())
	t.Cleanup(registry.Close)

	srv := NewServer(cfg, registry, advisor, slog.Default())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Wait()
	})

	return &testServer{srv: srv, registry: registry, addr: ln.Addr().String()}
}

type agentConn struct {
	t  *testing.T
	nc net.Conn
}

func dial(t *testing.T, addr string) *agentConn {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	return &agentConn{t: t, nc: nc}
}

func (a *agentConn) send(m *Message) {
	a.t.Helper()
	require.NoError(a.t, WriteMessage(a.nc, m))
}

func (a *agentConn) recv(timeout time.Duration) (*Message, error) {
	_ = a.nc.SetReadDeadline(time.Now().Add(timeout))
	return ReadMessage(a.nc)
}

func (a *agentConn) mustRecv() *Message {
	a.t.Helper()
	m, err := a.recv(2 * time.Second)
	require.NoError(a.t, err)
	return m
}

func (a *agentConn) register(id, typ string) *Message {
	a.t.Helper()
	a.send(&Message{
		Type:      TypeRegistration,
		AgentID:   id,
		AgentType: typ,
		Inventory: &Inventory{MachineName: "pc-" + id, OS: "windows", TotalMemoryMB: 8192},
	})
	return a.mustRecv()
}

func TestInstallerScenario_ProvisionThenIdleTeardown(t *testing.T) {
	cfg := fastConfig()
	cfg.IdleTimeout = 150 * time.Millisecond
	ts := startServer(t, cfg, &fakeAdvisor{latest: "2025.01.01.2"})
	agent := dial(t, ts.addr)

	accepted := agent.register("abc", "INSTALLER")
	assert.Equal(t, TypeAccepted, accepted.Type)
	assert.Equal(t, "abc", accepted.AgentID)
	assert.Equal(t, "abc:INSTALLER", accepted.SessionKey)

	info, ok := ts.registry.Get(session.NewKey("abc", "INSTALLER"))
	require.True(t, ok)
	assert.Equal(t, session.TransportFramed, info.Transport)
	assert.Equal(t, "pc-abc", info.Inventory.MachineName)

	cmd := agent.mustRecv()
	assert.Equal(t, TypeCommand, cmd.Type)
	assert.Equal(t, "download", cmd.CommandType)
	assert.NotEmpty(t, cmd.CommandID)
	assert.Contains(t, cmd.CommandText, "2025.01.01.2")

	// The agent stays silent; no sweeper runs. The adapter's own idle check
	// must tear the session down.
	_, err := agent.recv(3 * time.Second)
	assert.True(t, IsExpectedClose(err), "expected close, got %v", err)
	assert.Eventually(t, func() bool { return ts.registry.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClientIsNotProvisioned(t *testing.T) {
	ts := startServer(t, fastConfig(), &fakeAdvisor{latest: "2025.01.01.2"})
	agent := dial(t, ts.addr)
	agent.register("abc", "CLIENT")

	_, err := agent.recv(100 * time.Millisecond)
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "no frame expected, got %v", err)
}

func TestHeartbeatKeepsIdleTimerFresh(t *testing.T) {
	cfg := fastConfig()
	cfg.IdleTimeout = 150 * time.Millisecond
	ts := startServer(t, cfg, nil)
	agent := dial(t, ts.addr)
	agent.register("abc", "CLIENT")

	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		agent.send(&Message{Type: TypeHeartbeat, Activity: "Idling"})
	}
	assert.Equal(t, 1, ts.registry.Count())
}

func TestGarbageFramesDoNotKeepConnectionAlive(t *testing.T) {
	cfg := fastConfig()
	cfg.IdleTimeout = 150 * time.Millisecond
	ts := startServer(t, cfg, nil)
	agent := dial(t, ts.addr)
	agent.register("abc", "CLIENT")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		garbage := append(header(3), []byte("{{{")...)
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
			}
			if _, err := agent.nc.Write(garbage); err != nil {
				return
			}
			if err := WriteMessage(agent.nc, &Message{Type: "bogus"}); err != nil {
				return
			}
		}
	}()

	assert.Eventually(t, func() bool { return ts.registry.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestFirstFrameMustBeRegistration(t *testing.T) {
	ts := startServer(t, fastConfig(), nil)
	agent := dial(t, ts.addr)

	agent.send(&Message{Type: TypeHeartbeat})
	reply := agent.mustRecv()
	assert.Equal(t, TypeError, reply.Type)
	assert.NotEmpty(t, reply.Message)

	_, err := agent.recv(time.Second)
	assert.True(t, IsExpectedClose(err))
	assert.Equal(t, 0, ts.registry.Count())
}

func TestOversizedFrameDropsConnection(t *testing.T) {
	ts := startServer(t, fastConfig(), nil)
	agent := dial(t, ts.addr)
	agent.register("abc", "CLIENT")

	_, err := agent.nc.Write(header(MaxFrameSize + 1))
	require.NoError(t, err)

	_, err = agent.recv(time.Second)
	assert.True(t, IsExpectedClose(err))
	assert.Eventually(t, func() bool { return ts.registry.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHeartbeatAfterEvictionReRegisters(t *testing.T) {
	ts := startServer(t, fastConfig(), nil)
	agent := dial(t, ts.addr)
	agent.register("abc", "CLIENT")
	key := session.NewKey("abc", "CLIENT")

	// Simulate the sweeper winning a race against a healthy socket.
	require.True(t, ts.registry.Remove(key))
	agent.send(&Message{Type: TypeHeartbeat, Activity: "Back"})

	require.Eventually(t, func() bool {
		info, ok := ts.registry.Get(key)
		return ok && info.Inventory.MachineName == "pc-abc"
	}, time.Second, 5*time.Millisecond)

	// The revived session routes commands over the same socket.
	require.True(t, ts.registry.SendCommand(key, session.NewCommand("ping", "", 0)))
	m := agent.mustRecv()
	assert.Equal(t, "ping", m.CommandType)

	// Closing the socket removes the revived session too.
	_ = agent.nc.Close()
	assert.Eventually(t, func() bool { return ts.registry.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStaleSocketDoesNotDisplaceNewerSession(t *testing.T) {
	ts := startServer(t, fastConfig(), nil)
	old := dial(t, ts.addr)
	old.register("abc", "CLIENT")
	key := session.NewKey("abc", "CLIENT")

	// Evicted without cancelling the socket, then a newer connection takes the key.
	require.True(t, ts.registry.Remove(key))
	var cancelled atomic.Bool
	newer := session.New(key, session.TransportStream, session.TransportFunc(func(session.Command) error { return nil }),
		session.Inventory{}, func() { cancelled.Store(true) })
	ok, _ := ts.registry.Register(newer)
	require.True(t, ok)

	old.send(&Message{Type: TypeHeartbeat, Activity: "Stale"})

	_, err := old.recv(2 * time.Second)
	assert.True(t, IsExpectedClose(err), "expected close, got %v", err)

	info, ok := ts.registry.Get(key)
	require.True(t, ok)
	assert.Equal(t, newer.ID, info.SessionID)
	assert.NotEqual(t, "Stale", info.Activity)
	assert.False(t, cancelled.Load())
}

func TestResultCorrelation(t *testing.T) {
	ts := startServer(t, fastConfig(), nil)
	agent := dial(t, ts.addr)
	agent.register("abc", "CLIENT")

	go func() {
		m, err := agent.recv(2 * time.Second)
		if err != nil {
			return
		}
		_ = WriteMessage(agent.nc, &Message{Type: TypeResult, CommandID: m.CommandID, Success: true, ExitCode: 0, Stdout: "done"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := ts.registry.Execute(ctx, session.NewKey("abc", "CLIENT"), session.NewCommand("ping", "", 0))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Stdout)
}

func TestCheckUpdate(t *testing.T) {
	ts := startServer(t, fastConfig(), &fakeAdvisor{latest: "2025.01.01.2"})
	agent := dial(t, ts.addr)
	agent.register("abc", "CLIENT")

	agent.send(&Message{Type: TypeCheckUpdate, Version: "2025.01.01.1"})
	m := agent.mustRecv()
	assert.Equal(t, TypeCommand, m.Type)
	assert.Equal(t, "download", m.CommandType)

	// Up to date: no reply at all.
	agent.send(&Message{Type: TypeCheckUpdate, Version: "2025.01.01.2"})
	_, err := agent.recv(100 * time.Millisecond)
	var ne net.Error
	assert.True(t, errors.As(err, &ne) && ne.Timeout(), "expected silence, got %v", err)
}

func TestUnknownTypeIgnored(t *testing.T) {
	ts := startServer(t, fastConfig(), nil)
	agent := dial(t, ts.addr)
	agent.register("abc", "CLIENT")

	agent.send(&Message{Type: "telemetry_v9"})
	require.NoError(t, WriteFrame(agent.nc, []byte("{broken")))
	agent.send(&Message{Type: TypeHeartbeat, Activity: "after noise"})

	assert.Eventually(t, func() bool {
		info, ok := ts.registry.Get(session.NewKey("abc", "CLIENT"))
		return ok && info.Activity == "after noise"
	}, time.Second, 5*time.Millisecond)
}

func TestReRegistrationRefreshesInventory(t *testing.T) {
	ts := startServer(t, fastConfig(), nil)
	agent := dial(t, ts.addr)
	agent.register("abc", "CLIENT")

	agent.send(&Message{Type: TypeRegistration, AgentID: "abc", AgentType: "CLIENT", Inventory: &Inventory{MachineName: "renamed"}})
	agent.send(&Message{Type: TypeRegistration, AgentID: "other", AgentType: "CLIENT", Inventory: &Inventory{MachineName: "hijack"}})
	agent.send(&Message{Type: TypeHeartbeat})

	assert.Eventually(t, func() bool {
		info, ok := ts.registry.Get(session.NewKey("abc", "CLIENT"))
		return ok && info.Inventory.MachineName == "renamed"
	}, time.Second, 5*time.Millisecond)
	_, ok := ts.registry.Get(session.NewKey("other", "CLIENT"))
	assert.False(t, ok)
}

func TestDisconnectClosesSocket(t *testing.T) {
	ts := startServer(t, fastConfig(), nil)
	agent := dial(t, ts.addr)
	agent.register("abc", "CLIENT")

	require.True(t, ts.registry.Disconnect(session.NewKey("abc", "CLIENT")))
	_, err := agent.recv(time.Second)
	assert.True(t, IsExpectedClose(err))
}

type failingListener struct {
	net.Listener
	calls atomic.Int32
}

func (f *failingListener) Accept() (net.Conn, error) {
	f.calls.Add(1)
	return nil, errors.New("accept exploded")
}

func TestServe_ReturnsAcceptErrorsAndNilOnCancel(t *testing.T) {
	registry := session.NewRegistry(nil)
	defer registry.Close()
	srv := NewServer(fastConfig(), registry, nil, nil)

	base, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	err = srv.Serve(context.Background(), &failingListener{Listener: base})
	assert.ErrorContains(t, err, "accept exploded")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
