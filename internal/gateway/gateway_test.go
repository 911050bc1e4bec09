// ABOUTME: End-to-end tests for the gateway lifecycle over real listeners
// ABOUTME: A gRPC agent and a framed installer connect, then shutdown notifies and records them

package gateway

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/fleet-gateway/internal/framed"
	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/wire"
)

func TestGatewayNew(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	assert.NotNil(t, gw.Registry())
	assert.NotNil(t, gw.Bus())
	assert.NotNil(t, gw.history)
	assert.Nil(t, gw.verifier)
	require.NoError(t, gw.Shutdown(context.Background()))
	require.NoError(t, gw.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestGatewayNew_RejectsShortSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"
	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

type running struct {
	gw     *Gateway
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startGateway(t *testing.T) *running {
	t.Helper()
	gw := newTestGateway(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{gw: gw, cancel: cancel, done: make(chan struct{})}
	go func() {
		r.err = gw.Run(ctx)
		close(r.done)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + gw.config.Server.HTTPAddr + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return gw.framedServer.Addr() != nil }, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(10 * time.Second):
		}
	})
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case <-r.done:
		require.NoError(t, r.err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func dialAgent(t *testing.T, addr string) (*grpc.ClientConn, wire.AgentControl_ConnectClient) {
	t.Helper()
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	st, err := wire.NewAgentControlClient(cc).Connect(ctx)
	require.NoError(t, err)
	return cc, st
}

func TestGatewayRunAndShutdown(t *testing.T) {
	r := startGateway(t)
	gw := r.gw
	addVersion(t, gw.updates, "2025.04.01.1", false)

	// gRPC agent
	cc, st := dialAgent(t, gw.config.Server.GRPCAddr)
	require.NoError(t, st.Send(&wire.AgentMessage{Registration: &wire.Registration{
		AgentID: "abc", AgentType: "CLIENT", Inventory: wire.Inventory{MachineName: "box-abc"},
	}}))
	resp, err := st.Recv()
	require.NoError(t, err)
	require.NotNil(t, resp.ConnectionResponse)
	assert.True(t, resp.ConnectionResponse.Accepted)
	assert.Equal(t, "gw-test", resp.ConnectionResponse.ServerID)

	cfgUpdate, err := st.Recv()
	require.NoError(t, err)
	require.NotNil(t, cfgUpdate.ConfigUpdate)
	assert.Equal(t, 15, cfgUpdate.ConfigUpdate.HeartbeatIntervalSeconds)

	hc, err := healthpb.NewHealthClient(cc).Check(context.Background(), &healthpb.HealthCheckRequest{Service: wire.AgentControlServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.Status)

	// framed installer is provisioned on accept
	nc, err := net.Dial("tcp", gw.framedServer.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, framed.WriteMessage(nc, &framed.Message{
		Type: framed.TypeRegistration, AgentID: "inst1", AgentType: "installer",
	}))
	_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	accepted, err := framed.ReadMessage(nc)
	require.NoError(t, err)
	assert.Equal(t, framed.TypeAccepted, accepted.Type)
	assert.Equal(t, "inst1:INSTALLER", accepted.SessionKey)
	provision, err := framed.ReadMessage(nc)
	require.NoError(t, err)
	assert.Equal(t, framed.TypeCommand, provision.Type)
	assert.Equal(t, CommandTypeDownload, provision.CommandType)
	assert.Contains(t, provision.CommandText, "https://fleet.example.com/api/updates/download/2025.04.01.1")

	require.Eventually(t, func() bool { return gw.registry.Count() == 2 }, 5*time.Second, 10*time.Millisecond)

	// shutdown: the gRPC agent receives the notice, then its stream ends
	go r.cancel()
	notice, err := st.Recv()
	require.NoError(t, err)
	require.NotNil(t, notice.Command)
	assert.Equal(t, ShutdownCommandType, notice.Command.Type)

	r.stop(t)
	assert.Equal(t, 0, gw.registry.Count())

	// history survived in the database
	hist, err := store.NewSQLiteStore(gw.config.Database.Path, testLogger())
	require.NoError(t, err)
	defer hist.Close()
	events, err := hist.ListSessionEvents(context.Background(), "abc:CLIENT", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.SessionDisconnected, events[0].Kind)
	assert.Equal(t, session.ReasonShutdown, events[0].Reason)
	assert.Equal(t, store.SessionConnected, events[1].Kind)
}

func TestGatewayRun_ListenFailure(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	require.NoError(t, err)
	defer ln.Close()

	gw := newTestGateway(t, cfg)
	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gRPC address")
}
