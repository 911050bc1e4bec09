// ABOUTME: Tailnet mode: joins the gateway to a tailnet with tsnet and binds agent listeners there
// ABOUTME: Agents reach gRPC on :50051 and framed TCP on :9000; the HTTP API on :80 or :443

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/fleet-gateway/internal/config"
)

// Fixed tailnet ports agents dial.
const (
	tailnetAgentPort  = ":50051"
	tailnetFramedPort = ":9000"
)

// envTailnetAuthKey overrides tailscale.auth_key. TS_AUTHKEY is honored after it.
const envTailnetAuthKey = "FLEET_TAILSCALE_AUTHKEY"

var errNoTailnetAuthKey = errors.New("tailnet auth key missing: set tailscale.auth_key, " + envTailnetAuthKey + " or TS_AUTHKEY")

// tailnetStateDir is where the node keeps its identity between restarts.
func tailnetStateDir(cfg config.TailscaleConfig) (string, error) {
	if cfg.StateDir != "" {
		return cfg.StateDir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("no default tailnet state dir, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(base, "fleet-gateway", "tailnet"), nil
}

func tailnetAuthKey(cfg config.TailscaleConfig) (string, error) {
	for _, key := range []string{cfg.AuthKey, os.Getenv(envTailnetAuthKey), os.Getenv("TS_AUTHKEY")} {
		if key = strings.TrimSpace(key); key != "" {
			return key, nil
		}
	}
	return "", errNoTailnetAuthKey
}

// tailnetNode is the gateway's presence on the tailnet.
type tailnetNode struct {
	cfg    config.TailscaleConfig
	srv    *tsnet.Server
	status *ipnstate.Status
	logger *slog.Logger
}

// joinTailnet brings the node up and waits until it has an address.
func joinTailnet(ctx context.Context, cfg config.TailscaleConfig, logger *slog.Logger) (*tailnetNode, error) {
	dir, err := tailnetStateDir(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailnet state dir: %w", err)
	}
	key, err := tailnetAuthKey(cfg)
	if err != nil {
		return nil, err
	}

	n := &tailnetNode{
		cfg: cfg,
		srv: &tsnet.Server{
			Hostname:  cfg.Hostname,
			Dir:       dir,
			Ephemeral: cfg.Ephemeral,
			AuthKey:   key,
		},
		logger: logger,
	}

	logger.Info("joining tailnet", "node", cfg.Hostname, "state_dir", dir, "ephemeral", cfg.Ephemeral)
	n.status, err = n.srv.Up(ctx)
	if err != nil {
		_ = n.srv.Close()
		return nil, fmt.Errorf("joining tailnet: %w", err)
	}

	var addr string
	if len(n.status.TailscaleIPs) > 0 {
		addr = n.status.TailscaleIPs[0].String()
	} else {
		logger.Warn("tailnet node came up without an address")
	}
	logger.Info("tailnet node up", "node", cfg.Hostname, "tailnet_addr", addr, "magicdns_name", n.magicDNSName())
	return n, nil
}

func (n *tailnetNode) magicDNSName() string {
	if n.status == nil || n.status.Self == nil {
		return ""
	}
	return strings.TrimSuffix(n.status.Self.DNSName, ".")
}

// baseURL is the download base agents on the tailnet can reach, or "" when
// the node has no MagicDNS name.
func (n *tailnetNode) baseURL() string {
	name := n.magicDNSName()
	if name == "" {
		return ""
	}
	if n.cfg.HTTPS || n.cfg.Funnel {
		return "https://" + name
	}
	return "http://" + name
}

// listeners binds the agent, API and framed listeners on the node.
func (n *tailnetNode) listeners() (*listeners, error) {
	agentLn, err := n.srv.Listen("tcp", tailnetAgentPort)
	if err != nil {
		return nil, fmt.Errorf("binding tailnet agent port: %w", err)
	}
	apiLn, err := n.apiListener()
	if err != nil {
		_ = agentLn.Close()
		return nil, err
	}
	return &listeners{
		grpc: agentLn,
		http: apiLn,
		framed: func(context.Context) (net.Listener, error) {
			return n.srv.Listen("tcp", tailnetFramedPort)
		},
	}, nil
}

func (n *tailnetNode) apiListener() (net.Listener, error) {
	if n.cfg.Funnel {
		n.logger.Info("operator API exposed publicly through funnel", "port", 443)
		ln, err := n.srv.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("binding funnel: %w", err)
		}
		return ln, nil
	}
	if !n.cfg.HTTPS {
		ln, err := n.srv.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("binding tailnet API port: %w", err)
		}
		return ln, nil
	}

	n.logger.Info("operator API served over TLS with tailnet certificates", "port", 443)
	ln, err := n.srv.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("binding tailnet TLS port: %w", err)
	}
	lc, err := n.srv.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("tailnet local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

func (n *tailnetNode) close() error {
	return n.srv.Close()
}
