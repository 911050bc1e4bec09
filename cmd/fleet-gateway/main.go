// ABOUTME: Entry point for fleet-gateway, the agent session control server
// ABOUTME: Serves agents over gRPC and framed TCP plus an admin HTTP API

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/gateway"
	"github.com/2389/fleet-gateway/internal/session"
)

// Version is set at build time.
var version = "dev"

// envToken supplies the bearer token for admin API calls made by this binary.
const envToken = "FLEET_TOKEN"

const banner = `
  __ _           _                     _
 / _| | ___  ___| |_      __ _  __ _| |_ _____      ____ _ _   _
| |_| |/ _ \/ _ \ __|___ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
|  _| |  __/  __/ ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_|\___|\___|\__|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                          |___/                             |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fleet-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  health                 Check gateway health (HTTP and gRPC)")
		fmt.Println("  sessions               List connected agent sessions")
		fmt.Println("  token --subject NAME   Mint an admin API token")
		fmt.Println("  version                Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "sessions":
		err = runSessions(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
		green.Print("    ▶ ")
		fmt.Printf("Framed:    %s\n", cfg.Server.FramedAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Updates:   %s\n", cfg.Updates.Dir)
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! admin API is unauthenticated (auth.jwt_secret not set)")
	}

	fmt.Println()

	logger.Info("starting fleet-gateway",
		"version", version,
		"config", configPath,
		"server_id", cfg.Server.ServerID,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, out: os.Stdout, level: level}
	}

	return slog.New(handler)
}

// colorHandler writes one colorized line per record. Handlers derived through
// WithAttrs share the parent's mutex so lines never interleave.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: h.attrs, groups: newGroups}
}

func runHealth(ctx context.Context, args []string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var (
		httpAddr string
		grpcAddr string
		timeout  time.Duration
	)
	flagSet := pflag.NewFlagSet("health", pflag.ContinueOnError)
	flagSet.StringVar(&httpAddr, "http", cfg.Server.HTTPAddr, "gateway HTTP address")
	flagSet.StringVar(&grpcAddr, "grpc", cfg.Server.GRPCAddr, "gateway gRPC address (empty skips the gRPC check)")
	flagSet.DurationVar(&timeout, "timeout", 5*time.Second, "check timeout")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, status, err := getJSON(ctx, fmt.Sprintf("http://%s/health/ready", httpAddr), "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	if grpcAddr != "" {
		conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dialing gRPC: %w", err)
		}
		defer conn.Close()

		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			return fmt.Errorf("gRPC health check failed: %w", err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("gRPC unhealthy: %s", resp.GetStatus())
		}
	}

	fmt.Println("healthy")
	return nil
}

func runSessions(ctx context.Context, args []string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var (
		httpAddr string
		asJSON   bool
	)
	flagSet := pflag.NewFlagSet("sessions", pflag.ContinueOnError)
	flagSet.StringVar(&httpAddr, "http", cfg.Server.HTTPAddr, "gateway HTTP address")
	flagSet.BoolVar(&asJSON, "json", false, "print raw JSON")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	body, status, err := getJSON(ctx, fmt.Sprintf("http://%s/api/sessions", httpAddr), os.Getenv(envToken))
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing sessions: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	if asJSON {
		fmt.Println(string(body))
		return nil
	}

	var sessions []session.Info
	if err := json.Unmarshal(body, &sessions); err != nil {
		return fmt.Errorf("decoding sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTRANSPORT\tMACHINE\tVERSION\tACTIVITY\tLAST HEARTBEAT")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.SessionKey, s.Transport, s.Inventory.MachineName, s.Inventory.AgentVersion,
			s.Activity, s.LastHeartbeatAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func runToken(args []string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.StringVar(&subject, "subject", "", "token subject (required)")
	flagSet.StringSliceVar(&roles, "role", []string{auth.RoleOperator}, "granted roles (admin, operator)")
	flagSet.DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if subject == "" {
		return errors.New("--subject is required")
	}
	for _, r := range roles {
		if r != auth.RoleAdmin && r != auth.RoleOperator {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(subject, roles, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func getJSON(ctx context.Context, url, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}
