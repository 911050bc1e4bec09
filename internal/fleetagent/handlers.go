// ABOUTME: Command handler registry and the built-in agent commands
// ABOUTME: Every command yields exactly one result, including unknown types and panics

package fleetagent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/logbuf"
	"github.com/2389/fleet-gateway/internal/wire"
)

// Built-in command types.
const (
	CommandPing        = "ping"
	CommandGetLogs     = "get_logs"
	CommandCheckUpdate = "check_update"
	CommandShutdown    = "shutdown"
)

// DefaultLogLines is how many lines get_logs returns without an explicit count.
const DefaultLogLines = 200

// Handler executes one command type.
type Handler interface {
	Handle(ctx context.Context, cmd wire.Command) wire.CommandResult
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd wire.Command) wire.CommandResult

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, cmd wire.Command) wire.CommandResult {
	return f(ctx, cmd)
}

// Handlers maps command types to handlers.
type Handlers struct {
	mu     sync.RWMutex
	byType map[string]Handler
	logger *slog.Logger
}

// NewHandlers returns an empty registry.
func NewHandlers(logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		byType: make(map[string]Handler),
		logger: logger.With("component", "handlers"),
	}
}

// Register binds commandType to h, replacing any previous handler.
func (h *Handlers) Register(commandType string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byType[commandType] = handler
}

// Types returns the registered command types.
func (h *Handlers) Types() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byType))
	for t := range h.byType {
		out = append(out, t)
	}
	return out
}

// Handle runs the handler for cmd.Type. A positive TimeoutSeconds bounds
// the handler's context. The result always carries cmd.ID.
func (h *Handlers) Handle(ctx context.Context, cmd wire.Command) (res wire.CommandResult) {
	h.mu.RLock()
	handler, ok := h.byType[cmd.Type]
	h.mu.RUnlock()

	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("command handler panicked", "command_id", cmd.ID, "command_type", cmd.Type, "panic", fmt.Sprint(p))
			res = failure(fmt.Sprintf("handler panicked: %v", p))
		}
		res.CommandID = cmd.ID
	}()

	if !ok {
		return failure(fmt.Sprintf("unknown command type %q", cmd.Type))
	}

	if cmd.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	return handler.Handle(ctx, cmd)
}

func failure(msg string) wire.CommandResult {
	return wire.CommandResult{Success: false, ExitCode: -1, ErrorMessage: msg}
}

// PingHandler answers "pong".
func PingHandler() Handler {
	return HandlerFunc(func(context.Context, wire.Command) wire.CommandResult {
		return wire.CommandResult{Success: true, Stdout: "pong"}
	})
}

// LogsHandler returns the most recent lines from buf. The command text may
// carry a line count.
func LogsHandler(buf *logbuf.Buffer) Handler {
	return HandlerFunc(func(_ context.Context, cmd wire.Command) wire.CommandResult {
		n := DefaultLogLines
		if text := strings.TrimSpace(cmd.Text); text != "" {
			v, err := strconv.Atoi(text)
			if err != nil || v < 0 {
				return failure(fmt.Sprintf("invalid line count %q", cmd.Text))
			}
			n = v
		}
		return wire.CommandResult{Success: true, Stdout: strings.Join(buf.Lines(n), "\n")}
	})
}

// CheckUpdateHandler schedules an update check and returns immediately.
// The check runs outside the command so a resulting drain does not wait on it.
func CheckUpdateHandler(trigger func()) Handler {
	return HandlerFunc(func(context.Context, wire.Command) wire.CommandResult {
		trigger()
		return wire.CommandResult{Success: true, Stdout: "update check scheduled"}
	})
}

// ShutdownHandler acknowledges a gateway shutdown notice. onNotice may be nil.
func ShutdownHandler(logger *slog.Logger, onNotice func(text string)) Handler {
	return HandlerFunc(func(_ context.Context, cmd wire.Command) wire.CommandResult {
		logger.Info("gateway shutdown notice received", "text", cmd.Text)
		if onNotice != nil {
			onNotice(cmd.Text)
		}
		return wire.CommandResult{Success: true}
	})
}
