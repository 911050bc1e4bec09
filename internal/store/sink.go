// ABOUTME: HistorySink drains registry events from the bus into a HistoryStore
// ABOUTME: Write failures are logged and never stall the event stream

package store

import (
	"context"
	"log/slog"

	"github.com/2389/fleet-gateway/internal/session"
)

// HistorySink persists registry events.
type HistorySink struct {
	store  HistoryStore
	logger *slog.Logger
}

// NewHistorySink creates a sink writing to store.
func NewHistorySink(store HistoryStore, logger *slog.Logger) *HistorySink {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistorySink{store: store, logger: logger.With("component", "history")}
}

// Run consumes events until ctx ends or the channel closes.
func (h *HistorySink) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Handle(ctx, ev)
		}
	}
}

// Handle persists one event. Kinds without a history record are skipped.
func (h *HistorySink) Handle(ctx context.Context, ev session.Event) {
	var err error
	switch ev.Kind {
	case session.EventConnected, session.EventDisconnected:
		kind := SessionConnected
		if ev.Kind == session.EventDisconnected {
			kind = SessionDisconnected
		}
		err = h.store.RecordSessionEvent(ctx, &SessionEvent{
			SessionKey:  ev.SessionKey,
			SessionID:   ev.Session.SessionID,
			AgentID:     ev.Session.AgentID,
			AgentType:   ev.Session.AgentType,
			Kind:        kind,
			Reason:      ev.Reason,
			Transport:   ev.Session.Transport,
			RemoteAddr:  ev.Session.RemoteAddr,
			MachineName: ev.Session.Inventory.MachineName,
			At:          ev.At,
		})

	case session.EventHeartbeat:
		err = h.store.RecordHeartbeat(ctx, ev.SessionKey, ev.At)

	case session.EventCommandResult:
		if ev.Result == nil {
			return
		}
		err = h.store.RecordCommandResult(ctx, &CommandRecord{
			SessionKey:   ev.SessionKey,
			CommandID:    ev.Result.CommandID,
			Success:      ev.Result.Success,
			ExitCode:     ev.Result.ExitCode,
			Stdout:       ev.Result.Stdout,
			Stderr:       ev.Result.Stderr,
			ErrorMessage: ev.Result.ErrorMessage,
			ReceivedAt:   ev.At,
		})

	default:
		return
	}

	if err != nil {
		h.logger.Warn("persisting event failed", "kind", ev.Kind, "session_key", ev.SessionKey, "error", err)
	}
}
