// ABOUTME: Forwards registry events to NATS as JSON for external collaborators
// ABOUTME: Subjects follow <prefix>.<kind>.<agentType>.<agentId>

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/fleet-gateway/internal/session"
)

// DefaultPrefix is used when no subject prefix is configured.
const DefaultPrefix = "fleet.events"

// Message is the JSON body published for each event.
type Message struct {
	Kind        string                 `json:"kind"`
	SessionKey  string                 `json:"session_key"`
	AgentID     string                 `json:"agent_id"`
	AgentType   string                 `json:"agent_type"`
	Transport   string                 `json:"transport"`
	Session     session.Info           `json:"session"`
	Result      *session.CommandResult `json:"result,omitempty"`
	PayloadKind string                 `json:"payload_kind,omitempty"`
	Payload     json.RawMessage        `json:"payload,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	At          time.Time              `json:"at"`
}

// Forwarder publishes events on a NATS connection.
type Forwarder struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// Connect dials url and returns a Forwarder that owns the connection.
func Connect(url, prefix string, logger *slog.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "notify")

	nc, err := nats.Connect(url,
		nats.Name("fleet-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return NewForwarder(nc, prefix, logger), nil
}

// NewForwarder wraps an existing connection.
func NewForwarder(nc *nats.Conn, prefix string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Forwarder{
		nc:     nc,
		prefix: prefix,
		logger: logger.With("component", "notify"),
	}
}

// Subject returns the subject ev is published on.
func (f *Forwarder) Subject(ev session.Event) string {
	return strings.Join([]string{
		f.prefix,
		string(ev.Kind),
		token(ev.Session.AgentType),
		token(ev.Session.AgentID),
	}, ".")
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func messageFor(ev session.Event) Message {
	msg := Message{
		Kind:        string(ev.Kind),
		SessionKey:  ev.SessionKey,
		AgentID:     ev.Session.AgentID,
		AgentType:   ev.Session.AgentType,
		Transport:   ev.Session.Transport,
		Session:     ev.Session,
		Result:      ev.Result,
		PayloadKind: ev.PayloadKind,
		Reason:      ev.Reason,
		At:          ev.At,
	}
	if len(ev.Payload) > 0 {
		if json.Valid(ev.Payload) {
			msg.Payload = ev.Payload
		} else {
			// Opaque payloads go out as a JSON string (base64).
			b, _ := json.Marshal(ev.Payload)
			msg.Payload = b
		}
	}
	return msg
}

// Forward publishes one event.
func (f *Forwarder) Forward(ev session.Event) error {
	data, err := json.Marshal(messageFor(ev))
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := f.nc.Publish(f.Subject(ev), data); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Run forwards events until the channel closes or ctx is cancelled, then
// flushes what is buffered.
func (f *Forwarder) Run(ctx context.Context, events <-chan session.Event) {
	defer f.flush()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := f.Forward(ev); err != nil {
				if errors.Is(err, nats.ErrConnectionClosed) {
					f.logger.Warn("nats connection closed, forwarder stopping")
					return
				}
				f.logger.Warn("failed to forward event",
					"kind", ev.Kind,
					"session_key", ev.SessionKey,
					"error", err)
			}
		}
	}
}

func (f *Forwarder) flush() {
	if f.nc.IsClosed() {
		return
	}
	if err := f.nc.FlushTimeout(2 * time.Second); err != nil {
		f.logger.Debug("nats flush failed", "error", err)
	}
}

// Close drains and closes the connection.
func (f *Forwarder) Close() error {
	if f.nc.IsClosed() {
		return nil
	}
	return f.nc.Drain()
}
