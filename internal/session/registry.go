// ABOUTME: Concurrent registry of live agent sessions keyed by (agentId, agentType)
// ABOUTME: Handles replace-on-reconnect, liveness bookkeeping, fan-out, and event emission

package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/fleet-gateway/internal/dedupe"
)

// ErrSessionNotFound indicates no session is registered under the key.
var ErrSessionNotFound = errors.New("session not found")

// ErrSendFailed indicates the session's transport rejected the write.
var ErrSendFailed = errors.New("transport send failed")

// ErrCommandAbandoned indicates the session went away before answering.
var ErrCommandAbandoned = errors.New("command abandoned: session removed")

// ReasonKeyInUse is the rejection reason Reinstate gives when another
// session already holds the key.
const ReasonKeyInUse = "session key held by another connection"

const (
	resultDedupeTTL  = 10 * time.Minute
	resultDedupeSize = 10000
)

// AdmitFunc decides whether a registration may proceed. It runs after any
// previous session under the same key has been cleared.
type AdmitFunc func(Info) (ok bool, reason string)

// Option configures a Registry.
type Option func(*Registry)

// WithPublisher routes registry events to p.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) {
		if p != nil {
			r.publisher = p
		}
	}
}

// WithAdmission installs a registration policy hook.
func WithAdmission(fn AdmitFunc) Option {
	return func(r *Registry) { r.admit = fn }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry is the single owner of session state. It is safe for concurrent
// use; no lock is held while a transport is written to.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Key]*Session

	waitMu  sync.Mutex
	waiters map[string]*waiter

	// closing is set once Shutdown starts cancelling scopes; transport
	// closes after that are reported as shutdown.
	closing atomic.Bool

	results   *dedupe.Cache
	publisher Publisher
	admit     AdmitFunc
	now       func() time.Time
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sessions:  make(map[Key]*Session),
		waiters:   make(map[string]*waiter),
		publisher: discardPublisher{},
		now:       time.Now,
		logger:    logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.results = dedupe.New(resultDedupeTTL, resultDedupeSize, dedupe.WithClock(r.now))
	return r
}

// Register inserts s. A session already holding the same key is removed
// first and its connection scope cancelled, so a reconnect replaces rather
// than duplicates. Returns false with a reason only if the admission hook
// rejects the new session.
func (r *Registry) Register(s *Session) (bool, string) {
	return r.register(s, true)
}

// Reinstate registers s only while no session holds its key. A connection
// whose session was evicted uses it to come back without displacing a newer
// connection for the same agent.
func (r *Registry) Reinstate(s *Session) (bool, string) {
	return r.register(s, false)
}

func (r *Registry) register(s *Session, replace bool) (bool, string) {
	now := r.now()
	s.stamp(now)

	r.mu.Lock()
	old, replaced := r.sessions[s.Key]
	if replaced && !replace {
		r.mu.Unlock()
		return false, ReasonKeyInUse
	}
	if replaced {
		delete(r.sessions, s.Key)
	}
	if r.admit != nil {
		if ok, reason := r.admit(s.Info()); !ok {
			r.mu.Unlock()
			if replaced {
				r.finishRemoval(old, ReasonReplaced, true)
			}
			r.logger.Warn("registration rejected", "session_key", s.Key.String(), "reason", reason)
			return false, reason
		}
	}
	r.sessions[s.Key] = s
	total := len(r.sessions)
	r.mu.Unlock()

	if replaced {
		r.logger.Info("session replaced by reconnect",
			"session_key", s.Key.String(),
			"old_session_id", old.ID,
			"old_transport", old.TransportKind,
		)
		r.finishRemoval(old, ReasonReplaced, true)
	}

	r.logger.Info("=== SESSION CONNECTED ===",
		"session_key", s.Key.String(),
		"session_id", s.ID,
		"transport", s.TransportKind,
		"remote_addr", s.RemoteAddr,
		"total_sessions", total,
	)
	r.publish(Event{Kind: EventConnected, SessionKey: s.Key.String(), Session: s.Info(), At: now})
	return true, ""
}

// Remove deletes the session under key. It is idempotent and fires a
// disconnect event only when a session existed.
func (r *Registry) Remove(key Key) bool {
	return r.removeWhere(key, nil, ReasonRemoved, false)
}

// Disconnect removes the session under key and cancels its connection scope,
// so the owning transport tears the connection down.
func (r *Registry) Disconnect(key Key) bool {
	return r.removeWhere(key, nil, ReasonRemoved, true)
}

// Unregister removes s only if it is still the registered session for its
// key. A connection that was replaced by a reconnect therefore cannot remove
// its successor on the way out.
func (r *Registry) Unregister(s *Session) bool {
	return r.removeWhere(s.Key, s, ReasonTransportClose, false)
}

func (r *Registry) removeWhere(key Key, expect *Session, reason string, cancel bool) bool {
	r.mu.Lock()
	cur, ok := r.sessions[key]
	if !ok || (expect != nil && cur != expect) {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, key)
	r.mu.Unlock()

	if reason == ReasonTransportClose && r.closing.Load() {
		reason = ReasonShutdown
	}
	r.finishRemoval(cur, reason, cancel)
	return true
}

// finishRemoval runs the side effects of a removal outside the map lock.
func (r *Registry) finishRemoval(s *Session, reason string, cancel bool) {
	if cancel {
		s.closeScope()
	}
	r.abandonWaiters(s.ID)
	r.logger.Info("=== SESSION DISCONNECTED ===",
		"session_key", s.Key.String(),
		"session_id", s.ID,
		"reason", reason,
		"total_sessions", r.Count(),
	)
	r.publish(Event{
		Kind:       EventDisconnected,
		SessionKey: s.Key.String(),
		Session:    s.Info(),
		Reason:     reason,
		At:         r.now(),
	})
}

// UpdateHeartbeat refreshes liveness and inventory. It is a no-op returning
// false when the key is absent, for example after the sweeper evicted it.
func (r *Registry) UpdateHeartbeat(key Key, hb Heartbeat) bool {
	s, ok := r.Lookup(key)
	if !ok {
		return false
	}
	now := r.now()
	s.touch(now, hb)
	r.publish(Event{Kind: EventHeartbeat, SessionKey: key.String(), Session: s.Info(), At: now})
	return true
}

// HeartbeatSession is UpdateHeartbeat bound to s: it returns false without
// touching anything unless s is still the session registered for its key.
func (r *Registry) HeartbeatSession(s *Session, hb Heartbeat) bool {
	cur, ok := r.Lookup(s.Key)
	if !ok || cur != s {
		return false
	}
	now := r.now()
	s.touch(now, hb)
	r.publish(Event{Kind: EventHeartbeat, SessionKey: s.Key.String(), Session: s.Info(), At: now})
	return true
}

// UpdateInventory replaces the stored inventory of a live session, as sent
// by a re-registration on an open connection.
func (r *Registry) UpdateInventory(key Key, inv Inventory) bool {
	s, ok := r.Lookup(key)
	if !ok {
		return false
	}
	s.setInventory(r.now(), inv)
	return true
}

// SendCommand writes cmd to the session's transport. It returns false when
// the session is absent or the write fails. Nothing is queued.
func (r *Registry) SendCommand(key Key, cmd Command) bool {
	s, ok := r.Lookup(key)
	if !ok {
		r.logger.Debug("send to absent session", "session_key", key.String(), "command_id", cmd.ID)
		return false
	}
	if err := s.Transport.SendCommand(cmd); err != nil {
		r.logger.Debug("send command failed",
			"session_key", key.String(),
			"command_id", cmd.ID,
			"error", err,
		)
		return false
	}
	return true
}

// Broadcast sends cmd to every session matching match (nil matches all),
// sequentially over a snapshot. Returns the number of successful sends.
func (r *Registry) Broadcast(match func(Info) bool, cmd Command) int {
	sent := 0
	for _, s := range r.snapshot() {
		if match != nil && !match(s.Info()) {
			continue
		}
		if err := s.Transport.SendCommand(cmd); err != nil {
			r.logger.Debug("broadcast send failed", "session_key", s.Key.String(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// EvictStale removes every session whose last heartbeat is older than
// timeout. Removal is the only side effect; connections are left to notice
// on their own.
func (r *Registry) EvictStale(timeout time.Duration) int {
	now := r.now()

	r.mu.Lock()
	var evicted []*Session
	for key, s := range r.sessions {
		if s.stale(now, timeout) {
			delete(r.sessions, key)
			evicted = append(evicted, s)
		}
	}
	r.mu.Unlock()

	for _, s := range evicted {
		r.finishRemoval(s, ReasonStale, false)
	}
	return len(evicted)
}

// HandleResult records a command result from key. Duplicate deliveries of
// the same command id are dropped; the first result wins.
func (r *Registry) HandleResult(key Key, res CommandResult) {
	if res.CommandID != "" && r.results.CheckAndMark(key.String()+"/"+res.CommandID) {
		r.logger.Debug("duplicate command result dropped",
			"session_key", key.String(),
			"command_id", res.CommandID,
		)
		return
	}

	r.deliver(key, res)

	ev := Event{Kind: EventCommandResult, SessionKey: key.String(), Result: &res, At: r.now()}
	if s, ok := r.Lookup(key); ok {
		ev.Session = s.Info()
	}
	r.publish(ev)
}

// HandlePayload forwards an out-of-band payload without interpreting it.
func (r *Registry) HandlePayload(key Key, kind string, data []byte) {
	ev := Event{Kind: EventPayload, SessionKey: key.String(), PayloadKind: kind, Payload: data, At: r.now()}
	if s, ok := r.Lookup(key); ok {
		ev.Session = s.Info()
	}
	r.publish(ev)
}

// Lookup returns the live session under key.
func (r *Registry) Lookup(key Key) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Get returns a snapshot of the session under key.
func (r *Registry) Get(key Key) (Info, bool) {
	s, ok := r.Lookup(key)
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

// List returns snapshots of all sessions ordered by session key.
func (r *Registry) List() []Info {
	sessions := r.snapshot()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionKey < infos[j].SessionKey })
	return infos
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close releases background resources. Sessions are left untouched; use
// Shutdown for an orderly teardown.
func (r *Registry) Close() {
	r.results.Close()
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) publish(ev Event) {
	r.publisher.Publish(ev)
}
