// ABOUTME: Command/result correlation and orderly registry shutdown
// ABOUTME: Waiters are keyed by command id and abandoned when their session goes away

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type outcome struct {
	result *CommandResult
	err    error
}

type waiter struct {
	key       Key
	sessionID string
	ch        chan outcome
}

// Execute sends cmd to key and waits for its result. It returns
// ErrSessionNotFound, ErrSendFailed, ErrCommandAbandoned, or the context
// error. A positive cmd.TimeoutSeconds bounds the wait in addition to ctx.
func (r *Registry) Execute(ctx context.Context, key Key, cmd Command) (*CommandResult, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	s, ok := r.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}

	w := &waiter{key: key, sessionID: s.ID, ch: make(chan outcome, 1)}
	r.waitMu.Lock()
	r.waiters[cmd.ID] = w
	r.waitMu.Unlock()
	defer r.dropWaiter(cmd.ID, w)

	if err := s.Transport.SendCommand(cmd); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	select {
	case out := <-w.ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) dropWaiter(id string, w *waiter) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	if r.waiters[id] == w {
		delete(r.waiters, id)
	}
}

func (r *Registry) deliver(key Key, res CommandResult) {
	r.waitMu.Lock()
	w, ok := r.waiters[res.CommandID]
	if ok && w.key == key {
		delete(r.waiters, res.CommandID)
	} else {
		ok = false
	}
	r.waitMu.Unlock()

	if ok {
		w.ch <- outcome{result: &res}
	}
}

func (r *Registry) abandonWaiters(sessionID string) {
	r.waitMu.Lock()
	var gone []*waiter
	for id, w := range r.waiters {
		if w.sessionID == sessionID {
			delete(r.waiters, id)
			gone = append(gone, w)
		}
	}
	r.waitMu.Unlock()

	for _, w := range gone {
		w.ch <- outcome{err: ErrCommandAbandoned}
	}
}

// Shutdown tears the registry down in order: send notice to every session,
// wait up to grace (or until ctx ends) for delivery, cancel every
// connection scope, then clear the map. Returns how many sessions the
// notice reached.
func (r *Registry) Shutdown(ctx context.Context, grace time.Duration, notice Command) int {
	if notice.ID == "" {
		notice.ID = uuid.New().String()
	}
	notified := r.Broadcast(nil, notice)
	r.logger.Info("shutdown notice sent", "notified", notified, "grace", grace)

	if grace > 0 && notified > 0 {
		t := time.NewTimer(grace)
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		t.Stop()
	}

	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	r.closing.Store(true)
	for _, s := range sessions {
		s.closeScope()
	}

	// A transport may unregister its own session once its scope ends; only
	// entries still present are cleared and reported here.
	cleared := sessions[:0]
	r.mu.Lock()
	for _, s := range sessions {
		if r.sessions[s.Key] == s {
			delete(r.sessions, s.Key)
			cleared = append(cleared, s)
		}
	}
	r.mu.Unlock()

	for _, s := range cleared {
		r.finishRemoval(s, ReasonShutdown, false)
	}
	return notified
}
