package lockbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SessionReceiver consumes one exclusively locked session of an entity. The
// session itself is the lock-bearing entity: its lock covers every message
// delivered under it and it is the thing registered with a lock renewer.
//
// A session lock does not survive a reconnect. Once the link is rebuilt the
// lock is gone server-side and every further call fails with the session
// lock errors; the handler never retries those silently.
type SessionReceiver struct {
	Receiver

	sessionID string

	mu          sync.Mutex
	lockedUntil time.Time
	expired     bool
}

// NewSessionReceiver creates a receiver bound to the given session id. The
// session lock expiry is taken from the transport's attach response on first
// use and refreshed by RenewSessionLock.
func NewSessionReceiver(handler *Handler, sessionID string, opts ...ReceiverOption) (*SessionReceiver, error) {
	if sessionID == "" {
		return nil, errors.New("a session id is required")
	}

	s := &SessionReceiver{
		sessionID: sessionID,
	}
	if err := initReceiver(&s.Receiver, handler, opts...); err != nil {
		return nil, err
	}
	s.session = s
	handler.sessionful = true

	return s, nil
}

// SessionID returns the id of the locked session.
func (s *SessionReceiver) SessionID() string {
	return s.sessionID
}

// LockedUntil returns the session lock expiry.
func (s *SessionReceiver) LockedUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lockedUntil
}

// Settled always reports false: sessions do not settle, they are released by
// closing the receiver or by letting the lock lapse.
func (s *SessionReceiver) Settled() bool {
	return false
}

// OwnerRunning reports whether the receiver behind this session is running.
func (s *SessionReceiver) OwnerRunning() bool {
	return s.IsRunning()
}

func (s *SessionReceiver) markLockExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expired = true
}

// checkLive guards every sessionful operation. Purely local.
func (s *SessionReceiver) checkLive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expired {
		return ErrSessionLockExpired
	}
	if !s.lockedUntil.IsZero() && time.Now().After(s.lockedUntil) {
		return ErrSessionLockExpired
	}

	return nil
}

// RenewLock extends the session lock. It satisfies Renewable so a session
// can be registered with a lock renewer.
func (s *SessionReceiver) RenewLock(ctx context.Context) error {
	_, err := s.RenewSessionLock(ctx)

	return err
}

// RenewSessionLock issues the session renew management request and returns
// the new expiry.
func (s *SessionReceiver) RenewSessionLock(ctx context.Context) (time.Time, error) {
	if !s.IsRunning() {
		return time.Time{}, ErrReceiverNotRunning
	}
	if err := s.checkLive(); err != nil {
		return time.Time{}, err
	}

	resp, err := s.handler.Mgmt(ctx, OpRenewSessionLock, map[string]any{
		fieldSessionID: s.sessionID,
	})
	if err != nil {
		return time.Time{}, err
	}

	expiration, ok := resp.Fields[fieldExpiration].(time.Time)
	if !ok {
		return time.Time{}, NewError(KindService, "renew-session-lock response is missing expiration", nil)
	}

	s.mu.Lock()
	if expiration.After(s.lockedUntil) {
		s.lockedUntil = expiration
	}
	expiration = s.lockedUntil
	s.mu.Unlock()

	return expiration, nil
}

// GetState fetches the opaque session state bytes, or nil when none is set.
func (s *SessionReceiver) GetState(ctx context.Context) ([]byte, error) {
	if !s.IsRunning() {
		return nil, ErrReceiverNotRunning
	}
	if err := s.checkLive(); err != nil {
		return nil, err
	}

	resp, err := s.handler.Mgmt(ctx, OpGetSessionState, map[string]any{
		fieldSessionID: s.sessionID,
	})
	if err != nil {
		return nil, err
	}

	state, _ := resp.Fields[fieldSessionState].([]byte)

	return state, nil
}

// SetState stores opaque session state bytes on the service.
func (s *SessionReceiver) SetState(ctx context.Context, state []byte) error {
	if !s.IsRunning() {
		return ErrReceiverNotRunning
	}
	if err := s.checkLive(); err != nil {
		return err
	}

	_, err := s.handler.Mgmt(ctx, OpSetSessionState, map[string]any{
		fieldSessionID:    s.sessionID,
		fieldSessionState: state,
	})

	return err
}

// setLockedUntil records the initial session lock expiry reported by the
// transport attach.
func (s *SessionReceiver) setLockedUntil(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.After(s.lockedUntil) {
		s.lockedUntil = t
	}
}
