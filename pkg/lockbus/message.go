package lockbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Renewable is a lock-bearing entity eligible for background lock extension:
// a received message or a session. Implementations live in this package; the
// renewer holds them as non-owning registrations.
type Renewable interface {
	// RenewLock extends the lock server-side and advances LockedUntil.
	RenewLock(ctx context.Context) error
	// LockedUntil returns the current lock expiry.
	LockedUntil() time.Time
	// Settled reports whether the entity reached a terminal settlement state.
	Settled() bool
	// OwnerRunning reports whether the owning receiver is still running.
	// The renewer uses this as its liveness check instead of tracking
	// receiver shutdown synchronously.
	OwnerRunning() bool

	markLockExpired()
}

// ReceivedMessage is a message obtained from the entity together with its
// lock state. The back-reference to the receiver is non-owning: it is used
// for liveness checks and for issuing settle and renew calls, never for
// managing the receiver's lifetime.
type ReceivedMessage struct {
	Message

	SequenceNumber int64
	DeliveryCount  int
	EnqueuedAt     time.Time

	lockToken uuid.UUID

	mu          sync.Mutex
	lockedUntil time.Time
	settled     bool
	expired     bool

	receiver *Receiver
}

func newReceivedMessage(d Delivery, r *Receiver) *ReceivedMessage {
	m := &ReceivedMessage{
		Message:        d.Message,
		SequenceNumber: d.SequenceNumber,
		DeliveryCount:  d.DeliveryCount,
		EnqueuedAt:     d.EnqueuedAt,
		lockToken:      d.LockToken,
		lockedUntil:    d.LockedUntil,
		receiver:       r,
	}

	// Receive-and-delete deliveries are settled on receipt; every further
	// settlement or renewal call fails locally.
	if r != nil && r.opts.mode == ReceiveAndDelete {
		m.settled = true
	}

	return m
}

// LockToken returns the opaque token proving the right to settle this
// message. It is only populated in peek-lock mode.
func (m *ReceivedMessage) LockToken() uuid.UUID {
	return m.lockToken
}

// LockedUntil returns the current lock expiry.
func (m *ReceivedMessage) LockedUntil() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lockedUntil
}

// Settled reports whether the message reached a terminal settlement state.
func (m *ReceivedMessage) Settled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.settled
}

// Expired reports whether the message lock is no longer valid. The expiry is
// re-read at call time, so a renewal applied moments ago is honored.
func (m *ReceivedMessage) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.expiredLocked()
}

func (m *ReceivedMessage) expiredLocked() bool {
	if m.expired {
		return true
	}
	if m.settled || m.lockedUntil.IsZero() {
		return false
	}
	return time.Now().After(m.lockedUntil)
}

// OwnerRunning reports whether the owning receiver is still running.
func (m *ReceivedMessage) OwnerRunning() bool {
	return m.receiver != nil && m.receiver.IsRunning()
}

func (m *ReceivedMessage) markLockExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expired = true
}

// checkLive guards settlement and renewal. It is a purely local check: a
// settled or expired message fails here without a network round trip.
func (m *ReceivedMessage) checkLive() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settled {
		return ErrMessageAlreadySettled
	}
	if m.receiver == nil || !m.receiver.IsRunning() {
		return ErrReceiverNotRunning
	}
	if m.receiver.sessionful() {
		if err := m.receiver.checkSessionLive(); err != nil {
			return err
		}
	}
	if m.expiredLocked() {
		return ErrMessageLockExpired
	}

	return nil
}

func (m *ReceivedMessage) markSettled() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settled = true
}

// updateLockedUntil never moves the expiry backwards.
func (m *ReceivedMessage) updateLockedUntil(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.After(m.lockedUntil) {
		m.lockedUntil = t
	}
}

// Complete settles the message as successfully processed, removing it from
// the entity.
func (m *ReceivedMessage) Complete(ctx context.Context) error {
	return m.settle(ctx, DispositionComplete, "", "")
}

// Abandon releases the lock, making the message available for redelivery
// with an incremented delivery count.
func (m *ReceivedMessage) Abandon(ctx context.Context) error {
	return m.settle(ctx, DispositionAbandon, "", "")
}

// Defer moves the message to the deferred sub-queue, retrievable later only
// through ReceiveDeferred with its sequence number.
func (m *ReceivedMessage) Defer(ctx context.Context) error {
	return m.settle(ctx, DispositionDefer, "", "")
}

// DeadLetter moves the message to the dead-letter sub-queue. Reason and
// description are forwarded as message annotations.
func (m *ReceivedMessage) DeadLetter(ctx context.Context, reason, description string) error {
	return m.settle(ctx, DispositionDeadLetter, reason, description)
}

func (m *ReceivedMessage) settle(ctx context.Context, d Disposition, reason, description string) error {
	if err := m.checkLive(); err != nil {
		return err
	}
	if err := m.receiver.settleMessage(ctx, m, d, reason, description); err != nil {
		return err
	}
	m.markSettled()

	return nil
}

// RenewLock extends the message lock through a management request keyed by
// the lock token. Sessionful receivers renew the session lock instead; the
// message lock is tied to the session there.
func (m *ReceivedMessage) RenewLock(ctx context.Context) error {
	if err := m.checkLive(); err != nil {
		return err
	}
	if m.receiver.sessionful() {
		return NewError(KindService, "message locks are renewed through the session lock on a session receiver", nil)
	}

	lockedUntil, err := m.receiver.renewMessageLock(ctx, m.lockToken)
	if err != nil {
		return err
	}
	m.updateLockedUntil(lockedUntil)

	return nil
}
