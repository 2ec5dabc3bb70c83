package lockbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Condition is the wire-level error symbol attached to a transport failure.
type Condition string

const (
	CondLinkDetachForced      Condition = "amqp:link:detach-forced"
	CondConnectionForced      Condition = "amqp:connection:forced"
	CondUnauthorizedAccess    Condition = "amqp:unauthorized-access"
	CondInternalError         Condition = "amqp:internal-error"
	CondNotFound              Condition = "amqp:not-found"
	CondResourceLimit         Condition = "amqp:resource-limit-exceeded"
	CondMessageSizeExceeded   Condition = "amqp:link:message-size-exceeded"
	CondSessionLockLost       Condition = "com.microsoft:session-lock-lost"
	CondMessageLockLost       Condition = "com.microsoft:message-lock-lost"
	CondSessionLockTimeout    Condition = "com.microsoft:timeout"
	CondServerBusy            Condition = "com.microsoft:server-busy"
	CondAuthFailed            Condition = "com.microsoft:auth-failed"
	CondOperationCancelled    Condition = "com.microsoft:operation-cancelled"
	CondSessionCannotBeLocked Condition = "com.microsoft:session-cannot-be-locked"
)

// Management operation names.
const (
	OpRenewLock         = "com.microsoft:renew-lock"
	OpRenewSessionLock  = "com.microsoft:renew-session-lock"
	OpReceiveBySequence = "com.microsoft:receive-by-sequence-number"
	OpUpdateDisposition = "com.microsoft:update-disposition"
	OpPeekMessage       = "com.microsoft:peek-message"
	OpGetSessionState   = "com.microsoft:get-session-state"
	OpSetSessionState   = "com.microsoft:set-session-state"
	OpScheduleMessage   = "com.microsoft:schedule-message"
	OpCancelScheduled   = "com.microsoft:cancel-scheduled-message"
)

// Management request and response field names.
const (
	fieldDispositionStatus     = "disposition-status"
	fieldLockTokens            = "lock-tokens"
	fieldSequenceNumbers       = "sequence-numbers"
	fieldReceiverSettleMode    = "receiver-settle-mode"
	fieldSessionID             = "session-id"
	fieldSessionState          = "session-state"
	fieldDeadLetterReason      = "deadletter-reason"
	fieldDeadLetterDescription = "deadletter-description"
	fieldFromSequenceNumber    = "from-sequence-number"
	fieldMessageCount          = "message-count"
	fieldMessages              = "messages"
	fieldExpirations           = "expirations"
	fieldExpiration            = "expiration"
	fieldScheduledAt           = "scheduled-enqueue-time"
)

// Disposition is the settlement outcome applied to a locked message.
type Disposition string

const (
	DispositionComplete   Disposition = "completed"
	DispositionAbandon    Disposition = "abandoned"
	DispositionDefer      Disposition = "defered"
	DispositionDeadLetter Disposition = "suspended"
)

// TransportError is a failure reported by the underlying link, annotated
// with the condition symbol the classifier consumes.
type TransportError struct {
	Condition   Condition
	Description string
	Err         error
}

func (e *TransportError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("transport failure (%s): %s", e.Condition, e.Description)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport failure (%s): %s", e.Condition, e.Err.Error())
	}
	return fmt.Sprintf("transport failure (%s)", e.Condition)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type (
	// Message is an outbound payload together with its annotations.
	Message struct {
		ID            string
		SessionID     string
		Body          []byte
		ContentType   string
		CorrelationID string
		Annotations   map[string]any
	}

	// Delivery is a single inbound message as handed over by the transport.
	// SequenceNumber and DeliveryCount come from broker annotations; the
	// lock fields are only populated in peek-lock mode.
	Delivery struct {
		Message        Message
		SequenceNumber int64
		DeliveryCount  int
		LockToken      uuid.UUID
		LockedUntil    time.Time
		EnqueuedAt     time.Time
	}

	// MgmtResponse is the decoded body of a management request/response
	// round trip.
	MgmtResponse struct {
		StatusCode        int
		StatusDescription string
		Fields            map[string]any
	}
)

// Transport is the framed wire link the engine is built on. Implementations
// own exactly one connection; the Handler serializes access to it.
//
// Receive returns the deliveries that arrived within the timeout; an empty
// slice and nil error means the window elapsed quietly. SettleOnLink must
// return ErrLinkDetached (possibly wrapped) when the per-message link no
// longer exists, so that the receiver can fall back to a management-link
// disposition.
type Transport interface {
	Open(ctx context.Context) error
	Close() error

	// Ready reports whether the link is attached and authenticated. The
	// handler polls it after Open until the link settles.
	Ready() (bool, error)

	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context, maxCount int, timeout time.Duration) ([]Delivery, error)
	Mgmt(ctx context.Context, operation string, fields map[string]any) (MgmtResponse, error)
	SettleOnLink(ctx context.Context, token uuid.UUID, disposition Disposition, reason, description string) error
}

// TransportFactory builds a fresh Transport for an endpoint. The handler
// invokes it once on first open and again on every reconnect.
type TransportFactory func(cfg Config) (Transport, error)
