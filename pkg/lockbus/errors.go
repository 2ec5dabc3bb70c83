package lockbus

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrHandlerClosed         = errors.New("handler is closed")
	ErrHandlerNotRunning     = errors.New("handler is not running")
	ErrMessageAlreadySettled = errors.New("message has already been settled")
	ErrMessageLockExpired    = errors.New("message lock has expired")
	ErrSessionLockExpired    = errors.New("session lock has expired")
	ErrNoActiveSession       = errors.New("no active session")
	ErrRenewerClosed         = errors.New("lock renewer is closed")
	ErrReceiverNotRunning    = errors.New("receiver is not running")
	ErrLinkDetached          = errors.New("link has been detached")
	ErrCircuitOpen           = errors.New("management circuit breaker is open")
)

// ErrorKind identifies the category a classified service failure belongs to.
type ErrorKind int

const (
	KindService ErrorKind = iota
	KindConnection
	KindAuthentication
	KindAuthorization
	KindSessionLockExpired
	KindNoActiveSession
	KindMessageLockLost
	KindMessageAlreadySettled
	KindAutoLockRenewTimeout
	KindServerBusy
	KindQuotaExceeded
	KindMessageSizeExceeded
	KindOperationTimeout
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindSessionLockExpired:
		return "session_lock_expired"
	case KindNoActiveSession:
		return "no_active_session"
	case KindMessageLockLost:
		return "message_lock_lost"
	case KindMessageAlreadySettled:
		return "message_already_settled"
	case KindAutoLockRenewTimeout:
		return "auto_lock_renew_timeout"
	case KindServerBusy:
		return "server_busy"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindMessageSizeExceeded:
		return "message_size_exceeded"
	case KindOperationTimeout:
		return "operation_timeout"
	case KindNotFound:
		return "not_found"
	default:
		return "service"
	}
}

type (
	// Error is a classified service failure. It wraps the transport-level
	// cause and carries the condition symbol the classification was derived
	// from.
	Error struct {
		Kind      ErrorKind
		Condition Condition
		Message   string
		Cause     error
	}

	// RenewTimeoutError reports that a registration exhausted its maximum
	// renewal duration. Cause holds the last renewal failure, if any.
	RenewTimeoutError struct {
		Elapsed time.Duration
		Cause   error
	}

	// InvalidStateTransitionError reports an illegal handler state change.
	InvalidStateTransitionError struct {
		From HandlerState
		To   HandlerState
	}
)

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports kind equality, so callers can match classified errors with
// errors.Is against a prototype of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}

	switch target {
	case ErrSessionLockExpired:
		return e.Kind == KindSessionLockExpired
	case ErrNoActiveSession:
		return e.Kind == KindNoActiveSession
	case ErrMessageLockExpired:
		return e.Kind == KindMessageLockLost
	case ErrMessageAlreadySettled:
		return e.Kind == KindMessageAlreadySettled
	}

	return false
}

func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

func newConditionError(kind ErrorKind, condition Condition, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Condition: condition,
		Message:   message,
		Cause:     cause,
	}
}

func (e *RenewTimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("lock renewal timed out after %s: %s", e.Elapsed, e.Cause.Error())
	}
	return fmt.Sprintf("lock renewal timed out after %s", e.Elapsed)
}

func (e *RenewTimeoutError) Unwrap() error {
	return e.Cause
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid handler state transition from %s to %s", e.From, e.To)
}
